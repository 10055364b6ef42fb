package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/gridlock"
	"pkt.systems/gridlock/api"
	"pkt.systems/gridlock/client"
	"pkt.systems/gridlock/region"
)

func parseInts(args []string, names ...string) ([]int, error) {
	out := make([]int, len(args))
	for i, arg := range args {
		v, err := strconv.Atoi(strings.TrimSpace(arg))
		if err != nil {
			return nil, fmt.Errorf("%s: %q is not an integer", names[i], arg)
		}
		out[i] = v
	}
	return out, nil
}

func newLockCommand(rt *runtime) *cobra.Command {
	var description string
	cmd := &cobra.Command{
		Use:   "lock MINX MINZ MAXX MAXZ",
		Short: "Lock a half-open cell selection, padded by the configured extents",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := parseInts(args, "minx", "minz", "maxx", "maxz")
			if err != nil {
				return err
			}
			sel := region.GridRect{MinX: v[0], MinZ: v[1], MaxX: v[2], MaxZ: v[3]}
			return rt.withClient(cmd, func(ctx context.Context, _ gridlock.Config, cli *client.Client) error {
				msg, err := cli.Lock(ctx, sel, description)
				if err != nil {
					return serverError(err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "locked: %s\n", msg)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&description, "description", "d", "", "reason shown to other users")
	return cmd
}

func newUnlockCommand(rt *runtime) *cobra.Command {
	var description string
	cmd := &cobra.Command{
		Use:   "unlock LEFT TOP RIGHT BOTTOM",
		Short: "Release a held lock rectangle exactly as the server reports it",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := parseInts(args, "left", "top", "right", "bottom")
			if err != nil {
				return err
			}
			for i, n := range v {
				if n < -1<<15 || n > 1<<15-1 {
					return fmt.Errorf("argument %d (%d) is outside the grid", i+1, n)
				}
			}
			rect := region.Rect{Left: int16(v[0]), Top: int16(v[1]), Right: int16(v[2]), Bottom: int16(v[3])}
			return rt.withClient(cmd, func(ctx context.Context, _ gridlock.Config, cli *client.Client) error {
				msg, err := cli.Unlock(ctx, rect, description)
				if err != nil {
					return serverError(err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "unlocked: %s\n", msg)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&description, "description", "d", "", "reason recorded with the release")
	return cmd
}

func newUnlockAreaCommand(rt *runtime) *cobra.Command {
	var description string
	cmd := &cobra.Command{
		Use:   "unlock-area MINX MINZ MAXX MAXZ",
		Short: "Release the lock a matching lock command requested",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := parseInts(args, "minx", "minz", "maxx", "maxz")
			if err != nil {
				return err
			}
			sel := region.GridRect{MinX: v[0], MinZ: v[1], MaxX: v[2], MaxZ: v[3]}
			return rt.withClient(cmd, func(ctx context.Context, _ gridlock.Config, cli *client.Client) error {
				msg, err := cli.UnlockArea(ctx, sel, description)
				if err != nil {
					return serverError(err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "unlocked: %s\n", msg)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&description, "description", "d", "", "reason recorded with the release")
	return cmd
}

func newDiscardCommand(rt *runtime) *cobra.Command {
	var description string
	cmd := &cobra.Command{
		Use:   "discard X Z",
		Short: "Release every rectangle of this machine's lock group at a cell",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := parseInts(args, "x", "z")
			if err != nil {
				return err
			}
			return rt.withClient(cmd, func(ctx context.Context, _ gridlock.Config, cli *client.Client) error {
				if !cli.IsLockedByMe(v[0], v[1]) {
					return fmt.Errorf("cell %d,%d is not locked by %s", v[0], v[1], cli.Self())
				}
				n, err := cli.DiscardLocksAt(ctx, v[0], v[1], description)
				if err != nil {
					return serverError(err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "released %d rectangle(s)\n", n)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&description, "description", "d", "", "reason recorded with the release")
	return cmd
}

func newInfoCommand(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "info X Z",
		Short: "Show who holds a cell",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := parseInts(args, "x", "z")
			if err != nil {
				return err
			}
			return rt.withClient(cmd, func(_ context.Context, _ gridlock.Config, cli *client.Client) error {
				out := cmd.OutOrStdout()
				info := cli.GridInfo(v[0], v[1])
				if !info.Locked() {
					fmt.Fprintf(out, "%d,%d is unlocked\n", v[0], v[1])
					return nil
				}
				fmt.Fprintf(out, "computer:    %s\n", info.Computer)
				fmt.Fprintf(out, "user:        %s\n", info.Username)
				fmt.Fprintf(out, "locked:      %s (%s)\n", info.Time, info.Age(time.Now()))
				fmt.Fprintf(out, "description: %s\n", info.Description)
				fmt.Fprintf(out, "writable:    %t\n", cli.IsWritableByMe(v[0], v[1]))
				if rects := cli.LockRects(v[0], v[1]); len(rects) > 0 {
					parts := make([]string, len(rects))
					for i, r := range rects {
						parts[i] = r.String()
					}
					fmt.Fprintf(out, "group:       %s\n", strings.Join(parts, " "))
				}
				return nil
			})
		},
	}
}

var cellGlyphs = map[api.CellState]byte{
	api.CellUnlocked:       '.',
	api.CellLockedByMe:     'm',
	api.CellLockedByOthers: 'x',
	api.CellWritableByMe:   'W',
}

func newMapCommand(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "map MINX MINZ WIDTH HEIGHT",
		Short: "Draw lock states for an area (W writable, m mine, x others, . free)",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := parseInts(args, "minx", "minz", "width", "height")
			if err != nil {
				return err
			}
			if v[2] <= 0 || v[3] <= 0 || v[2]*v[3] > 1<<20 {
				return fmt.Errorf("width and height must be positive and cover at most %d cells", 1<<20)
			}
			return rt.withClient(cmd, func(_ context.Context, _ gridlock.Config, cli *client.Client) error {
				return writeMap(cmd, cli.LockData(v[0], v[1], v[2], v[3]), v[2])
			})
		},
	}
}

func writeMap(cmd *cobra.Command, states []api.CellState, width int) error {
	line := make([]byte, 0, width+1)
	for i, s := range states {
		line = append(line, cellGlyphs[s])
		if (i+1)%width == 0 {
			line = append(line, '\n')
			if _, err := cmd.OutOrStdout().Write(line); err != nil {
				return err
			}
			line = line[:0]
		}
	}
	return nil
}

// serverError surfaces the server's explanation when there is one.
func serverError(err error) error {
	if msg := api.ServerMessage(err); msg != "" {
		return fmt.Errorf("server refused: %s", msg)
	}
	return err
}
