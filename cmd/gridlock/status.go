package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/gridlock"
	"pkt.systems/gridlock/api"
	"pkt.systems/gridlock/client"
)

type statusDocument struct {
	Server    string         `yaml:"server"`
	LockSpace string         `yaml:"lock_space"`
	Self      string         `yaml:"self"`
	Computers []api.Computer `yaml:"computers"`
}

func newStatusCommand(rt *runtime) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "List every lock held in the space",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			output = strings.ToLower(strings.TrimSpace(output))
			if output != "text" && output != "yaml" {
				return fmt.Errorf("unknown output format %q (text, yaml)", output)
			}
			return rt.withClient(cmd, func(ctx context.Context, cfg gridlock.Config, cli *client.Client) error {
				doc := statusDocument{
					Server:    cli.Addr(),
					LockSpace: cli.LockSpace(),
					Self:      cli.Self(),
					Computers: cli.Computers(),
				}
				if output == "yaml" {
					enc := yaml.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent(2)
					if err := enc.Encode(doc); err != nil {
						return err
					}
					return enc.Close()
				}
				return writeStatusText(cmd.OutOrStdout(), doc, time.Now())
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format (text, yaml)")
	return cmd
}

func writeStatusText(w io.Writer, doc statusDocument, now time.Time) error {
	fmt.Fprintf(w, "server %s  space %s  self %s\n", doc.Server, doc.LockSpace, doc.Self)
	if len(doc.Computers) == 0 {
		_, err := fmt.Fprintln(w, "no locks")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "COMPUTER\tUSER\tRECT\tAGE\tDESCRIPTION")
	for _, comp := range doc.Computers {
		name := comp.Name
		if strings.EqualFold(name, doc.Self) {
			name += " (me)"
		}
		for _, lock := range comp.Locks {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				name,
				lock.Username,
				lock.Rect,
				humanize.RelTime(lock.Acquired(), now, "ago", "from now"),
				lock.Description,
			)
		}
	}
	return tw.Flush()
}
