package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"pkt.systems/gridlock"
)

func newDevServerCommand(rt *runtime) *cobra.Command {
	var listen string
	var guardThreshold int
	var guardWindow, guardBlock time.Duration
	cmd := &cobra.Command{
		Use:   "devserver",
		Short: "Run an in-memory lock server for local development",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := rt.cliLogger("devserver")
			ts, err := gridlock.NewTestServer(
				gridlock.WithTestListener(listen),
				gridlock.WithTestLogger(rt.logger),
				gridlock.WithTestGreeting("gridlock devserver"),
				gridlock.WithTestConnectionGuard(guardThreshold, guardWindow, guardBlock),
			)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "listening on %s\n", ts.Addr())
			logger.Info("cli.devserver.ready", "addr", ts.Addr())

			g, gctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return ts.Stop(shutdownCtx)
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:8168", "listen address")
	cmd.Flags().IntVar(&guardThreshold, "guard-threshold", 5, "malformed frames within --guard-window that block a peer (0 disables)")
	cmd.Flags().DurationVar(&guardWindow, "guard-window", 10*time.Second, "window for counting malformed frames")
	cmd.Flags().DurationVar(&guardBlock, "guard-block", 5*time.Minute, "how long a blocked peer is refused")
	return cmd
}
