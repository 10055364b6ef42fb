package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"pkt.systems/gridlock"
	"pkt.systems/gridlock/internal/branchtag"
)

func newWatchCommand(rt *runtime) *cobra.Command {
	var reconnectInterval time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow lock changes in the space until interrupted",
		Long: `watch keeps a session open, prints the lock table whenever it changes and
reconnects after the server drops the session. When no --branch is given the
space's CVS/Tag file is watched and the session moves to the new lock space
when the tag changes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rt.config()
			if err != nil {
				return err
			}
			logger := rt.cliLogger("watch")
			ctx := cmd.Context()
			tel, err := gridlock.SetupTelemetry(ctx, gridlock.TelemetryConfig{
				OTLPEndpoint:  cfg.OTLPEndpoint,
				MetricsListen: cfg.MetricsListen,
			}, rt.leveledLogger(cfg))
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tel.Shutdown(shutdownCtx)
			}()

			cli, err := rt.connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer cli.Close()

			changed := make(chan struct{}, 1)
			sub := cli.Bus().RegisterFunc(func() {
				select {
				case changed <- struct{}{}:
				default:
				}
			})
			defer sub.Close()

			var tags <-chan string
			if cfg.Branch == "" {
				w, err := branchtag.New(nil, cfg.SpaceRoot, branchtag.WithLogger(rt.logger)).Watch(cfg.Space)
				if err != nil {
					logger.Warn("cli.watch.tag_unavailable", "space", cfg.Space, "error", err)
				} else {
					defer w.Close()
					tags = w.Tags()
				}
			}

			out := cmd.OutOrStdout()
			if err := writeStatusText(out, statusDocument{Server: cli.Addr(), LockSpace: cli.LockSpace(), Self: cli.Self(), Computers: cli.Computers()}, time.Now()); err != nil {
				return err
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return cli.Run(gctx, cfg.TickInterval)
			})
			g.Go(func() error {
				for {
					select {
					case <-gctx.Done():
						return nil
					case <-changed:
						doc := statusDocument{Server: cli.Addr(), LockSpace: cli.LockSpace(), Self: cli.Self(), Computers: cli.Computers()}
						if err := writeStatusText(out, doc, time.Now()); err != nil {
							return err
						}
					}
				}
			})
			g.Go(func() error {
				for {
					select {
					case <-gctx.Done():
						return nil
					case tag, ok := <-tags:
						if !ok {
							tags = nil
							continue
						}
						logger.Info("cli.watch.branch_changed", "space", cfg.Space, "branch", tag)
						if err := cli.ChangeSpace(gctx, cfg.Space); err != nil {
							logger.Warn("cli.watch.change_space_failed", "space", cfg.Space, "error", err)
						}
					case <-time.After(reconnectInterval):
						if cli.Connected() {
							continue
						}
						if err := cli.Connect(gctx); err != nil {
							logger.Warn("cli.watch.reconnect_failed", "server", cli.Addr(), "error", err)
							continue
						}
						logger.Info("cli.watch.reconnected", "server", cli.Addr(), "space", cli.LockSpace())
					}
				}
			})
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&reconnectInterval, "reconnect-interval", 5*time.Second, "delay between reconnect attempts after the server drops the session")
	return cmd
}
