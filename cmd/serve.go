package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tanq16/gleaner/internal/server"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve [--listen ADDR]",
		Short: "Run the JSON control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("listen") {
				settings.Listen = listen
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			orch, err := newOrchestrator(ctx, settings)
			if err != nil {
				return err
			}
			srv := server.New(orch)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return srv.Run(gctx, settings.Listen)
			})
			g.Go(func() error {
				<-gctx.Done()
				log.Info().Str("op", "cmd/serve").Msg("stopping active jobs")
				orch.CancelDiscovery()
				orch.CancelFetch()
				orch.Wait()
				return nil
			})
			return g.Wait()
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", ":5000", "Address the API listens on")
	return cmd
}
