package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	u "net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tanq16/gleaner/internal/job"
	"github.com/tanq16/gleaner/internal/output"
	"github.com/tanq16/gleaner/internal/utils"
)

func newScrapeCmd() *cobra.Command {
	var download bool
	var asJSON bool
	var logFile string

	cmd := &cobra.Command{
		Use:   "scrape URL [--download]",
		Short: "Discover resources on a page and optionally download them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url := args[0]
			if _, err := u.ParseRequestURI(url); err != nil {
				return fmt.Errorf("%w: invalid URL format", utils.ErrInvalidInput)
			}
			if logFile != "" {
				f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
				if err != nil {
					return fmt.Errorf("error opening log file: %v", err)
				}
				defer f.Close()
				utils.SetLogOutput(f)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			orch, err := newOrchestrator(ctx, settings)
			if err != nil {
				return err
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)
			go func() {
				for {
					select {
					case <-sigCh:
						fmt.Fprintln(os.Stderr)
						output.PrintWarning("Received interrupt, stopping")
						orch.CancelDiscovery()
						orch.CancelFetch()
					case <-ctx.Done():
						return
					}
				}
			}()

			if !asJSON {
				output.PrintInfo("Discovering resources on " + url)
			}
			resources, err := orch.StartDiscovery(ctx, url)
			if err != nil {
				return err
			}
			switch state := orch.Snapshot(); state.Phase {
			case job.PhaseError:
				return fmt.Errorf("discovery failed: %s", state.Error)
			case job.PhaseStopped:
				output.PrintWarning("Discovery stopped")
				return nil
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(map[string]any{"resources": resources}); err != nil {
					return err
				}
			} else {
				output.PrintResources(resources)
			}
			if !download || len(resources) == 0 {
				return nil
			}
			return runDownload(ctx, orch, orch.Resources())
		},
	}

	cmd.Flags().BoolVarP(&download, "download", "d", false, "Download the discovered resources")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print resources as JSON (the /api/download request body)")
	cmd.Flags().StringVar(&logFile, "log-file", "", "Write logs to this file instead of stderr")
	return cmd
}

// runDownload fetches resources and redraws the progress line until the
// worker exits.
func runDownload(ctx context.Context, orch *job.Orchestrator, resources []utils.Resource) error {
	if err := orch.StartFetch(ctx, resources); err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		orch.Wait()
		close(done)
	}()

	view := output.NewProgressView(os.Stdout)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	render := func() job.State {
		s := orch.Snapshot()
		view.Update(s.Status(), s.Current, s.Total, utils.FormatThroughput(s.Throughput))
		return s
	}
loop:
	for {
		select {
		case <-ticker.C:
			render()
		case <-done:
			break loop
		}
	}
	state := render()
	view.Done()

	r := state.Report
	summary := fmt.Sprintf("%d downloaded, %d skipped, %d failed", r.Succeeded, r.Skipped, r.Failed)
	switch {
	case state.Phase == job.PhaseStopped:
		output.PrintWarning("Download stopped: " + summary)
	case r.Failed > 0:
		output.PrintError(summary)
		return fmt.Errorf("encountered %d failed download(s)", r.Failed)
	default:
		output.PrintSuccess(summary)
	}
	return nil
}
