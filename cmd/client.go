package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/tanq16/gleaner/internal/output"
	"github.com/tanq16/gleaner/internal/server"
	"github.com/tanq16/gleaner/internal/utils"
)

const defaultServerURL = "http://localhost:5000"

// apiCall sends a request to a running gleaner server and decodes the JSON
// reply into out.
func apiCall(ctx context.Context, method, serverURL, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(serverURL, "/")+path, nil)
	if err != nil {
		return fmt.Errorf("error creating request: %v", err)
	}
	req.Header.Set("Accept", "application/json")
	client := utils.NewGleanerHTTPClient(utils.HTTPClientConfig{Timeout: 10 * time.Second, UserAgent: "gleaner/" + GleanerVersion})
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("error contacting server: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var body struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, body.Error)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func newStatusCmd() *cobra.Command {
	var serverURL string
	var watch bool

	cmd := &cobra.Command{
		Use:   "status [--server URL] [--watch]",
		Short: "Show the job status of a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var status server.StatusResponse
			if err := apiCall(ctx, http.MethodGet, serverURL, "/api/status", &status); err != nil {
				return err
			}
			if !watch {
				printStatus(status)
				return nil
			}
			view := output.NewProgressView(cmd.OutOrStdout())
			defer view.Done()
			for {
				view.Update(status.Status, status.Current, status.Total, status.Speed)
				if status.Status != "Downloading" && status.Status != "Scraping" {
					return nil
				}
				time.Sleep(time.Second)
				if err := apiCall(ctx, http.MethodGet, serverURL, "/api/status", &status); err != nil {
					return err
				}
			}
		},
	}

	cmd.Flags().StringVarP(&serverURL, "server", "s", defaultServerURL, "Base URL of the gleaner server")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Follow progress until the active job ends")
	return cmd
}

func printStatus(s server.StatusResponse) {
	output.PrintHeader("Gleaner status")
	fmt.Printf("  %s %s\n", output.FDetail("status "), s.Status)
	fmt.Printf("  %s %d/%d\n", output.FDetail("progress"), s.Current, s.Total)
	fmt.Printf("  %s %s\n", output.FDetail("speed  "), s.Speed)
	if s.JobID != "" {
		fmt.Printf("  %s %s\n", output.FDetail("job    "), s.JobID)
	}
	r := s.Report
	if r.Succeeded+r.Skipped+r.Failed > 0 {
		fmt.Printf("  %s %d downloaded, %d skipped, %d failed\n", output.FDetail("report "), r.Succeeded, r.Skipped, r.Failed)
	}
}

func newStopCmd() *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:       "stop scrape|download [--server URL]",
		Short:     "Stop the discovery or download running on a server",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"scrape", "download"},
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/stop-scraping"
			if args[0] == "download" {
				path = "/api/stop-download"
			}
			var reply struct {
				Status string `json:"status"`
			}
			if err := apiCall(cmd.Context(), http.MethodPost, serverURL, path, &reply); err != nil {
				return err
			}
			output.PrintSuccess(reply.Status)
			return nil
		},
	}

	cmd.Flags().StringVarP(&serverURL, "server", "s", defaultServerURL, "Base URL of the gleaner server")
	return cmd
}
