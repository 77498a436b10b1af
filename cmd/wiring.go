package cmd

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/gleaner/internal/acquire"
	"github.com/tanq16/gleaner/internal/config"
	"github.com/tanq16/gleaner/internal/job"
	"github.com/tanq16/gleaner/internal/storage"
	"github.com/tanq16/gleaner/internal/transfer"
	"github.com/tanq16/gleaner/internal/utils"
)

// newOrchestrator assembles the job core from settings.
func newOrchestrator(ctx context.Context, s *config.Settings) (*job.Orchestrator, error) {
	layout, err := storage.NewLayout(s.OutputDir)
	if err != nil {
		return nil, err
	}
	client := utils.NewGleanerHTTPClient(s.HTTP)

	var r acquire.Renderer
	switch s.Renderer {
	case "http":
		r = acquire.NewHTTPRenderer(client)
	default:
		r = acquire.NewBrowserRenderer(s.HTTP.UserAgent, s.BrowserPath)
	}
	acquirer := acquire.New(r, acquire.Options{
		MaxRetries:      s.Discovery.MaxRetries,
		RetryDelay:      s.Discovery.RetryDelay,
		NavigateTimeout: s.Discovery.NavigateTimeout,
		ReadyTimeout:    s.Discovery.ReadyTimeout,
		ScrollPause:     s.Discovery.ScrollPause,
		MaxScrolls:      s.Discovery.MaxScrolls,
	})
	engine := transfer.NewEngine(client, transfer.Options{
		MaxRetries: s.Transfer.MaxRetries,
		RetryDelay: s.Transfer.RetryDelay,
		ChunkSize:  s.Transfer.ChunkSize,
	})

	if s.Mirror.Bucket == "" {
		return job.New(acquirer, engine, layout, nil), nil
	}
	mirror, err := storage.NewS3Mirror(ctx, layout.Root, storage.MirrorOptions{
		Bucket:  s.Mirror.Bucket,
		Prefix:  s.Mirror.Prefix,
		Profile: s.Mirror.Profile,
		Region:  s.Mirror.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("error setting up S3 mirror: %w", err)
	}
	log.Info().Str("op", "cmd/wiring").Msgf("mirroring finished files to s3://%s/%s", s.Mirror.Bucket, s.Mirror.Prefix)
	return job.New(acquirer, engine, layout, mirror), nil
}
