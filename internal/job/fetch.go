package job

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/gleaner/internal/transfer"
	"github.com/tanq16/gleaner/internal/utils"
)

type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeSkipped
	outcomeFailed
	outcomeCancelled
)

type part struct {
	url     string
	preview bool
}

func (o *Orchestrator) runFetch(ctx context.Context, cancel context.CancelFunc, done chan struct{}, jobID string, resources []utils.Resource) {
	logger := log.With().Str("op", "job/fetch").Str("job_id", jobID).Logger()
	logger.Info().Msgf("downloading %d resources", len(resources))
	defer close(done)
	defer cancel()

	var report Report
	for i, res := range resources {
		if o.fetchStopped(ctx) {
			break
		}
		index := i + 1
		logger.Info().Msgf("downloading resource %d/%d: %s", index, len(resources), res.Title)
		result, kbps := o.fetchResource(ctx, logger, index, res)
		if result == outcomeCancelled {
			break
		}
		switch result {
		case outcomeSucceeded:
			report.Succeeded++
		case outcomeSkipped:
			report.Skipped++
		case outcomeFailed:
			report.Failed++
		}
		o.mu.Lock()
		o.state.Current = index
		o.state.Throughput = kbps
		o.state.Report = report
		o.state.UpdatedAt = time.Now()
		o.mu.Unlock()
	}

	o.mu.Lock()
	o.fetchActive = false
	o.fetchCancel = nil
	o.state.Report = report
	if o.cancelFetch.Load() || ctx.Err() != nil {
		o.state.Phase = PhaseStopped
	} else {
		o.state.Phase = PhaseComplete
	}
	o.state.UpdatedAt = time.Now()
	o.mu.Unlock()
	logger.Info().Msgf("download finished: %d succeeded, %d skipped, %d failed", report.Succeeded, report.Skipped, report.Failed)
}

func (o *Orchestrator) fetchStopped(ctx context.Context) bool {
	return o.cancelFetch.Load() || ctx.Err() != nil
}

// fetchResource downloads the preview and then the full asset of one
// resource and returns the outcome with the throughput of its last
// transfer.
func (o *Orchestrator) fetchResource(ctx context.Context, logger zerolog.Logger, index int, res utils.Resource) (outcome, float64) {
	var parts []part
	if res.PreviewURL != "" {
		parts = append(parts, part{url: res.PreviewURL, preview: true})
	}
	if res.URL != "" && res.URL != res.PreviewURL {
		parts = append(parts, part{url: res.URL})
	}
	if len(parts) == 0 {
		logger.Warn().Msgf("resource %d has no url, skipping", index)
		return outcomeSkipped, 0
	}

	var kbps float64
	failed := false
	for _, p := range parts {
		if o.fetchStopped(ctx) {
			return outcomeCancelled, kbps
		}
		dest, hasExt := o.layout.Path(res.Title, index, p.preview, p.url)
		task := transfer.Task{
			URL:          p.url,
			Destination:  dest,
			AddExtension: !hasExt,
			Cancelled:    o.cancelFetch.Load,
			OnProgress: func(written int64, elapsed time.Duration) {
				kbps = utils.KBPerSecond(written, elapsed)
				o.mu.Lock()
				o.state.Throughput = kbps
				o.mu.Unlock()
			},
		}
		result, err := o.transferer.Fetch(ctx, task)
		if result.Cancelled {
			return outcomeCancelled, kbps
		}
		if err != nil {
			logger.Error().Err(err).Msgf("error downloading resource %d", index)
			failed = true
			continue
		}
		logger.Info().Msgf("successfully downloaded %s", result.Path)
		if o.mirror != nil {
			if err := o.mirror.Store(ctx, result.Path); err != nil {
				logger.Warn().Err(err).Msgf("mirror upload failed for %s", result.Path)
			}
		}
	}
	if failed {
		return outcomeFailed, kbps
	}
	return outcomeSucceeded, kbps
}
