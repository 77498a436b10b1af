// Package acquire produces fully rendered page HTML for discovery.
//
// An Acquirer drives a Renderer page: navigation with bounded retries, a
// wait for a readiness selector, then scroll-to-load until the document
// height stops growing or the scroll cap is reached. The cancel callback is
// consulted after every navigation attempt and every scroll iteration.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/gleaner/internal/extract"
	"github.com/tanq16/gleaner/internal/utils"
)

// ErrRendererUnavailable means the renderer could not start at all. Unlike
// a failed page load it is surfaced to API callers.
var ErrRendererUnavailable = errors.New("renderer unavailable")

// Renderer opens pages. Implementations wrap a headless browser or a plain
// HTTP client.
type Renderer interface {
	Open(ctx context.Context) (Page, error)
}

// Page is one open tab of a Renderer.
type Page interface {
	Navigate(ctx context.Context, url string) error
	WaitReady(ctx context.Context, selector string, timeout time.Duration) error
	ScrollHeight(ctx context.Context) (int64, error)
	ScrollToBottom(ctx context.Context) error
	HTML(ctx context.Context) (string, error)
	Close() error
}

type Options struct {
	MaxRetries int
	RetryDelay time.Duration
	// NavigateTimeout bounds a single navigation attempt.
	NavigateTimeout time.Duration
	ReadyTimeout    time.Duration
	ScrollPause     time.Duration
	MaxScrolls      int
}

func DefaultOptions() Options {
	return Options{
		MaxRetries:      3,
		RetryDelay:      2 * time.Second,
		NavigateTimeout: 30 * time.Second,
		ReadyTimeout:    10 * time.Second,
		ScrollPause:     2 * time.Second,
		MaxScrolls:      50,
	}
}

type Acquirer struct {
	renderer Renderer
	opts     Options
}

func New(renderer Renderer, opts Options) *Acquirer {
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}
	if opts.MaxScrolls < 1 {
		opts.MaxScrolls = 1
	}
	if opts.NavigateTimeout <= 0 {
		opts.NavigateTimeout = DefaultOptions().NavigateTimeout
	}
	return &Acquirer{renderer: renderer, opts: opts}
}

// Load returns the rendered content of url. It fails with ErrLoadFailed
// once navigation attempts are exhausted and with ErrCancelled when the
// cancel callback fires at a checkpoint.
func (a *Acquirer) Load(ctx context.Context, url, readySelector string, cancelled func() bool) (*extract.Content, error) {
	if cancelled == nil {
		cancelled = func() bool { return false }
	}
	page, err := a.renderer.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRendererUnavailable, err)
	}
	defer page.Close()

	if err := a.navigate(ctx, page, url, cancelled); err != nil {
		return nil, err
	}

	if readySelector != "" {
		if err := page.WaitReady(ctx, readySelector, a.opts.ReadyTimeout); err != nil {
			log.Warn().Str("op", "acquire/load").Err(err).Msgf("readiness marker %q not found, extracting anyway", readySelector)
		}
	}

	if err := a.scroll(ctx, page, cancelled); err != nil {
		return nil, err
	}

	html, err := page.HTML(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: reading content: %v", utils.ErrLoadFailed, err)
	}
	return &extract.Content{URL: url, HTML: html}, nil
}

func (a *Acquirer) navigate(ctx context.Context, page Page, url string, cancelled func() bool) error {
	var lastErr error
	for attempt := range a.opts.MaxRetries {
		if attempt > 0 {
			log.Warn().Str("op", "acquire/navigate").Msgf("retrying %s (attempt %d/%d)", url, attempt+1, a.opts.MaxRetries)
			if err := sleep(ctx, a.opts.RetryDelay); err != nil {
				return utils.ErrCancelled
			}
		}
		navCtx, cancel := context.WithTimeout(ctx, a.opts.NavigateTimeout)
		lastErr = page.Navigate(navCtx, url)
		cancel()
		if cancelled() || ctx.Err() != nil {
			return utils.ErrCancelled
		}
		if lastErr == nil {
			log.Info().Str("op", "acquire/navigate").Msgf("page loaded: %s", url)
			return nil
		}
		log.Error().Str("op", "acquire/navigate").Err(lastErr).Msgf("navigation attempt %d failed", attempt+1)
	}
	return fmt.Errorf("%w after %d attempts: %v", utils.ErrLoadFailed, a.opts.MaxRetries, lastErr)
}

// scroll triggers lazy loading until two consecutive heights match. The
// MaxScrolls cap keeps pages that never stabilise from hanging discovery.
func (a *Acquirer) scroll(ctx context.Context, page Page, cancelled func() bool) error {
	height, err := page.ScrollHeight(ctx)
	if err != nil {
		return fmt.Errorf("%w: reading scroll height: %v", utils.ErrLoadFailed, err)
	}
	for i := range a.opts.MaxScrolls {
		if err := page.ScrollToBottom(ctx); err != nil {
			return fmt.Errorf("%w: scrolling: %v", utils.ErrLoadFailed, err)
		}
		if err := sleep(ctx, a.opts.ScrollPause); err != nil {
			return utils.ErrCancelled
		}
		next, err := page.ScrollHeight(ctx)
		if err != nil {
			return fmt.Errorf("%w: reading scroll height: %v", utils.ErrLoadFailed, err)
		}
		if cancelled() {
			return utils.ErrCancelled
		}
		log.Debug().Str("op", "acquire/scroll").Msgf("scroll %d: height %d -> %d", i+1, height, next)
		if next <= height {
			return nil
		}
		height = next
	}
	log.Warn().Str("op", "acquire/scroll").Msgf("height still growing after %d scrolls, stopping", a.opts.MaxScrolls)
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
