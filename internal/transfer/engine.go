package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/gleaner/internal/utils"
)

var (
	errStopped = errors.New("transfer stopped")
	// local disk failures are not retried
	errLocalFile = errors.New("local file error")
)

type Options struct {
	MaxRetries int
	RetryDelay time.Duration
	ChunkSize  int
}

func DefaultOptions() Options {
	return Options{
		MaxRetries: 3,
		RetryDelay: 2 * time.Second,
		ChunkSize:  utils.DefaultChunkSize,
	}
}

// Task is one URL to one file. It lives for a single fetch iteration.
type Task struct {
	URL         string
	Destination string
	// AddExtension appends the extension derived from the response
	// Content-Type to Destination.
	AddExtension bool
	// Cancelled is polled after every chunk and before every attempt.
	Cancelled func() bool
	// OnProgress receives the bytes written by the current attempt and the
	// time since that attempt started.
	OnProgress func(written int64, elapsed time.Duration)
}

type Result struct {
	Path      string
	Bytes     int64
	Attempts  int
	Cancelled bool
}

// Engine streams single files to disk. Data goes to a .part file in the
// temp directory next to the destination and is renamed into place only
// after a complete, uncancelled attempt.
type Engine struct {
	client utils.HTTPDoer
	opts   Options
}

func NewEngine(client utils.HTTPDoer, opts Options) *Engine {
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = utils.DefaultChunkSize
	}
	return &Engine{client: client, opts: opts}
}

// Fetch downloads task.URL. A cancellation is reported as
// Result.Cancelled with a nil error; exhausted retries wrap
// utils.ErrTransferFailed.
func (e *Engine) Fetch(ctx context.Context, task Task) (Result, error) {
	if task.URL == "" || task.Destination == "" {
		return Result{}, fmt.Errorf("%w: transfer needs a url and a destination", utils.ErrInvalidInput)
	}
	if task.Cancelled == nil {
		task.Cancelled = func() bool { return false }
	}
	stopped := func() bool { return task.Cancelled() || ctx.Err() != nil }

	tempDir := filepath.Join(filepath.Dir(task.Destination), utils.TempDirName)
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		return Result{}, fmt.Errorf("%w: error creating temp directory: %v", utils.ErrTransferFailed, err)
	}
	tempPath := filepath.Join(tempDir, filepath.Base(task.Destination)+".part")

	var result Result
	var lastErr error
	for attempt := range e.opts.MaxRetries {
		if attempt > 0 {
			log.Warn().Str("op", "transfer/engine").Msgf("Retrying download for %s (attempt %d/%d)", task.Destination, attempt+1, e.opts.MaxRetries)
			if !e.wait(ctx, task.Cancelled) {
				result.Cancelled = true
				return result, nil
			}
		}
		if stopped() {
			result.Cancelled = true
			return result, nil
		}
		result.Attempts = attempt + 1
		written, ext, err := e.attempt(ctx, task, tempPath, stopped)
		result.Bytes = written
		if errors.Is(err, errStopped) || stopped() {
			log.Info().Str("op", "transfer/engine").Msgf("Download of %s cancelled after %d bytes", task.URL, written)
			result.Cancelled = true
			return result, nil
		}
		if errors.Is(err, errLocalFile) {
			return result, fmt.Errorf("%w: %w", utils.ErrTransferFailed, err)
		}
		if err != nil {
			lastErr = err
			log.Error().Str("op", "transfer/engine").Err(err).Msgf("Download attempt %d failed", attempt+1)
			continue
		}
		finalPath := task.Destination
		if task.AddExtension {
			finalPath += ext
		}
		if err := os.Rename(tempPath, finalPath); err != nil {
			return result, fmt.Errorf("%w: error renaming (finalizing) output file: %v", utils.ErrTransferFailed, err)
		}
		result.Path = finalPath
		log.Debug().Str("op", "transfer/engine").Msgf("Download successful for %s (%s)", finalPath, utils.FormatBytes(uint64(written)))
		return result, nil
	}
	return result, fmt.Errorf("%w after %d attempts: %w", utils.ErrTransferFailed, e.opts.MaxRetries, lastErr)
}

// wait sleeps RetryDelay and reports false if the task was cancelled
// meanwhile.
func (e *Engine) wait(ctx context.Context, cancelled func() bool) bool {
	timer := time.NewTimer(e.opts.RetryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return !cancelled()
	}
}

func (e *Engine) attempt(ctx context.Context, task Task, tempPath string, stopped func() bool) (int64, string, error) {
	outFile, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return 0, "", fmt.Errorf("%w: error creating output file: %v", errLocalFile, err)
	}
	defer outFile.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, task.URL, nil)
	if err != nil {
		return 0, "", fmt.Errorf("error creating GET request: %v", err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("error executing GET request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, "", fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	start := time.Now()
	var written int64
	buffer := make([]byte, e.opts.ChunkSize)
	for {
		bytesRead, readErr := resp.Body.Read(buffer)
		if bytesRead > 0 {
			if _, writeErr := outFile.Write(buffer[:bytesRead]); writeErr != nil {
				return written, "", fmt.Errorf("%w: error writing to output file: %v", errLocalFile, writeErr)
			}
			written += int64(bytesRead)
			if task.OnProgress != nil {
				task.OnProgress(written, time.Since(start))
			}
			if stopped() {
				return written, "", errStopped
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			if stopped() {
				return written, "", errStopped
			}
			return written, "", fmt.Errorf("error reading response body: %v", readErr)
		}
	}
	if err := outFile.Sync(); err != nil {
		return written, "", fmt.Errorf("%w: error syncing output file: %v", errLocalFile, err)
	}
	return written, extensionFor(resp.Header.Get("Content-Type")), nil
}

var preferredExtensions = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/webp":      ".webp",
	"image/gif":       ".gif",
	"image/svg+xml":   ".svg",
	"application/zip": ".zip",
	"text/html":       ".html",
}

func extensionFor(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	if ext, ok := preferredExtensions[mediaType]; ok {
		return ext
	}
	if exts, err := mime.ExtensionsByType(mediaType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ""
}
