// Package job sequences discovery and fetch runs and owns their shared
// state.
//
// Discovery runs synchronously in the caller. Fetch runs on a single worker
// goroutine that processes resources in order, preview first and full asset
// second. Discovery and fetch are mutually exclusive: starting either while
// the other (or another of the same kind) is active fails with
// utils.ErrPhaseConflict and leaves the state untouched. A cancelled fetch
// keeps counting as active until its worker has drained, so a restart right
// after a cancel is rejected until Wait returns.
//
// Cancellation is cooperative. Cancel calls set a flag that the acquirer
// and the transfer engine poll at their checkpoints and also cancel the
// job's context so blocking reads return early.
package job

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/gleaner/internal/acquire"
	"github.com/tanq16/gleaner/internal/extract"
	"github.com/tanq16/gleaner/internal/storage"
	"github.com/tanq16/gleaner/internal/transfer"
	"github.com/tanq16/gleaner/internal/utils"
)

type Acquirer interface {
	Load(ctx context.Context, url, readySelector string, cancelled func() bool) (*extract.Content, error)
}

type Transferer interface {
	Fetch(ctx context.Context, task transfer.Task) (transfer.Result, error)
}

// Mirror receives every file that finished downloading.
type Mirror interface {
	Store(ctx context.Context, localPath string) error
}

type Orchestrator struct {
	acquirer   Acquirer
	transferer Transferer
	layout     *storage.Layout
	mirror     Mirror

	mu              sync.Mutex
	state           State
	resources       []utils.Resource
	discoveryActive bool
	fetchActive     bool
	discoveryCancel context.CancelFunc
	fetchCancel     context.CancelFunc
	fetchDone       chan struct{}

	// mirrors of the state flags, polled without the lock on hot paths
	cancelDiscovery atomic.Bool
	cancelFetch     atomic.Bool
}

// New builds an orchestrator. mirror may be nil.
func New(acquirer Acquirer, transferer Transferer, layout *storage.Layout, mirror Mirror) *Orchestrator {
	now := time.Now()
	return &Orchestrator{
		acquirer:   acquirer,
		transferer: transferer,
		layout:     layout,
		mirror:     mirror,
		state:      State{Phase: PhaseIdle, StartedAt: now, UpdatedAt: now},
	}
}

// StartDiscovery loads url, extracts its resources and keeps them as the
// current resource list. Load failures degrade to an empty list with the
// phase set to Error; only a renderer that cannot start is returned as an
// error. A cancelled run returns an empty list and leaves the phase Stopped.
func (o *Orchestrator) StartDiscovery(ctx context.Context, url string) ([]utils.Resource, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, fmt.Errorf("%w: url is required", utils.ErrInvalidInput)
	}

	o.mu.Lock()
	if o.discoveryActive || o.fetchActive {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot start discovery", utils.ErrPhaseConflict)
	}
	runCtx, cancel := context.WithCancel(ctx)
	jobID := uuid.NewString()
	o.discoveryActive = true
	o.discoveryCancel = cancel
	o.cancelDiscovery.Store(false)
	o.state.CancelDiscovery = false
	o.state.Phase = PhaseDiscovering
	o.state.Error = ""
	o.state.JobID = jobID
	o.state.StartedAt = time.Now()
	o.state.UpdatedAt = o.state.StartedAt
	o.mu.Unlock()

	defer func() {
		cancel()
		o.mu.Lock()
		o.discoveryActive = false
		o.discoveryCancel = nil
		o.mu.Unlock()
	}()

	logger := log.With().Str("op", "job/discovery").Str("job_id", jobID).Logger()
	logger.Info().Msgf("discovering resources on %s", url)

	extractFn, readySelector := extract.ForURL(url)
	content, err := o.acquirer.Load(runCtx, url, readySelector, o.cancelDiscovery.Load)
	switch {
	case o.cancelDiscovery.Load() || errors.Is(err, utils.ErrCancelled):
		logger.Info().Msg("discovery cancelled")
		o.finishDiscovery(PhaseStopped, "", nil)
		return []utils.Resource{}, nil
	case errors.Is(err, acquire.ErrRendererUnavailable):
		logger.Error().Err(err).Msg("renderer failed to start")
		o.finishDiscovery(PhaseError, err.Error(), nil)
		return nil, err
	case err != nil:
		logger.Error().Err(err).Msg("discovery failed")
		o.finishDiscovery(PhaseError, err.Error(), nil)
		return []utils.Resource{}, nil
	}

	resources := extractFn(*content)
	if o.finishDiscovery(PhaseIdle, "", resources) == PhaseStopped {
		logger.Info().Msg("discovery cancelled")
		return []utils.Resource{}, nil
	}
	logger.Info().Msgf("found %d resources", len(resources))
	return append([]utils.Resource(nil), resources...), nil
}

// finishDiscovery records the outcome and returns the phase it settled on.
// A cancel acknowledged before the lock is taken wins over any outcome.
func (o *Orchestrator) finishDiscovery(phase Phase, msg string, resources []utils.Resource) Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancelDiscovery.Load() {
		phase, msg, resources = PhaseStopped, "", nil
	}
	if resources == nil {
		resources = []utils.Resource{}
	}
	o.resources = resources
	o.state.Total = len(resources)
	o.state.Current = 0
	o.state.Phase = phase
	o.state.Error = msg
	o.state.UpdatedAt = time.Now()
	return phase
}

// StartFetch spawns the fetch worker and returns immediately.
func (o *Orchestrator) StartFetch(ctx context.Context, resources []utils.Resource) error {
	if len(resources) == 0 {
		return fmt.Errorf("%w: no resources to download", utils.ErrInvalidInput)
	}

	o.mu.Lock()
	if o.fetchActive || o.discoveryActive {
		o.mu.Unlock()
		return fmt.Errorf("%w: cannot start download", utils.ErrPhaseConflict)
	}
	// the worker outlives the request that started it
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	jobID := uuid.NewString()
	o.fetchActive = true
	o.fetchCancel = cancel
	o.fetchDone = done
	o.cancelFetch.Store(false)
	o.state.CancelFetch = false
	o.state.Phase = PhaseFetching
	o.state.Error = ""
	o.state.Total = len(resources)
	o.state.Current = 0
	o.state.Throughput = 0
	o.state.Report = Report{}
	o.state.JobID = jobID
	o.state.StartedAt = time.Now()
	o.state.UpdatedAt = o.state.StartedAt
	o.mu.Unlock()

	work := append([]utils.Resource(nil), resources...)
	go o.runFetch(runCtx, cancel, done, jobID, work)
	return nil
}

// CancelDiscovery stops a running discovery at its next checkpoint. The
// phase turns Stopped right away unless a fetch is the active job.
func (o *Orchestrator) CancelDiscovery() {
	o.cancelDiscovery.Store(true)
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state.CancelDiscovery = true
	if o.discoveryCancel != nil {
		o.discoveryCancel()
	}
	if !o.fetchActive {
		o.state.Phase = PhaseStopped
	}
	o.state.UpdatedAt = time.Now()
}

// CancelFetch stops the fetch worker at its next checkpoint. The phase
// turns Stopped right away unless a discovery is the active job.
func (o *Orchestrator) CancelFetch() {
	o.cancelFetch.Store(true)
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state.CancelFetch = true
	if o.fetchCancel != nil {
		o.fetchCancel()
	}
	if !o.discoveryActive {
		o.state.Phase = PhaseStopped
	}
	o.state.UpdatedAt = time.Now()
}

func (o *Orchestrator) Snapshot() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Resources returns the list kept by the last discovery.
func (o *Orchestrator) Resources() []utils.Resource {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]utils.Resource(nil), o.resources...)
}

// Wait blocks until the current fetch worker, if any, has exited.
func (o *Orchestrator) Wait() {
	o.mu.Lock()
	done := o.fetchDone
	o.mu.Unlock()
	if done != nil {
		<-done
	}
}
