package job

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tanq16/gleaner/internal/acquire"
	"github.com/tanq16/gleaner/internal/extract"
	"github.com/tanq16/gleaner/internal/storage"
	"github.com/tanq16/gleaner/internal/transfer"
	"github.com/tanq16/gleaner/internal/utils"
)

const threeCards = `<div class="list-content">
  <div class="list-content__item"><a href="/p/1"><img src="https://img.test/1.jpg"></a><p class="title">One</p></div>
  <div class="list-content__item"><img src="https://img.test/2.jpg"><p class="title">No link</p></div>
  <div class="list-content__item"><a href="/p/3"><img src="https://img.test/3.jpg"></a><p class="title">Three</p></div>
</div>`

type fakeAcquirer struct {
	html     string
	err      error
	block    bool // wait for cancellation before returning
	started  chan struct{}
	selector string
}

func (a *fakeAcquirer) Load(ctx context.Context, url, readySelector string, cancelled func() bool) (*extract.Content, error) {
	a.selector = readySelector
	if a.started != nil {
		close(a.started)
	}
	if a.block {
		for !cancelled() && ctx.Err() == nil {
			time.Sleep(time.Millisecond)
		}
		return nil, utils.ErrCancelled
	}
	if a.err != nil {
		return nil, a.err
	}
	return &extract.Content{URL: url, HTML: a.html}, nil
}

// fakeTransferer streams a fixed number of chunks per task and honours the
// cancel flag after each one.
type fakeTransferer struct {
	mu       sync.Mutex
	tasks    []transfer.Task
	chunks   int
	delay    time.Duration
	failURLs map[string]bool
	started  chan struct{}
	once     sync.Once
}

func (f *fakeTransferer) Fetch(ctx context.Context, task transfer.Task) (transfer.Result, error) {
	f.mu.Lock()
	f.tasks = append(f.tasks, task)
	f.mu.Unlock()
	if f.started != nil {
		f.once.Do(func() { close(f.started) })
	}
	if f.failURLs[task.URL] {
		return transfer.Result{Attempts: 3}, fmt.Errorf("%w: boom", utils.ErrTransferFailed)
	}
	start := time.Now()
	var written int64
	for range f.chunks {
		select {
		case <-ctx.Done():
			return transfer.Result{Bytes: written, Cancelled: true}, nil
		case <-time.After(f.delay):
		}
		written += 1024
		if task.OnProgress != nil {
			task.OnProgress(written, time.Since(start))
		}
		if task.Cancelled != nil && task.Cancelled() {
			return transfer.Result{Bytes: written, Cancelled: true}, nil
		}
	}
	return transfer.Result{Path: task.Destination, Bytes: written, Attempts: 1}, nil
}

func (f *fakeTransferer) taskCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

type fakeMirror struct {
	mu    sync.Mutex
	paths []string
	err   error
}

func (m *fakeMirror) Store(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paths = append(m.paths, path)
	return m.err
}

func newTestOrchestrator(t *testing.T, a Acquirer, tr Transferer, mirror Mirror) *Orchestrator {
	t.Helper()
	layout, err := storage.NewLayout(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return New(a, tr, layout, mirror)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestInitialSnapshot(t *testing.T) {
	o := newTestOrchestrator(t, &fakeAcquirer{}, &fakeTransferer{}, nil)
	s := o.Snapshot()
	if s.Phase != PhaseIdle || s.Status() != "Ready" || s.Throughput != 0 || s.Total != 0 {
		t.Errorf("initial state = %+v", s)
	}
}

func TestDiscoveryThenFetchSkipsMalformedCard(t *testing.T) {
	tr := &fakeTransferer{chunks: 2}
	o := newTestOrchestrator(t, &fakeAcquirer{html: threeCards}, tr, nil)

	resources, err := o.StartDiscovery(context.Background(), "https://site.test/photos")
	if err != nil {
		t.Fatalf("StartDiscovery: %v", err)
	}
	if len(resources) != 2 || resources[0].Title != "One" || resources[1].Title != "Three" {
		t.Fatalf("resources = %+v", resources)
	}
	if s := o.Snapshot(); s.Phase != PhaseIdle || s.Total != 2 {
		t.Errorf("after discovery: %+v", s)
	}

	if err := o.StartFetch(context.Background(), resources); err != nil {
		t.Fatalf("StartFetch: %v", err)
	}
	if s := o.Snapshot(); s.Total != 2 {
		t.Errorf("Total = %d, want 2", s.Total)
	}
	o.Wait()
	s := o.Snapshot()
	if s.Phase != PhaseComplete || s.Current != 2 || s.Report.Succeeded != 2 {
		t.Errorf("after fetch: %+v", s)
	}
	// preview then full asset for each resource
	if tr.taskCount() != 4 {
		t.Fatalf("tasks = %d, want 4", tr.taskCount())
	}
	if got := filepath.Base(tr.tasks[0].Destination); got != "One_1_preview.jpg" {
		t.Errorf("first destination = %q", got)
	}
	if got := tr.tasks[1].URL; got != "https://site.test/p/1" {
		t.Errorf("second task url = %q", got)
	}
}

func TestDiscoveryPicksProfileSelector(t *testing.T) {
	a := &fakeAcquirer{html: "<html></html>"}
	o := newTestOrchestrator(t, a, &fakeTransferer{}, nil)
	if _, err := o.StartDiscovery(context.Background(), "https://site.test/author/jane"); err != nil {
		t.Fatal(err)
	}
	if a.selector != extract.ProfileReadySelector {
		t.Errorf("selector = %q, want %q", a.selector, extract.ProfileReadySelector)
	}
}

func TestDiscoveryRejectsEmptyURL(t *testing.T) {
	o := newTestOrchestrator(t, &fakeAcquirer{}, &fakeTransferer{}, nil)
	if _, err := o.StartDiscovery(context.Background(), "  "); !errors.Is(err, utils.ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput", err)
	}
	if o.Snapshot().Phase != PhaseIdle {
		t.Error("rejected call must not change the phase")
	}
}

func TestDiscoveryLoadFailureDegrades(t *testing.T) {
	a := &fakeAcquirer{err: fmt.Errorf("%w after 3 attempts: timeout", utils.ErrLoadFailed)}
	o := newTestOrchestrator(t, a, &fakeTransferer{}, nil)
	resources, err := o.StartDiscovery(context.Background(), "https://site.test")
	if err != nil {
		t.Fatalf("load failures are not returned: %v", err)
	}
	if resources == nil || len(resources) != 0 {
		t.Errorf("resources = %#v, want empty slice", resources)
	}
	s := o.Snapshot()
	if s.Phase != PhaseError || !strings.HasPrefix(s.Status(), "Error: page load failed") {
		t.Errorf("state = %+v, status %q", s, s.Status())
	}
}

func TestDiscoveryRendererUnavailable(t *testing.T) {
	a := &fakeAcquirer{err: fmt.Errorf("%w: no chrome", acquire.ErrRendererUnavailable)}
	o := newTestOrchestrator(t, a, &fakeTransferer{}, nil)
	if _, err := o.StartDiscovery(context.Background(), "https://site.test"); !errors.Is(err, acquire.ErrRendererUnavailable) {
		t.Errorf("err = %v, want ErrRendererUnavailable", err)
	}
}

func TestCancelDiscovery(t *testing.T) {
	a := &fakeAcquirer{block: true, started: make(chan struct{})}
	o := newTestOrchestrator(t, a, &fakeTransferer{}, nil)

	type out struct {
		res []utils.Resource
		err error
	}
	done := make(chan out)
	go func() {
		res, err := o.StartDiscovery(context.Background(), "https://site.test")
		done <- out{res, err}
	}()
	<-a.started
	o.CancelDiscovery()
	if o.Snapshot().Phase != PhaseStopped {
		t.Error("phase should be Stopped immediately after cancel")
	}
	select {
	case r := <-done:
		if r.err != nil || len(r.res) != 0 {
			t.Errorf("cancelled discovery = %v, %v", r.res, r.err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("discovery did not observe cancellation")
	}
	if s := o.Snapshot(); s.Phase != PhaseStopped || !s.CancelDiscovery {
		t.Errorf("state = %+v", s)
	}
}

// sameState compares snapshots ignoring the update time, which every
// cancel call refreshes.
func sameState(a, b State) bool {
	b.UpdatedAt = a.UpdatedAt
	return a == b
}

func TestCancelDiscoveryIsIdempotent(t *testing.T) {
	t.Run("no job running", func(t *testing.T) {
		o := newTestOrchestrator(t, &fakeAcquirer{}, &fakeTransferer{}, nil)
		o.CancelDiscovery()
		once := o.Snapshot()
		o.CancelDiscovery()
		twice := o.Snapshot()
		if once.Phase != PhaseStopped || !once.CancelDiscovery {
			t.Errorf("after one cancel: %+v", once)
		}
		if !sameState(once, twice) {
			t.Errorf("once %+v twice %+v", once, twice)
		}
	})

	t.Run("discovery blocked", func(t *testing.T) {
		a := &fakeAcquirer{block: true, started: make(chan struct{})}
		o := newTestOrchestrator(t, a, &fakeTransferer{}, nil)
		done := make(chan struct{})
		go func() {
			defer close(done)
			o.StartDiscovery(context.Background(), "https://site.test")
		}()
		<-a.started
		o.CancelDiscovery()
		once := o.Snapshot()
		o.CancelDiscovery()
		twice := o.Snapshot()
		if once.Phase != PhaseStopped || !once.CancelDiscovery {
			t.Errorf("after one cancel: %+v", once)
		}
		if !sameState(once, twice) {
			t.Errorf("once %+v twice %+v", once, twice)
		}
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("discovery did not observe cancellation")
		}
		if s := o.Snapshot(); s.Phase != PhaseStopped || s.Total != 0 {
			t.Errorf("after drain: %+v", s)
		}
	})
}

func TestLateCancelWinsOverDiscoveryResult(t *testing.T) {
	o := newTestOrchestrator(t, &fakeAcquirer{}, &fakeTransferer{}, nil)
	o.cancelDiscovery.Store(true)
	phase := o.finishDiscovery(PhaseIdle, "", []utils.Resource{{URL: "https://x.test/1.jpg"}})
	if phase != PhaseStopped {
		t.Errorf("phase = %v, want Stopped", phase)
	}
	if s := o.Snapshot(); s.Phase != PhaseStopped || s.Total != 0 || len(o.Resources()) != 0 {
		t.Errorf("state = %+v, resources %v", s, o.Resources())
	}
}

func TestDiscoveryRejectedWhileFetching(t *testing.T) {
	tr := &fakeTransferer{chunks: 1000, delay: 5 * time.Millisecond, started: make(chan struct{})}
	o := newTestOrchestrator(t, &fakeAcquirer{html: threeCards}, tr, nil)
	defer func() {
		o.CancelFetch()
		o.Wait()
	}()

	if err := o.StartFetch(context.Background(), []utils.Resource{{URL: "https://x.test/a.jpg", Title: "a"}}); err != nil {
		t.Fatal(err)
	}
	<-tr.started

	before := o.Snapshot()
	if _, err := o.StartDiscovery(context.Background(), "https://site.test"); !errors.Is(err, utils.ErrPhaseConflict) {
		t.Errorf("StartDiscovery err = %v, want ErrPhaseConflict", err)
	}
	if err := o.StartFetch(context.Background(), []utils.Resource{{URL: "https://x.test/b.jpg"}}); !errors.Is(err, utils.ErrPhaseConflict) {
		t.Errorf("StartFetch err = %v, want ErrPhaseConflict", err)
	}
	after := o.Snapshot()
	if after.Phase != PhaseFetching || after.JobID != before.JobID || after.Total != before.Total {
		t.Errorf("rejected calls changed state: before %+v after %+v", before, after)
	}
}

func TestFetchRejectedWhileDiscovering(t *testing.T) {
	a := &fakeAcquirer{block: true, started: make(chan struct{})}
	o := newTestOrchestrator(t, a, &fakeTransferer{}, nil)
	done := make(chan struct{})
	go func() {
		o.StartDiscovery(context.Background(), "https://site.test")
		close(done)
	}()
	<-a.started

	before := o.Snapshot()
	err := o.StartFetch(context.Background(), []utils.Resource{{URL: "https://x.test/a.jpg"}})
	if !errors.Is(err, utils.ErrPhaseConflict) {
		t.Errorf("err = %v, want ErrPhaseConflict", err)
	}
	if after := o.Snapshot(); after != before {
		t.Errorf("rejected call changed state: before %+v after %+v", before, after)
	}
	o.CancelDiscovery()
	<-done
}

func TestStartFetchRejectsEmptyList(t *testing.T) {
	o := newTestOrchestrator(t, &fakeAcquirer{}, &fakeTransferer{}, nil)
	if err := o.StartFetch(context.Background(), nil); !errors.Is(err, utils.ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput", err)
	}
}

func TestCancelFetchIsIdempotent(t *testing.T) {
	tr := &fakeTransferer{chunks: 1000, delay: 2 * time.Millisecond, started: make(chan struct{})}
	o := newTestOrchestrator(t, &fakeAcquirer{}, tr, nil)
	resources := []utils.Resource{{URL: "https://x.test/1.jpg"}, {URL: "https://x.test/2.jpg"}, {URL: "https://x.test/3.jpg"}}
	if err := o.StartFetch(context.Background(), resources); err != nil {
		t.Fatal(err)
	}
	<-tr.started

	o.CancelFetch()
	once := o.Snapshot()
	o.CancelFetch()
	twice := o.Snapshot()
	if once.Phase != PhaseStopped || twice.Phase != PhaseStopped || once.CancelFetch != twice.CancelFetch {
		t.Errorf("once %+v twice %+v", once, twice)
	}

	o.Wait()
	s := o.Snapshot()
	if s.Phase != PhaseStopped || s.Current > len(resources) {
		t.Errorf("after drain: %+v", s)
	}
	if tr.taskCount() != 1 {
		t.Errorf("tasks = %d, no resource should start after cancel", tr.taskCount())
	}
}

func TestRestartAfterCancelWaitsForDrain(t *testing.T) {
	tr := &fakeTransferer{chunks: 1000, delay: 2 * time.Millisecond, started: make(chan struct{})}
	o := newTestOrchestrator(t, &fakeAcquirer{}, tr, nil)
	resources := []utils.Resource{{URL: "https://x.test/1.jpg"}}
	if err := o.StartFetch(context.Background(), resources); err != nil {
		t.Fatal(err)
	}
	<-tr.started
	o.CancelFetch()
	o.Wait()

	tr.chunks = 1
	if err := o.StartFetch(context.Background(), resources); err != nil {
		t.Fatalf("restart after drain: %v", err)
	}
	o.Wait()
	if s := o.Snapshot(); s.Phase != PhaseComplete || s.CancelFetch {
		t.Errorf("state = %+v", s)
	}
}

func TestResourceWithoutURLsIsSkipped(t *testing.T) {
	tr := &fakeTransferer{chunks: 1}
	o := newTestOrchestrator(t, &fakeAcquirer{}, tr, nil)
	if err := o.StartFetch(context.Background(), []utils.Resource{{Title: "empty"}}); err != nil {
		t.Fatal(err)
	}
	o.Wait()
	s := o.Snapshot()
	if s.Current != 1 || s.Phase != PhaseComplete || s.Report.Skipped != 1 {
		t.Errorf("state = %+v", s)
	}
	if tr.taskCount() != 0 {
		t.Errorf("tasks = %d, want none", tr.taskCount())
	}
}

func TestFailedResourceDoesNotAbortJob(t *testing.T) {
	tr := &fakeTransferer{chunks: 1, failURLs: map[string]bool{"https://x.test/bad.jpg": true}}
	mirror := &fakeMirror{err: errors.New("bucket gone")}
	o := newTestOrchestrator(t, &fakeAcquirer{}, tr, mirror)
	resources := []utils.Resource{
		{URL: "https://x.test/bad.jpg", Title: "bad"},
		{URL: "https://x.test/good.jpg", Title: "good"},
	}
	if err := o.StartFetch(context.Background(), resources); err != nil {
		t.Fatal(err)
	}
	o.Wait()
	s := o.Snapshot()
	if s.Phase != PhaseComplete || s.Current != 2 {
		t.Errorf("state = %+v", s)
	}
	if s.Report != (Report{Succeeded: 1, Failed: 1}) {
		t.Errorf("report = %+v", s.Report)
	}
	if len(mirror.paths) != 1 || filepath.Base(mirror.paths[0]) != "good_2.jpg" {
		t.Errorf("mirrored = %v", mirror.paths)
	}
}

func TestThroughputNeverNegative(t *testing.T) {
	tr := &fakeTransferer{chunks: 20, delay: time.Millisecond}
	o := newTestOrchestrator(t, &fakeAcquirer{}, tr, nil)
	resources := []utils.Resource{{URL: "https://x.test/1.jpg"}, {PreviewURL: "https://x.test/2p.jpg", URL: "https://x.test/2.jpg"}}
	if err := o.StartFetch(context.Background(), resources); err != nil {
		t.Fatal(err)
	}
	sawFetching := false
	for {
		s := o.Snapshot()
		if s.Throughput < 0 {
			t.Fatalf("negative throughput: %+v", s)
		}
		if s.Current > s.Total {
			t.Fatalf("Current %d > Total %d", s.Current, s.Total)
		}
		if s.Phase == PhaseFetching {
			sawFetching = true
			continue
		}
		break
	}
	o.Wait()
	if !sawFetching {
		t.Error("never observed the Fetching phase")
	}
	if s := o.Snapshot(); s.Throughput <= 0 {
		t.Errorf("final throughput = %v, want the last resource's rate", s.Throughput)
	}
}

func TestResourcesReturnsCopy(t *testing.T) {
	o := newTestOrchestrator(t, &fakeAcquirer{html: threeCards}, &fakeTransferer{}, nil)
	if _, err := o.StartDiscovery(context.Background(), "https://site.test"); err != nil {
		t.Fatal(err)
	}
	got := o.Resources()
	got[0].Title = "changed"
	if o.Resources()[0].Title != "One" {
		t.Error("Resources must return a copy")
	}
}

// The remaining tests drive the real transfer engine against httptest
// servers.

func newEngineOrchestrator(t *testing.T, root string) *Orchestrator {
	t.Helper()
	layout, err := storage.NewLayout(root)
	if err != nil {
		t.Fatal(err)
	}
	engine := transfer.NewEngine(utils.NewGleanerHTTPClient(utils.HTTPClientConfig{}), transfer.Options{
		MaxRetries: 3,
		RetryDelay: 5 * time.Millisecond,
		ChunkSize:  1024,
	})
	return New(&fakeAcquirer{}, engine, layout, nil)
}

func TestCancelFetchLeavesNoFinalFile(t *testing.T) {
	var streaming atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		chunk := bytes.Repeat([]byte("j"), 512)
		for range 10000 {
			if r.Context().Err() != nil {
				return
			}
			if _, err := w.Write(chunk); err != nil {
				return
			}
			w.(http.Flusher).Flush()
			streaming.Store(true)
			time.Sleep(time.Millisecond)
		}
	}))
	defer server.Close()

	root := t.TempDir()
	o := newEngineOrchestrator(t, root)
	resources := []utils.Resource{
		{URL: server.URL + "/big.jpg", Title: "big"},
		{URL: server.URL + "/next.jpg", Title: "next"},
	}
	if err := o.StartFetch(context.Background(), resources); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "transfer to stream", streaming.Load)
	o.CancelFetch()
	o.Wait()

	s := o.Snapshot()
	if s.Phase != PhaseStopped || s.Current > len(resources) {
		t.Errorf("state = %+v", s)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name() != utils.TempDirName {
			t.Errorf("unexpected final file %s after cancel", e.Name())
		}
	}
}

func TestFetchSurvivesTransientFailures(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("payload"))
	}))
	defer server.Close()

	root := t.TempDir()
	o := newEngineOrchestrator(t, root)
	if err := o.StartFetch(context.Background(), []utils.Resource{{URL: server.URL + "/a.jpg", Title: "A"}}); err != nil {
		t.Fatal(err)
	}
	o.Wait()
	s := o.Snapshot()
	if s.Phase != PhaseComplete || s.Report.Succeeded != 1 {
		t.Errorf("state = %+v", s)
	}
	data, err := os.ReadFile(filepath.Join(root, "A_1.jpg"))
	if err != nil || string(data) != "payload" {
		t.Errorf("file = %q, %v", data, err)
	}
}

func TestFetchNamesFilesForDottedAndLongTitles(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte("jpeg"))
	}))
	defer server.Close()

	root := t.TempDir()
	o := newEngineOrchestrator(t, root)
	long := strings.Repeat("Very long description ", 15)
	resources := []utils.Resource{
		{Title: "Logo v1.2", PreviewURL: server.URL + "/img?id=1"},
		{Title: long, URL: server.URL + "/files/2.jpg"},
	}
	if err := o.StartFetch(context.Background(), resources); err != nil {
		t.Fatal(err)
	}
	o.Wait()
	s := o.Snapshot()
	if s.Phase != PhaseComplete || s.Report.Succeeded != 2 || s.Report.Failed != 0 {
		t.Fatalf("state = %+v", s)
	}
	if _, err := os.Stat(filepath.Join(root, "Logo v1.2_1_preview.jpg")); err != nil {
		t.Errorf("dotted title: %v", err)
	}
	matches, _ := filepath.Glob(filepath.Join(root, "Very long description*_2.jpg"))
	if len(matches) != 1 {
		t.Errorf("long title files = %v", matches)
	}
}
