package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tanq16/gleaner/internal/acquire"
	"github.com/tanq16/gleaner/internal/job"
	"github.com/tanq16/gleaner/internal/storage"
	"github.com/tanq16/gleaner/internal/transfer"
	"github.com/tanq16/gleaner/internal/utils"
)

type stubController struct {
	mu            sync.Mutex
	resources     []utils.Resource
	discoveryErr  error
	fetchErr      error
	fetched       []utils.Resource
	stopScrapes   int
	stopDownloads int
	state         job.State
}

func (c *stubController) StartDiscovery(_ context.Context, url string) ([]utils.Resource, error) {
	return c.resources, c.discoveryErr
}

func (c *stubController) StartFetch(_ context.Context, resources []utils.Resource) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetched = resources
	return c.fetchErr
}

func (c *stubController) CancelDiscovery() { c.stopScrapes++ }
func (c *stubController) CancelFetch()     { c.stopDownloads++ }
func (c *stubController) Snapshot() job.State {
	return c.state
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("response is not JSON: %q", rec.Body.String())
	}
	return out
}

func TestInitialStatus(t *testing.T) {
	h := New(&stubController{state: job.State{Phase: job.PhaseIdle}}).Handler()
	rec := do(t, h, http.MethodGet, "/api/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "Ready" || body["speed"] != "0 KB/s" || body["total"] != float64(0) {
		t.Errorf("body = %v", body)
	}
	if rec.Header().Get("Request-Id") == "" {
		t.Error("expected a Request-Id header")
	}
}

func TestStatusDuringFetch(t *testing.T) {
	state := job.State{Phase: job.PhaseFetching, Total: 4, Current: 2, Throughput: 123.456, JobID: "j1"}
	h := New(&stubController{state: state}).Handler()
	var got StatusResponse
	rec := do(t, h, http.MethodGet, "/api/status", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	want := StatusResponse{Status: "Downloading", Total: 4, Current: 2, Speed: "123.5 KB/s", JobID: "j1"}
	if got != want {
		t.Errorf("status = %+v, want %+v", got, want)
	}
}

func TestScrape(t *testing.T) {
	ctrl := &stubController{resources: []utils.Resource{{URL: "https://a.test/1", Title: "One", Kind: utils.KindPhoto, PreviewURL: "https://a.test/1.jpg"}}}
	h := New(ctrl).Handler()

	rec := do(t, h, http.MethodPost, "/api/scrape", `{"url":"https://a.test"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d body %s", rec.Code, rec.Body)
	}
	want := `{"resources":[{"url":"https://a.test/1","title":"One","type":"photo","preview_url":"https://a.test/1.jpg"}]}`
	if strings.TrimSpace(rec.Body.String()) != want {
		t.Errorf("body = %s", rec.Body)
	}
}

func TestScrapeEmptyResultIsArray(t *testing.T) {
	h := New(&stubController{resources: []utils.Resource{}}).Handler()
	rec := do(t, h, http.MethodPost, "/api/scrape", `{"url":"https://a.test"}`)
	if strings.TrimSpace(rec.Body.String()) != `{"resources":[]}` {
		t.Errorf("body = %s", rec.Body)
	}
}

func TestScrapeErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		code int
	}{
		{"missing url", `{}`, nil, http.StatusBadRequest},
		{"invalid json", `{"url":`, nil, http.StatusBadRequest},
		{"conflict", `{"url":"https://a.test"}`, fmt.Errorf("%w: busy", utils.ErrPhaseConflict), http.StatusConflict},
		{"renderer", `{"url":"https://a.test"}`, fmt.Errorf("%w: no chrome", acquire.ErrRendererUnavailable), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New(&stubController{discoveryErr: tt.err}).Handler()
			rec := do(t, h, http.MethodPost, "/api/scrape", tt.body)
			if rec.Code != tt.code {
				t.Errorf("code = %d, want %d", rec.Code, tt.code)
			}
			if body := decodeBody(t, rec); body["error"] == nil || body["error"] == "" {
				t.Errorf("expected error message, got %v", body)
			}
		})
	}
}

func TestDownload(t *testing.T) {
	ctrl := &stubController{}
	h := New(ctrl).Handler()
	rec := do(t, h, http.MethodPost, "/api/download", `{"resources":[{"url":"https://a.test/1","title":"One","type":"photo"}]}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("code = %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["status"] != "Download started" {
		t.Errorf("body = %v", body)
	}
	if len(ctrl.fetched) != 1 || ctrl.fetched[0].Kind != utils.KindPhoto {
		t.Errorf("fetched = %+v", ctrl.fetched)
	}
}

func TestDownloadErrors(t *testing.T) {
	h := New(&stubController{}).Handler()
	if rec := do(t, h, http.MethodPost, "/api/download", `{"resources":[]}`); rec.Code != http.StatusBadRequest {
		t.Errorf("empty list code = %d", rec.Code)
	}
	busy := New(&stubController{fetchErr: fmt.Errorf("%w: busy", utils.ErrPhaseConflict)}).Handler()
	if rec := do(t, busy, http.MethodPost, "/api/download", `{"resources":[{"url":"u"}]}`); rec.Code != http.StatusConflict {
		t.Errorf("conflict code = %d", rec.Code)
	}
}

func TestStopEndpoints(t *testing.T) {
	ctrl := &stubController{}
	h := New(ctrl).Handler()
	for range 2 {
		if rec := do(t, h, http.MethodPost, "/api/stop-scraping", ""); decodeBody(t, rec)["status"] != "Scraping stopped" {
			t.Errorf("stop-scraping body = %s", rec.Body)
		}
		if rec := do(t, h, http.MethodPost, "/api/stop-download", ""); decodeBody(t, rec)["status"] != "Download stopped" {
			t.Errorf("stop-download body = %s", rec.Body)
		}
	}
	if ctrl.stopScrapes != 2 || ctrl.stopDownloads != 2 {
		t.Errorf("stops = %d/%d", ctrl.stopScrapes, ctrl.stopDownloads)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h := New(&stubController{}).Handler()
	if rec := do(t, h, http.MethodGet, "/api/scrape", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("code = %d, want 405", rec.Code)
	}
}

func TestIndexPage(t *testing.T) {
	h := New(&stubController{}).Handler()
	rec := do(t, h, http.MethodGet, "/", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q", ct)
	}
	body := rec.Body.String()
	for _, route := range []string{"/api/scrape", "/api/download", "/api/stop-scraping", "/api/stop-download", "/api/status"} {
		if !strings.Contains(body, route) {
			t.Errorf("page does not drive %s", route)
		}
	}
	if rec := do(t, h, http.MethodGet, "/missing", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown path code = %d, want 404", rec.Code)
	}
}

func TestServerWithOrchestrator(t *testing.T) {
	layoutDir := t.TempDir()
	o := newOrchestrator(t, layoutDir)
	srv := httptest.NewServer(New(o).Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/download", "application/json", strings.NewReader(`{"resources":[{"title":"empty"}]}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("code = %d", resp.StatusCode)
	}
	o.Wait()

	resp, err = http.Get(srv.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var status StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if status.Status != "Complete" || status.Current != 1 || status.Total != 1 || status.Report.Skipped != 1 {
		t.Errorf("status = %+v", status)
	}
}

func newOrchestrator(t *testing.T, root string) *job.Orchestrator {
	t.Helper()
	layout, err := storage.NewLayout(root)
	if err != nil {
		t.Fatal(err)
	}
	client := utils.NewGleanerHTTPClient(utils.HTTPClientConfig{Timeout: 5 * time.Second})
	acquirer := acquire.New(acquire.NewHTTPRenderer(client), acquire.DefaultOptions())
	engine := transfer.NewEngine(client, transfer.DefaultOptions())
	return job.New(acquirer, engine, layout, nil)
}
