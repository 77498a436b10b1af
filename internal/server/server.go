// Package server exposes the job orchestrator as a JSON HTTP API.
package server

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/gleaner/internal/job"
	"github.com/tanq16/gleaner/internal/utils"
)

const maxBodySize = 8 << 20

//go:embed web
var webFS embed.FS

// Controller is the part of job.Orchestrator the API drives.
type Controller interface {
	StartDiscovery(ctx context.Context, url string) ([]utils.Resource, error)
	StartFetch(ctx context.Context, resources []utils.Resource) error
	CancelDiscovery()
	CancelFetch()
	Snapshot() job.State
}

type Server struct {
	ctrl   Controller
	logger zerolog.Logger
}

func New(ctrl Controller) *Server {
	return &Server{ctrl: ctrl, logger: log.Logger}
}

type scrapeRequest struct {
	URL string `json:"url"`
}

type scrapeResponse struct {
	Resources []utils.Resource `json:"resources"`
}

type downloadRequest struct {
	Resources []utils.Resource `json:"resources"`
}

type messageResponse struct {
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Status  string     `json:"status"`
	Total   int        `json:"total"`
	Current int        `json:"current"`
	Speed   string     `json:"speed"`
	JobID   string     `json:"job_id"`
	Error   string     `json:"error"`
	Report  job.Report `json:"report"`
}

func NewStatusResponse(s job.State) StatusResponse {
	return StatusResponse{
		Status:  s.Status(),
		Total:   s.Total,
		Current: s.Current,
		Speed:   utils.FormatThroughput(s.Throughput),
		JobID:   s.JobID,
		Error:   s.Error,
		Report:  s.Report,
	}
}

// Handler returns the API and the web UI at / wrapped in request-id and
// access logging.
func (s *Server) Handler() http.Handler {
	web, err := fs.Sub(webFS, "web")
	if err != nil {
		panic(err)
	}
	mux := http.NewServeMux()
	mux.Handle("GET /{$}", http.FileServerFS(web))
	mux.HandleFunc("POST /api/scrape", s.handleScrape)
	mux.HandleFunc("POST /api/download", s.handleDownload)
	mux.HandleFunc("POST /api/stop-scraping", s.handleStopScraping)
	mux.HandleFunc("POST /api/stop-download", s.handleStopDownload)
	mux.HandleFunc("GET /api/status", s.handleStatus)

	var h http.Handler = mux
	h = hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("op", "server/access").
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("")
	})(h)
	h = hlog.RemoteAddrHandler("ip")(h)
	h = hlog.RequestIDHandler("req_id", "Request-Id")(h)
	h = hlog.NewHandler(s.logger)(h)
	return h
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("op", "server/run").Msgf("listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	log.Info().Str("op", "server/run").Msg("shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("error shutting down server: %v", err)
	}
	return nil
}

func (s *Server) handleScrape(w http.ResponseWriter, r *http.Request) {
	var req scrapeRequest
	if err := decode(w, r, &req); err != nil || req.URL == "" {
		writeJSON(w, http.StatusBadRequest, messageResponse{Error: "URL is required"})
		return
	}
	resources, err := s.ctrl.StartDiscovery(r.Context(), req.URL)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, scrapeResponse{Resources: resources})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	var req downloadRequest
	if err := decode(w, r, &req); err != nil || len(req.Resources) == 0 {
		writeJSON(w, http.StatusBadRequest, messageResponse{Error: "No resources provided"})
		return
	}
	if err := s.ctrl.StartFetch(r.Context(), req.Resources); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, messageResponse{Status: "Download started"})
}

func (s *Server) handleStopScraping(w http.ResponseWriter, r *http.Request) {
	s.ctrl.CancelDiscovery()
	writeJSON(w, http.StatusOK, messageResponse{Status: "Scraping stopped"})
}

func (s *Server) handleStopDownload(w http.ResponseWriter, r *http.Request) {
	s.ctrl.CancelFetch()
	writeJSON(w, http.StatusOK, messageResponse{Status: "Download stopped"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, NewStatusResponse(s.ctrl.Snapshot()))
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	return dec.Decode(v)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, utils.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, utils.ErrPhaseConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	event := hlog.FromRequest(r).Warn()
	if code == http.StatusInternalServerError {
		event = hlog.FromRequest(r).Error()
	}
	event.Str("op", "server/api").Err(err).Msg("request failed")
	writeJSON(w, code, messageResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Str("op", "server/api").Err(err).Msg("error writing response")
	}
}
