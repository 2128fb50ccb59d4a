// Package server exposes the recap pipeline over HTTP.
//
// Routes:
//
//	POST /api/upload          multipart "file" → {result, artifacts}
//	GET  /api/recaps          archived recaps, filtered by ?q= and ?source=
//	GET  /api/recaps/{id}     one archived recap
//	GET  /health, /healthz, /readyz
//	GET  /metrics             Prometheus exposition
//
// Every route is wrapped by [observe.Middleware].
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/taleweaver/internal/health"
	"github.com/MrWong99/taleweaver/internal/observe"
	"github.com/MrWong99/taleweaver/internal/pipeline"
	"github.com/MrWong99/taleweaver/pkg/archive"
)

// DefaultMaxUploadBytes caps uploads when no limit is configured.
const DefaultMaxUploadBytes = 20 << 20

// Processor runs the full pipeline for one transcript and persists the
// result.
type Processor interface {
	Process(ctx context.Context, text, source string) (*pipeline.Result, pipeline.Artifacts, error)
}

// Server is the HTTP front end. Create one with [New] and mount
// [Server.Handler].
type Server struct {
	proc      Processor
	recaps    archive.Store
	health    *health.Handler
	metrics   *observe.Metrics
	promh     http.Handler
	maxUpload int64
}

// Option configures a [Server].
type Option func(*Server)

// WithArchive enables the /api/recaps routes.
func WithArchive(s archive.Store) Option {
	return func(srv *Server) { srv.recaps = s }
}

// WithHealth sets the health handler. Defaults to one without checkers.
func WithHealth(h *health.Handler) Option {
	return func(srv *Server) { srv.health = h }
}

// WithMetrics sets the instruments used by the HTTP middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(srv *Server) { srv.metrics = m }
}

// WithMetricsHandler replaces the /metrics handler. Defaults to promhttp.
func WithMetricsHandler(h http.Handler) Option {
	return func(srv *Server) { srv.promh = h }
}

// WithMaxUploadBytes caps the request body of /api/upload.
func WithMaxUploadBytes(n int64) Option {
	return func(srv *Server) {
		if n > 0 {
			srv.maxUpload = n
		}
	}
}

// New creates a server around proc.
func New(proc Processor, opts ...Option) *Server {
	s := &Server{
		proc:      proc,
		maxUpload: DefaultMaxUploadBytes,
	}
	for _, o := range opts {
		o(s)
	}
	if s.health == nil {
		s.health = health.New()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.promh == nil {
		s.promh = promhttp.Handler()
	}
	return s
}

// Handler returns the routed and instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/upload", s.handleUpload)
	mux.HandleFunc("GET /api/recaps", s.handleListRecaps)
	mux.HandleFunc("GET /api/recaps/{id}", s.handleGetRecap)
	mux.Handle("GET /metrics", s.promh)
	s.health.Register(mux)
	return observe.Middleware(s.metrics)(mux)
}

type uploadResponse struct {
	Result    *pipeline.Result   `json:"result"`
	Artifacts pipeline.Artifacts `json:"artifacts"`
}

type errorResponse struct {
	Error string `json:"error"`
	Stage string `json:"stage,omitempty"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)

	f, hdr, err := r.FormFile("file")
	if err != nil {
		if tooLarge(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds "+strconv.FormatInt(s.maxUpload, 10)+" bytes", "")
			return
		}
		writeError(w, http.StatusBadRequest, "missing multipart field \"file\"", "")
		return
	}
	defer f.Close()

	if err := CheckFilename(hdr.Filename); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	data, err := io.ReadAll(f)
	if err != nil {
		if tooLarge(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds "+strconv.FormatInt(s.maxUpload, 10)+" bytes", "")
			return
		}
		writeError(w, http.StatusBadRequest, "read upload: "+err.Error(), "")
		return
	}
	text, err := DecodeTranscript(hdr.Filename, data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}

	log.Info("transcript uploaded", "filename", hdr.Filename, "bytes", len(data))
	res, arts, err := s.proc.Process(r.Context(), text, hdr.Filename)
	if err != nil {
		var se *pipeline.StageError
		if errors.As(err, &se) {
			log.Error("pipeline failed", "stage", se.Stage, "err", se.Err)
			writeError(w, http.StatusBadGateway, se.Err.Error(), se.Stage)
			return
		}
		log.Error("process transcript", "err", err)
		writeError(w, http.StatusInternalServerError, err.Error(), "")
		return
	}
	writeJSON(w, http.StatusOK, uploadResponse{Result: res, Artifacts: arts})
}

func (s *Server) handleGetRecap(w http.ResponseWriter, r *http.Request) {
	if s.recaps == nil {
		writeError(w, http.StatusNotFound, "recap archive is disabled", "")
		return
	}
	rec, err := s.recaps.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, archive.ErrNotFound) {
		writeError(w, http.StatusNotFound, "recap not found", "")
		return
	}
	if err != nil {
		observe.Logger(r.Context()).Error("get recap", "id", r.PathValue("id"), "err", err)
		writeError(w, http.StatusInternalServerError, "archive unavailable", "")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListRecaps(w http.ResponseWriter, r *http.Request) {
	if s.recaps == nil {
		writeError(w, http.StatusNotFound, "recap archive is disabled", "")
		return
	}
	q := r.URL.Query()
	opts := archive.ListOpts{Query: q.Get("q"), Source: q.Get("source")}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer", "")
			return
		}
		opts.Limit = n
	}
	recs, err := s.recaps.List(r.Context(), opts)
	if err != nil {
		observe.Logger(r.Context()).Error("list recaps", "err", err)
		writeError(w, http.StatusInternalServerError, "archive unavailable", "")
		return
	}
	if recs == nil {
		recs = []archive.Recap{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func tooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}

func writeError(w http.ResponseWriter, status int, msg, stage string) {
	writeJSON(w, status, errorResponse{Error: msg, Stage: stage})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
