package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/taleweaver/internal/gateway"
	"github.com/MrWong99/taleweaver/internal/health"
	"github.com/MrWong99/taleweaver/internal/observe"
	"github.com/MrWong99/taleweaver/internal/pipeline"
	"github.com/MrWong99/taleweaver/internal/server"
	"github.com/MrWong99/taleweaver/pkg/archive"
	archivemock "github.com/MrWong99/taleweaver/pkg/archive/mock"
)

// fakeProcessor records its inputs and returns canned output.
type fakeProcessor struct {
	mu     sync.Mutex
	texts  []string
	source []string
	err    error
}

func (p *fakeProcessor) Process(_ context.Context, text, source string) (*pipeline.Result, pipeline.Artifacts, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.texts = append(p.texts, text)
	p.source = append(p.source, source)
	if p.err != nil {
		return nil, nil, p.err
	}
	src := source
	return &pipeline.Result{
			RunID:            "run-1",
			Source:           &src,
			ChunkCount:       1,
			PlayerFinalStory: "The party reached the Crypt.",
		}, pipeline.Artifacts{
			"json": "storage/output/session_summary.json",
		}, nil
}

func (p *fakeProcessor) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.texts)
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newHandler(t *testing.T, proc server.Processor, opts ...server.Option) http.Handler {
	t.Helper()
	opts = append([]server.Option{
		server.WithMetrics(testMetrics(t)),
		server.WithMetricsHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "# metrics\n")
		})),
	}, opts...)
	return server.New(proc, opts...).Handler()
}

func uploadRequest(t *testing.T, field, filename string, content []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile(field, filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := fw.Write(content); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

func TestUpload_Success(t *testing.T) {
	t.Parallel()

	proc := &fakeProcessor{}
	h := newHandler(t, proc)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, uploadRequest(t, "file", "Session.TXT", []byte("\xef\xbb\xbfJ: to the Cafe\u0301")))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body)
	}
	var body struct {
		Result    pipeline.Result    `json:"result"`
		Artifacts pipeline.Artifacts `json:"artifacts"`
	}
	decodeBody(t, rec, &body)
	if body.Result.RunID != "run-1" {
		t.Errorf("run_id = %q, want run-1", body.Result.RunID)
	}
	if body.Artifacts["json"] == "" {
		t.Error("expected json artifact location")
	}

	if proc.calls() != 1 {
		t.Fatalf("processor called %d times, want 1", proc.calls())
	}
	if got := proc.texts[0]; got != "J: to the Caf\u00e9" {
		t.Errorf("processor text = %q, want BOM stripped and NFC", got)
	}
	if got := proc.source[0]; got != "Session.TXT" {
		t.Errorf("processor source = %q, want Session.TXT", got)
	}
	if rec.Header().Get("X-Correlation-ID") == "" {
		t.Error("expected X-Correlation-ID header from middleware")
	}
}

func TestUpload_Rejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		req        func(t *testing.T) *http.Request
		opts       []server.Option
		wantStatus int
	}{
		{
			name:       "unsupported extension",
			req:        func(t *testing.T) *http.Request { return uploadRequest(t, "file", "session.pdf", []byte("x")) },
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "wrong field",
			req:        func(t *testing.T) *http.Request { return uploadRequest(t, "transcript", "session.txt", []byte("x")) },
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "not multipart",
			req: func(t *testing.T) *http.Request {
				return httptest.NewRequest(http.MethodPost, "/api/upload", strings.NewReader("plain"))
			},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "too large",
			req: func(t *testing.T) *http.Request {
				return uploadRequest(t, "file", "session.txt", bytes.Repeat([]byte("a"), 4096))
			},
			opts:       []server.Option{server.WithMaxUploadBytes(512)},
			wantStatus: http.StatusRequestEntityTooLarge,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			proc := &fakeProcessor{}
			h := newHandler(t, proc, tc.opts...)

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, tc.req(t))

			if rec.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d; body: %s", rec.Code, tc.wantStatus, rec.Body)
			}
			if proc.calls() != 0 {
				t.Errorf("processor ran %d times for a rejected upload", proc.calls())
			}
		})
	}
}

func TestUpload_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantStage  string
	}{
		{
			name:       "stage failure",
			err:        &pipeline.StageError{Stage: pipeline.StageExtractCanon, Err: fmt.Errorf("gateway: canon: %w", gateway.ErrCompletionUnavailable)},
			wantStatus: http.StatusBadGateway,
			wantStage:  pipeline.StageExtractCanon,
		},
		{
			name:       "persist failure",
			err:        fmt.Errorf("pipeline: persist: %w", errors.New("disk full")),
			wantStatus: http.StatusInternalServerError,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHandler(t, &fakeProcessor{err: tc.err})

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, uploadRequest(t, "file", "session.txt", []byte("text")))

			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			var body struct {
				Error string `json:"error"`
				Stage string `json:"stage"`
			}
			decodeBody(t, rec, &body)
			if body.Error == "" {
				t.Error("expected error message")
			}
			if body.Stage != tc.wantStage {
				t.Errorf("stage = %q, want %q", body.Stage, tc.wantStage)
			}
		})
	}
}

func TestRecaps_ArchiveDisabled(t *testing.T) {
	t.Parallel()

	h := newHandler(t, &fakeProcessor{})
	for _, path := range []string{"/api/recaps", "/api/recaps/abc"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("GET %s status = %d, want 404", path, rec.Code)
		}
	}
}

func TestRecaps_FromArchive(t *testing.T) {
	t.Parallel()

	store := &archivemock.Store{}
	ctx := context.Background()
	for i, story := range []string{"Graak found the Crypt.", "Bahl kept watch."} {
		err := store.Save(ctx, archive.Recap{
			ID:          fmt.Sprintf("run-%d", i),
			Source:      "session.txt",
			PlayerStory: story,
			Result:      json.RawMessage(`{"chunk_count":1}`),
			CreatedAt:   time.Date(2026, 3, i+1, 0, 0, 0, 0, time.UTC),
		})
		if err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	h := newHandler(t, &fakeProcessor{}, server.WithArchive(store))

	t.Run("get", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/recaps/run-1", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		var got archive.Recap
		decodeBody(t, rec, &got)
		if got.PlayerStory != "Bahl kept watch." {
			t.Errorf("player_story = %q", got.PlayerStory)
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/recaps/nope", nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})

	t.Run("search", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/recaps?q=crypt", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		var got []archive.Recap
		decodeBody(t, rec, &got)
		if len(got) != 1 || got[0].ID != "run-0" {
			t.Errorf("search results = %+v, want run-0 only", got)
		}
	})

	t.Run("bad limit", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/recaps?limit=x", nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
}

func TestRecaps_ArchiveError(t *testing.T) {
	t.Parallel()

	store := &archivemock.Store{GetErr: errors.New("connection reset")}
	h := newHandler(t, &fakeProcessor{}, server.WithArchive(store))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/recaps/x", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestOperationalRoutes(t *testing.T) {
	t.Parallel()

	hh := health.New(health.Checker{Name: "output_dir", Check: func(context.Context) error { return nil }})
	h := newHandler(t, &fakeProcessor{}, server.WithHealth(hh))

	for _, path := range []string{"/health", "/healthz", "/readyz", "/metrics"} {
		t.Run(path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
			if rec.Code != http.StatusOK {
				t.Errorf("GET %s status = %d, want 200", path, rec.Code)
			}
		})
	}
}
