package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"doorman/internal/broadcast"
	"doorman/internal/domain"
	"doorman/internal/orchestrator"
	"doorman/internal/pipeline"
	"doorman/internal/storage/memory"
)

// completingRunner finishes every session immediately so handler tests
// observe a terminal state.
type completingRunner struct {
	store *memory.Store
	done  chan string
}

func (r *completingRunner) Run(ctx context.Context, ev domain.InboundEvent) error {
	r.store.UpdateStatus(ctx, ev.SessionID, domain.StatusCompleted, nil)
	r.done <- ev.SessionID
	return nil
}

func newTestServer(t *testing.T) (*Server, *completingRunner) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	runner := &completingRunner{store: store, done: make(chan string, 8)}
	orch := orchestrator.New(pipeline.NewGate(2, 4), runner, store, nil, broadcast.Nop{}, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		orch.Shutdown(ctx)
	})

	srv := New(0, logger)
	NewHandler(orch, nil, logger).RegisterRoutes(srv)
	return srv, runner
}

func doJSON(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)
	return rec
}

func ringSession(t *testing.T, srv *Server, runner *completingRunner) string {
	t.Helper()
	rec := doJSON(t, srv, http.MethodPost, "/api/ring", `{"device_id":"door-1","image_path":"/tmp/f.jpg"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("ring status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp orchestrator.RingResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode ring response: %v", err)
	}
	select {
	case <-runner.done:
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline never ran")
	}
	return resp.SessionID
}

func TestRingAccepted(t *testing.T) {
	srv, runner := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/api/ring", `{"device_id":"door-1","audio_path":"/tmp/a.wav"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("missing X-Request-ID header")
	}
	var resp orchestrator.RingResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.SessionID == "" || resp.Greeting == "" {
		t.Fatalf("response = %+v", resp)
	}
	<-runner.done
}

func TestRingRejectsBadPayload(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/ring", `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed JSON: status = %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/ring", `{"device_id":"door-1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("no media: status = %d", rec.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv, runner := newTestServer(t)
	id := ringSession(t, srv, runner)

	rec := doJSON(t, srv, http.MethodGet, "/api/session/"+id+"/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var s domain.Session
	json.Unmarshal(rec.Body.Bytes(), &s)
	if s.Status != domain.StatusCompleted {
		t.Fatalf("session status = %q", s.Status)
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/session/visitor_missing/status", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown session: status = %d", rec.Code)
	}
}

func TestDetailEndpoint(t *testing.T) {
	srv, runner := newTestServer(t)
	id := ringSession(t, srv, runner)

	rec := doJSON(t, srv, http.MethodGet, "/api/session/"+id+"/detail", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var detail struct {
		Session domain.Session `json:"session"`
	}
	json.Unmarshal(rec.Body.Bytes(), &detail)
	if detail.Session.ID != id {
		t.Fatalf("detail session = %+v", detail.Session)
	}
}

func TestReplyEndpoint(t *testing.T) {
	srv, runner := newTestServer(t)
	id := ringSession(t, srv, runner)

	rec := doJSON(t, srv, http.MethodPost, "/api/reply", `{"session_id":"`+id+`","text":""}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["role"] != "owner" {
		t.Fatalf("role should default to owner, got %q", resp["role"])
	}
	if resp["text"] != orchestrator.OwnerAckReply {
		t.Fatalf("text = %q", resp["text"])
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/reply", `{"session_id":"visitor_missing","text":"hi"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown session: status = %d", rec.Code)
	}
}

func TestFrameEndpointWithoutDebouncer(t *testing.T) {
	srv, runner := newTestServer(t)
	id := ringSession(t, srv, runner)

	req := httptest.NewRequest(http.MethodPost, "/api/session/"+id+"/frame", strings.NewReader("jpegbytes"))
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["alert"] != false {
		t.Fatalf("alert = %v", resp["alert"])
	}
}

func TestLogsEndpoint(t *testing.T) {
	srv, runner := newTestServer(t)
	ringSession(t, srv, runner)

	rec := doJSON(t, srv, http.MethodGet, "/api/logs?limit=10", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestEndEndpoint(t *testing.T) {
	srv, runner := newTestServer(t)
	id := ringSession(t, srv, runner)

	rec := doJSON(t, srv, http.MethodPost, "/api/session/"+id+"/end", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	rec = doJSON(t, srv, http.MethodPost, "/api/session/visitor_missing/end", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown session: status = %d", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/api/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ok") {
		t.Fatalf("body = %s", rec.Body.String())
	}
}
