package ipc

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rogers-f/criticality/internal/domain"
	"github.com/rogers-f/criticality/internal/metrics"
	"github.com/rogers-f/criticality/internal/orchestrator"
	"github.com/rogers-f/criticality/internal/store"
	"github.com/rogers-f/criticality/internal/workflow"
)

func newTestHandler(t *testing.T, snap *domain.ProtocolStateSnapshot) *Handler {
	t.Helper()
	dir := t.TempDir()
	ledger, err := store.OpenLedger(filepath.Join(dir, "ledger.db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { ledger.Close() })

	rec := metrics.NewPrometheusRecorder()
	o, err := orchestrator.New(orchestrator.Options{
		StatePath: filepath.Join(dir, "state.json"),
		Ledger:    ledger,
		Metrics:   rec,
		Snapshot:  snap,
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}

	return &Handler{
		Orchestrator: o,
		Ledger:       ledger,
		Metrics:      rec.Handler(),
		PollInterval: 10 * time.Millisecond,
	}
}

func blockedAtIgnition(t *testing.T) (*domain.ProtocolStateSnapshot, domain.BlockingRecord) {
	t.Helper()
	rec := workflow.NewBlockingRecord(domain.PhaseIgnition, "Which database?", []string{"sqlite", "postgres"}, nil, time.Now())
	snap, err := workflow.OpenQuery(domain.NewInitialSnapshot(), rec)
	if err != nil {
		t.Fatalf("open query: %v", err)
	}
	snap.State = workflow.BlockedStateFor(rec)
	return &snap, rec
}

func TestHealth(t *testing.T) {
	h := newTestHandler(t, nil)
	w := httptest.NewRecorder()

	h.Health(w, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"ok"`) {
		t.Errorf("unexpected body %s", w.Body.String())
	}
}

func TestGetProtocol_Fresh(t *testing.T) {
	h := newTestHandler(t, nil)
	w := httptest.NewRecorder()

	h.GetProtocol(w, httptest.NewRequest(http.MethodGet, "/api/v1/protocol", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var view ProtocolView
	if err := json.NewDecoder(w.Body).Decode(&view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.Kind != domain.KindActive {
		t.Errorf("expected kind active, got %s", view.Kind)
	}
	if view.Phase != domain.PhaseIgnition {
		t.Errorf("expected phase Ignition, got %s", view.Phase)
	}
	if !bytes.Contains(view.State, []byte(`"version"`)) {
		t.Errorf("expected state document, got %s", view.State)
	}
	if view.TickCount != 0 {
		t.Errorf("expected 0 ticks, got %d", view.TickCount)
	}
}

func TestAddArtifacts_QueuesForNextTick(t *testing.T) {
	h := newTestHandler(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/protocol/artifacts", bytes.NewBufferString(`{"artifacts":["spec"]}`))
	w := httptest.NewRecorder()

	h.AddArtifacts(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var view ProtocolView
	json.NewDecoder(w.Body).Decode(&view)
	if len(view.PendingArtifacts) != 1 || view.PendingArtifacts[0] != "spec" {
		t.Errorf("expected pending [spec], got %v", view.PendingArtifacts)
	}

	res := h.Orchestrator.Tick(context.Background())
	if !res.Transitioned {
		t.Fatalf("expected transition, got stop reason %s", res.StopReason)
	}
	if got := domain.PhaseOf(h.Orchestrator.State().State); got != domain.PhaseLattice {
		t.Errorf("expected phase Lattice, got %s", got)
	}
}

func TestAddArtifacts_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		code int
	}{
		{"not json", "not json", 400},
		{"empty", `{"artifacts":[]}`, 400},
		{"unknown type", `{"artifacts":["spec","blueprint"]}`, domain.ErrInvalidArtifact.Code},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, nil)
			req := httptest.NewRequest(http.MethodPost, "/api/v1/protocol/artifacts", bytes.NewBufferString(tt.body))
			w := httptest.NewRecorder()

			h.AddArtifacts(w, req)

			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", w.Code)
			}
			var apiErr APIError
			json.NewDecoder(w.Body).Decode(&apiErr)
			if apiErr.Code != tt.code {
				t.Errorf("expected code %d, got %d", tt.code, apiErr.Code)
			}
			if n := len(h.Orchestrator.Status().PendingArtifacts); n != 0 {
				t.Errorf("expected nothing queued, got %d", n)
			}
		})
	}
}

func TestResolve_NotBlocked(t *testing.T) {
	h := newTestHandler(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/protocol/resolve", bytes.NewBufferString(`{"response":"yes"}`))
	w := httptest.NewRecorder()

	h.Resolve(w, req)

	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestResolve_FillsQueryID(t *testing.T) {
	snap, rec := blockedAtIgnition(t)
	h := newTestHandler(t, snap)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/protocol/resolve", bytes.NewBufferString(`{"response":"sqlite"}`))
	w := httptest.NewRecorder()

	h.Resolve(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var view ResolutionView
	json.NewDecoder(w.Body).Decode(&view)
	if view.QueryID != rec.ID {
		t.Errorf("expected query id %s, got %s", rec.ID, view.QueryID)
	}

	h.Orchestrator.Tick(context.Background())
	if kind := h.Orchestrator.State().State.Kind(); kind != domain.KindActive {
		t.Errorf("expected active after resolution, got %s", kind)
	}
}

func TestResolve_MissingResponse(t *testing.T) {
	snap, _ := blockedAtIgnition(t)
	h := newTestHandler(t, snap)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/protocol/resolve", bytes.NewBufferString(`{"query_id":"x"}`))
	w := httptest.NewRecorder()

	h.Resolve(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestListDecisions_AfterTransition(t *testing.T) {
	h := newTestHandler(t, nil)
	h.Orchestrator.AddArtifact(domain.ArtifactSpec)
	h.Orchestrator.Tick(context.Background())

	w := httptest.NewRecorder()
	h.ListDecisions(w, httptest.NewRequest(http.MethodGet, "/api/v1/ledger?limit=10", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var decisions []DecisionView
	json.NewDecoder(w.Body).Decode(&decisions)
	if len(decisions) != 1 {
		t.Fatalf("expected 1 decision, got %d", len(decisions))
	}
	if decisions[0].Kind != string(domain.DecisionTransition) {
		t.Errorf("expected transition decision, got %s", decisions[0].Kind)
	}
}

func TestListEvents_ReturnsEvents(t *testing.T) {
	h := newTestHandler(t, nil)
	h.Orchestrator.AddArtifact(domain.ArtifactSpec)
	h.Orchestrator.Tick(context.Background())

	w := httptest.NewRecorder()
	h.ListEvents(w, httptest.NewRequest(http.MethodGet, "/api/v1/ledger/events", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var events []TickEventView
	json.NewDecoder(w.Body).Decode(&events)
	if len(events) == 0 {
		t.Fatal("expected at least 1 tick event")
	}
	if events[0].Phase != string(domain.PhaseLattice) || !events[0].Transitioned {
		t.Errorf("unexpected event %+v", events[0])
	}
}

func TestListDecisions_NoLedger(t *testing.T) {
	h := newTestHandler(t, nil)
	h.Ledger = nil
	w := httptest.NewRecorder()

	h.ListDecisions(w, httptest.NewRequest(http.MethodGet, "/api/v1/ledger", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("expected empty list, got %s", w.Body.String())
	}
}

func TestStreamEvents_SSE_FirstBatch(t *testing.T) {
	h := newTestHandler(t, nil)
	h.Orchestrator.AddArtifact(domain.ArtifactSpec)
	h.Orchestrator.Tick(context.Background())

	// Use a cancellable context so the SSE handler returns.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/ledger/events/stream", nil).WithContext(ctx)
	w := httptest.NewRecorder()

	h.StreamEvents(w, req)

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected text/event-stream, got %s", ct)
	}
	if !strings.HasPrefix(w.Body.String(), "data: ") {
		t.Errorf("expected SSE data in body, got %q", w.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestHandler(t, nil)
	h.Orchestrator.Tick(context.Background())

	w := httptest.NewRecorder()
	NewRouter(h).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "criticality_ticks_total") {
		t.Error("expected tick counter in metrics output")
	}
}

func TestRouter_UnknownRoute(t *testing.T) {
	h := newTestHandler(t, nil)
	w := httptest.NewRecorder()

	NewRouter(h).ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/v1/protocol", nil))

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", w.Code)
	}
}

func TestCORSHeaders(t *testing.T) {
	h := newTestHandler(t, nil)
	srv := NewServer(h, ":0")

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/protocol", nil)
	w := httptest.NewRecorder()

	srv.httpServer.Handler.ServeHTTP(w, req)

	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("expected CORS origin *")
	}
	if w.Code != http.StatusNoContent {
		t.Errorf("expected 204 for OPTIONS, got %d", w.Code)
	}
}
