// Package ipc provides the HTTP API over a running protocol.
package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rogers-f/criticality/internal/domain"
	"github.com/rogers-f/criticality/internal/orchestrator"
	"github.com/rogers-f/criticality/internal/persistence"
	"github.com/rogers-f/criticality/internal/store"
)

// defaultLedgerLimit is used when ?limit is absent or invalid.
const defaultLedgerLimit = 50

// Handler holds all dependencies for the HTTP handlers.
type Handler struct {
	Orchestrator *orchestrator.Orchestrator
	Ledger       *store.Ledger
	Metrics      http.Handler

	// PollInterval paces the tick event stream. Zero means two seconds.
	PollInterval time.Duration
}

// ProtocolView is the response for GET /api/v1/protocol. State carries the
// same document that is persisted to the state file.
type ProtocolView struct {
	Kind               domain.StateKind     `json:"kind"`
	Phase              domain.ProtocolPhase `json:"phase"`
	State              json.RawMessage      `json:"state"`
	TickCount          int                  `json:"tick_count"`
	LastStopReason     string               `json:"last_stop_reason,omitempty"`
	PendingArtifacts   []string             `json:"pending_artifacts"`
	PendingResolutions int                  `json:"pending_resolutions"`
}

// AddArtifactsRequest is the body for POST /api/v1/protocol/artifacts.
type AddArtifactsRequest struct {
	Artifacts []string `json:"artifacts"`
}

// ResolveRequest is the body for POST /api/v1/protocol/resolve. An empty
// QueryID answers the open query.
type ResolveRequest struct {
	QueryID  string `json:"query_id"`
	Response string `json:"response"`
}

// ResolutionView echoes a queued resolution.
type ResolutionView struct {
	QueryID    string    `json:"query_id"`
	Response   string    `json:"response"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// DecisionView is one ledger entry.
type DecisionView struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Phase     string    `json:"phase"`
	Subject   string    `json:"subject,omitempty"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

// TickEventView is one archived tick.
type TickEventView struct {
	SeqNo        int64  `json:"seq_no"`
	Phase        string `json:"phase"`
	Kind         string `json:"kind"`
	StopReason   string `json:"stop_reason,omitempty"`
	Transitioned bool   `json:"transitioned"`
	CreatedAt    int64  `json:"created_at"`
}

// APIError is a structured error response.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Health handles GET /api/v1/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetProtocol handles GET /api/v1/protocol.
func (h *Handler) GetProtocol(w http.ResponseWriter, r *http.Request) {
	view, err := h.protocolView()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) protocolView() (ProtocolView, error) {
	st := h.Orchestrator.Status()
	doc, err := persistence.SerializeState(st.Snapshot, persistence.SerializeOptions{})
	if err != nil {
		return ProtocolView{}, err
	}
	view := ProtocolView{
		Kind:               st.Snapshot.State.Kind(),
		Phase:              domain.PhaseOf(st.Snapshot.State),
		State:              doc,
		TickCount:          st.TickCount,
		PendingArtifacts:   make([]string, 0, len(st.PendingArtifacts)),
		PendingResolutions: st.PendingResolutions,
	}
	for _, a := range st.PendingArtifacts {
		view.PendingArtifacts = append(view.PendingArtifacts, string(a))
	}
	if st.LastResult != nil {
		view.LastStopReason = string(st.LastResult.StopReason)
	}
	return view, nil
}

// AddArtifacts handles POST /api/v1/protocol/artifacts. Artifacts are queued
// for the next tick; the whole request is rejected if any type is unknown.
func (h *Handler) AddArtifacts(w http.ResponseWriter, r *http.Request) {
	var req AddArtifactsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
		return
	}
	if len(req.Artifacts) == 0 {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "artifacts is required"})
		return
	}

	parsed := make([]domain.ArtifactType, 0, len(req.Artifacts))
	for _, s := range req.Artifacts {
		a, err := domain.ParseArtifactType(s)
		if err != nil {
			writeError(w, err)
			return
		}
		parsed = append(parsed, a)
	}
	for _, a := range parsed {
		if err := h.Orchestrator.AddArtifact(a); err != nil {
			writeError(w, err)
			return
		}
	}

	view, err := h.protocolView()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, view)
}

// Resolve handles POST /api/v1/protocol/resolve.
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
		return
	}
	if req.Response == "" {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "response is required"})
		return
	}

	res, err := h.Orchestrator.ResolveBlocking(req.QueryID, req.Response)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ResolutionView{
		QueryID:    res.QueryID,
		Response:   res.Response,
		ResolvedAt: res.ResolvedAt,
	})
}

// ListDecisions handles GET /api/v1/ledger?limit=N.
func (h *Handler) ListDecisions(w http.ResponseWriter, r *http.Request) {
	if h.Ledger == nil {
		writeJSON(w, http.StatusOK, []DecisionView{})
		return
	}
	limit := defaultLedgerLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}

	decisions, err := h.Ledger.RecentDecisions(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]DecisionView, 0, len(decisions))
	for _, d := range decisions {
		out = append(out, DecisionView{
			ID:        d.ID,
			Kind:      string(d.Kind),
			Phase:     string(d.Phase),
			Subject:   d.Subject,
			Detail:    d.Detail,
			CreatedAt: d.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// ListEvents handles GET /api/v1/ledger/events?since_seq=N.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	if h.Ledger == nil {
		writeJSON(w, http.StatusOK, []TickEventView{})
		return
	}
	sinceSeq := int64(0)
	if s := r.URL.Query().Get("since_seq"); s != "" {
		parsed, err := strconv.ParseInt(s, 10, 64)
		if err == nil {
			sinceSeq = parsed
		}
	}

	events, err := h.Ledger.TickEvents(r.Context(), sinceSeq)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]TickEventView, 0, len(events))
	for _, ev := range events {
		out = append(out, eventView(ev))
	}
	writeJSON(w, http.StatusOK, out)
}

// StreamEvents handles GET /api/v1/ledger/events/stream (SSE).
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	if h.Ledger == nil {
		writeJSON(w, http.StatusServiceUnavailable, APIError{Code: 503, Message: "ledger not configured"})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, APIError{Code: 500, Message: "streaming not supported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx := r.Context()
	lastSeq := int64(0)
	if s := r.URL.Query().Get("since_seq"); s != "" {
		if parsed, err := strconv.ParseInt(s, 10, 64); err == nil {
			lastSeq = parsed
		}
	}

	send := func() error {
		events, err := h.Ledger.TickEvents(ctx, lastSeq)
		if err != nil {
			return err
		}
		for _, ev := range events {
			writeSSEEvent(w, flusher, eventView(ev))
			lastSeq = ev.SeqNo
		}
		return nil
	}
	if err := send(); err != nil {
		writeSSEError(w, flusher, err)
		return
	}

	interval := h.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := send(); err != nil {
				return
			}
		}
	}
}

// ServeMetrics handles GET /metrics.
func (h *Handler) ServeMetrics(w http.ResponseWriter, r *http.Request) {
	if h.Metrics == nil {
		http.NotFound(w, r)
		return
	}
	h.Metrics.ServeHTTP(w, r)
}

func eventView(ev domain.TickEvent) TickEventView {
	return TickEventView{
		SeqNo:        ev.SeqNo,
		Phase:        string(ev.Phase),
		Kind:         string(ev.Kind),
		StopReason:   ev.StopReason,
		Transitioned: ev.Transitioned,
		CreatedAt:    ev.CreatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var engErr *domain.EngineError
	if errors.As(err, &engErr) {
		status := http.StatusInternalServerError
		switch engErr.Code {
		case domain.ErrInvalidArtifact.Code, domain.ErrInvalidPhase.Code:
			status = http.StatusBadRequest
		case domain.ErrQueryNotFound.Code, domain.ErrSnapshotMissing.Code:
			status = http.StatusNotFound
		case domain.ErrNotBlocked.Code, domain.ErrQueryResolved.Code, domain.ErrQueryAlreadyOpen.Code:
			status = http.StatusConflict
		case domain.ErrInvalidTransition.Code, domain.ErrMissingArtifacts.Code:
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, APIError{Code: engErr.Code, Message: engErr.Message})
		return
	}
	writeJSON(w, http.StatusInternalServerError, APIError{Code: -1, Message: err.Error()})
}

func writeSSEEvent(w http.ResponseWriter, f http.Flusher, ev TickEventView) {
	data, _ := json.Marshal(ev)
	fmt.Fprintf(w, "data: %s\n\n", data)
	f.Flush()
}

func writeSSEError(w http.ResponseWriter, f http.Flusher, err error) {
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", err.Error())
	f.Flush()
}
