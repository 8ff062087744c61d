package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/arizonacoders/claude-flow/internal/models"
	"github.com/arizonacoders/claude-flow/internal/orchestrator"
	"github.com/arizonacoders/claude-flow/internal/session"
	"github.com/arizonacoders/claude-flow/internal/store"
)

// RunHandler starts orchestrated runs over HTTP.
type RunHandler struct {
	orch    *orchestrator.Orchestrator
	manager *session.Manager
	store   *store.SessionStore
	logger  *slog.Logger
}

func NewRunHandler(orch *orchestrator.Orchestrator, manager *session.Manager, st *store.SessionStore, logger *slog.Logger) *RunHandler {
	return &RunHandler{orch: orch, manager: manager, store: st, logger: logger}
}

// RunPayload is the body of POST /runs.
type RunPayload struct {
	Number      int    `json:"number"`
	Role        string `json:"role"`
	ProjectPath string `json:"projectPath"`
	Fork        bool   `json:"fork"`
	Detach      bool   `json:"detach"`
}

// StartRun starts or resumes a session and supervises it in the background.
// Decision-layer errors surface synchronously in the response.
func (h *RunHandler) StartRun(w http.ResponseWriter, r *http.Request) {
	var req RunPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Number <= 0 || req.Role == "" || req.ProjectPath == "" {
		writeError(w, http.StatusBadRequest, "number, role, and projectPath are required")
		return
	}

	// The worker outlives this request; detach its lifecycle from the
	// request context.
	ctx := context.WithoutCancel(r.Context())

	handle, err := h.orch.Start(ctx, orchestrator.RunRequest{
		Number:      req.Number,
		Role:        req.Role,
		ProjectPath: req.ProjectPath,
		Fork:        req.Fork,
	})
	if err != nil {
		writeDecisionError(w, err)
		return
	}

	go func() {
		if _, err := h.orch.Supervise(ctx, handle, req.Detach); err != nil {
			h.logger.Error("background supervision failed", "session", handle.SessionID, "error", err)
		}
	}()

	sess, err := h.store.GetSession(ctx, handle.SessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "session lookup failed")
		return
	}
	writeJSON(w, http.StatusAccepted, sess)
}

// SessionHandler serves reads plus manual resume/abort pass-throughs.
type SessionHandler struct {
	manager *session.Manager
	store   *store.SessionStore
}

func NewSessionHandler(manager *session.Manager, st *store.SessionStore) *SessionHandler {
	return &SessionHandler{manager: manager, store: st}
}

// List returns recent sessions.
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	sessions, err := h.store.ListSessions(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list sessions failed")
		return
	}
	if sessions == nil {
		sessions = []*models.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// Get returns one session with its tracked items.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := h.store.GetSession(r.Context(), id)
	if err != nil {
		writeDecisionError(w, err)
		return
	}
	items, err := h.store.GetTrackedItems(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "tracked items lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session":      sess,
		"trackedItems": items,
	})
}

// Events returns a session's append-only event log.
func (h *SessionHandler) Events(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.store.GetSession(r.Context(), id); err != nil {
		writeDecisionError(w, err)
		return
	}
	events, err := h.store.ListEvents(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list events failed")
		return
	}
	if events == nil {
		events = []*models.SessionEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// Resume manually resumes a waiting session.
func (h *SessionHandler) Resume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	handle, err := h.manager.Resume(context.WithoutCancel(r.Context()), id)
	if err != nil {
		writeDecisionError(w, err)
		return
	}
	handle.DiscardEvents()

	sess, err := h.store.GetSession(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "session lookup failed")
		return
	}
	writeJSON(w, http.StatusAccepted, sess)
}

// Abort marks a session aborted. The worker process, if any, is not killed
// here; the supervising orchestrator owns the handle.
func (h *SessionHandler) Abort(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.manager.Abort(r.Context(), id); err != nil {
		writeDecisionError(w, err)
		return
	}
	sess, err := h.store.GetSession(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "session lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// Transitions returns the recorded status transitions for a work item.
func (h *SessionHandler) Transitions(w http.ResponseWriter, r *http.Request) {
	number, err := strconv.Atoi(chi.URLParam(r, "number"))
	if err != nil || number <= 0 {
		writeError(w, http.StatusBadRequest, "invalid work item number")
		return
	}
	trs, err := h.store.ListTransitions(r.Context(), number)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list transitions failed")
		return
	}
	if trs == nil {
		trs = []*models.StatusTransition{}
	}
	writeJSON(w, http.StatusOK, trs)
}

// HealthHandler reports liveness.
type HealthHandler struct {
	db *store.DB
}

func NewHealthHandler(db *store.DB) *HealthHandler {
	return &HealthHandler{db: db}
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Ping(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "db": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeDecisionError maps decision-layer errors to HTTP statuses.
func writeDecisionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrSessionAlreadyRunning):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrUnknownRole):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
