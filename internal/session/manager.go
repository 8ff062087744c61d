package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/arizonacoders/claude-flow/internal/config"
	"github.com/arizonacoders/claude-flow/internal/identity"
	"github.com/arizonacoders/claude-flow/internal/models"
	"github.com/arizonacoders/claude-flow/internal/process"
	"github.com/arizonacoders/claude-flow/internal/store"
)

// ErrSessionAlreadyRunning is returned when the derived identity already has
// an active worker and the request did not ask to fork.
var ErrSessionAlreadyRunning = errors.New("session already running")

// ErrSessionNotFound matches the store sentinel so callers can test with
// errors.Is against either package.
var ErrSessionNotFound = store.ErrNotFound

// ErrUnknownRole is returned when a request names a role with no definition.
var ErrUnknownRole = errors.New("unknown role")

// Store is the persistence contract the decision layer consumes. The SQLite
// SessionStore satisfies it; tests substitute fakes.
type Store interface {
	CreateSession(ctx context.Context, sess *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	GetSessionsByStatus(ctx context.Context, statuses ...models.SessionStatus) ([]*models.Session, error)
	UpdateSession(ctx context.Context, id string, update models.SessionUpdate) error
	RecordEvent(ctx context.Context, sessionID string, kind models.EventKind, payload map[string]any) error
	UpsertTrackedItem(ctx context.Context, item *models.TrackedItem) error
	GetTrackedItems(ctx context.Context, sessionID string) ([]*models.TrackedItem, error)
	RecordTransition(ctx context.Context, number int, from, to string) error
}

// StartRequest asks for a role-scoped worker run against one work item.
type StartRequest struct {
	Number      int
	Role        string
	ProjectPath string
	Fork        bool
}

// Manager decides, per request, whether to start fresh, resume, replace, or
// reject. It owns identity derivation and worker spawning; at most one live
// worker exists per identity.
type Manager struct {
	store  Store
	sup    process.Supervisor
	roles  map[string]*config.Role
	logger *slog.Logger
}

// NewManager creates the decision layer over the given store and supervisor.
func NewManager(st Store, sup process.Supervisor, roles map[string]*config.Role, logger *slog.Logger) *Manager {
	return &Manager{store: st, sup: sup, roles: roles, logger: logger}
}

// Role returns the definition for a role name.
func (m *Manager) Role(name string) (*config.Role, error) {
	role, ok := m.roles[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRole, name)
	}
	return role, nil
}

// StartOrResume evaluates the decision table for the request's derived
// identity and spawns a worker accordingly.
//
//  1. No session row: start fresh.
//  2. Row is active and fork unset: reject, never override a live worker.
//  3. Row failed or aborted with resume count 0 (never finished a run):
//     replace it under the same identity.
//  4. Otherwise: resume, carrying the identity and an attempt counter.
//
// Fork forces a fresh run where the identity is not currently active; an
// active row still wins (rule 2 fires first).
func (m *Manager) StartOrResume(ctx context.Context, req StartRequest) (*process.WorkerHandle, error) {
	role, err := m.Role(req.Role)
	if err != nil {
		return nil, err
	}

	id := identity.DeriveID(req.ProjectPath, req.Role, req.Number)

	existing, err := m.store.GetSession(ctx, id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("look up session %s: %w", id, err)
	}

	switch {
	case existing == nil:
		return m.startFresh(ctx, id, req, role)

	case existing.Status == models.StatusActive && !req.Fork:
		return nil, fmt.Errorf("%w: identity %s (work item %d, role %s)",
			ErrSessionAlreadyRunning, id, req.Number, req.Role)

	case existing.Status == models.StatusActive && req.Fork:
		// Fork never preempts a live worker; rejecting keeps the
		// at-most-one-active invariant simple to reason about.
		return nil, fmt.Errorf("%w: identity %s (fork requested, but a worker is live)",
			ErrSessionAlreadyRunning, id)

	case req.Fork, (existing.Status == models.StatusFailed || existing.Status == models.StatusAborted) && existing.ResumeCount == 0:
		return m.replace(ctx, existing, req, role)

	default:
		return m.resume(ctx, existing, role)
	}
}

func (m *Manager) startFresh(ctx context.Context, id string, req StartRequest, role *config.Role) (*process.WorkerHandle, error) {
	sess := &models.Session{
		ID:             id,
		WorkItemNumber: req.Number,
		Role:           req.Role,
		Status:         models.StatusActive,
		ProjectPath:    req.ProjectPath,
		TimeoutSeconds: role.TimeoutSeconds,
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session %s: %w", id, err)
	}
	if err := m.store.RecordEvent(ctx, id, models.EventStarted, map[string]any{
		"workItemNumber": req.Number,
		"role":           req.Role,
	}); err != nil {
		return nil, fmt.Errorf("record started event: %w", err)
	}

	m.logger.Info("session started", "session", id, "item", req.Number, "role", req.Role)
	return m.spawn(ctx, sess, role, false, 0), nil
}

// replace aborts a session that never completed a run and starts fresh under
// the same identity row.
func (m *Manager) replace(ctx context.Context, existing *models.Session, req StartRequest, role *config.Role) (*process.WorkerHandle, error) {
	aborted := models.StatusAborted
	if err := m.store.UpdateSession(ctx, existing.ID, models.SessionUpdate{Status: &aborted}); err != nil {
		return nil, fmt.Errorf("abort stale session %s: %w", existing.ID, err)
	}
	if err := m.store.RecordEvent(ctx, existing.ID, models.EventFailed, map[string]any{
		"reason": "replaced",
	}); err != nil {
		return nil, fmt.Errorf("record replace event: %w", err)
	}

	active := models.StatusActive
	zero := 0
	if err := m.store.UpdateSession(ctx, existing.ID, models.SessionUpdate{Status: &active, ResumeCount: &zero}); err != nil {
		return nil, fmt.Errorf("reset session %s: %w", existing.ID, err)
	}
	if err := m.store.RecordEvent(ctx, existing.ID, models.EventStarted, map[string]any{
		"workItemNumber": req.Number,
		"role":           req.Role,
		"replaced":       true,
	}); err != nil {
		return nil, fmt.Errorf("record started event: %w", err)
	}

	sess := *existing
	sess.Status = models.StatusActive
	sess.ResumeCount = 0

	m.logger.Info("session replaced", "session", sess.ID, "item", req.Number, "role", req.Role)
	return m.spawn(ctx, &sess, role, false, 0), nil
}

func (m *Manager) resume(ctx context.Context, existing *models.Session, role *config.Role) (*process.WorkerHandle, error) {
	attempt := existing.ResumeCount + 1
	active := models.StatusActive
	if err := m.store.UpdateSession(ctx, existing.ID, models.SessionUpdate{
		Status:      &active,
		ResumeCount: &attempt,
	}); err != nil {
		return nil, fmt.Errorf("update session %s for resume: %w", existing.ID, err)
	}
	if err := m.store.RecordEvent(ctx, existing.ID, models.EventResumed, map[string]any{
		"attempt": attempt,
	}); err != nil {
		return nil, fmt.Errorf("record resumed event: %w", err)
	}

	sess := *existing
	sess.Status = models.StatusActive
	sess.ResumeCount = attempt

	m.logger.Info("session resumed", "session", sess.ID, "attempt", attempt)
	return m.spawn(ctx, &sess, role, true, attempt), nil
}

// Resume re-invokes the worker for an existing session. Used by the status
// monitor when a tracked item reaches the role's feedback status, and by the
// manual resume command.
func (m *Manager) Resume(ctx context.Context, id string) (*process.WorkerHandle, error) {
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("resume %s: %w", id, err)
	}
	if sess.Status == models.StatusActive {
		return nil, fmt.Errorf("%w: identity %s", ErrSessionAlreadyRunning, id)
	}
	role, err := m.Role(sess.Role)
	if err != nil {
		return nil, err
	}
	return m.resume(ctx, sess, role)
}

// Abort marks the session aborted. It does not kill the worker process; the
// caller holds the handle and must call Kill separately.
func (m *Manager) Abort(ctx context.Context, id string) error {
	if _, err := m.store.GetSession(ctx, id); err != nil {
		return fmt.Errorf("abort %s: %w", id, err)
	}

	aborted := models.StatusAborted
	if err := m.store.UpdateSession(ctx, id, models.SessionUpdate{Status: &aborted}); err != nil {
		return fmt.Errorf("abort %s: %w", id, err)
	}
	if err := m.store.RecordEvent(ctx, id, models.EventFailed, map[string]any{
		"reason": "aborted",
	}); err != nil {
		return fmt.Errorf("record abort event: %w", err)
	}

	m.logger.Info("session aborted", "session", id)
	return nil
}

// MarkCompleted marks the session completed. Called once every tracked item
// has reached the role's target-status set.
func (m *Manager) MarkCompleted(ctx context.Context, id string) error {
	completed := models.StatusCompleted
	now := time.Now().Unix()
	if err := m.store.UpdateSession(ctx, id, models.SessionUpdate{
		Status:      &completed,
		CompletedAt: &now,
	}); err != nil {
		return fmt.Errorf("complete %s: %w", id, err)
	}
	if err := m.store.RecordEvent(ctx, id, models.EventCompleted, nil); err != nil {
		return fmt.Errorf("record completed event: %w", err)
	}

	m.logger.Info("session completed", "session", id)
	return nil
}

// spawn builds the worker invocation and hands it to the supervisor. The
// session row is updated first in every path, so the handle's exit recording
// never writes an event against a stale status.
func (m *Manager) spawn(ctx context.Context, sess *models.Session, role *config.Role, resume bool, attempt int) *process.WorkerHandle {
	cmd := buildCommand(sess, role, resume, attempt)
	return process.StartWorker(ctx, m.sup, cmd, sess.ID, m, m.logger)
}

func buildCommand(sess *models.Session, role *config.Role, resume bool, attempt int) process.Command {
	args := append([]string(nil), role.Args...)
	if len(args) == 0 {
		args = []string{"-p", "--output-format", "stream-json", "--verbose"}
	}

	prompt := renderPrompt(role.Prompt, sess)
	if resume {
		// The resume variant carries the identity and attempt counter so the
		// worker can reconstruct its prior context.
		args = append(args, "--append-system-prompt",
			"Resuming session "+sess.ID+", attempt "+strconv.Itoa(attempt)+". Pick up where the previous run stopped.")
	}
	if prompt != "" {
		args = append(args, prompt)
	}

	return process.Command{Path: role.Command, Args: args, Dir: sess.ProjectPath}
}

func renderPrompt(template string, sess *models.Session) string {
	out := strings.ReplaceAll(template, "{{number}}", strconv.Itoa(sess.WorkItemNumber))
	out = strings.ReplaceAll(out, "{{role}}", sess.Role)
	return out
}

// WorkerPaused implements process.SessionRecorder: a clean exit puts the
// session back into waiting until the monitor sees a reason to resume it.
func (m *Manager) WorkerPaused(ctx context.Context, sessionID string, exitCode int) error {
	waiting := models.StatusWaiting
	if err := m.store.UpdateSession(ctx, sessionID, models.SessionUpdate{Status: &waiting}); err != nil {
		return fmt.Errorf("mark %s waiting: %w", sessionID, err)
	}
	return m.store.RecordEvent(ctx, sessionID, models.EventPaused, map[string]any{
		"exitCode": exitCode,
	})
}

// WorkerFailed implements process.SessionRecorder for nonzero exits.
func (m *Manager) WorkerFailed(ctx context.Context, sessionID string, exitCode int) error {
	failed := models.StatusFailed
	if err := m.store.UpdateSession(ctx, sessionID, models.SessionUpdate{Status: &failed}); err != nil {
		return fmt.Errorf("mark %s failed: %w", sessionID, err)
	}
	return m.store.RecordEvent(ctx, sessionID, models.EventFailed, map[string]any{
		"exitCode": exitCode,
	})
}

// WorkerCrashed implements process.SessionRecorder for spawn-level failures.
func (m *Manager) WorkerCrashed(ctx context.Context, sessionID string, spawnErr error) error {
	failed := models.StatusFailed
	if err := m.store.UpdateSession(ctx, sessionID, models.SessionUpdate{Status: &failed}); err != nil {
		return fmt.Errorf("mark %s failed: %w", sessionID, err)
	}
	return m.store.RecordEvent(ctx, sessionID, models.EventCrashed, map[string]any{
		"error": spawnErr.Error(),
	})
}
