package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/arizonacoders/claude-flow/internal/config"
	"github.com/arizonacoders/claude-flow/internal/models"
	"github.com/arizonacoders/claude-flow/internal/process"
	"github.com/arizonacoders/claude-flow/internal/session"
	"github.com/arizonacoders/claude-flow/internal/tracker"
)

// NotificationKind classifies entries on the monitor's notification stream.
type NotificationKind string

const (
	NoteStatusChange     NotificationKind = "statusChange"
	NoteResumeTriggered  NotificationKind = "resumeTriggered"
	NoteSessionCompleted NotificationKind = "sessionCompleted"
	NoteError            NotificationKind = "error"
)

// Notification is one observation made during a reconciliation tick.
type Notification struct {
	Kind           NotificationKind
	SessionID      string
	WorkItemNumber int
	FromStatus     string
	ToStatus       string
	Err            error
}

// SessionControl is what the monitor needs from the decision layer.
type SessionControl interface {
	Resume(ctx context.Context, id string) (*process.WorkerHandle, error)
	MarkCompleted(ctx context.Context, id string) error
	Role(name string) (*config.Role, error)
}

// StatusMonitor polls the external tracker for every session in waiting
// state and decides, per tick, whether to resume or complete each one.
// One timer re-arms itself after each tick finishes, so two ticks never run
// concurrently; a slow tick simply delays the next one.
type StatusMonitor struct {
	store    session.Store
	source   tracker.StatusSource
	control  SessionControl
	interval time.Duration
	logger   *slog.Logger

	notifs chan Notification

	mu      sync.Mutex
	refs    int
	stopCh  chan struct{}
	stopped chan struct{}
}

// New creates a monitor with the given polling interval.
func New(st session.Store, source tracker.StatusSource, control SessionControl, interval time.Duration, logger *slog.Logger) *StatusMonitor {
	return &StatusMonitor{
		store:    st,
		source:   source,
		control:  control,
		interval: interval,
		logger:   logger,
		notifs:   make(chan Notification, 64),
	}
}

// Notifications is the typed stream of observations. Entries are dropped,
// not blocked on, when no consumer keeps up.
func (m *StatusMonitor) Notifications() <-chan Notification {
	return m.notifs
}

// Start launches the polling loop. Start and Stop are reference-counted:
// concurrent supervisions share one loop, and the loop only halts once every
// holder has called Stop.
func (m *StatusMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs++
	if m.stopCh != nil {
		return
	}
	m.stopCh = make(chan struct{})
	m.stopped = make(chan struct{})

	go func(stopCh, stopped chan struct{}) {
		defer close(stopped)
		timer := time.NewTimer(m.interval)
		defer timer.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			case <-timer.C:
				m.Tick(ctx)
				timer.Reset(m.interval)
			}
		}
	}(m.stopCh, m.stopped)
}

// Stop releases one Start reference. When the last holder stops, the polling
// loop halts and Stop waits for an in-flight tick to finish; earlier holders
// leave the loop running for the rest.
func (m *StatusMonitor) Stop() {
	m.mu.Lock()
	if m.refs > 0 {
		m.refs--
	}
	if m.refs > 0 || m.stopCh == nil {
		m.mu.Unlock()
		return
	}
	stopCh, stopped := m.stopCh, m.stopped
	m.stopCh, m.stopped = nil, nil
	m.mu.Unlock()

	close(stopCh)
	<-stopped
}

// Tick runs one reconciliation pass: fetch statuses for every waiting
// session's tracked items, record changes, and resume or complete sessions
// as warranted. Errors are reported on the notification stream and never
// stop the loop.
func (m *StatusMonitor) Tick(ctx context.Context) {
	sessions, err := m.store.GetSessionsByStatus(ctx, models.StatusWaiting)
	if err != nil {
		m.notify(Notification{Kind: NoteError, Err: err})
		return
	}
	if len(sessions) == 0 {
		// Nothing waiting: skip the remote lookup entirely.
		return
	}

	for _, sess := range sessions {
		m.reconcileSession(ctx, sess)
	}
}

func (m *StatusMonitor) reconcileSession(ctx context.Context, sess *models.Session) {
	items, err := m.store.GetTrackedItems(ctx, sess.ID)
	if err != nil {
		m.notify(Notification{Kind: NoteError, SessionID: sess.ID, Err: err})
		return
	}
	if len(items) == 0 {
		return
	}

	role, err := m.control.Role(sess.Role)
	if err != nil {
		m.notify(Notification{Kind: NoteError, SessionID: sess.ID, Err: err})
		return
	}

	numbers := make([]int, len(items))
	for i, item := range items {
		numbers[i] = item.WorkItemNumber
	}

	statuses, err := m.source.FetchStatuses(ctx, numbers)
	if err != nil {
		// Skip this cycle for the session; the next tick retries.
		m.notify(Notification{Kind: NoteError, SessionID: sess.ID, Err: err})
		return
	}

	resumeWanted := false
	for _, item := range items {
		current, known := statuses[item.WorkItemNumber]
		if !known || current == item.CurrentStatus {
			continue
		}

		if err := m.store.RecordTransition(ctx, item.WorkItemNumber, item.CurrentStatus, current); err != nil {
			m.notify(Notification{Kind: NoteError, SessionID: sess.ID, Err: err})
			continue
		}

		from := item.CurrentStatus
		item.CurrentStatus = current
		if err := m.store.UpsertTrackedItem(ctx, item); err != nil {
			m.notify(Notification{Kind: NoteError, SessionID: sess.ID, Err: err})
			continue
		}

		m.notify(Notification{
			Kind:           NoteStatusChange,
			SessionID:      sess.ID,
			WorkItemNumber: item.WorkItemNumber,
			FromStatus:     from,
			ToStatus:       current,
		})

		if shouldResume(sess, role, current) {
			resumeWanted = true
		}
	}

	// Completion wins over resume: when every tracked item sits inside the
	// role's target set there is nothing left to resume for.
	if allTargetsReached(items, role) {
		if err := m.control.MarkCompleted(ctx, sess.ID); err != nil {
			m.notify(Notification{Kind: NoteError, SessionID: sess.ID, Err: err})
			return
		}
		m.notify(Notification{Kind: NoteSessionCompleted, SessionID: sess.ID})
		return
	}

	if !resumeWanted {
		return
	}

	// At most one resume per session per tick, no matter how many tracked
	// items changed.
	handle, err := m.control.Resume(ctx, sess.ID)
	if err != nil {
		m.notify(Notification{Kind: NoteError, SessionID: sess.ID, Err: err})
		return
	}
	handle.DiscardEvents()
	m.notify(Notification{Kind: NoteResumeTriggered, SessionID: sess.ID})
}

func shouldResume(sess *models.Session, role *config.Role, status string) bool {
	if status == role.FeedbackStatus && role.FeedbackStatus != "" {
		return true
	}
	for _, s := range sess.WaitingForStatuses {
		if s == status {
			return true
		}
	}
	return false
}

func allTargetsReached(items []*models.TrackedItem, role *config.Role) bool {
	for _, item := range items {
		if !role.IsTargetStatus(item.CurrentStatus) {
			return false
		}
	}
	return true
}

// notify never blocks the reconciliation loop; if the consumer has fallen
// behind, the entry is dropped and logged instead.
func (m *StatusMonitor) notify(n Notification) {
	select {
	case m.notifs <- n:
	default:
		m.logger.Warn("notification dropped", "kind", string(n.Kind), "session", n.SessionID)
	}
}
