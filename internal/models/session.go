package models

// SessionStatus is the lifecycle state of an orchestrated session.
type SessionStatus string

const (
	StatusActive    SessionStatus = "active"
	StatusWaiting   SessionStatus = "waiting"
	StatusCompleted SessionStatus = "completed"
	StatusFailed    SessionStatus = "failed"
	StatusAborted   SessionStatus = "aborted"
)

var validStatuses = map[SessionStatus]bool{
	StatusActive:    true,
	StatusWaiting:   true,
	StatusCompleted: true,
	StatusFailed:    true,
	StatusAborted:   true,
}

func (s SessionStatus) IsValid() bool {
	return validStatuses[s]
}

// IsTerminal reports whether no further transitions happen without an
// explicit new start request against the same identity.
func (s SessionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAborted
}

// Session is one orchestrated unit of work. Its ID is a pure function of
// (project path, role, work-item number), so repeated start requests for the
// same logical work land on the same row.
type Session struct {
	ID                 string        `json:"id"`
	WorkItemNumber     int           `json:"workItemNumber"`
	Role               string        `json:"role"`
	Status             SessionStatus `json:"status"`
	ResumeCount        int           `json:"resumeCount"`
	WaitingForStatuses []string      `json:"waitingForStatuses,omitempty"`
	ProjectPath        string        `json:"projectPath"`
	TimeoutSeconds     int           `json:"timeoutSeconds,omitempty"`
	CreatedAt          int64         `json:"createdAt"`
	UpdatedAt          int64         `json:"updatedAt"`
	CompletedAt        *int64        `json:"completedAt,omitempty"`
}

// SessionUpdate is a partial update applied to a session row. Nil fields are
// left untouched.
type SessionUpdate struct {
	Status             *SessionStatus
	ResumeCount        *int
	WaitingForStatuses *[]string
	CompletedAt        *int64
}

// EventKind classifies an entry in a session's append-only event log.
type EventKind string

const (
	EventStarted   EventKind = "started"
	EventResumed   EventKind = "resumed"
	EventPaused    EventKind = "paused"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
	EventCrashed   EventKind = "crashed"
)

var validEventKinds = map[EventKind]bool{
	EventStarted:   true,
	EventResumed:   true,
	EventPaused:    true,
	EventCompleted: true,
	EventFailed:    true,
	EventCrashed:   true,
}

func (k EventKind) IsValid() bool {
	return validEventKinds[k]
}

// SessionEvent is one append-only log entry. Rows are never updated or
// deleted; ordering within a session follows CreatedAt then insertion order.
type SessionEvent struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionId"`
	Kind      EventKind      `json:"kind"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt int64          `json:"createdAt"`
}

// StatusTransition records one observed change of a work item's external
// status. Appended only when the value actually changed.
type StatusTransition struct {
	WorkItemNumber int    `json:"workItemNumber"`
	FromStatus     string `json:"fromStatus,omitempty"` // empty on first observation
	ToStatus       string `json:"toStatus"`
	DetectedAt     int64  `json:"detectedAt"`
}

// TrackedItem maps one work item being watched by a session to its last
// observed status and the status that counts as done for it.
type TrackedItem struct {
	WorkItemNumber int    `json:"workItemNumber"`
	SessionID      string `json:"sessionId"`
	ParentNumber   int    `json:"parentNumber,omitempty"` // 0 for the root item
	CurrentStatus  string `json:"currentStatus"`
	TargetStatus   string `json:"targetStatus"`
}
