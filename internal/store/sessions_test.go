package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/arizonacoders/claude-flow/internal/models"
)

func newTestStore(t *testing.T) *SessionStore {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "claude-flow.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewSessionStore(db)
}

func TestCreateAndGetSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &models.Session{
		ID:                 "abc123",
		WorkItemNumber:     200,
		Role:               "architect",
		Status:             models.StatusActive,
		WaitingForStatuses: []string{"Developer Review"},
		ProjectPath:        "/repo/project",
		TimeoutSeconds:     3600,
	}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.GetSession(ctx, "abc123")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Role != "architect" || got.WorkItemNumber != 200 {
		t.Errorf("unexpected session: %+v", got)
	}
	if got.Status != models.StatusActive {
		t.Errorf("expected active, got %s", got.Status)
	}
	if len(got.WaitingForStatuses) != 1 || got.WaitingForStatuses[0] != "Developer Review" {
		t.Errorf("waiting_for_statuses not round-tripped: %v", got.WaitingForStatuses)
	}
	if got.CompletedAt != nil {
		t.Error("completed_at should be nil for a fresh session")
	}
	if got.CreatedAt == 0 || got.UpdatedAt == 0 {
		t.Error("timestamps not set")
	}
}

func TestCreateSessionDuplicateIDFails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &models.Session{ID: "dup", WorkItemNumber: 1, Role: "tester", Status: models.StatusActive, ProjectPath: "/p"}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if err := s.CreateSession(ctx, sess); err == nil {
		t.Error("expected duplicate id insert to fail")
	}
}

func TestGetSessionNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetSession(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateSessionPartialFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &models.Session{ID: "upd", WorkItemNumber: 5, Role: "reviewer", Status: models.StatusActive, ProjectPath: "/p"}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("create: %v", err)
	}

	waiting := models.StatusWaiting
	count := 2
	if err := s.UpdateSession(ctx, "upd", models.SessionUpdate{Status: &waiting, ResumeCount: &count}); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.GetSession(ctx, "upd")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.StatusWaiting || got.ResumeCount != 2 {
		t.Errorf("update not applied: status=%s resumeCount=%d", got.Status, got.ResumeCount)
	}
	// Untouched fields stay put.
	if got.Role != "reviewer" || got.WorkItemNumber != 5 {
		t.Errorf("unrelated fields changed: %+v", got)
	}
}

func TestUpdateSessionNotFound(t *testing.T) {
	s := newTestStore(t)
	st := models.StatusAborted
	err := s.UpdateSession(context.Background(), "nope", models.SessionUpdate{Status: &st})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGetSessionsByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, st := range []models.SessionStatus{models.StatusActive, models.StatusWaiting, models.StatusWaiting, models.StatusFailed} {
		sess := &models.Session{ID: string(rune('a' + i)), WorkItemNumber: i, Role: "r", Status: st, ProjectPath: "/p"}
		if err := s.CreateSession(ctx, sess); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	waiting, err := s.GetSessionsByStatus(ctx, models.StatusWaiting)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(waiting) != 2 {
		t.Errorf("expected 2 waiting sessions, got %d", len(waiting))
	}

	both, err := s.GetSessionsByStatus(ctx, models.StatusWaiting, models.StatusFailed)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(both) != 3 {
		t.Errorf("expected 3 sessions, got %d", len(both))
	}
}

func TestRecordAndListEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &models.Session{ID: "ev", WorkItemNumber: 1, Role: "r", Status: models.StatusActive, ProjectPath: "/p"}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := s.RecordEvent(ctx, "ev", models.EventStarted, nil); err != nil {
		t.Fatalf("record started: %v", err)
	}
	if err := s.RecordEvent(ctx, "ev", models.EventPaused, map[string]any{"exitCode": float64(0)}); err != nil {
		t.Fatalf("record paused: %v", err)
	}

	events, err := s.ListEvents(ctx, "ev")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Kind != models.EventStarted || events[1].Kind != models.EventPaused {
		t.Errorf("events out of order: %s, %s", events[0].Kind, events[1].Kind)
	}
	if events[1].Payload["exitCode"] != float64(0) {
		t.Errorf("payload not round-tripped: %v", events[1].Payload)
	}
}

func TestRecordTransitionNullableFrom(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.RecordTransition(ctx, 200, "", "In Progress"); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := s.RecordTransition(ctx, 200, "In Progress", "Developer Review"); err != nil {
		t.Fatalf("record: %v", err)
	}

	trs, err := s.ListTransitions(ctx, 200)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(trs) != 2 {
		t.Fatalf("expected 2 transitions, got %d", len(trs))
	}
	if trs[0].FromStatus != "" || trs[0].ToStatus != "In Progress" {
		t.Errorf("first transition wrong: %+v", trs[0])
	}
	if trs[1].FromStatus != "In Progress" || trs[1].ToStatus != "Developer Review" {
		t.Errorf("second transition wrong: %+v", trs[1])
	}
}

func TestUpsertTrackedItem(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &models.Session{ID: "tr", WorkItemNumber: 1, Role: "r", Status: models.StatusActive, ProjectPath: "/p"}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("create: %v", err)
	}

	item := &models.TrackedItem{WorkItemNumber: 201, SessionID: "tr", ParentNumber: 200, CurrentStatus: "Todo", TargetStatus: "Ready"}
	if err := s.UpsertTrackedItem(ctx, item); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// Second upsert with a changed status updates in place.
	item.CurrentStatus = "In Progress"
	if err := s.UpsertTrackedItem(ctx, item); err != nil {
		t.Fatalf("upsert again: %v", err)
	}

	items, err := s.GetTrackedItems(ctx, "tr")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 item after upsert, got %d", len(items))
	}
	if items[0].CurrentStatus != "In Progress" || items[0].TargetStatus != "Ready" {
		t.Errorf("upsert did not update: %+v", items[0])
	}
}
