package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/arizonacoders/claude-flow/internal/config"
	"github.com/arizonacoders/claude-flow/internal/models"
	"github.com/arizonacoders/claude-flow/internal/monitor"
	"github.com/arizonacoders/claude-flow/internal/process"
	"github.com/arizonacoders/claude-flow/internal/session"
	"github.com/arizonacoders/claude-flow/internal/store"
	"github.com/arizonacoders/claude-flow/internal/tracker"
)

// scriptedProc is a fake worker whose exit the test controls.
type scriptedProc struct {
	outR, errR *io.PipeReader
	outW, errW *io.PipeWriter
	exitCh     chan int
}

func newScriptedProc() *scriptedProc {
	p := &scriptedProc{exitCh: make(chan int, 1)}
	p.outR, p.outW = io.Pipe()
	p.errR, p.errW = io.Pipe()
	return p
}

func (p *scriptedProc) Stdout() io.Reader          { return p.outR }
func (p *scriptedProc) Stderr() io.Reader          { return p.errR }
func (p *scriptedProc) Stdin() io.WriteCloser      { return p.outW }
func (p *scriptedProc) Wait() int                  { return <-p.exitCh }
func (p *scriptedProc) Signal(sig os.Signal) error { return nil }
func (p *scriptedProc) Pid() int                   { return 7 }

func (p *scriptedProc) exit(code int) {
	p.outW.Close()
	p.errW.Close()
	p.exitCh <- code
}

type scriptedSupervisor struct {
	mu      sync.Mutex
	spawned []*scriptedProc
}

func (s *scriptedSupervisor) Spawn(cmd process.Command) (process.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := newScriptedProc()
	s.spawned = append(s.spawned, p)
	return p, nil
}

func (s *scriptedSupervisor) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.spawned)
}

// waitForSpawn blocks until the n-th worker has been spawned.
func (s *scriptedSupervisor) waitForSpawn(t *testing.T, n int) *scriptedProc {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		if len(s.spawned) >= n {
			p := s.spawned[n-1]
			s.mu.Unlock()
			return p
		}
		s.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("worker %d never spawned", n)
	return nil
}

type fixture struct {
	orch   *Orchestrator
	mgr    *session.Manager
	store  *store.SessionStore
	static *tracker.StaticProvider
	sup    *scriptedSupervisor
}

func newFixture(t *testing.T, items ...*tracker.Item) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "orch.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewSessionStore(db)
	sup := &scriptedSupervisor{}
	roles := map[string]*config.Role{
		"architect": {
			Name:           "architect",
			Command:        "claude",
			FeedbackStatus: "Developer Review",
			TargetStatuses: []string{"Test Case Design Review", "Ready"},
		},
	}
	mgr := session.NewManager(st, sup, roles, logger)
	static := tracker.NewStaticProvider(items...)
	mon := monitor.New(st, static, mgr, 10*time.Millisecond, logger)
	orch := New(mgr, st, static, mon, 10*time.Millisecond, logger)

	return &fixture{orch: orch, mgr: mgr, store: st, static: static, sup: sup}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestBuildGraph(t *testing.T) {
	static := tracker.NewStaticProvider(
		&tracker.Item{Number: 200, Title: "Root", Status: "In Progress"},
		&tracker.Item{Number: 201, Title: "Child A", Status: "Todo", ParentNumber: 200},
		&tracker.Item{Number: 202, Title: "Child B", Status: "Todo", ParentNumber: 200},
		&tracker.Item{Number: 203, Title: "Grandchild", Status: "Todo", ParentNumber: 201},
		&tracker.Item{Number: 900, Title: "Unrelated", Status: "Done"},
	)

	graph, err := BuildGraph(context.Background(), static, 200)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(graph) != 4 {
		t.Fatalf("expected 4 nodes, got %d", len(graph))
	}
	if graph[0].Number != 200 {
		t.Errorf("root must come first, got %d", graph[0].Number)
	}
	for _, node := range graph {
		if node.Number == 900 {
			t.Error("unrelated item included in graph")
		}
	}
}

func TestBuildGraphMissingRoot(t *testing.T) {
	static := tracker.NewStaticProvider()
	if _, err := BuildGraph(context.Background(), static, 42); err == nil {
		t.Error("expected error for missing root")
	}
}

func TestRunDetachedRegistersGraphAndReturnsAfterFirstExit(t *testing.T) {
	f := newFixture(t,
		&tracker.Item{Number: 200, Title: "Root", Status: "In Progress"},
		&tracker.Item{Number: 201, Title: "Child", Status: "Todo", ParentNumber: 200},
	)
	ctx := context.Background()

	type result struct {
		sess *models.Session
		err  error
	}
	resultCh := make(chan result, 1)
	go func() {
		sess, err := f.orch.Run(ctx, RunRequest{Number: 200, Role: "architect", ProjectPath: "/repo", Detach: true})
		resultCh <- result{sess, err}
	}()

	p := f.sup.waitForSpawn(t, 1)
	p.exit(0)

	select {
	case res := <-resultCh:
		if res.err != nil {
			t.Fatalf("run: %v", res.err)
		}
		if res.sess.Status != models.StatusWaiting {
			t.Errorf("expected waiting after detached first run, got %s", res.sess.Status)
		}
		items, _ := f.store.GetTrackedItems(ctx, res.sess.ID)
		if len(items) != 2 {
			t.Fatalf("expected both graph nodes tracked, got %d", len(items))
		}
		for _, item := range items {
			if item.TargetStatus != "Ready" {
				t.Errorf("target status should be the role's final target: %+v", item)
			}
		}
	case <-time.After(5 * time.Second):
		t.Fatal("detached run never returned")
	}
}

func TestRunSurfacesAlreadyRunning(t *testing.T) {
	f := newFixture(t, &tracker.Item{Number: 200, Status: "In Progress"})
	ctx := context.Background()

	go f.orch.Run(ctx, RunRequest{Number: 200, Role: "architect", ProjectPath: "/repo", Detach: true})
	f.sup.waitForSpawn(t, 1)

	_, err := f.orch.Run(ctx, RunRequest{Number: 200, Role: "architect", ProjectPath: "/repo"})
	if !errors.Is(err, session.ErrSessionAlreadyRunning) {
		t.Errorf("expected ErrSessionAlreadyRunning, got %v", err)
	}
}

// TestRunEndToEnd walks the full reconciliation scenario: first run pauses,
// the feedback status triggers one resume, the second run pauses, and the
// target status completes the session.
func TestRunEndToEnd(t *testing.T) {
	f := newFixture(t, &tracker.Item{Number: 200, Title: "Root", Status: "In Progress"})
	ctx := context.Background()

	type result struct {
		sess *models.Session
		err  error
	}
	resultCh := make(chan result, 1)
	go func() {
		sess, err := f.orch.Run(ctx, RunRequest{Number: 200, Role: "architect", ProjectPath: "/repo"})
		resultCh <- result{sess, err}
	}()

	// First run exits cleanly: session goes to waiting with resumeCount 0.
	p1 := f.sup.waitForSpawn(t, 1)
	p1.exit(0)

	var sessionID string
	waitFor(t, "session waiting after first run", func() bool {
		sessions, err := f.store.GetSessionsByStatus(ctx, models.StatusWaiting)
		if err != nil || len(sessions) != 1 {
			return false
		}
		sessionID = sessions[0].ID
		return sessions[0].ResumeCount == 0
	})

	// External status moves to the feedback value: exactly one resume.
	f.static.SetStatus(200, "Developer Review")

	p2 := f.sup.waitForSpawn(t, 2)
	waitFor(t, "resume bumped the counter", func() bool {
		sess, err := f.store.GetSession(ctx, sessionID)
		return err == nil && sess.ResumeCount == 1 && sess.Status == models.StatusActive
	})

	// Second run pauses again.
	p2.exit(0)
	waitFor(t, "session waiting after second run", func() bool {
		sess, err := f.store.GetSession(ctx, sessionID)
		return err == nil && sess.Status == models.StatusWaiting
	})

	// External status reaches the target set: completed, no further resume.
	f.static.SetStatus(200, "Ready")

	select {
	case res := <-resultCh:
		if res.err != nil {
			t.Fatalf("run: %v", res.err)
		}
		if res.sess.Status != models.StatusCompleted {
			t.Errorf("expected completed, got %s", res.sess.Status)
		}
		if res.sess.ResumeCount != 1 {
			t.Errorf("expected exactly one resume, got %d", res.sess.ResumeCount)
		}
		if res.sess.CompletedAt == nil {
			t.Error("completedAt not set")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run never reached a terminal state")
	}

	if n := f.sup.count(); n != 2 {
		t.Errorf("expected exactly 2 worker spawns, got %d", n)
	}

	// The observed transitions are on record.
	trs, err := f.store.ListTransitions(ctx, 200)
	if err != nil {
		t.Fatalf("list transitions: %v", err)
	}
	if len(trs) != 2 {
		t.Fatalf("expected 2 transitions, got %+v", trs)
	}
	if trs[0].FromStatus != "In Progress" || trs[0].ToStatus != "Developer Review" {
		t.Errorf("first transition wrong: %+v", trs[0])
	}
	if trs[1].FromStatus != "Developer Review" || trs[1].ToStatus != "Ready" {
		t.Errorf("second transition wrong: %+v", trs[1])
	}
}

// TestManualResumeSuperviseChattyWorker resumes a waiting session the way the
// resume command does (drain the handle, then supervise detached) against a
// worker emitting far more lines than the event buffer holds. The clean exit
// must still land the session back in waiting.
func TestManualResumeSuperviseChattyWorker(t *testing.T) {
	f := newFixture(t, &tracker.Item{Number: 200, Title: "Root", Status: "In Progress"})
	ctx := context.Background()

	type result struct {
		sess *models.Session
		err  error
	}
	resultCh := make(chan result, 1)
	go func() {
		sess, err := f.orch.Run(ctx, RunRequest{Number: 200, Role: "architect", ProjectPath: "/repo", Detach: true})
		resultCh <- result{sess, err}
	}()

	p1 := f.sup.waitForSpawn(t, 1)
	p1.exit(0)
	res := <-resultCh
	if res.err != nil {
		t.Fatalf("run: %v", res.err)
	}
	sessionID := res.sess.ID

	handle, err := f.mgr.Resume(ctx, sessionID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	handle.DiscardEvents()

	p2 := f.sup.waitForSpawn(t, 2)
	go func() {
		// Well past the handle's event buffer capacity.
		for i := 0; i < 1000; i++ {
			io.WriteString(p2.outW, `{"type":"assistant","content":"chunk"}`+"\n")
		}
		p2.exit(0)
	}()

	sess, err := f.orch.Supervise(ctx, handle, true)
	if err != nil {
		t.Fatalf("supervise: %v", err)
	}
	if sess.Status != models.StatusWaiting {
		t.Errorf("expected waiting after chatty run, got %s", sess.Status)
	}
	if sess.ResumeCount != 1 {
		t.Errorf("resumeCount=%d", sess.ResumeCount)
	}
}

func TestRunWorkerFailureEndsRun(t *testing.T) {
	f := newFixture(t, &tracker.Item{Number: 200, Status: "In Progress"})
	ctx := context.Background()

	type result struct {
		sess *models.Session
		err  error
	}
	resultCh := make(chan result, 1)
	go func() {
		sess, err := f.orch.Run(ctx, RunRequest{Number: 200, Role: "architect", ProjectPath: "/repo"})
		resultCh <- result{sess, err}
	}()

	p := f.sup.waitForSpawn(t, 1)
	p.exit(1)

	select {
	case res := <-resultCh:
		if res.err != nil {
			t.Fatalf("run: %v", res.err)
		}
		if res.sess.Status != models.StatusFailed {
			t.Errorf("expected failed, got %s", res.sess.Status)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run never returned after worker failure")
	}
}
