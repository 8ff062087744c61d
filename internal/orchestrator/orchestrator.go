package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/arizonacoders/claude-flow/internal/models"
	"github.com/arizonacoders/claude-flow/internal/monitor"
	"github.com/arizonacoders/claude-flow/internal/process"
	"github.com/arizonacoders/claude-flow/internal/session"
	"github.com/arizonacoders/claude-flow/internal/tracker"
)

// RunRequest asks for one top-level orchestrated run.
type RunRequest struct {
	Number      int
	Role        string
	ProjectPath string
	Fork        bool
	// Detach skips the monitor phase: start the run and return after the
	// first worker exit.
	Detach bool
}

// Orchestrator drives one run end to end: build the work-item graph, start
// or resume the session, track the graph's items, wait for the first run,
// then let the status monitor reconcile until the session is terminal.
type Orchestrator struct {
	manager      *session.Manager
	store        session.Store
	source       tracker.StatusSource
	monitor      *monitor.StatusMonitor
	pollInterval time.Duration
	logger       *slog.Logger
}

// New wires the orchestrator. pollInterval is how often the session row is
// checked for a terminal status while the monitor runs.
func New(mgr *session.Manager, st session.Store, source tracker.StatusSource, mon *monitor.StatusMonitor, pollInterval time.Duration, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		manager:      mgr,
		store:        st,
		source:       source,
		monitor:      mon,
		pollInterval: pollInterval,
		logger:       logger,
	}
}

// Run executes the orchestration sequence and returns the session in its
// final observed state. Decision-layer errors (already running, unknown
// role) surface synchronously; worker and polling failures flow through the
// session status instead.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (*models.Session, error) {
	handle, err := o.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	return o.Supervise(ctx, handle, req.Detach)
}

// Start performs the synchronous part of a run: build the graph, start or
// resume the session, and register every graph node as a tracked item. The
// returned handle is ready to be supervised.
func (o *Orchestrator) Start(ctx context.Context, req RunRequest) (*process.WorkerHandle, error) {
	graph, err := BuildGraph(ctx, o.source, req.Number)
	if err != nil {
		return nil, err
	}

	role, err := o.manager.Role(req.Role)
	if err != nil {
		return nil, err
	}

	handle, err := o.manager.StartOrResume(ctx, session.StartRequest{
		Number:      req.Number,
		Role:        req.Role,
		ProjectPath: req.ProjectPath,
		Fork:        req.Fork,
	})
	if err != nil {
		return nil, err
	}

	for _, node := range graph {
		item := &models.TrackedItem{
			WorkItemNumber: node.Number,
			SessionID:      handle.SessionID,
			ParentNumber:   node.ParentNumber,
			CurrentStatus:  node.Status,
			TargetStatus:   role.FinalTargetStatus(),
		}
		if err := o.store.UpsertTrackedItem(ctx, item); err != nil {
			return nil, fmt.Errorf("track item %d: %w", node.Number, err)
		}
	}

	go o.consumeWorkerEvents(handle)
	return handle, nil
}

// Supervise waits for the handle's first run, then drives the monitor loop
// until the session reaches a terminal status. With detach set it returns as
// soon as the first run has exited.
func (o *Orchestrator) Supervise(ctx context.Context, handle *process.WorkerHandle, detach bool) (*models.Session, error) {
	if code, err := handle.Wait(ctx); err != nil {
		// Spawn-level failure: the session is already marked failed; report
		// it through the normal return below.
		o.logger.Error("worker never started", "session", handle.SessionID, "error", err)
	} else {
		o.logger.Info("first run finished", "session", handle.SessionID, "exitCode", code)
	}

	if detach {
		return o.store.GetSession(ctx, handle.SessionID)
	}

	return o.superviseUntilTerminal(ctx, handle.SessionID)
}

// superviseUntilTerminal runs the status monitor and polls the session row
// until it reaches a terminal status.
func (o *Orchestrator) superviseUntilTerminal(ctx context.Context, sessionID string) (*models.Session, error) {
	o.monitor.Start(ctx)
	defer o.monitor.Stop()

	stopNotifs := make(chan struct{})
	defer close(stopNotifs)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopNotifs:
				return
			case n := <-o.monitor.Notifications():
				o.logNotification(n)
			}
		}
	}()

	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			sess, err := o.store.GetSession(ctx, sessionID)
			if err != nil {
				return nil, fmt.Errorf("poll session %s: %w", sessionID, err)
			}
			if sess.Status.IsTerminal() {
				return sess, nil
			}
		}
	}
}

func (o *Orchestrator) consumeWorkerEvents(handle *process.WorkerHandle) {
	for ev := range handle.Events() {
		switch ev.Type {
		case process.EventMessage:
			o.logger.Debug("worker message", "session", handle.SessionID, "record", ev.Record)
		case process.EventRaw:
			o.logger.Debug("worker output", "session", handle.SessionID, "line", ev.Line)
		case process.EventStderr:
			o.logger.Debug("worker stderr", "session", handle.SessionID, "line", ev.Line)
		case process.EventExit:
			o.logger.Debug("worker exited", "session", handle.SessionID, "exitCode", ev.ExitCode)
		case process.EventProcessError:
			o.logger.Error("worker spawn failed", "session", handle.SessionID, "error", ev.Err)
		}
	}
}

func (o *Orchestrator) logNotification(n monitor.Notification) {
	switch n.Kind {
	case monitor.NoteStatusChange:
		o.logger.Info("status change", "session", n.SessionID, "item", n.WorkItemNumber,
			"from", n.FromStatus, "to", n.ToStatus)
	case monitor.NoteResumeTriggered:
		o.logger.Info("resume triggered", "session", n.SessionID)
	case monitor.NoteSessionCompleted:
		o.logger.Info("session completed", "session", n.SessionID)
	case monitor.NoteError:
		o.logger.Warn("monitor error", "session", n.SessionID, "error", n.Err)
	}
}
