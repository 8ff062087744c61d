package process

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"syscall"
)

// EventType classifies output flowing out of a worker process.
type EventType string

const (
	// EventMessage is a structured NDJSON record from the worker's stdout.
	EventMessage EventType = "message"
	// EventRaw is a stdout line that did not parse as a structured record.
	EventRaw EventType = "raw"
	// EventStderr is a line of error-stream output, forwarded verbatim.
	EventStderr EventType = "stderr"
	// EventExit carries the exit code once the process has exited.
	EventExit EventType = "exit"
	// EventProcessError signals a spawn-level failure: the process never
	// started. Distinct from a nonzero exit.
	EventProcessError EventType = "processError"
)

// Event is one item on a worker handle's output stream.
type Event struct {
	Type     EventType
	Line     string
	Record   map[string]any
	ExitCode int
	Err      error
}

// SessionRecorder receives the terminal outcome of a worker run so the
// session row and event log stay consistent with what the process did.
// The session manager implements it.
type SessionRecorder interface {
	// WorkerPaused is called on exit code 0: the worker finished a run and
	// the session goes back to waiting.
	WorkerPaused(ctx context.Context, sessionID string, exitCode int) error
	// WorkerFailed is called on any nonzero exit code.
	WorkerFailed(ctx context.Context, sessionID string, exitCode int) error
	// WorkerCrashed is called when the process could not start at all.
	WorkerCrashed(ctx context.Context, sessionID string, spawnErr error) error
}

// WorkerHandle supervises one spawned worker process for a session: it
// streams output, parses newline-delimited records, and maps exit or crash
// to the session's terminal run state.
type WorkerHandle struct {
	SessionID string

	proc   Process
	events chan Event
	done   chan struct{}
	logger *slog.Logger

	mu       sync.Mutex
	killed   bool
	exitCode int
	spawnErr error
}

// StartWorker spawns cmd under the supervisor and wires its streams into a
// handle. A spawn-level failure is recorded as a crashed run and surfaced on
// the event stream as EventProcessError; the handle is still returned so
// callers observe the failure through Wait.
func StartWorker(ctx context.Context, sup Supervisor, cmd Command, sessionID string, rec SessionRecorder, logger *slog.Logger) *WorkerHandle {
	h := &WorkerHandle{
		SessionID: sessionID,
		events:    make(chan Event, 256),
		done:      make(chan struct{}),
		logger:    logger,
	}

	proc, err := sup.Spawn(cmd)
	if err != nil {
		logger.Error("worker spawn failed", "session", sessionID, "command", cmd.Path, "error", err)
		if recErr := rec.WorkerCrashed(ctx, sessionID, err); recErr != nil {
			logger.Error("record crash failed", "session", sessionID, "error", recErr)
		}
		h.spawnErr = err
		h.events <- Event{Type: EventProcessError, Err: err}
		close(h.events)
		close(h.done)
		return h
	}
	h.proc = proc

	var readers sync.WaitGroup
	readers.Add(2)

	// Stdout: NDJSON. A line split across deliveries stays in the scanner's
	// buffer until its newline arrives, so it parses as exactly one record.
	go func() {
		defer readers.Done()
		scanner := bufio.NewScanner(proc.Stdout())
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)

		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			var record map[string]any
			if err := json.Unmarshal([]byte(line), &record); err == nil {
				h.events <- Event{Type: EventMessage, Line: line, Record: record}
			} else {
				h.events <- Event{Type: EventRaw, Line: line}
			}
		}
	}()

	go func() {
		defer readers.Done()
		scanner := bufio.NewScanner(proc.Stderr())
		for scanner.Scan() {
			h.events <- Event{Type: EventStderr, Line: scanner.Text()}
		}
	}()

	go func() {
		code := proc.Wait()
		readers.Wait()

		h.mu.Lock()
		h.exitCode = code
		h.mu.Unlock()

		if code == 0 {
			if err := rec.WorkerPaused(ctx, sessionID, code); err != nil {
				logger.Error("record pause failed", "session", sessionID, "error", err)
			}
		} else {
			if err := rec.WorkerFailed(ctx, sessionID, code); err != nil {
				logger.Error("record failure failed", "session", sessionID, "error", err)
			}
		}

		h.events <- Event{Type: EventExit, ExitCode: code}
		close(h.events)
		close(h.done)
	}()

	return h
}

// Events is the handle's output stream. It is closed after the exit (or
// process-error) event; callers must drain it or call DiscardEvents.
func (h *WorkerHandle) Events() <-chan Event {
	return h.events
}

// DiscardEvents consumes the event stream in the background for callers that
// only care about Wait. Stderr and raw lines are still logged at debug level.
func (h *WorkerHandle) DiscardEvents() {
	go func() {
		for ev := range h.events {
			switch ev.Type {
			case EventStderr:
				h.logger.Debug("worker stderr", "session", h.SessionID, "line", ev.Line)
			case EventRaw:
				h.logger.Debug("worker output", "session", h.SessionID, "line", ev.Line)
			}
		}
	}()
}

// Wait blocks until the process exits and returns its exit code, or returns
// the spawn error if the process never started. Exactly one of the two
// outcomes occurs per handle.
func (h *WorkerHandle) Wait(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-h.done:
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.spawnErr != nil {
		return 0, h.spawnErr
	}
	return h.exitCode, nil
}

// Kill sends SIGKILL to the process if it still has a live pid; no-op
// otherwise.
func (h *WorkerHandle) Kill() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.killed || h.proc == nil || h.proc.Pid() == 0 {
		return
	}
	h.killed = true
	if err := h.proc.Signal(os.Kill); err != nil {
		h.logger.Debug("kill signal failed", "session", h.SessionID, "error", err)
	}
}

// Interrupt sends SIGINT so the worker can wind down gracefully.
func (h *WorkerHandle) Interrupt() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.killed || h.proc == nil || h.proc.Pid() == 0 {
		return
	}
	if err := h.proc.Signal(syscall.SIGINT); err != nil {
		h.logger.Debug("interrupt signal failed", "session", h.SessionID, "error", err)
	}
}
