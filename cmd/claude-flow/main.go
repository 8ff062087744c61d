package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arizonacoders/claude-flow/internal/api"
	"github.com/arizonacoders/claude-flow/internal/config"
	"github.com/arizonacoders/claude-flow/internal/models"
	"github.com/arizonacoders/claude-flow/internal/monitor"
	"github.com/arizonacoders/claude-flow/internal/orchestrator"
	"github.com/arizonacoders/claude-flow/internal/process"
	"github.com/arizonacoders/claude-flow/internal/session"
	"github.com/arizonacoders/claude-flow/internal/store"
	"github.com/arizonacoders/claude-flow/internal/tracker"
)

const usage = `claude-flow orchestrates long-running worker sessions against a work tracker.

Usage:
  claude-flow run     -number N -role NAME [-path DIR] [-fork] [-detach]
  claude-flow status  [-limit N]
  claude-flow resume  -session ID
  claude-flow abort   -session ID
  claude-flow serve

Configuration is read from the environment (CLAUDE_FLOW_DB_PATH, TRACKER,
TRACKER_URL, TRACKER_TOKEN, CLAUDE_FLOW_ROLES, POLL_INTERVAL, PORT, ...).
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = cmdRun(os.Args[2:])
	case "status":
		err = cmdStatus(os.Args[2:])
	case "resume":
		err = cmdResume(os.Args[2:])
	case "abort":
		err = cmdAbort(os.Args[2:])
	case "serve":
		err = cmdServe(os.Args[2:])
	case "-h", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// app holds the wired components every subcommand needs.
type app struct {
	cfg    *config.Config
	db     *store.DB
	store  *store.SessionStore
	mgr    *session.Manager
	mon    *monitor.StatusMonitor
	orch   *orchestrator.Orchestrator
	logger *slog.Logger
}

func setup() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logLevel := slog.LevelInfo
	if cfg.LogLevel == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	roles, err := config.LoadRoles(cfg.RolesPath)
	if err != nil {
		db.Close()
		return nil, err
	}

	source, err := tracker.NewProvider(cfg)
	if err != nil {
		db.Close()
		return nil, err
	}

	st := store.NewSessionStore(db)
	mgr := session.NewManager(st, process.NewExecSupervisor(), roles, logger)
	mon := monitor.New(st, source, mgr, cfg.PollInterval, logger)
	orch := orchestrator.New(mgr, st, source, mon, cfg.CompletionInterval, logger)

	return &app{
		cfg:    cfg,
		db:     db,
		store:  st,
		mgr:    mgr,
		mon:    mon,
		orch:   orch,
		logger: logger,
	}, nil
}

func (a *app) close() {
	a.db.Close()
}

// signalContext is cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func cmdRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	number := fs.Int("number", 0, "work item number to run against")
	role := fs.String("role", "", "role name from the roles file")
	path := fs.String("path", "", "project path (default: current directory)")
	fork := fs.Bool("fork", false, "replace any existing session for this key")
	detach := fs.Bool("detach", false, "return after the first worker exit instead of monitoring")
	fs.Parse(args)

	if *number <= 0 || *role == "" {
		return fmt.Errorf("run requires -number and -role")
	}
	projectPath := *path
	if projectPath == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolve working directory: %w", err)
		}
		projectPath = wd
	}

	a, err := setup()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := signalContext()
	defer cancel()

	sess, err := a.orch.Run(ctx, orchestrator.RunRequest{
		Number:      *number,
		Role:        *role,
		ProjectPath: projectPath,
		Fork:        *fork,
		Detach:      *detach,
	})
	if err != nil {
		return err
	}

	fmt.Printf("session %s  item #%d  role %s  status %s  resumes %d\n",
		sess.ID, sess.WorkItemNumber, sess.Role, sess.Status, sess.ResumeCount)
	if sess.Status == models.StatusFailed {
		return fmt.Errorf("run finished with status failed")
	}
	return nil
}

func cmdStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	limit := fs.Int("limit", 20, "maximum sessions to show")
	fs.Parse(args)

	a, err := setup()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := signalContext()
	defer cancel()

	sessions, err := a.store.ListSessions(ctx, *limit)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("no sessions")
		return nil
	}

	for _, s := range sessions {
		age := time.Since(time.Unix(s.UpdatedAt, 0)).Round(time.Second)
		fmt.Printf("%s  #%-5d %-12s %-9s resumes=%d  updated %s ago\n",
			s.ID, s.WorkItemNumber, s.Role, s.Status, s.ResumeCount, age)
	}
	return nil
}

func cmdResume(args []string) error {
	fs := flag.NewFlagSet("resume", flag.ExitOnError)
	id := fs.String("session", "", "session id to resume")
	detach := fs.Bool("detach", false, "return after the worker exits instead of monitoring")
	fs.Parse(args)

	if *id == "" {
		return fmt.Errorf("resume requires -session")
	}

	a, err := setup()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := signalContext()
	defer cancel()

	handle, err := a.mgr.Resume(ctx, *id)
	if err != nil {
		return err
	}
	// Keep the worker's output drained; an unbuffered stream would stall the
	// exit recording once the worker outpaces the event buffer.
	handle.DiscardEvents()

	sess, err := a.orch.Supervise(ctx, handle, *detach)
	if err != nil {
		return err
	}
	fmt.Printf("session %s  status %s  resumes %d\n", sess.ID, sess.Status, sess.ResumeCount)
	return nil
}

func cmdAbort(args []string) error {
	fs := flag.NewFlagSet("abort", flag.ExitOnError)
	id := fs.String("session", "", "session id to abort")
	fs.Parse(args)

	if *id == "" {
		return fmt.Errorf("abort requires -session")
	}

	a, err := setup()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := signalContext()
	defer cancel()

	if err := a.mgr.Abort(ctx, *id); err != nil {
		return err
	}
	fmt.Printf("session %s aborted\n", *id)
	return nil
}

func cmdServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	fs.Parse(args)

	a, err := setup()
	if err != nil {
		return err
	}
	defer a.close()

	// One reconciliation loop for the whole server lifetime; per-request
	// supervisions add and release their own references on top.
	a.mon.Start(context.Background())
	defer a.mon.Stop()

	router := api.NewRouter(a.orch, a.mgr, a.store, a.db, a.cfg.APIKey, a.logger)

	addr := fmt.Sprintf(":%d", a.cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		a.logger.Info("server starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	a.logger.Info("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		a.logger.Error("shutdown error", "error", err)
	}

	a.logger.Info("server stopped")
	return nil
}
