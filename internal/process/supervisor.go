package process

import (
	"fmt"
	"io"
	"os"
	"os/exec"
)

// Command describes one worker invocation. Env is inherited from the
// orchestrator process; Dir is the project path the worker operates in.
type Command struct {
	Path string
	Args []string
	Dir  string
}

// Process is one spawned worker process. It abstracts the platform process
// API so WorkerHandle and the session manager never touch os/exec directly.
type Process interface {
	Stdout() io.Reader
	Stderr() io.Reader
	Stdin() io.WriteCloser
	// Wait blocks until the process exits and returns its exit code.
	Wait() int
	Signal(sig os.Signal) error
	Pid() int
}

// Supervisor spawns worker processes. The exec-backed implementation is used
// in production; tests substitute fakes.
type Supervisor interface {
	Spawn(cmd Command) (Process, error)
}

// ExecSupervisor spawns real OS processes via os/exec.
type ExecSupervisor struct{}

func NewExecSupervisor() *ExecSupervisor {
	return &ExecSupervisor{}
}

func (s *ExecSupervisor) Spawn(cmd Command) (Process, error) {
	c := exec.Command(cmd.Path, cmd.Args...)
	c.Dir = cmd.Dir
	c.Env = os.Environ()

	stdin, err := c.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := c.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := c.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cmd.Path, err)
	}

	return &execProcess{cmd: c, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
}

func (p *execProcess) Stdout() io.Reader     { return p.stdout }
func (p *execProcess) Stderr() io.Reader     { return p.stderr }
func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }

func (p *execProcess) Wait() int {
	p.cmd.Wait()
	if p.cmd.ProcessState == nil {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

func (p *execProcess) Signal(sig os.Signal) error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}
