package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/pkg/errors"
)

// Command describes one child process.
type Command struct {
	// Name tags the child in logs and exit events.
	Name string
	Dir  string
	Path string
	Args []string
	// Env is the complete environment handed to the child.
	Env []string
}

func (c Command) String() string {
	return fmt.Sprintf("%s %v", c.Path, c.Args)
}

// ExitStatus is how a child finished.
type ExitStatus struct {
	Code int
	// Signal is set when the child was killed by a signal.
	Signal os.Signal
	// Err is set when the exit could not be collected at all.
	Err error
}

func (s ExitStatus) Success() bool {
	return s.Err == nil && s.Signal == nil && s.Code == 0
}

// Process is a started child. Wait may be called once.
type Process interface {
	Pid() int
	Signal(os.Signal) error
	Wait() ExitStatus
}

// Launcher starts children without waiting for them.
type Launcher interface {
	Launch(ctx context.Context, cmd Command) (Process, error)
}

// ExecLauncher starts real processes sharing this process's standard
// streams.
type ExecLauncher struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

func NewExecLauncher() *ExecLauncher {
	return &ExecLauncher{Stdin: os.Stdin, Stdout: os.Stdout, Stderr: os.Stderr}
}

func (l *ExecLauncher) Launch(ctx context.Context, c Command) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// Children must outlive ctx; exec.CommandContext would kill them.
	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	cmd.Stdin = l.Stdin
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "start %s", c)
	}
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }

func (p *execProcess) Wait() ExitStatus {
	err := p.cmd.Wait()
	state := p.cmd.ProcessState
	if state == nil {
		return ExitStatus{Code: -1, Err: err}
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ExitStatus{Code: -1, Signal: ws.Signal()}
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		// Copying output failed after the child exited.
		return ExitStatus{Code: state.ExitCode(), Err: err}
	}
	return ExitStatus{Code: state.ExitCode()}
}
