// Package supervisor launches the agent and the workload as detached
// children and reports how they exit. The bootstrap never blocks on them.
package supervisor

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"nzboot/pkg/envfile"
	"nzboot/pkg/errs"
	"nzboot/pkg/logging"
	"nzboot/pkg/workgroup"
)

// Child names used in logs and exit events.
const (
	Agent    = "agent"
	Workload = "workload"
)

// Exit is published when a supervised child finishes.
type Exit struct {
	Name   string
	Pid    int
	Status ExitStatus
}

type Supervisor struct {
	// Dir is the working directory of every child.
	Dir      string
	Env      *envfile.Environment
	Launcher Launcher

	work  *workgroup.Group
	exits chan Exit
	log   logging.Logger

	mu   sync.Mutex
	live map[int]Process
}

const exitBacklog = 16

func New(ctx context.Context, dir string, env *envfile.Environment, launcher Launcher) *Supervisor {
	return &Supervisor{
		Dir:      dir,
		Env:      env,
		Launcher: launcher,
		work:     workgroup.WithContext(ctx),
		exits:    make(chan Exit, exitBacklog),
		log:      logging.New("supervisor"),
		live:     make(map[int]Process),
	}
}

// Exits delivers child exits. Events are dropped when nobody keeps up.
func (s *Supervisor) Exits() <-chan Exit {
	return s.exits
}

// StartAgent launches binary against its configuration document. A non-zero
// exit is logged as a warning; the bootstrap carries on either way.
func (s *Supervisor) StartAgent(ctx context.Context, binary, config string) (Process, error) {
	return s.start(ctx, Command{
		Name: Agent,
		Path: binary,
		Args: []string{"-c", config},
	})
}

// StartWorkload launches script through shell.
func (s *Supervisor) StartWorkload(ctx context.Context, shell, script string) (Process, error) {
	return s.start(ctx, Command{
		Name: Workload,
		Path: shell,
		Args: []string{script},
	})
}

func (s *Supervisor) start(ctx context.Context, cmd Command) (Process, error) {
	cmd.Dir = s.Dir
	cmd.Env = s.Env.Merge(os.Environ())
	log := s.log.WithFields(logrus.Fields{"child": cmd.Name, "command": cmd.String()})
	if logging.Debuggable && s.Env != nil {
		// Names only; values carry the agent secret.
		log.WithField("env", s.Env.Keys()).Debug("launching")
	}

	proc, err := s.Launcher.Launch(ctx, cmd)
	if err != nil {
		return nil, errs.New(errs.LaunchFailure, "launch "+cmd.Name, cmd.Path, err)
	}
	pid := proc.Pid()
	log = log.WithField("pid", pid)
	log.Info("started")

	s.mu.Lock()
	s.live[pid] = proc
	s.mu.Unlock()

	s.work.Work(func(context.Context) error {
		status := proc.Wait()

		s.mu.Lock()
		delete(s.live, pid)
		s.mu.Unlock()

		entry := log.WithField("code", status.Code)
		switch {
		case status.Err != nil:
			entry.WithError(status.Err).Warn("exited, status uncertain")
		case status.Signal != nil:
			entry.WithField("signal", status.Signal).Warn("killed by signal")
		case status.Code != 0:
			entry.Warn("exited with non-zero status")
		default:
			entry.Info("exited")
		}

		select {
		case s.exits <- Exit{Name: cmd.Name, Pid: pid, Status: status}:
		default:
			log.Debug("exit event dropped")
		}
		return nil
	})
	return proc, nil
}

// Running reports how many children have not exited yet.
func (s *Supervisor) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Stop sends SIGTERM to every live child, then SIGKILL to whatever is left
// after grace. It returns once all reapers are done or ctx ends.
func (s *Supervisor) Stop(ctx context.Context, grace time.Duration) error {
	s.signalAll(unix.SIGTERM)

	done := make(chan error, 1)
	go func() { done <- s.work.Wait() }()

	timeout := time.NewTimer(grace)
	defer timeout.Stop()
	select {
	case err := <-done:
		return err
	case <-timeout.C:
		s.log.Warn("children still running after grace period, killing")
		s.signalAll(unix.SIGKILL)
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) signalAll(sig os.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for pid, proc := range s.live {
		if err := proc.Signal(sig); err != nil {
			s.log.WithError(err).WithFields(logrus.Fields{"pid": pid, "signal": sig}).Warn("unable to signal child")
		}
	}
}
