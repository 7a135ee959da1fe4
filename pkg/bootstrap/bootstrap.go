// Package bootstrap runs the startup pipeline: load the environment, resolve
// the directive, reconcile the agent configuration, provision and launch the
// agent, launch the workload, then park. Every failure short of parking is
// logged and the pipeline carries on with less.
package bootstrap

import (
	"context"
	"path/filepath"
	"runtime/debug"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"nzboot/pkg/agentconf"
	"nzboot/pkg/directive"
	"nzboot/pkg/envfile"
	"nzboot/pkg/errs"
	"nzboot/pkg/lifecycle"
	"nzboot/pkg/logging"
	"nzboot/pkg/provision"
	"nzboot/pkg/settings"
	"nzboot/pkg/supervisor"
	"nzboot/pkg/workgroup"
)

type Bootstrap struct {
	// Dir holds env.sh, the agent files and the workload script.
	Dir      string
	Settings *settings.Settings

	Launcher supervisor.Launcher
	Fetcher  provision.Fetcher
	Arch     func() string
	Notifier lifecycle.Notifier

	log logging.Logger
}

// New wires the production collaborators.
func New(dir string, s *settings.Settings) *Bootstrap {
	return &Bootstrap{
		Dir:      dir,
		Settings: s,
		Launcher: supervisor.NewExecLauncher(),
		Fetcher:  provision.NewHTTPFetcher(s.Agent.FetchAttempts),
		Arch:     provision.HostArch,
		Notifier: lifecycle.SystemdNotifier{},
		log:      logging.New("bootstrap"),
	}
}

// Report records what the pipeline managed to do.
type Report struct {
	Environment *envfile.Environment
	// Agent is nil when the agent was skipped before reconciliation.
	Agent       *agentconf.Result
	AgentSource directive.Source
	AgentPid    int
	WorkloadPid int
	// Errors are the recovered failures, in pipeline order.
	Errors []error
}

func (r *Report) degrade(log logrus.FieldLogger, err error, msg string) {
	r.Errors = append(r.Errors, err)
	log.WithError(err).WithField("kind", errs.Classify(err)).Warn(msg)
}

// Session is a bootstrap that has launched its children.
type Session struct {
	Report     *Report
	Machine    *lifecycle.Machine
	Supervisor *supervisor.Supervisor

	settings *settings.Settings
	log      logging.Logger
}

func (b *Bootstrap) path(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(b.Dir, name)
}

// Start runs the pipeline up to, not including, the Parked state.
func (b *Bootstrap) Start(ctx context.Context) (*Session, error) {
	s := b.Settings
	report := &Report{}
	machine := lifecycle.New(b.Notifier)

	loader := envfile.NewLoader(s.Environment.Encoding, b.paths(s.Environment.Overlays)...)
	env, err := loader.Load(b.path(s.Environment.File))
	if err != nil {
		report.degrade(b.log, err, "environment unavailable, continuing without it")
	}
	report.Environment = env

	sup := supervisor.New(ctx, b.Dir, env, b.Launcher)
	if bin, ok := b.prepareAgent(ctx, machine, report); ok {
		proc, err := sup.StartAgent(ctx, bin, s.Agent.Config)
		if err != nil {
			report.degrade(b.log, err, "agent not started")
		} else {
			report.AgentPid = proc.Pid()
		}
	}

	if err := machine.Advance(lifecycle.StateSupervising); err != nil {
		return nil, err
	}
	script := b.path(s.Workload.Script)
	if err := provision.EnsureScript(ctx, b.Fetcher, script, s.Workload.URL); err != nil {
		report.degrade(b.log, err, "workload script unavailable")
	} else if proc, err := sup.StartWorkload(ctx, s.Workload.Shell, s.Workload.Script); err != nil {
		report.degrade(b.log, err, "workload not started")
	} else {
		report.WorkloadPid = proc.Pid()
	}

	return &Session{
		Report:     report,
		Machine:    machine,
		Supervisor: sup,
		settings:   s,
		log:        b.log,
	}, nil
}

// prepareAgent resolves, reconciles and provisions the agent. It reports the
// binary to launch, or false when the agent is skipped.
func (b *Bootstrap) prepareAgent(ctx context.Context, machine *lifecycle.Machine, report *Report) (string, bool) {
	s := b.Settings
	var backup *directive.Backup
	if s.Agent.DirectiveBackup != "" {
		backup = directive.NewBackup(b.path(s.Agent.DirectiveBackup))
	}
	desired, source, err := directive.Resolve(report.Environment.Get(s.Environment.DirectiveKey), backup)
	if err != nil {
		report.degrade(b.log, err, "agent not configured, skipping it")
		return "", false
	}
	report.AgentSource = source

	if err := machine.Advance(lifecycle.StateProvisioning); err != nil {
		report.degrade(b.log, err, "agent skipped")
		return "", false
	}
	res, err := agentconf.NewReconciler(b.path(s.Agent.Config)).Reconcile(ctx, desired)
	if err != nil {
		report.degrade(b.log, err, "agent configuration not written, skipping agent")
		return "", false
	}
	report.Agent = res
	if res.ReadErr != nil && !errs.Is(res.ReadErr, errs.SourceAbsent) {
		report.Errors = append(report.Errors, res.ReadErr)
	}

	p := provision.New(b.Dir, s.Agent.Binary, s.Agent.Archive, s.Agent.BaseURL, b.Fetcher)
	p.KeepBinary = s.Agent.KeepBinary
	p.Deadline = s.Agent.FetchDeadline
	p.Arch = b.Arch
	bin, err := p.Provision(ctx)
	if err != nil {
		report.degrade(b.log, err, "agent provisioning failed, skipping agent")
		return "", false
	}
	return bin, true
}

func (b *Bootstrap) paths(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		out = append(out, b.path(n))
	}
	return out
}

// Park holds the session in the Parked state until ctx ends, logging child
// exits as they happen. Children keep running unless a stop grace period is
// configured.
func (s *Session) Park(ctx context.Context) error {
	group := workgroup.WithContext(ctx)
	group.Work(s.watchExits)

	err := s.Machine.Park(ctx, s.settings.Supervisor.KeepAliveInterval)
	if grace := s.settings.Supervisor.StopGracePeriod; grace > 0 {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*grace)
		defer cancel()
		if stopErr := s.Supervisor.Stop(stopCtx, grace); stopErr != nil {
			s.log.WithError(stopErr).Error("children did not stop cleanly")
		}
	}
	group.Wait()
	return err
}

func (s *Session) watchExits(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case exit := <-s.Supervisor.Exits():
			s.log.WithFields(logrus.Fields{
				"child": exit.Name,
				"pid":   exit.Pid,
				"code":  exit.Status.Code,
			}).Info("child finished, staying parked")
		}
	}
}

// Run starts the pipeline and parks until ctx ends. A panic in any stage is
// logged with its stack and returned as an error.
func (b *Bootstrap) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.log.WithFields(logrus.Fields{
				"panic": r,
				"stack": string(debug.Stack()),
			}).Error("bootstrap panicked")
			err = errors.Errorf("bootstrap panicked: %v", r)
		}
	}()

	session, err := b.Start(ctx)
	if err != nil {
		return err
	}
	return session.Park(ctx)
}
