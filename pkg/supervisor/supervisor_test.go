package supervisor

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"nzboot/pkg/envfile"
	"nzboot/pkg/errs"
	"nzboot/pkg/internal/testoutput"
	"nzboot/pkg/logging"
)

type fakeProcess struct {
	pid    int
	exit   chan ExitStatus
	ignore os.Signal

	mu      sync.Mutex
	signals []os.Signal
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()
	if sig != p.ignore {
		p.exit <- ExitStatus{Code: -1, Signal: sig}
	}
	return nil
}

func (p *fakeProcess) Wait() ExitStatus { return <-p.exit }

type fakeLauncher struct {
	err      error
	ignore   os.Signal
	mu       sync.Mutex
	launched []Command
	procs    []*fakeProcess
}

func (l *fakeLauncher) Launch(_ context.Context, c Command) (Process, error) {
	if l.err != nil {
		return nil, l.err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	p := &fakeProcess{pid: 100 + len(l.procs), exit: make(chan ExitStatus, 2), ignore: l.ignore}
	l.launched = append(l.launched, c)
	l.procs = append(l.procs, p)
	return p, nil
}

func quiet(t *testing.T) {
	logging.Set(testoutput.Setter(t))
	t.Cleanup(func() { logging.Set(testoutput.Revert()) })
}

func nextExit(t *testing.T, s *Supervisor) Exit {
	t.Helper()
	select {
	case e := <-s.Exits():
		return e
	case <-time.After(10 * time.Second):
		t.Fatal("no exit event")
	}
	return Exit{}
}

func TestStartAgent(t *testing.T) {
	quiet(t)
	l := &fakeLauncher{}
	env := envfile.FromMap(map[string]string{"NEZHA_COMMAND": "NZ_SERVER=s1"})
	s := New(context.Background(), "/work", env, l)

	proc, err := s.StartAgent(context.Background(), "/work/nezha-agent", "nezha.yml")
	require.NoError(t, err)
	assert.Equal(t, 100, proc.Pid())
	assert.Equal(t, 1, s.Running())

	require.Len(t, l.launched, 1)
	cmd := l.launched[0]
	assert.Equal(t, Agent, cmd.Name)
	assert.Equal(t, "/work", cmd.Dir)
	assert.Equal(t, "/work/nezha-agent", cmd.Path)
	assert.Equal(t, []string{"-c", "nezha.yml"}, cmd.Args)
	assert.Contains(t, cmd.Env, "NEZHA_COMMAND=NZ_SERVER=s1")

	l.procs[0].exit <- ExitStatus{Code: 1}
	exit := nextExit(t, s)
	assert.Equal(t, Agent, exit.Name)
	assert.Equal(t, 100, exit.Pid)
	assert.Equal(t, 1, exit.Status.Code)
	assert.False(t, exit.Status.Success())
	assert.Equal(t, 0, s.Running())
}

func TestStartWorkload(t *testing.T) {
	quiet(t)
	l := &fakeLauncher{}
	s := New(context.Background(), "/work", envfile.FromMap(nil), l)

	_, err := s.StartWorkload(context.Background(), "bash", "argosbx.sh")
	require.NoError(t, err)
	require.Len(t, l.launched, 1)
	assert.Equal(t, Workload, l.launched[0].Name)
	assert.Equal(t, "bash", l.launched[0].Path)
	assert.Equal(t, []string{"argosbx.sh"}, l.launched[0].Args)

	l.procs[0].exit <- ExitStatus{}
	exit := nextExit(t, s)
	assert.Equal(t, Workload, exit.Name)
	assert.True(t, exit.Status.Success())
}

func TestStartLaunchFailure(t *testing.T) {
	quiet(t)
	s := New(context.Background(), "/work", nil, &fakeLauncher{err: errors.New("no such file")})

	_, err := s.StartAgent(context.Background(), "/work/nezha-agent", "nezha.yml")
	require.Error(t, err)
	assert.Equal(t, errs.LaunchFailure, errs.Classify(err))
	assert.Equal(t, 0, s.Running())
}

func TestStopEscalates(t *testing.T) {
	quiet(t)
	l := &fakeLauncher{ignore: unix.SIGTERM}
	s := New(context.Background(), "/work", nil, l)
	_, err := s.StartWorkload(context.Background(), "bash", "argosbx.sh")
	require.NoError(t, err)

	require.NoError(t, s.Stop(context.Background(), 10*time.Millisecond))
	assert.Equal(t, []os.Signal{unix.SIGTERM, unix.SIGKILL}, l.procs[0].signals)
	assert.Equal(t, unix.SIGKILL, nextExit(t, s).Status.Signal)
}

func TestExecLauncher(t *testing.T) {
	quiet(t)
	dir := t.TempDir()
	script := "[ \"$NZ_MARKER\" = yes ] || exit 9\nexit 3\n"
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "work.sh"), []byte(script), 0755))

	s := New(context.Background(), dir, envfile.FromMap(map[string]string{"NZ_MARKER": "yes"}), NewExecLauncher())
	proc, err := s.StartWorkload(context.Background(), "sh", "work.sh")
	require.NoError(t, err)
	assert.NotZero(t, proc.Pid())

	exit := nextExit(t, s)
	assert.Equal(t, 3, exit.Status.Code)
	assert.Nil(t, exit.Status.Signal)
	assert.NoError(t, exit.Status.Err)
}

func TestExecLauncherInheritsStdin(t *testing.T) {
	quiet(t)
	dir := t.TempDir()
	input := filepath.Join(dir, "input")
	require.NoError(t, ioutil.WriteFile(input, []byte("hello\n"), 0644))
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "fd.sh"), []byte("readlink /proc/self/fd/0\n"), 0755))

	in, err := os.Open(input)
	require.NoError(t, err)
	defer in.Close()
	out, err := os.Create(filepath.Join(dir, "output"))
	require.NoError(t, err)
	defer out.Close()

	saved := os.Stdin
	os.Stdin = in
	launcher := NewExecLauncher()
	os.Stdin = saved
	launcher.Stdout = out

	s := New(context.Background(), dir, nil, launcher)
	_, err = s.StartWorkload(context.Background(), "sh", "fd.sh")
	require.NoError(t, err)
	require.True(t, nextExit(t, s).Status.Success())

	want, err := filepath.EvalSymlinks(input)
	require.NoError(t, err)
	got, err := ioutil.ReadFile(out.Name())
	require.NoError(t, err)
	assert.Equal(t, want, strings.TrimSpace(string(got)))
}

func TestExecLauncherMissingBinary(t *testing.T) {
	quiet(t)
	s := New(context.Background(), t.TempDir(), nil, NewExecLauncher())
	_, err := s.StartAgent(context.Background(), "./nezha-agent-missing", "nezha.yml")
	assert.Equal(t, errs.LaunchFailure, errs.Classify(err))
}

func TestExecLauncherStop(t *testing.T) {
	quiet(t)
	dir := t.TempDir()
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "sleep.sh"), []byte("exec sleep 30\n"), 0755))

	s := New(context.Background(), dir, nil, NewExecLauncher())
	_, err := s.StartWorkload(context.Background(), "sh", "sleep.sh")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx, 5*time.Second))
	assert.Equal(t, unix.SIGTERM, nextExit(t, s).Status.Signal)
	assert.Equal(t, 0, s.Running())
}
