// Package lifecycle tracks the bootstrap's progress and holds it in the
// Parked state once everything is launched.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/pkg/errors"

	"nzboot/pkg/logging"
)

// State is a stage of the bootstrap.
type State = string

const (
	StateInitializing State = "initializing"
	StateProvisioning State = "provisioning"
	StateSupervising  State = "supervising"
	StateParked       State = "parked"
)

var order = map[State]int{
	StateInitializing: 0,
	StateProvisioning: 1,
	StateSupervising:  2,
	StateParked:       3,
}

var errInvalidTransition = errors.New("invalid state transition")

// Notifier tells a service manager the bootstrap is up.
type Notifier interface {
	Ready() error
}

// SystemdNotifier reports readiness over NOTIFY_SOCKET. It does nothing when
// not run by systemd.
type SystemdNotifier struct{}

func (SystemdNotifier) Ready() error {
	_, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	return err
}

type Machine struct {
	log      logging.Logger
	notifier Notifier

	mu      sync.Mutex
	state   State
	history []State
}

func New(notifier Notifier) *Machine {
	return &Machine{
		log:      logging.New("lifecycle"),
		notifier: notifier,
		state:    StateInitializing,
		history:  []State{StateInitializing},
	}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// History lists every state entered, oldest first.
func (m *Machine) History() []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]State(nil), m.history...)
}

// Advance moves forward to next. States may be skipped, never revisited.
func (m *Machine) Advance(next State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	to, ok := order[next]
	if !ok {
		return errors.Wrapf(errInvalidTransition, "unknown state %q", next)
	}
	if to <= order[m.state] {
		return errors.Wrapf(errInvalidTransition, "%s -> %s", m.state, next)
	}
	m.log.WithField("from", m.state).WithField("to", next).Info("state changed")
	m.state = next
	m.history = append(m.history, next)
	return nil
}

// Park enters the Parked state and idles there, waking every interval. It
// only returns once ctx is done.
func (m *Machine) Park(ctx context.Context, interval time.Duration) error {
	if err := m.Advance(StateParked); err != nil {
		return err
	}
	if m.notifier != nil {
		if err := m.notifier.Ready(); err != nil {
			m.log.WithError(err).Warn("unable to notify service manager")
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.log.Info("leaving parked state")
			return nil
		case <-ticker.C:
			m.log.Debug("keep-alive")
		}
	}
}
