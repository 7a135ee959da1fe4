package logging

import (
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// Setter adjusts the shared root logger.
type Setter func(*logrus.Logger) error

var root = struct {
	logger *logrus.Logger
	mutex  *sync.Mutex
}{
	logger: func() *logrus.Logger {
		l := logrus.New()

		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})

		return l
	}(),
	mutex: &sync.Mutex{},
}

type Logger interface {
	logrus.FieldLogger

	Writer() *io.PipeWriter
	WriterLevel(logrus.Level) *io.PipeWriter
}

// New returns a logger tagged with the component it is handed to.
func New(component string, setters ...Setter) Logger {
	log := root.logger.WithField("component", component)
	for _, setter := range setters {
		if err := Set(setter); err != nil {
			log.WithError(err).Warn("unable to apply logger setting")
		}
	}
	return log
}

func Set(setter Setter) error {
	root.mutex.Lock()
	err := setter(root.logger)
	root.mutex.Unlock()
	return err
}

func Level(lvl string) Setter {
	l, err := logrus.ParseLevel(lvl)
	if err != nil {
		root.logger.WithError(err).Errorf("unable to parse provided level %q", lvl)
		l = logrus.InfoLevel
	}
	return func(r *logrus.Logger) error {
		r.SetLevel(l)
		return nil
	}
}

// Output sends formatted entries to w.
func Output(w io.Writer) Setter {
	return func(r *logrus.Logger) error {
		r.SetOutput(w)
		return nil
	}
}

// Hook attaches h to the root logger.
func Hook(h logrus.Hook) Setter {
	return func(r *logrus.Logger) error {
		r.AddHook(h)
		return nil
	}
}
