package agentconf

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"nzboot/pkg/errs"
	"nzboot/pkg/logging"
)

const (
	lockTimeout = 10 * time.Second
	lockRetry   = 500 * time.Millisecond
)

// Outcome records which branch reconciliation took.
type Outcome int

const (
	// New means there was no usable persisted document.
	New Outcome = iota
	// Reused means the persisted identity was kept.
	Reused
	// Regenerated means connection settings changed and the persisted
	// identity was dropped.
	Regenerated
)

func (o Outcome) String() string {
	switch o {
	case Reused:
		return "reused"
	case Regenerated:
		return "regenerated"
	}
	return "new"
}

// Result is the resolved configuration as written to disk.
type Result struct {
	Config  Config
	Outcome Outcome
	// ReadErr is why the persisted document could not be used, if it
	// could not be read at all. It never fails reconciliation.
	ReadErr error
}

// Reconciler maintains the persisted document at Path.
type Reconciler struct {
	Path string

	log logging.Logger
}

func NewReconciler(path string) *Reconciler {
	return &Reconciler{Path: path, log: logging.New("agentconf")}
}

// Reconcile resolves desired against the persisted document and rewrites the
// document from the result. The persisted identity is kept only when the
// document was complete and server, secret and TLS truthiness all match;
// otherwise the identity is desired.Identity, possibly empty. The document is
// rewritten even when nothing changed.
func (r *Reconciler) Reconcile(ctx context.Context, desired Config) (*Result, error) {
	lock := flock.New(r.Path + ".lock")
	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()
	ok, err := lock.TryLockContext(lockCtx, lockRetry)
	if err != nil && !ok {
		return nil, errors.Wrap(err, "acquiring lock for agent configuration failed with error")
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			r.log.WithError(err).Warn("failed to release agent configuration lock")
		}
	}()

	res := &Result{
		Config:  Config{Server: desired.Server, Secret: desired.Secret, TLS: desired.TLS},
		Outcome: New,
	}
	log := r.log.WithField("path", r.Path)

	old, readErr := r.read()
	switch {
	case readErr != nil:
		res.ReadErr = readErr
		if errs.Is(readErr, errs.SourceAbsent) {
			log.Info("no persisted agent configuration, writing a new one")
		} else {
			log.WithError(readErr).Warn("persisted agent configuration unreadable, writing a new one")
		}
	case !old.Complete():
		log.WithFields(logrus.Fields{
			"server":   old.Server != "",
			"secret":   old.Secret != "",
			"tls":      old.TLS != "",
			"identity": old.Identity != "",
		}).Info("persisted agent configuration incomplete, writing a new one")
	case Equivalent(old.Config(), desired):
		res.Config.Identity = old.Identity
		res.Outcome = Reused
		log.WithField("uuid", old.Identity).Info("connection settings unchanged, keeping identity")
	default:
		res.Outcome = Regenerated
		log.Warn("connection settings changed (server, secret or tls), resetting identity")
	}
	if res.Config.Identity == "" {
		res.Config.Identity = desired.Identity
	}

	if err := writeDocument(r.Path, Render(res.Config)); err != nil {
		return nil, err
	}
	return res, nil
}

// Read returns the persisted document without modifying it.
func (r *Reconciler) Read() (Document, error) {
	return r.read()
}

func (r *Reconciler) read() (Document, error) {
	f, err := os.Open(r.Path)
	if os.IsNotExist(err) {
		return Document{}, errs.New(errs.SourceAbsent, "read agent configuration", r.Path, err)
	}
	if err != nil {
		return Document{}, errs.New(errs.PersistedDocumentUnreadable, "read agent configuration", r.Path, err)
	}
	defer f.Close()

	doc, err := ParseDocument(f)
	if err != nil {
		return Document{}, errs.New(errs.PersistedDocumentUnreadable, "read agent configuration", r.Path, err)
	}
	return doc, nil
}

// writeDocument replaces path with data through a temporary file so readers
// never observe a partial document.
func writeDocument(path string, data []byte) error {
	tempFile, err := os.CreateTemp(filepath.Dir(path), ".agentconf-*.yml")
	if err != nil {
		return errors.Wrap(err, "failed to create temporary agent configuration")
	}
	defer os.Remove(tempFile.Name())
	defer tempFile.Close()

	if _, err = tempFile.Write(data); err != nil {
		return errors.Wrap(err, "failed to write temporary agent configuration")
	}
	if err = tempFile.Sync(); err != nil {
		return errors.Wrap(err, "failed to sync temporary agent configuration")
	}
	if err = os.Rename(tempFile.Name(), path); err != nil {
		return errors.Wrap(err, "failed to persist agent configuration")
	}
	return nil
}
