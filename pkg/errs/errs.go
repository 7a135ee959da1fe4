// Package errs classifies the failures the bootstrap pipeline recovers from.
// Every stage reports one of these kinds so the caller can decide to degrade
// instead of aborting.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is the category of a pipeline failure.
type Kind int

const (
	// Unknown is never produced by this package; it is what Classify
	// reports for foreign errors.
	Unknown Kind = iota
	// SourceAbsent means a configuration or persisted file does not exist.
	SourceAbsent
	// SourceUnreadable means a configuration file exists but could not be
	// read or decoded.
	SourceUnreadable
	// MalformedDirective means required fields are missing from the
	// instruction string.
	MalformedDirective
	// FetchFailure means the agent archive could not be downloaded.
	FetchFailure
	// ExtractFailure means the agent archive could not be unpacked.
	ExtractFailure
	// PersistedDocumentUnreadable means the persisted agent configuration
	// exists but could not be read.
	PersistedDocumentUnreadable
	// LaunchFailure means a subprocess could not be started.
	LaunchFailure
)

func (k Kind) String() string {
	switch k {
	case SourceAbsent:
		return "source absent"
	case SourceUnreadable:
		return "source unreadable"
	case MalformedDirective:
		return "malformed directive"
	case FetchFailure:
		return "fetch failure"
	case ExtractFailure:
		return "extract failure"
	case PersistedDocumentUnreadable:
		return "persisted document unreadable"
	case LaunchFailure:
		return "launch failure"
	}
	return "unknown"
}

// Error is a classified failure.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "load environment".
	Op string
	// Path is the file or locator involved, if any.
	Path string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Path != "" {
		msg = fmt.Sprintf("%s %s", msg, e.Path)
	}
	msg = fmt.Sprintf("%s: %s", msg, e.Kind)
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Cause lets errors.Cause walk past the classification.
func (e *Error) Cause() error { return e.Err }

// New builds a classified error. err may be nil.
func New(kind Kind, op, path string, err error) error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// Classify reports the kind of the outermost classified error in err's chain.
func Classify(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && Classify(err) == kind
}
