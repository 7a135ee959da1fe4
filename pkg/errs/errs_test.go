package errs

import (
	"os"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestClassifyThroughWrapping(t *testing.T) {
	base := New(FetchFailure, "fetch agent archive", "https://example.invalid/a.zip", errors.New("connection refused"))
	wrapped := errors.WithMessage(errors.Wrap(base, "provision"), "agent stage")

	assert.True(t, Is(wrapped, FetchFailure))
	assert.False(t, Is(wrapped, ExtractFailure))
	assert.Equal(t, FetchFailure, Classify(wrapped))
	assert.Equal(t, Unknown, Classify(errors.New("plain")))
	assert.False(t, Is(nil, FetchFailure))
}

func TestErrorMessage(t *testing.T) {
	err := New(SourceAbsent, "load environment", "env.sh", os.ErrNotExist)
	assert.Equal(t, "load environment env.sh: source absent: file does not exist", err.Error())
	assert.True(t, errors.Is(err, os.ErrNotExist))

	err = New(MalformedDirective, "parse directive", "", nil)
	assert.Equal(t, "parse directive: malformed directive", err.Error())
}
