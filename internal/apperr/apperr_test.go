package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "not_found: account acme", NotFound("account %s", "acme").Error())

	wrapped := New(CodeInternal, "store failed", errors.New("timeout"))
	assert.Equal(t, "internal: store failed: timeout", wrapped.Error())
}

func TestCodeOfWrapped(t *testing.T) {
	err := fmt.Errorf("failed to fetch: %w", InvalidRange("start after end"))
	assert.Equal(t, CodeInvalidRange, CodeOf(err))
	assert.True(t, Is(err, CodeInvalidRange))
	assert.False(t, Is(err, CodeNotFound))
}

func TestCodeOfPointer(t *testing.T) {
	err := &Error{Code: CodeConflict, Message: "stale"}
	assert.Equal(t, CodeConflict, CodeOf(err))
}

func TestCodeOfUntyped(t *testing.T) {
	assert.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
	_, ok := As(nil)
	assert.False(t, ok)
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := New(CodeInternal, "write failed", cause)
	assert.ErrorIs(t, err, cause)
}
