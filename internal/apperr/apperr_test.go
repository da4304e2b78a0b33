package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindString(t *testing.T) {
	assert.Equal(t, "not_found", KindNotFound.String())
	assert.Equal(t, "invalid_input", KindInvalidInput.String())
	assert.Equal(t, "not_connected", KindNotConnected.String())
	assert.Equal(t, "already_exists", KindAlreadyExists.String())
	assert.Equal(t, "external_failure", KindExternalFailure.String())
	assert.Equal(t, "unknown", KindUnknown.String())
}

func TestErrorMessage(t *testing.T) {
	err := New(KindInvalidInput, "dispatch.Handle", "bad id %q", "x")
	assert.Equal(t, `dispatch.Handle: bad id "x"`, err.Error())

	wrapped := External("session.Sit", errors.New("timeout"))
	assert.Equal(t, "session.Sit: external_failure: timeout", wrapped.Error())
}

func TestIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(KindNotFound, "op", "account missing"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, errors.Is(err, ErrNotConnected))
}

func TestIsMatchesMessageWhenSet(t *testing.T) {
	sentinel := &Error{Kind: KindNotFound, Msg: "session not found"}
	other := &Error{Kind: KindNotFound, Msg: "request not found"}

	err := &Error{Kind: KindNotFound, Op: "session.Disconnect", Err: sentinel}
	assert.ErrorIs(t, err, sentinel)
	assert.False(t, errors.Is(err, other))
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(KindNotFound, "op", nil))
	assert.NoError(t, External("op", nil))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Equal(t, KindUnknown, KindOf(nil))
	assert.Equal(t, KindExternalFailure, KindOf(fmt.Errorf("x: %w", External("op", errors.New("y")))))
}
