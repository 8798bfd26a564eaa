package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapMsgKeepsCode(t *testing.T) {
	err := ErrAuth.WrapMsg("missing token", "remote", "10.0.0.1")

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuth))
	assert.False(t, errors.Is(err, ErrStorage))
	assert.Equal(t, AuthErrorCode, Code(err))
	assert.Contains(t, err.Error(), "missing token, remote=10.0.0.1")
}

func TestWrapCauseReachable(t *testing.T) {
	cause := errors.New("connection refused")
	err := ErrStorage.Wrap(cause)

	assert.True(t, errors.Is(err, ErrStorage))
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "connection refused")

	outer := fmt.Errorf("append: %w", err)
	assert.True(t, errors.Is(outer, ErrStorage))
	assert.Equal(t, StorageErrorCode, Code(outer))
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, ErrStorage.Wrap(nil))
	assert.Nil(t, Wrap(nil))
	assert.Nil(t, WrapMsg(nil, "x"))
	assert.Nil(t, ErrPanic(nil))
}

func TestSentinelsUntouched(t *testing.T) {
	_ = ErrValidation.WrapMsg("bad payload")
	_ = ErrValidation.WithDetail("other")
	assert.Empty(t, ErrValidation.Detail)
}

func TestErrPanic(t *testing.T) {
	err := ErrPanic("boom")
	assert.True(t, errors.Is(err, ErrInternal))
	assert.Contains(t, err.Error(), "recovered=boom")
}

func TestCodeOfPlainError(t *testing.T) {
	assert.Equal(t, 0, Code(errors.New("plain")))
}
