package errs

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStructuredError(t *testing.T) {
	err := New("START", CodeAlready, "already attached to a process")

	assert.Equal(t, "START", err.Op)
	assert.Equal(t, CodeAlready, err.Code)
	assert.Equal(t, "procd: already attached to a process (op=START)", err.Error())
}

func TestErrorWithErrno(t *testing.T) {
	err := WithErrno("KILL", CodeNotRunning, syscall.ESRCH)

	require.Equal(t, syscall.ESRCH, err.Errno)
	assert.Equal(t, CodeNotRunning, err.Code)
}

func TestWrapNilIsNil(t *testing.T) {
	assert.Nil(t, Wrap("ATTACH", nil))
}

func TestWrapPreservesStructuredError(t *testing.T) {
	inner := NotFound("ATTACH")
	wrapped := Wrap("ATTACH", inner)

	require.NotNil(t, wrapped)
	assert.Equal(t, CodeNotFound, wrapped.Code)
}

func TestWrapMapsErrno(t *testing.T) {
	wrapped := Wrap("START", syscall.ENOENT)

	require.NotNil(t, wrapped)
	assert.Equal(t, CodeNotFound, wrapped.Code)
	assert.Equal(t, syscall.ENOENT, wrapped.Errno)
}

func TestIsCode(t *testing.T) {
	err := Already("START")

	assert.True(t, IsCode(err, CodeAlready))
	assert.False(t, IsCode(err, CodeNotFound))
	assert.False(t, IsCode(syscall.EINVAL, CodeAlready))
}

func TestErrorIsComparesByCode(t *testing.T) {
	a := Already("START")
	b := Already("ATTACH")

	assert.ErrorIs(t, a, b)
}
