package dberrors

import (
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorTaxonomy(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
	}{
		{name: "io", err: NewIOError("write", "/tmp/x", os.ErrPermission), target: ErrIO},
		{name: "io_unwraps", err: NewIOError("write", "/tmp/x", os.ErrPermission), target: os.ErrPermission},
		{name: "corruption", err: NewCorruptionError("000001.sst", 42, "bad crc"), target: ErrCorruption},
		{name: "recovery", err: NewRecoveryError(NewCorruptionError("000002.wal", 0, "bad crc")), target: ErrRecovery},
		{name: "recovery_keeps_cause", err: NewRecoveryError(NewCorruptionError("000002.wal", 0, "bad crc")), target: ErrCorruption},
		{name: "wrapped", err: fmt.Errorf("flush: %w", NewIOError("sync", "", os.ErrClosed)), target: ErrIO},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, tc.err, tc.target)
		})
	}
}

func TestWrapIO(t *testing.T) {
	require.NoError(t, WrapIO("read", "p", nil))

	err := WrapIO("read", "p", os.ErrNotExist)
	var ioErr *IOError
	require.True(t, errors.As(err, &ioErr))
	assert.Equal(t, "read", ioErr.Op)
	assert.Equal(t, "p", ioErr.Path)

	corrupt := NewCorruptionError("p", 1, "short block")
	assert.Same(t, corrupt, WrapIO("read", "p", corrupt))
	assert.ErrorIs(t, WrapIO("get", "", ErrClosed), ErrClosed)
	assert.NotErrorIs(t, WrapIO("get", "", ErrClosed), ErrIO)
}
