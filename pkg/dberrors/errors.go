package dberrors

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("lsmkv: not found")
	ErrClosed          = errors.New("lsmkv: store closed")
	ErrInvalidArgument = errors.New("lsmkv: invalid argument")
	ErrLocked          = errors.New("lsmkv: directory locked by another process")
	ErrIO              = errors.New("lsmkv: i/o error")
	ErrCorruption      = errors.New("lsmkv: corruption")
	ErrRecovery        = errors.New("lsmkv: recovery failed")
)

// IOError is a filesystem failure surfaced to the caller of the operation in
// progress. The engine never retries it.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func NewIOError(op, path string, err error) *IOError {
	return &IOError{Op: op, Path: path, Err: err}
}

func (e *IOError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("lsmkv: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("lsmkv: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func (e *IOError) Is(target error) bool { return target == ErrIO }

// CorruptionError reports a record or block that failed its integrity check.
type CorruptionError struct {
	Path   string
	Offset int64
	Reason string
}

func NewCorruptionError(path string, offset int64, reason string) *CorruptionError {
	return &CorruptionError{Path: path, Offset: offset, Reason: reason}
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("lsmkv: corruption in %s at offset %d: %s", e.Path, e.Offset, e.Reason)
}

func (e *CorruptionError) Is(target error) bool { return target == ErrCorruption }

// RecoveryError means open could not rebuild a consistent store. Open never
// returns a partially recovered store.
type RecoveryError struct {
	Err error
}

func NewRecoveryError(err error) *RecoveryError {
	return &RecoveryError{Err: err}
}

func (e *RecoveryError) Error() string {
	return fmt.Sprintf("lsmkv: recovery failed: %v", e.Err)
}

func (e *RecoveryError) Unwrap() error { return e.Err }

func (e *RecoveryError) Is(target error) bool { return target == ErrRecovery }

// WrapIO wraps err as an IOError unless it already carries one of the
// taxonomy errors.
func WrapIO(op, path string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrIO) || errors.Is(err, ErrCorruption) || errors.Is(err, ErrClosed) {
		return err
	}
	return NewIOError(op, path, err)
}
