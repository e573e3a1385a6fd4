package loop

import (
	"errors"
	"fmt"
)

var (
	// ErrRefused is returned when work is posted while the loop is draining or stopped.
	ErrRefused = errors.New("loop is not accepting work")
	// ErrDrainTimeout is returned by Drain when in-flight work did not finish in time.
	ErrDrainTimeout = errors.New("drain timeout elapsed with work in flight")
	// ErrStopped is returned by Exclusive once the loop has terminated.
	ErrStopped = errors.New("loop stopped")
)

// FailureKind classifies a failed unit of work.
type FailureKind int

const (
	// KindIsolated failures are logged and counted; other units keep running.
	KindIsolated FailureKind = iota + 1
	// KindFatal failures stop the loop and are returned from Start.
	KindFatal
)

func (k FailureKind) String() string {
	switch k {
	case KindIsolated:
		return "isolated"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Failure описывает сбой одной единицы работы.
type Failure struct {
	Kind  FailureKind
	Unit  string
	Err   error
	Panic bool
}

func (f *Failure) Error() string {
	if f.Panic {
		return fmt.Sprintf("%s failure in unit %q: panic: %v", f.Kind, f.Unit, f.Err)
	}
	return fmt.Sprintf("%s failure in unit %q: %v", f.Kind, f.Unit, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

type fatalError struct{ err error }

func (e fatalError) Error() string { return e.err.Error() }
func (e fatalError) Unwrap() error { return e.err }

// Fatal marks err as fatal: returning it from a unit stops the loop.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fatalError{err: err}
}

// IsFatal reports whether err was marked with Fatal.
func IsFatal(err error) bool {
	var fe fatalError
	return errors.As(err, &fe)
}
