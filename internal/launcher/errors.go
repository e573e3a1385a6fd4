package launcher

import (
	"errors"
	"fmt"
)

// ErrNoHandoffChannel is returned when a process receives a state token
// without the readiness channel a launching parent always provides. Such a
// token was not handed over by a live parent and is refused as a replay.
var ErrNoHandoffChannel = errors.New("state token received without hand-off channel")

// ErrorKind classifies launch failures.
type ErrorKind int

const (
	// SpawnFailed: the successor could not be started, exited or answered
	// with an unexpected readiness message.
	SpawnFailed ErrorKind = iota + 1
	// Timeout: the successor did not report readiness in time.
	Timeout
)

func (k ErrorKind) String() string {
	switch k {
	case SpawnFailed:
		return "spawn failed"
	case Timeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error describes a failed successor launch.
type Error struct {
	Kind ErrorKind
	PID  int // 0 if the process was never started
	Err  error
}

func (e *Error) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("launch successor (pid %d): %s: %v", e.PID, e.Kind, e.Err)
	}
	return fmt.Sprintf("launch successor: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is a launch *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var le *Error
	return errors.As(err, &le) && le.Kind == kind
}
