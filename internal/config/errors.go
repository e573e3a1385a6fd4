package config

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies configuration failures.
type ErrorKind int

const (
	// NotFound means the file does not exist or cannot be read.
	NotFound ErrorKind = iota + 1
	// Malformed means the content cannot be parsed into the schema.
	Malformed
	// Invalid means parsed values failed semantic validation.
	Invalid
)

func (k ErrorKind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case Malformed:
		return "malformed"
	case Invalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Error is returned by Load. Problems is set for Invalid.
type Error struct {
	Kind     ErrorKind
	Path     string
	Err      error
	Problems []error
}

func (e *Error) Error() string {
	switch e.Kind {
	case Invalid:
		msgs := make([]string, 0, len(e.Problems))
		for _, p := range e.Problems {
			msgs = append(msgs, p.Error())
		}
		return fmt.Sprintf("config %s is invalid: %s", e.Path, strings.Join(msgs, "; "))
	case NotFound:
		return fmt.Sprintf("config %s not found: %v", e.Path, e.Err)
	default:
		return fmt.Sprintf("config %s is malformed: %v", e.Path, e.Err)
	}
}

func (e *Error) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return errors.Join(e.Problems...)
}

// IsKind reports whether err is a config Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var cerr *Error
	return errors.As(err, &cerr) && cerr.Kind == kind
}
