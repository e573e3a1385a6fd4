package state

import (
	"errors"
	"fmt"
)

// ErrCorrupt is matched by every DecodeError.
var ErrCorrupt = errors.New("corrupt state token")

// ErrTooLarge is matched by an EncodeError caused by the size limit.
var ErrTooLarge = errors.New("state token exceeds size limit")

// EncodeError сообщает о невозможности сериализовать состояние.
type EncodeError struct {
	Err error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode state: %v", e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// DecodeError сообщает о повреждённом или несовместимом токене.
// Reason указывает, какая проверка не прошла.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode state: corrupt token: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("decode state: corrupt token: %s", e.Reason)
}

// Unwrap exposes both ErrCorrupt and the underlying cause.
func (e *DecodeError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrCorrupt, e.Err}
	}
	return []error{ErrCorrupt}
}

func corrupt(reason string, err error) *DecodeError {
	return &DecodeError{Reason: reason, Err: err}
}
