package main

import "errors"

// Exit codes.
const (
	exitOK      = 0
	exitConfig  = 1 // configuration missing, malformed or invalid
	exitHandoff = 2 // state token cannot be decoded or the hand-off channel is broken
	exitRuntime = 3 // start failure or fatal loop failure
	exitCtl     = 4 // control request failed
)

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func withCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	// Usage errors reported by cobra.
	return exitConfig
}
