package main

import "errors"

// exitError carries spec.md §6's exit code contract (0 success, 1
// unrecoverable, 2 validation threshold not met) through cobra's plain
// error-returning RunE.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func withExitCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}

func exitCodeFor(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

const (
	exitOK               = 0
	exitUnrecoverable    = 1
	exitValidationNotMet = 2
)
