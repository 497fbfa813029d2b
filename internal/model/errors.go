package model

import (
	"errors"
	"fmt"
)

var (
	ErrTooBig  = errors.New("file too big")
	ErrNoMatch = errors.New("no match")

	// ErrRejected is the parent of all submission rejections, callers may
	// retry later.
	ErrRejected     = errors.New("rejected")
	ErrQuiesced     = fmt.Errorf("service is quiesced: %w", ErrRejected)
	ErrPoolShutdown = fmt.Errorf("pool is shut down: %w", ErrRejected)
	ErrQueueFull    = fmt.Errorf("queue is full: %w", ErrRejected)

	ErrNoAnalyzers     = errors.New("no analyzer modules registered")
	ErrRuleSetNotFound = errors.New("rule set not found")
	ErrPathTraversal   = errors.New("path traversal")
	ErrSetup           = errors.New("task setup failed")
)

// InitError is returned when a scan agent can't be initialized: missing
// configuration or unusable input.
type InitError struct {
	Err error
}

func (e *InitError) Error() string {
	return "initialization: " + e.Err.Error()
}

func (e *InitError) Unwrap() error {
	return e.Err
}
