package models

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest rejects a request before any job is created.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInvalidState rejects a transition the job state machine does not allow.
	ErrInvalidState = errors.New("invalid state")
	// ErrNotFound is returned by stores for unknown keys.
	ErrNotFound = errors.New("not found")
	// ErrStoreUnavailable marks an infrastructure fault in a store backend.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrAdapterFailure covers every platform-side publish failure.
	ErrAdapterFailure = errors.New("adapter failure")
	// ErrTimeout is an adapter failure caused by the per-call deadline.
	ErrTimeout = fmt.Errorf("%w: timeout", ErrAdapterFailure)
)
