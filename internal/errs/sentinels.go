// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

var (
	// ErrTransientNetwork indicates a network failure worth retrying with backoff.
	ErrTransientNetwork = errors.New("transient network error")

	// ErrAuthExpired indicates the access token was rejected; one transparent
	// refresh is attempted before this surfaces.
	ErrAuthExpired = errors.New("auth expired")

	// ErrTimeout indicates a bounded wait elapsed; callers abandon the wait
	// and fall back to the next strategy.
	ErrTimeout = errors.New("timed out")

	// ErrConstraintViolation indicates a local-store integrity failure
	// (usually an initialization race). The write is skipped and retried on
	// the next pass, never treated as fatal.
	ErrConstraintViolation = errors.New("constraint violation")

	// ErrNotFound indicates the requested entity does not exist remotely.
	ErrNotFound = errors.New("not found")
)
