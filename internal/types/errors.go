package types

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
	ErrRateLimited  = errors.New("rate limited")
	ErrInvalidInput = errors.New("invalid input")
	// ErrStaleUpdate is logged but never reported to the caller.
	ErrStaleUpdate = errors.New("stale update")
	ErrInternal    = errors.New("internal error")
)
