package usecases

import "errors"

var (
	// ErrRateLimited is returned when a client asks for forced refreshes too often.
	ErrRateLimited = errors.New("rate limited")
	// ErrInvalidFilter wraps filter compile and evaluation failures.
	ErrInvalidFilter = errors.New("invalid filter")
	// ErrInvalidProjection wraps JSONPath failures.
	ErrInvalidProjection = errors.New("invalid jsonpath")
	// ErrInvalidAddress is returned when a probe target cannot be parsed.
	ErrInvalidAddress = errors.New("invalid address")
	// ErrNoTargets is returned when a targeted probe names no address.
	ErrNoTargets = errors.New("no targets given")
)
