package proxy

import "errors"

// Sentinel errors for the gate domain.
var (
	ErrNotFound    = errors.New("not found")
	ErrRateLimited = errors.New("rate limited")
)
