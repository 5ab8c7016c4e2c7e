package device

import "errors"

var (
	// ErrInvalidDevice is returned for an empty device id or unknown category.
	ErrInvalidDevice = errors.New("device: invalid")

	// ErrInvalidRetention is returned by Prune for a non-positive age.
	ErrInvalidRetention = errors.New("device: retention must be positive")
)
