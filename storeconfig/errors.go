package storeconfig

import "errors"

var (
	// ErrNotFound indicates the config file does not exist, which a
	// fresh store treats as "construct with defaults".
	ErrNotFound = errors.New("storeconfig: config file not found")

	// ErrCorrupt indicates the config file exists but is shorter than
	// RecordLength; no other consistency check is made. Callers should treat this
	// the same as a fresh store: delete it and start over.
	ErrCorrupt = errors.New("storeconfig: config file corrupt")

	// ErrInvalidCapacity indicates a non-positive or otherwise
	// unusable capacity value.
	ErrInvalidCapacity = errors.New("storeconfig: capacity must be positive")

	// ErrInvalidBloomK indicates a bloom hash-function count outside
	// [1, 32].
	ErrInvalidBloomK = errors.New("storeconfig: bloom k out of range")
)
