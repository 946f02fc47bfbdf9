package bloomfilter

import "errors"

var (
	// ErrSizeMismatch is returned by Merge when the shadow filter was not
	// produced by Fork on the same receiver (different size, k, or mode).
	ErrSizeMismatch = errors.New("bloomfilter: fork/merge size or mode mismatch")
)
