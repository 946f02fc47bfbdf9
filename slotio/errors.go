package slotio

import "errors"

var (
	// ErrNotReady indicates the requested offset is beyond the
	// preallocated watermark. The store's Fetch and Put paths treat it
	// as "not found" and move on to the next candidate slot.
	ErrNotReady = errors.New("slotio: offset beyond preallocated watermark")

	// ErrShortRead/ErrShortWrite indicate a partial positional I/O,
	// which for fixed-size records always indicates file corruption or
	// an unexpected EOF.
	ErrShortRead  = errors.New("slotio: short read")
	ErrShortWrite = errors.New("slotio: short write")
)
