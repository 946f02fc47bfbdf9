// Package blocktype defines the external collaborator interfaces a
// salted-hash block store depends on: the block-type descriptor, the
// cryptographic random source, the background scheduler, and the
// shutdown coordinator. The store never implements these itself; it is
// handed implementations by its caller at construction time.
package blocktype

import (
	"io"
	"time"
)

// Block is the opaque value type a store instance holds. Callers supply
// their own concrete block type and a matching Descriptor.
type Block interface {
	// RoutingKey returns the block's public routing key.
	RoutingKey() []byte
	// FullKey returns the block's full verification key.
	FullKey() []byte
	// HeaderBytes returns the block's raw, unencrypted header.
	HeaderBytes() []byte
	// DataBytes returns the block's raw, unencrypted data.
	DataBytes() []byte
}

// Descriptor describes the fixed-size layout of one block type and
// knows how to rebuild a Block from its on-disk parts. It is supplied
// by the caller; the store treats it as opaque domain knowledge.
type Descriptor[T Block] interface {
	// HeaderLength is the fixed length, in bytes, of a block's header.
	HeaderLength() int
	// DataLength is the fixed length, in bytes, of a block's data.
	DataLength() int
	// FullKeyLength is the fixed length, in bytes, of a block's full key.
	FullKeyLength() int
	// CollisionPossible reports whether two distinct blocks can share a
	// routing key. When false, any slot match is treated as the same
	// block without needing to decrypt and compare.
	CollisionPossible() bool
	// Reconstruct rebuilds a Block from its routing key, full key,
	// decrypted header and decrypted data. It returns an error if the
	// parts do not verify (wrong key, corrupt slot, salt mismatch).
	Reconstruct(routingKey, fullKey, header, data []byte) (T, error)
}

// RandomSource is the cryptographic random source collaborator, used
// for per-slot IV generation and preallocation seeding.
type RandomSource interface {
	io.Reader
}

// Timer is a handle to a scheduled callback.
type Timer interface {
	// Stop cancels the timer. Returns false if it already fired.
	Stop() bool
}

// Scheduler runs delayed and periodic background work. The production
// implementation wraps github.com/benbjohnson/clock so that tests can
// inject a mock clock and fast-forward the cleaner's sweep interval
// instead of sleeping in real time.
type Scheduler interface {
	// Now returns the scheduler's current time.
	Now() time.Time
	// AfterFunc schedules fn to run once after d elapses.
	AfterFunc(d time.Duration, fn func()) Timer
}

// ShutdownHook lets the store register a job to run during orderly
// process termination, alongside jobs registered by other subsystems.
type ShutdownHook interface {
	AddShutdownJob(name string, fn func())
}
