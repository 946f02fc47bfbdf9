package blockstore

import "errors"

var (
	// ErrShutdown indicates the store is closed or closing; public
	// operations return it instead of blocking indefinitely.
	ErrShutdown = errors.New("blockstore: store is shut down")

	// ErrConfigLockTimeout indicates the configuration read lock could
	// not be acquired within the retry budget.
	ErrConfigLockTimeout = errors.New("blockstore: config lock timeout")

	// ErrResizeInProgress indicates setMaxKeys was called while a
	// previous resize has not yet completed.
	ErrResizeInProgress = errors.New("blockstore: resize already in progress")

	// ErrSecondaryCycle indicates an attempt to attach a secondary
	// store that itself already has a secondary, which would make
	// overflow recursion unbounded.
	ErrSecondaryCycle = errors.New("blockstore: secondary store already has its own secondary")
)
