// Package blockstore implements the salted-hash block store engine:
// a fixed-capacity, index-less, content-addressed store of encrypted
// fixed-size blocks, plus its background maintenance cleaner. The
// engine coordinates the layout, cipher, slotio, lockmgr, and
// bloomfilter packages behind a small public API (Fetch, Put,
// ProbablyInStore, SetMaxKeys, Close) shaped after the original
// store's lifecycle.
package blockstore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/otiai10/copy"

	"github.com/anonstore/saltedhash/blocktype"
	"github.com/anonstore/saltedhash/bloomfilter"
	"github.com/anonstore/saltedhash/cipher"
	"github.com/anonstore/saltedhash/layout"
	"github.com/anonstore/saltedhash/lockmgr"
	"github.com/anonstore/saltedhash/slotio"
	"github.com/anonstore/saltedhash/storeconfig"
)

// configLockAttempts and configLockTotal implement the config-lock
// acquisition protocol: up to configLockAttempts tries, spread evenly
// over configLockTotal, before giving up.
const (
	configLockAttempts = 10
	configLockTotal    = 20 * time.Second
)

// rebuildBloomEvery is the write interval, measured in multiples of
// capacity, after which the store flags a bloom rebuild to bound
// false-positive drift.
const rebuildBloomEvery = 2

// Store is a generic salted-hash block store over block type T.
type Store[T blocktype.Block] struct {
	dir  string
	name string

	desc         blocktype.Descriptor[T]
	rng          blocktype.RandomSource
	scheduler    blocktype.Scheduler
	shutdownHook blocktype.ShutdownHook

	opts storeconfig.Options

	cfgPath string
	cfgMu   sync.RWMutex
	cfg     *storeconfig.Record

	cipherMgr *cipher.Manager
	files     *slotio.Files
	locks     *lockmgr.Manager

	bloomPath string
	bloomMu   sync.RWMutex
	bloom     *bloomfilter.Filter
	checkBloom bool

	altMu    sync.Mutex
	altStore *Store[T]

	shutdown atomic.Bool

	hits, misses, writes, bloomFalsePos, keyCount atomic.Uint64
	startHits, startMisses, startWrites, startBloomFP uint64

	writesSinceRebuildFlag atomic.Uint64
	rebuildRequested       atomic.Bool

	wake        chan struct{}
	cleanerStop chan struct{}
	cleanerDone chan struct{}

	// yieldInterval is slept between cleaner batches so a long resize
	// or rebuild does not starve foreground Fetch/Put calls of lock
	// acquisitions. Tests set it to zero to run sweeps at full speed.
	yieldInterval time.Duration

	lastReport atomic.Pointer[CleanerReport]
}

// LastCleanerReport returns the outcome of the most recently completed
// cleaner sweep, or nil if none has run yet. The library never logs on
// its own behalf; callers that want visibility into maintenance poll
// this instead.
func (s *Store[T]) LastCleanerReport() *CleanerReport {
	return s.lastReport.Load()
}

func fileNames(dir, name string) (cfgPath, metaName, bloomPath string) {
	cfgPath = filepath.Join(dir, name+".config")
	metaName = name
	bloomPath = filepath.Join(dir, name+".bloom")
	return
}

// Construct opens an existing store directory or initializes a fresh
// one: loads or creates the config record, opens and pads the
// metadata and header+data files, loads or creates the bloom filter,
// sets the dirty bit, and registers a shutdown job with shutdownHook.
func Construct[T blocktype.Block](
	dir, name string,
	desc blocktype.Descriptor[T],
	rng blocktype.RandomSource,
	shutdownHook blocktype.ShutdownHook,
	opts storeconfig.Options,
) (*Store[T], error) {
	if err := storeconfig.Validate(opts); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("blockstore: create base dir: %w", err)
	}

	cfgPath, metaName, bloomPath := fileNames(dir, name)

	var wasDirty bool

	cfg, err := storeconfig.Load(cfgPath)
	switch {
	case err == nil:
		wasDirty = cfg.Dirty()
		cfg.Flags |= storeconfig.FlagDirty
	case err == storeconfig.ErrNotFound, err == storeconfig.ErrCorrupt:
		// Fresh store, or a corrupted config record. The original
		// treats corruption as "start over": the metadata file is
		// removed too (the .hd file is left as-is — decrypting it
		// under the new salt will simply fail and it reads as noise).
		_ = os.Remove(filepath.Join(dir, metaName+".metadata"))
		var salt [cipher.SaltLength]byte
		if _, err := io.ReadFull(rng, salt[:]); err != nil {
			return nil, fmt.Errorf("blockstore: generate salt: %w", err)
		}
		mgr, err := cipher.NewManager(salt, opts.MasterKey)
		if err != nil {
			return nil, err
		}
		cfg = &storeconfig.Record{
			Salt:     mgr.DiskSalt(),
			Capacity: opts.Capacity,
			BloomK:   opts.BloomK,
			Flags:    storeconfig.FlagDirty,
		}
	default:
		return nil, err
	}

	plainSalt, err := cipher.UnwrapSalt(cfg.Salt, opts.MasterKey)
	if err != nil {
		return nil, err
	}
	cipherMgr, err := cipher.NewManager(plainSalt, opts.MasterKey)
	if err != nil {
		return nil, err
	}

	files, err := slotio.Open(dir, metaName, desc.HeaderLength(), desc.DataLength())
	if err != nil {
		return nil, fmt.Errorf("blockstore: open slot files: %w", err)
	}

	capacity := cfg.Capacity
	if cfg.PreviousCapacity > capacity {
		capacity = cfg.PreviousCapacity
	}
	if err := files.EnsureCapacity(capacity, opts.Preallocate, rng); err != nil {
		return nil, fmt.Errorf("blockstore: preallocate: %w", err)
	}

	bloomSize := opts.BloomSize
	if bloomSize == 0 {
		bloomSize = cfg.Capacity * 8
	}
	bloom, err := bloomfilter.Open(bloomPath, bloomSize, int(cfg.BloomK), opts.CountingBloom)
	if err != nil {
		return nil, fmt.Errorf("blockstore: open bloom filter: %w", err)
	}

	s := &Store[T]{
		dir:          dir,
		name:         metaName,
		desc:         desc,
		rng:          rng,
		shutdownHook: shutdownHook,
		opts:         opts,
		cfgPath:      cfgPath,
		cfg:          cfg,
		cipherMgr:    cipherMgr,
		files:        files,
		locks:        lockmgr.New(),
		bloomPath:    bloomPath,
		bloom:        bloom,
		checkBloom:   true,
		wake:          make(chan struct{}, 1),
		cleanerStop:   make(chan struct{}),
		cleanerDone:   make(chan struct{}),
		yieldInterval: 50 * time.Millisecond,
	}
	s.keyCount.Store(cfg.KeyCount)
	s.hits.Store(cfg.Hits)
	s.misses.Store(cfg.Misses)
	s.writes.Store(cfg.Writes)
	s.bloomFalsePos.Store(cfg.BloomFalsePositives)

	if wasDirty {
		cfg.Flags |= storeconfig.FlagRebuildBloom
	}
	if err := s.persistConfigLocked(); err != nil {
		return nil, err
	}

	if shutdownHook != nil {
		shutdownHook.AddShutdownJob("blockstore:"+name, func() { _ = s.Close() })
	}

	return s, nil
}

// Start pads files up to at least the larger of capacity/previousCapacity
// when longStart is requested, computes the ready watermark, and
// launches the cleaner goroutine on scheduler. If opts.ResizeOnStart was
// set at Construct time, a pending resize or bloom rebuild runs
// synchronously here instead of waiting for the cleaner's first sweep.
// It reports whether a resize or bloom rebuild is still pending after
// startup.
func (s *Store[T]) Start(scheduler blocktype.Scheduler, longStart bool) (pending bool, err error) {
	s.scheduler = scheduler

	capacity := s.cfg.Capacity
	if longStart {
		target := capacity
		if s.cfg.PreviousCapacity != 0 && s.cfg.PreviousCapacity > target {
			target = s.cfg.PreviousCapacity
		}
		if err := s.files.EnsureCapacity(target, s.opts.Preallocate, s.rng); err != nil {
			return false, fmt.Errorf("blockstore: start padding: %w", err)
		}
	}

	s.startHits = s.hits.Load()
	s.startMisses = s.misses.Load()
	s.startWrites = s.writes.Load()
	s.startBloomFP = s.bloomFalsePos.Load()

	s.cfgMu.RLock()
	pending = s.cfg.Resizing() || s.cfg.RebuildBloom()
	s.cfgMu.RUnlock()

	if pending && s.opts.ResizeOnStart {
		if maintenanceLatch.TryLock() {
			if s.cfg.Resizing() {
				s.runResize()
			} else {
				s.runBloomRebuild()
			}
			maintenanceLatch.Unlock()
			s.cfgMu.RLock()
			pending = s.cfg.Resizing() || s.cfg.RebuildBloom()
			s.cfgMu.RUnlock()
		}
	}

	go s.runCleaner()
	return pending, nil
}

// SetAltStore attaches secondary as this store's overflow target.
// Overflow is one-directional: secondary must not itself have a
// secondary, or the cycle could make put recursion unbounded.
func (s *Store[T]) SetAltStore(secondary *Store[T]) error {
	s.altMu.Lock()
	defer s.altMu.Unlock()

	if secondary != nil {
		secondary.altMu.Lock()
		hasSecondary := secondary.altStore != nil
		secondary.altMu.Unlock()
		if hasSecondary {
			return ErrSecondaryCycle
		}
	}
	s.altStore = secondary
	return nil
}

// Close marks the store shut down, wakes every pending lock waiter,
// stops the cleaner, forces files to disk, clears the dirty bit, and
// persists the final config.
func (s *Store[T]) Close() error {
	if !s.shutdown.CompareAndSwap(false, true) {
		return nil
	}
	s.locks.Shutdown()
	close(s.cleanerStop)
	<-s.cleanerDone

	if err := s.files.Sync(); err != nil {
		return fmt.Errorf("blockstore: sync on close: %w", err)
	}
	s.bloomMu.RLock()
	berr := s.bloom.Save(s.bloomPath)
	s.bloomMu.RUnlock()
	if berr != nil {
		return fmt.Errorf("blockstore: save bloom on close: %w", berr)
	}

	s.cfgMu.Lock()
	s.cfg.Flags &^= storeconfig.FlagDirty
	err := s.persistConfigLocked()
	s.cfgMu.Unlock()
	if err != nil {
		return fmt.Errorf("blockstore: persist config on close: %w", err)
	}
	return s.files.Close()
}

// Destruct closes the store and removes its four backing files.
func (s *Store[T]) Destruct() error {
	if err := s.Close(); err != nil {
		return err
	}
	for _, p := range []string{
		s.cfgPath,
		filepath.Join(s.dir, s.name+".metadata"),
		filepath.Join(s.dir, s.name+".hd"),
		s.bloomPath,
	} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("blockstore: destruct: %w", err)
		}
	}
	return nil
}

// Snapshot copies the store's four on-disk files into destDir. The
// store must be quiescent (no concurrent writes) for the snapshot to
// be self-consistent; this is a best-effort point-in-time copy, not a
// transactional one.
func (s *Store[T]) Snapshot(destDir string) error {
	if err := os.MkdirAll(destDir, 0o700); err != nil {
		return fmt.Errorf("blockstore: snapshot mkdir: %w", err)
	}
	for _, suffix := range []string{".config", ".metadata", ".hd", ".bloom"} {
		src := filepath.Join(s.dir, s.name+suffix)
		if _, err := os.Stat(src); os.IsNotExist(err) {
			continue
		}
		dst := filepath.Join(destDir, s.name+suffix)
		if err := copy.Copy(src, dst); err != nil {
			return fmt.Errorf("blockstore: snapshot copy %s: %w", suffix, err)
		}
	}
	return nil
}

// persistConfigLocked writes the in-memory counters into s.cfg and
// saves it. Callers must hold cfgMu (read or write, same as the
// original's approach of piggy-backing persistence on whichever lock
// the caller already has).
func (s *Store[T]) persistConfigLocked() error {
	s.cfg.KeyCount = s.keyCount.Load()
	s.cfg.Hits = s.hits.Load()
	s.cfg.Misses = s.misses.Load()
	s.cfg.Writes = s.writes.Load()
	s.cfg.BloomFalsePositives = s.bloomFalsePos.Load()
	if s.rebuildRequested.Load() {
		s.cfg.Flags |= storeconfig.FlagRebuildBloom
	}
	return storeconfig.Save(s.cfgPath, s.cfg)
}

// signalCleaner wakes the cleaner goroutine ahead of its next
// scheduled sweep, without blocking if it is already awake.
func (s *Store[T]) signalCleaner() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Hits, Misses, Writes, KeyCount, BloomFalsePositives return the
// cumulative statistics counters.
func (s *Store[T]) Hits() uint64                { return s.hits.Load() }
func (s *Store[T]) Misses() uint64              { return s.misses.Load() }
func (s *Store[T]) Writes() uint64              { return s.writes.Load() }
func (s *Store[T]) KeyCount() uint64            { return s.keyCount.Load() }
func (s *Store[T]) BloomFalsePositives() uint64 { return s.bloomFalsePos.Load() }

// HitsSinceStart, MissesSinceStart, WritesSinceStart, and
// BloomFalsePositivesSinceStart return deltas against the counters'
// values when Start was called.
func (s *Store[T]) HitsSinceStart() uint64     { return s.hits.Load() - s.startHits }
func (s *Store[T]) MissesSinceStart() uint64   { return s.misses.Load() - s.startMisses }
func (s *Store[T]) WritesSinceStart() uint64   { return s.writes.Load() - s.startWrites }
func (s *Store[T]) BloomFalsePositivesSinceStart() uint64 {
	return s.bloomFalsePos.Load() - s.startBloomFP
}

// lockConfigRead acquires the config read lock, retrying up to
// configLockAttempts times over configLockTotal before giving up.
func (s *Store[T]) lockConfigRead() bool {
	return s.tryAcquire(s.cfgMu.TryRLock)
}

func (s *Store[T]) unlockConfigRead() { s.cfgMu.RUnlock() }

func (s *Store[T]) lockConfigWrite() bool {
	return s.tryAcquire(s.cfgMu.TryLock)
}

func (s *Store[T]) unlockConfigWrite() { s.cfgMu.Unlock() }

func (s *Store[T]) tryAcquire(try func() bool) bool {
	interval := configLockTotal / configLockAttempts
	for i := 0; i < configLockAttempts; i++ {
		if s.shutdown.Load() {
			return false
		}
		if try() {
			return true
		}
		time.Sleep(interval)
	}
	return false
}

// candidateOffsets computes the probe sequence for the digested key at
// the given capacity.
func (s *Store[T]) candidateOffsets(digested [32]byte, capacity uint64) []uint64 {
	return layout.Offsets(digested, capacity)
}
