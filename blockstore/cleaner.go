package blockstore

import (
	"sync"
	"time"

	"github.com/anonstore/saltedhash/bloomfilter"
	"github.com/anonstore/saltedhash/layout"
	"github.com/anonstore/saltedhash/slotio"
	"github.com/anonstore/saltedhash/storeconfig"
)

// cleanerBatchSize is the number of slots the batch processor locks
// and rewrites as one unit.
const cleanerBatchSize = 128

// cleanerBaseInterval and cleanerJitter describe the periodic sweep's
// sleep: 5 minutes plus or minus up to 30 seconds, so that many store
// instances in the same process do not all wake in lockstep.
const (
	cleanerBaseInterval = 5 * time.Minute
	cleanerJitter       = 30 * time.Second
)

// CleanerReport summarizes the outcome of one completed cleaner sweep.
// The library never logs maintenance activity itself; a caller that
// wants visibility polls Store.LastCleanerReport after signaling or
// waiting out a sweep.
type CleanerReport struct {
	Kind      string // "resize" or "rebuild"
	Visited   int
	Relocated int
	Lost      int
	Err       error
}

// maintenanceLatch serializes heavy maintenance I/O (resize, bloom
// rebuild) across every store instance in the process — e.g. a CHK
// store and an SSK store sharing one disk should not both be
// rewriting gigabytes of slots at once. It is a try-only lock: a
// cleaner that cannot acquire it simply waits for its next sweep.
var maintenanceLatch sync.Mutex

func (s *Store[T]) runCleaner() {
	defer close(s.cleanerDone)

	for {
		select {
		case <-s.cleanerStop:
			return
		case <-s.wake:
		case <-s.after(s.nextInterval()):
		}

		if s.shutdown.Load() {
			return
		}
		s.sweepOnce()
	}
}

func (s *Store[T]) after(d time.Duration) <-chan struct{} {
	ch := make(chan struct{})
	s.scheduler.AfterFunc(d, func() { close(ch) })
	return ch
}

func (s *Store[T]) nextInterval() time.Duration {
	jitter := time.Duration(randFloat(s.rng)*float64(2*cleanerJitter)) - cleanerJitter
	return cleanerBaseInterval + jitter
}

// sweepOnce runs one cleaner cycle: a resize sweep if one is pending,
// else a bloom rebuild sweep if one is flagged, else just persists
// the config record and forces the bloom filter to disk.
func (s *Store[T]) sweepOnce() {
	s.cfgMu.RLock()
	resizing := s.cfg.Resizing()
	rebuilding := s.cfg.RebuildBloom() || s.rebuildRequested.Load()
	s.cfgMu.RUnlock()

	switch {
	case resizing:
		if maintenanceLatch.TryLock() {
			s.runResize()
			maintenanceLatch.Unlock()
		}
	case rebuilding:
		if maintenanceLatch.TryLock() {
			s.runBloomRebuild()
			maintenanceLatch.Unlock()
		}
	default:
		s.cfgMu.Lock()
		_ = s.persistConfigLocked()
		s.cfgMu.Unlock()
		s.bloomMu.RLock()
		_ = s.bloom.Save(s.bloomPath)
		s.bloomMu.RUnlock()
	}
}

// processRange walks the half-open offset range [lo, hi) in batches of
// cleanerBatchSize, in ascending or descending chunk order, running
// transform over each batch's decoded entries and writing the batch
// back if transform reported any change. onBatch, if non-nil, runs
// after each batch's lock is released, so callers that queue work in
// transform (e.g. relocation candidates) can drain that queue batch
// by batch rather than accumulating it for the whole sweep. It
// returns a non-nil error when the sweep was aborted by shutdown
// mid-batch or when a batch's metadata read or write failed; the
// caller must leave the persisted state untouched in that case so the
// next sweep resumes from scratch.
func (s *Store[T]) processRange(lo, hi uint64, descending bool, transform func(e *slotio.Entry) (changed, freed bool), onBatch func()) error {
	if hi <= lo {
		return nil
	}
	n := hi - lo
	chunks := int((n + cleanerBatchSize - 1) / cleanerBatchSize)

	for c := 0; c < chunks; c++ {
		idx := c
		if descending {
			idx = chunks - 1 - c
		}

		select {
		case <-s.cleanerStop:
			return ErrShutdown
		default:
		}
		if s.shutdown.Load() {
			return ErrShutdown
		}

		start := lo + uint64(idx)*cleanerBatchSize
		count := cleanerBatchSize
		if start+uint64(count) > hi {
			count = int(hi - start)
		}

		offsets := make([]uint64, count)
		for i := range offsets {
			offsets[i] = start + uint64(i)
		}

		toks := s.locks.LockAll(offsets)
		if toks == nil {
			return ErrShutdown
		}

		buf, err := s.files.ReadMetadataBatch(start, count)
		if err != nil {
			s.locks.UnlockAll(toks)
			return err
		}

		modified := false
		for i := 0; i < count; i++ {
			rec := buf[i*slotio.MetadataLength : (i+1)*slotio.MetadataLength]
			e := slotio.DecodeMetadata(rec)
			e.Offset = start + uint64(i)

			changed, freed := transform(e)
			switch {
			case freed:
				copy(rec, slotio.FreeMetadata())
				modified = true
			case changed:
				copy(rec, slotio.EncodeMetadata(e))
				modified = true
			}
		}

		if modified {
			if err := s.files.WriteMetadataBatch(start, buf); err != nil {
				s.locks.UnlockAll(toks)
				return err
			}
		}
		s.locks.UnlockAll(toks)

		if onBatch != nil {
			onBatch()
		}

		if s.yieldInterval > 0 {
			time.Sleep(s.yieldInterval)
		}
	}
	return nil
}

// runResize relocates entries from the previous capacity's offset
// space into the current one. Growing extends the files first and
// walks ascending; shrinking walks descending from the old
// high-water mark so the highest offsets are freed first.
func (s *Store[T]) runResize() {
	s.cfgMu.Lock()
	capacity := s.cfg.Capacity
	previousCapacity := s.cfg.PreviousCapacity
	generation := s.cfg.Generation + 1
	s.cfg.Generation = generation
	s.cfgMu.Unlock()

	growing := capacity > previousCapacity
	if growing {
		if err := s.files.EnsureCapacity(capacity, s.opts.Preallocate, s.rng); err != nil {
			return
		}
	}

	s.bloomMu.Lock()
	shadow := s.bloom.Fork()
	s.bloomMu.Unlock()

	s.keyCount.Store(0)

	var relocQueue []*slotio.Entry
	visited, relocated, lost := 0, 0, 0

	err := s.processRange(0, previousCapacity, !growing, func(e *slotio.Entry) (changed, freed bool) {
		if !e.Occupied() {
			return false, false
		}
		visited++
		if e.StoreSize == capacity {
			s.keyCount.Add(1)
			if e.Generation == generation {
				return false, false
			}
			s.bloomMu.Lock()
			shadow.Add(e.DigestedRoutingKey[:])
			s.bloomMu.Unlock()
			e.Generation = generation
			return true, false
		}

		full, rerr := s.files.ReadEntry(e.Offset, nil, true)
		if rerr == nil && full != nil {
			relocQueue = append(relocQueue, full)
			if len(relocQueue) > cleanerBatchSize {
				relocQueue = relocQueue[1:]
			}
		}
		return false, true
	}, func() {
		// Drained right after its own batch's locks are released, per
		// the original resize processer's batch() step, rather than
		// left to accumulate across the whole sweep.
		for _, e := range relocQueue {
			if s.resolveOldEntry(e, capacity, generation, shadow) {
				relocated++
			} else {
				lost++
			}
		}
		relocQueue = relocQueue[:0]
	})

	if err != nil {
		s.bloomMu.Lock()
		s.bloom.Discard()
		s.bloomMu.Unlock()
		s.lastReport.Store(&CleanerReport{Kind: "resize", Visited: visited, Relocated: relocated, Lost: lost, Err: err})
		return
	}

	s.cfgMu.Lock()
	s.bloomMu.Lock()
	_ = s.bloom.Merge(shadow)
	newK := bloomfilter.OptimalK(s.bloom.Size(), capacity)
	s.bloom.SetK(newK)
	s.bloomMu.Unlock()
	s.cfg.PreviousCapacity = 0
	s.cfg.BloomK = uint32(newK)
	s.cfg.Flags &^= storeconfig.FlagRebuildBloom
	s.rebuildRequested.Store(false)
	_ = s.persistConfigLocked()
	s.cfgMu.Unlock()

	if !growing {
		_ = s.files.Truncate(capacity)
	}

	s.lastReport.Store(&CleanerReport{Kind: "resize", Visited: visited, Relocated: relocated, Lost: lost})
}

// resolveOldEntry tries to place a relocated entry into its correct
// slot at the new capacity, reporting whether it found one. If every
// candidate is occupied, the entry is lost: another peer on the
// network still holds the content.
func (s *Store[T]) resolveOldEntry(e *slotio.Entry, capacity uint64, generation uint32, shadow *bloomfilter.Filter) bool {
	offsets := layout.Offsets(e.DigestedRoutingKey, capacity)
	toks := s.locks.LockAll(offsets)
	if toks == nil {
		return false
	}
	defer s.locks.UnlockAll(toks)

	for _, off := range offsets {
		existing, err := s.files.ReadEntry(off, &e.DigestedRoutingKey, false)
		if err == nil && existing != nil {
			return true
		}
	}
	for _, off := range offsets {
		free, err := s.files.IsFreeAt(off)
		if err != nil || !free {
			continue
		}
		e.Generation = generation
		e.StoreSize = capacity
		if err := s.files.WriteEntry(e, off); err != nil {
			continue
		}
		s.bloomMu.Lock()
		shadow.Add(e.DigestedRoutingKey[:])
		s.bloomMu.Unlock()
		s.keyCount.Add(1)
		return true
	}
	return false
}

// runBloomRebuild repopulates the bloom filter from every occupied
// slot without relocating anything, bumping each visited entry's
// generation so a later sweep can tell it was already rebuilt.
func (s *Store[T]) runBloomRebuild() {
	s.cfgMu.Lock()
	capacity := s.cfg.Capacity
	generation := s.cfg.Generation + 1
	s.cfg.Generation = generation
	s.cfgMu.Unlock()

	s.bloomMu.Lock()
	shadow := s.bloom.Fork()
	s.bloomMu.Unlock()

	visited := 0
	err := s.processRange(0, capacity, false, func(e *slotio.Entry) (changed, freed bool) {
		if !e.Occupied() || e.Generation == generation {
			return false, false
		}
		visited++
		s.bloomMu.Lock()
		shadow.Add(e.DigestedRoutingKey[:])
		s.bloomMu.Unlock()
		e.Generation = generation
		return true, false
	}, nil)
	if err != nil {
		s.bloomMu.Lock()
		s.bloom.Discard()
		s.bloomMu.Unlock()
		s.lastReport.Store(&CleanerReport{Kind: "rebuild", Visited: visited, Err: err})
		return
	}

	s.bloomMu.Lock()
	_ = s.bloom.Merge(shadow)
	s.bloomMu.Unlock()

	s.rebuildRequested.Store(false)
	s.cfgMu.Lock()
	s.cfg.Flags &^= storeconfig.FlagRebuildBloom
	_ = s.persistConfigLocked()
	s.cfgMu.Unlock()

	s.lastReport.Store(&CleanerReport{Kind: "rebuild", Visited: visited})
}
