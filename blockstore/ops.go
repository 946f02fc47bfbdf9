package blockstore

import (
	"bytes"

	"github.com/anonstore/saltedhash/slotio"
)

// PutResult reports the outcome of a Put call.
type PutResult int

const (
	// Inserted indicates the block was written to a new or previously
	// occupied-by-a-different-key slot.
	Inserted PutResult = iota
	// AlreadyPresent indicates the block's key was already stored with
	// equal content; isNewBlock may have upgraded the stored flag.
	AlreadyPresent
	// Collision indicates a different block already occupies the key's
	// slot and overwrite was false.
	Collision
	// Refused indicates every candidate slot was occupied by a
	// right-store entry and eviction odds did not favor overwriting it.
	Refused
)

// Fetch looks up the block addressed by routingKey. fullKey is passed
// through to the block-type descriptor for reconstruction; flags is
// an opaque pass-through for caller-defined request hints (e.g.
// "don't promote to cache") that this layer does not interpret. A nil
// error with the zero value of T means "not found".
func (s *Store[T]) Fetch(routingKey, fullKey []byte, flags uint32) (T, error) {
	var zero T
	if s.shutdown.Load() {
		return zero, ErrShutdown
	}
	if !s.lockConfigRead() {
		return zero, ErrConfigLockTimeout
	}
	defer s.unlockConfigRead()

	digested := s.cipherMgr.DigestedKey(routingKey)
	capacity := s.cfg.Capacity
	prevCapacity := s.cfg.PreviousCapacity

	candidates := s.candidateOffsets(digested, capacity)
	all := append([]uint64{}, candidates...)

	var prevCandidates []uint64
	if prevCapacity != 0 {
		prevCandidates = s.candidateOffsets(digested, prevCapacity)
		all = append(all, prevCandidates...)
	}

	toks := s.locks.LockAll(all)
	if toks == nil {
		return zero, ErrShutdown
	}
	defer s.locks.UnlockAll(toks)

	probablyPresent := true
	if s.checkBloom {
		s.bloomMu.RLock()
		probablyPresent = s.bloom.Test(digested[:])
		s.bloomMu.RUnlock()
		if !probablyPresent {
			s.misses.Add(1)
			return zero, nil
		}
	}

	block, found, err := s.probeCapacity(candidates, digested, routingKey, fullKey)
	if err != nil {
		return zero, err
	}
	if !found && prevCandidates != nil {
		block, found, err = s.probeCapacity(prevCandidates, digested, routingKey, fullKey)
		if err != nil {
			return zero, err
		}
	}
	if found {
		s.hits.Add(1)
		return block, nil
	}

	s.misses.Add(1)
	if s.checkBloom && probablyPresent {
		s.bloomFalsePos.Add(1)
	}
	return zero, nil
}

// probeCapacity walks candidates, reading and decrypting each until a
// slot's digested key matches and the reconstructed block verifies.
func (s *Store[T]) probeCapacity(candidates []uint64, digested [32]byte, routingKey, fullKey []byte) (T, bool, error) {
	var zero T
	ready := s.files.OffsetReady()

	for _, off := range candidates {
		if ready >= 0 && int64(off) > ready {
			continue
		}
		entry, err := s.files.ReadEntry(off, &digested, true)
		if err != nil {
			if err == slotio.ErrNotReady {
				continue
			}
			return zero, false, err
		}
		if entry == nil {
			continue
		}
		if entry.PlainRoutingKey != nil && !bytes.Equal(entry.PlainRoutingKey, routingKey) {
			continue
		}

		combined := combineHeaderData(entry.Header, entry.Data)
		if err := s.cipherMgr.Decrypt(combined, entry.DataEncryptIV, routingKey); err != nil {
			return zero, false, err
		}
		headerLen := s.desc.HeaderLength()

		block, err := s.desc.Reconstruct(routingKey, fullKey, combined[:headerLen], combined[headerLen:])
		if err != nil {
			continue
		}
		if !bytes.Equal(block.RoutingKey(), routingKey) {
			continue
		}
		return block, true, nil
	}
	return zero, false, nil
}

// Put stores block, keyed by block.RoutingKey(). overwrite permits
// replacing a differently-contented block already at the key's slot;
// isNewBlock marks the entry as newly produced locally (as opposed to
// received from a peer), upgrading the flag on an existing match if it
// was not already set.
func (s *Store[T]) Put(block T, overwrite, isNewBlock bool) (PutResult, error) {
	return s.put(block, overwrite, isNewBlock, false)
}

func (s *Store[T]) put(block T, overwrite, isNewBlock, wrongStore bool) (PutResult, error) {
	if s.shutdown.Load() {
		return Refused, ErrShutdown
	}
	if !s.lockConfigRead() {
		return Refused, ErrConfigLockTimeout
	}
	defer s.unlockConfigRead()

	digested := s.cipherMgr.DigestedKey(block.RoutingKey())
	capacity := s.cfg.Capacity
	candidates := s.candidateOffsets(digested, capacity)

	toks := s.locks.LockAll(candidates)
	if toks == nil {
		return Refused, ErrShutdown
	}
	defer s.locks.UnlockAll(toks)

	ready := s.files.OffsetReady()
	collisionPossible := s.desc.CollisionPossible()

	for _, off := range candidates {
		if ready >= 0 && int64(off) > ready {
			continue
		}
		entry, err := s.files.ReadEntry(off, &digested, collisionPossible)
		if err != nil {
			if err == slotio.ErrNotReady {
				continue
			}
			return Refused, err
		}
		if entry == nil {
			continue
		}

		if !collisionPossible {
			if err := s.maybeUpgradeNewBlock(off, entry, isNewBlock); err != nil {
				return Refused, err
			}
			return AlreadyPresent, nil
		}

		if entry.PlainRoutingKey != nil && !bytes.Equal(entry.PlainRoutingKey, block.RoutingKey()) {
			// A different key occupies this slot; no need to decrypt to
			// know the content can't match.
			if !overwrite {
				return Collision, nil
			}
			return s.finalizeWrite(off, block, digested, wrongStore, isNewBlock, entry)
		}

		combined := combineHeaderData(entry.Header, entry.Data)
		if err := s.cipherMgr.Decrypt(combined, entry.DataEncryptIV, block.RoutingKey()); err != nil {
			return Refused, err
		}
		headerLen := s.desc.HeaderLength()
		if bytes.Equal(combined[:headerLen], block.HeaderBytes()) && bytes.Equal(combined[headerLen:], block.DataBytes()) {
			if err := s.maybeUpgradeNewBlock(off, entry, isNewBlock); err != nil {
				return Refused, err
			}
			return AlreadyPresent, nil
		}
		if !overwrite {
			return Collision, nil
		}
		return s.finalizeWrite(off, block, digested, wrongStore, isNewBlock, entry)
	}

	for _, off := range candidates {
		if ready >= 0 && int64(off) > ready {
			continue
		}
		free, err := s.files.IsFreeAt(off)
		if err != nil {
			return Refused, err
		}
		if free {
			return s.finalizeWrite(off, block, digested, wrongStore, isNewBlock, nil)
		}
	}

	if !wrongStore {
		s.altMu.Lock()
		alt := s.altStore
		s.altMu.Unlock()
		if alt != nil {
			res, err := alt.put(block, overwrite, isNewBlock, true)
			if err == nil && (res == Inserted || res == AlreadyPresent) {
				return res, nil
			}
		}
	}

	victim := candidates[0]
	if wrongStore {
		var wrongOffsets []uint64
		for _, off := range candidates {
			if ready >= 0 && int64(off) > ready {
				continue
			}
			flags, err := s.files.FlagsAt(off)
			if err != nil {
				return Refused, err
			}
			if flags&slotio.FlagWrongStore != 0 {
				wrongOffsets = append(wrongOffsets, off)
			}
		}
		if len(wrongOffsets) == 0 {
			return Refused, nil
		}
		w := len(wrongOffsets)
		p := len(candidates)
		if randFloat(s.rng) >= float64(w)/float64(p+w) {
			return Refused, nil
		}
		victim = wrongOffsets[0]
	}

	previous, err := s.files.ReadEntry(victim, nil, false)
	if err != nil {
		return Refused, err
	}
	return s.finalizeWrite(victim, block, digested, wrongStore, isNewBlock, previous)
}

func (s *Store[T]) maybeUpgradeNewBlock(off uint64, entry *slotio.Entry, isNewBlock bool) error {
	if !isNewBlock || entry.Flags&slotio.FlagNewBlock != 0 {
		return nil
	}
	entry.Flags |= slotio.FlagNewBlock
	return s.rewriteFlags(off, entry)
}

// finalizeWrite encrypts and writes block at off, folding the
// displaced occupant (if any) into the bloom filter and key-count
// bookkeeping, and flags a bloom rebuild once writes accumulate past
// rebuildBloomEvery*capacity since the last one.
func (s *Store[T]) finalizeWrite(off uint64, block T, digested [32]byte, wrongStore, isNewBlock bool, previous *slotio.Entry) (PutResult, error) {
	entry, err := s.buildEntry(block, digested, wrongStore, isNewBlock, s.cfg.Generation, s.cfg.Capacity)
	if err != nil {
		return Refused, err
	}
	if err := s.files.WriteEntry(entry, off); err != nil {
		return Refused, err
	}

	s.bloomMu.Lock()
	if previous != nil && previous.Occupied() {
		if previous.Generation == s.cfg.Generation {
			s.bloom.Remove(previous.DigestedRoutingKey[:])
		} else {
			s.keyCount.Add(1)
		}
	} else {
		s.keyCount.Add(1)
	}
	s.bloom.Add(digested[:])
	s.bloomMu.Unlock()

	s.writes.Add(1)
	threshold := rebuildBloomEvery * s.cfg.Capacity
	if threshold > 0 && s.writesSinceRebuildFlag.Add(1) >= threshold {
		s.writesSinceRebuildFlag.Store(0)
		s.rebuildRequested.Store(true)
	}

	return Inserted, nil
}

// ProbablyInStore reports whether routingKey might be present,
// without necessarily probing disk. If bloom gating is disabled it
// conservatively returns true, forcing the caller to probe via Fetch.
func (s *Store[T]) ProbablyInStore(routingKey []byte) bool {
	if s.shutdown.Load() {
		return false
	}
	if !s.lockConfigRead() {
		return false
	}
	defer s.unlockConfigRead()

	if !s.checkBloom {
		return true
	}

	digested := s.cipherMgr.DigestedKey(routingKey)
	s.bloomMu.RLock()
	defer s.bloomMu.RUnlock()
	return s.bloom.Test(digested[:])
}

// SetMaxKeys requests a capacity change. It returns ErrResizeInProgress
// if a previous resize has not yet completed; otherwise the cleaner
// drives the actual relocation asynchronously.
func (s *Store[T]) SetMaxKeys(newCapacity uint64) error {
	if !s.lockConfigWrite() {
		return ErrConfigLockTimeout
	}
	defer s.unlockConfigWrite()

	if newCapacity == s.cfg.Capacity {
		return nil
	}
	if s.cfg.Resizing() {
		return ErrResizeInProgress
	}

	s.cfg.PreviousCapacity = s.cfg.Capacity
	s.cfg.Capacity = newCapacity
	if err := s.persistConfigLocked(); err != nil {
		return err
	}
	s.signalCleaner()
	return nil
}
