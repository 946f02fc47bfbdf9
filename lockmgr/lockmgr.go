// Package lockmgr provides per-slot-offset mutual exclusion with
// ordered multi-offset acquisition, so that concurrent foreground
// operations and the background batch cleaner can never deadlock
// against each other.
package lockmgr

import (
	"sort"
	"sync"
)

// Token is an opaque handle returned by Lock, required to Unlock the
// same offset. A nil Token means the lock was not acquired (shutdown
// in progress).
type Token struct {
	offset uint64
}

// Manager guards a set of integer offsets with cooperative mutual
// exclusion. The zero value is not usable; construct with New.
type Manager struct {
	mu       sync.Mutex
	cond     *sync.Cond
	locked   map[uint64]bool
	shutdown bool
}

// New returns a ready Manager.
func New() *Manager {
	m := &Manager{
		locked: make(map[uint64]bool),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Lock blocks until offset is available, then marks it locked and
// returns a Token. It returns nil if shutdown has been called, either
// before or while waiting.
func (m *Manager) Lock(offset uint64) *Token {
	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		if m.shutdown {
			return nil
		}
		if !m.locked[offset] {
			m.locked[offset] = true
			return &Token{offset: offset}
		}
		m.cond.Wait()
	}
}

// Unlock releases the offset tok was issued for. tok must be the
// Token returned by the matching Lock call; a nil tok is a no-op (the
// lock was never acquired, typically because of shutdown).
func (m *Manager) Unlock(tok *Token) {
	if tok == nil {
		return
	}
	m.mu.Lock()
	delete(m.locked, tok.offset)
	m.mu.Unlock()
	m.cond.Broadcast()
}

// LockAll acquires every offset in offsets, in ascending order, to
// avoid deadlocking against another caller locking an overlapping set
// (notably the cleaner's contiguous batch locking). Duplicate offsets
// in the input are collapsed. Returns nil if shutdown begins before
// all locks are acquired; any offsets already locked are released
// first.
func (m *Manager) LockAll(offsets []uint64) []*Token {
	ordered := uniqueSorted(offsets)
	toks := make([]*Token, 0, len(ordered))

	for _, o := range ordered {
		tok := m.Lock(o)
		if tok == nil {
			m.UnlockAll(toks)
			return nil
		}
		toks = append(toks, tok)
	}
	return toks
}

// UnlockAll releases every token previously acquired via LockAll (or
// individually via Lock).
func (m *Manager) UnlockAll(toks []*Token) {
	for _, tok := range toks {
		m.Unlock(tok)
	}
}

// Shutdown causes every pending and future Lock/LockAll call to return
// nil immediately.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.shutdown = true
	m.mu.Unlock()
	m.cond.Broadcast()
}

func uniqueSorted(offsets []uint64) []uint64 {
	seen := make(map[uint64]bool, len(offsets))
	out := make([]uint64, 0, len(offsets))
	for _, o := range offsets {
		if !seen[o] {
			seen[o] = true
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
