package blockstore

import (
	"bytes"
	cryptorand "crypto/rand"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/anonstore/saltedhash/blocktype"
	"github.com/anonstore/saltedhash/slotio"
	"github.com/anonstore/saltedhash/storeconfig"
)

// testBlock is a minimal blocktype.Block used only by this package's
// tests: an 8-byte header, a 32-byte data payload, a 32-byte routing
// key and a 32-byte full key.
type testBlock struct {
	routingKey []byte
	fullKey    []byte
	header     []byte
	data       []byte
}

func (b *testBlock) RoutingKey() []byte  { return b.routingKey }
func (b *testBlock) FullKey() []byte     { return b.fullKey }
func (b *testBlock) HeaderBytes() []byte { return b.header }
func (b *testBlock) DataBytes() []byte   { return b.data }

type testDescriptor struct{}

func (testDescriptor) HeaderLength() int       { return 8 }
func (testDescriptor) DataLength() int         { return 32 }
func (testDescriptor) FullKeyLength() int      { return 32 }
func (testDescriptor) CollisionPossible() bool { return true }

func (testDescriptor) Reconstruct(routingKey, fullKey, header, data []byte) (*testBlock, error) {
	if len(header) != 8 || len(data) != 32 {
		return nil, errors.New("blockstore test: bad reconstructed lengths")
	}
	return &testBlock{
		routingKey: append([]byte(nil), routingKey...),
		fullKey:    append([]byte(nil), fullKey...),
		header:     append([]byte(nil), header...),
		data:       append([]byte(nil), data...),
	}, nil
}

type noopShutdownHook struct{}

func (noopShutdownHook) AddShutdownJob(string, func()) {}

func newBlock(t *testing.T) *testBlock {
	t.Helper()
	rk := make([]byte, 32)
	fk := make([]byte, 32)
	header := make([]byte, 8)
	data := make([]byte, 32)
	for _, b := range [][]byte{rk, fk, header, data} {
		_, err := cryptorand.Read(b)
		require.NoError(t, err)
	}
	return &testBlock{routingKey: rk, fullKey: fk, header: header, data: data}
}

func newTestStore(t *testing.T, capacity uint64) (*Store[*testBlock], *blocktype.ClockScheduler) {
	t.Helper()
	dir := t.TempDir()

	s, err := Construct[*testBlock](dir, "store", testDescriptor{}, cryptorand.Reader, noopShutdownHook{}, storeconfig.Options{
		Capacity:    capacity,
		BloomK:      4,
		Preallocate: false,
	})
	require.NoError(t, err)
	s.yieldInterval = 0

	scheduler, _ := blocktype.NewMockScheduler()
	_, err = s.Start(scheduler, false)
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.Close() })
	return s, scheduler
}

func TestConstruct_FreshStoreIsEmpty(t *testing.T) {
	s, _ := newTestStore(t, 16)
	require.Equal(t, uint64(0), s.KeyCount())
	require.Equal(t, uint64(0), s.Hits())
	require.Equal(t, uint64(0), s.Misses())
}

func TestFetch_MissOnEmptyStore(t *testing.T) {
	s, _ := newTestStore(t, 16)
	block := newBlock(t)

	got, err := s.Fetch(block.RoutingKey(), block.FullKey(), 0)
	require.NoError(t, err)
	require.Nil(t, got)
	require.Equal(t, uint64(1), s.Misses())
	require.Equal(t, uint64(0), s.BloomFalsePositives())
}

func TestPutThenFetch_RoundTrips(t *testing.T) {
	s, _ := newTestStore(t, 16)
	block := newBlock(t)

	res, err := s.Put(block, false, true)
	require.NoError(t, err)
	require.Equal(t, Inserted, res)
	require.Equal(t, uint64(1), s.KeyCount())

	got, err := s.Fetch(block.RoutingKey(), block.FullKey(), 0)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.True(t, bytes.Equal(block.RoutingKey(), got.RoutingKey()))
	require.True(t, bytes.Equal(block.HeaderBytes(), got.HeaderBytes()))
	require.True(t, bytes.Equal(block.DataBytes(), got.DataBytes()))
	require.Equal(t, uint64(1), s.Hits())
}

func TestPut_AlreadyPresentIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t, 16)
	block := newBlock(t)

	_, err := s.Put(block, false, false)
	require.NoError(t, err)

	res, err := s.Put(block, false, false)
	require.NoError(t, err)
	require.Equal(t, AlreadyPresent, res)
	require.Equal(t, uint64(1), s.KeyCount())
}

func TestPut_CollisionRefusedWithoutOverwrite(t *testing.T) {
	s, _ := newTestStore(t, 16)

	a := newBlock(t)
	b := newBlock(t)
	b.routingKey = a.routingKey // force the same key, different content

	_, err := s.Put(a, false, true)
	require.NoError(t, err)

	res, err := s.Put(b, false, true)
	require.NoError(t, err)
	require.Equal(t, Collision, res)
}

func TestPut_CollisionOverwritesWhenRequested(t *testing.T) {
	s, _ := newTestStore(t, 16)

	a := newBlock(t)
	b := newBlock(t)
	b.routingKey = a.routingKey

	_, err := s.Put(a, false, true)
	require.NoError(t, err)

	res, err := s.Put(b, true, true)
	require.NoError(t, err)
	require.Equal(t, Inserted, res)

	got, err := s.Fetch(b.RoutingKey(), b.FullKey(), 0)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.True(t, bytes.Equal(b.DataBytes(), got.DataBytes()))
}

func TestProbablyInStore(t *testing.T) {
	s, _ := newTestStore(t, 16)
	block := newBlock(t)

	require.False(t, s.ProbablyInStore(block.RoutingKey()))

	_, err := s.Put(block, false, true)
	require.NoError(t, err)

	require.True(t, s.ProbablyInStore(block.RoutingKey()))
}

func TestSetMaxKeys_FlagsResizeAndCleanerClearsIt(t *testing.T) {
	s, _ := newTestStore(t, 16)
	block := newBlock(t)

	_, err := s.Put(block, false, true)
	require.NoError(t, err)

	require.NoError(t, s.SetMaxKeys(32))

	s.cfgMu.RLock()
	resizing := s.cfg.Resizing()
	s.cfgMu.RUnlock()
	require.True(t, resizing)

	// Drive the cleaner directly rather than through the mock clock's
	// timer so the test does not depend on the jittered sweep
	// interval's exact shape.
	s.sweepOnce()

	s.cfgMu.RLock()
	resizingAfter := s.cfg.Resizing()
	capacity := s.cfg.Capacity
	s.cfgMu.RUnlock()
	require.False(t, resizingAfter)
	require.Equal(t, uint64(32), capacity)

	got, err := s.Fetch(block.RoutingKey(), block.FullKey(), 0)
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestSecondaryStore_OverflowsOnRefusal(t *testing.T) {
	primary, _ := newTestStore(t, 5)
	secondary, _ := newTestStore(t, 16)
	require.NoError(t, primary.SetAltStore(secondary))

	// capacity == MaxProbe == 5 forces layout.Offsets to uniquify every
	// key's candidate set into a full permutation of all 5 offsets, so
	// 5 distinct blocks deterministically occupy every slot and a 6th
	// Put is guaranteed to find every candidate already right-store
	// occupied and overflow to the secondary.
	var primaryBlocks []*testBlock
	for i := 0; i < 5; i++ {
		b := newBlock(t)
		res, err := primary.Put(b, false, true)
		require.NoError(t, err)
		require.Equal(t, Inserted, res)
		primaryBlocks = append(primaryBlocks, b)
	}

	overflow := newBlock(t)
	res, err := primary.Put(overflow, false, true)
	require.NoError(t, err)
	require.Equal(t, Inserted, res)

	gotFromPrimary, err := primary.Fetch(overflow.RoutingKey(), overflow.FullKey(), 0)
	require.NoError(t, err)
	require.Nil(t, gotFromPrimary)

	got, err := secondary.Fetch(overflow.RoutingKey(), overflow.FullKey(), 0)
	require.NoError(t, err)
	require.NotNil(t, got)

	offsets := candidateOffsetsForTest(secondary, overflow.RoutingKey())
	flags := uint64(0)
	for _, off := range offsets {
		f, err := secondary.files.FlagsAt(off)
		require.NoError(t, err)
		key, err := secondary.files.DigestedKeyAt(off)
		require.NoError(t, err)
		if key == secondary.cipherMgr.DigestedKey(overflow.RoutingKey()) {
			flags = f
			break
		}
	}
	require.NotZero(t, flags&slotio.FlagWrongStore, "overflowed entry must have the wrong-store flag set")

	for _, b := range primaryBlocks {
		got, err := primary.Fetch(b.RoutingKey(), b.FullKey(), 0)
		require.NoError(t, err)
		require.NotNil(t, got, "primary's own entries must survive the overflow attempt untouched")
	}
}

func candidateOffsetsForTest(s *Store[*testBlock], routingKey []byte) []uint64 {
	digested := s.cipherMgr.DigestedKey(routingKey)
	return s.candidateOffsets(digested, s.cfg.Capacity)
}

func TestResize_ShrinkRelocatesOrDropsEntries(t *testing.T) {
	s, _ := newTestStore(t, 64)

	var blocks []*testBlock
	for i := 0; i < 20; i++ {
		b := newBlock(t)
		res, err := s.Put(b, false, true)
		require.NoError(t, err)
		require.Equal(t, Inserted, res)
		blocks = append(blocks, b)
	}

	require.NoError(t, s.SetMaxKeys(32))
	s.sweepOnce()

	s.cfgMu.RLock()
	resizing := s.cfg.Resizing()
	capacity := s.cfg.Capacity
	s.cfgMu.RUnlock()
	require.False(t, resizing)
	require.Equal(t, uint64(32), capacity)

	report := s.LastCleanerReport()
	require.NotNil(t, report)
	require.Equal(t, "resize", report.Kind)
	require.Nil(t, report.Err)

	found := 0
	for _, b := range blocks {
		got, err := s.Fetch(b.RoutingKey(), b.FullKey(), 0)
		require.NoError(t, err)
		if got != nil {
			found++
		}
	}
	require.LessOrEqual(t, uint64(found), capacity)
}

func TestBloomRebuild_TriggersAndClearsAfterThreshold(t *testing.T) {
	s, _ := newTestStore(t, 16)

	s.cfgMu.RLock()
	threshold := rebuildBloomEvery * s.cfg.Capacity
	s.cfgMu.RUnlock()
	s.writesSinceRebuildFlag.Store(threshold - 1)

	block := newBlock(t)
	_, err := s.Put(block, false, true)
	require.NoError(t, err)
	require.True(t, s.rebuildRequested.Load())

	s.sweepOnce()
	require.False(t, s.rebuildRequested.Load())

	report := s.LastCleanerReport()
	require.NotNil(t, report)
	require.Equal(t, "rebuild", report.Kind)

	got, err := s.Fetch(block.RoutingKey(), block.FullKey(), 0)
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestSinceStart_TracksDeltaNotCumulative(t *testing.T) {
	dir := t.TempDir()
	block := newBlock(t)

	s, err := Construct[*testBlock](dir, "store", testDescriptor{}, cryptorand.Reader, noopShutdownHook{}, storeconfig.Options{
		Capacity: 16,
		BloomK:   4,
	})
	require.NoError(t, err)
	s.yieldInterval = 0
	scheduler, _ := blocktype.NewMockScheduler()
	_, err = s.Start(scheduler, false)
	require.NoError(t, err)

	_, err = s.Put(block, false, true)
	require.NoError(t, err)
	_, err = s.Fetch(block.RoutingKey(), block.FullKey(), 0)
	require.NoError(t, err)
	require.Equal(t, uint64(1), s.HitsSinceStart())
	require.Equal(t, uint64(1), s.WritesSinceStart())
	require.NoError(t, s.Close())

	// Reopening carries the persisted cumulative counters forward, but
	// a fresh Start call re-bases the "since start" deltas to zero.
	reopened, err := Construct[*testBlock](dir, "store", testDescriptor{}, cryptorand.Reader, noopShutdownHook{}, storeconfig.Options{
		Capacity: 16,
		BloomK:   4,
	})
	require.NoError(t, err)
	reopened.yieldInterval = 0
	t.Cleanup(func() { _ = reopened.Close() })
	require.Equal(t, uint64(1), reopened.Hits())

	scheduler2, _ := blocktype.NewMockScheduler()
	_, err = reopened.Start(scheduler2, false)
	require.NoError(t, err)

	require.Equal(t, uint64(1), reopened.Hits())
	require.Equal(t, uint64(0), reopened.HitsSinceStart())
	require.Equal(t, uint64(0), reopened.WritesSinceStart())
}

func TestSetAltStore_RejectsCycle(t *testing.T) {
	a, _ := newTestStore(t, 16)
	b, _ := newTestStore(t, 16)
	c, _ := newTestStore(t, 16)

	require.NoError(t, a.SetAltStore(b))
	err := c.SetAltStore(a)
	require.ErrorIs(t, err, ErrSecondaryCycle)
}
