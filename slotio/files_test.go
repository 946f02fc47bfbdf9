package slotio

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnsureCapacity_FileSizes(t *testing.T) {
	dir := t.TempDir()
	f, err := Open(dir, "test", 32, 32768)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.EnsureCapacity(1024, true, rand.Reader))

	metaSize, err := f.MetadataSize()
	require.NoError(t, err)
	require.Equal(t, int64(1024*MetadataLength), metaSize)

	hdSize, err := f.HDSize()
	require.NoError(t, err)
	require.Equal(t, int64(1024)*f.RecordStride(), hdSize)
}

func TestWriteReadEntry_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	f, err := Open(dir, "test", 8, 16)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, f.EnsureCapacity(16, true, rand.Reader))

	e := &Entry{
		Flags:     FlagOccupied | FlagNewBlock,
		StoreSize: 16,
		Header:    []byte("HEADER!!"),
		Data:      []byte("0123456789ABCDEF"),
	}
	e.DigestedRoutingKey[0] = 0xAB

	require.NoError(t, f.WriteEntry(e, 3))

	got, err := f.ReadEntry(3, nil, true)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.True(t, got.Occupied())
	require.Equal(t, e.DigestedRoutingKey, got.DigestedRoutingKey)
	require.Equal(t, "HEADER!!", string(got.Header))
	require.Equal(t, "0123456789ABCDEF", string(got.Data))
}

func TestReadEntry_KeyMismatchReturnsNil(t *testing.T) {
	dir := t.TempDir()
	f, err := Open(dir, "test", 4, 4)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, f.EnsureCapacity(4, true, rand.Reader))

	e := &Entry{Flags: FlagOccupied, Header: []byte("AAAA"), Data: []byte("BBBB")}
	e.DigestedRoutingKey[0] = 0x01
	require.NoError(t, f.WriteEntry(e, 0))

	var wrongKey [32]byte
	wrongKey[0] = 0x02
	got, err := f.ReadEntry(0, &wrongKey, false)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestIsFreeAt_FreshSlotIsFree(t *testing.T) {
	dir := t.TempDir()
	f, err := Open(dir, "test", 4, 4)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, f.EnsureCapacity(4, false, rand.Reader))

	free, err := f.IsFreeAt(2)
	require.NoError(t, err)
	require.True(t, free)
}

func TestClearEntry_FreesSlot(t *testing.T) {
	dir := t.TempDir()
	f, err := Open(dir, "test", 4, 4)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, f.EnsureCapacity(4, true, rand.Reader))

	e := &Entry{Flags: FlagOccupied, Header: []byte("AAAA"), Data: []byte("BBBB")}
	require.NoError(t, f.WriteEntry(e, 1))

	require.NoError(t, f.ClearEntry(1))

	free, err := f.IsFreeAt(1)
	require.NoError(t, err)
	require.True(t, free)
}

func TestReadEntry_BeyondOffsetReady(t *testing.T) {
	dir := t.TempDir()
	f, err := Open(dir, "test", 4, 4)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, f.EnsureCapacity(4, true, rand.Reader))
	f.SetOffsetReady(1)

	_, err = f.ReadEntry(3, nil, false)
	require.ErrorIs(t, err, ErrNotReady)
}

func TestTruncate_ShrinksFiles(t *testing.T) {
	dir := t.TempDir()
	f, err := Open(dir, "test", 4, 4)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, f.EnsureCapacity(16, true, rand.Reader))

	require.NoError(t, f.Truncate(4))

	metaSize, err := f.MetadataSize()
	require.NoError(t, err)
	require.Equal(t, int64(4*MetadataLength), metaSize)
}

func TestBatchReadWrite_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	f, err := Open(dir, "test", 4, 4)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, f.EnsureCapacity(8, false, rand.Reader))

	for i := uint64(0); i < 4; i++ {
		e := &Entry{Flags: FlagOccupied, Header: []byte("AAAA"), Data: []byte("BBBB")}
		e.DigestedRoutingKey[0] = byte(i)
		require.NoError(t, f.WriteEntry(e, i))
	}

	buf, err := f.ReadMetadataBatch(0, 4)
	require.NoError(t, err)
	require.Len(t, buf, 4*MetadataLength)

	for i := 0; i < 4; i++ {
		rec := buf[i*MetadataLength : (i+1)*MetadataLength]
		e := DecodeMetadata(rec)
		require.Equal(t, byte(i), e.DigestedRoutingKey[0])
	}
}
