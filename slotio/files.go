// Package slotio reads and writes fixed-size metadata and header+data
// records at computed file offsets, and preallocates the backing
// files so concurrent readers never race a growing file.
package slotio

import (
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"sync"
	"sync/atomic"
)

// fillReseedInterval is how many bytes of the preallocation stream are
// produced before the non-cryptographic generator is reseeded, the
// same "reseed every 1 GiB" rule the component design calls for.
const fillReseedInterval = 1 << 30

// Files owns the two open file handles backing one store instance: the
// fixed-stride metadata file and the fixed-stride header+data file.
// All positional I/O goes through ReadAt/WriteAt so concurrent callers
// never share a cursor.
type Files struct {
	metaFile *os.File
	hdFile   *os.File

	headerLen int
	dataLen   int
	pad       int

	offsetReady atomic.Int64

	fillMu sync.Mutex
}

// HDRecordLength returns headerLen+dataLen padded up to the next
// 512-byte multiple.
func HDRecordLength(headerLen, dataLen int) int64 {
	raw := headerLen + dataLen
	pad := (512 - raw%512) % 512
	return int64(raw + pad)
}

// Open opens (creating if necessary) the "<name>.metadata" and
// "<name>.hd" files under dir.
func Open(dir, name string, headerLen, dataLen int) (*Files, error) {
	metaPath := dir + "/" + name + ".metadata"
	hdPath := dir + "/" + name + ".hd"

	metaFile, err := os.OpenFile(metaPath, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("slotio: open metadata file: %w", err)
	}
	hdFile, err := os.OpenFile(hdPath, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		_ = metaFile.Close()
		return nil, fmt.Errorf("slotio: open hd file: %w", err)
	}

	raw := headerLen + dataLen
	pad := (512 - raw%512) % 512

	f := &Files{
		metaFile:  metaFile,
		hdFile:    hdFile,
		headerLen: headerLen,
		dataLen:   dataLen,
		pad:       pad,
	}
	f.offsetReady.Store(-1)
	return f, nil
}

// HeaderLen, DataLen, Pad and RecordStride describe the fixed record
// shape this Files was opened with.
func (f *Files) HeaderLen() int      { return f.headerLen }
func (f *Files) DataLen() int        { return f.dataLen }
func (f *Files) Pad() int            { return f.pad }
func (f *Files) RecordStride() int64 { return int64(f.headerLen + f.dataLen + f.pad) }

// OffsetReady returns the largest slot index known to be preallocated.
// -1 means "unknown, check file size directly".
func (f *Files) OffsetReady() int64 {
	return f.offsetReady.Load()
}

// SetOffsetReady publishes a new preallocation watermark.
func (f *Files) SetOffsetReady(v int64) {
	f.offsetReady.Store(v)
}

// MetadataSize returns the current length of the metadata file.
func (f *Files) MetadataSize() (int64, error) {
	info, err := f.metaFile.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// HDSize returns the current length of the header+data file.
func (f *Files) HDSize() (int64, error) {
	info, err := f.hdFile.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// EnsureCapacity grows both files so they can hold `capacity` slots.
// The metadata file is always zero-filled (occupied=0 means free,
// random bytes would fabricate phantom entries); the header+data file
// is filled with a fast non-cryptographic pseudorandom stream when
// preallocate is true, so the store's disk footprint does not change
// shape as slots are written. It never shrinks the files; callers use
// Truncate for that, once a cleaner resize has safely relocated or
// dropped every slot beyond the new capacity.
func (f *Files) EnsureCapacity(capacity uint64, preallocate bool, seed io.Reader) error {
	targetMeta := int64(capacity) * MetadataLength
	if err := growZero(f.metaFile, targetMeta); err != nil {
		return fmt.Errorf("slotio: grow metadata file: %w", err)
	}

	targetHD := int64(capacity) * f.RecordStride()
	if preallocate {
		if err := f.growRandom(targetHD, seed); err != nil {
			return fmt.Errorf("slotio: grow hd file: %w", err)
		}
	} else {
		if err := growZero(f.hdFile, targetHD); err != nil {
			return fmt.Errorf("slotio: grow hd file: %w", err)
		}
	}

	f.offsetReady.Store(int64(capacity) - 1)
	return nil
}

// growZero extends file to at least size bytes, with new bytes zero.
func growZero(file *os.File, size int64) error {
	info, err := file.Stat()
	if err != nil {
		return err
	}
	if info.Size() >= size {
		return nil
	}
	return file.Truncate(size)
}

// growRandom extends the hd file to size bytes, filling new bytes with
// a reseeded, non-cryptographic pseudorandom stream.
func (f *Files) growRandom(size int64, seed io.Reader) error {
	f.fillMu.Lock()
	defer f.fillMu.Unlock()

	info, err := f.hdFile.Stat()
	if err != nil {
		return err
	}
	if info.Size() >= size {
		return nil
	}

	const chunkSize = 1 << 20
	buf := make([]byte, chunkSize)
	offset := info.Size()
	remaining := size - offset

	gen, err := newFillStream(seed)
	if err != nil {
		return err
	}
	writtenSinceReseed := int64(0)

	for remaining > 0 {
		n := int64(chunkSize)
		if remaining < n {
			n = remaining
		}
		gen.Read(buf[:n])
		if _, err := f.hdFile.WriteAt(buf[:n], offset); err != nil {
			return err
		}
		offset += n
		remaining -= n
		writtenSinceReseed += n

		if writtenSinceReseed >= fillReseedInterval {
			if gen, err = newFillStream(seed); err != nil {
				return err
			}
			writtenSinceReseed = 0
		}
	}
	return nil
}

// fillStream is a non-cryptographic byte stream used only to keep the
// preallocated header+data file indistinguishable at a glance from
// ciphertext; it is reseeded periodically from a real random source.
type fillStream struct {
	rng *rand.ChaCha8
}

func newFillStream(seed io.Reader) (*fillStream, error) {
	var s [32]byte
	if _, err := io.ReadFull(seed, s[:]); err != nil {
		return nil, fmt.Errorf("slotio: seed fill stream: %w", err)
	}
	return &fillStream{rng: rand.NewChaCha8(s)}, nil
}

func (g *fillStream) Read(p []byte) {
	g.rng.Read(p)
}

// ReadEntry reads the metadata record at offset and, if withData is
// true, the parallel header+data record. If expectedKey is non-nil and
// the slot's digested key does not match, it returns (nil, nil): a
// cheap negative result, not an error. Header+data returned is still
// ciphertext; callers decrypt with the cipher manager.
func (f *Files) ReadEntry(offset uint64, expectedKey *[32]byte, withData bool) (*Entry, error) {
	ready := f.offsetReady.Load()
	if ready >= 0 && int64(offset) > ready {
		return nil, ErrNotReady
	}

	buf := make([]byte, MetadataLength)
	if err := f.readFullAt(f.metaFile, buf, int64(offset)*MetadataLength); err != nil {
		return nil, err
	}

	e := DecodeMetadata(buf)
	e.Offset = offset

	if !e.Occupied() {
		return nil, nil
	}

	if expectedKey != nil && e.DigestedRoutingKey != *expectedKey {
		return nil, nil
	}

	if withData {
		stride := f.RecordStride()
		hd := make([]byte, f.headerLen+f.dataLen)
		padded := make([]byte, stride)
		if err := f.readFullAt(f.hdFile, padded, int64(offset)*stride); err != nil {
			return nil, err
		}
		copy(hd, padded[:f.headerLen+f.dataLen])
		e.Header = hd[:f.headerLen]
		e.Data = hd[f.headerLen:]
	}

	return e, nil
}

// WriteEntry writes the entry's metadata and, if present, header+data
// to offset. Header+data must already be encrypted by the caller; this
// layer only places fixed-size bytes at fixed-size offsets.
func (f *Files) WriteEntry(e *Entry, offset uint64) error {
	e.Offset = offset

	metaBuf := EncodeMetadata(e)
	if err := f.writeFullAt(f.metaFile, metaBuf, int64(offset)*MetadataLength); err != nil {
		return err
	}

	if e.Header != nil || e.Data != nil {
		stride := f.RecordStride()
		padded := make([]byte, stride)
		copy(padded, e.Header)
		copy(padded[len(e.Header):], e.Data)
		if err := f.writeFullAt(f.hdFile, padded, int64(offset)*stride); err != nil {
			return err
		}
	}
	return nil
}

// ClearEntry writes the canonical free metadata record at offset,
// without touching the header+data file (stale ciphertext there is
// harmless: it can no longer be reached since occupied=0).
func (f *Files) ClearEntry(offset uint64) error {
	return f.writeFullAt(f.metaFile, FreeMetadata(), int64(offset)*MetadataLength)
}

// FlagsAt reads just the flags field of the slot at offset.
func (f *Files) FlagsAt(offset uint64) (uint64, error) {
	buf := make([]byte, MetadataLength)
	if err := f.readFullAt(f.metaFile, buf, int64(offset)*MetadataLength); err != nil {
		return 0, err
	}
	return DecodeMetadata(buf).Flags, nil
}

// IsFreeAt reports whether the slot at offset is free.
func (f *Files) IsFreeAt(offset uint64) (bool, error) {
	flags, err := f.FlagsAt(offset)
	if err != nil {
		return false, err
	}
	return flags&FlagOccupied == 0, nil
}

// DigestedKeyAt reads just the digested routing key of the slot at offset.
func (f *Files) DigestedKeyAt(offset uint64) ([32]byte, error) {
	buf := make([]byte, MetadataLength)
	var key [32]byte
	if err := f.readFullAt(f.metaFile, buf, int64(offset)*MetadataLength); err != nil {
		return key, err
	}
	copy(key[:], buf[offDigestedKey:offDigestedKey+32])
	return key, nil
}

// ReadMetadataBatch reads count consecutive metadata records starting
// at startOffset as one buffer, for the cleaner's batch processor.
func (f *Files) ReadMetadataBatch(startOffset uint64, count int) ([]byte, error) {
	buf := make([]byte, int64(count)*MetadataLength)
	if err := f.readFullAt(f.metaFile, buf, int64(startOffset)*MetadataLength); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteMetadataBatch writes back a batch buffer previously obtained
// from ReadMetadataBatch (after in-place modification).
func (f *Files) WriteMetadataBatch(startOffset uint64, buf []byte) error {
	return f.writeFullAt(f.metaFile, buf, int64(startOffset)*MetadataLength)
}

// Truncate shrinks both files to exactly capacity slots. Callers must
// only call this once every slot beyond capacity has been relocated or
// dropped by the cleaner.
func (f *Files) Truncate(capacity uint64) error {
	if err := f.metaFile.Truncate(int64(capacity) * MetadataLength); err != nil {
		return err
	}
	if err := f.hdFile.Truncate(int64(capacity) * f.RecordStride()); err != nil {
		return err
	}
	if ready := f.offsetReady.Load(); ready >= int64(capacity) {
		f.offsetReady.Store(int64(capacity) - 1)
	}
	return nil
}

// Sync forces both files to stable storage.
func (f *Files) Sync() error {
	if err := f.metaFile.Sync(); err != nil {
		return err
	}
	return f.hdFile.Sync()
}

// Close closes both files.
func (f *Files) Close() error {
	err1 := f.metaFile.Close()
	err2 := f.hdFile.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

func (f *Files) readFullAt(file *os.File, buf []byte, offset int64) error {
	n, err := file.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return err
	}
	if n < len(buf) {
		return ErrShortRead
	}
	return nil
}

func (f *Files) writeFullAt(file *os.File, buf []byte, offset int64) error {
	n, err := file.WriteAt(buf, offset)
	if err != nil {
		return err
	}
	if n < len(buf) {
		return ErrShortWrite
	}
	return nil
}
