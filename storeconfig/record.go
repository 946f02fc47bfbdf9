// Package storeconfig persists and validates the block store's
// configuration record: salt, capacity bookkeeping, generation,
// status flags, bloom filter shape, and cumulative statistics. The
// record is written atomically so a crash mid-write never corrupts
// the previous, still-valid version on disk.
package storeconfig

import (
	"bytes"
	"encoding/binary"
	"os"

	"github.com/natefinch/atomic"
)

// RecordLength is the fixed on-disk size of a config record, in bytes.
const RecordLength = 0x60

// Flag bits within Record.Flags.
const (
	FlagDirty        uint32 = 1 << 0
	FlagRebuildBloom  uint32 = 1 << 1
)

// Record is the in-memory form of the `<name>.config` file: little-
// endian, fixed-offset, matching the on-disk layout byte for byte.
type Record struct {
	Salt             [16]byte
	Capacity         uint64
	PreviousCapacity uint64
	KeyCount         uint64
	Generation       uint32
	Flags            uint32
	BloomK           uint32

	Writes              uint64
	Hits                uint64
	Misses              uint64
	BloomFalsePositives uint64
}

// Dirty reports whether the dirty bit is set.
func (r *Record) Dirty() bool { return r.Flags&FlagDirty != 0 }

// RebuildBloom reports whether the rebuild-bloom bit is set.
func (r *Record) RebuildBloom() bool { return r.Flags&FlagRebuildBloom != 0 }

// Resizing reports whether a resize is in progress.
func (r *Record) Resizing() bool { return r.PreviousCapacity != 0 }

// Encode serializes r into a RecordLength byte little-endian buffer.
func Encode(r *Record) []byte {
	buf := make([]byte, RecordLength)
	copy(buf[0x00:], r.Salt[:])
	binary.LittleEndian.PutUint64(buf[0x10:], r.Capacity)
	binary.LittleEndian.PutUint64(buf[0x18:], r.PreviousCapacity)
	binary.LittleEndian.PutUint64(buf[0x20:], r.KeyCount)
	binary.LittleEndian.PutUint32(buf[0x28:], r.Generation)
	binary.LittleEndian.PutUint32(buf[0x2C:], r.Flags)
	binary.LittleEndian.PutUint32(buf[0x30:], r.BloomK)
	binary.LittleEndian.PutUint64(buf[0x40:], r.Writes)
	binary.LittleEndian.PutUint64(buf[0x48:], r.Hits)
	binary.LittleEndian.PutUint64(buf[0x50:], r.Misses)
	binary.LittleEndian.PutUint64(buf[0x58:], r.BloomFalsePositives)
	return buf
}

// Decode parses a RecordLength byte little-endian buffer into a
// Record. Callers must pass at least RecordLength bytes; Load enforces
// this and returns ErrCorrupt otherwise.
func Decode(buf []byte) *Record {
	r := &Record{}
	copy(r.Salt[:], buf[0x00:0x10])
	r.Capacity = binary.LittleEndian.Uint64(buf[0x10:])
	r.PreviousCapacity = binary.LittleEndian.Uint64(buf[0x18:])
	r.KeyCount = binary.LittleEndian.Uint64(buf[0x20:])
	r.Generation = binary.LittleEndian.Uint32(buf[0x28:])
	r.Flags = binary.LittleEndian.Uint32(buf[0x2C:])
	r.BloomK = binary.LittleEndian.Uint32(buf[0x30:])
	r.Writes = binary.LittleEndian.Uint64(buf[0x40:])
	r.Hits = binary.LittleEndian.Uint64(buf[0x48:])
	r.Misses = binary.LittleEndian.Uint64(buf[0x50:])
	r.BloomFalsePositives = binary.LittleEndian.Uint64(buf[0x58:])
	return r
}

// Load reads and decodes the config record at path. It returns
// ErrNotFound if the file does not exist, and ErrCorrupt if it exists
// but is shorter than RecordLength.
func Load(path string) (*Record, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(raw) < RecordLength {
		return nil, ErrCorrupt
	}
	return Decode(raw[:RecordLength]), nil
}

// Save writes r to path via a temp file, rename, and fsync, so a
// reader never observes a partially-written record.
func Save(path string, r *Record) error {
	return atomic.WriteFile(path, bytes.NewReader(Encode(r)))
}
