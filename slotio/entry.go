package slotio

import "encoding/binary"

// MetadataLength is the fixed size, in bytes, of one slot's metadata
// record.
const MetadataLength = 0x80

// Entry flag bits.
const (
	FlagOccupied        uint64 = 0x01
	FlagPlainKeyPresent uint64 = 0x02
	FlagNewBlock        uint64 = 0x04
	FlagWrongStore      uint64 = 0x08
)

// Metadata record byte offsets, per the on-disk layout:
//
//	0x00  32B  digested routing key
//	0x20  16B  data encrypt IV
//	0x30  8B   flags
//	0x38  8B   store size
//	0x40  32B  plain routing key (only if FlagPlainKeyPresent)
//	0x60  4B   generation
//	0x64  28B  reserved
const (
	offDigestedKey = 0x00
	offIV          = 0x20
	offFlags       = 0x30
	offStoreSize   = 0x38
	offPlainKey    = 0x40
	offGeneration  = 0x60
)

// Entry is the in-memory representation of one slot's metadata and,
// optionally, its decrypted header+data.
type Entry struct {
	DigestedRoutingKey [32]byte
	DataEncryptIV      [16]byte
	Flags              uint64
	StoreSize          uint64
	Generation         uint32
	PlainRoutingKey    []byte // 32 bytes if present, else nil

	Header []byte
	Data   []byte

	// Offset is the slot this entry was read from or last written to.
	// It is not part of the persisted record.
	Offset uint64
}

// Occupied reports whether the entry's occupied flag is set. An entry
// with Occupied()==false is free regardless of any other bytes.
func (e *Entry) Occupied() bool {
	return e.Flags&FlagOccupied != 0
}

// EncodeMetadata serializes the entry's metadata into a MetadataLength
// byte big-endian record. Header/data are not included.
func EncodeMetadata(e *Entry) []byte {
	buf := make([]byte, MetadataLength)
	copy(buf[offDigestedKey:], e.DigestedRoutingKey[:])
	copy(buf[offIV:], e.DataEncryptIV[:])
	binary.BigEndian.PutUint64(buf[offFlags:], e.Flags)
	binary.BigEndian.PutUint64(buf[offStoreSize:], e.StoreSize)
	if e.Flags&FlagPlainKeyPresent != 0 && len(e.PlainRoutingKey) == 32 {
		copy(buf[offPlainKey:], e.PlainRoutingKey)
	}
	binary.BigEndian.PutUint32(buf[offGeneration:], e.Generation)
	return buf
}

// DecodeMetadata parses a MetadataLength byte big-endian record into an
// Entry. Callers must pass exactly MetadataLength bytes.
func DecodeMetadata(buf []byte) *Entry {
	e := &Entry{}
	copy(e.DigestedRoutingKey[:], buf[offDigestedKey:offDigestedKey+32])
	copy(e.DataEncryptIV[:], buf[offIV:offIV+16])
	e.Flags = binary.BigEndian.Uint64(buf[offFlags:])
	e.StoreSize = binary.BigEndian.Uint64(buf[offStoreSize:])
	if e.Flags&FlagPlainKeyPresent != 0 {
		e.PlainRoutingKey = append([]byte(nil), buf[offPlainKey:offPlainKey+32]...)
	}
	e.Generation = binary.BigEndian.Uint32(buf[offGeneration:])
	return e
}

// FreeMetadata returns the canonical cleared metadata record for a
// free slot: all zero bytes. Occupied==0 makes any other stale bytes
// irrelevant, but zeroing keeps the file contents unambiguous.
func FreeMetadata() []byte {
	return make([]byte, MetadataLength)
}
