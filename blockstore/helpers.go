package blockstore

import (
	"encoding/binary"
	"io"

	"github.com/anonstore/saltedhash/slotio"
)

// combineHeaderData concatenates header and data into one buffer, the
// shape the cipher manager encrypts and decrypts as a unit.
func combineHeaderData(header, data []byte) []byte {
	buf := make([]byte, len(header)+len(data))
	copy(buf, header)
	copy(buf[len(header):], data)
	return buf
}

// randFloat reads a uniform float64 in [0, 1) from r. A read failure
// fails safe by returning 1, which never satisfies a "< threshold"
// eviction test.
func randFloat(r io.Reader) float64 {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 1
	}
	return float64(binary.BigEndian.Uint64(b[:])>>11) / (1 << 53)
}

// buildEntry encrypts block's header+data and assembles the slotio
// Entry to be written for it.
func (s *Store[T]) buildEntry(block T, digested [32]byte, wrongStore, isNewBlock bool, generation uint32, storeSize uint64) (*slotio.Entry, error) {
	header := block.HeaderBytes()
	data := block.DataBytes()
	combined := combineHeaderData(header, data)

	iv, err := s.cipherMgr.Encrypt(combined, block.RoutingKey(), s.rng)
	if err != nil {
		return nil, err
	}

	flags := uint64(slotio.FlagOccupied)
	if isNewBlock {
		flags |= slotio.FlagNewBlock
	}
	if wrongStore {
		flags |= slotio.FlagWrongStore
	}

	var plainKey []byte
	if s.opts.SavePlainKey {
		if rk := block.RoutingKey(); len(rk) == 32 {
			flags |= slotio.FlagPlainKeyPresent
			plainKey = rk
		}
	}

	return &slotio.Entry{
		DigestedRoutingKey: digested,
		DataEncryptIV:       iv,
		Flags:               flags,
		StoreSize:           storeSize,
		Generation:          generation,
		PlainRoutingKey:     plainKey,
		Header:              combined[:len(header)],
		Data:                combined[len(header):],
	}, nil
}

// rewriteFlags persists only a flags change for an already-written
// entry, leaving its header+data record untouched.
func (s *Store[T]) rewriteFlags(off uint64, e *slotio.Entry) error {
	return s.files.WriteMetadataBatch(off, slotio.EncodeMetadata(e))
}
