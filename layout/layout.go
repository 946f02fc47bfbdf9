// Package layout maps a digested routing key to a deterministic
// sequence of candidate slot offsets within a store of a given
// capacity, using quadratic probing over the key's leading 64 bits.
package layout

import "encoding/binary"

// MaxProbe is the number of candidate offsets produced per key (P in
// the component design).
const MaxProbe = 5

// Offsets returns up to MaxProbe candidate slot offsets for digestedKey
// within a store of the given capacity. The offsets are uniquified: no
// two returned offsets are equal unless capacity is smaller than
// MaxProbe, in which case duplicates collapse to the available range.
//
//	offset[i] = ((h + 141*i^2 + 13*i) mod 2^63) mod capacity
//
// where h is the first eight bytes of digestedKey interpreted as an
// unsigned 64-bit integer.
func Offsets(digestedKey [32]byte, capacity uint64) []uint64 {
	h := binary.BigEndian.Uint64(digestedKey[:8])
	offsets := make([]uint64, MaxProbe)

	for i := 0; i < MaxProbe; i++ {
		ii := uint64(i)
		v := (h + 141*ii*ii + 13*ii) & 0x7FFFFFFFFFFFFFFF
		offsets[i] = v % capacity

		for {
			clear := true
			for j := 0; j < i; j++ {
				if offsets[i] == offsets[j] {
					offsets[i] = (offsets[i] + 1) % capacity
					clear = false
				}
			}
			if clear || uint64(MaxProbe) > capacity {
				break
			}
		}
	}

	return offsets
}
