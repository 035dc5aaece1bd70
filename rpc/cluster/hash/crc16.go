// Package hash maps keys to cluster slots: CRC16 (XMODEM) of the key, or of its
// hash tag, modulo 16384.
//
// Hash tags pin several keys to one slot: if a key contains "{" followed by
// a "}" with at least one byte in between, only the bytes between the first
// "{" and the first "}" after it are hashed. "{user1000}.following" and
// "{user1000}.followers" share a slot, "{}foo" hashes the whole key.
package hash

// SlotCount is the size of the slot space
const SlotCount = 16384

// crcTable is the lookup table of the CRC16/XMODEM polynomial 0x1021
var crcTable [256]uint16

func init() {
	for i := 0; i < 256; i++ {
		crc := uint16(i) << 8
		for j := 0; j < 8; j++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
		crcTable[i] = crc
	}
}

// CRC16 computes the CRC16/XMODEM checksum of b
func CRC16(b []byte) uint16 {
	var crc uint16
	for _, c := range b {
		crc = crc<<8 ^ crcTable[byte(crc>>8)^c]
	}
	return crc
}

// Slot returns the slot of a key
func Slot(key []byte) int {
	return int(CRC16(HashTag(key)) % SlotCount)
}

// SlotString is Slot for string keys
func SlotString(key string) int {
	return Slot([]byte(key))
}

// HashTag returns the part of the key that is hashed
func HashTag(key []byte) []byte {
	for i, c := range key {
		if c != '{' {
			continue
		}
		for j := i + 1; j < len(key); j++ {
			if key[j] == '}' {
				if j == i+1 {
					return key // empty tag
				}
				return key[i+1 : j]
			}
		}
		return key // no closing brace
	}
	return key
}

// SameSlot returns the common slot of all keys, ok is false if they differ
// or no key is given
func SameSlot(keys [][]byte) (slot int, ok bool) {
	if len(keys) == 0 {
		return 0, false
	}
	slot = Slot(keys[0])
	for _, k := range keys[1:] {
		if Slot(k) != slot {
			return slot, false
		}
	}
	return slot, true
}
