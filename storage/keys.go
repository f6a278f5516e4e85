package storage

import (
	"encoding/binary"
	"fmt"
)

// HeightKey encodes a block height as an 8-byte big-endian key, so that keys
// sort in height order.
func HeightKey(height uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], height)
	return k[:]
}

// ParseHeightKey decodes a key produced by HeightKey.
func ParseHeightKey(key []byte) (uint64, error) {
	if len(key) != 8 {
		return 0, fmt.Errorf("malformed height key of length %d", len(key))
	}
	return binary.BigEndian.Uint64(key), nil
}
