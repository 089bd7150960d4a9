package docsync

import (
	"fmt"
)

// deltas are opaque binary payloads. The event bus carries json, so deltas
// cross the wire as arrays of integers, one per byte.

func EncodeDelta(delta []byte) []int {
	encoded := make([]int, len(delta))
	for i, b := range delta {
		encoded[i] = int(b)
	}
	return encoded
}

// the zero length payload decodes to an empty buffer, not nil
func DecodeDelta(encoded []int) ([]byte, error) {
	delta := make([]byte, len(encoded))
	for i, v := range encoded {
		if v < 0 || 255 < v {
			return nil, fmt.Errorf("value out of byte range at %d: %d", i, v)
		}
		delta[i] = byte(v)
	}
	return delta, nil
}
