package docsync

import (
	mathrand "math/rand"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestDeltaCodecRoundTrip(t *testing.T) {
	// all byte sequences round trip exactly, including the empty payload
	payloads := [][]byte{
		{},
		{0},
		{255},
		{0, 1, 2, 127, 128, 254, 255},
	}
	random := make([]byte, 4096)
	mathrand.Read(random)
	payloads = append(payloads, random)

	for _, payload := range payloads {
		encoded := EncodeDelta(payload)
		decoded, err := DecodeDelta(encoded)
		assert.Equal(t, nil, err)
		assert.Equal(t, payload, decoded)
	}
}

func TestDeltaCodecEmpty(t *testing.T) {
	// a no-op delta decodes to an empty buffer, not nil
	decoded, err := DecodeDelta([]int{})
	assert.Equal(t, nil, err)
	assert.NotEqual(t, decoded, nil)
	assert.Equal(t, 0, len(decoded))

	decoded, err = DecodeDelta(nil)
	assert.Equal(t, nil, err)
	assert.NotEqual(t, decoded, nil)
	assert.Equal(t, 0, len(decoded))
}

func TestDeltaCodecMalformed(t *testing.T) {
	_, err := DecodeDelta([]int{0, 256})
	assert.NotEqual(t, err, nil)

	_, err = DecodeDelta([]int{-1})
	assert.NotEqual(t, err, nil)

	_, err = DecodeDelta([]int{12, 100000, 12})
	assert.NotEqual(t, err, nil)
}
