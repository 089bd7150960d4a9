package docsync

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// Id identifies a client, instance, or network on the bus. Ids are minted as
// ulids and travel as lowercase uuid strings in json and jwt claims.
// comparable, usable as a map key.
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	var id Id

	switch len(idStr) {
	case 36:
		idStr = idStr[0:8] + idStr[9:13] + idStr[14:18] + idStr[19:23] + idStr[24:]
	case 32:
		// dashes already stripped
	default:
		return id, fmt.Errorf("cannot parse id %q", idStr)
	}

	idBytes, err := hex.DecodeString(idStr)
	if err != nil {
		return id, err
	}
	copy(id[:], idBytes)
	return id, nil
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	var out [36]byte
	hex.Encode(out[0:8], self[0:4])
	out[8] = '-'
	hex.Encode(out[9:13], self[4:6])
	out[13] = '-'
	hex.Encode(out[14:18], self[6:8])
	out[18] = '-'
	hex.Encode(out[19:23], self[8:10])
	out[23] = '-'
	hex.Encode(out[24:36], self[10:16])
	return string(out[:])
}

// encoding.TextMarshaler, so Id works as a json value or map key

func (self Id) MarshalText() ([]byte, error) {
	return []byte(self.String()), nil
}

func (self *Id) UnmarshalText(src []byte) error {
	id, err := ParseId(string(src))
	if err != nil {
		return err
	}
	*self = id
	return nil
}
