// This package defines a common id type which is used through out courier. It is based on random 16 byte values.
package ids

import (
	"bytes"
	crypto_rand "crypto/rand"
	"encoding/hex"
	"io"
)

type ID [16]byte

func IDFromBytes(b []byte) ID {
	return [16]byte(b)
}

func NewID() ID {
	var id [16]byte
	_, err := io.ReadFull(crypto_rand.Reader, id[:])
	if err != nil {
		panic("short read from random source")
	}
	return id
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

func (id ID) Bytes() []byte {
	b := make([]byte, 16)
	copy(b, id[:])
	return b
}

func Compare(a, b ID) int {
	return bytes.Compare(a[:], b[:])
}
