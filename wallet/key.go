package wallet

import (
	"encoding/hex"

	"github.com/pkg/errors"
)

// PublicKey identifies an account and the identity acting on it.
type PublicKey [32]byte

func (k PublicKey) String() string {
	return hex.EncodeToString(k[:])
}

// IsZero reports whether k is the zero key, which never identifies
// an account.
func (k PublicKey) IsZero() bool {
	return k == PublicKey{}
}

// ParseKey decodes a 64-character hex string.
func ParseKey(s string) (k PublicKey, err error) {
	buf, err := hex.DecodeString(s)
	if err != nil {
		return k, errors.Errorf("bad key %q: %v", s, err)
	}
	if len(buf) != len(k) {
		return k, errors.Errorf("bad key %q: want %d bytes, got %d", s, len(k), len(buf))
	}
	copy(k[:], buf)
	return
}

// Less orders keys bytewise.
func (k PublicKey) Less(other PublicKey) bool {
	for i := range k {
		if k[i] != other[i] {
			return k[i] < other[i]
		}
	}
	return false
}
