package chain

import (
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
)

// ss58Prefix is the constant mixed into every SS58 checksum
var ss58Prefix = []byte("SS58PRE")

// DecodeSS58 decodes an SS58 wallet address into its 32-byte account id.
// Handles both one-byte (prefix < 64) and two-byte network prefixes, so
// generic substrate addresses and Vara-prefixed ones both resolve.
func DecodeSS58(address string) ([32]byte, error) {
	var out [32]byte

	raw, err := base58.Decode(address)
	if err != nil {
		return out, fmt.Errorf("decode wallet address: %w", err)
	}
	if len(raw) < 35 {
		return out, errors.New("wallet address too short")
	}

	prefixLen := 1
	if raw[0] >= 64 {
		prefixLen = 2
	}

	body := raw[:len(raw)-2]
	checksum := raw[len(raw)-2:]

	input := make([]byte, 0, len(ss58Prefix)+len(body))
	input = append(input, ss58Prefix...)
	input = append(input, body...)
	hash := blake2b.Sum512(input)

	if hash[0] != checksum[0] || hash[1] != checksum[1] {
		return out, errors.New("wallet address checksum mismatch")
	}

	pub := raw[prefixLen : len(raw)-2]
	if len(pub) != 32 {
		return out, fmt.Errorf("unexpected account id length %d", len(pub))
	}

	copy(out[:], pub)
	return out, nil
}
