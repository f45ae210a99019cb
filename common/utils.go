package common

import (
	"crypto/rand"
	"encoding/binary"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// GenerateRandomBytes generates a slice of random bytes of the specified size
func GenerateRandomBytes(size int) ([]byte, error) {
	b := make([]byte, size)
	_, err := rand.Read(b)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to generate %d random bytes", size)
	}
	return b, nil
}

// RandomSeed draws a non-zero seed from the system source.
func RandomSeed() (int64, error) {
	b, err := GenerateRandomBytes(8)
	if err != nil {
		return 0, err
	}
	seed := int64(binary.LittleEndian.Uint64(b) >> 1)
	if seed == 0 {
		seed = 1
	}
	return seed, nil
}

// ParseHex parses an address with or without a 0x prefix.
func ParseHex(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return 0, errors.New("empty address")
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid hex address %q", s)
	}
	return v, nil
}
