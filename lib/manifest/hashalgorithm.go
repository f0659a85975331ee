// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package manifest

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// HashType is the algorithm a file's chunk IDs are derived with. A chunk's
// ID is the first eight bytes, little endian, of the digest of its
// uncompressed data.
type HashType uint8

const (
	HashNone HashType = iota
	HashSHA512
	HashSHA256
	HashHKDF
)

const hkdfRounds = 32

func (h HashType) String() string {
	switch h {
	case HashNone:
		return "none"
	case HashSHA512:
		return "sha512"
	case HashSHA256:
		return "sha256"
	case HashHKDF:
		return "hkdf"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(h))
	}
}

func (h *HashType) UnmarshalText(bs []byte) error {
	switch string(bs) {
	case "none":
		*h = HashNone
	case "sha512":
		*h = HashSHA512
	case "sha256":
		*h = HashSHA256
	case "hkdf":
		*h = HashHKDF
	default:
		return fmt.Errorf("unknown hash algorithm %q", string(bs))
	}
	return nil
}

func (h HashType) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// Known is true for the algorithms this package implements.
func (h HashType) Known() bool {
	return h <= HashHKDF
}

// Sum returns the chunk ID for data. The second return value is false when
// the algorithm cannot produce IDs (HashNone or unknown).
func (h HashType) Sum(data []byte) (uint64, bool) {
	switch h {
	case HashSHA512:
		sum := sha512.Sum512(data)
		return binary.LittleEndian.Uint64(sum[:8]), true
	case HashSHA256:
		sum := sha256.Sum256(data)
		return binary.LittleEndian.Uint64(sum[:8]), true
	case HashHKDF:
		key := sha256.Sum256(data)
		sum := pbkdf2.Key(key[:], nil, hkdfRounds, 8, sha256.New)
		return binary.LittleEndian.Uint64(sum), true
	default:
		return 0, false
	}
}

// Validate reports whether data matches the chunk ID under this algorithm.
// Files without a hash algorithm can not be checked beyond their size, so
// any data validates. Unknown algorithms never validate.
func (h HashType) Validate(data []byte, chunkID uint64) bool {
	if h == HashNone {
		return true
	}
	sum, ok := h.Sum(data)
	return ok && sum == chunkID
}
