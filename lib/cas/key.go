// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cas

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Key is a content key.
type Key [32]byte

// NameKey identifies a path.
type NameKey [16]byte

// ZeroKey means the file does not exist.
var ZeroKey Key

// DirectoryKey is returned for paths that are directories. It is
// never stored as a blob.
var DirectoryKey = Key{
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xfe,
}

// IsZero reports whether k is the zero key.
func (k Key) IsZero() bool { return k == ZeroKey }

// String returns the lowercase hex encoding.
func (k Key) String() string { return hex.EncodeToString(k[:]) }

// Short returns the first 12 hex characters, for logs.
func (k Key) Short() string { return hex.EncodeToString(k[:6]) }

// ParseKey parses a 64-character hex key.
func ParseKey(text string) (Key, error) {
	var key Key
	decoded, err := hex.DecodeString(text)
	if err != nil {
		return key, fmt.Errorf("parsing content key: %w", err)
	}
	if len(decoded) != len(key) {
		return key, fmt.Errorf("content key is %d bytes, want %d", len(decoded), len(key))
	}
	copy(key[:], decoded)
	return key, nil
}

// String returns the lowercase hex encoding.
func (k NameKey) String() string { return hex.EncodeToString(k[:]) }

// Domain keys for BLAKE3 keyed hashing. ASCII names zero-padded to 32
// bytes; changing one invalidates every key in that domain.
var (
	contentDomain = [32]byte{
		'o', 'f', 'f', 'l', 'o', 'a', 'd', '.', 'c', 'a', 's', '.',
		'c', 'o', 'n', 't', 'e', 'n', 't',
	}
	nameDomain = [32]byte{
		'o', 'f', 'f', 'l', 'o', 'a', 'd', '.', 'c', 'a', 's', '.',
		'n', 'a', 'm', 'e',
	}
	derivedDomain = [32]byte{
		'o', 'f', 'f', 'l', 'o', 'a', 'd', '.', 'c', 'a', 's', '.',
		'd', 'e', 'r', 'i', 'v', 'e', 'd',
	}
)

// HashContent returns the content key of data.
func HashContent(data []byte) Key {
	hasher := newHasher(contentDomain)
	hasher.Write(data)
	var key Key
	copy(key[:], hasher.Sum(nil))
	return key
}

// KeyForName returns the name key of a path. Paths are hashed as
// given; callers clean them first.
func KeyForName(path string) NameKey {
	hasher := newHasher(nameDomain)
	hasher.WriteString(path)
	var key NameKey
	copy(key[:], hasher.Sum(nil))
	return key
}

// DeriveKey combines content keys, in order, into one key. Used for
// files whose identity is their declared inputs rather than their
// bytes.
func DeriveKey(inputs []Key) Key {
	hasher := newHasher(derivedDomain)
	for _, input := range inputs {
		hasher.Write(input[:])
	}
	var key Key
	copy(key[:], hasher.Sum(nil))
	return key
}

func newHasher(domain [32]byte) *blake3.Hasher {
	hasher, err := blake3.NewKeyed(domain[:])
	if err != nil {
		panic("cas: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	return hasher
}
