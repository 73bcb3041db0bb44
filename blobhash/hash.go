// Package blobhash implements the 384-bit content digest used to address
// blobs: a fixed SHA-384 hash, represented on the wire as 96 lowercase hex
// characters with no algorithm prefix.
package blobhash

import (
	"bytes"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
)

// Length is the byte length of a digest (384 bits).
const Length = 48

// HexLength is the length of the hex-encoded wire form, BLOBHASH_LENGTH
// in spec terms.
const HexLength = Length * 2

// Hash is a 48-byte SHA-384 digest.
type Hash [Length]byte

// Zero is the zero-value Hash, never a valid blob hash.
var Zero Hash

// String returns the lowercase hex encoding of h.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool {
	return h == Zero
}

// Equal reports whether h and other represent the same digest.
func (h Hash) Equal(other Hash) bool {
	return h == other
}

// Parse validates and decodes a hex digest string into a Hash. It is the
// is_valid_blobhash predicate of the spec plus decoding: s must be exactly
// HexLength characters, all in [0-9a-f].
func Parse(s string) (Hash, error) {
	if !IsValidHexLength(s) {
		return Zero, fmt.Errorf("blobhash: invalid hash %q: must be %d lowercase hex characters", s, HexLength)
	}

	var h Hash
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return Zero, fmt.Errorf("blobhash: invalid hash %q: %w", s, err)
	}
	return h, nil
}

// IsValidHexLength reports whether s is a syntactically valid blob hash:
// exactly HexLength characters, each in [0-9a-f].
func IsValidHexLength(s string) bool {
	if len(s) != HexLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// FromBytes returns the digest of p.
func FromBytes(p []byte) Hash {
	sum := sha512.Sum384(p)
	return Hash(sum)
}

// FromReader consumes r to completion and returns its digest.
func FromReader(r io.Reader) (Hash, error) {
	h := sha512.New384()
	if _, err := io.Copy(h, r); err != nil {
		return Zero, err
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out, nil
}

// Equal reports whether p digests to the given hash.
func Equal(p []byte, h Hash) bool {
	return bytes.Equal(FromBytes(p)[:], h[:])
}

// Digester incrementally computes a digest, the way BlobWriter streams
// untrusted bytes through a running hash without buffering the whole blob.
// Mirrors the teacher's digest.Digester: writes go to Hash() directly, and
// Digest() snapshots the current running sum.
type Digester interface {
	Hash() hash.Hash
	Digest() Hash
}

// NewDigester returns a Digester driven by the canonical hash algorithm
// (SHA-384).
func NewDigester() Digester {
	return &digester{h: sha512.New384()}
}

type digester struct {
	h hash.Hash
}

func (d *digester) Hash() hash.Hash { return d.h }

func (d *digester) Digest() Hash {
	var out Hash
	copy(out[:], d.h.Sum(nil))
	return out
}
