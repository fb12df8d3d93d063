package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
)

// Digest accumulates the SHA-256 and byte count of everything written to it.
// It is meant to sit behind an io.TeeReader or io.MultiWriter.
type Digest struct {
	h hash.Hash
	n int64
}

func NewDigest() *Digest {
	return &Digest{h: sha256.New()}
}

func (d *Digest) Write(p []byte) (int, error) {
	n, err := d.h.Write(p)
	d.n += int64(n)
	return n, err
}

// Size is the number of bytes written so far.
func (d *Digest) Size() int64 { return d.n }

// Sum returns the lowercase hex SHA-256 of the bytes written so far.
func (d *Digest) Sum() string {
	return hex.EncodeToString(d.h.Sum(nil))
}

// HashBytes is the one-shot form of Digest.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
