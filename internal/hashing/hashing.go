// Package hashing provides the seeded 64-bit streaming hash used for record
// checksums and blob content addressing.
//
// The digest is the first 64 bits of MurmurHash3 x64_128.
package hashing

import (
	"hash"

	"github.com/spaolacci/murmur3"
)

// Seed is the seed used for everything the store persists. Changing it
// invalidates every stored checksum.
const Seed uint32 = 0x636f776b // "cowk"

// Size is the digest size in bytes.
const Size = 8

// Hasher accumulates bytes block by block. Feeding the same bytes in one
// call or in many gives the same digest.
type Hasher struct {
	seed uint32
	h    hash.Hash64
}

// New returns a hasher with the given seed.
func New(seed uint32) *Hasher {
	return &Hasher{seed: seed, h: murmur3.New64WithSeed(seed)}
}

// Update adds p to the running digest.
func (h *Hasher) Update(p []byte) {
	h.h.Write(p)
}

// Write implements io.Writer.
func (h *Hasher) Write(p []byte) (int, error) {
	return h.h.Write(p)
}

// Sum64 returns the digest of everything written so far.
func (h *Hasher) Sum64() uint64 {
	return h.h.Sum64()
}

// Reset clears the state, keeping the seed.
func (h *Hasher) Reset() {
	h.h.Reset()
}

// Seed returns the seed the hasher was created with.
func (h *Hasher) Seed() uint32 { return h.seed }

// Sum64 hashes p in one call.
func Sum64(seed uint32, p []byte) uint64 {
	return murmur3.Sum64WithSeed(p, seed)
}

// Checksum hashes p with the store seed.
func Checksum(p []byte) uint64 {
	return murmur3.Sum64WithSeed(p, Seed)
}
