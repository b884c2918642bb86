// Package prng is the allocator's fast, per-thread random source: bag-set
// replica selection (§4.2) and the random-guard-page coin flip (§4.4) run
// on every allocation and must not pay a crypto/rand syscall each time.
// Grounded on FreeGuard's per-thread xorshift usage in bibopheap.hh, which
// this reimplements with math/rand/v2's PCG, reseeded once from the OS
// CSPRNG rather than from a fixed or time-derived seed.
package prng

import (
	crand "crypto/rand"
	"math/rand/v2"
)

// Source is a non-cryptographic random source, one per thread slot so
// concurrent allocations never contend on a shared generator.
type Source struct {
	r *rand.Rand
}

// New creates a Source seeded deterministically from seed. Exposed mainly
// for tests that need reproducible bag-set/guard sequences.
func New(seed [32]byte) *Source {
	s1 := uint64(0)
	s2 := uint64(0)
	for i := 0; i < 8; i++ {
		s1 |= uint64(seed[i]) << (8 * i)
		s2 |= uint64(seed[i+8]) << (8 * i)
	}
	return &Source{r: rand.New(rand.NewPCG(s1, s2))}
}

// SeedFromOS draws a fresh seed from the OS CSPRNG. Panics only if the OS
// random source is unavailable, which indicates a broken runtime
// environment rather than a recoverable allocator condition.
func SeedFromOS() [32]byte {
	var seed [32]byte
	if _, err := crand.Read(seed[:]); err != nil {
		panic("prng: OS random source unavailable: " + err.Error())
	}
	return seed
}

// NewFromOS is the convenience constructor used at thread registration.
func NewFromOS() *Source {
	return New(SeedFromOS())
}

// Uint32 returns a uniformly distributed uint32.
func (s *Source) Uint32() uint32 {
	return uint32(s.r.Uint64())
}

// Float64 returns a uniformly distributed float64 in [0, 1), used for the
// random-guard-page coin flip.
func (s *Source) Float64() float64 {
	return s.r.Float64()
}

// IntN returns a uniformly distributed integer in [0, n).
func (s *Source) IntN(n int) int {
	return s.r.IntN(n)
}
