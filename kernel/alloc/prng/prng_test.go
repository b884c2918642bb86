package prng

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_IsDeterministicForAFixedSeed(t *testing.T) {
	var seed [32]byte
	for i := range seed {
		seed[i] = byte(i)
	}

	a := New(seed)
	b := New(seed)

	for i := 0; i < 8; i++ {
		assert.Equal(t, a.Uint32(), b.Uint32())
	}
}

func TestFloat64_StaysInUnitInterval(t *testing.T) {
	s := NewFromOS()
	for i := 0; i < 1000; i++ {
		v := s.Float64()
		assert.GreaterOrEqual(t, v, 0.0)
		assert.Less(t, v, 1.0)
	}
}

func TestIntN_StaysInRange(t *testing.T) {
	s := NewFromOS()
	for i := 0; i < 1000; i++ {
		v := s.IntN(4)
		assert.GreaterOrEqual(t, v, 0)
		assert.Less(t, v, 4)
	}
}
