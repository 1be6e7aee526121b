// Package random provides the explicit, seedable random source shared by the
// sequence generator and the jitter scheduler.
package random

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math/rand/v2"
)

// stream selects the PCG stream; fixed so that a seed alone reproduces a run.
const stream = 0x9e3779b97f4a7c15

// FromSeed returns a PCG-backed generator for seed.
func FromSeed(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, stream))
}

// New returns a generator and the seed it was built from. A nil seed draws a
// fresh one from the operating system so the run can still be replayed later.
func New(seed *uint64) (*rand.Rand, uint64, error) {
	if seed != nil {
		return FromSeed(*seed), *seed, nil
	}
	s, err := NewSeed()
	if err != nil {
		return nil, 0, err
	}
	return FromSeed(s), s, nil
}

// NewSeed draws a seed from crypto/rand.
func NewSeed() (uint64, error) {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("read seed: %w", err)
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}
