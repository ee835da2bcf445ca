// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package rng implements the random source: the sole entry point
// through which every pass is allowed to draw nondeterminism. It mirrors
// the way saferwall/pe centralises low-level primitive reads in helper.go
// behind a handful of small functions, except here the thing being
// centralised is entropy rather than byte decoding.
package rng

import (
	"crypto/rand"
	"fmt"
	mrand "math/rand/v2"
)

const alphanumericAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Source is the randomness collaborator every pass must use instead of
// reaching for math/rand or crypto/rand directly.
type Source interface {
	// NextInt returns a pseudo-random integer in the half-open range
	// [min, max). min == max returns min. min > max is a caller error.
	NextInt(min, max int) int

	// NextBytes returns n pseudo-random bytes. n < 0 is a caller error.
	NextBytes(n int) []byte

	// NextString returns a pseudo-random string of length n drawn from
	// the alphanumeric alphabet.
	NextString(n int) string

	// NextDouble returns a pseudo-random float64 in [0, 1).
	NextDouble() float64
}

// source is the concrete, seedable implementation. It holds its own
// math/rand/v2 generator so that two Source instances never share
// mutable state.
type source struct {
	rnd *mrand.Rand
}

// NewSeeded returns a deterministic-on-seed Source, for reproducible
// builds.
func NewSeeded(seed uint64) Source {
	return &source{rnd: mrand.New(mrand.NewPCG(seed, seed^0x9E3779B97F4A7C15))}
}

// NewCryptoSeeded returns a Source seeded from the operating system's
// entropy source, for ordinary (non-reproducible) runs.
func NewCryptoSeeded() Source {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing is effectively unrecoverable; fall back to a
		// fixed seed rather than returning an error from a constructor
		// whose interface callers don't expect to fail.
		return NewSeeded(0xDEADBEEF)
	}
	seed1 := uint64(0)
	seed2 := uint64(0)
	for i := 0; i < 8; i++ {
		seed1 = seed1<<8 | uint64(buf[i])
		seed2 = seed2<<8 | uint64(buf[i+8])
	}
	return &source{rnd: mrand.New(mrand.NewPCG(seed1, seed2))}
}

func (s *source) NextInt(min, max int) int {
	if min > max {
		panic(fmt.Sprintf("rng: NextInt: min (%d) > max (%d)", min, max))
	}
	if min == max {
		return min
	}
	return min + s.rnd.IntN(max-min)
}

func (s *source) NextBytes(n int) []byte {
	if n < 0 {
		panic(fmt.Sprintf("rng: NextBytes: negative length %d", n))
	}
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(s.rnd.IntN(256))
	}
	return buf
}

func (s *source) NextString(n int) string {
	if n < 0 {
		panic(fmt.Sprintf("rng: NextString: negative length %d", n))
	}
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = alphanumericAlphabet[s.rnd.IntN(len(alphanumericAlphabet))]
	}
	return string(buf)
}

func (s *source) NextDouble() float64 {
	return s.rnd.Float64()
}
