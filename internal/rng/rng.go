// Package rng is the random number facility. One Source per worker,
// seeded with the worker rank so runs replay identically at a given
// process count; the boot sequence enforces the one-per-process rule.
package rng

import "math/rand"

type Source struct {
	r *rand.Rand
}

// NewForRank seeds a per-worker source with the worker rank.
func NewForRank(rank int) *Source {
	return &Source{r: rand.New(rand.NewSource(int64(rank)))}
}

// Float64 draws a uniform float in [0,1).
func (s *Source) Float64() float64 { return s.r.Float64() }

// Intn draws a uniform int in [0,n).
func (s *Source) Intn(n int) int { return s.r.Intn(n) }
