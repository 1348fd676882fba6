// Package randengine provides the seedable randomness source shared by the
// simulation engine, plus small distribution helpers that work on any Source.
package randengine

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/exp/rand"
)

// Source is the randomness the simulation consumes. Implementations used from
// several goroutines must be safe for concurrent use.
type Source interface {
	// Float64 returns a value in [0, 1).
	Float64() float64
	// Intn returns a value in [0, n). n must be positive.
	Intn(n int) int
}

// Engine is a seeded generator whose methods are safe for concurrent use.
type Engine struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// New returns an engine seeded with seed. Seed 0 seeds from the wall clock.
func New(seed uint64) *Engine {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &Engine{rnd: rand.New(rand.NewSource(seed))}
}

// Float64 implements Source.
func (e *Engine) Float64() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rnd.Float64()
}

// Intn implements Source.
func (e *Engine) Intn(n int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rnd.Intn(n)
}

// Uniform returns a value drawn uniformly from [lo, hi).
func Uniform(src Source, lo, hi float64) float64 {
	return lo + (hi-lo)*src.Float64()
}

// PTrue returns true with probability p.
func PTrue(src Source, p float64) bool {
	return src.Float64() < p
}

// IntBetween returns an integer drawn uniformly from [lo, hi], both inclusive.
func IntBetween(src Source, lo, hi int) int {
	if hi <= lo {
		return lo
	}
	return lo + src.Intn(hi-lo+1)
}

// DiscreteDistribution returns index i with probability weights[i]/sum(weights).
// Zero weights are never chosen. Panics when no weight is positive.
func DiscreteDistribution(src Source, weights []float64) int {
	total := 0.0
	for _, w := range weights {
		if w > 0 {
			total += w
		}
	}
	if total <= 0 {
		panic(fmt.Sprintf("randengine: DiscreteDistribution: no positive weight in %v", weights))
	}
	target := total * src.Float64()
	sum := 0.0
	last := -1
	for i, w := range weights {
		if w <= 0 {
			continue
		}
		sum += w
		last = i
		if sum > target {
			return i
		}
	}
	// Rounding can leave target == sum on the final bucket.
	return last
}
