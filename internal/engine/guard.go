package engine

import "sync"

// DefaultMaxFailures is the consecutive-failure budget before the guard trips.
const DefaultMaxFailures = 100

// Guard counts consecutive fetch failures across every source.
//
// Any success resets the counter. Once the counter exceeds max the guard is
// tripped for good; there is no recovery path.
type Guard struct {
	mu      sync.Mutex
	max     int
	fails   int
	tripped bool
}

func NewGuard(max int) *Guard {
	if max <= 0 {
		max = DefaultMaxFailures
	}
	return &Guard{max: max}
}

func (g *Guard) RecordSuccess() {
	g.mu.Lock()
	if !g.tripped {
		g.fails = 0
	}
	g.mu.Unlock()
}

// RecordFailure increments the counter and reports whether the guard is
// (now or already) tripped.
func (g *Guard) RecordFailure() (fatal bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fails++
	if g.fails > g.max {
		g.tripped = true
	}
	return g.tripped
}

func (g *Guard) Failures() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fails
}

func (g *Guard) Tripped() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tripped
}

func (g *Guard) Max() int { return g.max }
