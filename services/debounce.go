package services

import (
	"sync"
	"time"
)

// DebounceGate suppresses repeats of an event class inside a cooldown window
type DebounceGate struct {
	mu        sync.Mutex
	lastFired map[string]time.Time
}

func NewDebounceGate() *DebounceGate {
	return &DebounceGate{lastFired: make(map[string]time.Time)}
}

// ShouldFire reports whether an occurrence of key at now passes the gate and,
// if so, records now as the last firing. At most one concurrent caller wins
// per window.
func (g *DebounceGate) ShouldFire(key string, cooldown time.Duration, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if last, ok := g.lastFired[key]; ok && now.Sub(last) < cooldown {
		return false
	}
	g.lastFired[key] = now
	return true
}

// Prune drops records last fired at least maxAge before now and returns how
// many it removed. Records still inside their window are kept.
func (g *DebounceGate) Prune(now time.Time, maxAge time.Duration) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	pruned := 0
	for key, last := range g.lastFired {
		if now.Sub(last) >= maxAge {
			delete(g.lastFired, key)
			pruned++
		}
	}
	return pruned
}
