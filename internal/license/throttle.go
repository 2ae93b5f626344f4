package license

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle limits unlock attempts per identifier (user email or client
// address) to slow down credential and key guessing against the activation
// surface. Each identifier gets its own token bucket; idle buckets are swept
// periodically.
type Throttle struct {
	mu       sync.Mutex
	entries  map[string]*throttleEntry
	limit    rate.Limit
	burst    int
	stopChan chan struct{}
	stopOnce sync.Once
}

type throttleEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewThrottle creates a throttle allowing rps sustained attempts with the
// given burst per identifier.
func NewThrottle(rps float64, burst int) *Throttle {
	t := &Throttle{
		entries:  make(map[string]*throttleEntry),
		limit:    rate.Limit(rps),
		burst:    burst,
		stopChan: make(chan struct{}),
	}

	go t.cleanup()

	return t
}

// Allow reports whether the identifier may attempt an unlock now.
func (t *Throttle) Allow(identifier string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[identifier]
	if !ok {
		entry = &throttleEntry{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.entries[identifier] = entry
	}
	entry.lastSeen = time.Now()

	return entry.limiter.Allow()
}

// Stop terminates the background sweep.
func (t *Throttle) Stop() {
	t.stopOnce.Do(func() { close(t.stopChan) })
}

func (t *Throttle) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-1 * time.Hour)
			t.mu.Lock()
			for id, entry := range t.entries {
				if entry.lastSeen.Before(cutoff) {
					delete(t.entries, id)
				}
			}
			t.mu.Unlock()
		case <-t.stopChan:
			return
		}
	}
}
