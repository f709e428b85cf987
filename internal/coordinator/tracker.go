package coordinator

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Pending is a forwarded request waiting for its acknowledgment or response.
type Pending struct {
	Worker string
	Sent   time.Time
}

// tracker correlates asynchronous replies with the request that caused them.
// Entries are only informational: nothing is resent when one expires.
// The gauge follows the number of entries.
type tracker[K comparable] struct {
	mu      sync.Mutex
	entries map[K]Pending
	gauge   prometheus.Gauge
}

func newTracker[K comparable](gauge prometheus.Gauge) *tracker[K] {
	return &tracker[K]{entries: make(map[K]Pending), gauge: gauge}
}

// add records id. It reports whether an older entry with the same id was replaced.
func (t *tracker[K]) add(id K, p Pending) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, replaced := t.entries[id]
	t.entries[id] = p
	t.gauge.Set(float64(len(t.entries)))
	return replaced
}

// resolve removes and returns the entry for id.
func (t *tracker[K]) resolve(id K) (Pending, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
		t.gauge.Set(float64(len(t.entries)))
	}
	return p, ok
}

// sweep drops entries sent before cutoff and returns their ids.
func (t *tracker[K]) sweep(cutoff time.Time) []K {
	t.mu.Lock()
	defer t.mu.Unlock()
	var expired []K
	for id, p := range t.entries {
		if p.Sent.Before(cutoff) {
			expired = append(expired, id)
			delete(t.entries, id)
		}
	}
	t.gauge.Set(float64(len(t.entries)))
	return expired
}

func (t *tracker[K]) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
