package coordinator

import (
	"errors"
	"sync"
)

// ErrNoWorkers is returned by Next when no worker address is known.
var ErrNoWorkers = errors.New("coordinator: no workers available")

// Dispatcher hands out worker addresses in round-robin order.
//
// A single cursor is shared by ingestion and query traffic, so a query is
// not guaranteed to reach the worker that holds the rows it is about.
// Duplicate addresses are kept and receive proportionally more traffic.
type Dispatcher struct {
	mu      sync.Mutex
	workers []string
	cursor  int
}

// NewDispatcher creates a dispatcher over workers.
func NewDispatcher(workers []string) *Dispatcher {
	d := &Dispatcher{}
	d.SetWorkers(workers)
	return d
}

// Next returns the address under the cursor and advances it.
func (d *Dispatcher) Next() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.workers) == 0 {
		return "", ErrNoWorkers
	}
	addr := d.workers[d.cursor]
	d.cursor = (d.cursor + 1) % len(d.workers)
	return addr, nil
}

// SetWorkers replaces the rotation. The cursor is kept if it is still in
// range, otherwise it wraps to the start.
func (d *Dispatcher) SetWorkers(workers []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.workers = append([]string(nil), workers...)
	if d.cursor >= len(d.workers) {
		d.cursor = 0
	}
}

// Workers returns a copy of the rotation.
func (d *Dispatcher) Workers() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.workers...)
}

// Len returns the number of addresses in the rotation.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.workers)
}
