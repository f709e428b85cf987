package storage

import (
	"sync"

	"github.com/dreamware/airgrid/internal/cluster"
)

// RowStore defines the interface for a worker's row storage
// All implementations must be safe for concurrent appends and scans
type RowStore interface {
	// Append adds rows at the end, in order
	// A batch becomes visible to readers all at once
	Append(rows []cluster.DataRow) int

	// Snapshot returns every row appended so far
	// The result is a prefix of the store and never changes afterwards
	Snapshot() []cluster.DataRow

	// Len returns the number of stored rows
	Len() int

	// Stats returns storage statistics
	Stats() StoreStats
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Rows  int // Number of rows
	Bytes int // Total size of all fields in bytes
}

// MemoryStore implements RowStore with an in-memory slice
// Uses sync.RWMutex so scans run in parallel with each other
type MemoryStore struct {
	mu    sync.RWMutex      // Protects rows and bytes
	rows  []cluster.DataRow // Append-only row log
	bytes int               // Running field byte count
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append stores copies of rows and returns the new row count
// Copies keep callers from changing stored rows after the fact
func (m *MemoryStore) Append(rows []cluster.DataRow) int {
	stored := make([]cluster.DataRow, len(rows))
	size := 0
	for i, row := range rows {
		stored[i] = append(cluster.DataRow(nil), row...)
		for _, field := range row {
			size += len(field)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, stored...)
	m.bytes += size
	return len(m.rows)
}

// Snapshot returns the rows appended so far
// The slice is capped at its length so later appends never write into it
func (m *MemoryStore) Snapshot() []cluster.DataRow {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rows[:len(m.rows):len(m.rows)]
}

// Len returns the number of stored rows
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rows)
}

// Stats returns storage statistics
func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return StoreStats{
		Rows:  len(m.rows),
		Bytes: m.bytes,
	}
}

var _ RowStore = (*MemoryStore)(nil)
