package partition

import (
	"sync"
	"sync/atomic"

	"github.com/dreamware/airgrid/internal/cluster"
	"github.com/dreamware/airgrid/internal/storage"
)

// Partition is the slice of the dataset held by one worker
// Rows routed here are never moved, replicated or deleted
type Partition struct {
	Store    storage.RowStore // The row log for this partition
	Stats    *PartitionStats  // Operation statistics
	replicas []string         // Peers announced by the coordinator
	mu       sync.RWMutex     // Protects replicas
}

// PartitionStats tracks operational statistics for a partition
type PartitionStats struct {
	Ops     OperationStats     // Operation counts
	Storage storage.StoreStats // Storage statistics
}

// OperationStats tracks operation counts
type OperationStats struct {
	Batches uint64 // Number of ingestion batches appended
	Rows    uint64 // Number of rows appended
	Scans   uint64 // Number of snapshots taken for queries
}

// PartitionInfo contains metadata about a partition
type PartitionInfo struct {
	Rows     int      `json:"rows"`
	Bytes    int      `json:"bytes"`
	Batches  uint64   `json:"batches"`
	Scans    uint64   `json:"scans"`
	Replicas []string `json:"replicas"`
}

// New creates a partition with in-memory storage
func New() *Partition {
	return &Partition{
		Store: storage.NewMemoryStore(),
		Stats: &PartitionStats{},
	}
}

// Append stores a batch and returns the partition size afterwards
func (p *Partition) Append(rows []cluster.DataRow) int {
	atomic.AddUint64(&p.Stats.Ops.Batches, 1)
	atomic.AddUint64(&p.Stats.Ops.Rows, uint64(len(rows)))
	return p.Store.Append(rows)
}

// Snapshot returns the rows a query should scan
func (p *Partition) Snapshot() []cluster.DataRow {
	atomic.AddUint64(&p.Stats.Ops.Scans, 1)
	return p.Store.Snapshot()
}

// Len returns the number of stored rows
func (p *Partition) Len() int {
	return p.Store.Len()
}

// SetReplicas records the peer list from Init Analytics
// Nothing is copied to them
func (p *Partition) SetReplicas(replicas []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replicas = append([]string(nil), replicas...)
}

// Replicas returns a copy of the recorded peer list
func (p *Partition) Replicas() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.replicas...)
}

// GetStats returns current partition statistics
func (p *Partition) GetStats() PartitionStats {
	return PartitionStats{
		Ops: OperationStats{
			Batches: atomic.LoadUint64(&p.Stats.Ops.Batches),
			Rows:    atomic.LoadUint64(&p.Stats.Ops.Rows),
			Scans:   atomic.LoadUint64(&p.Stats.Ops.Scans),
		},
		Storage: p.Store.Stats(),
	}
}

// Info returns metadata about the partition
func (p *Partition) Info() PartitionInfo {
	stats := p.GetStats()
	replicas := p.Replicas()
	if replicas == nil {
		replicas = []string{}
	}
	return PartitionInfo{
		Rows:     stats.Storage.Rows,
		Bytes:    stats.Storage.Bytes,
		Batches:  stats.Ops.Batches,
		Scans:    stats.Ops.Scans,
		Replicas: replicas,
	}
}
