// Package storage holds the rows a worker has ingested.
//
// # Overview
//
// A worker keeps every row it is sent, in arrival order, for the lifetime of
// the process. There is no deletion, no update and no persistence: a restart
// starts from an empty store.
//
// # Core Interfaces
//
// RowStore: append-only row log
//   - Append(rows) - Add a batch at the end, visible all at once
//   - Snapshot() - The rows appended so far
//   - Len() - Number of stored rows
//   - Stats() - Row count and field bytes
//
// # Implementations
//
// MemoryStore: slice guarded by a sync.RWMutex
//   - Append copies each row outside the lock, then extends the log under it
//   - Snapshot returns a slice capped at its own length, so a scan in
//     progress never observes rows appended after it started
//
// # Concurrency and Thread Safety
//
// Appends are serialised. Snapshots take only the read lock and may run in
// parallel with each other. A snapshot is a consistent prefix of the log:
// two concurrent batches of M rows leave exactly 2M rows with each batch
// contiguous.
//
// Rows returned by Snapshot are shared with the store and must be treated as
// read-only.
//
// # Usage Examples
//
//	store := storage.NewMemoryStore()
//	store.Append(msg.Data)
//	for _, row := range store.Snapshot() {
//		// scan
//	}
package storage
