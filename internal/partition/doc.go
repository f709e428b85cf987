// Package partition implements the unit of data a worker owns.
//
// # Overview
//
// The coordinator sends every ingestion batch to exactly one worker, chosen
// round-robin. The rows that end up on a worker form its partition; the
// union of all partitions is the dataset. Queries are answered from one
// partition only.
//
// # Core Components
//
// Partition: wraps a storage.RowStore
//   - Append(rows) - Store a batch
//   - Snapshot() - Rows for a query scan
//   - SetReplicas/Replicas - Peer list from Init Analytics
//   - GetStats/Info - Counters for the admin surface
//
// The replica list is informational. Rows are never copied to replicas and
// never rebalanced between partitions.
//
// # Concurrency Model
//
// Counters are updated with sync/atomic. The replica list has its own
// RWMutex. Row storage concurrency is the store's concern.
package partition
