// Package coordinator implements the analytics metadata node: the process
// that accepts ingestion and query traffic and spreads it over the workers.
//
// # Overview
//
// The coordinator registers with the registry once at startup and takes
// every analytics node in the returned snapshot as its worker rotation.
// Workers that join later are not learned. From then on it is a forwarder:
// it keeps no copy of the rows it routes and computes no aggregates.
//
// # Architecture
//
//	  client                     coordinator                      workers
//	    │  ingestion {Data}          │                               │
//	    ├───────────────────────────▶│ id := next request id         │
//	    │                            │ addr := Dispatcher.Next()     │
//	    │                            ├─ analytics {requestID,Data} ─▶│ append
//	    │                            │◀── analytics acknowledgment ──┤
//	    │  query {requestID,query}   │                               │
//	    ├───────────────────────────▶│ addr := Dispatcher.Next()     │
//	    │                            ├─ query ──────────────────────▶│ aggregate
//	    │                            │◀── query response ────────────┤
//	    │                            │ Results()                     │
//
// # Core Components
//
// Dispatcher: round-robin over worker addresses
//   - One cursor shared by ingestion and queries
//   - Next() fails with ErrNoWorkers on an empty rotation
//
// Coordinator: message handlers and correlation
//   - HandleIngestion, HandleAck, HandleQuery, HandleQueryResponse
//   - Pending tables keyed by request id, swept after PendingTTL
//   - Results() channel of answered queries
//
// HealthMonitor: periodic TCP probes of each worker
//   - Reported on the admin surface and as a gauge
//   - Never changes routing
//
// # Failure Handling
//
// A batch or query that cannot be forwarded is dropped and the error is
// returned to the connection boundary, which logs it. There is no retry
// and no resend when an acknowledgment never arrives.
//
// Because the cursor is shared, a query is answered by whichever worker is
// next in line, from that worker's partition only. It may not hold the rows
// the client just ingested.
//
// # Concurrency Model
//
// Every connection is handled on its own goroutine. The dispatcher and the
// pending tables each have their own mutex; request ids come from an atomic
// counter starting at 1.
package coordinator
