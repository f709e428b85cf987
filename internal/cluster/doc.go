// Package cluster provides the wire protocol and connection plumbing shared
// by every airgrid role: the registry, the coordinator and the workers.
//
// # Overview
//
// Nodes talk to each other with one TCP connection per request. A request
// is a single JSON document terminated by a newline; some requests get a
// single reply line on the same connection, most get none. There are no
// persistent connections and no pipelining.
//
// # Architecture
//
//	              ┌──────────────┐
//	              │   Registry   │
//	              └──────▲───────┘
//	         registering │ Node Discovery
//	      ┌──────────────┼──────────────┐
//	      │              │              │
//	┌─────┴──────┐ ┌─────┴─────┐ ┌──────┴────┐
//	│Coordinator │ │ Worker 1  │ │ Worker 2  │
//	│            ├─►           │ │           │
//	│ Dispatcher │ │ partition │ │ partition │
//	└─────▲──────┘ └───────────┘ └───────────┘
//	      │ ingestion / query
//	   clients
//
// # Messages
//
// The requestType tag selects one of a closed set of Go types:
//
//	registering               Registering     node → registry
//	Node Discovery            NodeDiscovery   registry → node
//	Init Analytics            InitAnalytics   coordinator → worker
//	ingestion                 Ingestion       client → coordinator
//	analytics                 Analytics       coordinator → worker
//	analytics acknowledgment  AnalyticsAck    worker → coordinator
//	query                     Query           client → coordinator → worker
//	query response            QueryResponse   worker → coordinator
//
// Decode is the only place a line becomes a Message. Field names are part of
// the contract and are reproduced exactly, including their mixed casing.
//
// # Failure Handling
//
// Failures fall into four groups, all reported through sentinel errors:
//
//   - ErrMalformed: the line is not a JSON object
//   - ErrSchema: a required field is missing, mistyped or out of range
//   - ErrUnknownType, ErrUnexpected: the tag is outside the protocol or not
//     served by the receiving role
//   - transport errors: dial, read, write and deadline failures
//
// Server catches every one of them at the connection boundary, logs it with
// the connection id and closes the connection. Nothing is retried and no
// request is parked for later; a dropped request is lost.
//
// # Concurrency Model
//
// Server serves at most MaxConns connections at once. When every slot is
// busy the accept loop waits, so load turns into queued TCP handshakes
// instead of unbounded goroutines. Every connection has a read/write
// deadline, and outbound exchanges through Transport have dial and I/O
// timeouts.
package cluster
