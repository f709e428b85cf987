// Package registry tracks cluster membership. Nodes register once at
// startup and receive the full list of everyone who registered before them.
package registry

import (
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/airgrid/internal/cluster"
)

// MembershipStore is the ordered history of registrations.
//
// Records are appended in arrival order and never removed or changed. The
// same address registering twice produces two entries; callers that need a
// unique set must deduplicate themselves.
//
// Thread Safety:
// All methods are safe for concurrent use. Snapshots are copies.
type MembershipStore struct {
	mu           sync.RWMutex
	nodes        []cluster.NodeRecord
	electionSeed string
}

// NewMembershipStore creates an empty store. electionSeed is reported in
// every snapshot as the bootstrap address for ingestion elections.
func NewMembershipStore(electionSeed string) *MembershipStore {
	return &MembershipStore{electionSeed: electionSeed}
}

// Register appends record and returns the snapshot including it.
//
// The append and the snapshot happen under one lock, so the returned list
// is exactly the history up to and including this registration.
func (s *MembershipStore) Register(record cluster.NodeRecord) cluster.MembershipSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = append(s.nodes, record)
	return s.snapshotLocked()
}

// Snapshot returns the current membership without registering anything.
func (s *MembershipStore) Snapshot() cluster.MembershipSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// Nodes returns a copy of the registered records in order.
func (s *MembershipStore) Nodes() []cluster.NodeRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.nodes)
}

// Len returns the number of registrations, duplicates included.
func (s *MembershipStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

func (s *MembershipStore) snapshotLocked() cluster.MembershipSnapshot {
	return cluster.MembershipSnapshot{
		Nodes:        slices.Clone(s.nodes),
		ElectionSeed: s.electionSeed,
	}
}
