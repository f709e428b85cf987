package cluster

import (
	"fmt"
	"time"

	"golang.org/x/exp/slices"
)

// Role is the part a node plays in the cluster. The string values are the
// exact nodeType strings carried on the wire.
type Role string

const (
	RoleMetadataAnalytics Role = "metadata Analytics"
	RoleAnalytics         Role = "analytics"
	RoleMetadataIngestion Role = "metadata Ingestion"
	RoleIngestion         Role = "ingestion"
)

var roles = []Role{RoleMetadataAnalytics, RoleAnalytics, RoleMetadataIngestion, RoleIngestion}

// Valid reports whether r is one of the four known roles.
func (r Role) Valid() bool {
	return slices.Contains(roles, r)
}

// NodeRecord describes one registered node. Address is its identity.
type NodeRecord struct {
	Address  string  `json:"Ip"`
	Role     Role    `json:"nodeType"`
	Capacity float64 `json:"computingCapacity"`
}

// Validate checks the record the way the registry does before accepting it.
func (n NodeRecord) Validate() error {
	if n.Address == "" {
		return fmt.Errorf("%w: Ip is empty", ErrSchema)
	}
	if !n.Role.Valid() {
		return fmt.Errorf("%w: unknown nodeType %q", ErrSchema, n.Role)
	}
	if n.Capacity < 0 || n.Capacity > 1 {
		return fmt.Errorf("%w: computingCapacity %v outside [0,1]", ErrSchema, n.Capacity)
	}
	return nil
}

// MembershipSnapshot is the point-in-time member list handed to a node when
// it registers. The leader fields exist in the protocol but are never set.
type MembershipSnapshot struct {
	Nodes           []NodeRecord
	AnalyticsLeader string
	IngestionLeader string
	ElectionSeed    string
}

// AddressesOf returns the addresses of all nodes with the given role, in
// registration order. Duplicate registrations yield duplicate addresses.
func (s MembershipSnapshot) AddressesOf(role Role) []string {
	var out []string
	for _, n := range s.Nodes {
		if n.Role == role {
			out = append(out, n.Address)
		}
	}
	return out
}

// Latest returns the most recently registered node with the given role.
func (s MembershipSnapshot) Latest(role Role) (NodeRecord, bool) {
	for i := len(s.Nodes) - 1; i >= 0; i-- {
		if s.Nodes[i].Role == role {
			return s.Nodes[i], true
		}
	}
	return NodeRecord{}, false
}

// DataRow is one sensor reading. Only the value and area columns are
// interpreted; everything else is carried through untouched.
type DataRow []string

// Column positions inside a DataRow.
const (
	ColTimestamp = 0
	ColLatitude  = 1
	ColLongitude = 2
	ColParameter = 3
	ColValue     = 4
	ColUnit      = 5
	ColArea      = 9

	// RowWidth is the canonical number of columns in a reading.
	RowWidth = 13
)

// QueryType selects the aggregate a worker computes.
type QueryType int

const (
	MaxOfAreaAverages QueryType = 0
	MaxOfAreaMaxima   QueryType = 1
)

// Valid reports whether q is a supported query type.
func (q QueryType) Valid() bool {
	return q == MaxOfAreaAverages || q == MaxOfAreaMaxima
}

func (q QueryType) String() string {
	switch q {
	case MaxOfAreaAverages:
		return "max_area_average"
	case MaxOfAreaMaxima:
		return "max_area_maximum"
	default:
		return fmt.Sprintf("query(%d)", int(q))
	}
}

// ResultKind tells which value field a query response carries.
type ResultKind string

const (
	KindMaxAverage ResultKind = "maxAverage"
	KindMaxAqi     ResultKind = "maxAqi"
)

// KindFor maps a query type to the response field it is answered with.
func KindFor(q QueryType) ResultKind {
	if q == MaxOfAreaMaxima {
		return KindMaxAqi
	}
	return KindMaxAverage
}

// DefaultTimeout bounds dialing and per-connection I/O when the caller does
// not configure anything else.
const DefaultTimeout = 5 * time.Second
