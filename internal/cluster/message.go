package cluster

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType is the requestType tag of a wire message.
type MessageType string

const (
	MsgRegistering   MessageType = "registering"
	MsgNodeDiscovery MessageType = "Node Discovery"
	MsgInitAnalytics MessageType = "Init Analytics"
	MsgIngestion     MessageType = "ingestion"
	MsgAnalytics     MessageType = "analytics"
	MsgAnalyticsAck  MessageType = "analytics acknowledgment"
	MsgQuery         MessageType = "query"
	MsgQueryResponse MessageType = "query response"
)

const typeField = "requestType"

// Message is one of the protocol messages below. The set is closed: only
// types in this package implement it.
type Message interface {
	Type() MessageType
	validate() error
}

// Registering announces a node to the registry.
type Registering struct {
	NodeRecord
}

// NodeDiscovery is the registry's reply to a registration.
type NodeDiscovery struct {
	Nodes                   []NodeRecord `json:"nodes"`
	MetadataAnalyticsLeader string       `json:"metadataAnalyticsLeader"`
	MetadataIngestionLeader string       `json:"metadataIngestionLeader"`
	InitElectionIngestion   string       `json:"initElectionIngestion"`
}

// InitAnalytics tells a worker which peers it was grouped with.
type InitAnalytics struct {
	Replicas []string `json:"Replicas"`
}

// Ingestion is a client batch sent to the coordinator.
type Ingestion struct {
	Data []DataRow `json:"Data"`
}

// Analytics is a batch forwarded by the coordinator to one worker.
type Analytics struct {
	RequestID uint64    `json:"requestID"`
	Data      []DataRow `json:"Data"`
}

// AnalyticsAck confirms that a worker stored an Analytics batch.
type AnalyticsAck struct {
	RequestID uint64 `json:"requestID"`
}

// Query asks for one of the aggregates.
type Query struct {
	RequestID int64     `json:"requestID"`
	Query     QueryType `json:"query"`
}

// QueryResponse carries a worker's answer. The value travels under
// maxAverage or maxAqi depending on Kind. NoData marks an empty partition.
type QueryResponse struct {
	RequestID int64
	MaxArea   string
	Value     float64
	Kind      ResultKind
	NoData    bool
}

func (Registering) Type() MessageType   { return MsgRegistering }
func (NodeDiscovery) Type() MessageType { return MsgNodeDiscovery }
func (InitAnalytics) Type() MessageType { return MsgInitAnalytics }
func (Ingestion) Type() MessageType     { return MsgIngestion }
func (Analytics) Type() MessageType     { return MsgAnalytics }
func (AnalyticsAck) Type() MessageType  { return MsgAnalyticsAck }
func (Query) Type() MessageType         { return MsgQuery }
func (QueryResponse) Type() MessageType { return MsgQueryResponse }

func (m Registering) validate() error { return m.NodeRecord.Validate() }
func (NodeDiscovery) validate() error { return nil }
func (InitAnalytics) validate() error { return nil }
func (Ingestion) validate() error     { return nil }
func (Analytics) validate() error     { return nil }
func (AnalyticsAck) validate() error  { return nil }

func (m Query) validate() error {
	if !m.Query.Valid() {
		return fmt.Errorf("%w: query must be 0 or 1, got %d", ErrSchema, int(m.Query))
	}
	return nil
}

func (m QueryResponse) validate() error {
	if m.Kind != KindMaxAverage && m.Kind != KindMaxAqi {
		return fmt.Errorf("%w: query response without maxAverage or maxAqi", ErrSchema)
	}
	return nil
}

// NewNodeDiscovery builds the wire form of a snapshot.
func NewNodeDiscovery(s MembershipSnapshot) NodeDiscovery {
	nodes := s.Nodes
	if nodes == nil {
		nodes = []NodeRecord{}
	}
	return NodeDiscovery{
		Nodes:                   nodes,
		MetadataAnalyticsLeader: s.AnalyticsLeader,
		MetadataIngestionLeader: s.IngestionLeader,
		InitElectionIngestion:   s.ElectionSeed,
	}
}

// Snapshot converts the discovery reply back into a MembershipSnapshot.
func (m NodeDiscovery) Snapshot() MembershipSnapshot {
	return MembershipSnapshot{
		Nodes:           m.Nodes,
		AnalyticsLeader: m.MetadataAnalyticsLeader,
		IngestionLeader: m.MetadataIngestionLeader,
		ElectionSeed:    m.InitElectionIngestion,
	}
}

func (m QueryResponse) MarshalJSON() ([]byte, error) {
	out := map[string]any{
		"requestID": m.RequestID,
		"maxArea":   m.MaxArea,
	}
	kind := m.Kind
	if kind == "" {
		kind = KindMaxAverage
	}
	out[string(kind)] = m.Value
	if m.NoData {
		out["noData"] = true
	}
	return json.Marshal(out)
}

func (m *QueryResponse) UnmarshalJSON(b []byte) error {
	var aux struct {
		RequestID  int64    `json:"requestID"`
		MaxArea    string   `json:"maxArea"`
		MaxAverage *float64 `json:"maxAverage"`
		MaxAqi     *float64 `json:"maxAqi"`
		NoData     bool     `json:"noData"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	m.RequestID = aux.RequestID
	m.MaxArea = aux.MaxArea
	m.NoData = aux.NoData
	switch {
	case aux.MaxAverage != nil:
		m.Kind, m.Value = KindMaxAverage, *aux.MaxAverage
	case aux.MaxAqi != nil:
		m.Kind, m.Value = KindMaxAqi, *aux.MaxAqi
	}
	return nil
}

// Encode renders msg as a single newline-terminated line with its
// requestType tag.
func Encode(msg Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Type(), err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Type(), err)
	}
	tag, _ := json.Marshal(msg.Type())
	fields[typeField] = tag
	line, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Type(), err)
	}
	return append(line, '\n'), nil
}

// Decode parses one line into its concrete message type. It fails with
// ErrMalformed, ErrSchema or ErrUnknownType.
func Decode(line []byte) (Message, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, fmt.Errorf("%w: empty line", ErrMalformed)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: not an object", ErrMalformed)
	}
	rawType, ok := fields[typeField]
	if !ok {
		return nil, fmt.Errorf("%w: missing %s", ErrSchema, typeField)
	}
	var t MessageType
	if err := json.Unmarshal(rawType, &t); err != nil {
		return nil, fmt.Errorf("%w: %s is not a string", ErrSchema, typeField)
	}

	switch t {
	case MsgRegistering:
		return decodeAs[Registering](line, fields, "Ip", "nodeType", "computingCapacity")
	case MsgNodeDiscovery:
		return decodeAs[NodeDiscovery](line, fields, "nodes", "metadataAnalyticsLeader", "metadataIngestionLeader", "initElectionIngestion")
	case MsgInitAnalytics:
		return decodeAs[InitAnalytics](line, fields, "Replicas")
	case MsgIngestion:
		return decodeAs[Ingestion](line, fields, "Data")
	case MsgAnalytics:
		return decodeAs[Analytics](line, fields, "requestID", "Data")
	case MsgAnalyticsAck:
		return decodeAs[AnalyticsAck](line, fields, "requestID")
	case MsgQuery:
		return decodeAs[Query](line, fields, "requestID", "query")
	case MsgQueryResponse:
		return decodeAs[QueryResponse](line, fields, "requestID", "maxArea")
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
}

func decodeAs[T Message](line []byte, fields map[string]json.RawMessage, required ...string) (Message, error) {
	var msg T
	for _, key := range required {
		v, ok := fields[key]
		if !ok || bytes.Equal(v, []byte("null")) {
			return nil, fmt.Errorf("%w: %s missing %s", ErrSchema, msg.Type(), key)
		}
	}
	if err := json.Unmarshal(line, &msg); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, fmt.Errorf("%w: %s field %s: %v", ErrSchema, msg.Type(), typeErr.Field, err)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrSchema, msg.Type(), err)
	}
	if err := msg.validate(); err != nil {
		return nil, err
	}
	return msg, nil
}
