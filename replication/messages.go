package replication

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/auditmesh/auditmesh/core"
)

// MessageType tags the four wire message variants.
type MessageType string

const (
	MessageSyncRequest  MessageType = "sync_request"
	MessageSyncResponse MessageType = "sync_response"
	MessageSyncAck      MessageType = "sync_ack"
	MessageHeartbeat    MessageType = "heartbeat"
)

// Message is one of the four sync protocol variants.
type Message interface {
	MessageType() MessageType
	Sender() core.NodeID
}

// SyncRequest asks a peer for every record with timestamp >= Since.
// Since doubles as the continuation cursor when a response reports HasMore.
type SyncRequest struct {
	FromNode    core.NodeID      `json:"from_node"`
	Since       time.Time        `json:"since"`
	VectorClock core.VectorClock `json:"vector_clock"`
}

func (m *SyncRequest) MessageType() MessageType { return MessageSyncRequest }
func (m *SyncRequest) Sender() core.NodeID      { return m.FromNode }

// SyncResponse carries at most one batch of records. HasMore reports whether
// the peer had records beyond the batch cut.
type SyncResponse struct {
	FromNode    core.NodeID              `json:"from_node"`
	Records     []core.DistributedRecord `json:"records"`
	VectorClock core.VectorClock         `json:"vector_clock"`
	HasMore     bool                     `json:"has_more"`
}

func (m *SyncResponse) MessageType() MessageType { return MessageSyncResponse }
func (m *SyncResponse) Sender() core.NodeID      { return m.FromNode }

// SyncAck confirms which record ids from a response were accepted.
type SyncAck struct {
	FromNode    core.NodeID      `json:"from_node"`
	RecordIDs   []core.RecordID  `json:"record_ids"`
	VectorClock core.VectorClock `json:"vector_clock"`
}

func (m *SyncAck) MessageType() MessageType { return MessageSyncAck }
func (m *SyncAck) Sender() core.NodeID      { return m.FromNode }

// Heartbeat advertises a node's record count and chain head so peers can
// detect that they are behind. LastHash is empty when the log is empty.
type Heartbeat struct {
	FromNode    core.NodeID      `json:"from_node"`
	VectorClock core.VectorClock `json:"vector_clock"`
	RecordCount int              `json:"record_count"`
	LastHash    string           `json:"last_hash,omitempty"`
}

func (m *Heartbeat) MessageType() MessageType { return MessageHeartbeat }
func (m *Heartbeat) Sender() core.NodeID      { return m.FromNode }

// envelope is the tagged wire form of a Message.
type envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// EncodeMessage serializes a message into its tagged envelope form.
func EncodeMessage(msg Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", msg.MessageType(), err)
	}
	data, err := json.Marshal(envelope{Type: msg.MessageType(), Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s envelope: %w", msg.MessageType(), err)
	}
	return data, nil
}

// DecodeMessage parses a tagged envelope back into its concrete message.
// An unknown tag is a protocol violation.
func DecodeMessage(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode message envelope: %w", err)
	}

	var msg Message
	switch env.Type {
	case MessageSyncRequest:
		msg = &SyncRequest{}
	case MessageSyncResponse:
		msg = &SyncResponse{}
	case MessageSyncAck:
		msg = &SyncAck{}
	case MessageHeartbeat:
		msg = &Heartbeat{}
	default:
		return nil, &core.ProtocolError{Expected: "sync_request|sync_response|sync_ack|heartbeat", Got: string(env.Type)}
	}

	if err := json.Unmarshal(env.Payload, msg); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", env.Type, err)
	}
	if msg.Sender() == "" {
		return nil, &core.ProtocolError{Expected: string(env.Type) + " with from_node", Got: string(env.Type) + " without sender"}
	}
	return msg, nil
}
