// Package transport carries synchronization messages between
// participants. The wire format is a JSON envelope with a typed,
// message-specific payload.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnknownMessageType indicates an envelope with an unrecognized type
	ErrUnknownMessageType = errors.New("transport: unknown message type")

	// ErrClosed indicates a send or receive on a closed transport
	ErrClosed = errors.New("transport: closed")
)

// MessageType identifies the payload variant.
type MessageType string

const (
	MsgContextUpdate      MessageType = "context_update"
	MsgParticipantJoined  MessageType = "participant_joined"
	MsgParticipantLeft    MessageType = "participant_left"
	MsgConflictResolution MessageType = "conflict_resolution"
	MsgHeartbeat          MessageType = "heartbeat"
	MsgDocumentOperation  MessageType = "document_operation"
	MsgAck                MessageType = "ack"
)

var knownTypes = map[MessageType]bool{
	MsgContextUpdate:      true,
	MsgParticipantJoined:  true,
	MsgParticipantLeft:    true,
	MsgConflictResolution: true,
	MsgHeartbeat:          true,
	MsgDocumentOperation:  true,
	MsgAck:                true,
}

// Message is the wire envelope. Payload carries the marshaled
// type-specific body.
type Message struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"session_id"`
	SenderID  string          `json:"sender_id"`
	Version   uint64          `json:"version,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage builds an envelope, marshaling body into the payload.
// A nil body leaves the payload empty.
func NewMessage(t MessageType, sessionID, senderID string, version uint64, body interface{}) (Message, error) {
	m := Message{
		Type:      t,
		SessionID: sessionID,
		SenderID:  senderID,
		Version:   version,
		Timestamp: time.Now(),
	}
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return Message{}, err
		}
		m.Payload = payload
	}
	return m, nil
}

// Encode serializes the envelope.
func (m Message) Encode() ([]byte, error) {
	if !knownTypes[m.Type] {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, m.Type)
	}
	return json.Marshal(m)
}

// Decode deserializes an envelope, rejecting unknown types.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, err
	}
	if !knownTypes[m.Type] {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownMessageType, m.Type)
	}
	return m, nil
}

// DecodePayload unmarshals the payload into out.
func (m Message) DecodePayload(out interface{}) error {
	return json.Unmarshal(m.Payload, out)
}
