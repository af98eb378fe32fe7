package models

import "encoding/json"

// MessageType identifies a variant of the signaling wire envelope.
type MessageType string

const (
	TypeOffer        MessageType = "offer"
	TypeAnswer       MessageType = "answer"
	TypeIceCandidate MessageType = "ice_candidate"
	TypeUserJoined   MessageType = "user_joined"
	TypeUserLeft     MessageType = "user_left"
	TypeRoomState    MessageType = "room_state"
	TypeError        MessageType = "error"

	TypeFileTransferOffer    MessageType = "file_transfer_offer"
	TypeFileTransferAccept   MessageType = "file_transfer_accept"
	TypeFileTransferReject   MessageType = "file_transfer_reject"
	TypeFileTransferChunk    MessageType = "file_transfer_chunk"
	TypeFileTransferProgress MessageType = "file_transfer_progress"
	TypeFileTransferComplete MessageType = "file_transfer_complete"
)

// Known reports whether t is a member of the closed union. Anything else is
// rejected at the relay boundary.
func (t MessageType) Known() bool {
	switch t {
	case TypeOffer, TypeAnswer, TypeIceCandidate,
		TypeUserJoined, TypeUserLeft, TypeRoomState, TypeError,
		TypeFileTransferOffer, TypeFileTransferAccept, TypeFileTransferReject,
		TypeFileTransferChunk, TypeFileTransferProgress, TypeFileTransferComplete:
		return true
	}
	return false
}

// TransferControl reports whether t drives the file-transfer lifecycle.
// These are consumed by the transfer manager rather than blind-relayed.
func (t MessageType) TransferControl() bool {
	switch t {
	case TypeFileTransferOffer, TypeFileTransferAccept, TypeFileTransferReject,
		TypeFileTransferChunk, TypeFileTransferProgress, TypeFileTransferComplete:
		return true
	}
	return false
}

// ServerOriginated reports whether t may only be produced by the relay
// itself. Clients sending one of these get a validation error back.
func (t MessageType) ServerOriginated() bool {
	switch t {
	case TypeUserJoined, TypeUserLeft, TypeRoomState, TypeError,
		TypeFileTransferProgress, TypeFileTransferComplete:
		return true
	}
	return false
}

// Envelope is the common wire format for every signaling message. The relay
// assigns SequenceNumber and Timestamp at publish time; SenderID is always
// overwritten with the authenticated user of the submitting connection.
// Payload is opaque to the relay for SDP/ICE traffic and only decoded for
// file-transfer control messages.
type Envelope struct {
	Type           MessageType     `json:"type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	SenderID       string          `json:"sender_id,omitempty"`
	TargetUserID   string          `json:"target_user_id,omitempty"`
	RoomID         string          `json:"room_id"`
	Timestamp      int64           `json:"timestamp"`
	SequenceNumber int64           `json:"sequence_number,omitempty"`
}

// Encode marshals the envelope for the wire or the reconnection buffer.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses raw socket or buffer bytes into an envelope.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// DeliverableTo reports whether userID should receive this envelope: a
// targeted message reaches exactly its target, even the sender when
// self-addressed; a broadcast reaches everyone but the sender. Live fan-out
// and replay apply the same rule.
func (e *Envelope) DeliverableTo(userID string) bool {
	if e.TargetUserID != "" {
		return e.TargetUserID == userID
	}
	return e.SenderID != userID
}

// WithPayload marshals p into a copy of e and returns it. Used by the relay
// and transfer manager when constructing server-originated messages.
func (e Envelope) WithPayload(p any) (*Envelope, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	e.Payload = raw
	return &e, nil
}

// ErrorPayload is carried by "error" envelopes sent back to a client whose
// message was dropped or whose transfer operation failed.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PresencePayload is carried by user_joined / user_left envelopes.
type PresencePayload struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
}

// RoomStatePayload is the snapshot sent directly to a connection after it
// joins. Resumed connections additionally learn how much of the missed
// history was recoverable from the reconnection buffer.
type RoomStatePayload struct {
	RoomID             string        `json:"room_id"`
	Participants       []Participant `json:"participants"`
	SequenceNumber     int64         `json:"sequence_number"`
	Resumed            bool          `json:"resumed,omitempty"`
	MissedMessageCount int64         `json:"missed_message_count,omitempty"`
	HistoryComplete    bool          `json:"history_complete"`
}
