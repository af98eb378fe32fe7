package models

// Participant is one member of a room, tracked in the coordination store
// under a renewing presence TTL.
type Participant struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
	JoinedAt    int64  `json:"joined_at"`
	LastSeenAt  int64  `json:"last_seen_at"`
}

// RoomState is the registry's view of a room at a point in time: the live
// participant set and the room's current sequence counter.
type RoomState struct {
	RoomID         string        `json:"room_id"`
	Participants   []Participant `json:"participants"`
	SequenceNumber int64         `json:"sequence_number"`
}

// ConnStatus is the lifecycle state of one participant's connection to a
// room, independent of any single socket.
type ConnStatus string

const (
	ConnStatusConnected    ConnStatus = "connected"
	ConnStatusDisconnected ConnStatus = "disconnected"
	ConnStatusReconnecting ConnStatus = "reconnecting"
)

// ConnectionState is persisted per (room, participant) with a TTL equal to
// the reconnection grace window. Key expiry means the grace window elapsed
// and the participant is treated as permanently gone.
type ConnectionState struct {
	Status           ConnStatus `json:"status"`
	LastSequenceSeen int64      `json:"last_sequence_seen"`
	DisconnectedAt   int64      `json:"disconnected_at,omitempty"`
}
