package store

// Key builders for the shared coordination-store layout. Every instance
// addresses the same keyspace, so the layout lives here rather than at the
// call sites.

// RoomMembersKey is the hash of roomID members: user_id -> Participant JSON.
func RoomMembersKey(roomID string) string {
	return "room:" + roomID + ":members"
}

// PresenceKey is the per-member heartbeat key. Its expiry is the liveness
// signal: renewed on every heartbeat, gone means the member timed out.
func PresenceKey(roomID, userID string) string {
	return "room:" + roomID + ":presence:" + userID
}

// SeqKey is the room's monotonic sequence counter.
func SeqKey(roomID string) string {
	return "room:" + roomID + ":seq"
}

// BufferKey is the room's capped replay buffer of recent envelopes.
func BufferKey(roomID string) string {
	return "room:" + roomID + ":buffer"
}

// EventsChannel is the pub/sub channel fanning room envelopes out to every
// instance holding sockets for the room.
func EventsChannel(roomID string) string {
	return "room:" + roomID + ":events"
}

// ConnStateKey tracks one member's connection state for the reconnection
// grace window; its expiry ends the window.
func ConnStateKey(roomID, userID string) string {
	return "conn:" + roomID + ":" + userID
}

// ActiveRoomsKey is the set of rooms with members, maintained so the
// presence sweeper on any instance can cover rooms it holds no sockets for.
const ActiveRoomsKey = "rooms:active"

// TransferKey holds one transfer record as JSON.
func TransferKey(transferID string) string {
	return "transfer:" + transferID
}

// ChunksKey is the hash of staged chunk payloads: index -> bytes.
func ChunksKey(transferID string) string {
	return "transfer:" + transferID + ":chunks"
}

// UserTransfersKey is the set of transfer IDs a user participates in.
func UserTransfersKey(userID string) string {
	return "user:" + userID + ":transfers"
}

// SlotsKey is the counter of a sender's in-flight transfers, reserved on
// offer and released when the transfer reaches a terminal state.
func SlotsKey(userID string) string {
	return "transfers:slots:" + userID
}

// ActiveTransfersKey is the set of transfer IDs the reaper scans.
const ActiveTransfersKey = "transfers:active"
