package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeliverableTo(t *testing.T) {
	broadcast := &Envelope{Type: TypeOffer, SenderID: "alice", RoomID: "room-1"}
	assert.False(t, broadcast.DeliverableTo("alice"), "broadcasts never echo to the sender")
	assert.True(t, broadcast.DeliverableTo("bob"))
	assert.True(t, broadcast.DeliverableTo("carol"))

	targeted := &Envelope{Type: TypeAnswer, SenderID: "alice", TargetUserID: "bob", RoomID: "room-1"}
	assert.True(t, targeted.DeliverableTo("bob"))
	assert.False(t, targeted.DeliverableTo("carol"))
	assert.False(t, targeted.DeliverableTo("alice"))

	loopback := &Envelope{Type: TypeIceCandidate, SenderID: "alice", TargetUserID: "alice", RoomID: "room-1"}
	assert.True(t, loopback.DeliverableTo("alice"), "explicitly self-addressed messages come back")
	assert.False(t, loopback.DeliverableTo("bob"))

	server := &Envelope{Type: TypeRoomState, TargetUserID: "alice", RoomID: "room-1"}
	assert.True(t, server.DeliverableTo("alice"))
	assert.False(t, server.DeliverableTo("bob"))
}

func TestMessageTypeUnion(t *testing.T) {
	known := []MessageType{
		TypeOffer, TypeAnswer, TypeIceCandidate,
		TypeUserJoined, TypeUserLeft, TypeRoomState, TypeError,
		TypeFileTransferOffer, TypeFileTransferAccept, TypeFileTransferReject,
		TypeFileTransferChunk, TypeFileTransferProgress, TypeFileTransferComplete,
	}
	for _, typ := range known {
		assert.True(t, typ.Known(), "%s must be a union member", typ)
	}
	assert.False(t, MessageType("telemetry").Known())
	assert.False(t, MessageType("").Known())

	assert.True(t, TypeUserJoined.ServerOriginated())
	assert.True(t, TypeRoomState.ServerOriginated())
	assert.True(t, TypeFileTransferComplete.ServerOriginated())
	assert.False(t, TypeOffer.ServerOriginated())
	assert.False(t, TypeFileTransferChunk.ServerOriginated(), "chunks are client traffic")

	assert.True(t, TypeFileTransferChunk.TransferControl())
	assert.False(t, TypeIceCandidate.TransferControl())
}
