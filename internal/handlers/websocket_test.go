package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/rohanbatrain/sbd-signaling/config"
	"github.com/rohanbatrain/sbd-signaling/internal/models"
	"github.com/rohanbatrain/sbd-signaling/internal/store"
)

func dialSocket(t *testing.T, app *testApp, roomID, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(app.srv.URL, "http") + "/signal/" + roomID + "?token=" + token
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	return ws
}

func readEnvelope(t *testing.T, ws *websocket.Conn) *models.Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	env, err := models.DecodeEnvelope(raw)
	require.NoError(t, err)
	return env
}

// readUntil drains envelopes until one of the wanted type arrives. Presence
// notifications interleave with everything else, so tests skip past what
// they are not asserting on.
func readUntil(t *testing.T, ws *websocket.Conn, typ models.MessageType) *models.Envelope {
	t.Helper()
	for i := 0; i < 20; i++ {
		env := readEnvelope(t, ws)
		if env.Type == typ {
			return env
		}
	}
	t.Fatalf("gave up waiting for a %q envelope", typ)
	return nil
}

func send(t *testing.T, ws *websocket.Conn, env *models.Envelope) {
	t.Helper()
	raw, err := env.Encode()
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, raw))
}

func sendWithPayload(t *testing.T, ws *websocket.Conn, typ models.MessageType, target string, payload any) {
	t.Helper()
	env, err := (models.Envelope{Type: typ, TargetUserID: target}).WithPayload(payload)
	require.NoError(t, err)
	send(t, ws, env)
}

func TestSocketRejectsBadToken(t *testing.T) {
	app := newTestApp(t)

	ws := dialSocket(t, app, "room-1", "garbage")
	defer ws.Close()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation),
		"want a policy-violation close, got %v", err)
}

func TestSocketDeliversRoomStateFirst(t *testing.T) {
	app := newTestApp(t)

	ws := dialSocket(t, app, "room-1", mintToken(t, "alice"))
	defer ws.Close()

	env := readEnvelope(t, ws)
	require.Equal(t, models.TypeRoomState, env.Type)

	var state models.RoomStatePayload
	require.NoError(t, json.Unmarshal(env.Payload, &state))
	assert.Equal(t, "room-1", state.RoomID)
	require.Len(t, state.Participants, 1)
	assert.Equal(t, "alice", state.Participants[0].UserID)
	assert.False(t, state.Resumed)
	assert.True(t, state.HistoryComplete)
}

func TestSocketRelaysSignalingBetweenPeers(t *testing.T) {
	app := newTestApp(t)

	alice := dialSocket(t, app, "room-1", mintToken(t, "alice")+"&display_name=Alice")
	defer alice.Close()
	readUntil(t, alice, models.TypeRoomState)

	bob := dialSocket(t, app, "room-1", mintToken(t, "bob"))
	defer bob.Close()

	state := readUntil(t, bob, models.TypeRoomState)
	var snapshot models.RoomStatePayload
	require.NoError(t, json.Unmarshal(state.Payload, &snapshot))
	require.Len(t, snapshot.Participants, 2)
	for _, p := range snapshot.Participants {
		if p.UserID == "alice" {
			assert.Equal(t, "Alice", p.DisplayName)
		}
	}

	joined := readUntil(t, alice, models.TypeUserJoined)
	assert.Equal(t, "bob", gjson.GetBytes(joined.Payload, "user_id").String())

	sendWithPayload(t, alice, models.TypeOffer, "bob", gin.H{"sdp": "v=0 offer"})
	offer := readUntil(t, bob, models.TypeOffer)
	assert.Equal(t, "alice", offer.SenderID)
	assert.Equal(t, "bob", offer.TargetUserID)
	assert.Greater(t, offer.SequenceNumber, int64(0))
	assert.Equal(t, "v=0 offer", gjson.GetBytes(offer.Payload, "sdp").String())

	sendWithPayload(t, bob, models.TypeAnswer, "alice", gin.H{"sdp": "v=0 answer"})
	answer := readUntil(t, alice, models.TypeAnswer)
	assert.Equal(t, "bob", answer.SenderID)
	assert.Greater(t, answer.SequenceNumber, offer.SequenceNumber)
}

func TestSocketRejectsUnknownAndReservedTypes(t *testing.T) {
	app := newTestApp(t)

	ws := dialSocket(t, app, "room-1", mintToken(t, "alice"))
	defer ws.Close()
	readUntil(t, ws, models.TypeRoomState)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)))
	errEnv := readUntil(t, ws, models.TypeError)
	assert.Equal(t, "unknown_type", gjson.GetBytes(errEnv.Payload, "code").String())

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"user_joined"}`)))
	errEnv = readUntil(t, ws, models.TypeError)
	assert.Equal(t, "reserved_type", gjson.GetBytes(errEnv.Payload, "code").String())
}

func TestSocketResumeAfterAbruptDisconnect(t *testing.T) {
	app := newTestApp(t)

	alice := dialSocket(t, app, "room-1", mintToken(t, "alice"))
	readUntil(t, alice, models.TypeRoomState)

	bob := dialSocket(t, app, "room-1", mintToken(t, "bob"))
	defer bob.Close()
	readUntil(t, bob, models.TypeRoomState)
	readUntil(t, alice, models.TypeUserJoined)

	// kill the TCP connection without a close handshake
	require.NoError(t, alice.UnderlyingConn().Close())

	require.Eventually(t, func() bool {
		raw, err := app.store.Get(context.Background(), store.ConnStateKey("room-1", "alice"))
		if err != nil {
			return false
		}
		var cs models.ConnectionState
		if err := json.Unmarshal(raw, &cs); err != nil {
			return false
		}
		return cs.Status == models.ConnStatusDisconnected
	}, 3*time.Second, 20*time.Millisecond, "server never noticed the dead socket")

	sendWithPayload(t, bob, models.TypeIceCandidate, "", gin.H{"candidate": "candidate:1 udp"})

	alice = dialSocket(t, app, "room-1", mintToken(t, "alice"))
	defer alice.Close()

	state := readUntil(t, alice, models.TypeRoomState)
	var snapshot models.RoomStatePayload
	require.NoError(t, json.Unmarshal(state.Payload, &snapshot))
	assert.True(t, snapshot.Resumed)
	assert.True(t, snapshot.HistoryComplete, "the missed message was still buffered")
	assert.Zero(t, snapshot.MissedMessageCount)

	replayed := readUntil(t, alice, models.TypeIceCandidate)
	assert.Equal(t, "bob", replayed.SenderID)
	assert.Equal(t, "candidate:1 udp", gjson.GetBytes(replayed.Payload, "candidate").String())
}

func TestSocketRefusesFullRoom(t *testing.T) {
	app := newTestAppWith(t, func(cfg *config.Config) {
		cfg.Signaling.RoomCapacity = 1
	})

	first := dialSocket(t, app, "room-1", mintToken(t, "alice"))
	defer first.Close()
	readUntil(t, first, models.TypeRoomState)

	second := dialSocket(t, app, "room-1", mintToken(t, "bob"))
	defer second.Close()

	errEnv := readEnvelope(t, second)
	require.Equal(t, models.TypeError, errEnv.Type)
	assert.Equal(t, "room_full", gjson.GetBytes(errEnv.Payload, "code").String())

	require.NoError(t, second.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := second.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseTryAgainLater),
		"want a try-again-later close, got %v", err)
}

func TestSocketFileTransferEndToEnd(t *testing.T) {
	app := newTestApp(t)

	alice := dialSocket(t, app, "room-1", mintToken(t, "alice"))
	defer alice.Close()
	readUntil(t, alice, models.TypeRoomState)

	bob := dialSocket(t, app, "room-1", mintToken(t, "bob"))
	defer bob.Close()
	readUntil(t, bob, models.TypeRoomState)

	content := []byte("0123456789abcdefFEDCBA9876543210")
	sendWithPayload(t, alice, models.TypeFileTransferOffer, "", models.TransferOfferRequest{
		ReceiverID: "bob",
		Filename:   "notes.txt",
		SizeBytes:  int64(len(content)),
		MimeType:   "text/plain",
		Checksum:   checksumOf(content),
	})

	// the direct echo tells the sender the assigned id
	echo := readUntil(t, alice, models.TypeFileTransferOffer)
	id := gjson.GetBytes(echo.Payload, "transfer_id").String()
	require.NotEmpty(t, id)
	assert.Zero(t, echo.SequenceNumber)

	offer := readUntil(t, bob, models.TypeFileTransferOffer)
	assert.Equal(t, id, gjson.GetBytes(offer.Payload, "transfer_id").String())
	assert.Equal(t, int64(2), gjson.GetBytes(offer.Payload, "total_chunks").Int())

	sendWithPayload(t, bob, models.TypeFileTransferAccept, "", models.TransferDecisionPayload{TransferID: id})
	accepted := readUntil(t, alice, models.TypeFileTransferAccept)
	assert.Equal(t, id, gjson.GetBytes(accepted.Payload, "transfer_id").String())

	sendChunk := func(i int) {
		chunk := content[i*16 : (i+1)*16]
		sendWithPayload(t, alice, models.TypeFileTransferChunk, "", models.ChunkPayload{
			TransferID: id,
			ChunkIndex: i,
			Data:       base64.StdEncoding.EncodeToString(chunk),
			Checksum:   checksumOf(chunk),
		})
	}

	sendChunk(0)
	ack := readUntil(t, alice, models.TypeFileTransferProgress)
	assert.Equal(t, int64(1), gjson.GetBytes(ack.Payload, "chunks_acked").Int())

	sendChunk(1)

	for _, ws := range []*websocket.Conn{alice, bob} {
		done := readUntil(t, ws, models.TypeFileTransferComplete)
		assert.Equal(t, string(models.TransferCompleted), gjson.GetBytes(done.Payload, "status").String())
		assert.Equal(t, checksumOf(content), gjson.GetBytes(done.Payload, "checksum_actual").String())
	}
}
