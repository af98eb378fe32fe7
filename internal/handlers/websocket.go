package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/rohanbatrain/sbd-signaling/config"
	"github.com/rohanbatrain/sbd-signaling/internal/errs"
	"github.com/rohanbatrain/sbd-signaling/internal/middleware"
	"github.com/rohanbatrain/sbd-signaling/internal/models"
	"github.com/rohanbatrain/sbd-signaling/internal/relay"
	"github.com/rohanbatrain/sbd-signaling/internal/replay"
	"github.com/rohanbatrain/sbd-signaling/internal/transfer"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// conn is one member's socket. It implements relay.Client: Deliver queues
// and the write pump drains, so the relay never blocks on a slow peer.
type conn struct {
	userID string
	roomID string
	ws     *websocket.Conn
	send   chan []byte
	stop   chan struct{}
	log    *slog.Logger

	// highest sequence number actually handed to this socket; parked in the
	// store on disconnect so a resume knows where to replay from
	lastSeq atomic.Int64
}

func (c *conn) UserID() string { return c.userID }

func (c *conn) Deliver(env *models.Envelope) {
	raw, err := env.Encode()
	if err != nil {
		c.log.Error("failed to encode envelope", "type", env.Type, "error", err)
		return
	}
	c.observe(env.SequenceNumber)
	select {
	case c.send <- raw:
	default:
		c.log.Warn("send buffer full, dropping message", "type", env.Type, "seq", env.SequenceNumber)
	}
}

func (c *conn) observe(seq int64) {
	for {
		cur := c.lastSeq.Load()
		if seq <= cur || c.lastSeq.CompareAndSwap(cur, seq) {
			return
		}
	}
}

// sendError notifies this socket that one of its messages was dropped or an
// operation failed. Errors are direct and unsequenced.
func (c *conn) sendError(code, message string) {
	c.reply(models.TypeError, models.ErrorPayload{Code: code, Message: message})
}

// reply delivers a server-originated envelope straight to this socket,
// bypassing the room's sequenced flow.
func (c *conn) reply(typ models.MessageType, payload any) {
	env, err := (models.Envelope{
		Type:         typ,
		RoomID:       c.roomID,
		TargetUserID: c.userID,
		Timestamp:    time.Now().UnixMilli(),
	}).WithPayload(payload)
	if err != nil {
		c.log.Error("failed to build reply", "type", typ, "error", err)
		return
	}
	c.Deliver(env)
}

// HandleSignaling upgrades the connection at /signal/:roomId and runs the
// member's session until the socket dies. The bearer token rides a query
// parameter; a bad token is refused with a policy-violation close so the
// client can tell auth failure apart from transport trouble.
func HandleSignaling(rel *relay.Relay, transfers *transfer.Manager, cfg *config.Config) gin.HandlerFunc {
	return func(gc *gin.Context) {
		roomID := gc.Param("roomId")

		ws, err := upgrader.Upgrade(gc.Writer, gc.Request, nil)
		if err != nil {
			slog.Warn("websocket upgrade failed", "room_id", roomID, "error", err)
			return
		}

		claims, err := middleware.ParseToken(cfg.Server.JWTSecret, gc.Query("token"))
		if err != nil {
			closeWith(ws, websocket.ClosePolicyViolation, errs.CodeOf(err))
			ws.Close()
			return
		}

		c := &conn{
			userID: claims.UserID,
			roomID: roomID,
			ws:     ws,
			send:   make(chan []byte, sendBuffer),
			stop:   make(chan struct{}),
			log:    slog.With("component", "socket", "room_id", roomID, "user_id", claims.UserID),
		}

		participant := models.Participant{
			UserID:      claims.UserID,
			DisplayName: gc.Query("display_name"),
		}
		state, decision, err := rel.Join(gc.Request.Context(), roomID, participant, c)
		if err != nil {
			c.log.Warn("join refused", "error", err)
			refuse(ws, err)
			ws.Close()
			return
		}
		c.log.Info("client connected", "resumed", decision.Resumed, "missed", decision.MissedCount)

		go c.writePump()
		c.deliverState(state, decision)
		for i := range decision.Messages {
			c.Deliver(&decision.Messages[i])
		}
		go c.heartbeatLoop(rel, cfg.Signaling.PresenceTTL)
		go c.readPump(rel, transfers, cfg.Signaling.MaxMessageBytes)
	}
}

// deliverState hands the joining socket its room_state snapshot, including
// how the reconnection went, before any replayed or live traffic.
func (c *conn) deliverState(state *models.RoomState, decision *replay.Decision) {
	c.reply(models.TypeRoomState, models.RoomStatePayload{
		RoomID:             state.RoomID,
		Participants:       state.Participants,
		SequenceNumber:     state.SequenceNumber,
		Resumed:            decision.Resumed,
		MissedMessageCount: decision.MissedCount,
		HistoryComplete:    decision.HistoryComplete,
	})
}

func (c *conn) readPump(rel *relay.Relay, transfers *transfer.Manager, maxMessageBytes int64) {
	defer func() {
		close(c.stop)
		// A deliberate leave already detached this socket, in which case
		// Disconnect recognizes it is stale and opens no grace window.
		rel.Disconnect(context.Background(), c.roomID, c.userID, c, c.lastSeq.Load())
		c.ws.Close()
		c.log.Info("client disconnected", "last_seq", c.lastSeq.Load())
	}()

	c.ws.SetReadLimit(maxMessageBytes)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				// a clean goodbye is an explicit leave, not an outage
				if lerr := rel.Leave(context.Background(), c.roomID, c.userID, c); lerr != nil {
					c.log.Warn("leave failed", "error", lerr)
				}
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn("socket read failed", "error", err)
			}
			return
		}
		c.handleMessage(context.Background(), rel, transfers, raw)
	}
}

// handleMessage routes one inbound frame. Signaling types are published into
// the room's ordered flow; transfer control types are commands for the
// transfer manager, which is the only party allowed to emit transfer
// lifecycle events.
func (c *conn) handleMessage(ctx context.Context, rel *relay.Relay, transfers *transfer.Manager, raw []byte) {
	typ := models.MessageType(gjson.GetBytes(raw, "type").String())
	if !typ.Known() {
		c.sendError("unknown_type", "unrecognized message type")
		return
	}
	if typ.ServerOriginated() {
		c.sendError("reserved_type", "clients may not send "+string(typ)+" messages")
		return
	}

	env, err := models.DecodeEnvelope(raw)
	if err != nil {
		c.sendError("malformed_envelope", "message is not a valid envelope")
		return
	}
	env.SenderID = c.userID
	env.RoomID = c.roomID

	if typ.TransferControl() {
		c.handleTransfer(ctx, transfers, env)
		return
	}

	if err := rel.Publish(ctx, env); err != nil {
		c.sendError(errs.CodeOf(err), errs.MessageOf(err))
	}
}

func (c *conn) handleTransfer(ctx context.Context, transfers *transfer.Manager, env *models.Envelope) {
	switch env.Type {
	case models.TypeFileTransferOffer:
		var req models.TransferOfferRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			c.sendError("malformed_payload", "offer payload is not valid")
			return
		}
		t, err := transfers.Offer(ctx, c.roomID, c.userID, req)
		if err != nil {
			c.sendError(errs.CodeOf(err), errs.MessageOf(err))
			return
		}
		// echo the created record so the sender learns the transfer id
		c.reply(models.TypeFileTransferOffer, t)

	case models.TypeFileTransferAccept:
		var p models.TransferDecisionPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.sendError("malformed_payload", "accept payload is not valid")
			return
		}
		t, err := transfers.Accept(ctx, p.TransferID, c.userID)
		if err != nil {
			c.sendError(errs.CodeOf(err), errs.MessageOf(err))
			return
		}
		c.reply(models.TypeFileTransferAccept, models.TransferDecisionPayload{TransferID: t.TransferID, Status: t.Status})

	case models.TypeFileTransferReject:
		var p models.TransferDecisionPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.sendError("malformed_payload", "reject payload is not valid")
			return
		}
		t, err := transfers.Reject(ctx, p.TransferID, c.userID, p.Reason)
		if err != nil {
			c.sendError(errs.CodeOf(err), errs.MessageOf(err))
			return
		}
		c.reply(models.TypeFileTransferReject, models.TransferDecisionPayload{TransferID: t.TransferID, Status: t.Status, Reason: p.Reason})

	case models.TypeFileTransferChunk:
		var chunk models.ChunkPayload
		if err := json.Unmarshal(env.Payload, &chunk); err != nil {
			c.sendError("malformed_payload", "chunk payload is not valid")
			return
		}
		progress, _, err := transfers.SubmitChunk(ctx, c.userID, chunk)
		if err != nil {
			c.sendError(errs.CodeOf(err), errs.MessageOf(err))
			return
		}
		// per-chunk ack straight back to the submitting socket; the
		// receiver only hears milestone progress through the room flow
		c.reply(models.TypeFileTransferProgress, progress)
	}
}

// heartbeatLoop renews presence at a third of the TTL so a single missed
// beat never looks like a departure. The 54s ping cycle cannot do this job:
// it is slower than the presence TTL.
func (c *conn) heartbeatLoop(rel *relay.Relay, presenceTTL time.Duration) {
	interval := presenceTTL / 3
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if err := rel.Heartbeat(context.Background(), c.roomID, c.userID); err != nil {
				if errs.KindOf(err) == errs.KindNotFound {
					c.sendError("not_in_room", "room membership expired")
					return
				}
				c.log.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case <-c.stop:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Warn("socket write failed", "error", err)
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// refuse reports a failed join on a socket that never became a session: an
// error envelope followed by a close frame, try-again-later for capacity.
func refuse(ws *websocket.Conn, err error) {
	env, encErr := (models.Envelope{
		Type:      models.TypeError,
		Timestamp: time.Now().UnixMilli(),
	}).WithPayload(models.ErrorPayload{Code: errs.CodeOf(err), Message: errs.MessageOf(err)})
	if encErr == nil {
		if raw, encErr := env.Encode(); encErr == nil {
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			ws.WriteMessage(websocket.TextMessage, raw)
		}
	}

	code := websocket.CloseInternalServerErr
	if errs.KindOf(err) == errs.KindCapacity {
		code = websocket.CloseTryAgainLater
	}
	closeWith(ws, code, errs.CodeOf(err))
}

func closeWith(ws *websocket.Conn, code int, reason string) {
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}
