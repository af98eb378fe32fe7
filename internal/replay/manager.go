// Package replay keeps per-room message history and per-member connection
// state in the coordination store so that a member who drops and returns
// within the grace window gets the messages they missed, in order, exactly
// once, regardless of which instance they reconnect to.
package replay

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rohanbatrain/sbd-signaling/config"
	"github.com/rohanbatrain/sbd-signaling/internal/models"
	"github.com/rohanbatrain/sbd-signaling/internal/store"
)

// Decision is the outcome of a connect: whether it resumed a recent session,
// the envelopes to redeliver, and how honest the history is. MissedCount is
// the number of sequenced messages that aged out of the buffer before the
// member returned; HistoryComplete is false whenever MissedCount is nonzero.
type Decision struct {
	Resumed         bool
	Messages        []models.Envelope
	MissedCount     int64
	HistoryComplete bool
}

// Manager records published envelopes into each room's capped buffer and
// answers resume queries against it.
type Manager struct {
	store store.Store
	log   *slog.Logger

	bufferSize int64
	bufferTTL  time.Duration
	grace      time.Duration
}

func NewManager(st store.Store, cfg config.SignalingConfig) *Manager {
	return &Manager{
		store:      st,
		log:        slog.With("component", "replay"),
		bufferSize: int64(cfg.BufferSize),
		bufferTTL:  cfg.BufferTTL,
		grace:      cfg.ReconnectGrace,
	}
}

// Record appends a sequenced envelope to the room's replay buffer. Chunk
// frames are deliberately not recorded: bulk file data is recoverable
// through the transfer record itself, and a single chunk burst would
// otherwise flush every signaling message out of the buffer.
func (m *Manager) Record(ctx context.Context, env *models.Envelope) error {
	if env.Type == models.TypeFileTransferChunk {
		return nil
	}
	raw, err := env.Encode()
	if err != nil {
		return err
	}
	return m.store.PushCapped(ctx, store.BufferKey(env.RoomID), raw, m.bufferSize, m.bufferTTL)
}

// MarkConnected records a live session for the member. Renewed alongside
// presence; it exists so that a session cut short without a disconnect
// handshake (instance crash) is recognizable and not mistaken for a fresh
// member or replayed from sequence zero.
func (m *Manager) MarkConnected(ctx context.Context, roomID, userID string) error {
	raw, err := json.Marshal(models.ConnectionState{Status: models.ConnStatusConnected})
	if err != nil {
		return err
	}
	return m.store.Set(ctx, store.ConnStateKey(roomID, userID), raw, m.grace)
}

// MarkDisconnected opens the grace window for a member: their last delivered
// sequence number is parked in the store and survives exactly as long as a
// resume is still allowed.
func (m *Manager) MarkDisconnected(ctx context.Context, roomID, userID string, lastSeq int64) error {
	state := models.ConnectionState{
		Status:           models.ConnStatusDisconnected,
		LastSequenceSeen: lastSeq,
		DisconnectedAt:   time.Now().UnixMilli(),
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return m.store.Set(ctx, store.ConnStateKey(roomID, userID), raw, m.grace)
}

// Resume decides whether a connecting member is a fresh join or a return
// within the grace window, and in the latter case collects the buffered
// envelopes they missed. The member's parked state is consumed either way.
func (m *Manager) Resume(ctx context.Context, roomID, userID string) (*Decision, error) {
	key := store.ConnStateKey(roomID, userID)

	raw, err := m.store.Get(ctx, key)
	if err == store.ErrNotFound {
		return &Decision{Resumed: false, HistoryComplete: true}, nil
	}
	if err != nil {
		return nil, err
	}

	var state models.ConnectionState
	if err := json.Unmarshal(raw, &state); err != nil {
		// A corrupt state entry is unusable; treat the connect as fresh.
		m.log.Warn("dropping unreadable connection state", "room_id", roomID, "user_id", userID, "error", err)
		m.store.Del(ctx, key)
		return &Decision{Resumed: false, HistoryComplete: true}, nil
	}
	if state.Status != models.ConnStatusDisconnected {
		// The previous session ended without a disconnect handshake, so no
		// delivery cursor was recorded. Nothing can be replayed honestly.
		return &Decision{Resumed: false, HistoryComplete: true}, nil
	}

	state.Status = models.ConnStatusReconnecting
	if upd, err := json.Marshal(state); err == nil {
		m.store.Set(ctx, key, upd, m.grace)
	}

	decision, err := m.collect(ctx, roomID, userID, state.LastSequenceSeen)
	if err != nil {
		return nil, err
	}

	if err := m.store.Del(ctx, key); err != nil {
		m.log.Warn("failed to clear connection state after resume", "room_id", roomID, "user_id", userID, "error", err)
	}
	return decision, nil
}

// collect builds the resumed Decision: every buffered envelope with a
// sequence number past lastSeen that the member would have received live,
// plus the gap accounting against the room's current counter.
func (m *Manager) collect(ctx context.Context, roomID, userID string, lastSeen int64) (*Decision, error) {
	entries, err := m.store.Range(ctx, store.BufferKey(roomID))
	if err != nil {
		return nil, err
	}

	decision := &Decision{Resumed: true, HistoryComplete: true}

	var oldestBuffered int64 = -1
	for _, entry := range entries {
		env, err := models.DecodeEnvelope(entry)
		if err != nil {
			m.log.Warn("skipping unreadable buffer entry", "room_id", roomID, "error", err)
			continue
		}
		if oldestBuffered < 0 || env.SequenceNumber < oldestBuffered {
			oldestBuffered = env.SequenceNumber
		}
		if env.SequenceNumber <= lastSeen {
			continue
		}
		if !env.DeliverableTo(userID) {
			continue
		}
		decision.Messages = append(decision.Messages, *env)
	}

	if oldestBuffered >= 0 {
		// Entries below the oldest surviving sequence number were evicted.
		if gap := oldestBuffered - lastSeen - 1; gap > 0 {
			decision.MissedCount = gap
			decision.HistoryComplete = false
		}
		return decision, nil
	}

	// Empty buffer: anything published since lastSeen is gone for good.
	current, err := m.store.GetInt(ctx, store.SeqKey(roomID))
	if err != nil {
		return nil, err
	}
	if current > lastSeen {
		decision.MissedCount = current - lastSeen
		decision.HistoryComplete = false
	}
	return decision, nil
}
