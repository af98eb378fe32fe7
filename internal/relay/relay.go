// Package relay is the signaling core: room membership, presence, ordered
// message fan-out and the local delivery hub. All room state lives in the
// coordination store; instances only cache which sockets they hold, so any
// instance can serve any room.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rohanbatrain/sbd-signaling/config"
	"github.com/rohanbatrain/sbd-signaling/internal/errs"
	"github.com/rohanbatrain/sbd-signaling/internal/models"
	"github.com/rohanbatrain/sbd-signaling/internal/replay"
	"github.com/rohanbatrain/sbd-signaling/internal/store"
)

type Relay struct {
	store  store.Store
	replay *replay.Manager
	cfg    config.SignalingConfig
	log    *slog.Logger

	mu    sync.Mutex
	rooms map[string]*roomHub
}

func New(st store.Store, rp *replay.Manager, cfg config.SignalingConfig) *Relay {
	return &Relay{
		store:  st,
		replay: rp,
		cfg:    cfg,
		log:    slog.With("component", "relay"),
		rooms:  make(map[string]*roomHub),
	}
}

// Join admits a connection into a room: it resolves whether this is a resume
// within the grace window, enforces the room's capacity for genuinely new
// members, registers the membership and presence in the store, attaches the
// client to the local hub and announces fresh joins to the room. The
// returned snapshot and decision are delivered only to the joining socket.
func (r *Relay) Join(ctx context.Context, roomID string, p models.Participant, c Client) (*models.RoomState, *replay.Decision, error) {
	decision, err := r.replay.Resume(ctx, roomID, p.UserID)
	if err != nil {
		return nil, nil, errs.Store(err)
	}

	membersKey := store.RoomMembersKey(roomID)
	existing, err := r.store.HGet(ctx, membersKey, p.UserID)
	if err != nil && err != store.ErrNotFound {
		return nil, nil, errs.Store(err)
	}

	now := time.Now().UnixMilli()
	p.LastSeenAt = now
	fresh := existing == nil
	if fresh {
		p.JoinedAt = now
		n, err := r.store.HLen(ctx, membersKey)
		if err != nil {
			return nil, nil, errs.Store(err)
		}
		if int(n) >= r.cfg.RoomCapacity {
			return nil, nil, errs.Capacity("room_full", "room has reached its participant limit")
		}
	} else {
		var prev models.Participant
		if json.Unmarshal(existing, &prev) == nil && prev.JoinedAt > 0 {
			p.JoinedAt = prev.JoinedAt
		} else {
			p.JoinedAt = now
		}
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return nil, nil, errs.Internal(err)
	}
	if err := r.store.HSet(ctx, membersKey, p.UserID, raw); err != nil {
		return nil, nil, errs.Store(err)
	}
	if fresh {
		// Concurrent joiners can slip past the gate above; whoever notices
		// the overflow backs out so the cap never sticks.
		if n, err := r.store.HLen(ctx, membersKey); err == nil && int(n) > r.cfg.RoomCapacity {
			r.store.HDel(ctx, membersKey, p.UserID)
			return nil, nil, errs.Capacity("room_full", "room has reached its participant limit")
		}
	}

	if err := r.store.SAdd(ctx, store.ActiveRoomsKey, roomID); err != nil {
		r.log.Warn("failed to register room for sweeping", "room_id", roomID, "error", err)
	}
	if err := r.store.Set(ctx, store.PresenceKey(roomID, p.UserID), []byte("1"), r.cfg.PresenceTTL); err != nil {
		r.log.Warn("failed to set presence", "room_id", roomID, "user_id", p.UserID, "error", err)
	}
	if err := r.replay.MarkConnected(ctx, roomID, p.UserID); err != nil {
		r.log.Warn("failed to record connection state", "room_id", roomID, "user_id", p.UserID, "error", err)
	}

	if err := r.attach(ctx, roomID, c); err != nil {
		r.log.Warn("room subscription unavailable, delivering locally only", "room_id", roomID, "error", err)
	}

	if fresh {
		r.announce(ctx, models.TypeUserJoined, roomID, models.PresencePayload{
			UserID:      p.UserID,
			DisplayName: p.DisplayName,
		})
	}

	state, err := r.Snapshot(ctx, roomID)
	if err != nil {
		return nil, nil, err
	}
	return state, decision, nil
}

// Publish assigns the room's next sequence number to env, records it for
// replay and fans it out to every instance. When the coordination store is
// unreachable the envelope is still delivered to clients on this instance,
// unsequenced, so an established session degrades instead of dying.
func (r *Relay) Publish(ctx context.Context, env *models.Envelope) error {
	env.Timestamp = time.Now().UnixMilli()

	seq, err := r.store.Incr(ctx, store.SeqKey(env.RoomID))
	if err != nil {
		r.log.Warn("store unavailable, delivering without sequencing", "room_id", env.RoomID, "type", env.Type, "error", err)
		env.SequenceNumber = 0
		r.deliverLocal(env)
		return nil
	}
	env.SequenceNumber = seq
	if err := r.store.Expire(ctx, store.SeqKey(env.RoomID), r.cfg.SeqTTL); err != nil {
		r.log.Warn("failed to refresh sequence ttl", "room_id", env.RoomID, "error", err)
	}

	if err := r.replay.Record(ctx, env); err != nil {
		r.log.Warn("failed to buffer envelope for replay", "room_id", env.RoomID, "seq", seq, "error", err)
	}

	raw, err := env.Encode()
	if err != nil {
		return errs.Internal(err)
	}
	if err := r.store.Publish(ctx, store.EventsChannel(env.RoomID), raw); err != nil {
		r.log.Warn("publish failed, delivering locally only", "room_id", env.RoomID, "seq", seq, "error", err)
		r.deliverLocal(env)
	}
	return nil
}

// Heartbeat renews a member's presence TTL. It reports not_found when the
// membership no longer exists, which tells the caller the member was evicted
// (for instance after an outage outlasted the presence TTL).
func (r *Relay) Heartbeat(ctx context.Context, roomID, userID string) error {
	raw, err := r.store.HGet(ctx, store.RoomMembersKey(roomID), userID)
	if err == store.ErrNotFound {
		return errs.NotFound("not_in_room", "user is not a member of this room")
	}
	if err != nil {
		return errs.Store(err)
	}

	if err := r.store.Set(ctx, store.PresenceKey(roomID, userID), []byte("1"), r.cfg.PresenceTTL); err != nil {
		return errs.Store(err)
	}
	if err := r.replay.MarkConnected(ctx, roomID, userID); err != nil {
		r.log.Warn("failed to renew connection state", "room_id", roomID, "user_id", userID, "error", err)
	}

	var p models.Participant
	if err := json.Unmarshal(raw, &p); err == nil {
		p.LastSeenAt = time.Now().UnixMilli()
		if upd, err := json.Marshal(p); err == nil {
			r.store.HSet(ctx, store.RoomMembersKey(roomID), userID, upd)
		}
	}
	return nil
}

// Leave removes a member deliberately: membership and presence go away, any
// open grace window is cancelled, and the room hears user_left. Idempotent;
// leaving a room you are not in does nothing.
func (r *Relay) Leave(ctx context.Context, roomID, userID string, c Client) error {
	if c != nil {
		r.detach(roomID, userID, c)
	}

	removed, err := r.store.HDel(ctx, store.RoomMembersKey(roomID), userID)
	if err != nil {
		return errs.Store(err)
	}
	if err := r.store.Del(ctx, store.PresenceKey(roomID, userID), store.ConnStateKey(roomID, userID)); err != nil {
		r.log.Warn("failed to clear presence state", "room_id", roomID, "user_id", userID, "error", err)
	}
	if removed == 0 {
		return nil
	}

	r.announce(ctx, models.TypeUserLeft, roomID, models.PresencePayload{UserID: userID})
	r.collectRoom(ctx, roomID)
	return nil
}

// Disconnect handles an unannounced socket loss: the member keeps their
// room membership and a grace window opens for them to resume. If a newer
// socket already replaced this one, the drop is ignored.
func (r *Relay) Disconnect(ctx context.Context, roomID, userID string, c Client, lastSeq int64) {
	if !r.detach(roomID, userID, c) {
		return
	}
	if err := r.replay.MarkDisconnected(ctx, roomID, userID, lastSeq); err != nil {
		r.log.Warn("failed to open grace window", "room_id", roomID, "user_id", userID, "error", err)
	}
}

// Snapshot returns the room's membership and current sequence number.
func (r *Relay) Snapshot(ctx context.Context, roomID string) (*models.RoomState, error) {
	members, err := r.store.HGetAll(ctx, store.RoomMembersKey(roomID))
	if err != nil {
		return nil, errs.Store(err)
	}

	state := &models.RoomState{
		RoomID:       roomID,
		Participants: make([]models.Participant, 0, len(members)),
	}
	for userID, raw := range members {
		var p models.Participant
		if err := json.Unmarshal(raw, &p); err != nil {
			r.log.Warn("skipping unreadable member record", "room_id", roomID, "user_id", userID, "error", err)
			continue
		}
		state.Participants = append(state.Participants, p)
	}
	sort.Slice(state.Participants, func(i, j int) bool {
		a, b := state.Participants[i], state.Participants[j]
		if a.JoinedAt != b.JoinedAt {
			return a.JoinedAt < b.JoinedAt
		}
		return a.UserID < b.UserID
	})

	seq, err := r.store.GetInt(ctx, store.SeqKey(roomID))
	if err != nil {
		return nil, errs.Store(err)
	}
	state.SequenceNumber = seq
	return state, nil
}

// announce publishes a server-originated presence event to the room.
func (r *Relay) announce(ctx context.Context, typ models.MessageType, roomID string, payload models.PresencePayload) {
	env, err := (models.Envelope{
		Type:     typ,
		SenderID: payload.UserID,
		RoomID:   roomID,
	}).WithPayload(payload)
	if err != nil {
		r.log.Error("failed to build presence event", "type", typ, "error", err)
		return
	}
	if err := r.Publish(ctx, env); err != nil {
		r.log.Warn("failed to publish presence event", "type", typ, "room_id", roomID, "error", err)
	}
}

// collectRoom retires an emptied room from the sweeper's registry. Buffers,
// counters and grace entries carry their own TTLs, so a member still inside
// the grace window can resume even though the room looked empty meanwhile.
func (r *Relay) collectRoom(ctx context.Context, roomID string) {
	n, err := r.store.HLen(ctx, store.RoomMembersKey(roomID))
	if err != nil || n > 0 {
		return
	}
	if err := r.store.SRem(ctx, store.ActiveRoomsKey, roomID); err != nil {
		r.log.Warn("failed to retire empty room", "room_id", roomID, "error", err)
	}
}
