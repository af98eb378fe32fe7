package relay

import (
	"context"
	"time"

	"github.com/rohanbatrain/sbd-signaling/internal/models"
	"github.com/rohanbatrain/sbd-signaling/internal/store"
)

// RunSweeper evicts members whose presence expired, looping until ctx is
// cancelled. Every instance runs one; the store-level claim in evict keeps
// them from double-announcing.
func (r *Relay) RunSweeper(ctx context.Context) {
	interval := r.cfg.PresenceTTL / 3
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep walks every active room and evicts members whose presence key has
// expired. Eviction is membership cleanup only: the member's grace-window
// state is untouched, so a return within the window is re-admitted with its
// missed messages replayed even though the room saw them leave.
func (r *Relay) Sweep(ctx context.Context) {
	rooms, err := r.store.SMembers(ctx, store.ActiveRoomsKey)
	if err != nil {
		r.log.Warn("presence sweep skipped", "error", err)
		return
	}

	for _, roomID := range rooms {
		members, err := r.store.HGetAll(ctx, store.RoomMembersKey(roomID))
		if err != nil {
			continue
		}
		if len(members) == 0 {
			r.store.SRem(ctx, store.ActiveRoomsKey, roomID)
			continue
		}

		for userID := range members {
			alive, err := r.store.Exists(ctx, store.PresenceKey(roomID, userID))
			if err != nil || alive {
				continue
			}
			r.evict(ctx, roomID, userID)
		}
		r.collectRoom(ctx, roomID)
	}
}

// evict removes one timed-out member. HDel doubles as the cross-instance
// claim: only the sweeper that actually removed the field announces the
// departure, so the room sees exactly one user_left.
func (r *Relay) evict(ctx context.Context, roomID, userID string) {
	removed, err := r.store.HDel(ctx, store.RoomMembersKey(roomID), userID)
	if err != nil || removed == 0 {
		return
	}

	r.log.Info("evicted member after presence timeout", "room_id", roomID, "user_id", userID)
	r.announce(ctx, models.TypeUserLeft, roomID, models.PresencePayload{UserID: userID})
}
