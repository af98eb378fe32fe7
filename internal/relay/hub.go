package relay

import (
	"context"

	"github.com/rohanbatrain/sbd-signaling/internal/models"
	"github.com/rohanbatrain/sbd-signaling/internal/store"
)

// Client is a locally attached member connection. The relay never blocks on
// a client: Deliver must queue or drop.
type Client interface {
	UserID() string
	Deliver(env *models.Envelope)
}

// roomHub tracks the clients this instance holds for one room, plus the
// store subscription that feeds them events published by any instance.
type roomHub struct {
	clients map[string]Client
	sub     store.Subscription
}

// attach registers c as the connection for its user in roomID, replacing any
// previous socket for the same user, and opens the room's event subscription
// if this is the first local client.
func (r *Relay) attach(ctx context.Context, roomID string, c Client) error {
	r.mu.Lock()
	h := r.rooms[roomID]
	if h == nil {
		h = &roomHub{clients: make(map[string]Client)}
		r.rooms[roomID] = h
	}
	h.clients[c.UserID()] = c
	needSub := h.sub == nil
	r.mu.Unlock()

	if !needSub {
		return nil
	}

	sub, err := r.store.Subscribe(ctx, store.EventsChannel(roomID))
	if err != nil {
		return err
	}

	r.mu.Lock()
	if h.sub == nil && len(h.clients) > 0 {
		h.sub = sub
		sub = nil
	}
	r.mu.Unlock()

	if sub != nil {
		// lost the race, or everyone left while we subscribed
		return sub.Close()
	}
	go r.pump(roomID, h.sub)
	return nil
}

// detach removes c if it is still the current connection for its user,
// reporting whether it was. A false return means a newer socket replaced
// this one and owns the session now.
func (r *Relay) detach(roomID, userID string, c Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := r.rooms[roomID]
	if h == nil {
		return false
	}
	current, ok := h.clients[userID]
	if !ok || current != c {
		return false
	}
	delete(h.clients, userID)
	if len(h.clients) == 0 {
		if h.sub != nil {
			h.sub.Close()
		}
		delete(r.rooms, roomID)
	}
	return true
}

// pump fans one room's published events out to this instance's clients. It
// exits when the subscription closes.
func (r *Relay) pump(roomID string, sub store.Subscription) {
	for raw := range sub.Messages() {
		env, err := models.DecodeEnvelope(raw)
		if err != nil {
			r.log.Warn("dropping malformed room event", "room_id", roomID, "error", err)
			continue
		}
		r.deliverLocal(env)
	}
}

// deliverLocal routes env to every eligible client on this instance.
func (r *Relay) deliverLocal(env *models.Envelope) {
	r.mu.Lock()
	h := r.rooms[env.RoomID]
	var targets []Client
	if h != nil {
		for userID, c := range h.clients {
			if env.DeliverableTo(userID) {
				targets = append(targets, c)
			}
		}
	}
	r.mu.Unlock()

	for _, c := range targets {
		c.Deliver(env)
	}
}

// LocalStats reports how many rooms and clients this instance currently
// serves. Cluster-wide numbers live in the store; this is the local gauge.
func (r *Relay) LocalStats() (rooms, clients int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.rooms {
		rooms++
		clients += len(h.clients)
	}
	return rooms, clients
}

// Close shuts every room subscription down. Connected clients are left to
// their own lifecycle; this is for process shutdown.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for roomID, h := range r.rooms {
		if h.sub != nil {
			h.sub.Close()
		}
		delete(r.rooms, roomID)
	}
}
