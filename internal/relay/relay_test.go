package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rohanbatrain/sbd-signaling/config"
	"github.com/rohanbatrain/sbd-signaling/internal/errs"
	"github.com/rohanbatrain/sbd-signaling/internal/models"
	"github.com/rohanbatrain/sbd-signaling/internal/replay"
	"github.com/rohanbatrain/sbd-signaling/internal/store"
)

func testCfg() config.SignalingConfig {
	return config.SignalingConfig{
		PresenceTTL:    30 * time.Second,
		BufferSize:     50,
		BufferTTL:      5 * time.Minute,
		ReconnectGrace: 5 * time.Minute,
		RoomCapacity:   16,
		SeqTTL:         24 * time.Hour,
	}
}

func newRelay(st store.Store) *Relay {
	return New(st, replay.NewManager(st, testCfg()), testCfg())
}

type fakeClient struct {
	id string

	mu  sync.Mutex
	got []*models.Envelope
}

func (c *fakeClient) UserID() string { return c.id }

func (c *fakeClient) Deliver(env *models.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, env)
}

func (c *fakeClient) envelopes() []*models.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*models.Envelope, len(c.got))
	copy(out, c.got)
	return out
}

func (c *fakeClient) ofType(typ models.MessageType) []*models.Envelope {
	var out []*models.Envelope
	for _, env := range c.envelopes() {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

// waitFor polls until c has received at least n envelopes of typ; delivery
// crosses the pub/sub pump goroutine, so tests cannot assert synchronously.
func waitFor(t *testing.T, c *fakeClient, typ models.MessageType, n int) []*models.Envelope {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(c.ofType(typ)) >= n
	}, time.Second, 5*time.Millisecond)
	return c.ofType(typ)
}

func join(t *testing.T, r *Relay, room string, c *fakeClient) (*models.RoomState, *replay.Decision) {
	t.Helper()
	state, decision, err := r.Join(context.Background(), room, models.Participant{UserID: c.id, DisplayName: c.id}, c)
	require.NoError(t, err)
	return state, decision
}

func offer(room, sender, target string) *models.Envelope {
	return &models.Envelope{
		Type:         models.TypeOffer,
		Payload:      json.RawMessage(`{"sdp":"v=0..."}`),
		SenderID:     sender,
		TargetUserID: target,
		RoomID:       room,
	}
}

func TestJoinAnnouncesNewMembers(t *testing.T) {
	r := newRelay(store.NewMemory())
	alice := &fakeClient{id: "alice"}
	bob := &fakeClient{id: "bob"}

	state, decision := join(t, r, "room-1", alice)
	assert.False(t, decision.Resumed)
	require.Len(t, state.Participants, 1)

	state, _ = join(t, r, "room-1", bob)
	require.Len(t, state.Participants, 2)
	assert.Equal(t, "alice", state.Participants[0].UserID, "ordering follows join time")
	assert.Equal(t, "bob", state.Participants[1].UserID)

	joins := waitFor(t, alice, models.TypeUserJoined, 1)
	var p models.PresencePayload
	require.NoError(t, json.Unmarshal(joins[0].Payload, &p))
	assert.Equal(t, "bob", p.UserID)
	assert.Equal(t, "bob", p.DisplayName)

	assert.Empty(t, bob.ofType(models.TypeUserJoined), "joiners do not hear their own join")
}

func TestJoinEnforcesCapacity(t *testing.T) {
	st := store.NewMemory()
	cfg := testCfg()
	cfg.RoomCapacity = 2
	r := New(st, replay.NewManager(st, cfg), cfg)

	join(t, r, "room-1", &fakeClient{id: "alice"})
	join(t, r, "room-1", &fakeClient{id: "bob"})

	_, _, err := r.Join(context.Background(), "room-1", models.Participant{UserID: "carol"}, &fakeClient{id: "carol"})
	require.Error(t, err)
	assert.Equal(t, errs.KindCapacity, errs.KindOf(err))
	assert.Equal(t, "room_full", errs.CodeOf(err))

	state, err := r.Snapshot(context.Background(), "room-1")
	require.NoError(t, err)
	assert.Len(t, state.Participants, 2, "rejected joiner must not linger in membership")
}

func TestPublishSequencesStrictly(t *testing.T) {
	r := newRelay(store.NewMemory())
	alice := &fakeClient{id: "alice"}
	bob := &fakeClient{id: "bob"}
	join(t, r, "room-1", alice)
	join(t, r, "room-1", bob)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, r.Publish(ctx, offer("room-1", "bob", "")))
	}

	got := waitFor(t, alice, models.TypeOffer, 3)
	for i := 1; i < len(got); i++ {
		assert.Equal(t, got[i-1].SequenceNumber+1, got[i].SequenceNumber, "sequence numbers are gap-free and ascending")
	}
	assert.Empty(t, bob.ofType(models.TypeOffer), "senders do not receive their own messages")

	state, err := r.Snapshot(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, got[2].SequenceNumber, state.SequenceNumber, "snapshot counter matches the last published message")
}

func TestPublishTargetedReachesOnlyTarget(t *testing.T) {
	r := newRelay(store.NewMemory())
	alice := &fakeClient{id: "alice"}
	bob := &fakeClient{id: "bob"}
	carol := &fakeClient{id: "carol"}
	join(t, r, "room-1", alice)
	join(t, r, "room-1", bob)
	join(t, r, "room-1", carol)

	require.NoError(t, r.Publish(context.Background(), offer("room-1", "alice", "bob")))

	waitFor(t, bob, models.TypeOffer, 1)
	assert.Empty(t, carol.ofType(models.TypeOffer), "non-targets must not see targeted messages")
	assert.Empty(t, alice.ofType(models.TypeOffer))
}

func TestResumeWithinGraceKeepsSession(t *testing.T) {
	r := newRelay(store.NewMemory())
	alice1 := &fakeClient{id: "alice"}
	bob := &fakeClient{id: "bob"}
	join(t, r, "room-1", alice1)
	join(t, r, "room-1", bob)

	ctx := context.Background()
	require.NoError(t, r.Publish(ctx, offer("room-1", "bob", "")))
	got := waitFor(t, alice1, models.TypeOffer, 1)
	lastSeen := got[0].SequenceNumber

	r.Disconnect(ctx, "room-1", "alice", alice1, lastSeen)

	state, err := r.Snapshot(ctx, "room-1")
	require.NoError(t, err)
	assert.Len(t, state.Participants, 2, "membership persists through the grace window")

	// published while alice is away
	require.NoError(t, r.Publish(ctx, offer("room-1", "bob", "")))
	require.NoError(t, r.Publish(ctx, offer("room-1", "bob", "")))

	alice2 := &fakeClient{id: "alice"}
	state, decision := join(t, r, "room-1", alice2)
	assert.True(t, decision.Resumed)
	assert.True(t, decision.HistoryComplete)
	require.Len(t, decision.Messages, 2)
	assert.Equal(t, lastSeen+1, decision.Messages[0].SequenceNumber)
	assert.Equal(t, lastSeen+2, decision.Messages[1].SequenceNumber)
	assert.Len(t, state.Participants, 2)

	assert.Empty(t, bob.ofType(models.TypeUserJoined), "a resume is not announced as a new join")
	assert.Empty(t, bob.ofType(models.TypeUserLeft), "a resume within grace never produced a departure")
}

func TestDisconnectOfReplacedSocketIsIgnored(t *testing.T) {
	r := newRelay(store.NewMemory())
	old := &fakeClient{id: "alice"}
	bob := &fakeClient{id: "bob"}
	join(t, r, "room-1", old)
	join(t, r, "room-1", bob)

	current := &fakeClient{id: "alice"}
	join(t, r, "room-1", current)

	ctx := context.Background()
	r.Disconnect(ctx, "room-1", "alice", old, 0)

	raw, err := r.store.Get(ctx, store.ConnStateKey("room-1", "alice"))
	require.NoError(t, err)
	var cs models.ConnectionState
	require.NoError(t, json.Unmarshal(raw, &cs))
	assert.Equal(t, models.ConnStatusConnected, cs.Status, "dropping a replaced socket must not open a grace window")

	require.NoError(t, r.Publish(ctx, offer("room-1", "bob", "")))
	waitFor(t, current, models.TypeOffer, 1)
	assert.Empty(t, old.ofType(models.TypeOffer), "replaced socket no longer receives")
}

func TestLeaveAnnouncesAndRetiresEmptyRoom(t *testing.T) {
	r := newRelay(store.NewMemory())
	alice := &fakeClient{id: "alice"}
	bob := &fakeClient{id: "bob"}
	join(t, r, "room-1", alice)
	join(t, r, "room-1", bob)

	ctx := context.Background()
	require.NoError(t, r.Leave(ctx, "room-1", "bob", bob))

	left := waitFor(t, alice, models.TypeUserLeft, 1)
	var p models.PresencePayload
	require.NoError(t, json.Unmarshal(left[0].Payload, &p))
	assert.Equal(t, "bob", p.UserID)

	// leaving again is a no-op
	require.NoError(t, r.Leave(ctx, "room-1", "bob", nil))
	assert.Len(t, alice.ofType(models.TypeUserLeft), 1)

	require.NoError(t, r.Leave(ctx, "room-1", "alice", alice))
	rooms, err := r.store.SMembers(ctx, store.ActiveRoomsKey)
	require.NoError(t, err)
	assert.Empty(t, rooms, "empty room leaves the sweep registry")
}

func TestHeartbeatRenewsPresence(t *testing.T) {
	r := newRelay(store.NewMemory())
	alice := &fakeClient{id: "alice"}
	join(t, r, "room-1", alice)

	ctx := context.Background()
	require.NoError(t, r.store.Del(ctx, store.PresenceKey("room-1", "alice")))

	require.NoError(t, r.Heartbeat(ctx, "room-1", "alice"))
	alive, err := r.store.Exists(ctx, store.PresenceKey("room-1", "alice"))
	require.NoError(t, err)
	assert.True(t, alive)

	err = r.Heartbeat(ctx, "room-1", "ghost")
	require.Error(t, err)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

func TestSweepEvictsSilentMembers(t *testing.T) {
	r := newRelay(store.NewMemory())
	alice := &fakeClient{id: "alice"}
	bob := &fakeClient{id: "bob"}
	join(t, r, "room-1", alice)
	join(t, r, "room-1", bob)

	ctx := context.Background()
	// alice's presence lapses with no socket drop ever reported
	require.NoError(t, r.store.Del(ctx, store.PresenceKey("room-1", "alice")))

	r.Sweep(ctx)

	state, err := r.Snapshot(ctx, "room-1")
	require.NoError(t, err)
	require.Len(t, state.Participants, 1)
	assert.Equal(t, "bob", state.Participants[0].UserID)

	left := waitFor(t, bob, models.TypeUserLeft, 1)
	var p models.PresencePayload
	require.NoError(t, json.Unmarshal(left[0].Payload, &p))
	assert.Equal(t, "alice", p.UserID)

	// a second sweep finds nothing to claim
	r.Sweep(ctx)
	assert.Len(t, bob.ofType(models.TypeUserLeft), 1, "eviction is announced exactly once")
}

func TestEvictedMemberStillResumesWithinGrace(t *testing.T) {
	r := newRelay(store.NewMemory())
	alice1 := &fakeClient{id: "alice"}
	bob := &fakeClient{id: "bob"}
	join(t, r, "room-1", alice1)
	join(t, r, "room-1", bob)

	ctx := context.Background()
	require.NoError(t, r.Publish(ctx, offer("room-1", "bob", "")))
	got := waitFor(t, alice1, models.TypeOffer, 1)
	lastSeen := got[0].SequenceNumber

	// the socket drops and the presence TTL lapses before alice returns
	r.Disconnect(ctx, "room-1", "alice", alice1, lastSeen)
	require.NoError(t, r.store.Del(ctx, store.PresenceKey("room-1", "alice")))

	r.Sweep(ctx)

	state, err := r.Snapshot(ctx, "room-1")
	require.NoError(t, err)
	assert.Len(t, state.Participants, 1, "presence expiry evicts even while the grace window is open")
	waitFor(t, bob, models.TypeUserLeft, 1)

	require.NoError(t, r.Publish(ctx, offer("room-1", "bob", "")))

	// membership is gone but the session cursor survived, so the return is
	// announced as a join yet still replays what was missed
	alice2 := &fakeClient{id: "alice"}
	state, decision := join(t, r, "room-1", alice2)
	assert.Len(t, state.Participants, 2)
	assert.True(t, decision.Resumed)
	require.NotEmpty(t, decision.Messages)
	assert.Equal(t, models.TypeOffer, decision.Messages[len(decision.Messages)-1].Type)
	waitFor(t, bob, models.TypeUserJoined, 1)
}

func TestCrashedSessionConnectsFresh(t *testing.T) {
	r := newRelay(store.NewMemory())
	alice1 := &fakeClient{id: "alice"}
	join(t, r, "room-1", alice1)

	// no Disconnect ever ran (instance crash): the connection state still
	// says connected, so no delivery cursor exists to replay from
	alice2 := &fakeClient{id: "alice"}
	_, decision := join(t, r, "room-1", alice2)
	assert.False(t, decision.Resumed)
	assert.True(t, decision.HistoryComplete)
	assert.Empty(t, decision.Messages)
}

// failingStore simulates a coordination-store outage for selected calls.
type failingStore struct {
	store.Store
	mu   sync.Mutex
	down bool
}

func (f *failingStore) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *failingStore) isDown() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.down
}

func (f *failingStore) Incr(ctx context.Context, key string) (int64, error) {
	if f.isDown() {
		return 0, errors.New("connection refused")
	}
	return f.Store.Incr(ctx, key)
}

func TestDegradedPublishStillDeliversLocally(t *testing.T) {
	st := &failingStore{Store: store.NewMemory()}
	r := New(st, replay.NewManager(st, testCfg()), testCfg())
	alice := &fakeClient{id: "alice"}
	bob := &fakeClient{id: "bob"}
	join(t, r, "room-1", alice)
	join(t, r, "room-1", bob)

	st.setDown(true)
	require.NoError(t, r.Publish(context.Background(), offer("room-1", "bob", "")))

	got := waitFor(t, alice, models.TypeOffer, 1)
	assert.Zero(t, got[0].SequenceNumber, "degraded delivery carries no sequence number")

	st.setDown(false)
	require.NoError(t, r.Publish(context.Background(), offer("room-1", "bob", "")))
	got = waitFor(t, alice, models.TypeOffer, 2)
	assert.NotZero(t, got[1].SequenceNumber, "sequencing resumes once the store returns")
}
