// Package transfer implements the chunked file-transfer lifecycle on top of
// the coordination store: offer/accept/reject, idempotent chunk staging,
// pause/resume, integrity verification on completion, cancellation and an
// inactivity reaper. Transfer records belong to no single socket; every
// mutation goes through an optimistic store update so concurrent instances
// agree on exactly one outcome for each transition.
package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/rohanbatrain/sbd-signaling/config"
	"github.com/rohanbatrain/sbd-signaling/internal/errs"
	"github.com/rohanbatrain/sbd-signaling/internal/models"
	"github.com/rohanbatrain/sbd-signaling/internal/store"
)

// Publisher delivers transfer lifecycle events into the room's ordered
// message flow. The relay satisfies this.
type Publisher interface {
	Publish(ctx context.Context, env *models.Envelope) error
}

type Manager struct {
	store store.Store
	pub   Publisher
	cfg   config.TransferConfig
	log   *slog.Logger
	now   func() time.Time
}

func NewManager(st store.Store, pub Publisher, cfg config.TransferConfig) *Manager {
	return &Manager{
		store: st,
		pub:   pub,
		cfg:   cfg,
		log:   slog.With("component", "transfer"),
		now:   time.Now,
	}
}

// Offer creates a transfer record in Offered state and relays the offer to
// the receiver. The sender's concurrency slot is reserved first and rolled
// back if anything later fails, so the limit holds before any record
// exists.
func (m *Manager) Offer(ctx context.Context, roomID, senderID string, req models.TransferOfferRequest) (*models.Transfer, error) {
	switch {
	case req.ReceiverID == "":
		return nil, errs.Validation("missing_receiver", "receiver_id is required")
	case req.ReceiverID == senderID:
		return nil, errs.Validation("self_transfer", "cannot offer a file to yourself")
	case req.Filename == "":
		return nil, errs.Validation("missing_filename", "filename is required")
	case req.SizeBytes <= 0:
		return nil, errs.Validation("invalid_size", "size_bytes must be positive")
	case req.Checksum == "":
		return nil, errs.Validation("missing_checksum", "checksum is required")
	}
	if req.SizeBytes > m.cfg.MaxFileBytes {
		return nil, errs.Capacity("file_too_large", fmt.Sprintf("file exceeds the %d byte limit", m.cfg.MaxFileBytes))
	}

	slots := store.SlotsKey(senderID)
	n, err := m.store.Incr(ctx, slots)
	if err != nil {
		return nil, errs.Store(err)
	}
	m.store.Expire(ctx, slots, m.cfg.RecordTTL)
	if int(n) > m.cfg.MaxActivePerUser {
		m.store.Decr(ctx, slots)
		return nil, errs.Capacity("transfer_limit", fmt.Sprintf("at most %d concurrent transfers per sender", m.cfg.MaxActivePerUser))
	}

	now := m.now().UnixMilli()
	t := models.Transfer{
		TransferID:       uuid.NewString(),
		RoomID:           roomID,
		SenderID:         senderID,
		ReceiverID:       req.ReceiverID,
		Filename:         req.Filename,
		SizeBytes:        req.SizeBytes,
		MimeType:         req.MimeType,
		ChunkSize:        m.cfg.ChunkBytes,
		TotalChunks:      int((req.SizeBytes + int64(m.cfg.ChunkBytes) - 1) / int64(m.cfg.ChunkBytes)),
		Status:           models.TransferOffered,
		ChecksumExpected: req.Checksum,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	raw, err := json.Marshal(t)
	if err != nil {
		m.store.Decr(ctx, slots)
		return nil, errs.Internal(err)
	}
	if err := m.store.Set(ctx, store.TransferKey(t.TransferID), raw, m.cfg.RecordTTL); err != nil {
		m.store.Decr(ctx, slots)
		return nil, errs.Store(err)
	}
	m.index(ctx, &t)

	m.log.Info("transfer offered", "transfer_id", t.TransferID, "room_id", roomID,
		"sender_id", senderID, "receiver_id", t.ReceiverID, "size_bytes", t.SizeBytes, "total_chunks", t.TotalChunks)
	m.notify(ctx, &t, models.TypeFileTransferOffer, t.ReceiverID, t)
	return &t, nil
}

// Accept moves an offered transfer to Accepted and tells the sender.
// Accepting an already accepted or already running transfer is a no-op.
func (m *Manager) Accept(ctx context.Context, transferID, userID string) (*models.Transfer, error) {
	t, changed, err := m.transition(ctx, transferID, func(t *models.Transfer) error {
		if t.ReceiverID != userID {
			return errs.Forbidden("not_receiver", "only the receiver may accept a transfer")
		}
		if t.Status == models.TransferAccepted || t.Status == models.TransferActive {
			return store.ErrNoChange
		}
		if !t.Status.CanTransition(models.TransferAccepted) {
			return errs.Validation("invalid_transition", fmt.Sprintf("cannot accept a %s transfer", t.Status))
		}
		t.Status = models.TransferAccepted
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		m.notify(ctx, t, models.TypeFileTransferAccept, t.SenderID, models.TransferDecisionPayload{
			TransferID: t.TransferID,
			Status:     t.Status,
		})
	}
	return t, nil
}

// Reject terminally declines an offered transfer, releases the sender's slot
// and tells both parties. Rejecting twice is a no-op.
func (m *Manager) Reject(ctx context.Context, transferID, userID, reason string) (*models.Transfer, error) {
	t, changed, err := m.transition(ctx, transferID, func(t *models.Transfer) error {
		if t.ReceiverID != userID {
			return errs.Forbidden("not_receiver", "only the receiver may reject a transfer")
		}
		if t.Status == models.TransferRejected {
			return store.ErrNoChange
		}
		if !t.Status.CanTransition(models.TransferRejected) {
			return errs.Validation("invalid_transition", fmt.Sprintf("cannot reject a %s transfer", t.Status))
		}
		t.Status = models.TransferRejected
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		m.release(ctx, t)
		payload := models.TransferDecisionPayload{TransferID: t.TransferID, Status: t.Status, Reason: reason}
		m.notifyParties(ctx, t, models.TypeFileTransferReject, payload)
	}
	return t, nil
}

// SubmitChunk stages one chunk of an accepted or active transfer. The first
// chunk implicitly activates the transfer. Staging is idempotent per index:
// a duplicate is acknowledged (duplicate=true) without recounting. Once every
// index is staged the transfer finalizes in the same call.
func (m *Manager) SubmitChunk(ctx context.Context, userID string, chunk models.ChunkPayload) (*models.TransferProgress, bool, error) {
	t, err := m.get(ctx, chunk.TransferID)
	if err != nil {
		return nil, false, err
	}
	if t.SenderID != userID {
		return nil, false, errs.Forbidden("not_sender", "only the sender may submit chunks")
	}
	switch t.Status {
	case models.TransferAccepted, models.TransferActive:
	case models.TransferOffered:
		return nil, false, errs.Validation("not_accepted", "transfer has not been accepted yet")
	case models.TransferPaused:
		return nil, false, errs.Validation("transfer_paused", "transfer is paused")
	default:
		return nil, false, errs.Validation("transfer_closed", fmt.Sprintf("transfer is %s", t.Status))
	}
	if chunk.ChunkIndex < 0 || chunk.ChunkIndex >= t.TotalChunks {
		return nil, false, errs.Validation("chunk_out_of_range", fmt.Sprintf("chunk index must be in [0,%d)", t.TotalChunks))
	}

	data, err := base64.StdEncoding.DecodeString(chunk.Data)
	if err != nil {
		return nil, false, errs.Validation("bad_chunk_encoding", "chunk data is not valid base64")
	}
	if want := t.ChunkLen(chunk.ChunkIndex); len(data) != want {
		return nil, false, errs.Validation("chunk_size_mismatch", fmt.Sprintf("chunk %d must be %d bytes, got %d", chunk.ChunkIndex, want, len(data)))
	}
	if chunk.Checksum != "" {
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != chunk.Checksum {
			return nil, false, errs.Integrity("chunk_checksum_mismatch", fmt.Sprintf("chunk %d failed verification", chunk.ChunkIndex))
		}
	}

	chunksKey := store.ChunksKey(t.TransferID)
	wrote, err := m.store.HSetNX(ctx, chunksKey, strconv.Itoa(chunk.ChunkIndex), data)
	if err != nil {
		return nil, false, errs.Store(err)
	}
	if !wrote {
		p := models.ProgressOf(t)
		return &p, true, nil
	}
	m.store.Expire(ctx, chunksKey, m.cfg.RecordTTL)

	acked, err := m.store.HLen(ctx, chunksKey)
	if err != nil {
		return nil, false, errs.Store(err)
	}

	var prevPercent int
	upd, changed, err := m.transition(ctx, chunk.TransferID, func(t *models.Transfer) error {
		if t.Status.Terminal() {
			return store.ErrNoChange
		}
		if t.Status == models.TransferAccepted {
			t.Status = models.TransferActive
		}
		prevPercent = t.Percent()
		if int(acked) > t.ChunksAcked {
			t.ChunksAcked = int(acked)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	p := models.ProgressOf(upd)
	if !changed {
		return &p, false, nil
	}

	if upd.ChunksAcked >= upd.TotalChunks {
		return m.finalize(ctx, upd)
	}
	if upd.Percent() > prevPercent {
		m.notify(ctx, upd, models.TypeFileTransferProgress, upd.ReceiverID, p)
	}
	return &p, false, nil
}

// Pause suspends an active transfer. Either party may pause; pausing an
// already paused transfer is a no-op.
func (m *Manager) Pause(ctx context.Context, transferID, userID string) (*models.Transfer, error) {
	t, changed, err := m.transition(ctx, transferID, func(t *models.Transfer) error {
		if !t.Party(userID) {
			return errs.Forbidden("not_party", "user is not part of this transfer")
		}
		if t.Status == models.TransferPaused {
			return store.ErrNoChange
		}
		if !t.Status.CanTransition(models.TransferPaused) {
			return errs.Validation("invalid_transition", fmt.Sprintf("cannot pause a %s transfer", t.Status))
		}
		t.Status = models.TransferPaused
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		m.notifyParties(ctx, t, models.TypeFileTransferProgress, models.ProgressOf(t))
	}
	return t, nil
}

// Resume reopens a paused transfer; chunks already staged keep counting.
// Resuming an active transfer is a no-op.
func (m *Manager) Resume(ctx context.Context, transferID, userID string) (*models.Transfer, error) {
	t, changed, err := m.transition(ctx, transferID, func(t *models.Transfer) error {
		if !t.Party(userID) {
			return errs.Forbidden("not_party", "user is not part of this transfer")
		}
		if t.Status == models.TransferActive {
			return store.ErrNoChange
		}
		// only paused transfers resume; an accepted one activates through
		// its first chunk
		if t.Status != models.TransferPaused {
			return errs.Validation("invalid_transition", fmt.Sprintf("cannot resume a %s transfer", t.Status))
		}
		t.Status = models.TransferActive
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		m.notifyParties(ctx, t, models.TypeFileTransferProgress, models.ProgressOf(t))
	}
	return t, nil
}

// Cancel terminates a non-terminal transfer from either side, reclaiming the
// slot and any staged chunks. Cancelling twice is a no-op.
func (m *Manager) Cancel(ctx context.Context, transferID, userID string) (*models.Transfer, error) {
	t, changed, err := m.transition(ctx, transferID, func(t *models.Transfer) error {
		if !t.Party(userID) {
			return errs.Forbidden("not_party", "user is not part of this transfer")
		}
		if t.Status == models.TransferCancelled {
			return store.ErrNoChange
		}
		if !t.Status.CanTransition(models.TransferCancelled) {
			return errs.Validation("transfer_closed", fmt.Sprintf("cannot cancel a %s transfer", t.Status))
		}
		t.Status = models.TransferCancelled
		t.CompletedAt = m.now().UnixMilli()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		m.release(ctx, t)
		m.store.Del(ctx, store.ChunksKey(t.TransferID))
		m.notifyParties(ctx, t, models.TypeFileTransferComplete, models.TransferCompletePayload{
			TransferID: t.TransferID,
			Status:     models.TransferCancelled,
		})
	}
	return t, nil
}

// Progress reports completion state to either party.
func (m *Manager) Progress(ctx context.Context, transferID, userID string) (*models.TransferProgress, error) {
	t, err := m.get(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if !t.Party(userID) {
		return nil, errs.Forbidden("not_party", "user is not part of this transfer")
	}
	p := models.ProgressOf(t)
	return &p, nil
}

// List returns every transfer the user participates in, newest first.
// Records that expired under their TTL are lazily dropped from the index.
func (m *Manager) List(ctx context.Context, userID string) ([]models.Transfer, error) {
	ids, err := m.store.SMembers(ctx, store.UserTransfersKey(userID))
	if err != nil {
		return nil, errs.Store(err)
	}
	out := make([]models.Transfer, 0, len(ids))
	for _, id := range ids {
		t, err := m.get(ctx, id)
		if err != nil {
			if errs.KindOf(err) == errs.KindNotFound {
				m.store.SRem(ctx, store.UserTransfersKey(userID), id)
				continue
			}
			return nil, err
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].TransferID < out[j].TransferID
	})
	return out, nil
}

// finalize verifies the assembled file against the declared checksum and
// settles the record as Completed or Failed. The CAS transition makes one
// caller the winner even if duplicate final chunks race across instances;
// only the winner releases the slot and notifies the parties.
func (m *Manager) finalize(ctx context.Context, t *models.Transfer) (*models.TransferProgress, bool, error) {
	sum, err := m.assemble(ctx, t)
	if err != nil {
		return nil, false, err
	}
	verified := sum == t.ChecksumExpected

	upd, changed, err := m.transition(ctx, t.TransferID, func(t *models.Transfer) error {
		if t.Status.Terminal() {
			return store.ErrNoChange
		}
		t.ChecksumActual = sum
		if verified {
			t.Status = models.TransferCompleted
		} else {
			t.Status = models.TransferFailed
		}
		t.CompletedAt = m.now().UnixMilli()
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	p := models.ProgressOf(upd)
	if !changed {
		return &p, false, nil
	}

	m.release(ctx, upd)
	payload := models.TransferCompletePayload{
		TransferID:     upd.TransferID,
		Status:         upd.Status,
		ChecksumActual: sum,
	}
	if !verified {
		payload.Error = "checksum_mismatch"
	}
	m.notifyParties(ctx, upd, models.TypeFileTransferComplete, payload)

	if !verified {
		m.store.Del(ctx, store.ChunksKey(upd.TransferID))
		m.log.Warn("transfer failed verification", "transfer_id", upd.TransferID,
			"checksum_expected", upd.ChecksumExpected, "checksum_actual", sum)
		return &p, false, errs.Integrity("checksum_mismatch", "assembled file does not match the declared checksum")
	}
	m.log.Info("transfer completed", "transfer_id", upd.TransferID, "size_bytes", upd.SizeBytes)
	return &p, false, nil
}

// assemble streams staged chunks in index order through a sha-256 digest.
func (m *Manager) assemble(ctx context.Context, t *models.Transfer) (string, error) {
	h := sha256.New()
	key := store.ChunksKey(t.TransferID)
	for i := 0; i < t.TotalChunks; i++ {
		data, err := m.store.HGet(ctx, key, strconv.Itoa(i))
		if err == store.ErrNotFound {
			return "", errs.Integrity("missing_chunk", fmt.Sprintf("chunk %d absent at completion", i))
		}
		if err != nil {
			return "", errs.Store(err)
		}
		h.Write(data)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// transition runs an optimistic read-modify-write of the transfer record.
// fn may return store.ErrNoChange to keep the record as is (changed=false)
// or a taxonomy error to abort. UpdatedAt refreshes on every real change,
// which is what the inactivity reaper keys off.
func (m *Manager) transition(ctx context.Context, transferID string, fn func(*models.Transfer) error) (*models.Transfer, bool, error) {
	var changed bool
	raw, err := m.store.Update(ctx, store.TransferKey(transferID), m.cfg.RecordTTL, func(old []byte) ([]byte, error) {
		changed = false
		if old == nil {
			return nil, errs.NotFound("transfer_not_found", "no such transfer")
		}
		var t models.Transfer
		if err := json.Unmarshal(old, &t); err != nil {
			return nil, errs.Internal(err)
		}
		if err := fn(&t); err != nil {
			return nil, err
		}
		t.UpdatedAt = m.now().UnixMilli()
		changed = true
		return json.Marshal(t)
	})
	if err != nil {
		var e *errs.Error
		if errors.As(err, &e) {
			return nil, false, e
		}
		return nil, false, errs.Store(err)
	}

	var t models.Transfer
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, false, errs.Internal(err)
	}
	return &t, changed, nil
}

func (m *Manager) get(ctx context.Context, transferID string) (*models.Transfer, error) {
	raw, err := m.store.Get(ctx, store.TransferKey(transferID))
	if err == store.ErrNotFound {
		return nil, errs.NotFound("transfer_not_found", "no such transfer")
	}
	if err != nil {
		return nil, errs.Store(err)
	}
	var t models.Transfer
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, errs.Internal(err)
	}
	return &t, nil
}

// index registers the transfer for per-user listing and for the reaper.
func (m *Manager) index(ctx context.Context, t *models.Transfer) {
	for _, key := range []string{
		store.UserTransfersKey(t.SenderID),
		store.UserTransfersKey(t.ReceiverID),
	} {
		if err := m.store.SAdd(ctx, key, t.TransferID); err != nil {
			m.log.Warn("failed to index transfer", "transfer_id", t.TransferID, "key", key, "error", err)
		}
		m.store.Expire(ctx, key, m.cfg.RecordTTL)
	}
	if err := m.store.SAdd(ctx, store.ActiveTransfersKey, t.TransferID); err != nil {
		m.log.Warn("failed to register transfer for reaping", "transfer_id", t.TransferID, "error", err)
	}
}

// release returns the sender's concurrency slot and retires the transfer
// from the reaper's scan set. Callers invoke it exactly once per transfer,
// on the winning terminal transition.
func (m *Manager) release(ctx context.Context, t *models.Transfer) {
	if _, err := m.store.Decr(ctx, store.SlotsKey(t.SenderID)); err != nil {
		m.log.Warn("failed to release transfer slot", "transfer_id", t.TransferID, "sender_id", t.SenderID, "error", err)
	}
	if err := m.store.SRem(ctx, store.ActiveTransfersKey, t.TransferID); err != nil {
		m.log.Warn("failed to retire transfer", "transfer_id", t.TransferID, "error", err)
	}
}

// notify publishes one lifecycle event into the room, addressed to a single
// party. Events ride the ordinary relay path, so they are sequenced and
// replayable like any other signaling message.
func (m *Manager) notify(ctx context.Context, t *models.Transfer, typ models.MessageType, target string, payload any) {
	env, err := (models.Envelope{
		Type:         typ,
		RoomID:       t.RoomID,
		TargetUserID: target,
	}).WithPayload(payload)
	if err != nil {
		m.log.Error("failed to build transfer event", "transfer_id", t.TransferID, "type", typ, "error", err)
		return
	}
	if err := m.pub.Publish(ctx, env); err != nil {
		m.log.Warn("failed to relay transfer event", "transfer_id", t.TransferID, "type", typ, "error", err)
	}
}

// notifyParties sends the same lifecycle event to both peers.
func (m *Manager) notifyParties(ctx context.Context, t *models.Transfer, typ models.MessageType, payload any) {
	m.notify(ctx, t, typ, t.ReceiverID, payload)
	m.notify(ctx, t, typ, t.SenderID, payload)
}
