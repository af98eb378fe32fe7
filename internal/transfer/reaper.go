package transfer

import (
	"context"
	"time"

	"github.com/rohanbatrain/sbd-signaling/internal/errs"
	"github.com/rohanbatrain/sbd-signaling/internal/models"
	"github.com/rohanbatrain/sbd-signaling/internal/store"
)

// RunReaper periodically fails transfers that have gone quiet, looping until
// ctx is cancelled. Safe to run on every instance: the terminal transition
// is a CAS, so exactly one instance wins each reap.
func (m *Manager) RunReaper(ctx context.Context) {
	interval := m.cfg.ReaperInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Reap(ctx)
		}
	}
}

// Reap forces every non-terminal transfer whose last activity predates the
// inactivity timeout into Failed, reclaiming the sender's slot and staged
// chunks whether or not either peer is still connected.
func (m *Manager) Reap(ctx context.Context) {
	ids, err := m.store.SMembers(ctx, store.ActiveTransfersKey)
	if err != nil {
		m.log.Warn("transfer reap skipped", "error", err)
		return
	}

	cutoff := m.now().Add(-m.cfg.InactivityTimeout).UnixMilli()
	for _, id := range ids {
		m.reapOne(ctx, id, cutoff)
	}
}

func (m *Manager) reapOne(ctx context.Context, transferID string, cutoff int64) {
	t, changed, err := m.transition(ctx, transferID, func(t *models.Transfer) error {
		if t.Status.Terminal() || t.UpdatedAt > cutoff {
			return store.ErrNoChange
		}
		t.Status = models.TransferFailed
		t.CompletedAt = m.now().UnixMilli()
		return nil
	})
	if err != nil {
		// the record expired underneath its index entry
		if errs.KindOf(err) == errs.KindNotFound {
			m.store.SRem(ctx, store.ActiveTransfersKey, transferID)
		}
		return
	}
	if !changed {
		return
	}

	m.log.Info("reaped inactive transfer", "transfer_id", transferID, "sender_id", t.SenderID)
	m.release(ctx, t)
	m.store.Del(ctx, store.ChunksKey(transferID))
	m.notifyParties(ctx, t, models.TypeFileTransferComplete, models.TransferCompletePayload{
		TransferID: transferID,
		Status:     models.TransferFailed,
		Error:      "inactivity_timeout",
	})
}
