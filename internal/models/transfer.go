package models

// TransferStatus is the lifecycle state of a file transfer.
type TransferStatus string

const (
	TransferOffered   TransferStatus = "offered"
	TransferAccepted  TransferStatus = "accepted"
	TransferRejected  TransferStatus = "rejected"
	TransferActive    TransferStatus = "active"
	TransferPaused    TransferStatus = "paused"
	TransferCompleted TransferStatus = "completed"
	TransferFailed    TransferStatus = "failed"
	TransferCancelled TransferStatus = "cancelled"
)

// Terminal reports whether s admits no further transitions.
func (s TransferStatus) Terminal() bool {
	switch s {
	case TransferRejected, TransferCompleted, TransferFailed, TransferCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the status machine permits moving from s to
// next. Transitions are monotone except for the active/paused cycle; every
// non-terminal state may be cancelled or force-failed (the reaper path).
func (s TransferStatus) CanTransition(next TransferStatus) bool {
	if s.Terminal() {
		return false
	}
	if next == TransferCancelled || next == TransferFailed {
		return true
	}
	switch s {
	case TransferOffered:
		return next == TransferAccepted || next == TransferRejected
	case TransferAccepted:
		return next == TransferActive
	case TransferActive:
		return next == TransferPaused || next == TransferCompleted
	case TransferPaused:
		return next == TransferActive
	}
	return false
}

// Transfer is the coordination-store record for one chunked file transfer.
// It is owned by neither peer's connection and outlives any single socket;
// both sides reference it by TransferID.
type Transfer struct {
	TransferID       string         `json:"transfer_id"`
	RoomID           string         `json:"room_id"`
	SenderID         string         `json:"sender_id"`
	ReceiverID       string         `json:"receiver_id"`
	Filename         string         `json:"filename"`
	SizeBytes        int64          `json:"size_bytes"`
	MimeType         string         `json:"mime_type,omitempty"`
	ChunkSize        int            `json:"chunk_size"`
	TotalChunks      int            `json:"total_chunks"`
	ChunksAcked      int            `json:"chunks_acked"`
	Status           TransferStatus `json:"status"`
	ChecksumExpected string         `json:"checksum_expected"`
	ChecksumActual   string         `json:"checksum_actual,omitempty"`
	CreatedAt        int64          `json:"created_at"`
	UpdatedAt        int64          `json:"updated_at"`
	CompletedAt      int64          `json:"completed_at,omitempty"`
}

// Percent is the whole-number completion percentage.
func (t *Transfer) Percent() int {
	if t.TotalChunks <= 0 {
		return 0
	}
	return t.ChunksAcked * 100 / t.TotalChunks
}

// ChunkLen returns the expected byte length of chunk index i: every chunk is
// exactly ChunkSize except a shorter final remainder.
func (t *Transfer) ChunkLen(i int) int {
	if i == t.TotalChunks-1 {
		if rem := t.SizeBytes % int64(t.ChunkSize); rem != 0 {
			return int(rem)
		}
	}
	return t.ChunkSize
}

// Party reports whether userID is one of the two peers of the transfer.
func (t *Transfer) Party(userID string) bool {
	return userID == t.SenderID || userID == t.ReceiverID
}

// TransferOfferRequest is the body of POST /rooms/:roomId/transfers and the
// payload of a file_transfer_offer sent over the socket.
type TransferOfferRequest struct {
	ReceiverID string `json:"receiver_id" binding:"required"`
	Filename   string `json:"filename" binding:"required"`
	SizeBytes  int64  `json:"size_bytes" binding:"required,min=1"`
	MimeType   string `json:"mime_type,omitempty"`
	Checksum   string `json:"checksum" binding:"required"`
}

// TransferDecisionPayload is carried by file_transfer_accept and
// file_transfer_reject envelopes.
type TransferDecisionPayload struct {
	TransferID string         `json:"transfer_id"`
	Status     TransferStatus `json:"status"`
	Reason     string         `json:"reason,omitempty"`
}

// ChunkPayload is carried by file_transfer_chunk envelopes. Data is the
// base64-encoded chunk body; Checksum is the sha-256 hex digest of the
// decoded bytes.
type ChunkPayload struct {
	TransferID string `json:"transfer_id"`
	ChunkIndex int    `json:"chunk_index"`
	Data       string `json:"data"`
	Checksum   string `json:"checksum"`
}

// TransferProgress is both the GET /transfers/:id/progress response and the
// payload of file_transfer_progress envelopes.
type TransferProgress struct {
	TransferID  string         `json:"transfer_id"`
	Percent     int            `json:"percent"`
	ChunksAcked int            `json:"chunks_acked"`
	TotalChunks int            `json:"total_chunks"`
	Status      TransferStatus `json:"status"`
}

// TransferCompletePayload is carried by file_transfer_complete envelopes for
// both successful and failed terminations.
type TransferCompletePayload struct {
	TransferID     string         `json:"transfer_id"`
	Status         TransferStatus `json:"status"`
	ChecksumActual string         `json:"checksum_actual,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// ProgressOf builds the progress view of t.
func ProgressOf(t *Transfer) TransferProgress {
	return TransferProgress{
		TransferID:  t.TransferID,
		Percent:     t.Percent(),
		ChunksAcked: t.ChunksAcked,
		TotalChunks: t.TotalChunks,
		Status:      t.Status,
	}
}
