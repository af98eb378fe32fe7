package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rohanbatrain/sbd-signaling/internal/errs"
	"github.com/rohanbatrain/sbd-signaling/internal/models"
	"github.com/rohanbatrain/sbd-signaling/internal/transfer"
)

// respondError writes the taxonomy error shape with its mapped HTTP status.
func respondError(c *gin.Context, err error) {
	c.JSON(errs.HTTPStatus(err), gin.H{"error": gin.H{
		"kind":    errs.KindOf(err),
		"code":    errs.CodeOf(err),
		"message": errs.MessageOf(err),
	}})
}

// authedUser returns the user id the JWT middleware stored on the context.
func authedUser(c *gin.Context) string {
	v, _ := c.Get("user_id")
	userID, _ := v.(string)
	return userID
}

// OfferTransfer handles POST /rooms/:roomId/transfers. The authenticated
// user is the sender; the response is the created record, which carries the
// transfer id the client needs for every later call.
func OfferTransfer(m *transfer.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.TransferOfferRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, errs.Validation("invalid_body", err.Error()))
			return
		}
		t, err := m.Offer(c.Request.Context(), c.Param("roomId"), authedUser(c), req)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, t)
	}
}

// AcceptTransfer handles POST /transfers/:transferId/accept.
func AcceptTransfer(m *transfer.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		t, err := m.Accept(c.Request.Context(), c.Param("transferId"), authedUser(c))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, t)
	}
}

// RejectTransfer handles POST /transfers/:transferId/reject. The body may
// carry an optional reason that is relayed to the sender.
func RejectTransfer(m *transfer.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			Reason string `json:"reason"`
		}
		c.ShouldBindJSON(&body)

		t, err := m.Reject(c.Request.Context(), c.Param("transferId"), authedUser(c), body.Reason)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, t)
	}
}

// PauseTransfer handles POST /transfers/:transferId/pause.
func PauseTransfer(m *transfer.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		t, err := m.Pause(c.Request.Context(), c.Param("transferId"), authedUser(c))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, t)
	}
}

// ResumeTransfer handles POST /transfers/:transferId/resume.
func ResumeTransfer(m *transfer.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		t, err := m.Resume(c.Request.Context(), c.Param("transferId"), authedUser(c))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, t)
	}
}

// GetTransferProgress handles GET /transfers/:transferId/progress.
func GetTransferProgress(m *transfer.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := m.Progress(c.Request.Context(), c.Param("transferId"), authedUser(c))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

// CancelTransfer handles DELETE /transfers/:transferId.
func CancelTransfer(m *transfer.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		t, err := m.Cancel(c.Request.Context(), c.Param("transferId"), authedUser(c))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, t)
	}
}

// ListTransfers handles GET /transfers. The listing is scoped to the
// authenticated user; asking for someone else's via ?user_id is forbidden.
func ListTransfers(m *transfer.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := authedUser(c)
		if requested := c.Query("user_id"); requested != "" && requested != userID {
			respondError(c, errs.Forbidden("not_owner", "cannot list another user's transfers"))
			return
		}

		transfers, err := m.List(c.Request.Context(), userID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"transfers": transfers})
	}
}
