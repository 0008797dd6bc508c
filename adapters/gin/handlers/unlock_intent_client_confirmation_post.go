package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/PaulFidika/unlockkit/adapters/ginutil"
	"github.com/PaulFidika/unlockkit/core"
	"github.com/PaulFidika/unlockkit/ratelimit"
)

type clientConfirmationRequest struct {
	PaymentID    string `json:"payment_id"`
	ClientStatus string `json:"client_status" binding:"required"`
}

// HandleUnlockIntentClientConfirmationPOST records what the payment UI saw.
// It never grants access; only server confirmation does.
func HandleUnlockIntentClientConfirmationPOST(svc *core.Service, rl ginutil.RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !ginutil.AllowNamed(c, rl, ratelimit.BucketConfirm) {
			ginutil.TooMany(c)
			return
		}
		var req clientConfirmationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			ginutil.BadRequest(c, "invalid_request")
			return
		}
		in, err := svc.RecordClientConfirmation(c.Request.Context(), strings.TrimSpace(c.Param("id")), ginutil.Viewer(c), req.ClientStatus, req.PaymentID)
		if err != nil {
			ginutil.Fail(c, err, "failed_to_record_confirmation")
			return
		}
		c.JSON(http.StatusOK, gin.H{"intent_id": in.ID, "status": in.Status})
	}
}
