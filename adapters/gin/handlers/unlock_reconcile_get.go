package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/PaulFidika/unlockkit/adapters/ginutil"
	"github.com/PaulFidika/unlockkit/core"
	"github.com/PaulFidika/unlockkit/ratelimit"
	"github.com/PaulFidika/unlockkit/unlock"
)

// HandleUnlockReconcileGET waits a bounded time for a payment's effect. A
// timeout is answered 202 processing; the payment keeps going.
func HandleUnlockReconcileGET(svc *core.Service, rl ginutil.RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !ginutil.AllowNamed(c, rl, ratelimit.BucketReconcile) {
			ginutil.TooMany(c)
			return
		}
		pid := strings.TrimSpace(c.Param("payment_id"))
		if pid == "" {
			ginutil.BadRequest(c, "missing_payment_id")
			return
		}
		res, err := svc.Reconcile(c.Request.Context(), pid, ginutil.Viewer(c))
		if err != nil {
			ginutil.Fail(c, err, "failed_to_reconcile")
			return
		}
		writeReconcile(c, res)
	}
}

func writeReconcile(c *gin.Context, res unlock.ReconcileResult) {
	switch res.Outcome {
	case unlock.ReconcileActive:
		c.JSON(http.StatusOK, res)
	case unlock.ReconcileNotReflected, unlock.ReconcileCanceled:
		c.JSON(http.StatusAccepted, gin.H{"status": "processing", "outcome": res.Outcome})
	default:
		ginutil.Fail(c, res.Err, "reconcile_failed")
	}
}
