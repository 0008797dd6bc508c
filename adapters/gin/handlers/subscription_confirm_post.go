package handlers

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/PaulFidika/unlockkit/adapters/ginutil"
	"github.com/PaulFidika/unlockkit/core"
	"github.com/PaulFidika/unlockkit/ratelimit"
)

// HandleSubscriptionConfirmPOST confirms the payment, then waits for the new
// tier to be visible so the client can refresh its token.
func HandleSubscriptionConfirmPOST(svc *core.Service, rl ginutil.RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !ginutil.AllowNamed(c, rl, ratelimit.BucketConfirm) {
			ginutil.TooMany(c)
			return
		}
		pid := strings.TrimSpace(c.Param("payment_id"))
		if pid == "" {
			ginutil.BadRequest(c, "missing_payment_id")
			return
		}
		ctx := c.Request.Context()
		v := ginutil.Viewer(c)
		if _, err := svc.ConfirmSubscription(ctx, pid, v); err != nil {
			ginutil.Fail(c, err, "failed_to_confirm")
			return
		}
		res, err := svc.Reconcile(ctx, pid, v)
		if err != nil {
			ginutil.Fail(c, err, "failed_to_reconcile")
			return
		}
		writeReconcile(c, res)
	}
}
