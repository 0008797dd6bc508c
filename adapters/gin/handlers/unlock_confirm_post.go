package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/PaulFidika/unlockkit/adapters/ginutil"
	"github.com/PaulFidika/unlockkit/core"
	"github.com/PaulFidika/unlockkit/ratelimit"
)

func HandleUnlockConfirmPOST(svc *core.Service, rl ginutil.RateLimiter) gin.HandlerFunc {
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
		ent, err := svc.ConfirmUnlock(c.Request.Context(), pid, ginutil.Viewer(c))
		if err != nil {
			ginutil.Fail(c, err, "failed_to_confirm")
			return
		}
		c.JSON(http.StatusOK, gin.H{"entitlement": ent})
	}
}
