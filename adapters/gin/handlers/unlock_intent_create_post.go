package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/PaulFidika/unlockkit/adapters/ginutil"
	"github.com/PaulFidika/unlockkit/core"
	"github.com/PaulFidika/unlockkit/ratelimit"
)

func HandleUnlockIntentCreatePOST(svc *core.Service, rl ginutil.RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !ginutil.AllowNamed(c, rl, ratelimit.BucketIntentCreate) {
			ginutil.TooMany(c)
			return
		}
		id := strings.TrimSpace(c.Param("id"))
		if id == "" {
			ginutil.BadRequest(c, "missing_opportunity_id")
			return
		}
		h, err := svc.CreateUnlockIntent(c.Request.Context(), id, ginutil.Viewer(c))
		if err != nil {
			ginutil.Fail(c, err, "failed_to_create_intent")
			return
		}
		c.JSON(http.StatusCreated, h)
	}
}
