package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/PaulFidika/unlockkit/adapters/ginutil"
	"github.com/PaulFidika/unlockkit/core"
	"github.com/PaulFidika/unlockkit/ratelimit"
	"github.com/PaulFidika/unlockkit/tiers"
)

type subscriptionIntentRequest struct {
	Tier string `json:"tier" binding:"required"`
}

func HandleSubscriptionIntentPOST(svc *core.Service, rl ginutil.RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !ginutil.AllowNamed(c, rl, ratelimit.BucketIntentCreate) {
			ginutil.TooMany(c)
			return
		}
		var req subscriptionIntentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			ginutil.BadRequest(c, "invalid_request")
			return
		}
		tier, ok := tiers.Parse(req.Tier)
		if !ok || !tier.Subscribable() {
			ginutil.BadRequest(c, "invalid_tier")
			return
		}
		h, err := svc.CreateSubscriptionIntent(c.Request.Context(), ginutil.Viewer(c), tier)
		if err != nil {
			ginutil.Fail(c, err, "failed_to_create_intent")
			return
		}
		c.JSON(http.StatusCreated, h)
	}
}
