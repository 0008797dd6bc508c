// Package ginutil holds the small helpers shared by the unlock HTTP handlers:
// viewer context, rate limiting and error responses.
package ginutil

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/PaulFidika/unlockkit/access"
	"github.com/PaulFidika/unlockkit/unlock"
)

const viewerKey = "unlock.viewer"

// RateLimiter is implemented by the memory and Redis limiters.
type RateLimiter interface {
	Allow(ctx context.Context, bucket, key string) (bool, time.Duration, error)
}

// SetViewer stores the request's viewer on the gin context.
func SetViewer(c *gin.Context, v access.Viewer) { c.Set(viewerKey, v) }

// Viewer returns the request's viewer; anonymous when none was set.
func Viewer(c *gin.Context) access.Viewer {
	if v, ok := c.Get(viewerKey); ok {
		if vv, ok := v.(access.Viewer); ok {
			return vv
		}
	}
	return access.Viewer{}
}

// AllowNamed applies bucket to the caller, keyed by viewer id or client IP.
// A nil limiter allows everything; limiter errors fail open.
func AllowNamed(c *gin.Context, rl RateLimiter, bucket string) bool {
	if rl == nil {
		return true
	}
	key := "ip:" + c.ClientIP()
	if v := Viewer(c); v.Authenticated && v.ID != "" {
		key = "viewer:" + v.ID
	}
	ok, retry, err := rl.Allow(c.Request.Context(), bucket, key)
	if err != nil {
		return true
	}
	if !ok && retry > 0 {
		c.Header("Retry-After", strconv.Itoa(int((retry+time.Second-1)/time.Second)))
	}
	return ok
}

func BadRequest(c *gin.Context, code string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": code})
}

func Unauthorized(c *gin.Context, code string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": code})
}

func TooMany(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
}

func ServerErr(c *gin.Context, code string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": code})
}

// ProviderRetryAfter is the Retry-After sent with provider outages.
const ProviderRetryAfter = 5 * time.Second

// Fail writes the HTTP form of an unlock workflow error. Errors outside the
// taxonomy become 500s with fallback as the code.
func Fail(c *gin.Context, err error, fallback string) {
	var ue *unlock.Error
	if !errors.As(err, &ue) {
		ServerErr(c, fallback)
		return
	}
	body := gin.H{"error": string(ue.Kind)}
	if ue.Condition != "" {
		body["condition"] = string(ue.Condition)
	}
	switch ue.Kind {
	case unlock.KindPreconditionFailed:
		switch ue.Condition {
		case unlock.CondNotAuthenticated:
			c.AbortWithStatusJSON(http.StatusUnauthorized, body)
		case unlock.CondCapReached:
			c.AbortWithStatusJSON(http.StatusConflict, body)
		default:
			c.AbortWithStatusJSON(http.StatusPreconditionFailed, body)
		}
	case unlock.KindCapReached:
		c.AbortWithStatusJSON(http.StatusConflict, body)
	case unlock.KindPaymentDeclined:
		c.AbortWithStatusJSON(http.StatusPaymentRequired, body)
	case unlock.KindProviderUnavailable:
		c.Header("Retry-After", strconv.Itoa(int(ProviderRetryAfter/time.Second)))
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, body)
	case unlock.KindReconciliationTimeout:
		c.AbortWithStatusJSON(http.StatusAccepted, gin.H{"status": "processing"})
	case unlock.KindNotFound:
		c.AbortWithStatusJSON(http.StatusNotFound, body)
	default:
		ServerErr(c, fallback)
	}
}
