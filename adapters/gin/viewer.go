package unlockgin

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/PaulFidika/unlockkit/access"
	"github.com/PaulFidika/unlockkit/adapters/ginutil"
)

// TokenVerifier turns a bearer token into a viewer.
type TokenVerifier interface {
	Verify(ctx context.Context, raw string) (access.Viewer, error)
}

// ViewerOptional attaches the caller's viewer to the request. Requests without
// a bearer token continue as anonymous; a token that fails verification is
// rejected rather than silently downgraded.
func ViewerOptional(v TokenVerifier, log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearerToken(c.GetHeader("Authorization"))
		if raw == "" || v == nil {
			ginutil.SetViewer(c, access.Viewer{})
			c.Next()
			return
		}
		viewer, err := v.Verify(c.Request.Context(), raw)
		if err != nil {
			log.WithError(err).Debug("viewer token rejected")
			ginutil.Unauthorized(c, "invalid_token")
			return
		}
		ginutil.SetViewer(c, viewer)
		c.Next()
	}
}

// ViewerRequired rejects anonymous callers. It must run after ViewerOptional.
func ViewerRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if v := ginutil.Viewer(c); !v.Authenticated || v.ID == "" {
			ginutil.Unauthorized(c, "not_authenticated")
			return
		}
		c.Next()
	}
}

func bearerToken(h string) string {
	const prefix = "bearer "
	h = strings.TrimSpace(h)
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}
