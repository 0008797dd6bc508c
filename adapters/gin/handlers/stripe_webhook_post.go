package handlers

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/PaulFidika/unlockkit/adapters/ginutil"
	"github.com/PaulFidika/unlockkit/core"
	stripeprovider "github.com/PaulFidika/unlockkit/provider/stripe"
)

const maxWebhookBytes = int64(65536)

// HandleStripeWebhookPOST verifies a Stripe delivery and hands its settlement
// to the service. Non-2xx answers make Stripe redeliver.
func HandleStripeWebhookPOST(svc *core.Service, secret string, log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBytes)
		payload, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload_too_large"})
			return
		}
		st, ok, err := stripeprovider.ParseWebhook(payload, c.GetHeader("Stripe-Signature"), secret, time.Now())
		if errors.Is(err, stripeprovider.ErrBadSignature) {
			ginutil.BadRequest(c, "invalid_signature")
			return
		}
		if err != nil {
			ginutil.BadRequest(c, "invalid_event")
			return
		}
		if !ok {
			c.JSON(http.StatusOK, gin.H{"ignored": true})
			return
		}
		if err := svc.HandleSettlement(c.Request.Context(), st); err != nil {
			log.WithError(err).WithField("payment_id", st.PaymentID).Error("webhook settlement failed")
			ginutil.ServerErr(c, "settlement_failed")
			return
		}
		c.JSON(http.StatusOK, gin.H{"received": true})
	}
}
