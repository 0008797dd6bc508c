// Package unlockgin exposes the unlock service over gin.
package unlockgin

import (
	"io"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/PaulFidika/unlockkit/adapters/gin/handlers"
	"github.com/PaulFidika/unlockkit/adapters/ginutil"
	"github.com/PaulFidika/unlockkit/core"
)

type Options struct {
	Verifier      TokenVerifier
	RateLimiter   ginutil.RateLimiter
	WebhookSecret string // empty disables the Stripe webhook route
	Logger        logrus.FieldLogger
}

// Register mounts the unlock routes on r.
func Register(r gin.IRouter, svc *core.Service, opts Options) {
	log := opts.Logger
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	rl := opts.RateLimiter

	if opts.WebhookSecret != "" {
		r.POST("/webhooks/stripe", handlers.HandleStripeWebhookPOST(svc, opts.WebhookSecret, log))
	}

	api := r.Group("", ViewerOptional(opts.Verifier, log))
	api.GET("/opportunities/:id/access", handlers.HandleOpportunityAccessGET(svc, rl))

	member := api.Group("", ViewerRequired())
	member.POST("/opportunities/:id/unlock-intents", handlers.HandleUnlockIntentCreatePOST(svc, rl))
	member.POST("/unlock-intents/:id/client-confirmation", handlers.HandleUnlockIntentClientConfirmationPOST(svc, rl))
	member.POST("/unlocks/:payment_id/confirm", handlers.HandleUnlockConfirmPOST(svc, rl))
	member.GET("/unlocks/:payment_id/reconcile", handlers.HandleUnlockReconcileGET(svc, rl))
	member.POST("/subscriptions/intents", handlers.HandleSubscriptionIntentPOST(svc, rl))
	member.POST("/subscriptions/:payment_id/confirm", handlers.HandleSubscriptionConfirmPOST(svc, rl))
}
