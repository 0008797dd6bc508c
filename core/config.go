package core

import "time"

// Config tunes the service facade.
type Config struct {
	// ReconcileWait bounds how long a confirm request waits for the grant to
	// become visible before answering "processing".
	ReconcileWait time.Duration
	// TrustTokenTier skips the subscription store and uses the tier carried by
	// the viewer token as is.
	TrustTokenTier bool
}

func (c Config) defaulted() Config {
	if c.ReconcileWait <= 0 {
		c.ReconcileWait = 10 * time.Second
	}
	return c
}
