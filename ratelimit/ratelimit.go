// Package ratelimit holds the bucket names and limits shared by the memory and
// Redis sliding-window limiters.
package ratelimit

import (
	"errors"
	"time"
)

// Buckets guarded by the HTTP adapter. Keys within a bucket are viewer ids,
// or client IPs for anonymous callers.
const (
	BucketIntentCreate = "unlock_intent_create"
	BucketConfirm      = "unlock_confirm"
	BucketReconcile    = "unlock_reconcile"
	BucketDecide       = "access_decide"
	BucketDefault      = "default"
)

// Limit allows Count requests per sliding Window.
type Limit struct {
	Count  int
	Window time.Duration
}

var ErrBucketKeyRequired = errors.New("ratelimit: bucket and key required")

// DefaultLimits returns the limits used when configuration supplies none.
func DefaultLimits() map[string]Limit {
	return map[string]Limit{
		BucketIntentCreate: {Count: 10, Window: time.Minute},
		BucketConfirm:      {Count: 30, Window: time.Minute},
		BucketReconcile:    {Count: 30, Window: time.Minute},
		BucketDecide:       {Count: 300, Window: time.Minute},
		BucketDefault:      {Count: 100, Window: time.Minute},
	}
}

// Resolve returns the limit for bucket, falling back to BucketDefault and then
// to 100 per minute.
func Resolve(limits map[string]Limit, bucket string) Limit {
	if v, ok := limits[bucket]; ok {
		return v
	}
	if v, ok := limits[BucketDefault]; ok {
		return v
	}
	return Limit{Count: 100, Window: time.Minute}
}
