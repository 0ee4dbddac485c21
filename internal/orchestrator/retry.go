/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package orchestrator

import (
	"context"
	"errors"
	"math"
	"time"
)

// retryPolicy is the design's fixed transient-error policy for external
// calls: 3 attempts, exponential backoff from 1s up to 10s. Reimplemented
// fresh rather than carried over as a file from the reference implementation's (now-deleted)
// controlplane/jobs/retry.go, whose InitialBackoff*Multiplier^(attempt-1)
// formula this keeps.
type retryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

var defaultRetryPolicy = retryPolicy{
	MaxAttempts:    3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     10 * time.Second,
	Multiplier:     3.16, // waits 1s, then ~3.16s, between the 3 attempts; no wait exceeds 10s
}

func (p retryPolicy) backoff(attempt int) time.Duration {
	d := float64(p.InitialBackoff) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.MaxBackoff) {
		d = float64(p.MaxBackoff)
	}
	return time.Duration(d)
}

// withRetry runs fn up to the policy's MaxAttempts, retrying only
// transient failures (fn returns retry=true). It stops immediately on
// ctx cancellation.
func withRetry(ctx context.Context, p retryPolicy, fn func(ctx context.Context) (retry bool, err error)) error {
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		retry, err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry || attempt == p.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.backoff(attempt)):
		}
	}
	if lastErr == nil {
		lastErr = errors.New("orchestrator: retry exhausted with no recorded error")
	}
	return lastErr
}
