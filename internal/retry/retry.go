// Package retry provides the single bounded-poll primitive shared by port
// probing, health checks, and termination waits.
package retry

import (
	"context"
	"errors"
	"time"
)

// ErrExhausted is returned when the attempt budget runs out before the
// predicate reports done.
var ErrExhausted = errors.New("retry attempts exhausted")

// Poll invokes fn up to attempts times, sleeping interval between calls.
// fn reports done=true to stop successfully; a non-nil error stops
// immediately and is returned as-is. The first attempt runs without delay.
func Poll(ctx context.Context, interval time.Duration, attempts int, fn func() (bool, error)) error {
	if fn == nil {
		return nil
	}
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}
		}
		done, err := fn()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	return ErrExhausted
}
