// Package health polls the backend liveness endpoint after launch.
package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"limbic/internal/logging"
	"limbic/internal/retry"
)

// ErrUnhealthy reports that the liveness budget ran out. Callers treat it as
// a degraded condition, not a failure: slow warm-ups recover on their own.
var ErrUnhealthy = errors.New("backend never reported healthy")

// LivenessPath is the backend's health endpoint. Any successful response
// classifies as healthy.
const LivenessPath = "/healthz"

const requestTimeout = 2 * time.Second

type Verifier struct {
	Logger *logging.Logger
	// Client defaults to one with a short per-request timeout.
	Client *http.Client
}

// WaitHealthy issues up to maxAttempts liveness requests at interval spacing
// and returns nil on the first healthy response.
func (v *Verifier) WaitHealthy(ctx context.Context, port, maxAttempts int, interval time.Duration) error {
	client := http.DefaultClient
	if v != nil && v.Client != nil {
		client = v.Client
	} else {
		client = &http.Client{Timeout: requestTimeout}
	}
	url := fmt.Sprintf("http://127.0.0.1:%d%s", port, LivenessPath)

	attempt := 0
	err := retry.Poll(ctx, interval, maxAttempts, func() (bool, error) {
		attempt++
		request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return false, err
		}
		response, err := client.Do(request)
		if err != nil {
			v.logAttempt(attempt, maxAttempts, err)
			return false, nil
		}
		_ = response.Body.Close()
		if response.StatusCode < 200 || response.StatusCode >= 400 {
			v.logAttempt(attempt, maxAttempts, fmt.Errorf("status %d", response.StatusCode))
			return false, nil
		}
		return true, nil
	})
	if errors.Is(err, retry.ErrExhausted) {
		return fmt.Errorf("%w after %d attempts", ErrUnhealthy, maxAttempts)
	}
	return err
}

func (v *Verifier) logAttempt(attempt, maxAttempts int, cause error) {
	if v == nil || v.Logger == nil {
		return
	}
	v.Logger.Debug("liveness probe failed", map[string]string{
		"attempt": strconv.Itoa(attempt) + "/" + strconv.Itoa(maxAttempts),
		"error":   cause.Error(),
	})
}
