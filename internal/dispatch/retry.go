package dispatch

import (
	"math"
	"net/http"
	"time"

	"github.com/relaymesh/control-plane/pkg/models"
)

// nextAttemptAt computes when attempt+1 should run, per the configured
// backoff shape (spec.md §4.6 "Retry").
func nextAttemptAt(cfg models.EffectiveConfig, attempt int) time.Time {
	delay := time.Duration(cfg.RetryDelaySecs) * time.Second
	if cfg.BackoffShape == models.BackoffExponential {
		delay = time.Duration(float64(cfg.RetryDelaySecs) * math.Pow(2, float64(attempt-1))) * time.Second
	}
	return time.Now().UTC().Add(delay)
}

// classifyHTTPOutcome buckets an HTTP response status into the retryable
// (network, 5xx, 429) vs terminal (4xx except 429) classification from
// spec.md §4.6/§7, mirroring the teacher's sendWithRetries shape.
func classifyHTTPOutcome(statusCode int) (retryable bool) {
	if statusCode == http.StatusTooManyRequests {
		return true
	}
	if statusCode >= 500 {
		return true
	}
	return false
}
