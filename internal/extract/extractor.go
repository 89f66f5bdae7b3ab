// Package extract submits page images to an external vision model and
// returns the extracted text, with bounded retries and exponential backoff
// on any failure of the external call.
package extract

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"github.com/Lllllllleong/documentingest/internal/pipeline"
)

const maxAttempts = 5

// Caller issues a single vision-model request for one page image.
type Caller interface {
	Call(ctx context.Context, image []byte) (string, error)
}

// Extractor wraps a Caller with the retry policy and a shared rate limit
// across concurrent page extractions.
type Extractor struct {
	caller  Caller
	limiter *rate.Limiter
	sleep   func(ctx context.Context, d time.Duration) error
}

// New creates an extractor. ratePerSecond caps outbound calls across all
// goroutines sharing this extractor; a non-positive value disables the cap.
func New(caller Caller, ratePerSecond float64) *Extractor {
	e := &Extractor{
		caller: caller,
		sleep:  sleepCtx,
	}
	if ratePerSecond > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(ratePerSecond), 1)
	}
	return e
}

// Extract returns the text of one page image. Each attempt waits for the
// rate limiter; failed attempts back off 2^attempt seconds plus jitter.
// After the budget is exhausted the last error is propagated as
// ExtractionFailed.
func (e *Extractor) Extract(ctx context.Context, image []byte) (string, error) {
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return "", err
			}
		}

		text, err := e.caller.Call(ctx, image)
		if err == nil {
			return text, nil
		}
		lastErr = err

		if attempt == maxAttempts {
			break
		}
		wait := time.Duration((math.Pow(2, float64(attempt)) + rand.Float64()) * float64(time.Second))
		slog.Warn("Vision call failed, will retry.",
			"attempt", attempt,
			"maxAttempts", maxAttempts,
			"backoff", wait.String(),
			"error", err,
		)
		if err := e.sleep(ctx, wait); err != nil {
			return "", err
		}
	}
	return "", &pipeline.ExtractionFailedError{Attempts: maxAttempts, Cause: lastErr}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
