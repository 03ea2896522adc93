package llm

import (
	"context"
	"log/slog"
	"time"

	"github.com/briefcast/briefcast/pkg/models"
)

// Retrying decorates a Provider with the shared retry policy: transient
// failures back off exponentially from Base up to MaxAttempts calls, and
// rate-limit waits honor Retry-After without consuming an attempt. The
// context bounds the total wait.
type Retrying struct {
	Provider
	MaxAttempts int
	Base        time.Duration
	logger      *slog.Logger
}

// NewRetrying wraps p with the default policy of 3 attempts from a 2 second
// base.
func NewRetrying(p Provider, logger *slog.Logger) *Retrying {
	return &Retrying{Provider: p, MaxAttempts: 3, Base: 2 * time.Second, logger: logger}
}

// Complete implements Provider.
func (r *Retrying) Complete(ctx context.Context, req Request) (*Response, error) {
	backoff := r.Base
	var lastErr error

	for attempt := 1; attempt <= r.MaxAttempts; attempt++ {
		resp, err := r.Provider.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if wait, ok := models.RetryAfter(err); ok {
			if wait <= 0 {
				wait = backoff
			}
			r.logger.Warn("Provider rate limited, waiting",
				"provider", r.Name(), "wait", wait)
			if err := sleep(ctx, wait); err != nil {
				return nil, err
			}
			attempt--
			continue
		}

		if !models.IsTransient(err) || attempt == r.MaxAttempts {
			return nil, lastErr
		}
		r.logger.Warn("Provider call failed, retrying",
			"provider", r.Name(), "attempt", attempt, "backoff", backoff, "error", err)
		if err := sleep(ctx, backoff); err != nil {
			return nil, err
		}
		backoff *= 2
	}
	return nil, lastErr
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
