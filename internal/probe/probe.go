package probe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/devstack/internal/stack"
)

// Prober checks readiness once. Implementations must honour ctx
// cancellation and return nil only when the service answered.
type Prober interface {
	Probe(ctx context.Context) error
}

// New constructs a Prober for the supplied readiness specification.
func New(spec *stack.Readiness) (Prober, error) {
	if spec == nil {
		return nil, nil
	}
	switch {
	case spec.TCP != nil && spec.HTTP != nil:
		return nil, errors.New("probe: tcp and http are mutually exclusive")
	case spec.TCP != nil:
		return newTCPProber(spec.TCP), nil
	case spec.HTTP != nil:
		return newHTTPProber(spec.HTTP), nil
	default:
		return nil, errors.New("probe: missing configuration")
	}
}

// Await polls the prober until it succeeds or the grace period elapses. The
// grace period bounds the whole wait; each attempt gets the per-attempt
// timeout and attempts are spaced by the configured interval.
func Await(ctx context.Context, spec *stack.Readiness, prober Prober) error {
	if spec == nil || prober == nil {
		return nil
	}

	deadline := time.Now().Add(spec.GracePeriod.Duration)
	waitCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	ticker := time.NewTicker(spec.Interval.Duration)
	defer ticker.Stop()

	var lastErr error
	for {
		attemptCtx, attemptCancel := context.WithTimeout(waitCtx, spec.Timeout.Duration)
		err := prober.Probe(attemptCtx)
		attemptCancel()
		if err == nil {
			return nil
		}
		lastErr = err

		select {
		case <-ticker.C:
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("probe: not ready after %s: %w", spec.GracePeriod.Duration, lastErr)
		}
	}
}
