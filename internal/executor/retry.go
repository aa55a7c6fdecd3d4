package executor

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/flexinfer/mentatlab/services/dagrunner/pkg/types"
)

// retryDelay returns the wait after the given failed attempt (1-based):
// Backoff * Multiplier^(attempt-1), capped at MaxBackoff.
func retryDelay(policy types.RetryPolicy, attempt int) time.Duration {
	p := policy.WithDefaults()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Backoff.Std()
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.MaxBackoff.Std()
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.InitialInterval
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
