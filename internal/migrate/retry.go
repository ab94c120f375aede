package migrate

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rangekeeper/rangekeeper/internal/engine"
	rkerrors "github.com/rangekeeper/rangekeeper/internal/errors"
)

// copyWithRetry runs one batch, retrying transient failures with
// exponential backoff. Each attempt gets its own BatchTimeout; an attempt
// that times out counts as transient. Returns the number of attempts made.
func (m *Migrator) copyWithRetry(ctx context.Context, runID string, req engine.BatchRequest) (engine.BatchOutcome, int, error) {
	attempts := 0
	op := func() (engine.BatchOutcome, error) {
		attempts++
		bctx, cancel := context.WithTimeout(ctx, m.config.BatchTimeout)
		defer cancel()

		out, err := m.target.CopyBatch(bctx, req)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return out, backoff.Permanent(ctx.Err())
		}
		if rkerrors.IsTransient(err) || errors.Is(err, context.DeadlineExceeded) {
			return out, err
		}
		return out, backoff.Permanent(err)
	}

	expo := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(m.config.InitialBackoff),
		backoff.WithMaxInterval(m.config.MaxBackoff),
		backoff.WithMaxElapsedTime(0),
	)
	policy := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(m.config.MaxAttempts-1)), ctx)

	notify := func(err error, wait time.Duration) {
		log.Printf("migrate: [WARN] run %s attempt %d failed, retrying in %v: %v", runID, attempts, wait, err)
	}

	out, err := backoff.RetryNotifyWithData(op, policy, notify)
	return out, attempts, err
}
