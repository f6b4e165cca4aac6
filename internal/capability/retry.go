package capability

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
)

const maxRetryDelay = 10 * time.Second

// Call runs fn under the transient-retry policy: up to budget total
// attempts, exponential backoff from baseDelay with jitter, capped at
// maxRetryDelay. Permanent failures return immediately. When the budget is
// spent on transient failures the returned error wraps ErrBudgetExhausted
// so callers can tell exhaustion from a hard provider rejection.
func Call[T any](ctx context.Context, budget int, baseDelay time.Duration, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	if budget < 1 {
		budget = 1
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}

	result, err := retry.DoWithData(
		func() (T, error) { return fn(ctx) },
		retry.Context(ctx),
		retry.Attempts(uint(budget)),
		retry.Delay(baseDelay),
		retry.MaxDelay(maxRetryDelay),
		retry.MaxJitter(baseDelay/2),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.RetryIf(IsTransient),
		retry.LastErrorOnly(true),
	)
	if err != nil && IsTransient(err) {
		return result, fmt.Errorf("%s: %w after %d attempts: %v", op, ErrBudgetExhausted, budget, err)
	}
	return result, err
}
