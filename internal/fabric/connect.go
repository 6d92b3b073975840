package fabric

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Connect dials a backend, retrying with exponential backoff until timeout
// elapses. A non-positive timeout allows a single attempt. It is used at
// startup only; the control loop never reconnects.
func Connect[T any](ctx context.Context, timeout time.Duration, logger *zap.Logger, target string, dial func(context.Context) (T, error)) (T, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = timeout

	var policy backoff.BackOff = bo
	if timeout <= 0 {
		policy = backoff.WithMaxRetries(bo, 0)
	}
	var out T
	op := func() error {
		v, err := dial(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("Switch not reachable yet, retrying",
			zap.String("target", target),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(policy, ctx), notify); err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}
