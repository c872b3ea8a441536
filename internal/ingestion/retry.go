package ingestion

import (
	"context"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"

	"github.com/rpattn/assetimport/internal/repository"
)

// isTransient reports whether a submission step may succeed when repeated.
func isTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if repository.IsTransient(err) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// retryTransient runs op until it succeeds, fails permanently or maxAttempts
// is reached. Waits grow exponentially from initial.
func retryTransient(ctx context.Context, name string, maxAttempts int, initial time.Duration, op func() error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = initial
	policy.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(maxAttempts-1)), ctx)

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		recordSubmitRetry()
		logrus.WithError(err).WithFields(logrus.Fields{
			"operation": name,
			"attempt":   attempt,
			"wait":      wait,
		}).Warn("transient failure, retrying")
	})
}
