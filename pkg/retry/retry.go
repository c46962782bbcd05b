// Package retry wraps cenkalti/backoff with the core's per-source retry
// policies. Terminal error kinds are never retried.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/openwatt/datamesh/pkg/errors"
	"github.com/openwatt/datamesh/pkg/models"
)

// Config defines configuration for retries
type Config struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	RetryIf         func(error) bool
}

// FromPolicy converts a source's registered retry policy. MaxAttempts counts
// total attempts; retries are one fewer.
func FromPolicy(p models.RetryPolicy) Config {
	cfg := Config{
		MaxRetries:      p.MaxAttempts - 1,
		InitialInterval: p.BaseBackoff,
		MaxInterval:     10 * time.Second,
		Multiplier:      1.0,
	}
	if p.Exponential {
		cfg.Multiplier = 2.0
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 100 * time.Millisecond
	}
	return cfg
}

// Do retries operation with exponential backoff until it succeeds, the
// retries are exhausted, or ctx is done.
func Do(ctx context.Context, config Config, operation func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = config.InitialInterval
	b.MaxInterval = config.MaxInterval
	b.Multiplier = config.Multiplier
	b.MaxElapsedTime = 0 // bounded by ctx and MaxRetries

	var policy backoff.BackOff = b
	if config.MaxRetries >= 0 {
		policy = backoff.WithMaxRetries(b, uint64(config.MaxRetries))
	}
	policy = backoff.WithContext(policy, ctx)

	return backoff.Retry(func() error {
		err := operation()
		if err == nil {
			return nil
		}
		if errors.IsTerminal(err) {
			return backoff.Permanent(err)
		}
		if config.RetryIf != nil && !config.RetryIf(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

// DoWithResult retries operation and returns its result
func DoWithResult[T any](ctx context.Context, config Config, operation func() (T, error)) (T, error) {
	var result T
	err := Do(ctx, config, func() error {
		var opErr error
		result, opErr = operation()
		return opErr
	})
	return result, err
}
