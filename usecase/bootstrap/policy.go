package bootstrap

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/fastygo/orgcore/domain"
)

// RetryPolicy bounds one activity: each attempt gets Timeout, attempts are
// spaced by exponential backoff between InitialInterval and MaxInterval.
type RetryPolicy struct {
	Timeout         time.Duration
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Timeout <= 0 {
		p.Timeout = 30 * time.Second
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = 500 * time.Millisecond
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = 30 * p.InitialInterval
	}
	return p
}

// Do runs fn until it succeeds, fails permanently, runs out of attempts or
// ctx is done. The last error is returned.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error, notify func(err error, next time.Duration)) error {
	p = p.withDefaults()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1)), ctx)

	var last error
	err := backoff.RetryNotify(func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		actx, cancel := context.WithTimeout(ctx, p.Timeout)
		defer cancel()
		last = fn(actx)
		if last == nil {
			return nil
		}
		if isPermanent(last) {
			return backoff.Permanent(last)
		}
		return last
	}, policy, notify)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && last == nil {
		return ctxErr
	}
	return err
}

// isPermanent marks errors that a retry cannot fix.
func isPermanent(err error) bool {
	for _, code := range []domain.ErrorCode{
		domain.ErrCodeInvalid,
		domain.ErrCodeConflict,
		domain.ErrCodeForbidden,
		domain.ErrCodeUnauthorized,
		domain.ErrCodeProcessing,
	} {
		if domain.IsDomainError(err, code) {
			return true
		}
	}
	return false
}
