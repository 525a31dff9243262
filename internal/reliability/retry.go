package reliability

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Permanent marks err as not worth retrying. Retry returns the wrapped error unchanged.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Policy bounds a retry loop. Waits start at Base and double up to Cap;
// Jitter randomises each wait by that fraction.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
	Jitter      float64
}

// DefaultPolicy is used by the uploader and compose client.
var DefaultPolicy = Policy{MaxAttempts: 4, Base: 250 * time.Millisecond, Cap: 4 * time.Second, Jitter: 0.2}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.Base > 0 {
		b.InitialInterval = p.Base
	}
	if p.Cap > 0 {
		b.MaxInterval = p.Cap
	}
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.Multiplier = 2
	b.RandomizationFactor = p.Jitter
	b.Reset()
	return b
}

// Retry runs fn until it succeeds, returns a Permanent error, the attempts are
// exhausted, or ctx is done. The last error from fn is returned, joined with
// the context error when ctx ended the loop.
func Retry(ctx context.Context, p Policy, fn func(attempt int) error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	attempt := 0
	var last error
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		last = fn(attempt)
		attempt++
		return struct{}{}, last
	},
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
	)
	if err == nil {
		return nil
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	if ctxErr := ctx.Err(); ctxErr != nil && last != nil && !errors.Is(last, ctxErr) {
		return errors.Join(last, err)
	}
	return err
}
