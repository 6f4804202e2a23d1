// Package retry runs an operation a bounded number of times, reattempting
// only the failures a caller classifies as retryable.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/hashicorp/go-multierror"

	"github.com/ardnew/usbcore/pkg"
)

// Operation is one attempt. attempt counts from 1.
type Operation func(attempt int) error

// Do calls op until it succeeds, returns an error retryable rejects, the
// context ends, or attempts calls have failed. Attempts run back to back.
//
// A rejected error or a context error is returned as-is. When every attempt
// fails, Do returns an error matching pkg.ErrProtocol that also wraps each
// attempt's error.
func Do(ctx context.Context, attempts int, retryable func(error) bool, op Operation) error {
	if attempts < 1 {
		return fmt.Errorf("%w: %d attempts", pkg.ErrInvalidParameter, attempts)
	}
	if retryable == nil {
		retryable = pkg.IsRetryable
	}

	var (
		attempt int
		merr    *multierror.Error
	)

	// WithMaxRetries treats a bound of zero as unlimited.
	var policy backoff.BackOff = &backoff.StopBackOff{}
	if attempts > 1 {
		policy = backoff.WithMaxRetries(&backoff.ZeroBackOff{}, uint64(attempts-1))
	}
	b := backoff.WithContext(policy, ctx)

	err := backoff.RetryNotify(func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempt++
		err := op(attempt)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		merr = multierror.Append(merr, fmt.Errorf("attempt %d: %w", attempt, err))
		return err
	}, b, func(err error, _ time.Duration) {
		pkg.LogDebug(pkg.ComponentTransfer, "retrying",
			"attempt", attempt,
			"of", attempts,
			"error", err)
	})
	if err == nil {
		return nil
	}

	if merr == nil || !retryable(err) {
		return err
	}
	if cerr := ctx.Err(); cerr != nil && attempt < attempts {
		return fmt.Errorf("%w after %d attempts: %w", cerr, attempt, merr.ErrorOrNil())
	}
	return fmt.Errorf("%w: %d of %d attempts failed: %w", pkg.ErrProtocol, attempt, attempts, merr.ErrorOrNil())
}
