// storage/retry.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
)

const (
	maxTries     = 5
	initialDelay = 100 * time.Millisecond
)

// withRetry calls f until it succeeds, fails with a non-transient error,
// runs out of attempts or ctx is done. Only *TransientError failures are
// retried.
func withRetry(ctx context.Context, clk clock.Clock, name string, f func() error) error {
	err := retry.Call(retry.CallArgs{
		Func: f,
		IsFatalError: func(err error) bool {
			return !IsTransient(err)
		},
		NotifyFunc: func(err error, attempt int) {
			// Possibly temporary error; sleep and retry.
			log.Warning("%s: attempt %d: %s", name, attempt, err)
		},
		Attempts:    maxTries,
		Delay:       initialDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       clk,
		Stop:        ctx.Done(),
	})
	if err == nil {
		return nil
	}
	if retry.IsAttemptsExceeded(err) || retry.IsRetryStopped(err) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return retry.LastError(err)
	}
	return err
}

// isNetError reports whether err looks like a network-level failure that
// is worth retrying.
func isNetError(err error) bool {
	var ne net.Error
	return errors.As(err, &ne)
}
