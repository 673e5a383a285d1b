// Copyright © 2024 Genome Research Limited
//
//  This file is part of afsfys.
//
//  afsfys is free software: you can redistribute it and/or modify
//  it under the terms of the GNU Lesser General Public License as published by
//  the Free Software Foundation, either version 3 of the License, or
//  (at your option) any later version.
//
//  afsfys is distributed in the hope that it will be useful,
//  but WITHOUT ANY WARRANTY; without even the implied warranty of
//  MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
//  GNU Lesser General Public License for more details.
//
//  You should have received a copy of the GNU Lesser General Public License
//  along with afsfys. If not, see <http://www.gnu.org/licenses/>.

package afsfys

import (
	"context"
	"errors"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/jpillora/backoff"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultMaxAttempts = 7
	defaultBaseTimeout = 100 * time.Millisecond
	backoffFactor      = 2
)

// isTimeout is the default retryable predicate: only a missed deadline is
// worth trying again.
func isTimeout(err error) bool {
	return status.Code(err) == codes.DeadlineExceeded || errors.Is(err, context.DeadlineExceeded)
}

// retrier runs an operation up to maxAttempts times. Each attempt gets a
// deadline equal to the current backoff duration, which starts at base and is
// multiplied by factor after every attempt, whatever its outcome. Only errors
// that retryable() accepts cause another attempt.
type retrier struct {
	maxAttempts int
	base        time.Duration
	factor      float64
	retryable   func(error) bool
	log15.Logger
}

func newRetrier(maxAttempts int, base time.Duration, logger log15.Logger) *retrier {
	if maxAttempts < 1 {
		maxAttempts = defaultMaxAttempts
	}
	if base <= 0 {
		base = defaultBaseTimeout
	}
	return &retrier{
		maxAttempts: maxAttempts,
		base:        base,
		factor:      backoffFactor,
		retryable:   isTimeout,
		Logger:      logger,
	}
}

// withRetryable returns a copy of r that retries errors accepted by fn.
func (r *retrier) withRetryable(fn func(error) bool) *retrier {
	c := *r
	c.retryable = fn
	return &c
}

// do calls fn until it succeeds, fails with a non-retryable error, the parent
// ctx is done, or maxAttempts have been made. It returns the number of
// retries made alongside the final error.
func (r *retrier) do(ctx context.Context, call string, fn func(ctx context.Context) error) (int, error) {
	b := &backoff.Backoff{
		Min:    r.base,
		Max:    r.base << uint(r.maxAttempts),
		Factor: r.factor,
	}

	var err error
	for attempt := 1; ; attempt++ {
		timeout := b.Duration()
		actx, cancel := context.WithTimeout(ctx, timeout)
		err = fn(actx)
		cancel()

		if err == nil || !r.retryable(err) || attempt >= r.maxAttempts || ctx.Err() != nil {
			return attempt - 1, err
		}
		r.Warn("Remote call timed out, retrying", "call", call, "attempt", attempt, "timeout", timeout)
	}
}
