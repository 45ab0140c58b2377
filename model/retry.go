package model

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/logging"
)

// RetryOptions configures the retry decorator.
type RetryOptions struct {
	// MaxAttempts bounds total attempts including the first (default 3).
	MaxAttempts int
	// BaseDelay is the first backoff delay (default 500ms); each further
	// attempt doubles it, capped at MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Logger    logging.Logger
}

// RetryClient wraps a Client with bounded exponential backoff for
// retriable provider errors.
//
// The streamed response sequence is non-restartable: once a chunk has been
// forwarded to the caller, a subsequent failure surfaces as-is and is
// never retried.
type RetryClient struct {
	inner Client
	opts  RetryOptions
}

// NewRetryClient decorates inner with retry behavior.
func NewRetryClient(inner Client, optFns ...func(o *RetryOptions)) *RetryClient {
	opts := RetryOptions{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    8 * time.Second,
		Logger:      logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}

	return &RetryClient{inner: inner, opts: opts}
}

// Complete implements Client. Attempts run sequentially; an attempt that
// fails after forwarding output is terminal.
func (r *RetryClient) Complete(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	out := make(chan Response, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		delay := r.opts.BaseDelay
		for attempt := 1; ; attempt++ {
			respCh, innerErrCh := r.inner.Complete(ctx, req)

			forwarded := false
			for resp := range respCh {
				forwarded = true
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case out <- resp:
				}
			}

			err := <-innerErrCh
			if err == nil {
				return
			}
			if forwarded || attempt >= r.opts.MaxAttempts || !retriable(err) {
				errCh <- err
				return
			}

			r.opts.Logger.Warn("model.retry", "attempt", attempt, "delay_ms", delay.Milliseconds(), "error", err.Error())

			jittered := delay/2 + time.Duration(rand.Int63n(int64(delay/2)+1))
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case <-time.After(jittered):
			}
			if delay *= 2; delay > r.opts.MaxDelay {
				delay = r.opts.MaxDelay
			}
		}
	}()

	return out, errCh
}

// Info implements Client.
func (r *RetryClient) Info() Info { return r.inner.Info() }

func retriable(err error) bool {
	var pe *core.ProviderError
	if errors.As(err, &pe) {
		return pe.Retriable
	}
	return false
}
