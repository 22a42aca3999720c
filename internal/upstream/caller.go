// Package upstream wraps a single completion call with a per-attempt timeout
// and a bounded number of constant-backoff retries on transient failures.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/insurechat/insurechat/internal/llm/driver"
)

const (
	// DefaultBackoff is the fixed delay between attempts.
	DefaultBackoff = 1500 * time.Millisecond
	// DefaultTimeout bounds a single attempt when the caller passes zero.
	DefaultTimeout = 30 * time.Second
	// EmptyReplyPlaceholder replaces a successful but blank provider reply.
	EmptyReplyPlaceholder = "(no content was produced)"
)

// Kind classifies a failed call.
type Kind int

const (
	// KindTransient means every attempt failed with a retryable error.
	KindTransient Kind = iota + 1
	// KindTerminal means an attempt failed with an error retrying cannot fix.
	KindTerminal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// CallError is returned when Call gives up.
type CallError struct {
	Kind     Kind
	Attempts int
	Err      error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("upstream call failed (%s) after %d attempt(s): %v", e.Kind, e.Attempts, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// Attempt describes one finished attempt. Err is nil on success.
type Attempt struct {
	Number    int
	Duration  time.Duration
	Err       error
	Transient bool
}

// Caller issues completion requests through a driver.
type Caller struct {
	driver   driver.Driver
	backoff  time.Duration
	pacer    *rate.Limiter
	observer func(Attempt)
}

// Option configures a Caller.
type Option func(*Caller)

// WithBackoff sets the constant delay between attempts.
func WithBackoff(d time.Duration) Option {
	return func(c *Caller) {
		if d >= 0 {
			c.backoff = d
		}
	}
}

// WithPacer makes every attempt wait for a token from limiter first.
func WithPacer(limiter *rate.Limiter) Option {
	return func(c *Caller) {
		c.pacer = limiter
	}
}

// WithObserver registers a callback invoked after every attempt.
func WithObserver(fn func(Attempt)) Option {
	return func(c *Caller) {
		c.observer = fn
	}
}

// NewCaller returns a Caller for d.
func NewCaller(d driver.Driver, opts ...Option) *Caller {
	c := &Caller{driver: d, backoff: DefaultBackoff}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call sends req, bounding each attempt by timeout and retrying transient
// failures up to retries times. It makes at most retries+1 attempts.
// Failures are returned as *CallError.
func (c *Caller) Call(ctx context.Context, req *driver.Request, retries int, timeout time.Duration) (string, error) {
	if c == nil || c.driver == nil {
		return "", &CallError{Kind: KindTerminal, Err: errors.New("upstream driver not configured")}
	}
	if retries < 0 {
		retries = 0
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	var (
		attempts int
		lastErr  error
		lastKind Kind
		reply    string
	)

	operation := func() error {
		attempts++

		if c.pacer != nil {
			if err := c.pacer.Wait(ctx); err != nil {
				lastErr, lastKind = err, KindTerminal
				return backoff.Permanent(err)
			}
		}

		start := time.Now()
		text, err := c.attempt(ctx, req, timeout)
		transient := err != nil && ctx.Err() == nil && driver.IsTransient(err)
		c.observe(Attempt{Number: attempts, Duration: time.Since(start), Err: err, Transient: transient})

		if err == nil {
			reply = text
			return nil
		}

		lastErr = err
		if !transient {
			lastKind = KindTerminal
			return backoff.Permanent(err)
		}
		lastKind = KindTransient
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.backoff), uint64(retries)),
		ctx,
	)

	if err := backoff.Retry(operation, policy); err != nil {
		if lastErr == nil {
			lastErr = err
		}
		// The parent context ended while waiting between attempts.
		if ctx.Err() != nil {
			lastKind = KindTerminal
			if !errors.Is(lastErr, ctx.Err()) {
				lastErr = fmt.Errorf("%w (last attempt: %v)", ctx.Err(), lastErr)
			}
		}
		return "", &CallError{Kind: lastKind, Attempts: attempts, Err: lastErr}
	}

	if strings.TrimSpace(reply) == "" {
		return EmptyReplyPlaceholder, nil
	}
	return reply, nil
}

func (c *Caller) attempt(ctx context.Context, req *driver.Request, timeout time.Duration) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := c.driver.Complete(attemptCtx, req)
	if err != nil {
		return "", err
	}
	if resp == nil {
		return "", nil
	}
	return resp.Text, nil
}

func (c *Caller) observe(a Attempt) {
	if c.observer != nil {
		c.observer(a)
	}
}
