package remote

import (
	"context"
	"sync"
	"time"
)

// Policy controls how remote calls are retried. Waits grow linearly: after
// a failed attempt n (1-based) the next try waits Delay * n.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt, so an
	// operation runs at most MaxRetries+1 times.
	MaxRetries int

	// Delay is the backoff base between attempts.
	Delay time.Duration

	// Retryable decides whether an error deserves another attempt.
	// Nil means DefaultRetryable.
	Retryable func(error) bool

	// OnRetry, if set, observes each scheduled retry before its wait.
	OnRetry func(op string, attempt int, wait time.Duration, err error)
}

// Do runs fn under the policy. Non-retryable errors return immediately;
// once the budget is spent the last error comes back wrapped in
// ExhaustedError. The wait between attempts honors ctx cancellation.
func (p Policy) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	retryable := p.Retryable
	if retryable == nil {
		retryable = DefaultRetryable
	}
	attempts := p.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		last = fn(ctx)
		if last == nil {
			return nil
		}
		if !retryable(last) {
			return last
		}
		if attempt == attempts {
			break
		}

		wait := p.Delay * time.Duration(attempt)
		if p.OnRetry != nil {
			p.OnRetry(op, attempt, wait, last)
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return &ExhaustedError{Op: op, Attempts: attempts, Last: last}
}

// Pacer spaces successive remote calls by a fixed interval so bursts of
// chunk work do not trip provider rate limits. A nil Pacer never waits.
type Pacer struct {
	mu       sync.Mutex
	interval time.Duration
	next     time.Time
}

func NewPacer(interval time.Duration) *Pacer {
	return &Pacer{interval: interval}
}

// Wait blocks until the caller's turn, or until ctx is done.
func (p *Pacer) Wait(ctx context.Context) error {
	if p == nil || p.interval <= 0 {
		return ctx.Err()
	}

	p.mu.Lock()
	now := time.Now()
	var wait time.Duration
	if p.next.After(now) {
		wait = p.next.Sub(now)
		p.next = p.next.Add(p.interval)
	} else {
		p.next = now.Add(p.interval)
	}
	p.mu.Unlock()

	if wait <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
