// Package retry runs an operation with bounded exponential backoff.
//
// Operations report their own classification through Result: Ok stops
// the loop with a value, Fatal stops it with an error that is returned
// unchanged, and Retryable asks for another attempt after the next
// exponential backoff interval.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrExhausted wraps the last error once every attempt was retryable.
var ErrExhausted = errors.New("retries exhausted")

type kind int

const (
	kindOk kind = iota
	kindRetryable
	kindFatal
)

// Result is the classified outcome of one attempt.
type Result[T any] struct {
	kind  kind
	value T
	err   error
}

func Ok[T any](v T) Result[T] { return Result[T]{kind: kindOk, value: v} }

func Retryable[T any](err error) Result[T] { return Result[T]{kind: kindRetryable, err: err} }

func Fatal[T any](err error) Result[T] { return Result[T]{kind: kindFatal, err: err} }

// Classify builds a Result from a plain (value, error) pair.
func Classify[T any](v T, err error, transient func(error) bool) Result[T] {
	switch {
	case err == nil:
		return Ok(v)
	case transient(err):
		return Retryable[T](err)
	default:
		return Fatal[T](err)
	}
}

// Policy bounds the retry loop. MaxAttempts counts the first call.
// BaseDelay zero retries without waiting.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Calendar is the default policy for calendar and dedup calls.
var Calendar = Policy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 8 * time.Second}

// Ledger is the default policy for ledger writes.
var Ledger = Policy{MaxAttempts: 5, BaseDelay: 50 * time.Millisecond, MaxDelay: 2 * time.Second}

func (p Policy) attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// NewBackOff returns the interval schedule for p: doubling from
// BaseDelay up to MaxDelay with ±50% jitter, stopping after
// MaxAttempts-1 retries.
func NewBackOff(p Policy) backoff.BackOff {
	var b backoff.BackOff = &backoff.ZeroBackOff{}
	if p.BaseDelay > 0 {
		maxDelay := p.MaxDelay
		if maxDelay <= 0 {
			maxDelay = backoff.DefaultMaxInterval
		}
		b = backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(p.BaseDelay),
			backoff.WithMultiplier(2),
			backoff.WithMaxInterval(maxDelay),
			backoff.WithMaxElapsedTime(0),
		)
	}
	return backoff.WithMaxRetries(b, uint64(p.attempts()-1))
}

// Do calls fn until it returns Ok or Fatal, the attempts run out, or ctx
// is cancelled. A cancelled context yields ctx.Err().
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) Result[T]) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	attempt := 0
	var last Result[T]
	v, err := backoff.RetryWithData(func() (T, error) {
		last = fn(ctx, attempt)
		attempt++
		switch last.kind {
		case kindOk:
			return last.value, nil
		case kindFatal:
			return zero, backoff.Permanent(last.err)
		default:
			return zero, last.err
		}
	}, backoff.WithContext(NewBackOff(p), ctx))

	switch {
	case err == nil:
		return v, nil
	case last.kind == kindFatal:
		return zero, err
	case ctx.Err() != nil:
		return zero, ctx.Err()
	default:
		return zero, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempt, err)
	}
}
