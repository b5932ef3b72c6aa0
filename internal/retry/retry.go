// Package retry runs operations with capped exponential backoff on transient failures.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/msageha/taskvault/internal/eventlog"
	"github.com/msageha/taskvault/internal/model"
)

const maxErrorDetail = 200

// Policy bounds the retry loop. MaxRetries is the total number of attempts.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func DefaultPolicy() Policy {
	return Policy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 60 * time.Second}
}

// PolicyFromConfig converts the retry config section.
func PolicyFromConfig(cfg model.RetryConfig) Policy {
	return Policy{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  time.Duration(cfg.BaseDelaySec) * time.Second,
		MaxDelay:   time.Duration(cfg.MaxDelaySec) * time.Second,
	}
}

func applyDefaults(p Policy) Policy {
	d := DefaultPolicy()
	if p.MaxRetries <= 0 {
		p.MaxRetries = d.MaxRetries
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	return p
}

// schedule yields base, 2*base, 4*base, ... capped at max, without jitter.
func (p Policy) schedule() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

// Classifier reports whether an error is worth retrying.
type Classifier func(error) bool

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Executor retries operations according to a Policy and records every retry and
// exhaustion as an event.
type Executor struct {
	policy         Policy
	classify       Classifier
	sleep          Sleeper
	recorder       eventlog.Recorder
	source         string
	attemptTimeout time.Duration
}

type Option func(*Executor)

func WithClassifier(c Classifier) Option {
	return func(e *Executor) { e.classify = c }
}

func WithSleeper(s Sleeper) Option {
	return func(e *Executor) { e.sleep = s }
}

// WithRecorder sets where retry_attempt and retry_exhausted events go.
func WithRecorder(r eventlog.Recorder, source string) Option {
	return func(e *Executor) {
		e.recorder = r
		e.source = source
	}
}

// WithAttemptTimeout bounds each attempt. An attempt that runs out of time fails with
// context.DeadlineExceeded, which the default classifier treats as transient.
func WithAttemptTimeout(d time.Duration) Option {
	return func(e *Executor) { e.attemptTimeout = d }
}

func New(policy Policy, opts ...Option) *Executor {
	e := &Executor{
		policy:   applyDefaults(policy),
		classify: IsTransient,
		sleep:    sleepCtx,
		recorder: eventlog.Discard,
		source:   model.ComponentRetry,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) Policy() Policy { return e.policy }

// Do runs op until it succeeds, fails permanently, or the attempt budget is spent.
// A permanent failure is returned unwrapped at once. When the last attempt fails
// transiently the error is wrapped in *ExhaustedError. If ctx ends during a backoff
// wait the last error is returned together with the context error.
func Do[T any](ctx context.Context, e *Executor, taskRef string, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	delays := e.policy.schedule()

	for attempt := 1; ; attempt++ {
		result, err := runAttempt(ctx, e.attemptTimeout, op)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return zero, err
		}
		if !e.classify(err) {
			return zero, err
		}
		if attempt >= e.policy.MaxRetries {
			e.recorder.Record(eventlog.Entry{
				Action:  "retry_exhausted",
				Source:  e.source,
				Result:  eventlog.ResultFailure,
				TaskRef: taskRef,
				Details: map[string]any{"retry_count": attempt, "error": truncate(err.Error())},
			})
			return zero, &ExhaustedError{Attempts: attempt, Last: err}
		}

		delay := delays.NextBackOff()
		e.recorder.Record(eventlog.Entry{
			Action:  "retry_attempt",
			Source:  e.source,
			Result:  eventlog.ResultFailure,
			TaskRef: taskRef,
			Details: map[string]any{
				"retry_count": attempt,
				"delay_s":     delay.Seconds(),
				"error":       truncate(err.Error()),
			},
		})
		if serr := e.sleep(ctx, delay); serr != nil {
			return zero, fmt.Errorf("retry interrupted after attempt %d: %w (last error: %v)", attempt, serr, err)
		}
	}
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return op(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return op(attemptCtx)
}

func truncate(s string) string {
	if len(s) > maxErrorDetail {
		return s[:maxErrorDetail]
	}
	return s
}

// sleepCtx sleeps for d or returns early if ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
