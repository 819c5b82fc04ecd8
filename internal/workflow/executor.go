package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/maltedev/product-rag-scraper/internal/models"
)

// Activities is the work the executor schedules.
type Activities interface {
	Search(ctx context.Context, term string, page int, geo models.GeoPoint) ([]models.SearchResultEntry, error)
	ExtractProductInfo(ctx context.Context, link string, geo models.GeoPoint) error
}

type RetryPolicy struct {
	InitialInterval    time.Duration
	BackoffCoefficient float64
	MaximumInterval    time.Duration
	// MaximumAttempts counts the first attempt. Zero means unlimited.
	MaximumAttempts int
	NonRetryable    func(error) bool
}

type ActivityOptions struct {
	StartToCloseTimeout time.Duration
	RetryPolicy         RetryPolicy
}

func DefaultActivityOptions() ActivityOptions {
	return ActivityOptions{
		StartToCloseTimeout: 15 * time.Second,
		RetryPolicy: RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	}
}

// NewBackOff builds the retry schedule for one activity call: exponential,
// without jitter, stopped after MaximumAttempts or when ctx ends.
func (p RetryPolicy) NewBackOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialInterval
	exp.Multiplier = p.BackoffCoefficient
	if exp.Multiplier < 1 {
		exp.Multiplier = 1
	}
	exp.MaxInterval = p.MaximumInterval
	if exp.MaxInterval <= 0 {
		exp.MaxInterval = backoff.DefaultMaxInterval
	}
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Reset()

	var b backoff.BackOff = exp
	if p.MaximumAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(p.MaximumAttempts-1))
	}
	return backoff.WithContext(b, ctx)
}

// AttemptsExhaustedError wraps the last error of an activity that ran out of
// attempts.
type AttemptsExhaustedError struct {
	Activity string
	Attempts int
	Err      error
}

func (e *AttemptsExhaustedError) Error() string {
	return fmt.Sprintf("activity %s failed after %d attempts: %v", e.Activity, e.Attempts, e.Err)
}

func (e *AttemptsExhaustedError) Unwrap() error {
	return e.Err
}

// RetryingExecutor runs activities with a per-attempt deadline and retries
// failed attempts with exponential backoff.
type RetryingExecutor struct {
	activities Activities
	opts       ActivityOptions
	logger     *slog.Logger
	// newTimer is nil in production, which makes backoff use a real timer.
	newTimer func() backoff.Timer
}

func NewRetryingExecutor(activities Activities, opts ActivityOptions, logger *slog.Logger) *RetryingExecutor {
	if opts.StartToCloseTimeout <= 0 {
		opts.StartToCloseTimeout = DefaultActivityOptions().StartToCloseTimeout
	}
	return &RetryingExecutor{
		activities: activities,
		opts:       opts,
		logger:     logger.With("component", "executor"),
	}
}

func (e *RetryingExecutor) Search(ctx context.Context, term string, page int, geo models.GeoPoint) ([]models.SearchResultEntry, error) {
	var entries []models.SearchResultEntry
	err := e.execute(ctx, "search", func(ctx context.Context) error {
		var err error
		entries, err = e.activities.Search(ctx, term, page, geo)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (e *RetryingExecutor) ExtractProduct(ctx context.Context, link string, geo models.GeoPoint) error {
	return e.execute(ctx, "extract_product_info", func(ctx context.Context) error {
		return e.activities.ExtractProductInfo(ctx, link, geo)
	})
}

func (e *RetryingExecutor) execute(ctx context.Context, name string, fn func(context.Context) error) error {
	policy := e.opts.RetryPolicy

	var (
		attempt int
		final   bool
	)
	operation := func() error {
		if err := ctx.Err(); err != nil {
			final = true
			return backoff.Permanent(err)
		}
		attempt++

		attemptCtx, cancel := context.WithTimeout(ctx, e.opts.StartToCloseTimeout)
		err := fn(attemptCtx)
		timedOut := errors.Is(attemptCtx.Err(), context.DeadlineExceeded)
		cancel()

		if err == nil {
			return nil
		}
		if timedOut && !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
		}

		// parent cancellation is final
		if ctx.Err() != nil {
			final = true
			return backoff.Permanent(err)
		}

		if policy.NonRetryable != nil && policy.NonRetryable(err) {
			e.logger.Warn("activity failed with non-retryable error",
				"activity", name, "attempt", attempt, "error", err)
			final = true
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, delay time.Duration) {
		e.logger.Warn("activity attempt failed, retrying",
			"activity", name,
			"attempt", attempt,
			"retry_in", delay,
			"error", err)
	}

	var timer backoff.Timer
	if e.newTimer != nil {
		timer = e.newTimer()
	}

	err := backoff.RetryNotifyWithTimer(operation, policy.NewBackOff(ctx), notify, timer)
	if err == nil || final || ctx.Err() != nil {
		return err
	}
	if policy.MaximumAttempts > 0 && attempt >= policy.MaximumAttempts {
		return &AttemptsExhaustedError{Activity: name, Attempts: attempt, Err: err}
	}
	return err
}
