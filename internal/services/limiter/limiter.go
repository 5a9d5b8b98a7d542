package limiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"authcore/internal/domain/models"
	"authcore/internal/storage"
)

// AttemptStore persists failure counters per email. The in-process
// implementation lives in storage/memory; redisattempts backs shared
// deployments where the limit must hold across instances.
type AttemptStore interface {
	IncrementAttempt(ctx context.Context, email string, at time.Time, ttl time.Duration) (*models.LoginAttempt, error)
	Attempt(ctx context.Context, email string) (*models.LoginAttempt, error)
	ResetAttempts(ctx context.Context, email string) error
}

// TooManyAttemptsError carries how long the caller has to wait. The wait
// time is deliberately exposed; it is not account-sensitive.
type TooManyAttemptsError struct {
	RetryAfter time.Duration
}

func (e *TooManyAttemptsError) Error() string {
	minutes := int(math.Ceil(e.RetryAfter.Minutes()))
	return fmt.Sprintf("too many login attempts, try again in %d minutes", minutes)
}

// Limiter throttles credential validation per email with a sliding window.
type Limiter struct {
	logger      *slog.Logger
	store       AttemptStore
	maxAttempts int
	window      time.Duration
	now         func() time.Time
}

func New(logger *slog.Logger, store AttemptStore, maxAttempts int, window time.Duration) *Limiter {
	return &Limiter{
		logger:      logger,
		store:       store,
		maxAttempts: maxAttempts,
		window:      window,
		now:         time.Now,
	}
}

// Check fails with TooManyAttemptsError once the email has accumulated
// maxAttempts failures within the window of the most recent one. A window
// that has already elapsed resets the counter before the check proceeds.
func (l *Limiter) Check(ctx context.Context, email string) error {
	const op = "limiter.Check"

	attempt, err := l.store.Attempt(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrAttemptNotFound) {
			return nil
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	elapsed := l.now().Sub(attempt.LastAttempt)
	if elapsed >= l.window {
		if err := l.store.ResetAttempts(ctx, email); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		return nil
	}

	if attempt.Attempts >= l.maxAttempts {
		return &TooManyAttemptsError{RetryAfter: l.window - elapsed}
	}

	return nil
}

// RecordFailure bumps the counter and slides the window forward.
func (l *Limiter) RecordFailure(ctx context.Context, email string) error {
	const op = "limiter.RecordFailure"

	attempt, err := l.store.IncrementAttempt(ctx, email, l.now(), l.window)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if attempt.Attempts >= l.maxAttempts {
		l.logger.Warn("login attempt limit reached",
			slog.String("op", op),
			slog.String("email", email),
			slog.Int("attempts", attempt.Attempts),
		)
	}

	return nil
}

// Reset clears the counter, called on successful validation.
func (l *Limiter) Reset(ctx context.Context, email string) error {
	const op = "limiter.Reset"

	if err := l.store.ResetAttempts(ctx, email); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}
