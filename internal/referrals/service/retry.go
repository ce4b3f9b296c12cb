package service

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/25x8/referral-ledger/internal/referrals/models"
	"github.com/25x8/referral-ledger/internal/referrals/repository"
)

// RetryPolicy bounds how often a transaction is re-run after a transient store conflict
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryPolicy retries three times starting at 10ms
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 10 * time.Millisecond
	}
	return p
}

// delay returns the wait before attempt i+1: exponential with up to 50% jitter
func (p RetryPolicy) delay(i int) time.Duration {
	d := p.BaseDelay * time.Duration(1<<i)
	return d + time.Duration(rand.Int64N(int64(d)/2+1))
}

// Deps are the collaborators shared by every ledger service
type Deps struct {
	Repo    repository.Repository
	Logger  *slog.Logger
	Metrics *Metrics
	Retry   RetryPolicy
	Clock   func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.Retry == (RetryPolicy{}) {
		d.Retry = DefaultRetryPolicy()
	}
	d.Retry = d.Retry.normalized()
	return d
}

// run executes fn in a transaction, re-running it while the store reports a transient conflict.
// fn must not keep state between attempts.
func (d Deps) run(ctx context.Context, op string, fn func(tx repository.Tx) error) error {
	var err error
	for i := 0; i < d.Retry.MaxAttempts; i++ {
		err = d.Repo.InTx(ctx, fn)
		if err == nil || !models.IsRetryable(err) {
			return err
		}

		d.Metrics.conflict(ctx, op)
		d.Logger.Debug("transaction conflict", "op", op, "attempt", i+1, "error", err)
		if i == d.Retry.MaxAttempts-1 {
			break
		}

		timer := time.NewTimer(d.Retry.delay(i))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
	return err
}
