package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/25x8/referral-ledger/internal/referrals/models"
	"github.com/25x8/referral-ledger/internal/referrals/repository"
)

// MinimumPayout is the smallest amount a referrer may withdraw
var MinimumPayout = decimal.NewFromInt(25)

// PayoutProcessor moves pending earnings into payouts and settles them
type PayoutProcessor struct {
	Deps
	minimum decimal.Decimal
}

// NewPayoutProcessor creates a payout processor enforcing MinimumPayout
func NewPayoutProcessor(deps Deps) *PayoutProcessor {
	return &PayoutProcessor{Deps: deps.withDefaults(), minimum: MinimumPayout}
}

// RequestPayout reserves amount from the account's pending earnings.
// The balance check and the debit happen in one transaction, so concurrent requests cannot overdraw.
func (p *PayoutProcessor) RequestPayout(ctx context.Context, accountID string, amount decimal.Decimal, method models.PayoutMethod) (*models.Payout, error) {
	method, err := models.ParsePayoutMethod(string(method))
	if err != nil {
		return nil, err
	}
	if !amount.Equal(amount.Round(2)) {
		return nil, fmt.Errorf("%w: amount %s has more than two decimal places", models.ErrInvalidInput, amount)
	}
	if amount.LessThan(p.minimum) {
		return nil, fmt.Errorf("%w: %s is below %s", models.ErrBelowMinimum, amount.StringFixed(2), p.minimum.StringFixed(2))
	}

	payout := &models.Payout{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		Amount:      amount.Round(2),
		Method:      method,
		Status:      models.PayoutPending,
		RequestedAt: p.Clock(),
	}

	err = p.run(ctx, "request_payout", func(tx repository.Tx) error {
		if err := tx.DebitPending(ctx, accountID, payout.Amount); err != nil {
			return err
		}
		return tx.CreatePayout(ctx, payout)
	})
	if err != nil {
		return nil, err
	}

	p.Metrics.payoutRequested(ctx, method, payout.Amount)
	p.Logger.Info("payout requested",
		"payout_id", payout.ID,
		"account_id", accountID,
		"amount", payout.Amount.StringFixed(2),
		"method", method,
	)
	return payout, nil
}

// ListPayouts returns the account's payouts, newest first
func (p *PayoutProcessor) ListPayouts(ctx context.Context, accountID string) ([]models.Payout, error) {
	return p.Repo.ListPayouts(ctx, accountID)
}

// GetPayout returns one payout
func (p *PayoutProcessor) GetPayout(ctx context.Context, payoutID string) (*models.Payout, error) {
	return p.Repo.GetPayout(ctx, payoutID)
}

// MarkProcessing records that the provider has picked the payout up
func (p *PayoutProcessor) MarkProcessing(ctx context.Context, payoutID string) (*models.Payout, error) {
	return p.transition(ctx, payoutID, models.PayoutProcessing)
}

// Settle closes a payout. Completed moves the amount into paid earnings; failed returns it to pending.
func (p *PayoutProcessor) Settle(ctx context.Context, payoutID string, outcome models.PayoutStatus) (*models.Payout, error) {
	if outcome != models.PayoutCompleted && outcome != models.PayoutFailed {
		return nil, fmt.Errorf("%w: settlement outcome must be completed or failed, got %q", models.ErrInvalidInput, outcome)
	}
	return p.transition(ctx, payoutID, outcome)
}

func (p *PayoutProcessor) transition(ctx context.Context, payoutID string, to models.PayoutStatus) (*models.Payout, error) {
	var (
		payout  *models.Payout
		changed bool
	)
	err := p.run(ctx, "settle_payout", func(tx repository.Tx) error {
		changed = false
		current, err := tx.GetPayoutForUpdate(ctx, payoutID)
		if err != nil {
			return err
		}
		payout = current
		if current.Status == to {
			return nil
		}
		if !current.Status.CanTransition(to) {
			return fmt.Errorf("%w: payout %s is %s, cannot move to %s", models.ErrInvalidTransition, payoutID, current.Status, to)
		}

		var processedAt *time.Time
		if !to.Open() {
			now := p.Clock()
			processedAt = &now
		}
		if err := tx.SwapPayoutStatus(ctx, payoutID, current.Status, to, processedAt); err != nil {
			return err
		}

		switch to {
		case models.PayoutCompleted:
			err = tx.AddPaid(ctx, current.AccountID, current.Amount)
		case models.PayoutFailed:
			err = tx.RestorePending(ctx, current.AccountID, current.Amount)
		}
		if err != nil {
			return err
		}

		payout.Status = to
		payout.ProcessedAt = processedAt
		changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		p.Metrics.payoutSettled(ctx, to)
		p.Logger.Info("payout status changed", "payout_id", payoutID, "status", to)
	}
	return payout, nil
}

// Reconcile checks total = pending + paid + in-flight payouts for one account.
// The account row is locked while payouts are read so the snapshot is consistent.
func (p *PayoutProcessor) Reconcile(ctx context.Context, accountID string) (*models.Reconciliation, error) {
	var rec *models.Reconciliation
	err := p.run(ctx, "reconcile", func(tx repository.Tx) error {
		account, err := tx.GetAccountForUpdate(ctx, accountID)
		if err != nil {
			return err
		}
		payouts, err := tx.ListPayouts(ctx, accountID)
		if err != nil {
			return err
		}

		inFlight := decimal.Zero
		for _, payout := range payouts {
			if payout.Status.Open() {
				inFlight = inFlight.Add(payout.Amount)
			}
		}
		drift := account.TotalEarnings.Sub(account.PendingEarnings).Sub(account.PaidEarnings).Sub(inFlight)
		rec = &models.Reconciliation{
			AccountID: accountID,
			Total:     account.TotalEarnings,
			Pending:   account.PendingEarnings,
			Paid:      account.PaidEarnings,
			InFlight:  inFlight,
			Drift:     drift,
			Balanced:  drift.IsZero(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !rec.Balanced {
		p.Logger.Error("account out of balance", "account_id", accountID, "drift", rec.Drift.StringFixed(2))
	}
	return rec, nil
}
