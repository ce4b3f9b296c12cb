package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/25x8/referral-ledger/internal/referrals/models"
	"github.com/25x8/referral-ledger/internal/referrals/repository"
)

// LedgerConfig controls which status moves are accepted
type LedgerConfig struct {
	// Strict rejects moves that skip a lifecycle status
	Strict bool
}

// Ledger advances tracking records and credits milestone earnings
type Ledger struct {
	Deps
	strict bool
}

// AdvanceResult describes the effect of one Advance call
type AdvanceResult struct {
	Tracking      *models.Tracking `json:"tracking"`
	EarningsAdded decimal.Decimal  `json:"earnings_added"`
	Completed     []models.Status  `json:"completed_milestones"`
}

// NewLedger creates a ledger
func NewLedger(deps Deps, cfg LedgerConfig) *Ledger {
	return &Ledger{Deps: deps.withDefaults(), strict: cfg.Strict}
}

// Advance moves a tracking record forward to next and credits every milestone up to next
// that is not yet completed. Re-delivering the current status changes nothing once those
// milestones are paid, so each milestone is paid exactly once.
func (l *Ledger) Advance(ctx context.Context, trackingID string, next models.Status) (*AdvanceResult, error) {
	if !next.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", models.ErrInvalidInput, next)
	}

	var result AdvanceResult
	err := l.run(ctx, "advance", func(tx repository.Tx) error {
		result = AdvanceResult{EarningsAdded: decimal.Zero}

		tracking, err := tx.GetTrackingForUpdate(ctx, trackingID)
		if err != nil {
			return err
		}

		current := tracking.Status
		switch current.Classify(next) {
		case models.TransitionBackward, models.TransitionInvalid:
			return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, current, next)
		case models.TransitionSkip:
			if l.strict {
				return fmt.Errorf("%w: %s -> %s skips a status", models.ErrInvalidTransition, current, next)
			}
		}

		// Every milestone up to next is owed, including any left behind by a forward correction.
		now := l.Clock()
		credit := models.Credit{Amount: decimal.Zero}
		for _, status := range models.Statuses()[1 : next.Rank()+1] {
			milestone := tracking.Milestones.For(status)
			if milestone.Completed {
				continue
			}
			completedAt := now
			milestone.Completed = true
			milestone.CompletedAt = &completedAt

			credit.Amount = credit.Amount.Add(milestone.Amount)
			switch status {
			case models.StatusQualified:
				credit.Qualified++
			case models.StatusInstalled:
				credit.Installed++
			}
			result.Completed = append(result.Completed, status)
		}
		if current == next && len(result.Completed) == 0 {
			result.Tracking = tracking
			return nil
		}

		tracking.Status = next
		tracking.Earnings = tracking.Milestones.Earned()
		tracking.UpdatedAt = now
		if err := tx.SwapTracking(ctx, tracking, current); err != nil {
			return err
		}
		if !credit.IsZero() {
			if err := tx.CreditAccount(ctx, tracking.ReferrerAccountID, credit); err != nil {
				return err
			}
		}

		result.Tracking = tracking
		result.EarningsAdded = credit.Amount
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, status := range result.Completed {
		l.Metrics.milestone(ctx, status, result.Tracking.Milestones.For(status).Amount)
	}
	if len(result.Completed) > 0 {
		l.Logger.Info("referral advanced",
			"tracking_id", trackingID,
			"status", next,
			"earnings_added", result.EarningsAdded.StringFixed(2),
		)
	}
	return &result, nil
}

// Correct reassigns the status of a tracking record without touching any balance.
// Every correction leaves an audit row naming the actor and the reason.
func (l *Ledger) Correct(ctx context.Context, trackingID string, to models.Status, reason, actor string) (*models.Correction, error) {
	reason = strings.TrimSpace(reason)
	actor = strings.TrimSpace(actor)
	switch {
	case !to.Valid():
		return nil, fmt.Errorf("%w: unknown status %q", models.ErrInvalidInput, to)
	case reason == "":
		return nil, fmt.Errorf("%w: correction reason is required", models.ErrInvalidInput)
	case actor == "":
		return nil, fmt.Errorf("%w: correction actor is required", models.ErrInvalidInput)
	}

	var correction *models.Correction
	err := l.run(ctx, "correct", func(tx repository.Tx) error {
		tracking, err := tx.GetTrackingForUpdate(ctx, trackingID)
		if err != nil {
			return err
		}
		from := tracking.Status
		if from == to {
			return fmt.Errorf("%w: tracking %s is already %s", models.ErrInvalidTransition, trackingID, to)
		}

		now := l.Clock()
		tracking.Status = to
		tracking.UpdatedAt = now
		if err := tx.SwapTracking(ctx, tracking, from); err != nil {
			return err
		}

		correction = &models.Correction{
			ID:         uuid.NewString(),
			TrackingID: trackingID,
			FromStatus: from,
			ToStatus:   to,
			Reason:     reason,
			Actor:      actor,
			CreatedAt:  now,
		}
		return tx.CreateCorrection(ctx, correction)
	})
	if err != nil {
		return nil, err
	}

	l.Logger.Warn("referral status corrected",
		"tracking_id", trackingID,
		"from", correction.FromStatus,
		"to", correction.ToStatus,
		"actor", actor,
	)
	return correction, nil
}

// ListCorrections returns the audit trail of a tracking record, newest first
func (l *Ledger) ListCorrections(ctx context.Context, trackingID string) ([]models.Correction, error) {
	if _, err := l.Repo.GetTracking(ctx, trackingID); err != nil {
		return nil, err
	}
	return l.Repo.ListCorrections(ctx, trackingID)
}
