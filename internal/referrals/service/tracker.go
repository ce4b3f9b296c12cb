package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/25x8/referral-ledger/internal/referrals/models"
	"github.com/25x8/referral-ledger/internal/referrals/repository"
)

// Tracker opens tracking records for referred prospects
type Tracker struct {
	Deps
	registry *Registry
	schedule models.Schedule
}

// NewTracker creates a tracker paying milestones according to schedule
func NewTracker(deps Deps, registry *Registry, schedule models.Schedule) *Tracker {
	return &Tracker{
		Deps:     deps.withDefaults(),
		registry: registry,
		schedule: schedule,
	}
}

// StartTracking records a prospect who signed up with code.
// The referrer's total referral count and the new record are committed together.
func (t *Tracker) StartTracking(ctx context.Context, code string, contact models.Contact) (*models.Tracking, error) {
	contact = normalizeContact(contact)
	if contact.Name == "" {
		return nil, fmt.Errorf("%w: contact name is required", models.ErrInvalidInput)
	}

	referrer, err := t.registry.ResolveCode(ctx, code)
	if errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("%w: %q", models.ErrInvalidCode, code)
	}
	if err != nil {
		return nil, err
	}
	if contact.Email != "" && strings.EqualFold(contact.Email, referrer.Email) {
		return nil, fmt.Errorf("%w: %s", models.ErrSelfReferral, contact.Email)
	}

	now := t.Clock()
	tracking := &models.Tracking{
		ID:                uuid.NewString(),
		ReferrerAccountID: referrer.ID,
		Contact:           contact,
		Status:            models.StatusSignedUp,
		Milestones:        t.schedule.NewMilestones(now),
		Earnings:          decimal.Zero,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	err = t.run(ctx, "start_tracking", func(tx repository.Tx) error {
		if err := tx.IncrementReferrals(ctx, referrer.ID); err != nil {
			return err
		}
		return tx.CreateTracking(ctx, tracking)
	})
	if errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("%w: %q", models.ErrInvalidCode, code)
	}
	if err != nil {
		return nil, err
	}

	t.Metrics.referralStarted(ctx)
	t.Logger.Info("referral tracking started",
		"tracking_id", tracking.ID,
		"referrer_account_id", referrer.ID,
	)
	return tracking, nil
}

// ListByReferrer returns the records referred by accountID, newest first
func (t *Tracker) ListByReferrer(ctx context.Context, accountID string) ([]models.Tracking, error) {
	return t.Repo.ListTrackingByReferrer(ctx, accountID)
}

// GetTracking returns one tracking record
func (t *Tracker) GetTracking(ctx context.Context, trackingID string) (*models.Tracking, error) {
	return t.Repo.GetTracking(ctx, trackingID)
}

func normalizeContact(c models.Contact) models.Contact {
	return models.Contact{
		Name:  strings.TrimSpace(c.Name),
		Email: strings.ToLower(strings.TrimSpace(c.Email)),
		Phone: strings.TrimSpace(c.Phone),
	}
}
