package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account represents a referring user's earnings account
type Account struct {
	ID                 string          `json:"account_id"`
	ReferralCode       string          `json:"referral_code"`
	DisplayName        string          `json:"display_name"`
	Email              string          `json:"email"`
	TotalReferrals     int64           `json:"total_referrals"`
	QualifiedReferrals int64           `json:"qualified_referrals"`
	InstalledReferrals int64           `json:"installed_referrals"`
	TotalEarnings      decimal.Decimal `json:"total_earnings"`
	PendingEarnings    decimal.Decimal `json:"pending_earnings"`
	PaidEarnings       decimal.Decimal `json:"paid_earnings"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// Contact identifies a referred prospect
type Contact struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// Tracking represents one referred prospect moving through the referral lifecycle
type Tracking struct {
	ID                string          `json:"tracking_id"`
	ReferrerAccountID string          `json:"referrer_account_id"`
	Contact           Contact         `json:"referred_contact"`
	Status            Status          `json:"status"`
	Milestones        Milestones      `json:"milestones"`
	Earnings          decimal.Decimal `json:"earnings"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Credit is the account-side effect of completing one or more milestones
type Credit struct {
	Amount    decimal.Decimal
	Qualified int64
	Installed int64
}

// IsZero reports whether applying the credit would change nothing
func (c Credit) IsZero() bool {
	return c.Amount.IsZero() && c.Qualified == 0 && c.Installed == 0
}

// Payout represents a request to pay out pending earnings
type Payout struct {
	ID          string          `json:"payout_id"`
	AccountID   string          `json:"account_id"`
	Amount      decimal.Decimal `json:"amount"`
	Method      PayoutMethod    `json:"method"`
	Status      PayoutStatus    `json:"status"`
	RequestedAt time.Time       `json:"requested_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
}

// Correction is an audited manual status reassignment with no financial effect
type Correction struct {
	ID         string    `json:"correction_id"`
	TrackingID string    `json:"tracking_id"`
	FromStatus Status    `json:"from_status"`
	ToStatus   Status    `json:"to_status"`
	Reason     string    `json:"reason"`
	Actor      string    `json:"actor"`
	CreatedAt  time.Time `json:"created_at"`
}

// LeaderboardEntry is one ranked, masked row of the referrer leaderboard
type LeaderboardEntry struct {
	Rank               int    `json:"rank"`
	DisplayName        string `json:"display_name"`
	InstalledReferrals int64  `json:"installed_referrals"`
	QualifiedReferrals int64  `json:"qualified_referrals"`
	TotalReferrals     int64  `json:"total_referrals"`
}

// Reconciliation summarises an account's balance fields against its open payouts
type Reconciliation struct {
	AccountID string          `json:"account_id"`
	Total     decimal.Decimal `json:"total_earnings"`
	Pending   decimal.Decimal `json:"pending_earnings"`
	Paid      decimal.Decimal `json:"paid_earnings"`
	InFlight  decimal.Decimal `json:"in_flight"`
	Drift     decimal.Decimal `json:"drift"`
	Balanced  bool            `json:"balanced"`
}

// ProviderPayoutResponse represents the payout provider's view of a payout
type ProviderPayoutResponse struct {
	Payout string `json:"payout"`
	Status string `json:"status"`
}

// Payout provider statuses
const (
	ProviderStatusRegistered = "REGISTERED"
	ProviderStatusProcessing = "PROCESSING"
	ProviderStatusPaid       = "PAID"
	ProviderStatusFailed     = "FAILED"
)
