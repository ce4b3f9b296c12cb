package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle position of a referred prospect
type Status string

// Tracking statuses, in lifecycle order
const (
	StatusSignedUp   Status = "signed_up"
	StatusQualified  Status = "qualified"
	StatusSiteSurvey Status = "site_survey"
	StatusInstalled  Status = "installed"
)

var statusSequence = [...]Status{StatusSignedUp, StatusQualified, StatusSiteSurvey, StatusInstalled}

// Statuses returns the lifecycle in order
func Statuses() []Status {
	out := make([]Status, len(statusSequence))
	copy(out, statusSequence[:])
	return out
}

// ParseStatus validates a raw status string
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if s.Rank() < 0 {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidInput, raw)
	}
	return s, nil
}

// Rank is the position of s in the lifecycle, or -1 for unknown values
func (s Status) Rank() int {
	for i, v := range statusSequence {
		if v == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is part of the lifecycle
func (s Status) Valid() bool {
	return s.Rank() >= 0
}

// Transition classifies a requested move between two statuses
type Transition int

const (
	TransitionInvalid Transition = iota
	TransitionNoop
	TransitionForward
	TransitionSkip
	TransitionBackward
)

// Classify returns how moving from s to next relates to the lifecycle
func (s Status) Classify(next Status) Transition {
	from, to := s.Rank(), next.Rank()
	switch {
	case from < 0 || to < 0:
		return TransitionInvalid
	case to == from:
		return TransitionNoop
	case to == from+1:
		return TransitionForward
	case to > from:
		return TransitionSkip
	default:
		return TransitionBackward
	}
}

// Between returns the statuses after s up to and including next
func (s Status) Between(next Status) []Status {
	from, to := s.Rank(), next.Rank()
	if from < 0 || to <= from {
		return nil
	}
	return Statuses()[from+1 : to+1]
}

// Milestone is a one-time payable event in the referral lifecycle
type Milestone struct {
	Completed   bool            `json:"completed"`
	Amount      decimal.Decimal `json:"amount"`
	CompletedAt *time.Time      `json:"completed_at"`
}

// Milestones is the fixed milestone table of a tracking record, one slot per status
type Milestones struct {
	Signup     Milestone `json:"signup"`
	Qualified  Milestone `json:"qualified"`
	SiteSurvey Milestone `json:"site_survey"`
	Installed  Milestone `json:"installed"`
}

// For returns the milestone triggered by status, or nil for unknown statuses
func (m *Milestones) For(status Status) *Milestone {
	switch status {
	case StatusSignedUp:
		return &m.Signup
	case StatusQualified:
		return &m.Qualified
	case StatusSiteSurvey:
		return &m.SiteSurvey
	case StatusInstalled:
		return &m.Installed
	}
	return nil
}

// Earned sums the amounts of completed milestones
func (m Milestones) Earned() decimal.Decimal {
	total := decimal.Zero
	for _, s := range statusSequence {
		if ms := m.For(s); ms.Completed {
			total = total.Add(ms.Amount)
		}
	}
	return total
}

// Schedule holds the amount paid for each milestone
type Schedule struct {
	Qualified  decimal.Decimal
	SiteSurvey decimal.Decimal
	Installed  decimal.Decimal
}

// DefaultSchedule returns the standard milestone payouts
func DefaultSchedule() Schedule {
	return Schedule{
		Qualified:  decimal.Zero,
		SiteSurvey: decimal.NewFromInt(50),
		Installed:  decimal.NewFromInt(450),
	}
}

// Amount returns the payout for the milestone triggered by status. Signup never pays.
func (s Schedule) Amount(status Status) decimal.Decimal {
	switch status {
	case StatusQualified:
		return s.Qualified
	case StatusSiteSurvey:
		return s.SiteSurvey
	case StatusInstalled:
		return s.Installed
	}
	return decimal.Zero
}

// NewMilestones builds the milestone table for a fresh record: signup completed at now, the rest open
func (s Schedule) NewMilestones(now time.Time) Milestones {
	completedAt := now
	return Milestones{
		Signup:     Milestone{Completed: true, Amount: decimal.Zero, CompletedAt: &completedAt},
		Qualified:  Milestone{Amount: s.Qualified},
		SiteSurvey: Milestone{Amount: s.SiteSurvey},
		Installed:  Milestone{Amount: s.Installed},
	}
}

// PayoutMethod is how a payout is delivered
type PayoutMethod string

const (
	MethodDirectDeposit PayoutMethod = "direct_deposit"
	MethodCheck         PayoutMethod = "check"
	MethodPayPal        PayoutMethod = "paypal"
)

// ParsePayoutMethod validates a raw payout method
func ParsePayoutMethod(raw string) (PayoutMethod, error) {
	m := PayoutMethod(strings.ToLower(strings.TrimSpace(raw)))
	switch m {
	case MethodDirectDeposit, MethodCheck, MethodPayPal:
		return m, nil
	}
	return "", fmt.Errorf("%w: unknown payout method %q", ErrInvalidInput, raw)
}

// PayoutStatus is the settlement state of a payout
type PayoutStatus string

const (
	PayoutPending    PayoutStatus = "pending"
	PayoutProcessing PayoutStatus = "processing"
	PayoutCompleted  PayoutStatus = "completed"
	PayoutFailed     PayoutStatus = "failed"
)

var payoutTransitions = map[PayoutStatus][]PayoutStatus{
	PayoutPending:    {PayoutProcessing, PayoutCompleted, PayoutFailed},
	PayoutProcessing: {PayoutCompleted, PayoutFailed},
}

// CanTransition reports whether a payout may move from s to next
func (s PayoutStatus) CanTransition(next PayoutStatus) bool {
	for _, allowed := range payoutTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Open reports whether the payout amount is still in flight
func (s PayoutStatus) Open() bool {
	return s == PayoutPending || s == PayoutProcessing
}
