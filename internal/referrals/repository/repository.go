package repository

import (
	"context"
	"time"

	"github.com/25x8/referral-ledger/internal/referrals/models"
	"github.com/shopspring/decimal"
)

// Repository defines the interface for data access operations.
// Reads outside InTx see only committed state; every mutation goes through Tx.
type Repository interface {
	// Account operations
	GetAccount(ctx context.Context, accountID string) (*models.Account, error)
	GetAccountByCode(ctx context.Context, code string) (*models.Account, error)
	TopAccounts(ctx context.Context, limit int) ([]models.Account, error)

	// Tracking operations
	GetTracking(ctx context.Context, trackingID string) (*models.Tracking, error)
	ListTrackingByReferrer(ctx context.Context, accountID string) ([]models.Tracking, error)
	ListCorrections(ctx context.Context, trackingID string) ([]models.Correction, error)

	// Payout operations
	GetPayout(ctx context.Context, payoutID string) (*models.Payout, error)
	ListPayouts(ctx context.Context, accountID string) ([]models.Payout, error)
	ListOpenPayouts(ctx context.Context, limit int) ([]models.Payout, error)

	// InTx runs fn inside one atomic transaction. Any error from fn rolls everything back.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// Initialize and close
	InitDB(ctx context.Context) error
	Close() error
}

// Tx is the set of mutations available inside a transaction.
// Lookups "ForUpdate" lock the row until the transaction ends.
type Tx interface {
	CreateAccount(ctx context.Context, account *models.Account) error
	GetAccountForUpdate(ctx context.Context, accountID string) (*models.Account, error)
	GetAccountByCode(ctx context.Context, code string) (*models.Account, error)
	IncrementReferrals(ctx context.Context, accountID string) error
	CreditAccount(ctx context.Context, accountID string, credit models.Credit) error
	// DebitPending subtracts amount from pending earnings only if the balance covers it
	DebitPending(ctx context.Context, accountID string, amount decimal.Decimal) error
	RestorePending(ctx context.Context, accountID string, amount decimal.Decimal) error
	AddPaid(ctx context.Context, accountID string, amount decimal.Decimal) error

	CreateTracking(ctx context.Context, tracking *models.Tracking) error
	GetTrackingForUpdate(ctx context.Context, trackingID string) (*models.Tracking, error)
	// SwapTracking writes tracking only if its stored status still equals expected
	SwapTracking(ctx context.Context, tracking *models.Tracking, expected models.Status) error
	CreateCorrection(ctx context.Context, correction *models.Correction) error

	CreatePayout(ctx context.Context, payout *models.Payout) error
	ListPayouts(ctx context.Context, accountID string) ([]models.Payout, error)
	GetPayoutForUpdate(ctx context.Context, payoutID string) (*models.Payout, error)
	// SwapPayoutStatus moves a payout from one status to another, failing if it is no longer in from
	SwapPayoutStatus(ctx context.Context, payoutID string, from, to models.PayoutStatus, processedAt *time.Time) error
}
