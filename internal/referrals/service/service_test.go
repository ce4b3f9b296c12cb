package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/25x8/referral-ledger/internal/referrals/models"
	"github.com/25x8/referral-ledger/internal/referrals/repository"
)

type testLedger struct {
	repo     *repository.MemoryRepository
	registry *Registry
	tracker  *Tracker
	ledger   *Ledger
	payouts  *PayoutProcessor
}

func newTestLedger(t *testing.T, schedule models.Schedule, strict bool) *testLedger {
	t.Helper()
	repo := repository.NewMemoryRepository()
	deps := Deps{
		Repo:   repo,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	registry, err := NewRegistry(deps, RegistryConfig{Origin: "https://solar.example.com/", MaxCodeAttempts: 3})
	require.NoError(t, err)
	return &testLedger{
		repo:     repo,
		registry: registry,
		tracker:  NewTracker(deps, registry, schedule),
		ledger:   NewLedger(deps, LedgerConfig{Strict: strict}),
		payouts:  NewPayoutProcessor(deps),
	}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func (l *testLedger) account(t *testing.T, id string) *models.Account {
	t.Helper()
	a, err := l.repo.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return a
}

func (l *testLedger) referral(t *testing.T) (*models.Account, *models.Tracking) {
	t.Helper()
	ctx := context.Background()
	account, err := l.registry.CreateAccount(ctx, "user-4f2a1b", "John Smith", "john@example.com")
	require.NoError(t, err)
	tracking, err := l.tracker.StartTracking(ctx, account.ReferralCode, models.Contact{Name: "Jane Doe", Email: "jane@example.com"})
	require.NoError(t, err)
	return account, tracking
}

func TestEndToEndReferral(t *testing.T) {
	l := newTestLedger(t, models.DefaultSchedule(), false)
	ctx := context.Background()

	account, err := l.registry.CreateAccount(ctx, "user-4f2a1b", "John Smith", "john@example.com")
	require.NoError(t, err)
	assert.Equal(t, "JOHN4F2A1B", account.ReferralCode)
	assert.Equal(t, "https://solar.example.com/qualify?ref=JOHN4F2A1B", l.registry.Link(account.ReferralCode))

	tracking, err := l.tracker.StartTracking(ctx, "john4f2a1b", models.Contact{Name: "Jane Doe"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusSignedUp, tracking.Status)
	assert.True(t, tracking.Milestones.Signup.Completed)
	assert.EqualValues(t, 1, l.account(t, account.ID).TotalReferrals)

	res, err := l.ledger.Advance(ctx, tracking.ID, models.StatusSiteSurvey)
	require.NoError(t, err)
	assert.True(t, res.EarningsAdded.Equal(dec("50")))
	assert.True(t, res.Tracking.Earnings.Equal(dec("50")))
	assert.Equal(t, []models.Status{models.StatusQualified, models.StatusSiteSurvey}, res.Completed)
	acct := l.account(t, account.ID)
	assert.True(t, acct.PendingEarnings.Equal(dec("50")))
	assert.EqualValues(t, 1, acct.QualifiedReferrals)

	res, err = l.ledger.Advance(ctx, tracking.ID, models.StatusInstalled)
	require.NoError(t, err)
	assert.True(t, res.Tracking.Earnings.Equal(dec("500")))
	acct = l.account(t, account.ID)
	assert.True(t, acct.PendingEarnings.Equal(dec("500")))
	assert.True(t, acct.TotalEarnings.Equal(dec("500")))
	assert.EqualValues(t, 1, acct.InstalledReferrals)

	payout, err := l.payouts.RequestPayout(ctx, account.ID, dec("500.00"), models.MethodPayPal)
	require.NoError(t, err)
	assert.Equal(t, models.PayoutPending, payout.Status)
	assert.True(t, l.account(t, account.ID).PendingEarnings.IsZero())
}

func TestCreateAccountIsIdempotent(t *testing.T) {
	l := newTestLedger(t, models.DefaultSchedule(), false)
	ctx := context.Background()

	first, err := l.registry.CreateAccount(ctx, "user-1", "Ann Lee", "")
	require.NoError(t, err)

	again, err := l.registry.CreateAccount(ctx, "user-1", "Someone Else", "")
	assert.ErrorIs(t, err, models.ErrAlreadyExists)
	require.NotNil(t, again)
	assert.Equal(t, first.ReferralCode, again.ReferralCode)

	ensured, created, err := l.registry.EnsureAccount(ctx, "user-1", "Ann Lee", "")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, ensured.ID)
}

func TestCreateAccountRetriesOnCollision(t *testing.T) {
	l := newTestLedger(t, models.DefaultSchedule(), false)
	ctx := context.Background()

	// Both ids end in the same six characters, so the second needs a salted suffix.
	a, err := l.registry.CreateAccount(ctx, "team-a-000777", "Bob Ray", "")
	require.NoError(t, err)
	b, err := l.registry.CreateAccount(ctx, "team-b-000777", "Bob Ray", "")
	require.NoError(t, err)

	assert.Equal(t, "BOBR000777", a.ReferralCode)
	assert.NotEqual(t, a.ReferralCode, b.ReferralCode)
	assert.Len(t, b.ReferralCode, 10)
}

func TestCreateAccountExhaustsAttempts(t *testing.T) {
	repo := repository.NewMemoryRepository()
	registry, err := NewRegistry(Deps{Repo: repo}, RegistryConfig{MaxCodeAttempts: 1})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = registry.CreateAccount(ctx, "x-123456", "Zed", "")
	require.NoError(t, err)
	_, err = registry.CreateAccount(ctx, "y-123456", "Zed", "")
	assert.ErrorIs(t, err, models.ErrCodeGenerationExhausted)
}

func TestResolveCode(t *testing.T) {
	l := newTestLedger(t, models.DefaultSchedule(), false)
	ctx := context.Background()
	account, _ := l.referral(t)

	got, err := l.registry.ResolveCode(ctx, " john4f2a1b ")
	require.NoError(t, err)
	assert.Equal(t, account.ID, got.ID)

	// second lookup is served from the code cache but still returns live balances
	got, err = l.registry.ResolveCode(ctx, account.ReferralCode)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.TotalReferrals)

	_, err = l.registry.ResolveCode(ctx, "NOPE")
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = l.registry.ResolveCode(ctx, "ABCD999999")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestStartTrackingValidation(t *testing.T) {
	l := newTestLedger(t, models.DefaultSchedule(), false)
	ctx := context.Background()
	account, _ := l.referral(t)

	tests := []struct {
		name    string
		code    string
		contact models.Contact
		wantErr error
	}{
		{"unknown code", "ABCD999999", models.Contact{Name: "Pat"}, models.ErrInvalidCode},
		{"malformed code", "??", models.Contact{Name: "Pat"}, models.ErrInvalidCode},
		{"missing name", account.ReferralCode, models.Contact{Email: "pat@example.com"}, models.ErrInvalidInput},
		{"self referral", account.ReferralCode, models.Contact{Name: "John", Email: "JOHN@example.com"}, models.ErrSelfReferral},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.tracker.StartTracking(ctx, tt.code, tt.contact)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
	assert.EqualValues(t, 1, l.account(t, account.ID).TotalReferrals)
}

func TestListByReferrer(t *testing.T) {
	l := newTestLedger(t, models.DefaultSchedule(), false)
	ctx := context.Background()
	account, first := l.referral(t)

	second, err := l.tracker.StartTracking(ctx, account.ReferralCode, models.Contact{Name: "Sam Hill"})
	require.NoError(t, err)

	records, err := l.tracker.ListByReferrer(ctx, account.ID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, second.ID, records[0].ID)
	assert.Equal(t, first.ID, records[1].ID)

	none, err := l.tracker.ListByReferrer(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestAdvanceIsIdempotent(t *testing.T) {
	l := newTestLedger(t, models.DefaultSchedule(), false)
	ctx := context.Background()
	account, tracking := l.referral(t)

	first, err := l.ledger.Advance(ctx, tracking.ID, models.StatusInstalled)
	require.NoError(t, err)
	assert.True(t, first.EarningsAdded.Equal(dec("500")))

	second, err := l.ledger.Advance(ctx, tracking.ID, models.StatusInstalled)
	require.NoError(t, err)
	assert.True(t, second.EarningsAdded.IsZero())
	assert.Empty(t, second.Completed)

	acct := l.account(t, account.ID)
	assert.True(t, acct.TotalEarnings.Equal(dec("500")))
	assert.EqualValues(t, 1, acct.InstalledReferrals)
	assert.EqualValues(t, 1, acct.QualifiedReferrals)
}

func TestAdvanceConcurrentRace(t *testing.T) {
	schedule := models.DefaultSchedule()
	schedule.Qualified = dec("25")
	l := newTestLedger(t, schedule, false)
	ctx := context.Background()
	account, tracking := l.referral(t)

	const callers = 50
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		added = decimal.Zero
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.ledger.Advance(ctx, tracking.ID, models.StatusQualified)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			added = added.Add(res.EarningsAdded)
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.True(t, added.Equal(dec("25")), "added %s", added)
	acct := l.account(t, account.ID)
	assert.True(t, acct.TotalEarnings.Equal(dec("25")))
	assert.EqualValues(t, 1, acct.QualifiedReferrals)

	stored, err := l.repo.GetTracking(ctx, tracking.ID)
	require.NoError(t, err)
	assert.True(t, stored.Milestones.Qualified.Completed)
	assert.True(t, stored.Earnings.Equal(dec("25")))
}

func TestAdvanceBackwardLeavesBalances(t *testing.T) {
	l := newTestLedger(t, models.DefaultSchedule(), false)
	ctx := context.Background()
	account, tracking := l.referral(t)

	_, err := l.ledger.Advance(ctx, tracking.ID, models.StatusSiteSurvey)
	require.NoError(t, err)
	before := l.account(t, account.ID)

	_, err = l.ledger.Advance(ctx, tracking.ID, models.StatusSignedUp)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	after := l.account(t, account.ID)
	assert.True(t, before.TotalEarnings.Equal(after.TotalEarnings))
	assert.True(t, before.PendingEarnings.Equal(after.PendingEarnings))
	assert.Equal(t, before.QualifiedReferrals, after.QualifiedReferrals)

	stored, err := l.repo.GetTracking(ctx, tracking.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSiteSurvey, stored.Status)
}

func TestAdvanceStrictRejectsSkip(t *testing.T) {
	l := newTestLedger(t, models.DefaultSchedule(), true)
	ctx := context.Background()
	account, tracking := l.referral(t)

	_, err := l.ledger.Advance(ctx, tracking.ID, models.StatusInstalled)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
	assert.True(t, l.account(t, account.ID).TotalEarnings.IsZero())

	_, err = l.ledger.Advance(ctx, tracking.ID, models.StatusQualified)
	require.NoError(t, err)
}

func TestAdvanceErrors(t *testing.T) {
	l := newTestLedger(t, models.DefaultSchedule(), false)
	ctx := context.Background()

	_, err := l.ledger.Advance(ctx, "missing", models.StatusQualified)
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = l.ledger.Advance(ctx, "missing", models.Status("paid"))
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestCorrectHasNoFinancialEffect(t *testing.T) {
	l := newTestLedger(t, models.DefaultSchedule(), false)
	ctx := context.Background()
	account, tracking := l.referral(t)

	_, err := l.ledger.Advance(ctx, tracking.ID, models.StatusInstalled)
	require.NoError(t, err)

	correction, err := l.ledger.Correct(ctx, tracking.ID, models.StatusSiteSurvey, "install cancelled", "admin-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusInstalled, correction.FromStatus)
	assert.Equal(t, models.StatusSiteSurvey, correction.ToStatus)

	acct := l.account(t, account.ID)
	assert.True(t, acct.TotalEarnings.Equal(dec("500")))

	// re-advancing does not pay the installed milestone twice
	res, err := l.ledger.Advance(ctx, tracking.ID, models.StatusInstalled)
	require.NoError(t, err)
	assert.True(t, res.EarningsAdded.IsZero())
	assert.True(t, l.account(t, account.ID).TotalEarnings.Equal(dec("500")))

	corrections, err := l.ledger.ListCorrections(ctx, tracking.ID)
	require.NoError(t, err)
	require.Len(t, corrections, 1)
	assert.Equal(t, "admin-1", corrections[0].Actor)

	_, err = l.ledger.Correct(ctx, tracking.ID, models.StatusInstalled, "", "admin-1")
	assert.ErrorIs(t, err, models.ErrInvalidInput)
	_, err = l.ledger.Correct(ctx, tracking.ID, models.StatusInstalled, "again", "admin-1")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
	_, err = l.ledger.ListCorrections(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestAdvanceCreditsMilestonesSkippedByCorrection(t *testing.T) {
	l := newTestLedger(t, models.DefaultSchedule(), false)
	ctx := context.Background()
	account, tracking := l.referral(t)

	_, err := l.ledger.Correct(ctx, tracking.ID, models.StatusInstalled, "import", "admin-1")
	require.NoError(t, err)
	acct := l.account(t, account.ID)
	assert.True(t, acct.PendingEarnings.IsZero())
	assert.Zero(t, acct.InstalledReferrals)

	res, err := l.ledger.Advance(ctx, tracking.ID, models.StatusInstalled)
	require.NoError(t, err)
	assert.Equal(t, []models.Status{models.StatusQualified, models.StatusSiteSurvey, models.StatusInstalled}, res.Completed)
	assert.True(t, res.EarningsAdded.Equal(dec("500")))
	assert.True(t, res.Tracking.Milestones.Installed.Completed)
	assert.True(t, res.Tracking.Earnings.Equal(dec("500")))

	res, err = l.ledger.Advance(ctx, tracking.ID, models.StatusInstalled)
	require.NoError(t, err)
	assert.True(t, res.EarningsAdded.IsZero())
	assert.Empty(t, res.Completed)

	acct = l.account(t, account.ID)
	assert.True(t, acct.PendingEarnings.Equal(dec("500")))
	assert.True(t, acct.TotalEarnings.Equal(dec("500")))
	assert.EqualValues(t, 1, acct.InstalledReferrals)
	assert.EqualValues(t, 1, acct.QualifiedReferrals)

	got, err := l.tracker.GetTracking(ctx, tracking.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInstalled, got.Status)
}

func TestRequestPayoutCannotOverdraw(t *testing.T) {
	l := newTestLedger(t, models.DefaultSchedule(), false)
	ctx := context.Background()
	account, _ := l.referral(t)
	require.NoError(t, l.repo.InTx(ctx, func(tx repository.Tx) error {
		return tx.CreditAccount(ctx, account.ID, models.Credit{Amount: dec("30.00")})
	}))

	_, err := l.payouts.RequestPayout(ctx, account.ID, dec("30.01"), models.MethodCheck)
	assert.ErrorIs(t, err, models.ErrInsufficientBalance)

	_, err = l.payouts.RequestPayout(ctx, account.ID, dec("30.00"), models.MethodCheck)
	require.NoError(t, err)
	assert.True(t, l.account(t, account.ID).PendingEarnings.Equal(dec("0.00")))
}

func TestRequestPayoutValidation(t *testing.T) {
	l := newTestLedger(t, models.DefaultSchedule(), false)
	ctx := context.Background()
	account, _ := l.referral(t)

	tests := []struct {
		name    string
		amount  string
		method  models.PayoutMethod
		wantErr error
	}{
		{"below minimum", "24.99", models.MethodCheck, models.ErrBelowMinimum},
		{"too precise", "25.001", models.MethodCheck, models.ErrInvalidInput},
		{"unknown method", "25.00", models.PayoutMethod("wire"), models.ErrInvalidInput},
		{"no balance", "25.00", models.MethodCheck, models.ErrInsufficientBalance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.payouts.RequestPayout(ctx, account.ID, dec(tt.amount), tt.method)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	_, err := l.payouts.RequestPayout(ctx, "nobody", dec("25"), models.MethodCheck)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestConcurrentPayoutsCannotOverdraw(t *testing.T) {
	l := newTestLedger(t, models.DefaultSchedule(), false)
	ctx := context.Background()
	account, _ := l.referral(t)
	require.NoError(t, l.repo.InTx(ctx, func(tx repository.Tx) error {
		return tx.CreditAccount(ctx, account.ID, models.Credit{Amount: dec("100.00")})
	}))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.payouts.RequestPayout(ctx, account.ID, dec("30"), models.MethodPayPal); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, succeeded)
	assert.True(t, l.account(t, account.ID).PendingEarnings.Equal(dec("10")))
}

func TestSettlementClosesTheGap(t *testing.T) {
	l := newTestLedger(t, models.DefaultSchedule(), false)
	ctx := context.Background()
	account, tracking := l.referral(t)
	_, err := l.ledger.Advance(ctx, tracking.ID, models.StatusInstalled)
	require.NoError(t, err)

	paid, err := l.payouts.RequestPayout(ctx, account.ID, dec("300"), models.MethodDirectDeposit)
	require.NoError(t, err)
	failed, err := l.payouts.RequestPayout(ctx, account.ID, dec("100"), models.MethodCheck)
	require.NoError(t, err)

	acct := l.account(t, account.ID)
	assert.False(t, acct.TotalEarnings.Equal(acct.PendingEarnings.Add(acct.PaidEarnings)))
	rec, err := l.payouts.Reconcile(ctx, account.ID)
	require.NoError(t, err)
	assert.True(t, rec.Balanced)
	assert.True(t, rec.InFlight.Equal(dec("400")))

	_, err = l.payouts.MarkProcessing(ctx, paid.ID)
	require.NoError(t, err)
	settled, err := l.payouts.Settle(ctx, paid.ID, models.PayoutCompleted)
	require.NoError(t, err)
	assert.Equal(t, models.PayoutCompleted, settled.Status)
	require.NotNil(t, settled.ProcessedAt)

	_, err = l.payouts.Settle(ctx, failed.ID, models.PayoutFailed)
	require.NoError(t, err)

	acct = l.account(t, account.ID)
	assert.True(t, acct.PaidEarnings.Equal(dec("300")))
	assert.True(t, acct.PendingEarnings.Equal(dec("200")))
	assert.True(t, acct.TotalEarnings.Equal(acct.PendingEarnings.Add(acct.PaidEarnings)))

	// settling again is a no-op, not a second credit
	_, err = l.payouts.Settle(ctx, paid.ID, models.PayoutCompleted)
	require.NoError(t, err)
	assert.True(t, l.account(t, account.ID).PaidEarnings.Equal(dec("300")))

	_, err = l.payouts.Settle(ctx, paid.ID, models.PayoutFailed)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
	_, err = l.payouts.Settle(ctx, paid.ID, models.PayoutProcessing)
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	payouts, err := l.payouts.ListPayouts(ctx, account.ID)
	require.NoError(t, err)
	require.Len(t, payouts, 2)
	assert.Equal(t, failed.ID, payouts[0].ID)
}

func TestLeaderboard(t *testing.T) {
	l := newTestLedger(t, models.DefaultSchedule(), false)
	ctx := context.Background()
	account, tracking := l.referral(t)
	_, err := l.ledger.Advance(ctx, tracking.ID, models.StatusInstalled)
	require.NoError(t, err)

	_, err = l.registry.CreateAccount(ctx, "user-000002", "Mary Ann Jones", "")
	require.NoError(t, err)

	cache := repository.NewMemoryLeaderboardCache(8, time.Minute)
	board := NewLeaderboard(l.repo, cache, nil)

	entries, err := board.TopReferrers(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 1, entries[0].Rank)
	assert.Equal(t, "J*** S***", entries[0].DisplayName)
	assert.EqualValues(t, 1, entries[0].InstalledReferrals)
	assert.Equal(t, "M*** J***", entries[1].DisplayName)

	// cached pages do not see new activity until they expire
	_, err = l.tracker.StartTracking(ctx, account.ReferralCode, models.Contact{Name: "Late Lead"})
	require.NoError(t, err)
	cached, err := board.TopReferrers(ctx, DefaultLeaderboardSize)
	require.NoError(t, err)
	assert.EqualValues(t, 1, cached[0].TotalReferrals)

	top, err := NewLeaderboard(l.repo, nil, nil).TopReferrers(ctx, 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.EqualValues(t, 2, top[0].TotalReferrals)
}
