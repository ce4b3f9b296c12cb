package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/25x8/referral-ledger/internal/referrals/models"
	"github.com/shopspring/decimal"
)

// MemoryRepository implements Repository in memory.
// Transactions are serialized by a single mutex and applied to a private copy that is swapped in on commit,
// so a failed transaction leaves no trace.
type MemoryRepository struct {
	mu    sync.Mutex
	state memoryState
}

type memoryState struct {
	accounts    map[string]models.Account
	codes       map[string]string
	tracking    map[string]models.Tracking
	trackingSeq []string
	payouts     map[string]models.Payout
	payoutSeq   []string
	corrections []models.Correction
}

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		state: memoryState{
			accounts: make(map[string]models.Account),
			codes:    make(map[string]string),
			tracking: make(map[string]models.Tracking),
			payouts:  make(map[string]models.Payout),
		},
	}
}

func (s memoryState) clone() memoryState {
	c := memoryState{
		accounts:    make(map[string]models.Account, len(s.accounts)),
		codes:       make(map[string]string, len(s.codes)),
		tracking:    make(map[string]models.Tracking, len(s.tracking)),
		trackingSeq: append([]string(nil), s.trackingSeq...),
		payouts:     make(map[string]models.Payout, len(s.payouts)),
		payoutSeq:   append([]string(nil), s.payoutSeq...),
		corrections: append([]models.Correction(nil), s.corrections...),
	}
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for k, v := range s.codes {
		c.codes[k] = v
	}
	for k, v := range s.tracking {
		c.tracking[k] = v
	}
	for k, v := range s.payouts {
		c.payouts[k] = v
	}
	return c
}

func (m *MemoryRepository) InitDB(ctx context.Context) error { return nil }

func (m *MemoryRepository) Close() error { return nil }

func (m *MemoryRepository) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memoryTx{state: m.state.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	m.state = tx.state
	return nil
}

func (m *MemoryRepository) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.account(accountID)
}

func (m *MemoryRepository) GetAccountByCode(ctx context.Context, code string) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.accountByCode(code)
}

func (m *MemoryRepository) TopAccounts(ctx context.Context, limit int) ([]models.Account, error) {
	m.mu.Lock()
	accounts := make([]models.Account, 0, len(m.state.accounts))
	for _, a := range m.state.accounts {
		accounts = append(accounts, a)
	}
	m.mu.Unlock()

	sort.Slice(accounts, func(i, j int) bool {
		a, b := accounts[i], accounts[j]
		if a.InstalledReferrals != b.InstalledReferrals {
			return a.InstalledReferrals > b.InstalledReferrals
		}
		if a.QualifiedReferrals != b.QualifiedReferrals {
			return a.QualifiedReferrals > b.QualifiedReferrals
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	if limit >= 0 && len(accounts) > limit {
		accounts = accounts[:limit]
	}
	return accounts, nil
}

func (m *MemoryRepository) GetTracking(ctx context.Context, trackingID string) (*models.Tracking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.trackingByID(trackingID)
}

func (m *MemoryRepository) ListTrackingByReferrer(ctx context.Context, accountID string) ([]models.Tracking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var records []models.Tracking
	for i := len(m.state.trackingSeq) - 1; i >= 0; i-- {
		tr := m.state.tracking[m.state.trackingSeq[i]]
		if tr.ReferrerAccountID == accountID {
			records = append(records, tr)
		}
	}
	return records, nil
}

func (m *MemoryRepository) ListCorrections(ctx context.Context, trackingID string) ([]models.Correction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var corrections []models.Correction
	for i := len(m.state.corrections) - 1; i >= 0; i-- {
		if c := m.state.corrections[i]; c.TrackingID == trackingID {
			corrections = append(corrections, c)
		}
	}
	return corrections, nil
}

func (m *MemoryRepository) GetPayout(ctx context.Context, payoutID string) (*models.Payout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.payout(payoutID)
}

func (m *MemoryRepository) ListPayouts(ctx context.Context, accountID string) ([]models.Payout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.payoutsFor(accountID), nil
}

func (m *MemoryRepository) ListOpenPayouts(ctx context.Context, limit int) ([]models.Payout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var payouts []models.Payout
	for _, id := range m.state.payoutSeq {
		if len(payouts) >= limit {
			break
		}
		if p := m.state.payouts[id]; p.Status.Open() {
			payouts = append(payouts, p)
		}
	}
	return payouts, nil
}

func (s memoryState) account(id string) (*models.Account, error) {
	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, models.ErrNotFound)
	}
	return &a, nil
}

func (s memoryState) accountByCode(code string) (*models.Account, error) {
	id, ok := s.codes[code]
	if !ok {
		return nil, fmt.Errorf("account with code %s: %w", code, models.ErrNotFound)
	}
	return s.account(id)
}

func (s memoryState) trackingByID(id string) (*models.Tracking, error) {
	tr, ok := s.tracking[id]
	if !ok {
		return nil, fmt.Errorf("tracking %s: %w", id, models.ErrNotFound)
	}
	return &tr, nil
}

func (s memoryState) payoutsFor(accountID string) []models.Payout {
	var payouts []models.Payout
	for i := len(s.payoutSeq) - 1; i >= 0; i-- {
		p := s.payouts[s.payoutSeq[i]]
		if p.AccountID == accountID {
			payouts = append(payouts, p)
		}
	}
	return payouts
}

func (s memoryState) payout(id string) (*models.Payout, error) {
	p, ok := s.payouts[id]
	if !ok {
		return nil, fmt.Errorf("payout %s: %w", id, models.ErrNotFound)
	}
	return &p, nil
}

// memoryTx mutates a private copy of the repository state
type memoryTx struct {
	state memoryState
}

func (t *memoryTx) CreateAccount(ctx context.Context, a *models.Account) error {
	if _, ok := t.state.accounts[a.ID]; ok {
		return fmt.Errorf("account %s: %w", a.ID, models.ErrAlreadyExists)
	}
	if _, ok := t.state.codes[a.ReferralCode]; ok {
		return fmt.Errorf("code %s: %w", a.ReferralCode, models.ErrCodeCollision)
	}
	t.state.accounts[a.ID] = *a
	t.state.codes[a.ReferralCode] = a.ID
	return nil
}

func (t *memoryTx) GetAccountForUpdate(ctx context.Context, accountID string) (*models.Account, error) {
	return t.state.account(accountID)
}

func (t *memoryTx) GetAccountByCode(ctx context.Context, code string) (*models.Account, error) {
	return t.state.accountByCode(code)
}

func (t *memoryTx) updateAccount(accountID string, fn func(a *models.Account) error) error {
	a, ok := t.state.accounts[accountID]
	if !ok {
		return fmt.Errorf("account %s: %w", accountID, models.ErrNotFound)
	}
	if err := fn(&a); err != nil {
		return err
	}
	a.UpdatedAt = time.Now()
	t.state.accounts[accountID] = a
	return nil
}

func (t *memoryTx) IncrementReferrals(ctx context.Context, accountID string) error {
	return t.updateAccount(accountID, func(a *models.Account) error {
		a.TotalReferrals++
		return nil
	})
}

func (t *memoryTx) CreditAccount(ctx context.Context, accountID string, c models.Credit) error {
	return t.updateAccount(accountID, func(a *models.Account) error {
		a.TotalEarnings = a.TotalEarnings.Add(c.Amount)
		a.PendingEarnings = a.PendingEarnings.Add(c.Amount)
		a.QualifiedReferrals += c.Qualified
		a.InstalledReferrals += c.Installed
		return nil
	})
}

func (t *memoryTx) DebitPending(ctx context.Context, accountID string, amount decimal.Decimal) error {
	return t.updateAccount(accountID, func(a *models.Account) error {
		if a.PendingEarnings.LessThan(amount) {
			return fmt.Errorf("account %s: %w", accountID, models.ErrInsufficientBalance)
		}
		a.PendingEarnings = a.PendingEarnings.Sub(amount)
		return nil
	})
}

func (t *memoryTx) RestorePending(ctx context.Context, accountID string, amount decimal.Decimal) error {
	return t.updateAccount(accountID, func(a *models.Account) error {
		a.PendingEarnings = a.PendingEarnings.Add(amount)
		return nil
	})
}

func (t *memoryTx) AddPaid(ctx context.Context, accountID string, amount decimal.Decimal) error {
	return t.updateAccount(accountID, func(a *models.Account) error {
		a.PaidEarnings = a.PaidEarnings.Add(amount)
		return nil
	})
}

func (t *memoryTx) CreateTracking(ctx context.Context, tr *models.Tracking) error {
	if _, ok := t.state.tracking[tr.ID]; ok {
		return fmt.Errorf("tracking %s: %w", tr.ID, models.ErrAlreadyExists)
	}
	if _, ok := t.state.accounts[tr.ReferrerAccountID]; !ok {
		return fmt.Errorf("account %s: %w", tr.ReferrerAccountID, models.ErrNotFound)
	}
	t.state.tracking[tr.ID] = *tr
	t.state.trackingSeq = append(t.state.trackingSeq, tr.ID)
	return nil
}

func (t *memoryTx) GetTrackingForUpdate(ctx context.Context, trackingID string) (*models.Tracking, error) {
	return t.state.trackingByID(trackingID)
}

func (t *memoryTx) SwapTracking(ctx context.Context, tr *models.Tracking, expected models.Status) error {
	current, ok := t.state.tracking[tr.ID]
	if !ok {
		return fmt.Errorf("tracking %s: %w", tr.ID, models.ErrNotFound)
	}
	if current.Status != expected {
		return fmt.Errorf("tracking %s moved from %s: %w", tr.ID, expected, models.ErrTransientConflict)
	}
	t.state.tracking[tr.ID] = *tr
	return nil
}

func (t *memoryTx) CreateCorrection(ctx context.Context, c *models.Correction) error {
	if _, ok := t.state.tracking[c.TrackingID]; !ok {
		return fmt.Errorf("tracking %s: %w", c.TrackingID, models.ErrNotFound)
	}
	t.state.corrections = append(t.state.corrections, *c)
	return nil
}

func (t *memoryTx) CreatePayout(ctx context.Context, p *models.Payout) error {
	if _, ok := t.state.payouts[p.ID]; ok {
		return fmt.Errorf("payout %s: %w", p.ID, models.ErrAlreadyExists)
	}
	t.state.payouts[p.ID] = *p
	t.state.payoutSeq = append(t.state.payoutSeq, p.ID)
	return nil
}

func (t *memoryTx) ListPayouts(ctx context.Context, accountID string) ([]models.Payout, error) {
	return t.state.payoutsFor(accountID), nil
}

func (t *memoryTx) GetPayoutForUpdate(ctx context.Context, payoutID string) (*models.Payout, error) {
	return t.state.payout(payoutID)
}

func (t *memoryTx) SwapPayoutStatus(ctx context.Context, payoutID string, from, to models.PayoutStatus, processedAt *time.Time) error {
	p, ok := t.state.payouts[payoutID]
	if !ok {
		return fmt.Errorf("payout %s: %w", payoutID, models.ErrNotFound)
	}
	if p.Status != from {
		return fmt.Errorf("payout %s moved from %s: %w", payoutID, from, models.ErrTransientConflict)
	}
	p.Status = to
	p.ProcessedAt = processedAt
	t.state.payouts[payoutID] = p
	return nil
}
