package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/25x8/referral-ledger/internal/referrals/models"
)

// fakeProvider answers payout status queries from a map; missing ids get 204
type fakeProvider struct {
	mu       sync.Mutex
	statuses map[string]string
	limited  bool
}

func (f *fakeProvider) set(id, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = status
}

func (f *fakeProvider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.limited {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/payouts/")
	status, ok := f.statuses[id]
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(models.ProviderPayoutResponse{Payout: id, Status: status})
}

func TestProviderClient(t *testing.T) {
	provider := &fakeProvider{statuses: map[string]string{"p-1": models.ProviderStatusPaid}}
	srv := httptest.NewServer(provider)
	defer srv.Close()
	client := NewProviderClient(srv.URL)
	ctx := context.Background()

	resp, err := client.GetPayoutStatus(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, models.ProviderStatusPaid, resp.Status)

	resp, err = client.GetPayoutStatus(ctx, "p-2")
	require.NoError(t, err)
	assert.Nil(t, resp)

	provider.mu.Lock()
	provider.limited = true
	provider.mu.Unlock()
	_, err = client.GetPayoutStatus(ctx, "p-1")
	rlErr, ok := IsRateLimited(err)
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, rlErr.RetryAfter)
}

func TestProviderClientUnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewProviderClient(srv.URL).GetPayoutStatus(context.Background(), "p-1")
	assert.ErrorContains(t, err, "500")
}

func TestSettlementWorkerSettlesPayouts(t *testing.T) {
	l := newTestLedger(t, models.DefaultSchedule(), false)
	ctx := context.Background()
	account, tracking := l.referral(t)
	_, err := l.ledger.Advance(ctx, tracking.ID, models.StatusInstalled)
	require.NoError(t, err)

	paid, err := l.payouts.RequestPayout(ctx, account.ID, dec("200"), models.MethodPayPal)
	require.NoError(t, err)
	failed, err := l.payouts.RequestPayout(ctx, account.ID, dec("100"), models.MethodCheck)
	require.NoError(t, err)
	waiting, err := l.payouts.RequestPayout(ctx, account.ID, dec("50"), models.MethodCheck)
	require.NoError(t, err)

	provider := &fakeProvider{statuses: map[string]string{
		paid.ID:    models.ProviderStatusPaid,
		failed.ID:  models.ProviderStatusFailed,
		waiting.ID: models.ProviderStatusProcessing,
	}}
	srv := httptest.NewServer(provider)
	defer srv.Close()

	worker := NewSettlementWorker(l.repo, l.payouts, NewProviderClient(srv.URL), time.Hour, nil)
	worker.processOpenPayouts(ctx)

	acct := l.account(t, account.ID)
	assert.True(t, acct.PaidEarnings.Equal(dec("200")))
	assert.True(t, acct.PendingEarnings.Equal(dec("250")))

	p, err := l.repo.GetPayout(ctx, waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PayoutProcessing, p.Status)

	provider.set(waiting.ID, models.ProviderStatusPaid)
	worker.processOpenPayouts(ctx)

	acct = l.account(t, account.ID)
	assert.True(t, acct.PaidEarnings.Equal(dec("250")))
	assert.True(t, acct.TotalEarnings.Equal(acct.PendingEarnings.Add(acct.PaidEarnings)))

	open, err := l.repo.ListOpenPayouts(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestSettlementWorkerStartStop(t *testing.T) {
	l := newTestLedger(t, models.DefaultSchedule(), false)
	account, tracking := l.referral(t)
	ctx := context.Background()
	_, err := l.ledger.Advance(ctx, tracking.ID, models.StatusInstalled)
	require.NoError(t, err)
	payout, err := l.payouts.RequestPayout(ctx, account.ID, dec("25"), models.MethodCheck)
	require.NoError(t, err)

	provider := &fakeProvider{statuses: map[string]string{payout.ID: models.ProviderStatusPaid}}
	srv := httptest.NewServer(provider)
	defer srv.Close()

	worker := NewSettlementWorker(l.repo, l.payouts, NewProviderClient(srv.URL), 10*time.Millisecond, nil)
	worker.Start()
	defer worker.Stop()

	assert.Eventually(t, func() bool {
		p, err := l.repo.GetPayout(ctx, payout.ID)
		return err == nil && p.Status == models.PayoutCompleted
	}, 2*time.Second, 10*time.Millisecond)
}
