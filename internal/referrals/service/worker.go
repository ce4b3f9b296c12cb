package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/25x8/referral-ledger/internal/referrals/models"
	"github.com/25x8/referral-ledger/internal/referrals/repository"
)

const settlementBatchSize = 100

// SettlementWorker polls the payout provider and settles open payouts in the background
type SettlementWorker struct {
	repo     repository.Repository
	payouts  *PayoutProcessor
	provider *ProviderClient
	logger   *slog.Logger
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewSettlementWorker creates a worker polling every interval
func NewSettlementWorker(repo repository.Repository, payouts *PayoutProcessor, provider *ProviderClient, interval time.Duration, logger *slog.Logger) *SettlementWorker {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SettlementWorker{
		repo:     repo,
		payouts:  payouts,
		provider: provider,
		logger:   logger,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start starts the worker
func (w *SettlementWorker) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.processLoop()
	}()
}

// Stop stops the worker and waits for the current batch to finish
func (w *SettlementWorker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}

func (w *SettlementWorker) processLoop() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), w.interval*4)
			w.processOpenPayouts(ctx)
			cancel()
		case <-w.stopCh:
			return
		}
	}
}

// processOpenPayouts checks one batch of open payouts against the provider
func (w *SettlementWorker) processOpenPayouts(ctx context.Context) {
	payouts, err := w.repo.ListOpenPayouts(ctx, settlementBatchSize)
	if err != nil {
		w.logger.Error("list open payouts", "error", err)
		return
	}

	for i := range payouts {
		if err := w.processPayout(ctx, &payouts[i]); err != nil {
			if rlErr, ok := IsRateLimited(err); ok {
				w.logger.Warn("payout provider rate limit, pausing batch", "retry_after", rlErr.RetryAfter)
				return
			}
			w.logger.Error("settle payout", "payout_id", payouts[i].ID, "error", err)
		}
	}
}

func (w *SettlementWorker) processPayout(ctx context.Context, payout *models.Payout) error {
	resp, err := w.provider.GetPayoutStatus(ctx, payout.ID)
	if err != nil {
		return err
	}
	if resp == nil {
		return nil
	}

	switch resp.Status {
	case models.ProviderStatusProcessing:
		if payout.Status == models.PayoutPending {
			_, err = w.payouts.MarkProcessing(ctx, payout.ID)
		}
	case models.ProviderStatusPaid:
		_, err = w.payouts.Settle(ctx, payout.ID, models.PayoutCompleted)
	case models.ProviderStatusFailed:
		_, err = w.payouts.Settle(ctx, payout.ID, models.PayoutFailed)
	}
	return err
}
