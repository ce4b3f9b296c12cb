package service

import (
	"context"
	"log/slog"

	"github.com/25x8/referral-ledger/internal/referrals/models"
	"github.com/25x8/referral-ledger/internal/referrals/repository"
	"github.com/25x8/referral-ledger/internal/referrals/utils"
)

const (
	DefaultLeaderboardSize = 10
	MaxLeaderboardSize     = 100
)

// Leaderboard ranks referrers by installed, then qualified referrals
type Leaderboard struct {
	repo   repository.Repository
	cache  repository.LeaderboardCache
	logger *slog.Logger
}

// NewLeaderboard creates a leaderboard. cache may be nil.
func NewLeaderboard(repo repository.Repository, cache repository.LeaderboardCache, logger *slog.Logger) *Leaderboard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Leaderboard{repo: repo, cache: cache, logger: logger}
}

// TopReferrers returns the n best referrers with masked names.
// Cache failures are logged and the store is read directly.
func (l *Leaderboard) TopReferrers(ctx context.Context, n int) ([]models.LeaderboardEntry, error) {
	switch {
	case n <= 0:
		n = DefaultLeaderboardSize
	case n > MaxLeaderboardSize:
		n = MaxLeaderboardSize
	}

	if l.cache != nil {
		entries, ok, err := l.cache.Get(ctx, n)
		if err != nil {
			l.logger.Warn("leaderboard cache read failed", "error", err)
		} else if ok {
			return entries, nil
		}
	}

	accounts, err := l.repo.TopAccounts(ctx, n)
	if err != nil {
		return nil, err
	}

	entries := make([]models.LeaderboardEntry, 0, len(accounts))
	for i, a := range accounts {
		entries = append(entries, models.LeaderboardEntry{
			Rank:               i + 1,
			DisplayName:        utils.MaskName(a.DisplayName),
			InstalledReferrals: a.InstalledReferrals,
			QualifiedReferrals: a.QualifiedReferrals,
			TotalReferrals:     a.TotalReferrals,
		})
	}

	if l.cache != nil {
		if err := l.cache.Set(ctx, n, entries); err != nil {
			l.logger.Warn("leaderboard cache write failed", "error", err)
		}
	}
	return entries, nil
}
