package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.RunAddress)
	assert.Equal(t, "http://localhost:8080", cfg.ReferralOrigin)
	assert.True(t, cfg.Ledger.QualifiedBonus.IsZero())
	assert.False(t, cfg.Ledger.StrictTransitions)
	assert.Equal(t, 5, cfg.Ledger.CodeMaxAttempts)
	assert.Equal(t, 3, cfg.Ledger.TxMaxRetries)
	assert.Equal(t, 30*time.Second, cfg.Cache.LeaderboardTTL)
	assert.Equal(t, 5*time.Second, cfg.SettlementInterval)
	assert.Empty(t, cfg.Cache.RedisAddr)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadEnvOverridesFlags(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("RUN_ADDRESS", ":9090")
	t.Setenv("QUALIFIED_BONUS", "12.50")
	t.Setenv("LEDGER_STRICT_TRANSITIONS", "true")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("RATE_LIMIT_RPS", "0.5")
	t.Setenv("LEADERBOARD_CACHE_TTL", "1m")

	cfg, err := Load([]string{"-a", ":7070", "-d", "postgres://localhost/referrals", "-r", "http://provider"})
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.RunAddress)
	assert.Equal(t, "postgres://localhost/referrals", cfg.DatabaseURI)
	assert.Equal(t, "http://provider", cfg.PayoutProviderAddress)
	assert.Equal(t, "12.5", cfg.Ledger.QualifiedBonus.String())
	assert.True(t, cfg.Ledger.StrictTransitions)
	assert.Equal(t, "localhost:6379", cfg.Cache.RedisAddr)
	assert.Equal(t, 2, cfg.Cache.RedisDB)
	assert.Equal(t, 0.5, cfg.RateLimit.RPS)
	assert.Equal(t, time.Minute, cfg.Cache.LeaderboardTTL)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"QUALIFIED_BONUS", "-1"},
		{"QUALIFIED_BONUS", "lots"},
		{"LEDGER_STRICT_TRANSITIONS", "maybe"},
		{"CODE_MAX_ATTEMPTS", "0"},
		{"TX_MAX_RETRIES", "x"},
		{"LEADERBOARD_CACHE_TTL", "soon"},
		{"SETTLEMENT_INTERVAL", "-5s"},
		{"REDIS_DB", "-1"},
		{"RATE_LIMIT_RPS", "0"},
		{"RATE_LIMIT_BURST", "many"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			t.Setenv("JWT_SECRET", "secret")
			t.Setenv(tt.key, tt.value)
			_, err := Load(nil)
			assert.Error(t, err)
		})
	}
}

func TestLoadRequiresSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	_, err := Load(nil)
	assert.ErrorContains(t, err, "JWT_SECRET")
}
