package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config contains application configuration
type Config struct {
	RunAddress            string
	DatabaseURI           string
	PayoutProviderAddress string

	JWTSecret      string
	ReferralOrigin string
	Ledger         LedgerConfig
	Cache          CacheConfig
	RateLimit      RateLimitConfig
	Logging        LoggingConfig

	SettlementInterval time.Duration
}

// LedgerConfig tunes milestone payouts and store retries
type LedgerConfig struct {
	QualifiedBonus    decimal.Decimal
	StrictTransitions bool
	CodeMaxAttempts   int
	TxMaxRetries      int
}

// CacheConfig selects the leaderboard cache. An empty RedisAddr keeps it in process.
type CacheConfig struct {
	LeaderboardTTL time.Duration
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
}

// RateLimitConfig limits public endpoints per client IP
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// LoggingConfig controls structured logging settings.
type LoggingConfig struct {
	Level  string
	Format string // text|json
}

const (
	defaultRunAddress         = ":8080"
	defaultReferralOrigin     = "http://localhost:8080"
	defaultCodeMaxAttempts    = 5
	defaultTxMaxRetries       = 3
	defaultLeaderboardTTL     = 30 * time.Second
	defaultRateLimitRPS       = 5
	defaultRateLimitBurst     = 10
	defaultSettlementInterval = 5 * time.Second
)

// NewConfig creates a new configuration from flags, a .env file and environment variables
func NewConfig() (*Config, error) {
	_ = godotenv.Load()
	return Load(os.Args[1:])
}

// Load parses args, then lets environment variables override them
func Load(args []string) (*Config, error) {
	cfg := Config{
		Ledger: LedgerConfig{
			QualifiedBonus:  decimal.Zero,
			CodeMaxAttempts: defaultCodeMaxAttempts,
			TxMaxRetries:    defaultTxMaxRetries,
		},
		Cache:     CacheConfig{LeaderboardTTL: defaultLeaderboardTTL},
		RateLimit: RateLimitConfig{RPS: defaultRateLimitRPS, Burst: defaultRateLimitBurst},
		Logging: LoggingConfig{
			Level:  valueOrDefault("LOG_LEVEL", "info"),
			Format: valueOrDefault("LOG_FORMAT", "text"),
		},
		SettlementInterval: defaultSettlementInterval,
	}

	fs := flag.NewFlagSet("referrald", flag.ContinueOnError)
	fs.StringVar(&cfg.RunAddress, "a", "", "Server run address")
	fs.StringVar(&cfg.DatabaseURI, "d", "", "Database URI")
	fs.StringVar(&cfg.PayoutProviderAddress, "r", "", "Payout provider address")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// Override with env vars if present
	if envAddr := os.Getenv("RUN_ADDRESS"); envAddr != "" {
		cfg.RunAddress = envAddr
	}
	if envDBURI := os.Getenv("DATABASE_URI"); envDBURI != "" {
		cfg.DatabaseURI = envDBURI
	}
	if envProvider := os.Getenv("PAYOUT_PROVIDER_ADDRESS"); envProvider != "" {
		cfg.PayoutProviderAddress = envProvider
	}
	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	cfg.ReferralOrigin = valueOrDefault("REFERRAL_ORIGIN", defaultReferralOrigin)
	cfg.Cache.RedisAddr = os.Getenv("REDIS_ADDR")
	cfg.Cache.RedisPassword = os.Getenv("REDIS_PASSWORD")

	var err error
	if v := os.Getenv("QUALIFIED_BONUS"); v != "" {
		bonus, perr := decimal.NewFromString(v)
		if perr != nil || bonus.IsNegative() {
			return nil, fmt.Errorf("invalid QUALIFIED_BONUS %q", v)
		}
		cfg.Ledger.QualifiedBonus = bonus
	}
	if cfg.Ledger.StrictTransitions, err = parseBool("LEDGER_STRICT_TRANSITIONS", false); err != nil {
		return nil, err
	}
	if cfg.Ledger.CodeMaxAttempts, err = parsePositiveInt("CODE_MAX_ATTEMPTS", cfg.Ledger.CodeMaxAttempts); err != nil {
		return nil, err
	}
	if cfg.Ledger.TxMaxRetries, err = parsePositiveInt("TX_MAX_RETRIES", cfg.Ledger.TxMaxRetries); err != nil {
		return nil, err
	}
	if cfg.Cache.LeaderboardTTL, err = parseDuration("LEADERBOARD_CACHE_TTL", cfg.Cache.LeaderboardTTL); err != nil {
		return nil, err
	}
	if cfg.SettlementInterval, err = parseDuration("SETTLEMENT_INTERVAL", cfg.SettlementInterval); err != nil {
		return nil, err
	}
	if cfg.RateLimit.Burst, err = parsePositiveInt("RATE_LIMIT_BURST", cfg.RateLimit.Burst); err != nil {
		return nil, err
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if cfg.Cache.RedisDB, err = strconv.Atoi(v); err != nil || cfg.Cache.RedisDB < 0 {
			return nil, fmt.Errorf("invalid REDIS_DB %q", v)
		}
	}
	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		rps, perr := strconv.ParseFloat(v, 64)
		if perr != nil || rps <= 0 {
			return nil, fmt.Errorf("invalid RATE_LIMIT_RPS %q", v)
		}
		cfg.RateLimit.RPS = rps
	}

	return &cfg, nil
}

func valueOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func parsePositiveInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be a positive integer", key, v)
	}
	return n, nil
}

func parseDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be positive", key, v)
	}
	return d, nil
}
