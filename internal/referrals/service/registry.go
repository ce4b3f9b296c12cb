package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/25x8/referral-ledger/internal/referrals/models"
	"github.com/25x8/referral-ledger/internal/referrals/repository"
	"github.com/25x8/referral-ledger/internal/referrals/utils"
	"github.com/shopspring/decimal"
)

// RegistryConfig tunes code generation and lookup
type RegistryConfig struct {
	// Origin is prepended to shareable referral links, e.g. https://example.com
	Origin          string
	MaxCodeAttempts int
	CacheSize       int
}

// Registry creates referral accounts and resolves referral codes
type Registry struct {
	Deps
	origin      string
	maxAttempts int
	codes       *lru.Cache[string, string]
}

// NewRegistry creates a registry. Resolved codes are cached since they never change.
func NewRegistry(deps Deps, cfg RegistryConfig) (*Registry, error) {
	if cfg.MaxCodeAttempts <= 0 {
		cfg.MaxCodeAttempts = 5
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 4096
	}
	codes, err := lru.New[string, string](cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	return &Registry{
		Deps:        deps.withDefaults(),
		origin:      strings.TrimRight(cfg.Origin, "/"),
		maxAttempts: cfg.MaxCodeAttempts,
		codes:       codes,
	}, nil
}

// CreateAccount creates the earnings account of userID with a fresh unique referral code.
// If the user already has an account it is returned together with ErrAlreadyExists.
func (r *Registry) CreateAccount(ctx context.Context, userID, displayName, email string) (*models.Account, error) {
	userID = strings.TrimSpace(userID)
	displayName = strings.TrimSpace(displayName)
	email = strings.ToLower(strings.TrimSpace(email))
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", models.ErrInvalidInput)
	}
	if displayName == "" {
		return nil, fmt.Errorf("%w: display name is required", models.ErrInvalidInput)
	}

	if existing, err := r.Repo.GetAccount(ctx, userID); err == nil {
		return existing, fmt.Errorf("account %s: %w", userID, models.ErrAlreadyExists)
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		code := utils.GenerateCode(displayName, userID, attempt)
		now := r.Clock()
		account := &models.Account{
			ID:              userID,
			ReferralCode:    code,
			DisplayName:     displayName,
			Email:           email,
			TotalEarnings:   decimal.Zero,
			PendingEarnings: decimal.Zero,
			PaidEarnings:    decimal.Zero,
			CreatedAt:       now,
			UpdatedAt:       now,
		}

		err := r.run(ctx, "create_account", func(tx repository.Tx) error {
			owner, err := tx.GetAccountByCode(ctx, code)
			switch {
			case err == nil && owner.ID == userID:
				return fmt.Errorf("account %s: %w", userID, models.ErrAlreadyExists)
			case err == nil:
				return fmt.Errorf("code %s: %w", code, models.ErrCodeCollision)
			case !errors.Is(err, models.ErrNotFound):
				return err
			}
			return tx.CreateAccount(ctx, account)
		})

		switch {
		case err == nil:
			r.codes.Add(code, userID)
			r.Logger.Info("referral account created", "account_id", userID, "code", code, "attempt", attempt)
			return account, nil
		case errors.Is(err, models.ErrCodeCollision):
			r.Logger.Debug("referral code collision", "account_id", userID, "code", code, "attempt", attempt)
			continue
		case errors.Is(err, models.ErrAlreadyExists):
			existing, gerr := r.Repo.GetAccount(ctx, userID)
			if gerr != nil {
				return nil, gerr
			}
			return existing, err
		default:
			return nil, err
		}
	}

	r.Logger.Error("referral code generation exhausted", "account_id", userID, "attempts", r.maxAttempts)
	return nil, fmt.Errorf("%w: %d attempts for %s", models.ErrCodeGenerationExhausted, r.maxAttempts, userID)
}

// EnsureAccount returns the user's account, creating it on first use
func (r *Registry) EnsureAccount(ctx context.Context, userID, displayName, email string) (*models.Account, bool, error) {
	account, err := r.CreateAccount(ctx, userID, displayName, email)
	if errors.Is(err, models.ErrAlreadyExists) {
		return account, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return account, true, nil
}

// GetAccount returns the account owned by accountID
func (r *Registry) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	return r.Repo.GetAccount(ctx, accountID)
}

// ResolveCode finds the account owning code. Input is case-insensitive.
func (r *Registry) ResolveCode(ctx context.Context, code string) (*models.Account, error) {
	code = utils.NormalizeCode(code)
	if !utils.IsValidCode(code) {
		return nil, fmt.Errorf("code %q: %w", code, models.ErrNotFound)
	}

	if accountID, ok := r.codes.Get(code); ok {
		return r.Repo.GetAccount(ctx, accountID)
	}

	account, err := r.Repo.GetAccountByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	r.codes.Add(code, account.ID)
	return account, nil
}

// Link builds the shareable qualification link for code
func (r *Registry) Link(code string) string {
	return r.origin + "/qualify?" + url.Values{"ref": {code}}.Encode()
}
