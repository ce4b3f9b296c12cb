package models

import "errors"

// Ledger error taxonomy. Callers match with errors.Is; messages are added by wrapping.
var (
	ErrNotFound                = errors.New("not found")
	ErrInvalidCode             = errors.New("invalid referral code")
	ErrAlreadyExists           = errors.New("already exists")
	ErrCodeCollision           = errors.New("referral code collision")
	ErrCodeGenerationExhausted = errors.New("referral code generation exhausted")
	ErrInvalidTransition       = errors.New("invalid status transition")
	ErrInsufficientBalance     = errors.New("insufficient balance")
	ErrBelowMinimum            = errors.New("payout below minimum")
	ErrInvalidInput            = errors.New("invalid input")
	ErrSelfReferral            = errors.New("self referral")
	ErrTransientConflict       = errors.New("transient store conflict")
)

// IsRetryable reports whether err is worth retrying against the store
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientConflict)
}
