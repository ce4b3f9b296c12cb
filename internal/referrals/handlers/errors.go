package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/25x8/referral-ledger/internal/referrals/models"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

var errorKinds = []struct {
	err    error
	kind   string
	status int
}{
	{models.ErrNotFound, "not_found", http.StatusNotFound},
	{models.ErrInvalidCode, "invalid_code", http.StatusUnprocessableEntity},
	{models.ErrInvalidInput, "invalid_input", http.StatusBadRequest},
	{models.ErrSelfReferral, "self_referral", http.StatusUnprocessableEntity},
	{models.ErrAlreadyExists, "already_exists", http.StatusConflict},
	{models.ErrCodeCollision, "code_collision", http.StatusConflict},
	{models.ErrCodeGenerationExhausted, "code_generation_exhausted", http.StatusConflict},
	{models.ErrInvalidTransition, "invalid_transition", http.StatusConflict},
	{models.ErrBelowMinimum, "below_minimum", http.StatusUnprocessableEntity},
	{models.ErrInsufficientBalance, "insufficient_balance", http.StatusPaymentRequired},
	{models.ErrTransientConflict, "transient_conflict", http.StatusServiceUnavailable},
}

func badRequest(msg string) error {
	return fmt.Errorf("%w: %s", models.ErrInvalidInput, msg)
}

// statusFor maps a ledger error to its response status and kind
func statusFor(err error) (int, string) {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.status, k.kind
		}
	}
	return http.StatusInternalServerError, "internal"
}

func writeError(w http.ResponseWriter, err error) {
	status, kind := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
		msg = "internal server error"
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, errorResponse{Error: kind, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}
