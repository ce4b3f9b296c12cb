package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/25x8/referral-ledger/internal/referrals/middleware"
	"github.com/25x8/referral-ledger/internal/referrals/models"
	"github.com/25x8/referral-ledger/internal/referrals/service"
	"github.com/25x8/referral-ledger/internal/referrals/utils"
)

// Handler handles all HTTP requests
type Handler struct {
	Registry    *service.Registry
	Tracker     *service.Tracker
	Ledger      *service.Ledger
	Payouts     *service.PayoutProcessor
	Leaderboard *service.Leaderboard
}

type accountResponse struct {
	*models.Account
	ReferralLink string `json:"referral_link"`
}

func (h *Handler) toAccountResponse(a *models.Account) accountResponse {
	return accountResponse{Account: a, ReferralLink: h.Registry.Link(a.ReferralCode)}
}

// CreateAccount opens the caller's referral account, or returns the existing one
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		DisplayName string `json:"display_name"`
		Email       string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, badRequest("malformed JSON body"))
		return
	}

	account, created, err := h.Registry.EnsureAccount(r.Context(), userID, req.DisplayName, req.Email)
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, h.toAccountResponse(account))
}

// GetAccount returns the caller's balances and referral link
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	account, err := h.Registry.GetAccount(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.toAccountResponse(account))
}

// ResolveCode tells a landing page whether a referral code is valid
func (h *Handler) ResolveCode(w http.ResponseWriter, r *http.Request) {
	account, err := h.Registry.ResolveCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"referral_code": account.ReferralCode,
		"referrer":      utils.MaskName(account.DisplayName),
	})
}

// StartTracking records a prospect who signed up through a referral link
func (h *Handler) StartTracking(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code    string         `json:"code"`
		Contact models.Contact `json:"contact"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, badRequest("malformed JSON body"))
		return
	}

	tracking, err := h.Tracker.StartTracking(r.Context(), req.Code, req.Contact)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tracking)
}

// ListTracking returns everyone the caller has referred
func (h *Handler) ListTracking(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	records, err := h.Tracker.ListByReferrer(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(records) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// Advance moves a tracking record forward and credits its milestones
func (h *Handler) Advance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, badRequest("malformed JSON body"))
		return
	}
	status, err := models.ParseStatus(req.Status)
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := h.Ledger.Advance(r.Context(), chi.URLParam(r, "id"), status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Correct reassigns a tracking status on behalf of the calling admin
func (h *Handler) Correct(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.GetUserID(r.Context())

	var req struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, badRequest("malformed JSON body"))
		return
	}
	status, err := models.ParseStatus(req.Status)
	if err != nil {
		writeError(w, err)
		return
	}

	correction, err := h.Ledger.Correct(r.Context(), chi.URLParam(r, "id"), status, req.Reason, actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, correction)
}

// ListCorrections returns the audit trail of one tracking record
func (h *Handler) ListCorrections(w http.ResponseWriter, r *http.Request) {
	corrections, err := h.Ledger.ListCorrections(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if len(corrections) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, corrections)
}

// RequestPayout withdraws part of the caller's pending earnings
func (h *Handler) RequestPayout(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		Amount decimal.Decimal `json:"amount"`
		Method string          `json:"method"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, badRequest("malformed JSON body"))
		return
	}

	payout, err := h.Payouts.RequestPayout(r.Context(), userID, req.Amount, models.PayoutMethod(req.Method))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, payout)
}

// ListPayouts returns the caller's payouts
func (h *Handler) ListPayouts(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	payouts, err := h.Payouts.ListPayouts(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(payouts) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, payouts)
}

// SettlePayout records the provider's final answer for a payout
func (h *Handler) SettlePayout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, badRequest("malformed JSON body"))
		return
	}

	payoutID := chi.URLParam(r, "id")
	var (
		payout *models.Payout
		err    error
	)
	if status := models.PayoutStatus(req.Status); status == models.PayoutProcessing {
		payout, err = h.Payouts.MarkProcessing(r.Context(), payoutID)
	} else {
		payout, err = h.Payouts.Settle(r.Context(), payoutID, status)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payout)
}

// Reconcile reports whether the caller's balances add up
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	rec, err := h.Payouts.Reconcile(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// TopReferrers returns the top referrers with masked names
func (h *Handler) TopReferrers(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, badRequest("limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	entries, err := h.Leaderboard.TopReferrers(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
