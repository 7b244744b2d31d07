package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"actcredits/internal/model"
	"actcredits/internal/payments"
	"actcredits/internal/service"

	"github.com/go-chi/chi/v5"
)

// Billing is the slice of the payment client the handlers need.
type Billing interface {
	CreateCheckout(ctx context.Context, req payments.CheckoutRequest) (*payments.CheckoutSession, error)
	CancelAtPeriodEnd(ctx context.Context, subscriptionID string) (*time.Time, error)
}

type Handler struct {
	svc     service.LedgerService
	billing Billing
}

func NewHandler(svc service.LedgerService, billing Billing) *Handler {
	return &Handler{svc: svc, billing: billing}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *Handler) Plans(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{"plans": h.svc.Plans().All()})
}

func (h *Handler) GetCredits(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit")
			return
		}
		limit = n
	}
	if _, err := h.svc.EnsureAccount(r.Context(), claims.Subject, claims.Email); err != nil {
		respondServiceError(w, err)
		return
	}
	summary, err := h.svc.GetCredits(r.Context(), claims.Subject, limit)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

func (h *Handler) Consume(w http.ResponseWriter, r *http.Request) {
	var req model.DebitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	req.AccountID = claimsFrom(r.Context()).Subject

	res, err := h.svc.Debit(r.Context(), req)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (h *Handler) Welcome(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	res, err := h.svc.GrantWelcomeBonus(r.Context(), claims.Subject, claims.Email)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	status := "granted"
	if res.Duplicate {
		status = "already_granted"
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"status": status, "balances": res.Balances})
}

func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PlanID     string `json:"plan_id"`
		SuccessURL string `json:"success_url"`
		CancelURL  string `json:"cancel_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	claims := claimsFrom(r.Context())
	acct, err := h.svc.EnsureAccount(r.Context(), claims.Subject, claims.Email)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	sess, err := h.billing.CreateCheckout(r.Context(), payments.CheckoutRequest{
		AccountID:  acct.ID,
		Email:      claims.Email,
		CustomerID: acct.StripeCustomerID,
		PlanID:     req.PlanID,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (h *Handler) Subscription(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	if _, err := h.svc.EnsureAccount(r.Context(), claims.Subject, claims.Email); err != nil {
		respondServiceError(w, err)
		return
	}
	st, err := h.svc.SubscriptionStatus(r.Context(), claims.Subject)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

// CancelSubscription stops renewal at Stripe and marks the subscription
// cancelled locally. Credits remain until the period ends.
func (h *Handler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	accountID := claimsFrom(r.Context()).Subject
	acct, err := h.svc.GetAccount(r.Context(), accountID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if acct.State != model.StateActive || acct.StripeSubscriptionID == "" {
		respondError(w, http.StatusConflict, "no_active_subscription")
		return
	}
	if _, err := h.billing.CancelAtPeriodEnd(r.Context(), acct.StripeSubscriptionID); err != nil {
		respondServiceError(w, err)
		return
	}
	if _, err := h.svc.Cancel(r.Context(), model.CancelRequest{AccountID: accountID, OccurredAt: time.Now().UTC()}); err != nil {
		respondServiceError(w, err)
		return
	}
	st, err := h.svc.SubscriptionStatus(r.Context(), accountID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.SweepExpired(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (h *Handler) ExpireAccount(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.ExpireSubscription(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (h *Handler) RenewAccount(w http.ResponseWriter, r *http.Request) {
	var req model.RenewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	req.AccountID = chi.URLParam(r, "id")
	res, err := h.svc.Renew(r.Context(), req)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (h *Handler) CreditAccount(w http.ResponseWriter, r *http.Request) {
	var req model.CreditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	req.AccountID = chi.URLParam(r, "id")
	if req.Kind == "" {
		req.Kind = model.KindPurchase
	}
	res, err := h.svc.Credit(r.Context(), req)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, model.ErrAccountNotFound):
		return http.StatusNotFound, "account_not_found"
	case errors.Is(err, model.ErrInsufficientCredits):
		return http.StatusPaymentRequired, "insufficient_credits"
	case errors.Is(err, model.ErrNotEligibleForExpiry):
		return http.StatusConflict, "not_eligible_for_expiry"
	case errors.Is(err, model.ErrConcurrentUpdate), errors.Is(err, model.ErrDuplicateEvent):
		return http.StatusConflict, "conflict"
	case errors.Is(err, model.ErrReferenceConflict):
		return http.StatusConflict, "reference_conflict"
	case errors.Is(err, model.ErrInvalidAmount), errors.Is(err, model.ErrInvalidKind):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, model.ErrUnknownPlan):
		return http.StatusBadRequest, "unknown_plan"
	case errors.Is(err, model.ErrSignatureInvalid):
		return http.StatusBadRequest, "invalid_signature"
	case errors.Is(err, model.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable, "upstream_unavailable"
	}
	return http.StatusInternalServerError, "internal_error"
}

func respondServiceError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("http: request failed", "error", err)
	}
	respondError(w, status, code)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
