package http

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"actcredits/internal/model"
	"actcredits/internal/payments"
)

const webhookBodyLimit = 1 << 20

type EventVerifier interface {
	Parse(payload []byte, signature string) (model.PaymentEvent, error)
}

type EventProcessor interface {
	Handle(ctx context.Context, ev model.PaymentEvent) (payments.Outcome, error)
}

// WebhookHandler receives Stripe deliveries. Any processing failure answers
// 5xx so Stripe redelivers; replays answer 200 with status "duplicate".
type WebhookHandler struct {
	verifier  EventVerifier
	processor EventProcessor
}

func NewWebhookHandler(v EventVerifier, p EventProcessor) *WebhookHandler {
	return &WebhookHandler{verifier: v, processor: p}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	ev, err := h.verifier.Parse(payload, r.Header.Get("Stripe-Signature"))
	switch {
	case errors.Is(err, model.ErrSignatureInvalid):
		slog.Warn("webhook: signature rejected", "error", err)
		respondError(w, http.StatusBadRequest, "invalid_signature")
		return
	case errors.Is(err, model.ErrUnsupportedEvent):
		slog.Info("webhook: event ignored", "event_id", ev.ID, "type", ev.Type, "reason", err)
		respondJSON(w, http.StatusOK, map[string]interface{}{"received": true, "status": payments.OutcomeIgnored})
		return
	case err != nil:
		slog.Error("webhook: event could not be decoded", "event_id", ev.ID, "type", ev.Type, "error", err)
		respondError(w, http.StatusInternalServerError, "decode_failed")
		return
	}

	outcome, err := h.processor.Handle(r.Context(), ev)
	if err != nil {
		slog.Error("webhook: processing failed", "event_id", ev.ID, "type", ev.Type, "account_id", ev.AccountID, "error", err)
		respondError(w, http.StatusInternalServerError, "processing_failed")
		return
	}
	slog.Info("webhook: event handled", "event_id", ev.ID, "type", ev.Type, "outcome", outcome)
	respondJSON(w, http.StatusOK, map[string]interface{}{"received": true, "status": outcome})
}
