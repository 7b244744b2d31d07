package nats

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"actcredits/internal/model"
	"actcredits/internal/service"

	"github.com/nats-io/nats.go"
)

const (
	SubjectConsume = "commands.consume"
	queueGroup     = "ledger_group"
)

// ConsumeReply is the response body sent back on the request's reply subject.
type ConsumeReply struct {
	OK     bool               `json:"ok"`
	Result *model.DebitResult `json:"result,omitempty"`
	Code   string             `json:"code,omitempty"`
	Error  string             `json:"error,omitempty"`
}

// Handler serves consume requests from generation workers over NATS
// request-reply. Replicas share the queue group so each request is
// debited by one of them.
type Handler struct {
	svc  service.LedgerService
	nc   *nats.Conn
	subs []*nats.Subscription
}

func NewHandler(svc service.LedgerService, nc *nats.Conn) *Handler {
	return &Handler{svc: svc, nc: nc}
}

// Start subscribes and blocks until ctx is cancelled.
func (h *Handler) Start(ctx context.Context) error {
	sub, err := h.nc.QueueSubscribe(SubjectConsume, queueGroup, func(m *nats.Msg) {
		reply := h.process(ctx, m.Data)
		if m.Reply == "" {
			return
		}
		data, err := json.Marshal(reply)
		if err != nil {
			slog.Error("nats: failed to marshal consume reply", "error", err)
			return
		}
		if err := m.Respond(data); err != nil {
			slog.Error("nats: failed to respond", "error", err)
		}
	})
	if err != nil {
		return err
	}
	h.subs = append(h.subs, sub)

	slog.Info("NATS command handler is running", "subject", SubjectConsume)

	<-ctx.Done()
	slog.Info("NATS command handler shutting down, draining subscriptions...")

	for _, s := range h.subs {
		_ = s.Drain()
	}
	return nil
}

func (h *Handler) Stop(ctx context.Context) error {
	for _, s := range h.subs {
		_ = s.Unsubscribe()
	}
	return nil
}

func (h *Handler) process(ctx context.Context, data []byte) ConsumeReply {
	var req model.DebitRequest
	if err := json.Unmarshal(data, &req); err != nil {
		slog.Error("nats: failed to unmarshal consume command", "error", err)
		return ConsumeReply{Code: "invalid_request", Error: "invalid json"}
	}
	if req.AccountID == "" {
		return ConsumeReply{Code: "invalid_request", Error: "account_id is required"}
	}

	res, err := h.svc.Debit(ctx, req)
	if err != nil {
		slog.Warn("nats: consume failed", "error", err, "account_id", req.AccountID, "reference_id", req.ReferenceID)
		return ConsumeReply{Code: errorCode(err), Error: err.Error()}
	}
	return ConsumeReply{OK: true, Result: res}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, model.ErrInsufficientCredits):
		return "insufficient_credits"
	case errors.Is(err, model.ErrAccountNotFound):
		return "account_not_found"
	case errors.Is(err, model.ErrInvalidAmount):
		return "invalid_request"
	case errors.Is(err, model.ErrReferenceConflict):
		return "reference_conflict"
	}
	return "internal"
}
