package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"actcredits/internal/metrics"
	"actcredits/internal/model"
	"actcredits/internal/service"
)

// Outcome tells the webhook endpoint what happened to a delivery.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
)

// Processor applies verified payment events to the ledger. Every balance
// change carries a reference derived from the Stripe object id, so replays
// and concurrent deliveries of the same event change nothing.
type Processor struct {
	svc     service.LedgerService
	metrics *metrics.Metrics
}

func NewProcessor(svc service.LedgerService, m *metrics.Metrics) *Processor {
	return &Processor{svc: svc, metrics: m}
}

func (p *Processor) Handle(ctx context.Context, ev model.PaymentEvent) (Outcome, error) {
	out, err := p.dispatch(ctx, ev)
	status := string(out)
	if err != nil {
		status = "error"
	}
	p.metrics.WebhookEvent(string(ev.Type), status)
	return out, err
}

func (p *Processor) dispatch(ctx context.Context, ev model.PaymentEvent) (Outcome, error) {
	if ev.Version != model.PaymentEventVersion {
		return OutcomeIgnored, fmt.Errorf("%w: envelope version %d", model.ErrUnsupportedEvent, ev.Version)
	}

	switch ev.Type {
	case model.EventCheckoutCompleted:
		return p.checkoutCompleted(ctx, ev)
	case model.EventSubscriptionCreated, model.EventSubscriptionUpdated, model.EventSubscriptionDeleted:
		return p.subscriptionChanged(ctx, ev)
	case model.EventInvoicePaid:
		return p.invoicePaid(ctx, ev)
	case model.EventInvoicePaymentFailed:
		slog.Warn("payments: invoice payment failed",
			"event_id", ev.ID,
			"invoice_id", ev.ObjectID,
			"customer_id", ev.CustomerID,
			"subscription_id", ev.SubscriptionID,
		)
		return OutcomeProcessed, nil
	}
	return OutcomeIgnored, nil
}

func (p *Processor) checkoutCompleted(ctx context.Context, ev model.PaymentEvent) (Outcome, error) {
	if ev.AccountID == "" {
		return OutcomeIgnored, fmt.Errorf("checkout session %s has no account reference", ev.ObjectID)
	}
	if _, err := p.svc.EnsureAccount(ctx, ev.AccountID, ""); err != nil {
		return OutcomeIgnored, err
	}
	if _, err := p.svc.LinkCustomer(ctx, ev.AccountID, ev.CustomerID, ev.SubscriptionID); err != nil {
		return OutcomeIgnored, fmt.Errorf("link customer: %w", err)
	}

	// Subscription credits arrive with the first paid invoice.
	if ev.Mode != "payment" {
		return OutcomeProcessed, nil
	}
	if !ev.Paid {
		slog.Info("payments: checkout completed without payment", "session_id", ev.ObjectID, "account_id", ev.AccountID)
		return OutcomeIgnored, nil
	}
	plan, err := p.svc.Plans().Lookup(ev.PlanID)
	if err != nil {
		return OutcomeIgnored, err
	}
	res, err := p.svc.Credit(ctx, model.CreditRequest{
		AccountID:   ev.AccountID,
		Amount:      plan.Credits,
		Kind:        model.KindPurchase,
		ReferenceID: "checkout:" + ev.ObjectID,
		Description: plan.Name,
	})
	if err != nil {
		return OutcomeIgnored, err
	}
	return outcomeOf(res), nil
}

func (p *Processor) subscriptionChanged(ctx context.Context, ev model.PaymentEvent) (Outcome, error) {
	acct, err := p.resolve(ctx, ev)
	if err != nil {
		return OutcomeIgnored, err
	}
	if _, err := p.svc.LinkCustomer(ctx, acct.ID, ev.CustomerID, ev.SubscriptionID); err != nil {
		return OutcomeIgnored, fmt.Errorf("link customer: %w", err)
	}

	switch {
	case ev.Type == model.EventSubscriptionDeleted:
		_, err = p.svc.Cancel(ctx, model.CancelRequest{AccountID: acct.ID, PeriodEnd: ev.PeriodEnd, OccurredAt: ev.OccurredAt})
	case ev.Status == model.StateCancelled:
		_, err = p.svc.Cancel(ctx, model.CancelRequest{AccountID: acct.ID, OccurredAt: ev.OccurredAt})
	case ev.Status == model.StateActive && ev.Type == model.EventSubscriptionUpdated:
		_, err = p.svc.Reactivate(ctx, acct.ID, ev.OccurredAt)
	}
	if err != nil {
		return OutcomeIgnored, err
	}
	return OutcomeProcessed, nil
}

func (p *Processor) invoicePaid(ctx context.Context, ev model.PaymentEvent) (Outcome, error) {
	if ev.SubscriptionID == "" {
		return OutcomeIgnored, nil
	}
	acct, err := p.resolve(ctx, ev)
	if err != nil {
		return OutcomeIgnored, err
	}
	req := model.RenewRequest{
		AccountID:   acct.ID,
		PlanID:      ev.PlanID,
		ReferenceID: "invoice:" + ev.ObjectID,
		OccurredAt:  ev.OccurredAt,
	}
	if req.PlanID == "" {
		req.PlanID = acct.PlanID
	}
	if ev.PeriodEnd != nil {
		req.PeriodEnd = *ev.PeriodEnd
	}
	res, err := p.svc.Renew(ctx, req)
	if err != nil {
		return OutcomeIgnored, err
	}
	return outcomeOf(res), nil
}

// resolve finds the account an event belongs to, by metadata first and by
// the Stripe customer otherwise. A miss is an error so Stripe redelivers
// once the checkout event has linked the customer.
func (p *Processor) resolve(ctx context.Context, ev model.PaymentEvent) (*model.Account, error) {
	if ev.AccountID != "" {
		return p.svc.EnsureAccount(ctx, ev.AccountID, "")
	}
	acct, err := p.svc.AccountByCustomer(ctx, ev.CustomerID)
	if errors.Is(err, model.ErrAccountNotFound) {
		return nil, fmt.Errorf("%w: no account for customer %q", err, ev.CustomerID)
	}
	return acct, err
}

func outcomeOf(res *model.MutationResult) Outcome {
	if res != nil && res.Duplicate {
		return OutcomeDuplicate
	}
	return OutcomeProcessed
}
