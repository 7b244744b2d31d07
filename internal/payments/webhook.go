package payments

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"actcredits/internal/model"

	"github.com/stripe/stripe-go/v82/webhook"
)

// Verifier checks Stripe-Signature headers and turns the verified payload
// into a versioned model.PaymentEvent. Nothing past this type sees Stripe's
// raw JSON.
type Verifier struct {
	secret  string
	catalog model.Catalog
}

func NewVerifier(secret string, catalog model.Catalog) *Verifier {
	return &Verifier{secret: secret, catalog: catalog}
}

// Parse verifies payload against the signature header and translates it.
// Event types the ledger does not react to yield model.ErrUnsupportedEvent
// together with the envelope header for logging.
func (v *Verifier) Parse(payload []byte, signature string) (model.PaymentEvent, error) {
	if v.secret == "" || signature == "" {
		return model.PaymentEvent{}, model.ErrSignatureInvalid
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, v.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return model.PaymentEvent{}, fmt.Errorf("%w: %v", model.ErrSignatureInvalid, err)
	}

	ev := model.PaymentEvent{
		Version:    model.PaymentEventVersion,
		ID:         event.ID,
		Type:       model.PaymentEventType(event.Type),
		OccurredAt: time.Unix(event.Created, 0).UTC(),
	}
	if event.Data == nil {
		return ev, fmt.Errorf("%w: %s has no data", model.ErrUnsupportedEvent, event.Type)
	}

	var meta map[string]string
	switch ev.Type {
	case model.EventCheckoutCompleted:
		var s checkoutSession
		if err := json.Unmarshal(event.Data.Raw, &s); err != nil {
			return ev, fmt.Errorf("decode checkout session: %w", err)
		}
		meta = v.fromCheckout(&ev, s)
	case model.EventSubscriptionCreated, model.EventSubscriptionUpdated, model.EventSubscriptionDeleted:
		var s stripeSubscription
		if err := json.Unmarshal(event.Data.Raw, &s); err != nil {
			return ev, fmt.Errorf("decode subscription: %w", err)
		}
		meta = v.fromSubscription(&ev, s)
	case model.EventInvoicePaid, model.EventInvoicePaymentFailed:
		var inv invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return ev, fmt.Errorf("decode invoice: %w", err)
		}
		meta = v.fromInvoice(&ev, inv)
	default:
		return ev, fmt.Errorf("%w: %s", model.ErrUnsupportedEvent, event.Type)
	}

	if raw := meta[metaSchemaVersion]; raw != "" {
		if n, err := strconv.Atoi(raw); err != nil || n != model.PaymentEventVersion {
			return ev, fmt.Errorf("%w: metadata schema version %q", model.ErrUnsupportedEvent, raw)
		}
	}
	return ev, nil
}

type checkoutSession struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	PaymentStatus     string            `json:"payment_status"`
	Customer          string            `json:"customer"`
	Subscription      string            `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

type stripeSubscription struct {
	ID                string `json:"id"`
	Customer          string `json:"customer"`
	Status            string `json:"status"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
	// Older API versions report the period on the subscription itself.
	CurrentPeriodEnd int64 `json:"current_period_end"`
	EndedAt          int64 `json:"ended_at"`
	Items            struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
			Price            struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

type invoice struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
	Status   string `json:"status"`
	// Subscription and SubscriptionDetails are the pre-2025 locations; Parent
	// carries them on current API versions.
	Subscription        string `json:"subscription"`
	SubscriptionDetails struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"subscription_details"`
	Parent struct {
		SubscriptionDetails struct {
			Subscription string            `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Period struct {
				End int64 `json:"end"`
			} `json:"period"`
			Price *struct {
				ID string `json:"id"`
			} `json:"price"`
			Pricing *struct {
				PriceDetails struct {
					Price string `json:"price"`
				} `json:"price_details"`
			} `json:"pricing"`
		} `json:"data"`
	} `json:"lines"`
}

func (v *Verifier) fromCheckout(ev *model.PaymentEvent, s checkoutSession) map[string]string {
	ev.ObjectID = s.ID
	ev.Mode = s.Mode
	ev.CustomerID = s.Customer
	ev.SubscriptionID = s.Subscription
	ev.AccountID = firstNonEmpty(s.Metadata[metaAccountID], s.ClientReferenceID)
	ev.PlanID = s.Metadata[metaPlan]
	ev.Paid = s.PaymentStatus == "paid" || s.PaymentStatus == "no_payment_required"
	return s.Metadata
}

func (v *Verifier) fromSubscription(ev *model.PaymentEvent, s stripeSubscription) map[string]string {
	ev.ObjectID = s.ID
	ev.CustomerID = s.Customer
	ev.SubscriptionID = s.ID
	ev.AccountID = s.Metadata[metaAccountID]
	ev.Status = CanonicalState(s.Status, s.CancelAtPeriodEnd)

	end := s.CurrentPeriodEnd
	var priceID string
	for _, item := range s.Items.Data {
		if end == 0 {
			end = item.CurrentPeriodEnd
		}
		if priceID == "" {
			priceID = item.Price.ID
		}
	}
	if ev.Type == model.EventSubscriptionDeleted && s.EndedAt > 0 {
		end = s.EndedAt
	}
	ev.PeriodEnd = unixPtr(end)
	ev.PlanID = v.planFor(s.Metadata[metaPlan], priceID)
	return s.Metadata
}

func (v *Verifier) fromInvoice(ev *model.PaymentEvent, inv invoice) map[string]string {
	meta := inv.Parent.SubscriptionDetails.Metadata
	if len(meta) == 0 {
		meta = inv.SubscriptionDetails.Metadata
	}
	ev.ObjectID = inv.ID
	ev.CustomerID = inv.Customer
	ev.SubscriptionID = firstNonEmpty(inv.Parent.SubscriptionDetails.Subscription, inv.Subscription)
	ev.AccountID = meta[metaAccountID]
	ev.Paid = ev.Type == model.EventInvoicePaid

	var end int64
	var priceID string
	for _, line := range inv.Lines.Data {
		if line.Period.End > end {
			end = line.Period.End
		}
		if priceID == "" && line.Pricing != nil {
			priceID = line.Pricing.PriceDetails.Price
		}
		if priceID == "" && line.Price != nil {
			priceID = line.Price.ID
		}
	}
	ev.PeriodEnd = unixPtr(end)
	ev.PlanID = v.planFor(meta[metaPlan], priceID)
	return meta
}

// planFor prefers the plan named in metadata and falls back to the price.
func (v *Verifier) planFor(metaPlan, priceID string) string {
	if metaPlan != "" {
		return metaPlan
	}
	if p, err := v.catalog.ByPriceID(priceID); err == nil {
		return p.ID
	}
	return ""
}

// CanonicalState maps a Stripe subscription status to the ledger's state.
// past_due stays active: Stripe is still retrying and deletes the
// subscription once retries are exhausted.
func CanonicalState(status string, cancelAtPeriodEnd bool) model.SubscriptionState {
	switch status {
	case "active", "trialing", "past_due":
		if cancelAtPeriodEnd {
			return model.StateCancelled
		}
		return model.StateActive
	case "canceled", "unpaid", "incomplete_expired", "paused":
		return model.StateCancelled
	}
	return model.StateNone
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
