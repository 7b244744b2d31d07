package model

import "time"

// PaymentEventVersion is the schema version of PaymentEvent produced at the
// webhook boundary. Consumers reject envelopes with other versions.
const PaymentEventVersion = 1

// PaymentEventType enumerates the processor notifications the ledger reacts to.
type PaymentEventType string

const (
	EventCheckoutCompleted    PaymentEventType = "checkout.session.completed"
	EventSubscriptionCreated  PaymentEventType = "customer.subscription.created"
	EventSubscriptionUpdated  PaymentEventType = "customer.subscription.updated"
	EventSubscriptionDeleted  PaymentEventType = "customer.subscription.deleted"
	EventInvoicePaid          PaymentEventType = "invoice.payment_succeeded"
	EventInvoicePaymentFailed PaymentEventType = "invoice.payment_failed"
)

// PaymentEvent is the typed envelope every processor notification is
// translated into before it reaches the ledger.
type PaymentEvent struct {
	Version        int              `json:"version"`
	ID             string           `json:"id"`
	Type           PaymentEventType `json:"type"`
	OccurredAt     time.Time        `json:"occurred_at"`
	AccountID      string           `json:"account_id"`
	PlanID         string           `json:"plan_id,omitempty"`
	Mode           string           `json:"mode,omitempty"`
	ObjectID       string           `json:"object_id"`
	CustomerID     string           `json:"customer_id,omitempty"`
	SubscriptionID string           `json:"subscription_id,omitempty"`
	// Status is the canonical subscription state reported by the processor.
	Status    SubscriptionState `json:"status,omitempty"`
	PeriodEnd *time.Time        `json:"period_end,omitempty"`
	Paid      bool              `json:"paid"`
}

// LedgerEvent is published on the message bus after an entry commits.
type LedgerEvent struct {
	EntryID     string    `json:"entry_id"`
	AccountID   string    `json:"account_id"`
	Kind        EntryKind `json:"kind"`
	Delta       int64     `json:"delta"`
	Balances    Balances  `json:"balances"`
	ReferenceID string    `json:"reference_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// EventFromEntry builds the bus event for a committed entry.
func EventFromEntry(e *LedgerEntry) LedgerEvent {
	return LedgerEvent{
		EntryID:     e.ID,
		AccountID:   e.AccountID,
		Kind:        e.Kind,
		Delta:       e.Delta,
		Balances:    e.After,
		ReferenceID: e.ReferenceID,
		CreatedAt:   e.CreatedAt,
	}
}
