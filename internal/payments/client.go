// Package payments talks to Stripe: checkout creation, subscription
// cancellation and translation of signed webhook deliveries into
// model.PaymentEvent values.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"actcredits/internal/model"

	"github.com/cenkalti/backoff/v4"
	"github.com/stripe/stripe-go/v82"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/subscription"
)

// Metadata keys written on checkout sessions and subscriptions.
const (
	metaAccountID     = "account_id"
	metaPlan          = "plan"
	metaSchemaVersion = "schema_version"
)

type checkoutAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

type subscriptionAPI interface {
	Update(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error)
}

// CheckoutRequest asks for a hosted checkout page for one plan.
type CheckoutRequest struct {
	AccountID  string
	Email      string
	CustomerID string
	PlanID     string
	SuccessURL string
	CancelURL  string
}

type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Client wraps the Stripe API calls the service makes. Calls are retried with
// exponential backoff on network errors, rate limits and 5xx answers.
type Client struct {
	sessions      checkoutAPI
	subscriptions subscriptionAPI
	catalog       model.Catalog
	successURL    string
	cancelURL     string
	maxElapsed    time.Duration
}

func NewClient(secretKey string, catalog model.Catalog, successURL, cancelURL string) *Client {
	backend := stripe.GetBackend(stripe.APIBackend)
	return newClient(
		&checkoutsession.Client{B: backend, Key: secretKey},
		&subscription.Client{B: backend, Key: secretKey},
		catalog, successURL, cancelURL,
	)
}

func newClient(sessions checkoutAPI, subs subscriptionAPI, catalog model.Catalog, successURL, cancelURL string) *Client {
	return &Client{
		sessions:      sessions,
		subscriptions: subs,
		catalog:       catalog,
		successURL:    successURL,
		cancelURL:     cancelURL,
		maxElapsed:    20 * time.Second,
	}
}

// CreateCheckout opens a Stripe Checkout session for req.PlanID. Subscription
// plans use subscription mode; recharge packs use payment mode.
func (c *Client) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	plan, err := c.catalog.Lookup(req.PlanID)
	if err != nil {
		return nil, err
	}
	if plan.PriceID == "" {
		return nil, fmt.Errorf("%w: plan %q has no price configured", model.ErrUnknownPlan, plan.ID)
	}

	meta := map[string]string{
		metaAccountID:     req.AccountID,
		metaPlan:          plan.ID,
		metaSchemaVersion: strconv.Itoa(model.PaymentEventVersion),
	}
	params := &stripe.CheckoutSessionParams{
		ClientReferenceID: stripe.String(req.AccountID),
		SuccessURL:        stripe.String(firstNonEmpty(req.SuccessURL, c.successURL)),
		CancelURL:         stripe.String(firstNonEmpty(req.CancelURL, c.cancelURL)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(plan.PriceID), Quantity: stripe.Int64(1)},
		},
		Metadata: meta,
	}
	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	} else if req.Email != "" {
		params.CustomerEmail = stripe.String(req.Email)
	}
	if plan.Subscription {
		params.Mode = stripe.String(string(stripe.CheckoutSessionModeSubscription))
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{Metadata: meta}
	} else {
		params.Mode = stripe.String(string(stripe.CheckoutSessionModePayment))
		params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{Metadata: meta}
	}
	params.Context = ctx

	var sess *stripe.CheckoutSession
	err = c.retry(ctx, "create checkout session", func() error {
		var err error
		sess, err = c.sessions.New(params)
		return err
	})
	if err != nil {
		return nil, err
	}
	slog.Info("payments: checkout session created", "account_id", req.AccountID, "plan", plan.ID, "session_id", sess.ID)
	return &CheckoutSession{ID: sess.ID, URL: sess.URL}, nil
}

// CancelAtPeriodEnd asks Stripe to stop renewing the subscription. Credits
// stay usable until the period ends; the local state follows from the
// customer.subscription.updated webhook or from an explicit ledger Cancel.
func (c *Client) CancelAtPeriodEnd(ctx context.Context, subscriptionID string) (*time.Time, error) {
	params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(true)}
	params.Context = ctx

	var sub *stripe.Subscription
	err := c.retry(ctx, "cancel subscription", func() error {
		var err error
		sub, err = c.subscriptions.Update(subscriptionID, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return subscriptionPeriodEnd(sub), nil
}

func (c *Client) retry(ctx context.Context, op string, fn func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxElapsedTime = c.maxElapsed

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		err := fn()
		if err == nil || retryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
		slog.Warn("payments: stripe call failed, retrying", "op", op, "attempt", attempt, "wait", wait, "error", err)
	})
	if err == nil {
		return nil
	}
	if retryable(err) {
		return fmt.Errorf("%w: %s: %v", model.ErrUpstreamUnavailable, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// retryable treats anything that is not a definite 4xx answer from Stripe as transient.
func retryable(err error) bool {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return stripeErr.HTTPStatusCode == http.StatusTooManyRequests ||
			stripeErr.HTTPStatusCode >= http.StatusInternalServerError ||
			stripeErr.HTTPStatusCode == 0
	}
	return !errors.Is(err, context.Canceled)
}

func subscriptionPeriodEnd(sub *stripe.Subscription) *time.Time {
	if sub == nil || sub.Items == nil {
		return nil
	}
	for _, item := range sub.Items.Data {
		if item != nil && item.CurrentPeriodEnd > 0 {
			t := time.Unix(item.CurrentPeriodEnd, 0).UTC()
			return &t
		}
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
