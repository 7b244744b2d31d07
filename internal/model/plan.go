package model

import (
	"fmt"
	"sort"
	"time"
)

// Plan is a purchasable product: a recurring subscription or a one-time recharge pack.
type Plan struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Credits      int64         `json:"credits"`
	Subscription bool          `json:"subscription"`
	Period       time.Duration `json:"-"`
	AmountCents  int64         `json:"amount_cents"`
	Currency     string        `json:"currency"`
	PriceID      string        `json:"-"`
}

const (
	monthlyPeriod = 30 * 24 * time.Hour
	yearlyPeriod  = 365 * 24 * time.Hour
)

// Catalog maps plan ids to plans.
type Catalog struct {
	plans map[string]Plan
}

// DefaultCatalog returns the product line-up without Stripe price ids.
func DefaultCatalog() Catalog {
	plans := []Plan{
		{ID: "basic_monthly", Name: "Basic monthly", Credits: 1300, Subscription: true, Period: monthlyPeriod, AmountCents: 3990},
		{ID: "pro_monthly", Name: "Pro monthly", Credits: 4000, Subscription: true, Period: monthlyPeriod, AmountCents: 9990},
		{ID: "basic_yearly", Name: "Basic yearly", Credits: 20000, Subscription: true, Period: yearlyPeriod, AmountCents: 44280},
		{ID: "pro_yearly", Name: "Pro yearly", Credits: 50000, Subscription: true, Period: yearlyPeriod, AmountCents: 83880},
		{ID: "pack_1000", Name: "1000 credits", Credits: 1000, AmountCents: 3990},
		{ID: "pack_2000", Name: "2000 credits", Credits: 2000, AmountCents: 6990},
		{ID: "pack_3600", Name: "3600 credits", Credits: 3600, AmountCents: 9990},
	}
	c := Catalog{plans: make(map[string]Plan, len(plans))}
	for _, p := range plans {
		p.Currency = "usd"
		c.plans[p.ID] = p
	}
	return c
}

// WithPriceIDs returns a copy of c with Stripe price ids attached by plan id.
func (c Catalog) WithPriceIDs(prices map[string]string) Catalog {
	out := Catalog{plans: make(map[string]Plan, len(c.plans))}
	for id, p := range c.plans {
		if price, ok := prices[id]; ok {
			p.PriceID = price
		}
		out.plans[id] = p
	}
	return out
}

func (c Catalog) Lookup(id string) (Plan, error) {
	p, ok := c.plans[id]
	if !ok {
		return Plan{}, fmt.Errorf("%w: %q", ErrUnknownPlan, id)
	}
	return p, nil
}

// All returns the plans ordered by id.
func (c Catalog) All() []Plan {
	out := make([]Plan, 0, len(c.plans))
	for _, p := range c.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PeriodEnd computes the end of a billing period for p starting at start.
func (p Plan) PeriodEnd(start time.Time) time.Time {
	return start.Add(p.Period)
}

// ByPriceID finds the plan sold under a Stripe price id.
func (c Catalog) ByPriceID(priceID string) (Plan, error) {
	if priceID != "" {
		for _, p := range c.plans {
			if p.PriceID == priceID {
				return p, nil
			}
		}
	}
	return Plan{}, fmt.Errorf("%w: no plan for price %q", ErrUnknownPlan, priceID)
}
