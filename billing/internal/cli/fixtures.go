package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"gopkg.in/yaml.v3"
)

const fixtureAPIVersion = "2025-03-31.basil"

// Overrides customizes a generated event. Loaded from a YAML file:
//
//	id: evt_custom
//	created: 1735689600
//	object:
//	  client_reference_id: acct_42
//	  amount_total: 4900
type Overrides struct {
	ID       string                 `yaml:"id"`
	Created  int64                  `yaml:"created"`
	Livemode bool                   `yaml:"livemode"`
	Object   map[string]interface{} `yaml:"object"`
}

func loadOverrides(path string) (*Overrides, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture overrides: %w", err)
	}
	var o Overrides
	if err := yaml.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("parse fixture overrides: %w", err)
	}
	return &o, nil
}

// fixtureGenerator produces provider-shaped test events.
type fixtureGenerator struct {
	faker *gofakeit.Faker
	now   func() time.Time
}

func newFixtureGenerator(seed int64) *fixtureGenerator {
	return &fixtureGenerator{faker: gofakeit.New(seed), now: time.Now}
}

func (g *fixtureGenerator) id(prefix string) string {
	return prefix + "_test_" + strings.ToLower(g.faker.LetterN(24))
}

func (g *fixtureGenerator) currency() string {
	return g.faker.RandomString([]string{"usd", "eur", "gbp"})
}

func (g *fixtureGenerator) amount() int {
	return g.faker.Number(500, 50000)
}

// object builds the data.object for eventType.
func (g *fixtureGenerator) object(eventType string) map[string]interface{} {
	customer := g.id("cus")
	amount := g.amount()
	currency := g.currency()

	switch {
	case eventType == "checkout.session.completed":
		return map[string]interface{}{
			"id":                  g.id("cs"),
			"object":              "checkout.session",
			"amount_total":        amount,
			"currency":            currency,
			"customer":            customer,
			"customer_email":      g.faker.Email(),
			"client_reference_id": "acct_" + g.faker.UUID(),
			"payment_status":      "paid",
			"status":              "complete",
		}
	case strings.HasPrefix(eventType, "payment_intent."):
		status, received := "succeeded", amount
		if eventType != "payment_intent.succeeded" {
			status, received = "requires_payment_method", 0
		}
		return map[string]interface{}{
			"id":              g.id("pi"),
			"object":          "payment_intent",
			"amount":          amount,
			"amount_received": received,
			"currency":        currency,
			"customer":        customer,
			"status":          status,
		}
	case eventType == "charge.refunded":
		return map[string]interface{}{
			"id":              g.id("ch"),
			"object":          "charge",
			"amount":          amount,
			"amount_refunded": amount,
			"currency":        currency,
			"customer":        customer,
			"refunded":        true,
		}
	case strings.HasPrefix(eventType, "invoice."):
		status, paid := "paid", amount
		if eventType == "invoice.payment_failed" {
			status, paid = "open", 0
		}
		return map[string]interface{}{
			"id":          g.id("in"),
			"object":      "invoice",
			"amount_due":  amount,
			"amount_paid": paid,
			"currency":    currency,
			"customer":    customer,
			"status":      status,
		}
	case strings.HasPrefix(eventType, "customer.subscription."):
		status := "active"
		if eventType == "customer.subscription.deleted" {
			status = "canceled"
		}
		return map[string]interface{}{
			"id":       g.id("sub"),
			"object":   "subscription",
			"customer": customer,
			"status":   status,
		}
	default:
		return map[string]interface{}{
			"id": g.id("obj"),
		}
	}
}

// Build returns the JSON body of a provider event of eventType.
func (g *fixtureGenerator) Build(eventType string, overrides *Overrides) ([]byte, error) {
	if eventType == "" {
		return nil, fmt.Errorf("event type is required")
	}

	obj := g.object(eventType)
	evt := map[string]interface{}{
		"id":          g.id("evt"),
		"object":      "event",
		"type":        eventType,
		"api_version": fixtureAPIVersion,
		"created":     g.now().Unix(),
		"livemode":    false,
	}

	if overrides != nil {
		for k, v := range overrides.Object {
			obj[k] = v
		}
		if overrides.ID != "" {
			evt["id"] = overrides.ID
		}
		if overrides.Created > 0 {
			evt["created"] = overrides.Created
		}
		evt["livemode"] = overrides.Livemode
	}
	evt["data"] = map[string]interface{}{"object": obj}

	body, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode fixture: %w", err)
	}
	return body, nil
}
