package engine

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"btcwatch/internal/market"
)

// Kind distinguishes absolute price rules from 24h change rules.
type Kind string

const (
	KindPrice  Kind = "price"
	KindChange Kind = "change"
)

// Comparison is the trigger direction of a price rule.
type Comparison string

const (
	Above Comparison = "above"
	Below Comparison = "below"
)

// Status is the acknowledgement state of a rule.
type Status string

const (
	StatusActive       Status = "active"
	StatusAcknowledged Status = "acknowledged"
)

// Supported quote currencies.
const (
	CurrencyUSD = "USD"
	CurrencyBRL = "BRL"
)

// ErrInvalidRule is wrapped by Rule.Validate failures.
var ErrInvalidRule = errors.New("invalid alert rule")

// Rule is a user-defined alert. It keeps firing every cycle while its
// predicate holds until the owner acknowledges it.
type Rule struct {
	ID          int64      `json:"id"`
	ChatID      string     `json:"chat_id"`
	Kind        Kind       `json:"type"`
	Currency    string     `json:"currency"`
	Comparison  Comparison `json:"comparison"`
	Value       float64    `json:"value"`
	Status      Status     `json:"status"`
	RetryCount  int        `json:"retry_count"`
	LastRetryAt *time.Time `json:"last_retry_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	TriggeredAt *time.Time `json:"triggered_at,omitempty"`
	AckedAt     *time.Time `json:"acked_at,omitempty"`
	Notes       string     `json:"notes,omitempty"`
}

// Validate checks the fields a user can set.
func (r Rule) Validate() error {
	if strings.TrimSpace(r.ChatID) == "" {
		return fmt.Errorf("%w: owner is required", ErrInvalidRule)
	}
	if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) || r.Value <= 0 {
		return fmt.Errorf("%w: value must be a positive number", ErrInvalidRule)
	}
	switch r.Kind {
	case KindPrice:
		if r.Comparison != Above && r.Comparison != Below {
			return fmt.Errorf("%w: comparison must be above or below", ErrInvalidRule)
		}
	case KindChange:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidRule, r.Kind)
	}
	if r.Currency != CurrencyUSD && r.Currency != CurrencyBRL {
		return fmt.Errorf("%w: currency must be USD or BRL", ErrInvalidRule)
	}
	return nil
}

// Active reports whether the rule is still evaluated.
func (r Rule) Active() bool {
	return r.Status == StatusActive
}

// Observe returns the value the rule compares against and whether that value
// is available in the snapshot.
func (r Rule) Observe(snap market.Snapshot) (float64, bool) {
	if !snap.HasUSD() {
		return 0, false
	}
	if r.Kind == KindChange {
		return snap.Price.Change24h, true
	}
	price := snap.PriceIn(r.Currency)
	return price, price > 0
}

// Matches evaluates the trigger predicate against an observed value.
// Equality fires for both comparisons.
func (r Rule) Matches(observed float64) bool {
	switch r.Kind {
	case KindPrice:
		if r.Comparison == Above {
			return observed >= r.Value
		}
		return observed <= r.Value
	case KindChange:
		return math.Abs(observed) >= r.Value
	default:
		return false
	}
}

// InferComparison picks the direction for a new price rule from the current
// quote: a target above the market waits for a rise, otherwise for a fall.
func InferComparison(target, current float64) Comparison {
	if target > current {
		return Above
	}
	return Below
}

// ParseCurrency normalises a user-supplied currency code.
func ParseCurrency(v string) (string, error) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "", CurrencyUSD, "$":
		return CurrencyUSD, nil
	case CurrencyBRL, "R$":
		return CurrencyBRL, nil
	default:
		return "", fmt.Errorf("%w: currency must be USD or BRL", ErrInvalidRule)
	}
}
