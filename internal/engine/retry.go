package engine

import "time"

// RetryState is where a rule sits in its delivery budget.
type RetryState int

const (
	// Fresh rules have never been delivered.
	Fresh RetryState = iota
	// Retrying rules have been delivered fewer than MaxRetries times.
	Retrying
	// Exhausted rules are rate limited to one delivery per LongInterval.
	Exhausted
)

func (s RetryState) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Retrying:
		return "retrying"
	case Exhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// RetryPolicy bounds how often an unacknowledged rule is re-delivered.
type RetryPolicy struct {
	MaxRetries   int
	LongInterval time.Duration
}

// State classifies a rule's retry counters.
func (p RetryPolicy) State(r Rule) RetryState {
	switch {
	case r.RetryCount <= 0:
		return Fresh
	case r.RetryCount < p.MaxRetries:
		return Retrying
	default:
		return Exhausted
	}
}

// Allow reports whether a triggered rule may be delivered at now. Exhausted
// rules keep firing, but no more than once per LongInterval.
func (p RetryPolicy) Allow(r Rule, now time.Time) bool {
	if p.State(r) != Exhausted {
		return true
	}
	if r.LastRetryAt == nil {
		return true
	}
	return now.Sub(*r.LastRetryAt) >= p.LongInterval
}

// Advance is the delivery transition: it returns the rule as it looks after a
// successful send at now.
func Advance(r Rule, now time.Time) Rule {
	at := now
	r.RetryCount++
	r.LastRetryAt = &at
	r.TriggeredAt = &at
	return r
}
