// Package budget centralizes every timeout used by the sync engine.
//
// Timeouts here compose: an outer bound always wraps one or more inner
// bounded operations, and the outer value must exceed the sum of the inner
// values it wraps plus a buffer. An inconsistent sum makes the outer layer
// abort work the inner layer would have finished, which shows up as
// spurious send failures and phantom fetch errors. Validate enforces the
// ordering for every known chain.
package budget

import (
	"fmt"
	"time"
)

// Budget holds the engine-wide timeout values.
type Budget struct {
	// TokenWait bounds the best-effort token accessor, including the wait
	// on an in-flight refresh.
	TokenWait time.Duration

	// RefreshRequest bounds a single refresh round-trip (per strategy).
	RefreshRequest time.Duration

	// Request bounds a single REST round-trip to the message service.
	Request time.Duration

	// Send bounds one outbox send attempt end to end:
	// token acquisition + request + buffer.
	Send time.Duration

	// PushFetch bounds the push fallback fetch-by-id.
	PushFetch time.Duration

	// PushIngest bounds the whole push ingestion of one event:
	// token acquisition + fetch-by-id + fetch-since + buffer.
	PushIngest time.Duration

	// DeltaSync bounds one fetch-since backfill pass:
	// token acquisition + request + buffer.
	DeltaSync time.Duration

	// ReadSync bounds one background read-state round-trip:
	// token acquisition + request + buffer.
	ReadSync time.Duration

	// Buffer is the slack each composed chain must keep on top of the sum
	// of its parts.
	Buffer time.Duration
}

// Default returns the budget used in production.
func Default() Budget {
	return Budget{
		TokenWait:      5 * time.Second,
		RefreshRequest: 10 * time.Second,
		Request:        10 * time.Second,
		Send:           20 * time.Second,
		PushFetch:      6 * time.Second,
		PushIngest:     25 * time.Second,
		DeltaSync:      20 * time.Second,
		ReadSync:       20 * time.Second,
		Buffer:         2 * time.Second,
	}
}

// Chain is one outer timeout together with the inner timeouts it wraps.
type Chain struct {
	Name  string
	Outer time.Duration
	Inner []time.Duration
}

// Chains enumerates every nested-timeout chain in the engine. New composed
// timeouts must be registered here so Validate keeps covering them.
func (b Budget) Chains() []Chain {
	return []Chain{
		{Name: "outbox send", Outer: b.Send, Inner: []time.Duration{b.TokenWait, b.Request}},
		{Name: "push ingest", Outer: b.PushIngest, Inner: []time.Duration{b.TokenWait, b.PushFetch, b.Request}},
		{Name: "delta sync", Outer: b.DeltaSync, Inner: []time.Duration{b.TokenWait, b.Request}},
		{Name: "read sync", Outer: b.ReadSync, Inner: []time.Duration{b.TokenWait, b.Request}},
	}
}

// Validate checks that every outer timeout strictly exceeds the sum of the
// inner timeouts it wraps plus the buffer. The engine refuses to start on a
// violated budget.
func (b Budget) Validate() error {
	if b.Buffer <= 0 {
		return fmt.Errorf("budget: buffer must be positive, got %v", b.Buffer)
	}
	for _, c := range b.Chains() {
		var sum time.Duration
		for _, d := range c.Inner {
			if d <= 0 {
				return fmt.Errorf("budget: %s has non-positive inner timeout %v", c.Name, d)
			}
			sum += d
		}
		if c.Outer <= sum+b.Buffer {
			return fmt.Errorf("budget: %s outer timeout %v does not exceed inner sum %v + buffer %v",
				c.Name, c.Outer, sum, b.Buffer)
		}
	}
	return nil
}
