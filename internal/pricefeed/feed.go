// Package pricefeed provides the latest reference price to the round
// engine. The engine only ever pulls; it never waits for a tick.
package pricefeed

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Quote is one price observation.
type Quote struct {
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// Feed returns the latest usable quote, or false when the price is
// currently unavailable.
type Feed interface {
	Latest() (Quote, bool)
}

// Tracker keeps the most recent quote and treats it as unavailable once
// it is older than maxAge.
type Tracker struct {
	mu     sync.RWMutex
	quote  Quote
	has    bool
	maxAge time.Duration
	now    func() time.Time
}

// NewTracker creates a tracker. A zero maxAge disables the staleness check.
func NewTracker(maxAge time.Duration) *Tracker {
	return &Tracker{maxAge: maxAge, now: time.Now}
}

// Update records q if it is a positive price no older than the current
// quote. It reports whether q was accepted.
func (t *Tracker) Update(q Quote) bool {
	if !q.Price.IsPositive() {
		return false
	}
	if q.Timestamp.IsZero() {
		q.Timestamp = t.now()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.has && q.Timestamp.Before(t.quote.Timestamp) {
		return false
	}
	t.quote = q
	t.has = true
	return true
}

// Latest implements Feed.
func (t *Tracker) Latest() (Quote, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.has {
		return Quote{}, false
	}
	if t.maxAge > 0 && t.now().Sub(t.quote.Timestamp) > t.maxAge {
		return Quote{}, false
	}
	return t.quote, true
}
