// Package events fans round lifecycle notifications out to subscribers.
// Delivery is at-most-once per connected subscriber: a subscriber whose
// buffer is full misses the event, and nothing is replayed.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/hilo-engine/internal/metrics"
	"github.com/atmx/hilo-engine/internal/model"
)

// Event types.
const (
	TypeRoundStart     = "round:start"
	TypeRoundLocked    = "round:locked"
	TypeRoundResult    = "round:result"
	TypeBalanceUpdate  = "balance:update"
	TypeUserSettlement = "round:user-settlement"
	TypePriceUpdate    = "price:update"
	TypeBetPlaced      = "bet:placed"
)

// Event is one notification. A non-empty UserID makes it private to that
// user; subscribers must never deliver it to anyone else.
type Event struct {
	Type   string    `json:"type"`
	UserID string    `json:"-"`
	Data   any       `json:"data"`
	Time   time.Time `json:"time"`
}

// Private reports whether the event is addressed to one user.
func (e Event) Private() bool { return e.UserID != "" }

// Publisher accepts events for fan-out.
type Publisher interface {
	Publish(ev Event)
}

// RoundLocked is the payload of round:locked.
type RoundLocked struct {
	RoundID     int64             `json:"round_id"`
	LockedPrice *decimal.Decimal  `json:"locked_price"`
	BonusSlots  []model.BonusSlot `json:"bonus_slots"`
	BonusFactor decimal.Decimal   `json:"bonus_factor"`
}

// RoundResult is the payload of round:result. It carries only public stats.
type RoundResult struct {
	RoundID     int64             `json:"round_id"`
	LockedPrice *decimal.Decimal  `json:"locked_price"`
	FinalPrice  *decimal.Decimal  `json:"final_price"`
	DigitResult *string           `json:"digit_result"`
	DigitSum    *int              `json:"digit_sum"`
	WinningSide *model.Side       `json:"winning_side"`
	Stats       model.PublicStats `json:"stats"`
}

// BalanceUpdate is the payload of balance:update.
type BalanceUpdate struct {
	Balance  decimal.Decimal `json:"balance"`
	Currency string          `json:"currency,omitempty"`
}

// UserSettlement is the payload of round:user-settlement.
type UserSettlement struct {
	RoundID int64           `json:"round_id"`
	Stake   decimal.Decimal `json:"stake"`
	Payout  decimal.Decimal `json:"payout"`
	Bets    []model.Bet     `json:"bets"`
}

// PriceUpdate is the payload of price:update.
type PriceUpdate struct {
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// BetPlaced is the payload of bet:placed.
type BetPlaced struct {
	Bet     model.Bet       `json:"bet"`
	Balance decimal.Decimal `json:"balance"`
}

type subscriber struct {
	name string
	ch   chan Event
}

// Bus is an in-process publish/subscribe channel. Publish never blocks.
type Bus struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*subscriber]struct{})}
}

// Subscribe registers a subscriber with the given buffer size. The
// returned cancel function unsubscribes and closes the channel.
func (b *Bus) Subscribe(name string, buffer int) (<-chan Event, func()) {
	s := &subscriber{name: name, ch: make(chan Event, buffer)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

// Publish delivers ev to every subscriber with room in its buffer.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			metrics.EventsDropped.WithLabelValues(s.name).Inc()
			slog.Warn("event dropped", "subscriber", s.name, "type", ev.Type)
		}
	}
}
