package pricefeed

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"

	"github.com/atmx/hilo-engine/internal/events"
)

// tick is the wire format of a price message.
type tick struct {
	Price     decimal.Decimal `json:"price"`
	Timestamp int64           `json:"timestamp"` // unix millis
}

type subscriber interface {
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// NATSSource feeds a Tracker from a NATS subject and republishes every
// accepted tick as a price:update event.
type NATSSource struct {
	tracker *Tracker
	bus     events.Publisher
	sub     *nats.Subscription
}

// NewNATSSource creates a source updating tracker. bus may be nil.
func NewNATSSource(tracker *Tracker, bus events.Publisher) *NATSSource {
	return &NATSSource{tracker: tracker, bus: bus}
}

// Start subscribes to subject.
func (s *NATSSource) Start(nc subscriber, subject string) error {
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		if err := s.Handle(msg.Data); err != nil {
			slog.Warn("price tick rejected", "subject", subject, "err", err)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	s.sub = sub
	slog.Info("subscribed to price feed", "subject", subject)
	return nil
}

// Stop unsubscribes.
func (s *NATSSource) Stop() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}

// Handle decodes one tick and applies it.
func (s *NATSSource) Handle(data []byte) error {
	var t tick
	if err := json.Unmarshal(data, &t); err != nil {
		return fmt.Errorf("decode tick: %w", err)
	}
	q := Quote{Price: t.Price}
	if t.Timestamp > 0 {
		q.Timestamp = time.UnixMilli(t.Timestamp).UTC()
	}
	if !s.tracker.Update(q) {
		return fmt.Errorf("tick %s at %d not accepted", t.Price, t.Timestamp)
	}
	if s.bus != nil {
		latest, _ := s.tracker.Latest()
		s.bus.Publish(events.Event{
			Type: events.TypePriceUpdate,
			Data: events.PriceUpdate{Price: latest.Price, Timestamp: latest.Timestamp},
		})
	}
	return nil
}
