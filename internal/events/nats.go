package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// ConnectNATS opens a core NATS connection with reconnect handling.
func ConnectNATS(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Error("nats disconnected", "err", err)
			} else {
				slog.Warn("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("nats reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			slog.Error("nats async error", "subject", subject, "err", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

// natsConn is the subset of *nats.Conn the forwarder needs.
type natsConn interface {
	Publish(subject string, data []byte) error
}

// NATSForwarder republishes bus events to NATS. Public events go to
// <prefix>.round.<type>, private events to <prefix>.user.<userID>.<type>.
type NATSForwarder struct {
	nc     natsConn
	prefix string
}

// NewNATSForwarder creates a forwarder publishing under prefix.
func NewNATSForwarder(nc natsConn, prefix string) *NATSForwarder {
	return &NATSForwarder{nc: nc, prefix: prefix}
}

// Run forwards events from source until ctx is cancelled or source is
// closed. Publish failures are logged and skipped.
func (f *NATSForwarder) Run(ctx context.Context, source <-chan Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-source:
			if !ok {
				return nil
			}
			if err := f.forward(ev); err != nil {
				slog.Warn("nats forward failed", "type", ev.Type, "err", err)
			}
		}
	}
}

func (f *NATSForwarder) forward(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return f.nc.Publish(f.Subject(ev), data)
}

// Subject returns the NATS subject an event is published on.
func (f *NATSForwarder) Subject(ev Event) string {
	kind := subjectToken(ev.Type)
	if ev.Private() {
		return fmt.Sprintf("%s.user.%s.%s", f.prefix, subjectToken(ev.UserID), kind)
	}
	return fmt.Sprintf("%s.round.%s", f.prefix, kind)
}

// subjectToken makes s safe as a single NATS subject token.
func subjectToken(s string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", ":", "_").Replace(s)
}
