// Package nats carries cluster fan-out envelopes over a NATS subject. It is
// the alternative to the Redis pub/sub bus for deployments that already run
// NATS; it has no presence directory of its own.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pscheid92/relay/internal/adapter/metrics"
	"github.com/pscheid92/relay/internal/domain"
)

const (
	backendName   = "nats"
	fanoutSubject = "relay.fanout"
	// pending bounds the envelopes buffered between the NATS reader and fn.
	pending = 1024
)

type Bus struct {
	conn    *nats.Conn
	subject string
	metrics *metrics.BusMetrics
}

var _ domain.Bus = (*Bus)(nil)

// Connect dials url and returns a bus that owns the connection. name shows
// up in the server's connection list.
func Connect(url, name string, busMetrics *metrics.BusMetrics) (*Bus, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.Timeout(5*time.Second),
		nats.DrainTimeout(10*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			slog.Error("NATS async error", "subject", subjectOf(sub), "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &Bus{conn: conn, subject: fanoutSubject, metrics: busMetrics}, nil
}

func (b *Bus) Publish(_ context.Context, env domain.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := b.conn.Publish(b.subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", b.subject, err)
	}
	return nil
}

// Run subscribes and hands every envelope to fn until ctx is done.
func (b *Bus) Run(ctx context.Context, fn func(ctx context.Context, env domain.Envelope)) error {
	msgs := make(chan *nats.Msg, pending)
	sub, err := b.conn.ChanSubscribe(b.subject, msgs)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", b.subject, err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	// the subscription is live at the server once the flush round trip is done
	if err := b.conn.FlushWithContext(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("flush subscription: %w", err)
	}
	slog.InfoContext(ctx, "Bus subscribed", "backend", backendName, "subject", b.subject)

	for {
		select {
		case msg := <-msgs:
			var env domain.Envelope
			if err := json.Unmarshal(msg.Data, &env); err != nil {
				b.metrics.OnDecodeError(backendName)
				slog.WarnContext(ctx, "Dropping undecodable envelope", "backend", backendName, "error", err)
				continue
			}
			fn(ctx, env)
		case <-ctx.Done():
			return nil
		}
	}
}

// Ping checks the connection for readiness checks.
func (b *Bus) Ping(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("nats not connected: %s", b.conn.Status())
	}
	return b.conn.FlushWithContext(ctx)
}

// Close drains pending messages and closes the connection.
func (b *Bus) Close() error {
	if err := b.conn.Drain(); err != nil {
		return fmt.Errorf("drain nats: %w", err)
	}
	return nil
}

func subjectOf(sub *nats.Subscription) string {
	if sub == nil {
		return ""
	}
	return sub.Subject
}
