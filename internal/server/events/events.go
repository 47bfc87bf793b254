// Package events publishes account lifecycle notifications for other
// marketplace services (mailers, audit, CRM). Delivery is best-effort: a
// failed publish never fails the request that caused it.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectPrefix is prepended to every event type to form the NATS subject.
const SubjectPrefix = "estateauth."

// Event types.
const (
	UserRegistered      = "user.registered"
	UserLoggedIn        = "user.logged_in"
	UserPasswordChanged = "user.password_changed"
	UserStatusChanged   = "user.status_changed"
)

// Event is the JSON payload published for each account change.
type Event struct {
	Type       string    `json:"type"`
	UserID     string    `json:"userId"`
	Email      string    `json:"email"`
	Status     string    `json:"status,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop discards events. Used when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// NATSPublisher publishes events with core NATS.
type NATSPublisher struct {
	nc *nats.Conn
}

// ConnectNATS dials url. The connection reconnects in the background, so a
// broker restart only drops events published while it is away.
func ConnectNATS(url string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("estateauth"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSPublisher{nc: nc}, nil
}

// Publish sends e as JSON on its subject. Delivery is fire-and-forget.
func (p *NATSPublisher) Publish(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.nc.Publish(SubjectPrefix+e.Type, data); err != nil {
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}
	return nil
}

// Close flushes pending events and closes the connection.
func (p *NATSPublisher) Close() error {
	if p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}
