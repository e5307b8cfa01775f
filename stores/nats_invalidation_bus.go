package stores

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/oarkflow/propauthz"
	"github.com/oarkflow/propauthz/logger"
)

// DefaultInvalidationSubject is the NATS subject cache invalidations travel on.
const DefaultInvalidationSubject = "propauthz.invalidate"

// NATSInvalidationBus fans invalidation events out to every engine connected
// to the same NATS cluster.
type NATSInvalidationBus struct {
	nc      *nats.Conn
	subject string
	logger  logger.Logger
}

func NewNATSInvalidationBus(nc *nats.Conn, subject string, l logger.Logger) *NATSInvalidationBus {
	if subject == "" {
		subject = DefaultInvalidationSubject
	}
	if l == nil {
		l = logger.NewNullLogger()
	}
	return &NATSInvalidationBus{nc: nc, subject: subject, logger: l}
}

func (b *NATSInvalidationBus) Publish(ctx context.Context, ev propauthz.InvalidationEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode invalidation: %w", err)
	}
	if err := b.nc.Publish(b.subject, data); err != nil {
		return fmt.Errorf("publish invalidation: %w", err)
	}
	return nil
}

func (b *NATSInvalidationBus) Subscribe(sub propauthz.InvalidationSubscriber) (func(), error) {
	s, err := b.nc.Subscribe(b.subject, func(msg *nats.Msg) {
		var ev propauthz.InvalidationEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			b.logger.Error("malformed invalidation message", "subject", msg.Subject, "error", err)
			return
		}
		if err := sub.OnInvalidation(context.Background(), ev); err != nil {
			b.logger.Error("invalidation handler failed", "kind", string(ev.Kind), "id", ev.ID, "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", b.subject, err)
	}
	return func() { _ = s.Unsubscribe() }, nil
}
