package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	natsio "github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/kevin07696/recurring-billing/internal/domain"
	"github.com/kevin07696/recurring-billing/internal/domain/ports"
	"github.com/kevin07696/recurring-billing/pkg/resilience"
)

// DefaultSubjectPrefix is prepended to event types ("billing.invoice.payment_failed")
const DefaultSubjectPrefix = "billing"

// msgPublisher is the subset of *nats.Conn the publisher needs
type msgPublisher interface {
	PublishMsg(msg *natsio.Msg) error
}

// Publisher emits billing events onto NATS subjects
type Publisher struct {
	conn   msgPublisher
	logger *zap.Logger
	prefix string
}

// Connect dials NATS, retrying with backoff while the broker comes up
func Connect(ctx context.Context, url, name string, logger *zap.Logger) (*natsio.Conn, error) {
	var conn *natsio.Conn
	err := resilience.Retry(ctx, 5, resilience.ConnectBackoff(), nil, func(ctx context.Context, attempt int) error {
		var err error
		conn, err = natsio.Connect(url,
			natsio.Name(name),
			natsio.Timeout(5*time.Second),
			natsio.MaxReconnects(-1),
			natsio.DisconnectErrHandler(func(_ *natsio.Conn, err error) {
				if err != nil {
					logger.Warn("NATS disconnected", zap.Error(err))
				}
			}),
			natsio.ReconnectHandler(func(c *natsio.Conn) {
				logger.Info("NATS reconnected", zap.String("url", c.ConnectedUrl()))
			}),
		)
		if err != nil {
			logger.Warn("NATS connect attempt failed", zap.Int("attempt", attempt+1), zap.Error(err))
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}

	logger.Info("NATS connected", zap.String("url", conn.ConnectedUrl()))
	return conn, nil
}

// NewPublisher creates a publisher on an established connection
func NewPublisher(conn *natsio.Conn, prefix string, logger *zap.Logger) *Publisher {
	return newPublisher(conn, prefix, logger)
}

func newPublisher(conn msgPublisher, prefix string, logger *zap.Logger) *Publisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Publisher{conn: conn, logger: logger, prefix: prefix}
}

// Subject returns the subject an event type is published on
func (p *Publisher) Subject(eventType domain.EventType) string {
	return p.prefix + "." + string(eventType)
}

// Emit publishes the event. Publishing is buffered by the client, so this
// never waits on the broker; failures are logged.
func (p *Publisher) Emit(_ context.Context, event domain.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("Failed to marshal event", zap.String("event_id", event.ID), zap.Error(err))
		return
	}

	msg := natsio.NewMsg(p.Subject(event.Type))
	msg.Data = data
	// JetStream deduplicates on this header
	msg.Header.Set(natsio.MsgIdHdr, event.ID)

	if err := p.conn.PublishMsg(msg); err != nil {
		p.logger.Error("Failed to publish event to NATS",
			zap.String("subject", msg.Subject),
			zap.String("event_id", event.ID),
			zap.Error(err),
		)
		return
	}

	p.logger.Debug("Event published to NATS", zap.String("subject", msg.Subject), zap.String("event_id", event.ID))
}

var _ ports.WebhookNotifier = (*Publisher)(nil)
