package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kevin07696/recurring-billing/internal/domain"
	"github.com/kevin07696/recurring-billing/internal/domain/ports"
	"github.com/kevin07696/recurring-billing/pkg/observability"
	"github.com/kevin07696/recurring-billing/pkg/resilience"
)

const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderEventType = "X-Webhook-Event-Type"
	HeaderEventID   = "X-Webhook-ID"
	HeaderTimestamp = "X-Webhook-Timestamp"
)

// Config configures webhook delivery
type Config struct {
	// Backoff between attempts; WebhookBackoff when nil
	Backoff     resilience.BackoffStrategy
	URL         string
	Secret      string
	QueueSize   int
	MaxAttempts int
}

// Notifier delivers billing events to a single HTTP endpoint from a bounded
// in-memory queue. Emit never blocks: when the queue is full the event is dropped.
type Notifier struct {
	httpClient *http.Client
	logger     *zap.Logger
	backoff    resilience.BackoffStrategy
	queue      chan domain.Event
	stop       chan struct{}
	done       chan struct{}
	cfg        Config
	startOnce  sync.Once
	stopOnce   sync.Once
}

// NewNotifier creates a webhook notifier. Call Start to begin delivery.
func NewNotifier(cfg Config, httpClient *http.Client, logger *zap.Logger) *Notifier {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: 10 * time.Second,
		}
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	backoff := cfg.Backoff
	if backoff == nil {
		backoff = resilience.WebhookBackoff()
	}

	return &Notifier{
		httpClient: httpClient,
		logger:     logger,
		backoff:    backoff,
		queue:      make(chan domain.Event, cfg.QueueSize),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		cfg:        cfg,
	}
}

// Start launches the delivery worker
func (n *Notifier) Start(ctx context.Context) {
	n.startOnce.Do(func() {
		go n.run(context.WithoutCancel(ctx))
	})
}

// Emit enqueues an event for delivery
func (n *Notifier) Emit(_ context.Context, event domain.Event) {
	select {
	case <-n.stop:
		n.drop(event, "notifier stopped")
		return
	default:
	}

	select {
	case n.queue <- event:
	default:
		n.drop(event, "queue full")
	}
}

// Close stops accepting events and waits for queued events to be delivered
func (n *Notifier) Close(ctx context.Context) error {
	n.stopOnce.Do(func() { close(n.stop) })
	n.Start(ctx)

	select {
	case <-n.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("webhook queue not drained: %w", ctx.Err())
	}
}

func (n *Notifier) run(ctx context.Context) {
	defer close(n.done)

	for {
		select {
		case event := <-n.queue:
			n.deliverWithRetry(ctx, event)
		case <-n.stop:
			for {
				select {
				case event := <-n.queue:
					n.deliverWithRetry(ctx, event)
				default:
					return
				}
			}
		}
	}
}

func (n *Notifier) drop(event domain.Event, reason string) {
	observability.RecordWebhookDelivery(string(event.Type), "dropped", 0)
	n.logger.Warn("Dropping webhook event",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.String("reason", reason),
	)
}

func (n *Notifier) deliverWithRetry(ctx context.Context, event domain.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		n.logger.Error("Failed to marshal webhook event", zap.Error(err), zap.String("event_id", event.ID))
		return
	}

	start := time.Now()
	err = resilience.Retry(ctx, n.cfg.MaxAttempts, n.backoff, isRetryable, func(ctx context.Context, attempt int) error {
		err := n.deliver(ctx, event, payload)
		if err != nil {
			n.logger.Warn("Webhook delivery attempt failed",
				zap.String("event_id", event.ID),
				zap.String("event_type", string(event.Type)),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
		}
		return err
	})

	if err != nil {
		observability.RecordWebhookDelivery(string(event.Type), "failed", time.Since(start).Seconds())
		n.logger.Error("Webhook delivery failed",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.String("webhook_url", n.cfg.URL),
			zap.Error(err),
		)
		return
	}

	observability.RecordWebhookDelivery(string(event.Type), "success", time.Since(start).Seconds())
	n.logger.Debug("Webhook delivered successfully",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
	)
}

// statusError is a non-2xx response from the endpoint
type statusError struct {
	body       string
	statusCode int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.statusCode, e.body)
}

// isRetryable stops retrying on 4xx responses other than 408 and 429
func isRetryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.statusCode >= 500 ||
			se.statusCode == http.StatusTooManyRequests ||
			se.statusCode == http.StatusRequestTimeout
	}
	return true
}

func (n *Notifier) deliver(ctx context.Context, event domain.Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, Sign(payload, n.cfg.Secret))
	req.Header.Set(HeaderEventType, string(event.Type))
	req.Header.Set(HeaderEventID, event.ID)
	req.Header.Set(HeaderTimestamp, event.OccurredAt.Format(time.RFC3339))

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &statusError{statusCode: resp.StatusCode, body: string(body)}
}

// Sign creates the hex HMAC-SHA256 signature of payload
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

var _ ports.WebhookNotifier = (*Notifier)(nil)
