package webhook_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kevin07696/recurring-billing/internal/adapters/webhook"
	"github.com/kevin07696/recurring-billing/internal/domain"
)

type noBackoff struct{}

func (noBackoff) NextDelay(int) time.Duration { return time.Millisecond }

func testEvent() domain.Event {
	return domain.NewEvent(domain.EventInvoicePaymentSucceeded,
		time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		map[string]interface{}{"invoice_id": "in_1"})
}

func TestNotifier_DeliversSignedEvent(t *testing.T) {
	var (
		mu       sync.Mutex
		body     []byte
		headers  http.Header
		received = make(chan struct{}, 1)
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		body, _ = io.ReadAll(r.Body)
		headers = r.Header.Clone()
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
		received <- struct{}{}
	}))
	defer server.Close()

	n := webhook.NewNotifier(webhook.Config{
		URL:     server.URL,
		Secret:  "whsec_test",
		Backoff: noBackoff{},
	}, server.Client(), zap.NewNop())
	n.Start(context.Background())

	event := testEvent()
	n.Emit(context.Background(), event)

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("webhook not delivered")
	}
	require.NoError(t, n.Close(context.Background()))

	mu.Lock()
	defer mu.Unlock()

	assert.Equal(t, webhook.Sign(body, "whsec_test"), headers.Get(webhook.HeaderSignature))
	assert.Equal(t, string(domain.EventInvoicePaymentSucceeded), headers.Get(webhook.HeaderEventType))
	assert.Equal(t, event.ID, headers.Get(webhook.HeaderEventID))

	var decoded domain.Event
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, event.ID, decoded.ID)
	assert.Equal(t, "in_1", decoded.Data["invoice_id"])
}

func TestNotifier_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := webhook.NewNotifier(webhook.Config{
		URL:         server.URL,
		Secret:      "s",
		MaxAttempts: 5,
		Backoff:     noBackoff{},
	}, server.Client(), zap.NewNop())
	n.Start(context.Background())

	n.Emit(context.Background(), testEvent())
	require.NoError(t, n.Close(context.Background()))

	assert.Equal(t, int32(3), calls.Load())
}

func TestNotifier_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	n := webhook.NewNotifier(webhook.Config{
		URL:         server.URL,
		MaxAttempts: 5,
		Backoff:     noBackoff{},
	}, server.Client(), zap.NewNop())
	n.Start(context.Background())

	n.Emit(context.Background(), testEvent())
	require.NoError(t, n.Close(context.Background()))

	assert.Equal(t, int32(1), calls.Load())
}

func TestNotifier_EmitNeverBlocks(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := webhook.NewNotifier(webhook.Config{
		URL:       server.URL,
		QueueSize: 1,
		Backoff:   noBackoff{},
	}, server.Client(), zap.NewNop())
	n.Start(context.Background())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			n.Emit(context.Background(), testEvent())
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a full queue")
	}

	close(release)
	require.NoError(t, n.Close(context.Background()))
	// one in flight plus at most one queued
	assert.LessOrEqual(t, calls.Load(), int32(2))
}

func TestNotifier_EmitAfterCloseIsDropped(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := webhook.NewNotifier(webhook.Config{URL: server.URL}, server.Client(), zap.NewNop())
	require.NoError(t, n.Close(context.Background()))

	n.Emit(context.Background(), testEvent())
	assert.Equal(t, int32(0), calls.Load())
}
