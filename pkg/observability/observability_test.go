package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kevin07696/recurring-billing/internal/domain/ports"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestHealthChecker(t *testing.T) {
	t.Run("healthy when every check passes", func(t *testing.T) {
		hc := NewHealthChecker()
		hc.Register("database", func(ctx context.Context) error { return nil })
		hc.Register("redis", func(ctx context.Context) error { return nil })

		status := hc.Check(context.Background())
		assert.Equal(t, "healthy", status.Status)
		assert.Equal(t, "healthy", status.Checks["database"])
		assert.Equal(t, "healthy", status.Checks["redis"])
	})

	t.Run("unhealthy returns 503", func(t *testing.T) {
		hc := NewHealthChecker()
		hc.Register("database", func(ctx context.Context) error { return errors.New("connection refused") })

		rec := httptest.NewRecorder()
		hc.HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

		var body HealthStatus
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.Equal(t, "unhealthy", body.Status)
		assert.Contains(t, body.Checks["database"], "connection refused")
	})
}

func TestNewOpsServer_Routes(t *testing.T) {
	extra := map[string]http.Handler{
		"/cron/billing": http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusAccepted)
		}),
	}
	server := NewOpsServer("0", NewHealthChecker(), extra)

	tests := []struct {
		path string
		code int
	}{
		{"/ready", http.StatusOK},
		{"/health", http.StatusOK},
		{"/metrics", http.StatusOK},
		{"/cron/billing", http.StatusAccepted},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.code, rec.Code)
		})
	}
}

func TestZapLogger_ConvertsFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewZapLogger(zap.New(core))

	logger.Warn("charge failed",
		ports.String("subscription_id", "sub_1"),
		ports.Int("attempt", 2),
		ports.Err(errors.New("card_declined")),
	)

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "charge failed", entries[0].Message)

	fields := entries[0].ContextMap()
	assert.Equal(t, "sub_1", fields["subscription_id"])
	assert.EqualValues(t, 2, fields["attempt"])
	assert.Equal(t, "card_declined", fields["error"])
}

func TestNewZap(t *testing.T) {
	logger, err := NewZap("production", "warn")
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))

	_, err = NewZap("production", "loud")
	assert.Error(t, err)
}

func TestUnaryServerInterceptor_RecordsCode(t *testing.T) {
	intercept := UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	_, err := intercept(context.Background(), nil, info, func(ctx context.Context, req any) (any, error) {
		return nil, status.Error(codes.NotFound, "unknown service")
	})
	require.Error(t, err)

	assert.GreaterOrEqual(t, testutil.CollectAndCount(grpcHandled, "grpc_server_handled_seconds"), 1)
}
