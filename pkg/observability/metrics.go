package observability

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// grpcHandled doubles as a request counter through its _count series
var grpcHandled = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "grpc_server_handled_seconds",
	Help:    "Latency of handled gRPC calls by method and status code",
	Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
}, []string{"method", "code"})

func observeGRPC(method string, since time.Time, err error) {
	grpcHandled.WithLabelValues(method, status.Code(err).String()).Observe(time.Since(since).Seconds())
}

// UnaryServerInterceptor times unary calls such as health Check
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		began := time.Now()
		resp, err := next(ctx, req)
		observeGRPC(info.FullMethod, began, err)
		return resp, err
	}
}

// StreamServerInterceptor times streams such as health Watch, from open to close
func StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, next grpc.StreamHandler) error {
		began := time.Now()
		err := next(srv, ss)
		observeGRPC(info.FullMethod, began, err)
		return err
	}
}
