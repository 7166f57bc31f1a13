// Package shutdown stops the worker's components in reverse start order.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	shutdownDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "shutdown_duration_seconds",
		Help:    "Wall time of a graceful shutdown",
		Buckets: []float64{1, 5, 10, 15, 20, 25, 30},
	})

	componentStops = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "component_shutdown_duration_seconds",
		Help:    "Time taken to stop one component, by outcome",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"component", "outcome"})
)

// ShutdownFunc stops one component within ctx
type ShutdownFunc func(context.Context) error

type component struct {
	name string
	stop ShutdownFunc
}

// Manager runs registered stop functions newest first, one at a time, under
// a single deadline. Register dependencies before their dependents: the
// database before the notifiers, the scheduler last.
type Manager struct {
	logger  *zap.Logger
	timeout time.Duration

	mu         sync.Mutex
	components []component

	once sync.Once
	err  error
}

func NewManager(logger *zap.Logger, timeout time.Duration) *Manager {
	return &Manager{logger: logger, timeout: timeout}
}

func (m *Manager) Register(name string, fn ShutdownFunc) {
	m.mu.Lock()
	m.components = append(m.components, component{name: name, stop: fn})
	m.mu.Unlock()
}

// RegisterCloser registers anything with Close() error
func (m *Manager) RegisterCloser(name string, c interface{ Close() error }) {
	m.Register(name, func(context.Context) error { return c.Close() })
}

// RegisterNoErr registers a stop function that cannot fail
func (m *Manager) RegisterNoErr(name string, fn func()) {
	m.Register(name, func(context.Context) error {
		fn()
		return nil
	})
}

// Shutdown stops every component once. Repeat calls return the first result.
func (m *Manager) Shutdown() error {
	m.once.Do(func() { m.err = m.run() })
	return m.err
}

func (m *Manager) run() error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	m.mu.Lock()
	components := slices.Clone(m.components)
	m.mu.Unlock()

	m.logger.Info("Shutting down",
		zap.Int("components", len(components)),
		zap.Duration("timeout", m.timeout),
	)

	var errs []error
	for _, c := range slices.Backward(components) {
		if err := m.stop(ctx, c); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}

	shutdownDuration.Observe(time.Since(start).Seconds())
	if ctx.Err() != nil {
		m.logger.Warn("Shutdown deadline passed before every component finished", zap.Duration("timeout", m.timeout))
	}
	m.logger.Info("Shutdown complete",
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("errors", len(errs)),
	)
	return errors.Join(errs...)
}

func (m *Manager) stop(ctx context.Context, c component) error {
	began := time.Now()
	err := c.stop(ctx)
	elapsed := time.Since(began)

	outcome := "ok"
	if err != nil {
		outcome = "error"
		m.logger.Error("Component failed to stop", zap.String("component", c.name), zap.Duration("elapsed", elapsed), zap.Error(err))
	} else {
		m.logger.Debug("Component stopped", zap.String("component", c.name), zap.Duration("elapsed", elapsed))
	}
	componentStops.WithLabelValues(c.name, outcome).Observe(elapsed.Seconds())
	return err
}
