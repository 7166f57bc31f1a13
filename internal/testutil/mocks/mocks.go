// Package mocks provides shared testify mocks for the domain ports.
package mocks

import (
	"context"
	"time"

	"github.com/kevin07696/recurring-billing/internal/domain"
	"github.com/kevin07696/recurring-billing/internal/domain/ports"
	"github.com/stretchr/testify/mock"
)

// MockLogger mocks ports.Logger
type MockLogger struct {
	mock.Mock
}

// NewQuietLogger returns a MockLogger that accepts any log call
func NewQuietLogger() *MockLogger {
	m := new(MockLogger)
	for _, level := range []string{"Info", "Warn", "Error", "Debug"} {
		m.On(level, mock.Anything, mock.Anything).Maybe().Return()
	}
	return m
}

func (m *MockLogger) Info(msg string, fields ...ports.Field) {
	m.Called(msg, fields)
}

func (m *MockLogger) Warn(msg string, fields ...ports.Field) {
	m.Called(msg, fields)
}

func (m *MockLogger) Error(msg string, fields ...ports.Field) {
	m.Called(msg, fields)
}

func (m *MockLogger) Debug(msg string, fields ...ports.Field) {
	m.Called(msg, fields)
}

// MockPaymentGateway mocks ports.PaymentGateway
type MockPaymentGateway struct {
	mock.Mock
}

func (m *MockPaymentGateway) Charge(ctx context.Context, req *ports.ChargeRequest) (*ports.ChargeResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ports.ChargeResult), args.Error(1)
}

// MockNotifier mocks ports.WebhookNotifier
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Emit(ctx context.Context, event domain.Event) {
	m.Called(ctx, event)
}

// EventTypes returns the types of every emitted event, in order
func (m *MockNotifier) EventTypes() []domain.EventType {
	var types []domain.EventType
	for _, call := range m.Calls {
		if call.Method == "Emit" {
			types = append(types, call.Arguments.Get(1).(domain.Event).Type)
		}
	}
	return types
}

// MockTickLocker mocks ports.TickLocker
type MockTickLocker struct {
	mock.Mock
}

func (m *MockTickLocker) Acquire(ctx context.Context, ttl time.Duration) (bool, error) {
	args := m.Called(ctx, ttl)
	return args.Bool(0), args.Error(1)
}

func (m *MockTickLocker) Release(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// MockPaymentMethodResolver mocks ports.PaymentMethodResolver
type MockPaymentMethodResolver struct {
	mock.Mock
}

func (m *MockPaymentMethodResolver) Resolve(ctx context.Context, sub *domain.Subscription) (*domain.PaymentMethodReference, error) {
	args := m.Called(ctx, sub)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.PaymentMethodReference), args.Error(1)
}

var (
	_ ports.Logger                = (*MockLogger)(nil)
	_ ports.PaymentGateway        = (*MockPaymentGateway)(nil)
	_ ports.WebhookNotifier       = (*MockNotifier)(nil)
	_ ports.TickLocker            = (*MockTickLocker)(nil)
	_ ports.PaymentMethodResolver = (*MockPaymentMethodResolver)(nil)
)
