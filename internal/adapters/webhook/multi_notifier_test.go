package webhook_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/kevin07696/recurring-billing/internal/adapters/webhook"
	"github.com/kevin07696/recurring-billing/internal/domain"
	"github.com/kevin07696/recurring-billing/internal/testutil/mocks"
)

func TestMultiNotifier_FansOut(t *testing.T) {
	first := new(mocks.MockNotifier)
	second := new(mocks.MockNotifier)
	first.On("Emit", mock.Anything, mock.Anything).Return()
	second.On("Emit", mock.Anything, mock.Anything).Return()

	m := webhook.NewMultiNotifier(first, nil, second)
	assert.Len(t, m, 2)

	m.Emit(context.Background(), domain.NewEvent(domain.EventSubscriptionCreated, time.Now(), nil))

	assert.Equal(t, []domain.EventType{domain.EventSubscriptionCreated}, first.EventTypes())
	assert.Equal(t, []domain.EventType{domain.EventSubscriptionCreated}, second.EventTypes())
}
