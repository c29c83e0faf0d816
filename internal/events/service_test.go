package events

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/atlascodex/atlas/internal/models"
)

func TestPublishSyncDeliversToAllSubscribers(t *testing.T) {
	svc := NewService(arbor.NewLogger())

	var mu sync.Mutex
	var received []models.Event
	handler := func(ctx context.Context, event models.Event) error {
		mu.Lock()
		received = append(received, event)
		mu.Unlock()
		return nil
	}
	require.NoError(t, svc.Subscribe(models.EventJobCompleted, handler))
	require.NoError(t, svc.Subscribe(models.EventJobCompleted, handler))

	err := svc.PublishSync(context.Background(), models.Event{
		Type:          models.EventJobCompleted,
		CorrelationID: "corr-1",
	})
	require.NoError(t, err)
	assert.Len(t, received, 2)
	assert.False(t, received[0].Timestamp.IsZero())
}

func TestSequenceNumbersArePerCorrelation(t *testing.T) {
	svc := NewService(arbor.NewLogger())

	var mu sync.Mutex
	sequences := make(map[string][]int64)
	handler := func(ctx context.Context, event models.Event) error {
		mu.Lock()
		sequences[event.CorrelationID] = append(sequences[event.CorrelationID], event.Sequence)
		mu.Unlock()
		return nil
	}
	require.NoError(t, svc.Subscribe(models.EventCacheHit, handler))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, svc.PublishSync(ctx, models.Event{Type: models.EventCacheHit, CorrelationID: "a"}))
	}
	require.NoError(t, svc.PublishSync(ctx, models.Event{Type: models.EventCacheHit, CorrelationID: "b"}))

	assert.Equal(t, []int64{1, 2, 3}, sequences["a"])
	assert.Equal(t, []int64{1}, sequences["b"])
}

func TestPublishWithoutSubscribersIsNoop(t *testing.T) {
	svc := NewService(arbor.NewLogger())
	assert.NoError(t, svc.Publish(context.Background(), models.Event{Type: models.EventFallbackTaken, CorrelationID: "x"}))
}

func TestPublishSyncSurfacesHandlerErrors(t *testing.T) {
	svc := NewService(arbor.NewLogger())
	require.NoError(t, svc.Subscribe(models.EventContractGenerated, func(ctx context.Context, event models.Event) error {
		return errors.New("sink unavailable")
	}))

	err := svc.PublishSync(context.Background(), models.Event{Type: models.EventContractGenerated, CorrelationID: "x"})
	assert.Error(t, err)
}

func TestSubscribeNilHandlerFails(t *testing.T) {
	svc := NewService(arbor.NewLogger())
	assert.Error(t, svc.Subscribe(models.EventCacheHit, nil))
}
