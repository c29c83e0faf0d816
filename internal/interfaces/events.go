package interfaces

import (
	"context"

	"github.com/atlascodex/atlas/internal/models"
)

// EventHandler processes a published telemetry event
type EventHandler func(ctx context.Context, event models.Event) error

// EventService - pub/sub for structured telemetry events
type EventService interface {
	Subscribe(eventType models.EventType, handler EventHandler) error
	Publish(ctx context.Context, event models.Event) error
	PublishSync(ctx context.Context, event models.Event) error
}
