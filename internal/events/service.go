package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/atlascodex/atlas/internal/interfaces"
	"github.com/atlascodex/atlas/internal/models"
)

// Service implements the EventService interface with an in-process pub/sub
// pattern. Events for one correlation id are stamped with a monotonically
// increasing sequence number so subscribers can totally order them even when
// delivery is asynchronous.
type Service struct {
	subscribers map[models.EventType][]interfaces.EventHandler
	sequences   map[string]*int64
	mu          sync.RWMutex
	logger      arbor.ILogger
}

// NewService creates a new event service
func NewService(logger arbor.ILogger) *Service {
	return &Service{
		subscribers: make(map[models.EventType][]interfaces.EventHandler),
		sequences:   make(map[string]*int64),
		logger:      logger,
	}
}

// Subscribe registers a handler for an event type
func (s *Service) Subscribe(eventType models.EventType, handler interfaces.EventHandler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.subscribers[eventType] = append(s.subscribers[eventType], handler)

	s.logger.Debug().
		Str("event_type", string(eventType)).
		Int("subscriber_count", len(s.subscribers[eventType])).
		Msg("Event handler subscribed")

	return nil
}

// stamp fills sequence and timestamp. Sequence numbers are per correlation
// id and never reused.
func (s *Service) stamp(event *models.Event) {
	s.mu.Lock()
	seq, exists := s.sequences[event.CorrelationID]
	if !exists {
		var zero int64
		seq = &zero
		s.sequences[event.CorrelationID] = seq
	}
	*seq++
	event.Sequence = *seq
	s.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
}

// Publish sends an event to all subscribers asynchronously
func (s *Service) Publish(ctx context.Context, event models.Event) error {
	s.stamp(&event)

	s.mu.RLock()
	handlers := s.subscribers[event.Type]
	s.mu.RUnlock()

	if len(handlers) == 0 {
		return nil
	}

	s.logger.Debug().
		Str("event_type", string(event.Type)).
		Str("correlation_id", event.CorrelationID).
		Int64("sequence", event.Sequence).
		Msg("Publishing event")

	for _, handler := range handlers {
		go func(h interfaces.EventHandler) {
			if err := h(ctx, event); err != nil {
				s.logger.Error().
					Err(err).
					Str("event_type", string(event.Type)).
					Msg("Event handler failed")
			}
		}(handler)
	}

	return nil
}

// PublishSync sends an event to all subscribers and waits for every handler
func (s *Service) PublishSync(ctx context.Context, event models.Event) error {
	s.stamp(&event)

	s.mu.RLock()
	handlers := s.subscribers[event.Type]
	s.mu.RUnlock()

	if len(handlers) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	errChan := make(chan error, len(handlers))

	for _, handler := range handlers {
		wg.Add(1)
		go func(h interfaces.EventHandler) {
			defer wg.Done()
			if err := h(ctx, event); err != nil {
				s.logger.Error().
					Err(err).
					Str("event_type", string(event.Type)).
					Msg("Event handler failed")
				errChan <- err
			}
		}(handler)
	}

	wg.Wait()
	close(errChan)

	count := 0
	for range errChan {
		count++
	}
	if count > 0 {
		return fmt.Errorf("event handlers failed: %d errors", count)
	}
	return nil
}

// Forget drops the sequence counter for a finished correlation id
func (s *Service) Forget(correlationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sequences, correlationID)
}

// Close drops all subscribers
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = make(map[models.EventType][]interfaces.EventHandler)
	s.sequences = make(map[string]*int64)
	return nil
}
