package entity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"entity-mirror.io/entity/internal/pkg/logger"
)

// EventType identifies an activation-change event.
type EventType string

const (
	// EventEntitiesActivated fires once per sync pass for the batch of
	// entities whose active flag flipped to true (including newly created
	// active entities).
	EventEntitiesActivated EventType = "ENTITIES_ACTIVATED"

	// EventEntitiesDeactivated fires once per sync pass for the batch of
	// entities whose active flag flipped to false.
	EventEntitiesDeactivated EventType = "ENTITIES_DEACTIVATED"
)

// ActivationEvent is emitted when a sync pass flips entity active flags.
// Subscribers react to entities crossing the active boundary without
// re-deriving the diff themselves.
type ActivationEvent struct {
	EventID    string    `json:"event_id"`
	EventType  EventType `json:"event_type"`
	Sender     string    `json:"sender"`
	PassID     string    `json:"pass_id"`
	FullSync   bool      `json:"full_sync"`
	EntityIDs  []int64   `json:"entity_ids"` // sorted ascending
	Active     bool      `json:"active"`
	OccurredAt time.Time `json:"occurred_at"`
}

// ActivationHandler processes an activation event.
type ActivationHandler func(ctx context.Context, event *ActivationEvent) error

// Dispatcher routes activation events to registered handlers. Handlers are
// called sequentially; a failing handler is logged and does not stop the
// remaining ones (best-effort delivery).
type Dispatcher struct {
	handlers map[EventType][]ActivationHandler
	mu       sync.RWMutex
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[EventType][]ActivationHandler),
	}
}

// Register registers a handler for an event type.
func (d *Dispatcher) Register(eventType EventType, handler ActivationHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[eventType] = append(d.handlers[eventType], handler)
}

// Dispatch delivers an event to all handlers registered for its type.
func (d *Dispatcher) Dispatch(ctx context.Context, event *ActivationEvent) error {
	d.mu.RLock()
	handlers := d.handlers[event.EventType]
	d.mu.RUnlock()

	if len(handlers) == 0 {
		return nil
	}

	var firstErr error
	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			logger.Error("activation event handler failed",
				zap.String("event_type", string(event.EventType)),
				zap.String("event_id", event.EventID),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = fmt.Errorf("handler for %s failed: %w", event.EventType, err)
			}
		}
	}
	return firstErr
}

// newActivationEvent builds a populated event for a sync pass.
func newActivationEvent(sender, passID string, fullSync, active bool, ids []int64) *ActivationEvent {
	eventType := EventEntitiesDeactivated
	if active {
		eventType = EventEntitiesActivated
	}
	return &ActivationEvent{
		EventID:    uuid.NewString(),
		EventType:  eventType,
		Sender:     sender,
		PassID:     passID,
		FullSync:   fullSync,
		EntityIDs:  ids,
		Active:     active,
		OccurredAt: time.Now().UTC(),
	}
}
