package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a notable occurrence in the kernel: a finished operation, a boot, or a
// service changing state.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies the component the event came from.
	Source string `json:"source"`

	// BootID is the boot run the event belongs to, if any.
	BootID string `json:"boot_id,omitempty"`

	// OperationID is the dispatch id of the associated operation, if any.
	OperationID string `json:"operation_id,omitempty"`

	// Address is the target address of the associated operation, if any.
	Address string `json:"address,omitempty"`

	// Service is the associated service name, if any.
	Service string `json:"service,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeOperationSucceeded = "operation.succeeded"
	EventTypeOperationFailed    = "operation.failed"
	EventTypeOperationCancelled = "operation.cancelled"
	EventTypeBootStarted        = "boot.started"
	EventTypeBootCompleted      = "boot.completed"
	EventTypeBootFailed         = "boot.failed"
	EventTypeServiceTransition  = "service.transition"
	EventTypeServiceFailed      = "service.failed"
	EventTypePolicyReloaded     = "policy.reloaded"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.config.EnableAsync {
		select {
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
		}
		select {
		case ep.buffer <- event:
			return nil
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishOperation publishes the outcome of a dispatched operation.
func (ep *EventPublisher) PublishOperation(rec OperationRecord) error {
	event := Event{
		Source:      "dispatcher",
		OperationID: rec.ID,
		Address:     rec.Address,
		Data: map[string]interface{}{
			"operation":   rec.Operation,
			"mode":        rec.Mode,
			"duration_ms": rec.Duration.Milliseconds(),
		},
	}
	switch rec.Outcome {
	case "success":
		event.Type = EventTypeOperationSucceeded
		event.Level = EventLevelInfo
		event.Message = fmt.Sprintf("Operation %s succeeded", rec.Operation)
	case "cancelled":
		event.Type = EventTypeOperationCancelled
		event.Level = EventLevelWarning
		event.Message = fmt.Sprintf("Operation %s cancelled", rec.Operation)
	default:
		event.Type = EventTypeOperationFailed
		event.Level = EventLevelError
		event.Message = fmt.Sprintf("Operation %s failed", rec.Operation)
	}
	if rec.ErrorClass != "" {
		event.Data["error_class"] = rec.ErrorClass
		event.Data["error_code"] = rec.ErrorCode
	}
	return ep.Publish(event)
}

// PublishBootStarted publishes a boot started event.
func (ep *EventPublisher) PublishBootStarted(bootID string, operations int) error {
	return ep.Publish(Event{
		Type:    EventTypeBootStarted,
		Source:  "boot",
		BootID:  bootID,
		Message: fmt.Sprintf("Boot %s started with %d operations", bootID, operations),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"operations": operations,
		},
	})
}

// PublishBootCompleted publishes a boot completed event.
func (ep *EventPublisher) PublishBootCompleted(bootID string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeBootCompleted,
		Source:  "boot",
		BootID:  bootID,
		Message: fmt.Sprintf("Boot %s completed", bootID),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"duration_ms": duration.Milliseconds(),
		},
	})
}

// PublishBootFailed publishes a boot failed event.
func (ep *EventPublisher) PublishBootFailed(bootID, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeBootFailed,
		Source:  "boot",
		BootID:  bootID,
		Message: fmt.Sprintf("Boot %s failed: %s", bootID, reason),
		Level:   EventLevelError,
	})
}

// PublishServiceTransition publishes a service state change.
func (ep *EventPublisher) PublishServiceTransition(service, from, to string, seq uint64, failure error) error {
	event := Event{
		Type:    EventTypeServiceTransition,
		Source:  "services",
		Service: service,
		Message: fmt.Sprintf("Service %s: %s -> %s", service, from, to),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"from":     from,
			"to":       to,
			"sequence": seq,
		},
	}
	if failure != nil {
		event.Type = EventTypeServiceFailed
		event.Level = EventLevelError
		event.Message = fmt.Sprintf("Service %s failed to start: %v", service, failure)
	}
	return ep.Publish(event)
}

// Subscribe registers a subscriber with an optional filter.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents delivers buffered events in batches. A partial batch is delivered
// as soon as the buffer runs empty.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			if len(batch) >= ep.config.MaxBatchSize || len(ep.buffer) == 0 {
				ep.flushBatch(batch)
				batch = batch[:0]
			}

		case <-ep.ctx.Done():
			// Deliver what is still buffered before shutting down
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					ep.flushBatch(batch)
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) flushBatch(events []Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

// deliverEvent calls every matching subscriber in order on the calling goroutine.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops the publisher after delivering buffered events.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByBootID creates a filter that only allows events of one boot run.
func FilterByBootID(bootID string) EventFilter {
	return func(event Event) bool {
		return event.BootID == bootID
	}
}

// FilterByService creates a filter that only allows events for one service.
func FilterByService(service string) EventFilter {
	return func(event Event) bool {
		return event.Service == service
	}
}
