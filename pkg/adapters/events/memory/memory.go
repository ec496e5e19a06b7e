package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aescanero/regorch/pkg/domain"
	"github.com/aescanero/regorch/pkg/ports"
)

// SubscriptionID identifies a registered handler.
type SubscriptionID uint64

type subscription struct {
	id      SubscriptionID
	name    string
	handler ports.EventHandler
	once    bool
	fired   atomic.Bool
}

// Bus is a synchronous in-process event bus. Handlers run on the emitting
// goroutine in registration order. A failing handler is reported as a
// handler.failed event and never stops the remaining handlers.
type Bus struct {
	clock  ports.Clock
	logger *zap.Logger

	mu     sync.RWMutex
	nextID SubscriptionID
	byType map[domain.EventType][]*subscription
	any    []*subscription
}

// NewBus creates a new in-memory event bus
func NewBus(clock ports.Clock, logger *zap.Logger) *Bus {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	return &Bus{
		clock:  clock,
		logger: logger,
		byType: make(map[domain.EventType][]*subscription),
	}
}

// On registers handler for one event type.
func (b *Bus) On(t domain.EventType, handler ports.EventHandler) SubscriptionID {
	return b.add(t, handler, false)
}

// Once registers handler for the next event of type t only.
func (b *Bus) Once(t domain.EventType, handler ports.EventHandler) SubscriptionID {
	return b.add(t, handler, true)
}

// OnAny registers handler for every event.
func (b *Bus) OnAny(handler ports.EventHandler) SubscriptionID {
	return b.add("", handler, false)
}

func (b *Bus) add(t domain.EventType, handler ports.EventHandler, once bool) SubscriptionID {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscription{id: b.nextID, handler: handler, once: once}
	if t == "" {
		sub.name = fmt.Sprintf("*#%d", sub.id)
		b.any = append(b.any, sub)
	} else {
		sub.name = fmt.Sprintf("%s#%d", t, sub.id)
		b.byType[t] = append(b.byType[t], sub)
	}
	return sub.id
}

// Off removes a handler. Unknown ids are ignored.
func (b *Bus) Off(id SubscriptionID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for t, subs := range b.byType {
		b.byType[t] = without(subs, id)
	}
	b.any = without(b.any, id)
}

func without(subs []*subscription, id SubscriptionID) []*subscription {
	for i, s := range subs {
		if s.id == id {
			out := make([]*subscription, 0, len(subs)-1)
			out = append(out, subs[:i]...)
			return append(out, subs[i+1:]...)
		}
	}
	return subs
}

// Subscribe implements ports.EventSubscriber. The handler stays registered
// until ctx is done.
func (b *Bus) Subscribe(ctx context.Context, topic string, handler ports.EventHandler) error {
	var id SubscriptionID
	if topic == "*" {
		id = b.OnAny(handler)
	} else {
		id = b.On(domain.EventType(topic), handler)
	}

	go func() {
		<-ctx.Done()
		b.Off(id)
	}()

	return nil
}

// Emit delivers event to its handlers.
func (b *Bus) Emit(ctx context.Context, event domain.Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = b.clock.Now()
	}

	for _, sub := range b.handlersFor(event.Type) {
		if sub.once {
			if sub.fired.Swap(true) {
				continue
			}
			b.Off(sub.id)
		}

		if err := b.invoke(ctx, sub, event); err != nil {
			b.reportFailure(ctx, sub, event, err)
		}
	}
}

func (b *Bus) handlersFor(t domain.EventType) []*subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subs := make([]*subscription, 0, len(b.byType[t])+len(b.any))
	subs = append(subs, b.byType[t]...)
	subs = append(subs, b.any...)
	sort.Slice(subs, func(i, j int) bool { return subs[i].id < subs[j].id })
	return subs
}

func (b *Bus) invoke(ctx context.Context, sub *subscription, event domain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return sub.handler(ctx, event)
}

func (b *Bus) reportFailure(ctx context.Context, sub *subscription, event domain.Event, err error) {
	b.logger.Error("event handler failed",
		zap.String("event_id", event.ID),
		zap.String("type", string(event.Type)),
		zap.String("handler", sub.name),
		zap.String("session_id", event.SessionID),
		zap.Error(err))

	if event.Type == domain.EventHandlerFailed {
		return
	}

	b.Emit(ctx, domain.Event{
		Type:           domain.EventHandlerFailed,
		SessionID:      event.SessionID,
		WorkflowType:   event.WorkflowType,
		OrganizationID: event.OrganizationID,
		Data: map[string]any{
			"source_event": event.ID,
			"source_type":  string(event.Type),
			"handler":      sub.name,
			"error":        err.Error(),
		},
	})
}

var (
	_ ports.EventPublisher  = (*Bus)(nil)
	_ ports.EventSubscriber = (*Bus)(nil)
)
