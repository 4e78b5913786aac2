package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"agentd/internal/domain"
)

// DefaultQueueSize is the per-subscriber buffer used by New.
const DefaultQueueSize = 256

type delivery struct {
	ctx   context.Context
	event domain.Event
}

type subscription struct {
	id        uint64
	eventType domain.EventType // empty matches every event
	handler   domain.EventHandler
	queue     chan delivery
}

// Bus is an in-process, goroutine-safe event bus. Each subscriber receives
// events in publish order on its own goroutine. Publish never blocks: when a
// subscriber's queue is full the event is dropped for that subscriber.
type Bus struct {
	mu        sync.RWMutex
	subs      map[uint64]*subscription
	nextID    atomic.Uint64
	queueSize int
	dropped   atomic.Uint64
	logger    *slog.Logger
	wg        sync.WaitGroup
	closed    bool
}

// New creates an event bus with DefaultQueueSize per subscriber.
func New(logger *slog.Logger) *Bus {
	return NewWithQueueSize(logger, DefaultQueueSize)
}

// NewWithQueueSize creates an event bus with the given per-subscriber buffer.
func NewWithQueueSize(logger *slog.Logger, size int) *Bus {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Bus{
		subs:      make(map[uint64]*subscription),
		queueSize: size,
		logger:    logger,
	}
}

// Publish enqueues an event for every matching subscriber.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	d := delivery{ctx: context.WithoutCancel(ctx), event: event}
	for _, sub := range b.subs {
		if sub.eventType != "" && sub.eventType != event.Type {
			continue
		}
		select {
		case sub.queue <- d:
		default:
			b.dropped.Add(1)
			b.logger.Debug("event dropped, subscriber queue full",
				"event", string(event.Type),
				"subscriber", sub.id,
			)
		}
	}
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	return b.add(eventType, handler)
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	return b.add("", handler)
}

func (b *Bus) add(eventType domain.EventType, handler domain.EventHandler) func() {
	sub := &subscription{
		id:        b.nextID.Add(1),
		eventType: eventType,
		handler:   handler,
		queue:     make(chan delivery, b.queueSize),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.subs[sub.id] = sub
	b.wg.Add(1)
	b.mu.Unlock()

	go b.run(sub)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[sub.id]; ok {
				delete(b.subs, sub.id)
				close(sub.queue)
			}
		})
	}
}

func (b *Bus) run(sub *subscription) {
	defer b.wg.Done()
	for d := range sub.queue {
		b.deliver(sub, d)
	}
}

func (b *Bus) deliver(sub *subscription, d delivery) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(d.event.Type),
				"panic", r,
			)
		}
	}()
	sub.handler(d.ctx, d.event)
}

// Dropped returns how many deliveries were discarded because a subscriber lagged.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close stops accepting events, lets every subscriber drain its queue and
// waits for them. Close is idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.queue)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

var _ domain.EventBus = (*Bus)(nil)
