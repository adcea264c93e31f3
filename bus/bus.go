package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/smart-news/ml-platform/broker"
)

var (
	// ErrQueueBindingConflict is returned when an event type is subscribed
	// under two different queues.
	ErrQueueBindingConflict = errors.New("event type already bound to another queue")

	// ErrUnknownQueue is returned when subscribing to a queue that was never
	// registered.
	ErrUnknownQueue = errors.New("queue not registered")

	// ErrUnboundEventType is returned by Publish for an event type no
	// subscriber has bound to a queue.
	ErrUnboundEventType = errors.New("event type not bound to any queue")

	// ErrBrokerUnavailable wraps broker reachability failures at Start.
	ErrBrokerUnavailable = errors.New("broker unavailable")
)

// Handler consumes batches of events of the types it declares.
type Handler interface {
	EventTypes() []string
	Handle(ctx context.Context, events []Event) error
}

// defaultPopTimeout bounds each blocking pop, so a consumer notices both a
// partial batch and a cancellation within one interval.
const defaultPopTimeout = 100 * time.Millisecond

// Bus routes typed events between publishers and batch handlers over named
// broker queues. One consumer goroutine runs per registered queue.
type Bus struct {
	broker     *broker.Client
	popTimeout time.Duration

	mu       sync.Mutex
	queues   map[string]int       // queue name -> batch size
	bindings map[string]string    // event type -> queue name
	subs     map[string][]Handler // queue name -> handlers
	running  bool
	cancel   context.CancelFunc

	wg sync.WaitGroup
}

// New creates a stopped bus over the given broker connection.
func New(b *broker.Client) *Bus {
	return &Bus{
		broker:     b,
		popTimeout: defaultPopTimeout,
		queues:     make(map[string]int),
		bindings:   make(map[string]string),
		subs:       make(map[string][]Handler),
	}
}

// RegisterQueue declares a named queue with a batch size. Re-registering an
// existing queue is a no-op.
func (b *Bus) RegisterQueue(name string, batchSize int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[name]; ok {
		return
	}
	if batchSize < 1 {
		batchSize = 1
	}
	b.queues[name] = batchSize
}

// Subscribe attaches a handler to a queue and binds every event type the
// handler declares to that queue. Binding an event type already bound to a
// different queue fails with ErrQueueBindingConflict.
func (b *Bus) Subscribe(queue string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[queue]; !ok {
		return fmt.Errorf("subscribe %q: %w", queue, ErrUnknownQueue)
	}
	for _, et := range h.EventTypes() {
		if bound, ok := b.bindings[et]; ok && bound != queue {
			return fmt.Errorf("subscribe %s to %q (bound to %q): %w", et, queue, bound, ErrQueueBindingConflict)
		}
	}
	for _, et := range h.EventTypes() {
		b.bindings[et] = queue
	}
	b.subs[queue] = append(b.subs[queue], h)
	return nil
}

// Publish serialises an event envelope around content and pushes it to the
// queue its event type is bound to.
func (b *Bus) Publish(ctx context.Context, eventType string, content any) error {
	b.mu.Lock()
	queue, ok := b.bindings[eventType]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("publish %s: %w", eventType, ErrUnboundEventType)
	}

	event, err := NewEvent(eventType, content)
	if err != nil {
		return err
	}
	payload, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", eventType, err)
	}
	if err := b.broker.Push(ctx, queue, payload); err != nil {
		return fmt.Errorf("publish %s to %q: %w", eventType, queue, err)
	}
	return nil
}

// Start verifies broker reachability and spawns one consumer per registered
// queue. Mid-run broker errors are retried with back-off; an unreachable
// broker at start is fatal.
func (b *Bus) Start(ctx context.Context) error {
	if err := b.broker.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}

	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = true
	consumerCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	queues := make(map[string]int, len(b.queues))
	for name, size := range b.queues {
		queues[name] = size
	}
	b.mu.Unlock()

	for name, size := range queues {
		b.wg.Add(1)
		go func(queue string, batchSize int) {
			defer b.wg.Done()
			b.consume(consumerCtx, queue, batchSize)
		}(name, size)
	}
	logrus.Infof("Event bus started with %d queue(s)", len(queues))
	return nil
}

// Stop cancels every consumer and waits for in-flight handler invocations to
// finish. Events popped but not yet delivered when the consumers exit are
// lost (at-most-once after the pop).
func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	cancel := b.cancel
	b.mu.Unlock()

	cancel()
	b.wg.Wait()
	logrus.Info("Event bus stopped")
}

// consume accumulates up to batchSize events per flush. A pop timeout with a
// non-empty accumulator flushes; with an empty one it just polls again.
func (b *Bus) consume(ctx context.Context, queue string, batchSize int) {
	log := logrus.WithField("queue", queue)
	log.Debugf("Consumer started (batch size %d)", batchSize)

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = time.Second
	retry.MaxInterval = 30 * time.Second
	retry.MaxElapsedTime = 0 // retry until cancelled

	var batch []Event
	for {
		if ctx.Err() != nil {
			return
		}

		payload, err := b.broker.Pop(ctx, queue, b.popTimeout)
		switch {
		case err == nil:
			retry.Reset()
			event, derr := decodeEvent(payload)
			if derr != nil {
				// Dropped, not re-queued: malformed entries would fail
				// forever.
				log.Warnf("Dropping malformed event: %v", derr)
				continue
			}
			batch = append(batch, event)
			if len(batch) < batchSize {
				continue
			}
		case errors.Is(err, broker.ErrEmpty):
			if len(batch) == 0 {
				continue
			}
		case ctx.Err() != nil:
			return
		default:
			log.Errorf("Broker pop failed: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(retry.NextBackOff()):
			}
			continue
		}

		b.dispatch(ctx, queue, batch)
		batch = nil
	}
}

// dispatch groups a flushed batch by event type and invokes every subscribed
// handler once per group. Handlers run concurrently; a failing handler is
// logged and does not poison the others, and its events are not re-queued.
func (b *Bus) dispatch(ctx context.Context, queue string, batch []Event) {
	groups := make(map[string][]Event)
	var order []string
	for _, e := range batch {
		if _, ok := groups[e.EventType]; !ok {
			order = append(order, e.EventType)
		}
		groups[e.EventType] = append(groups[e.EventType], e)
	}

	b.mu.Lock()
	handlers := append([]Handler(nil), b.subs[queue]...)
	b.mu.Unlock()

	var wg sync.WaitGroup
	for _, eventType := range order {
		events := groups[eventType]
		for _, h := range handlers {
			if !accepts(h, eventType) {
				continue
			}
			wg.Add(1)
			go func(h Handler, eventType string, events []Event) {
				defer wg.Done()
				if err := h.Handle(ctx, events); err != nil {
					logrus.WithFields(logrus.Fields{
						"queue":      queue,
						"event_type": eventType,
						"count":      len(events),
					}).Errorf("Handler failed: %v", err)
				}
			}(h, eventType, events)
		}
	}
	wg.Wait()
}

func accepts(h Handler, eventType string) bool {
	for _, et := range h.EventTypes() {
		if et == eventType {
			return true
		}
	}
	return false
}
