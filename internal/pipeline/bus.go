package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Resolver looks up the processor instance for a type tag at dispatch
// time. The container satisfies this, which keeps processors swappable in
// tests without touching the bus.
type Resolver interface {
	Get(name string) (any, error)
}

// Bus delivers notifications to processors. Each subscribed type gets
// exactly one consumer goroutine, so invocations for a type are
// serialized by construction; that serialization is what makes the
// processor's claim step exclusive without any row locking.
type Bus struct {
	resolver  Resolver
	retrigger time.Duration
	log       *zap.SugaredLogger

	mu      sync.Mutex
	subs    map[string]chan Notification
	stopped bool

	stopCh  chan struct{}
	wg      sync.WaitGroup
	retryWG sync.WaitGroup
}

// NewBus returns a bus resolving processors through resolver. retrigger
// is the pause before a notification is re-published for residual or
// failed work.
func NewBus(resolver Resolver, retrigger time.Duration, logger *zap.SugaredLogger) *Bus {
	return &Bus{
		resolver:  resolver,
		retrigger: retrigger,
		log:       logger,
		subs:      make(map[string]chan Notification),
		stopCh:    make(chan struct{}),
	}
}

// Subscribe starts the consumer goroutine for processorType. Subscribing
// a type twice is a no-op.
func (b *Bus) Subscribe(processorType string) {
	b.mu.Lock()
	if _, ok := b.subs[processorType]; ok {
		b.mu.Unlock()
		return
	}
	wake := make(chan Notification, 1)
	b.subs[processorType] = wake
	b.mu.Unlock()

	b.wg.Add(1)
	go b.consume(wake)
}

// Publish emits a notification for processorType without blocking. The
// wake channel holds a single queued notification; further publishes
// coalesce into it, which is sufficient because the processor drains all
// pending work, not just the work that triggered the wake-up.
func (b *Bus) Publish(processorType string) {
	b.mu.Lock()
	wake, ok := b.subs[processorType]
	b.mu.Unlock()
	if !ok {
		b.log.Warnw("notification dropped, no subscriber",
			"processorType", processorType)
		return
	}

	n := Notification{
		ID:            uuid.NewString(),
		ProcessorType: processorType,
		PublishedAt:   time.Now().UTC(),
	}
	select {
	case wake <- n:
	default:
		b.log.Debugw("notification coalesced",
			"processorType", processorType, "notificationId", n.ID)
	}
}

// Stop halts the consumers and waits for delayed retriggers to unwind.
// In-flight senders are owned by the Runner and awaited separately.
func (b *Bus) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	b.mu.Unlock()

	close(b.stopCh)
	b.wg.Wait()
	b.retryWG.Wait()
}

func (b *Bus) consume(wake chan Notification) {
	defer b.wg.Done()
	for {
		select {
		case n := <-wake:
			b.dispatch(n)
		case <-b.stopCh:
			return
		}
	}
}

// dispatch runs one processor invocation in an execution context detached
// from whatever published the notification. A processing failure re-arms
// the type (at-least-once redelivery); so does residual pending work.
func (b *Bus) dispatch(n Notification) {
	inst, err := b.resolver.Get(n.ProcessorType)
	if err != nil {
		b.log.Errorw("notification has no registered processor",
			"processorType", n.ProcessorType, "error", err)
		return
	}
	p, ok := inst.(Processor)
	if !ok {
		b.log.Errorw("registered instance does not implement Processor",
			"processorType", n.ProcessorType)
		return
	}

	ctx := context.Background()
	if err := p.Process(ctx, n); err != nil {
		b.log.Errorw("processing failed, retriggering",
			"processorType", n.ProcessorType, "notificationId", n.ID, "error", err)
		b.republishLater(n.ProcessorType)
		return
	}

	more, err := p.NeedsMoreProcessing(ctx)
	if err != nil {
		b.log.Errorw("pending check failed, retriggering",
			"processorType", n.ProcessorType, "notificationId", n.ID, "error", err)
		b.republishLater(n.ProcessorType)
		return
	}
	if more {
		b.republishLater(n.ProcessorType)
	}
}

// republishLater re-arms a type after the retrigger delay. The delay
// keeps the consumer from spinning while every remaining pending row
// belongs to a busy record.
func (b *Bus) republishLater(processorType string) {
	if b.retrigger <= 0 {
		b.Publish(processorType)
		return
	}
	b.retryWG.Add(1)
	timer := time.NewTimer(b.retrigger)
	go func() {
		defer b.retryWG.Done()
		defer timer.Stop()
		select {
		case <-timer.C:
			b.Publish(processorType)
		case <-b.stopCh:
		}
	}()
}
