// Package pipeline is the ordered asynchronous dispatch core: an
// in-process notification bus with one consumer goroutine per processor
// type, a claim-and-schedule processor, and bounded-concurrency senders.
package pipeline

import (
	"context"
	"time"
)

// Notification is an ephemeral wake-up for one processor type. It is
// never persisted; the id exists for log correlation only.
type Notification struct {
	ID            string
	ProcessorType string
	PublishedAt   time.Time
}

// Processor performs one bounded unit of work per notification. Process
// must not block on external I/O itself; it only schedules delivery.
// NeedsMoreProcessing reports whether pending work remains afterwards.
type Processor interface {
	Process(ctx context.Context, n Notification) error
	NeedsMoreProcessing(ctx context.Context) (bool, error)
}

// Publisher wakes the consumer for a processor type.
type Publisher interface {
	Publish(processorType string)
}
