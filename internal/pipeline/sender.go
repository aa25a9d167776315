package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirephil/sf-async-callout/internal/model"
	"go.uber.org/zap"
)

// MaxBatchSize caps the callout ids one sender may own.
const MaxBatchSize = 100

// ErrBatchTooLarge is returned when a sender is constructed over the cap.
var ErrBatchTooLarge = errors.New("sender batch exceeds limit")

// Deliverer performs the external call for a batch of callouts.
type Deliverer interface {
	DeliverCallouts(ctx context.Context, rows []model.Callout) error
}

// Sender owns one claimed batch end to end: deliver, complete, re-arm.
// Instances run concurrently with each other; their id sets are disjoint
// because claiming is serialized on the bus consumer.
type Sender struct {
	store         Store
	deliverer     Deliverer
	bus           Publisher
	processorType string
	ids           []uint64
	log           *zap.SugaredLogger
}

// NewSender builds a sender for the claimed ids. Oversized batches are a
// usage error and are rejected before anything runs.
func NewSender(store Store, deliverer Deliverer, bus Publisher, processorType string, ids []uint64, logger *zap.SugaredLogger) (*Sender, error) {
	if len(ids) > MaxBatchSize {
		return nil, fmt.Errorf("%w: %d ids, limit %d", ErrBatchTooLarge, len(ids), MaxBatchSize)
	}
	return &Sender{
		store:         store,
		deliverer:     deliverer,
		bus:           bus,
		processorType: processorType,
		ids:           ids,
		log:           logger,
	}, nil
}

// Execute delivers the batch, marks it complete, and wakes the processor
// again if pending rows exist anywhere. Completion does not depend on the
// delivery outcome: the external contract is at-least-once with an
// idempotent consumer, and a failed delivery is logged for operators
// rather than surfaced or retried here.
func (s *Sender) Execute(ctx context.Context) error {
	rows, err := s.store.CalloutsByID(ctx, s.ids)
	if err != nil {
		return fmt.Errorf("load claimed callouts: %w", err)
	}

	if err := s.deliverer.DeliverCallouts(ctx, rows); err != nil {
		s.log.Errorw("callout delivery failed",
			"calloutIds", s.ids, "error", err)
	}

	if err := s.store.UpdateCalloutStatus(ctx, s.ids, model.StatusComplete); err != nil {
		return fmt.Errorf("complete callouts: %w", err)
	}

	// New rows created after the claim have no live notification left to
	// find them; without this re-arm an idle queue would strand them.
	pending, err := s.store.CountPendingCallouts(ctx)
	if err != nil {
		return fmt.Errorf("count pending after completion: %w", err)
	}
	if pending > 0 {
		s.bus.Publish(s.processorType)
	}
	return nil
}
