package pipeline

import (
	"context"
	"fmt"

	"github.com/sirephil/sf-async-callout/internal/model"
	"go.uber.org/zap"
)

// CalloutProcessorType tags the notifications consumed by the callout
// processor. New command families register their own tag and Processor.
const CalloutProcessorType = "callout"

// Store is the slice of the repository the pipeline reads and writes.
type Store interface {
	BusyRecordIDs(ctx context.Context) ([]string, error)
	PendingCalloutIDs(ctx context.Context, excludeRecordIDs []string, limit int) ([]uint64, error)
	UpdateCalloutStatus(ctx context.Context, ids []uint64, status model.Status) error
	CalloutsByID(ctx context.Context, ids []uint64) ([]model.Callout, error)
	CountPendingCallouts(ctx context.Context) (int64, error)
}

// CalloutProcessor claims a bounded batch of pending callouts in creation
// order and schedules a sender for it. Records with a callout already in
// flight are skipped so a record's later change can never be delivered
// ahead of an earlier one. The single bus consumer per type is the only
// thing serializing the claim; the processor itself takes no locks and
// performs no retries (the bus redelivery is the retry path).
type CalloutProcessor struct {
	store     Store
	deliverer Deliverer
	bus       Publisher
	runner    *Runner
	batchSize int
	log       *zap.SugaredLogger
}

// NewCalloutProcessor returns a processor claiming up to batchSize rows
// per invocation, clamped to the sender cap.
func NewCalloutProcessor(store Store, deliverer Deliverer, bus Publisher, runner *Runner, batchSize int, logger *zap.SugaredLogger) *CalloutProcessor {
	if batchSize <= 0 || batchSize > MaxBatchSize {
		batchSize = MaxBatchSize
	}
	return &CalloutProcessor{
		store:     store,
		deliverer: deliverer,
		bus:       bus,
		runner:    runner,
		batchSize: batchSize,
		log:       logger,
	}
}

// Process claims one batch and hands it off. It never blocks on the
// external call; delivery happens on the runner in a separate execution
// context. Store failures abort the invocation with all targeted rows
// unchanged, so a retriggered invocation re-attempts safely.
func (p *CalloutProcessor) Process(ctx context.Context, n Notification) error {
	busy, err := p.store.BusyRecordIDs(ctx)
	if err != nil {
		return fmt.Errorf("query busy records: %w", err)
	}
	ids, err := p.store.PendingCalloutIDs(ctx, busy, p.batchSize)
	if err != nil {
		return fmt.Errorf("query pending batch: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	// The claim: one atomic update from pending to sending. From here on
	// this batch is invisible to any later claim.
	if err := p.store.UpdateCalloutStatus(ctx, ids, model.StatusSending); err != nil {
		return fmt.Errorf("claim batch: %w", err)
	}

	sender, err := NewSender(p.store, p.deliverer, p.bus, n.ProcessorType, ids, p.log)
	if err != nil {
		return err
	}

	p.log.Infow("claimed callout batch",
		"notificationId", n.ID, "count", len(ids), "busyRecords", len(busy))

	p.runner.Go("callout-sender", func() error {
		return sender.Execute(context.Background())
	})
	return nil
}

// NeedsMoreProcessing reports whether pending callouts remain, counting
// rows skipped this round because their record was busy.
func (p *CalloutProcessor) NeedsMoreProcessing(ctx context.Context) (bool, error) {
	pending, err := p.store.CountPendingCallouts(ctx)
	if err != nil {
		return false, err
	}
	return pending > 0, nil
}
