// Package capture turns before/after record states into durable callout
// rows and wakes the dispatch pipeline at most once per transaction.
package capture

import (
	"context"
	"encoding/json"
	"reflect"

	"github.com/sirephil/sf-async-callout/internal/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// auditFields never appear in a payload; they change on every write and
// carry no business meaning for the external consumer.
var auditFields = map[string]struct{}{
	"systemModstamp": {},
	"createdBy":      {},
	"createdAt":      {},
	"lastModifiedAt": {},
	"lastModifiedBy": {},
}

// Snapshot is the generic state of one record at a point in time. Fields
// holds JSON-representable values keyed by field name; nil values count as
// unpopulated.
type Snapshot struct {
	RecordID string
	Fields   map[string]any
}

// Store is the slice of the repository the capturer writes through.
type Store interface {
	CreateCallouts(ctx context.Context, tx *gorm.DB, rows []*model.Callout) error
}

// Publisher wakes the processor for a type tag.
type Publisher interface {
	Publish(processorType string)
}

// Capturer derives callouts from record mutations.
type Capturer struct {
	store         Store
	bus           Publisher
	processorType string
	log           *zap.SugaredLogger
}

// NewCapturer returns a Capturer publishing under processorType.
func NewCapturer(store Store, bus Publisher, processorType string, logger *zap.SugaredLogger) *Capturer {
	return &Capturer{store: store, bus: bus, processorType: processorType, log: logger}
}

type txStateKey struct{}

type txState struct {
	pending bool
}

// WithTransaction opens a notification scope. CaptureChanges calls sharing
// the returned context defer their wake-up into the scope; Flush emits at
// most one notification for all of them. Install the scope before opening
// the transaction and Flush after it commits, so the processor can never
// wake ahead of the rows it is meant to find.
func WithTransaction(ctx context.Context) context.Context {
	return context.WithValue(ctx, txStateKey{}, &txState{})
}

// CaptureChanges writes the callouts implied by the transition from before
// to after inside the caller's transaction. No after states means
// deletion, no before states means creation, both mean update. Within a
// WithTransaction scope the wake-up is deferred to Flush; without one it
// is published immediately, so unscoped callers must not hold an open
// transaction.
func (c *Capturer) CaptureChanges(ctx context.Context, tx *gorm.DB, before, after []Snapshot) error {
	rows, err := c.buildCallouts(before, after)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	if err := c.store.CreateCallouts(ctx, tx, rows); err != nil {
		return err
	}
	if state, ok := ctx.Value(txStateKey{}).(*txState); ok {
		state.pending = true
		return nil
	}
	c.bus.Publish(c.processorType)
	return nil
}

// Flush publishes the scope's deferred notification, once, if any capture
// produced rows. Calling it without a scope or after a rolled back
// transaction is harmless.
func (c *Capturer) Flush(ctx context.Context) {
	state, ok := ctx.Value(txStateKey{}).(*txState)
	if !ok || !state.pending {
		return
	}
	state.pending = false
	c.bus.Publish(c.processorType)
}

func (c *Capturer) buildCallouts(before, after []Snapshot) ([]*model.Callout, error) {
	var rows []*model.Callout

	switch {
	case len(after) == 0:
		// Deletion: one callout per vanished record, no payload.
		for _, b := range before {
			rows = append(rows, &model.Callout{
				RecordID:  b.RecordID,
				Operation: model.OpDelete,
				Status:    model.StatusPending,
			})
		}

	case len(before) == 0:
		// Creation: the record's existence is the change, so a callout is
		// emitted even when every field is unpopulated or excluded.
		for _, a := range after {
			payload, err := marshalFields(populatedFields(a.Fields))
			if err != nil {
				return nil, err
			}
			rows = append(rows, &model.Callout{
				RecordID:  a.RecordID,
				Operation: model.OpCreate,
				Payload:   payload,
				Status:    model.StatusPending,
			})
		}

	default:
		// Update: diff each after state against its before state; a
		// mutation that changed nothing observable emits nothing.
		prior := make(map[string]Snapshot, len(before))
		for _, b := range before {
			prior[b.RecordID] = b
		}
		for _, a := range after {
			b, ok := prior[a.RecordID]
			if !ok {
				c.log.Warnw("update snapshot has no before state, skipping",
					"recordId", a.RecordID)
				continue
			}
			changed := diffFields(b.Fields, a.Fields)
			if len(changed) == 0 {
				continue
			}
			payload, err := marshalFields(changed)
			if err != nil {
				return nil, err
			}
			rows = append(rows, &model.Callout{
				RecordID:  a.RecordID,
				Operation: model.OpUpdate,
				Payload:   payload,
				Status:    model.StatusPending,
			})
		}
	}

	return rows, nil
}

// populatedFields keeps the non-nil, non-audit fields of a snapshot.
func populatedFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for name, value := range fields {
		if value == nil {
			continue
		}
		if _, excluded := auditFields[name]; excluded {
			continue
		}
		out[name] = value
	}
	return out
}

// diffFields keeps the fields of after whose value differs from before,
// over the same field universe as populatedFields.
func diffFields(before, after map[string]any) map[string]any {
	changed := make(map[string]any)
	for name, value := range populatedFields(after) {
		prev, existed := before[name]
		if !existed || !reflect.DeepEqual(prev, value) {
			changed[name] = value
		}
	}
	return changed
}

func marshalFields(fields map[string]any) (string, error) {
	data, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
