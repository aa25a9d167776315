package service

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirephil/sf-async-callout/internal/capture"
	"github.com/sirephil/sf-async-callout/internal/model"
	"github.com/sirephil/sf-async-callout/internal/repo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrNameRequired means a deal was submitted without a name.
var ErrNameRequired = errors.New("deal name is required")

// ErrNegativeAmount means a negative deal amount was passed.
var ErrNegativeAmount = errors.New("amount must not be negative")

// ErrInvalidStatus means an unknown callout status filter was passed.
var ErrInvalidStatus = errors.New("unknown callout status")

// DealService glues the record API to the repository and change capture.
// Every mutation runs in one transaction: the row write and the callouts
// it implies either both persist or neither does.
type DealService struct {
	repo    repo.RepositoryInterface
	capture *capture.Capturer
	log     *zap.SugaredLogger
}

// NewDealService returns DealService.
func NewDealService(r repo.RepositoryInterface, c *capture.Capturer, logger *zap.SugaredLogger) *DealService {
	return &DealService{repo: r, capture: c, log: logger}
}

// DealParams carries the caller-settable fields for creation.
type DealParams struct {
	Name   string
	Stage  string
	Owner  string
	Amount decimal.Decimal
	Notes  string
}

// DealPatch carries partial updates; nil fields stay untouched.
type DealPatch struct {
	Name   *string
	Stage  *string
	Owner  *string
	Amount *decimal.Decimal
	Notes  *string
}

// CreateDeal stores a new deal and captures its creation.
func (s *DealService) CreateDeal(ctx context.Context, p DealParams) (*model.Deal, error) {
	if p.Name == "" {
		return nil, ErrNameRequired
	}
	if p.Amount.LessThan(decimal.Zero) {
		return nil, ErrNegativeAmount
	}
	stage := p.Stage
	if stage == "" {
		stage = "prospecting"
	}

	d := &model.Deal{
		Name:   p.Name,
		Stage:  stage,
		Owner:  p.Owner,
		Amount: p.Amount,
		Notes:  p.Notes,
	}
	txCtx := capture.WithTransaction(ctx)
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.CreateDeal(ctx, tx, d); err != nil {
			return err
		}
		return s.capture.CaptureChanges(txCtx, tx, nil, []capture.Snapshot{dealSnapshot(d)})
	})
	if err != nil {
		return nil, err
	}
	s.capture.Flush(txCtx)
	if err := s.repo.CacheDeal(ctx, d); err != nil {
		s.log.Warn(err)
	}
	return d, nil
}

// UpdateDeal applies a patch and captures the observable field changes.
// A patch that changes nothing still succeeds but emits no callout.
func (s *DealService) UpdateDeal(ctx context.Context, id string, p DealPatch) (*model.Deal, error) {
	if p.Amount != nil && p.Amount.LessThan(decimal.Zero) {
		return nil, ErrNegativeAmount
	}
	var updated *model.Deal
	txCtx := capture.WithTransaction(ctx)
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		before, err := s.repo.DealByID(ctx, tx, id)
		if err != nil {
			return err
		}
		after := *before
		applyPatch(&after, p)
		if err := s.repo.UpdateDeal(ctx, tx, &after, before.Version); err != nil {
			return err
		}
		updated = &after
		return s.capture.CaptureChanges(txCtx, tx,
			[]capture.Snapshot{dealSnapshot(before)},
			[]capture.Snapshot{dealSnapshot(updated)})
	})
	if err != nil {
		return nil, err
	}
	s.capture.Flush(txCtx)
	if err := s.repo.CacheDeal(ctx, updated); err != nil {
		s.log.Warn(err)
	}
	return updated, nil
}

// DeleteDeal removes a deal and captures the deletion.
func (s *DealService) DeleteDeal(ctx context.Context, id string) error {
	txCtx := capture.WithTransaction(ctx)
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		before, err := s.repo.DealByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := s.repo.DeleteDeal(ctx, tx, id, before.Version); err != nil {
			return err
		}
		return s.capture.CaptureChanges(txCtx, tx, []capture.Snapshot{dealSnapshot(before)}, nil)
	})
	if err != nil {
		return err
	}
	s.capture.Flush(txCtx)
	if err := s.repo.UncacheDeal(ctx, id); err != nil {
		s.log.Warn(err)
	}
	return nil
}

// GetDeal returns a deal, cache first.
func (s *DealService) GetDeal(ctx context.Context, id string) (*model.Deal, error) {
	if d, err := s.repo.CachedDeal(ctx, id); err == nil {
		return d, nil
	}
	d, err := s.repo.DealByID(ctx, s.repo.DB(ctx), id)
	if err != nil {
		return nil, err
	}
	if err := s.repo.CacheDeal(ctx, d); err != nil {
		s.log.Warn(err)
	}
	return d, nil
}

// ListDeals fetches recent deals.
func (s *DealService) ListDeals(ctx context.Context, limit int) ([]model.Deal, error) {
	return s.repo.ListDeals(ctx, limit)
}

// ListCallouts exposes the queue for operators; status filters when set.
func (s *DealService) ListCallouts(ctx context.Context, status string, limit int) ([]model.Callout, error) {
	switch model.Status(status) {
	case "", model.StatusPending, model.StatusSending, model.StatusComplete:
	default:
		return nil, ErrInvalidStatus
	}
	return s.repo.ListCallouts(ctx, model.Status(status), limit)
}

// PipelineStats returns the queue's status counts, briefly cached.
func (s *DealService) PipelineStats(ctx context.Context) (map[model.Status]int64, error) {
	if counts, err := s.repo.CachedStatusCounts(ctx); err == nil {
		return counts, nil
	}
	counts, err := s.repo.CalloutStatusCounts(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.repo.CacheStatusCounts(ctx, counts); err != nil {
		s.log.Warn(err)
	}
	return counts, nil
}

// Repo exposes underlying repository (unit tests helper).
func (s *DealService) Repo() repo.RepositoryInterface {
	return s.repo
}

func applyPatch(d *model.Deal, p DealPatch) {
	if p.Name != nil {
		d.Name = *p.Name
	}
	if p.Stage != nil {
		d.Stage = *p.Stage
	}
	if p.Owner != nil {
		d.Owner = *p.Owner
	}
	if p.Amount != nil {
		d.Amount = *p.Amount
	}
	if p.Notes != nil {
		d.Notes = *p.Notes
	}
}

// dealSnapshot flattens a deal into the capture contract, audit fields
// included. Amounts become strings so equality does not depend on the
// decimal representation.
func dealSnapshot(d *model.Deal) capture.Snapshot {
	return capture.Snapshot{
		RecordID: d.ID,
		Fields: map[string]any{
			"name":           d.Name,
			"stage":          d.Stage,
			"owner":          nilIfEmpty(d.Owner),
			"amount":         d.Amount.String(),
			"notes":          nilIfEmpty(d.Notes),
			"createdBy":      nilIfEmpty(d.CreatedBy),
			"createdAt":      d.CreatedAt.UTC().Format(time.RFC3339Nano),
			"lastModifiedAt": d.UpdatedAt.UTC().Format(time.RFC3339Nano),
			"systemModstamp": d.UpdatedAt.UTC().Format(time.RFC3339Nano),
		},
	}
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
