package repo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"github.com/sirephil/sf-async-callout/internal/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrDealNotFound is returned when a deal id resolves to no row.
var ErrDealNotFound = errors.New("deal not found")

// ErrDealConflict is returned when a guarded write loses a version race.
var ErrDealConflict = errors.New("deal was modified concurrently")

const (
	dealCacheTTL   = 5 * time.Minute
	countsCacheTTL = 3 * time.Second
)

// RepositoryInterface restricts Repo methods (unit test mocks plug in here).
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB

	CreateDeal(ctx context.Context, tx *gorm.DB, d *model.Deal) error
	DealByID(ctx context.Context, tx *gorm.DB, id string) (*model.Deal, error)
	UpdateDeal(ctx context.Context, tx *gorm.DB, d *model.Deal, oldVersion uint64) error
	DeleteDeal(ctx context.Context, tx *gorm.DB, id string, oldVersion uint64) error
	ListDeals(ctx context.Context, limit int) ([]model.Deal, error)

	CreateCallouts(ctx context.Context, tx *gorm.DB, rows []*model.Callout) error
	UpdateCalloutStatus(ctx context.Context, ids []uint64, status model.Status) error
	BusyRecordIDs(ctx context.Context) ([]string, error)
	PendingCalloutIDs(ctx context.Context, excludeRecordIDs []string, limit int) ([]uint64, error)
	CountPendingCallouts(ctx context.Context) (int64, error)
	CalloutsByID(ctx context.Context, ids []uint64) ([]model.Callout, error)
	ListCallouts(ctx context.Context, status model.Status, limit int) ([]model.Callout, error)
	CalloutStatusCounts(ctx context.Context) (map[model.Status]int64, error)

	DeliverCallouts(ctx context.Context, rows []model.Callout) error

	CacheDeal(ctx context.Context, d *model.Deal) error
	CachedDeal(ctx context.Context, id string) (*model.Deal, error)
	UncacheDeal(ctx context.Context, id string) error
	CacheStatusCounts(ctx context.Context, counts map[model.Status]int64) error
	CachedStatusCounts(ctx context.Context) (map[model.Status]int64, error)
}

// Repository implements RepositoryInterface over postgres, redis and kafka.
type Repository struct {
	db     *gorm.DB
	rdb    *redis.Client
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

// NewRepository constructs repo.
func NewRepository(db *gorm.DB, rdb *redis.Client, w *kafka.Writer, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, rdb: rdb, writer: w, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// CreateDeal inserts a new deal row.
func (r *Repository) CreateDeal(ctx context.Context, tx *gorm.DB, d *model.Deal) error {
	return tx.WithContext(ctx).Create(d).Error
}

// DealByID loads a deal within the given transaction handle.
func (r *Repository) DealByID(ctx context.Context, tx *gorm.DB, id string) (*model.Deal, error) {
	var d model.Deal
	if err := tx.WithContext(ctx).Where("id = ?", id).First(&d).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDealNotFound
		}
		return nil, err
	}
	return &d, nil
}

// UpdateDeal writes the mutable deal fields guarded by an optimistic
// version check.
func (r *Repository) UpdateDeal(ctx context.Context, tx *gorm.DB, d *model.Deal, oldVersion uint64) error {
	res := tx.WithContext(ctx).
		Model(&model.Deal{}).
		Where("id = ? AND version = ?", d.ID, oldVersion).
		Updates(map[string]interface{}{
			"name":       d.Name,
			"stage":      d.Stage,
			"owner":      d.Owner,
			"amount":     d.Amount,
			"notes":      d.Notes,
			"version":    oldVersion + 1,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrDealConflict
	}
	d.Version = oldVersion + 1
	return nil
}

// DeleteDeal removes a deal row guarded by the optimistic version check.
func (r *Repository) DeleteDeal(ctx context.Context, tx *gorm.DB, id string, oldVersion uint64) error {
	res := tx.WithContext(ctx).
		Where("id = ? AND version = ?", id, oldVersion).
		Delete(&model.Deal{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrDealConflict
	}
	return nil
}

// ListDeals fetches recent deals.
func (r *Repository) ListDeals(ctx context.Context, limit int) ([]model.Deal, error) {
	var ds []model.Deal
	err := r.db.WithContext(ctx).Order("created_at desc").Limit(limit).Find(&ds).Error
	return ds, err
}

// CreateCallouts writes the generated callout rows in one atomic insert
// inside the caller's transaction, sharing its fate.
func (r *Repository) CreateCallouts(ctx context.Context, tx *gorm.DB, rows []*model.Callout) error {
	if len(rows) == 0 {
		return nil
	}
	return tx.WithContext(ctx).Create(rows).Error
}

// UpdateCalloutStatus moves every given callout to status in a single
// UPDATE. Completion also stamps completed_at for inspection.
func (r *Repository) UpdateCalloutStatus(ctx context.Context, ids []uint64, status model.Status) error {
	if len(ids) == 0 {
		return nil
	}
	updates := map[string]interface{}{"status": status}
	if status == model.StatusComplete {
		now := time.Now().UTC()
		updates["completed_at"] = &now
	}
	return r.db.WithContext(ctx).
		Model(&model.Callout{}).
		Where("id IN ?", ids).
		Updates(updates).Error
}

// BusyRecordIDs returns the distinct record ids with a callout in flight.
func (r *Repository) BusyRecordIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&model.Callout{}).
		Where("status = ?", model.StatusSending).
		Distinct().
		Pluck("record_id", &ids).Error
	return ids, err
}

// PendingCalloutIDs returns up to limit pending callout ids in creation
// order, skipping records that already have a callout in flight so a later
// change can never overtake an earlier one.
func (r *Repository) PendingCalloutIDs(ctx context.Context, excludeRecordIDs []string, limit int) ([]uint64, error) {
	q := r.db.WithContext(ctx).
		Model(&model.Callout{}).
		Where("status = ?", model.StatusPending)
	if len(excludeRecordIDs) > 0 {
		q = q.Where("record_id NOT IN ?", excludeRecordIDs)
	}
	var ids []uint64
	err := q.Order("created_at, id").Limit(limit).Pluck("id", &ids).Error
	return ids, err
}

// CountPendingCallouts reports how many callouts still await claiming.
func (r *Repository) CountPendingCallouts(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&model.Callout{}).
		Where("status = ?", model.StatusPending).
		Count(&n).Error
	return n, err
}

// CalloutsByID loads the given callouts in creation order.
func (r *Repository) CalloutsByID(ctx context.Context, ids []uint64) ([]model.Callout, error) {
	var rows []model.Callout
	err := r.db.WithContext(ctx).
		Where("id IN ?", ids).
		Order("created_at, id").
		Find(&rows).Error
	return rows, err
}

// ListCallouts fetches recent callouts, optionally filtered by status.
func (r *Repository) ListCallouts(ctx context.Context, status model.Status, limit int) ([]model.Callout, error) {
	q := r.db.WithContext(ctx).Model(&model.Callout{})
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var rows []model.Callout
	err := q.Order("created_at desc, id desc").Limit(limit).Find(&rows).Error
	return rows, err
}

// CalloutStatusCounts groups the queue by status.
func (r *Repository) CalloutStatusCounts(ctx context.Context) (map[model.Status]int64, error) {
	var rows []struct {
		Status model.Status
		N      int64
	}
	err := r.db.WithContext(ctx).
		Model(&model.Callout{}).
		Select("status, count(*) as n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := map[model.Status]int64{
		model.StatusPending:  0,
		model.StatusSending:  0,
		model.StatusComplete: 0,
	}
	for _, row := range rows {
		counts[row.Status] = row.N
	}
	return counts, nil
}

// DeliverCallouts produces one kafka message per callout, keyed by record
// id so the external consumer observes each record's changes in partition
// order. The messages are appended in the order given.
func (r *Repository) DeliverCallouts(ctx context.Context, rows []model.Callout) error {
	if len(rows) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(rows))
	for _, c := range rows {
		value, err := json.Marshal(model.CalloutMessage{
			ID:        c.ID,
			RecordID:  c.RecordID,
			Operation: c.Operation,
			Changes:   json.RawMessage(c.Payload),
			CreatedAt: c.CreatedAt,
		})
		if err != nil {
			return err
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(c.RecordID),
			Value: value,
			Time:  time.Now(),
		})
	}
	return r.writer.WriteMessages(ctx, msgs...)
}

// CacheDeal writes Redis.
func (r *Repository) CacheDeal(ctx context.Context, d *model.Deal) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, "deal:"+d.ID, data, dealCacheTTL).Err()
}

// CachedDeal reads Redis.
func (r *Repository) CachedDeal(ctx context.Context, id string) (*model.Deal, error) {
	data, err := r.rdb.Get(ctx, "deal:"+id).Bytes()
	if err != nil {
		return nil, err
	}
	var d model.Deal
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// UncacheDeal drops a deal from Redis after deletion.
func (r *Repository) UncacheDeal(ctx context.Context, id string) error {
	return r.rdb.Del(ctx, "deal:"+id).Err()
}

// CacheStatusCounts stores the queue counts briefly so the stats endpoint
// does not hammer the table.
func (r *Repository) CacheStatusCounts(ctx context.Context, counts map[model.Status]int64) error {
	data, err := json.Marshal(counts)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, "callout:status-counts", data, countsCacheTTL).Err()
}

// CachedStatusCounts reads the cached queue counts.
func (r *Repository) CachedStatusCounts(ctx context.Context) (map[model.Status]int64, error) {
	data, err := r.rdb.Get(ctx, "callout:status-counts").Bytes()
	if err != nil {
		return nil, err
	}
	var counts map[model.Status]int64
	if err := json.Unmarshal(data, &counts); err != nil {
		return nil, err
	}
	return counts, nil
}
