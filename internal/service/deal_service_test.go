package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/sirephil/sf-async-callout/internal/capture"
	"github.com/sirephil/sf-async-callout/internal/container"
	"github.com/sirephil/sf-async-callout/internal/logger"
	"github.com/sirephil/sf-async-callout/internal/model"
	"github.com/sirephil/sf-async-callout/internal/pipeline"
	"github.com/sirephil/sf-async-callout/internal/repo"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type recordingBus struct {
	mu    sync.Mutex
	types []string
}

func (b *recordingBus) Publish(processorType string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.types = append(b.types, processorType)
}

func (b *recordingBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.types)
}

type testEnv struct {
	svc  *DealService
	db   *gorm.DB
	bus  *recordingBus
	mock redismock.ClientMock
	log  *zap.SugaredLogger
}

func newTestEnv(t *testing.T, name string) *testEnv {
	db, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(&model.Deal{}, &model.Callout{}))

	rdb, mock := redismock.NewClientMock()
	log, err := logger.NewLogger("error")
	assert.NoError(t, err)

	repository := repo.NewRepository(db, rdb, &kafka.Writer{}, log)
	bus := &recordingBus{}
	capturer := capture.NewCapturer(repository, bus, pipeline.CalloutProcessorType, log)
	return &testEnv{
		svc:  NewDealService(repository, capturer, log),
		db:   db,
		bus:  bus,
		mock: mock,
		log:  log,
	}
}

func (e *testEnv) callouts(t *testing.T) []model.Callout {
	var rows []model.Callout
	assert.NoError(t, e.db.Order("id").Find(&rows).Error)
	return rows
}

func payloadFields(t *testing.T, payload string) map[string]any {
	var fields map[string]any
	assert.NoError(t, json.Unmarshal([]byte(payload), &fields))
	return fields
}

func TestDealService_CreateEmitsCreateCallout(t *testing.T) {
	env := newTestEnv(t, "svc_create")
	ctx := context.Background()

	d, err := env.svc.CreateDeal(ctx, DealParams{
		Name: "Acme", Stage: "open", Owner: "ops",
		Amount: decimal.NewFromInt(100),
	})
	assert.NoError(t, err)
	assert.Len(t, d.ID, 36, "ids are assigned, never caller-picked")

	rows := env.callouts(t)
	assert.Len(t, rows, 1)
	assert.Equal(t, d.ID, rows[0].RecordID)
	assert.Equal(t, model.OpCreate, rows[0].Operation)
	assert.Equal(t, model.StatusPending, rows[0].Status)
	assert.Equal(t, map[string]any{
		"name": "Acme", "stage": "open", "owner": "ops", "amount": "100",
	}, payloadFields(t, rows[0].Payload), "audit and unset fields stay out of the payload")
	assert.Equal(t, 1, env.bus.count())
}

func TestDealService_CreateDefaultsStage(t *testing.T) {
	env := newTestEnv(t, "svc_stage")

	d, err := env.svc.CreateDeal(context.Background(), DealParams{Name: "Acme"})
	assert.NoError(t, err)
	assert.Equal(t, "prospecting", d.Stage)
}

func TestDealService_UpdateEmitsOnlyChangedFields(t *testing.T) {
	env := newTestEnv(t, "svc_update")
	ctx := context.Background()
	assert.NoError(t, env.db.Create(&model.Deal{
		ID: "d-1", Name: "Acme", Stage: "open", Owner: "ops",
		Amount: decimal.NewFromInt(100),
	}).Error)

	stage := "won"
	amount := decimal.NewFromInt(150)
	d, err := env.svc.UpdateDeal(ctx, "d-1", DealPatch{Stage: &stage, Amount: &amount})
	assert.NoError(t, err)
	assert.Equal(t, uint64(1), d.Version)

	rows := env.callouts(t)
	assert.Len(t, rows, 1)
	assert.Equal(t, model.OpUpdate, rows[0].Operation)
	assert.Equal(t, map[string]any{"stage": "won", "amount": "150"},
		payloadFields(t, rows[0].Payload))
	assert.Equal(t, 1, env.bus.count())
}

func TestDealService_NoopUpdateEmitsNothing(t *testing.T) {
	env := newTestEnv(t, "svc_noop")
	ctx := context.Background()
	assert.NoError(t, env.db.Create(&model.Deal{
		ID: "d-1", Name: "Acme", Stage: "open", Owner: "ops",
		Amount: decimal.NewFromInt(100),
	}).Error)

	stage := "open"
	_, err := env.svc.UpdateDeal(ctx, "d-1", DealPatch{Stage: &stage})
	assert.NoError(t, err)

	assert.Empty(t, env.callouts(t))
	assert.Equal(t, 0, env.bus.count())
}

func TestDealService_DeleteEmitsDeleteCallout(t *testing.T) {
	env := newTestEnv(t, "svc_delete")
	ctx := context.Background()
	assert.NoError(t, env.db.Create(&model.Deal{
		ID: "d-2", Name: "Globex", Stage: "open", Owner: "kim",
		Amount: decimal.NewFromInt(50),
	}).Error)

	assert.NoError(t, env.svc.DeleteDeal(ctx, "d-2"))

	rows := env.callouts(t)
	assert.Len(t, rows, 1)
	assert.Equal(t, model.OpDelete, rows[0].Operation)
	assert.Equal(t, "d-2", rows[0].RecordID)
	assert.Empty(t, rows[0].Payload)
	assert.Equal(t, 1, env.bus.count())

	_, err := env.svc.GetDeal(ctx, "d-2")
	assert.ErrorIs(t, err, repo.ErrDealNotFound)
}

func TestDealService_ValidationRules(t *testing.T) {
	env := newTestEnv(t, "svc_validate")
	ctx := context.Background()

	_, err := env.svc.CreateDeal(ctx, DealParams{Amount: decimal.NewFromInt(10)})
	assert.ErrorIs(t, err, ErrNameRequired)

	_, err = env.svc.CreateDeal(ctx, DealParams{Name: "Acme", Amount: decimal.NewFromInt(-1)})
	assert.ErrorIs(t, err, ErrNegativeAmount)

	bad := decimal.NewFromInt(-5)
	_, err = env.svc.UpdateDeal(ctx, "whatever", DealPatch{Amount: &bad})
	assert.ErrorIs(t, err, ErrNegativeAmount)

	_, err = env.svc.UpdateDeal(ctx, "ghost", DealPatch{})
	assert.ErrorIs(t, err, repo.ErrDealNotFound)

	_, err = env.svc.ListCallouts(ctx, "bogus", 10)
	assert.ErrorIs(t, err, ErrInvalidStatus)

	assert.Empty(t, env.callouts(t), "failed mutations must not leave callouts behind")
}

func TestDealService_GetDealPrefersCache(t *testing.T) {
	env := newTestEnv(t, "svc_cache")
	ctx := context.Background()
	assert.NoError(t, env.db.Create(&model.Deal{
		ID: "d-3", Name: "FromDB", Stage: "open", Owner: "ops",
		Amount: decimal.NewFromInt(10),
	}).Error)

	cached, err := json.Marshal(&model.Deal{ID: "d-3", Name: "FromCache", Stage: "open"})
	assert.NoError(t, err)
	env.mock.ExpectGet("deal:d-3").SetVal(string(cached))

	d, err := env.svc.GetDeal(ctx, "d-3")
	assert.NoError(t, err)
	assert.Equal(t, "FromCache", d.Name)

	// without a cached row the database answers
	d, err = env.svc.GetDeal(ctx, "d-3")
	assert.NoError(t, err)
	assert.Equal(t, "FromDB", d.Name)
}

func TestDealService_PipelineStats(t *testing.T) {
	env := newTestEnv(t, "svc_stats")
	ctx := context.Background()

	for _, status := range []model.Status{model.StatusPending, model.StatusPending, model.StatusComplete} {
		assert.NoError(t, env.db.Create(&model.Callout{
			RecordID: "rec-a", Operation: model.OpUpdate, Payload: "{}", Status: status,
		}).Error)
	}

	counts, err := env.svc.PipelineStats(ctx)
	assert.NoError(t, err)
	assert.Equal(t, map[model.Status]int64{
		model.StatusPending:  2,
		model.StatusSending:  0,
		model.StatusComplete: 1,
	}, counts)
}

// seqDeliverer records the exact order rows reach the external system.
type seqDeliverer struct {
	mu  sync.Mutex
	seq []model.Callout
}

func (d *seqDeliverer) DeliverCallouts(ctx context.Context, rows []model.Callout) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq = append(d.seq, rows...)
	return nil
}

func (d *seqDeliverer) delivered() []model.Callout {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]model.Callout, len(d.seq))
	copy(out, d.seq)
	return out
}

func TestDealService_EndToEndPipelineDelivers(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file:svc_e2e?mode=memory&cache=shared"), &gorm.Config{})
	assert.NoError(t, err)
	// one pooled connection, or concurrent senders trip sqlite's
	// shared-cache table locks
	sqlDB, err := db.DB()
	assert.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	assert.NoError(t, db.AutoMigrate(&model.Deal{}, &model.Callout{}))
	rdb, _ := redismock.NewClientMock()
	log, err := logger.NewLogger("error")
	assert.NoError(t, err)
	repository := repo.NewRepository(db, rdb, &kafka.Writer{}, log)

	// live wiring: container-resolved processor, real bus and runner
	deliverer := &seqDeliverer{}
	reg := container.New()
	bus := pipeline.NewBus(reg, time.Millisecond, log)
	runner := pipeline.NewRunner(4, log)
	reg.Register(pipeline.CalloutProcessorType, func() any {
		return pipeline.NewCalloutProcessor(repository, deliverer, bus, runner, 10, log)
	})
	bus.Subscribe(pipeline.CalloutProcessorType)

	capturer := capture.NewCapturer(repository, bus, pipeline.CalloutProcessorType, log)
	svc := NewDealService(repository, capturer, log)
	ctx := context.Background()

	d1, err := svc.CreateDeal(ctx, DealParams{Name: "Acme", Stage: "open", Amount: decimal.NewFromInt(100)})
	assert.NoError(t, err)
	d2, err := svc.CreateDeal(ctx, DealParams{Name: "Globex", Stage: "open", Amount: decimal.NewFromInt(200)})
	assert.NoError(t, err)

	stage := "won"
	_, err = svc.UpdateDeal(ctx, d1.ID, DealPatch{Stage: &stage})
	assert.NoError(t, err)
	assert.NoError(t, svc.DeleteDeal(ctx, d2.ID))

	assert.Eventually(t, func() bool {
		counts, err := repository.CalloutStatusCounts(ctx)
		if err != nil {
			return false
		}
		return counts[model.StatusComplete] == 4 && len(deliverer.delivered()) == 4
	}, 5*time.Second, 5*time.Millisecond)

	bus.Stop()
	runner.Wait()

	// each record's callouts must arrive in the order they were captured
	lastSeen := make(map[string]uint64)
	for _, row := range deliverer.delivered() {
		if prev, ok := lastSeen[row.RecordID]; ok {
			assert.Greater(t, row.ID, prev)
		}
		lastSeen[row.RecordID] = row.ID
	}

	ops := make(map[string][]model.Operation)
	for _, row := range deliverer.delivered() {
		ops[row.RecordID] = append(ops[row.RecordID], row.Operation)
	}
	assert.Equal(t, []model.Operation{model.OpCreate, model.OpUpdate}, ops[d1.ID])
	assert.Equal(t, []model.Operation{model.OpCreate, model.OpDelete}, ops[d2.ID])
}
