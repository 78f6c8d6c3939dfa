package energy

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"custody-core/internal/model"
	"custody-core/pkg/cache"
	"custody-core/pkg/monitor"
)

func TestMain(m *testing.M) {
	monitor.Init()
	os.Exit(m.Run())
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// 内存库单连接，避免连接池拿到没有表的新库
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(model.AllModels()...))
	return db
}

func newTestAllocator(db *gorm.DB, markets MarketFactory) *Allocator {
	return NewAllocator(db, cache.NewMemoryCache(time.Minute, time.Minute), markets, Config{
		HealthTTL:         time.Minute,
		AllocationTTL:     30 * time.Minute,
		FallbackUnitPrice: decimal.NewFromInt(420),
	})
}

func seedSupplier(t *testing.T, db *gorm.DB, capacity int64) *model.EnergySupplier {
	t.Helper()
	s := &model.EnergySupplier{
		Name:              "self-pool",
		Type:              model.SupplierSelfStaking,
		AvailableCapacity: capacity,
		CostPerUnit:       decimal.NewFromFloat(0.00021),
		Priority:          10,
		Health:            model.HealthActive,
		SuccessRate:       1,
		Enabled:           true,
	}
	require.NoError(t, db.Create(s).Error)
	return s
}

func capacityOf(t *testing.T, db *gorm.DB, id uint64) int64 {
	t.Helper()
	var s model.EnergySupplier
	require.NoError(t, db.First(&s, id).Error)
	return s.AvailableCapacity
}

func TestAllocateDebitsCapacityExactly(t *testing.T) {
	db := newTestDB(t)
	a := newTestAllocator(db, nil)
	s := seedSupplier(t, db, 100000)

	alloc, err := a.Allocate(context.Background(), "p1", "req-1", 65000, false)
	require.NoError(t, err)
	assert.Equal(t, model.AllocCompleted, alloc.Status)
	assert.Equal(t, s.ID, alloc.SupplierID)
	assert.EqualValues(t, 35000, capacityOf(t, db, s.ID))
}

func TestAllocateIdempotentWhileHeld(t *testing.T) {
	db := newTestDB(t)
	a := newTestAllocator(db, nil)
	s := seedSupplier(t, db, 100000)
	ctx := context.Background()

	first, err := a.Allocate(ctx, "p1", "req-1", 65000, false)
	require.NoError(t, err)

	// 同一 requestID 重复分配返回同一条记录，容量只扣一次
	second, err := a.Allocate(ctx, "p1", "req-1", 65000, false)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.EqualValues(t, 35000, capacityOf(t, db, s.ID))
}

func TestAllocateAfterReleaseAllocatesFresh(t *testing.T) {
	db := newTestDB(t)
	a := newTestAllocator(db, nil)
	s := seedSupplier(t, db, 100000)
	ctx := context.Background()

	first, err := a.Allocate(ctx, "p1", "req-1", 65000, false)
	require.NoError(t, err)
	require.NoError(t, a.Release(ctx, "req-1"))
	require.EqualValues(t, 100000, capacityOf(t, db, s.ID))

	// 执行失败释放后再重试: 必须重新扣容量，而不是把已释放的
	// 记录当成持有中的额度还回去
	retry, err := a.Allocate(ctx, "p1", "req-1", 65000, false)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, retry.ID)
	assert.Equal(t, model.AllocCompleted, retry.Status)
	assert.Nil(t, retry.ReleasedAt)
	assert.EqualValues(t, 35000, capacityOf(t, db, s.ID))
}

func TestReleaseIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	a := newTestAllocator(db, nil)
	s := seedSupplier(t, db, 100000)
	ctx := context.Background()

	_, err := a.Allocate(ctx, "p1", "req-1", 65000, false)
	require.NoError(t, err)
	require.NoError(t, a.Release(ctx, "req-1"))
	require.NoError(t, a.Release(ctx, "req-1"))
	assert.EqualValues(t, 100000, capacityOf(t, db, s.ID))
}

func TestAllocateFallbackWhenPoolExhausted(t *testing.T) {
	db := newTestDB(t)
	a := newTestAllocator(db, nil)
	seedSupplier(t, db, 0) // 自有质押容量耗尽

	alloc, err := a.Allocate(context.Background(), "p1", "req-1", 65000, false)
	require.NoError(t, err)
	assert.Equal(t, model.AllocFallback, alloc.Status)
	assert.Zero(t, alloc.SupplierID)
	assert.Equal(t, ReasonAllExhausted, alloc.ReasonCode)
	assert.True(t, alloc.TotalCost.Equal(decimal.NewFromInt(420*65000)))
}

type downMarket struct{}

func (downMarket) QuotePrice(ctx context.Context, amount int64) (decimal.Decimal, error) {
	return decimal.Zero, errors.New("supplier unreachable")
}

func (downMarket) Purchase(ctx context.Context, amount int64) (string, error) {
	return "", errors.New("supplier unreachable")
}

func (downMarket) HealthCheck(ctx context.Context) (bool, error) {
	return false, errors.New("supplier unreachable")
}

func TestAllocateFallbackWhenAllSuppliersError(t *testing.T) {
	db := newTestDB(t)
	a := newTestAllocator(db, func(*model.EnergySupplier) Market { return downMarket{} })
	ext := &model.EnergySupplier{
		Name:              "ext-vendor",
		Type:              model.SupplierExternal,
		AvailableCapacity: 1000000,
		CostPerUnit:       decimal.NewFromFloat(0.0002),
		Priority:          20,
		Health:            model.HealthActive,
		SuccessRate:       1,
		Enabled:           true,
		Endpoint:          "http://vendor.invalid",
	}
	require.NoError(t, db.Create(ext).Error)

	alloc, err := a.Allocate(context.Background(), "p1", "req-1", 65000, false)
	require.NoError(t, err)
	assert.Equal(t, model.AllocFallback, alloc.Status)
	// 探活失败的供应方一点容量都不该被动到
	assert.EqualValues(t, 1000000, capacityOf(t, db, ext.ID))
}
