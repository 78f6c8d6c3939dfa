package sweep

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"custody-core/internal/model"
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

func newTask(addressID uint64) *model.SweepTask {
	now := time.Now()
	return &model.SweepTask{
		DepositAddressID: addressID,
		PartnerID:        "p1",
		QueueType:        model.QueueNormal,
		Priority:         5,
		ExpectedAmount:   decimal.NewFromInt(100),
		Reason:           TriggerInterval,
		ScheduledAt:      now,
		ExpiresAt:        now.Add(time.Hour),
	}
}

func TestEnqueueDedupesActiveTask(t *testing.T) {
	db := newTestDB(t)
	q := NewQueue(db)
	ctx := context.Background()

	first, created, err := q.Enqueue(ctx, newTask(1))
	require.NoError(t, err)
	require.True(t, created)

	// 同地址已有 queued 任务，返回既有任务
	second, created, err := q.Enqueue(ctx, newTask(1))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	var count int64
	require.NoError(t, db.Model(&model.SweepTask{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)

	// 任务跑到终态后同地址可以再次入队
	claimed, err := q.DequeueNext(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, q.Complete(ctx, claimed[0].ID, ReasonSwept))

	_, created, err = q.Enqueue(ctx, newTask(1))
	require.NoError(t, err)
	assert.True(t, created)
}

func TestActiveSweepUniqueIndex(t *testing.T) {
	db := newTestDB(t)

	first := newTask(7)
	first.Status = model.SweepQueued
	require.NoError(t, db.Create(first).Error)

	// 绕过 Enqueue 的快路径直接插第二条活跃任务，唯一索引必须拦下
	dup := newTask(7)
	dup.Status = model.SweepProcessing
	assert.Error(t, db.Create(dup).Error)

	// 终态任务不占索引，同地址的历史记录可以共存
	done := newTask(7)
	done.Status = model.SweepCompleted
	assert.NoError(t, db.Create(done).Error)
}
