package sweep

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"custody-core/internal/model"
)

func TestBackoffFor(t *testing.T) {
	e := &Executor{cfg: ExecutorConfig{
		RetryBackoff: 30 * time.Second,
		BackoffCap:   10 * time.Minute,
	}}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 30 * time.Second}, // attempt 异常值按首次处理
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{4, 4 * time.Minute},
		{5, 8 * time.Minute},
		{6, 10 * time.Minute},  // 封顶
		{20, 10 * time.Minute}, // 不溢出
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, e.backoffFor(tt.attempt), "attempt=%d", tt.attempt)
	}
}

func TestSweepBounds(t *testing.T) {
	db := newTestDB(t)
	e := NewExecutor(db, NewQueue(db), nil, nil, nil, nil, nil, ExecutorConfig{})
	ctx := context.Background()

	require.NoError(t, db.Create(&model.SweepConfiguration{
		PartnerID:       "p1",
		MinSweepAmount:  decimal.NewFromInt(10),
		MaxSweepAmount:  decimal.NewFromInt(500),
		IntervalMinutes: 60,
	}).Error)

	minSweep, maxSweep := e.sweepBounds(ctx, &model.DepositAddress{PartnerID: "p1"})
	assert.True(t, minSweep.Equal(decimal.NewFromInt(10)))
	assert.True(t, maxSweep.Equal(decimal.NewFromInt(500)))

	// 地址级下限覆盖 Partner 配置，上限始终取 Partner 配置
	minSweep, maxSweep = e.sweepBounds(ctx, &model.DepositAddress{
		PartnerID:      "p1",
		MinSweepAmount: decimal.NewFromInt(100),
	})
	assert.True(t, minSweep.Equal(decimal.NewFromInt(100)))
	assert.True(t, maxSweep.Equal(decimal.NewFromInt(500)))
}

func TestGasFeeOf(t *testing.T) {
	// 池内分配的成本已是 TRX 计价，原样入账
	pooled := &model.EnergyAllocation{
		Status:    model.AllocCompleted,
		TotalCost: decimal.NewFromFloat(13.65),
	}
	assert.True(t, gasFeeOf(pooled).Equal(decimal.NewFromFloat(13.65)))

	// 直接燃烧的成本以 sun 计价，折算成 TRX
	fallback := &model.EnergyAllocation{
		Status:    model.AllocFallback,
		TotalCost: decimal.NewFromInt(27300000),
	}
	assert.True(t, gasFeeOf(fallback).Equal(decimal.NewFromFloat(27.3)))
}

func TestFailTerminalTripsCircuit(t *testing.T) {
	db := newTestDB(t)
	e := NewExecutor(db, NewQueue(db), nil, nil, nil, nil, nil, ExecutorConfig{MaxRetries: 3})
	ctx := context.Background()

	require.NoError(t, db.Create(&model.SweepConfiguration{
		PartnerID:               "p1",
		MinSweepAmount:          decimal.NewFromInt(10),
		IntervalMinutes:         60,
		ConsecutiveFailureLimit: 2,
	}).Error)

	fail := func(addressID uint64) {
		task := newTask(addressID)
		task.Status = model.SweepProcessing
		require.NoError(t, db.Create(task).Error)
		e.failTerminal(ctx, task, ReasonPermanentChain, errors.New("bad account state"))
	}

	fail(1)
	var cfg model.SweepConfiguration
	require.NoError(t, db.Where("partner_id = ?", "p1").First(&cfg).Error)
	assert.Equal(t, 1, cfg.ConsecutiveFailures)
	assert.False(t, cfg.Suspended)

	// 第二次终态失败达到上限，熔断
	fail(2)
	require.NoError(t, db.Where("partner_id = ?", "p1").First(&cfg).Error)
	assert.Equal(t, 2, cfg.ConsecutiveFailures)
	assert.True(t, cfg.Suspended)
}
