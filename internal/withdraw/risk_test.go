package withdraw

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"custody-core/internal/model"
)

func TestAmountTier(t *testing.T) {
	r := &RiskScorer{}
	policy := &model.WithdrawalPolicy{AutoApproveMaxAmount: decimal.NewFromInt(1000)}

	tests := []struct {
		name   string
		amount int64
		want   int
	}{
		{"超过上限两倍", 2001, 40},
		{"超过上限", 1001, 30},
		{"过半", 501, 20},
		{"四分之一以上", 251, 10},
		{"小额", 100, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.amountTier(decimal.NewFromInt(tt.amount), policy))
		})
	}

	// 未配置自动审批上限时退回日限额做基准
	fallback := &model.WithdrawalPolicy{DailyLimit: decimal.NewFromInt(1000)}
	assert.Equal(t, 30, r.amountTier(decimal.NewFromInt(1500), fallback))

	// 两个基准都没有时不计分
	assert.Equal(t, 0, r.amountTier(decimal.NewFromInt(1500), &model.WithdrawalPolicy{}))
}

func TestPatternAnomaly(t *testing.T) {
	r := &RiskScorer{}
	day := time.Date(2026, 8, 28, 14, 0, 0, 0, time.UTC)
	night := time.Date(2026, 8, 28, 3, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		at     time.Time
		amount decimal.Decimal
		want   int
	}{
		{"白天小额", day, decimal.NewFromFloat(123.45), 0},
		{"深夜发起", night, decimal.NewFromFloat(123.45), 5},
		{"大额整数", day, decimal.NewFromInt(5000), 10},
		{"深夜大额整数", night, decimal.NewFromInt(5000), 15},
		{"小额整数不加分", day, decimal.NewFromInt(100), 0},
		{"大额带小数不加分", day, decimal.NewFromFloat(5000.5), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &model.Withdrawal{Amount: tt.amount}
			w.CreatedAt = tt.at
			assert.Equal(t, tt.want, r.patternAnomaly(w))
		})
	}
}

func TestFrequencyCountsOnSubmitNotOnScore(t *testing.T) {
	db := newTestDB(t)
	r := NewRiskScorer(db, newTestRedis(t))
	ctx := context.Background()

	policy := &model.WithdrawalPolicy{
		AutoApproveMaxAmount: decimal.NewFromInt(1000),
		RiskScoreThreshold:   70,
	}
	w := &model.Withdrawal{
		PartnerID: "p1",
		UserID:    1,
		ToAddress: "TAddr",
		Amount:    decimal.NewFromFloat(10.5),
	}
	w.CreatedAt = time.Date(2026, 8, 28, 14, 0, 0, 0, time.UTC)

	// 反复评分不推高频率分
	first, err := r.Score(ctx, w, policy)
	require.NoError(t, err)
	second, err := r.Score(ctx, w, policy)
	require.NoError(t, err)
	assert.Equal(t, 0, first.Frequency)
	assert.Equal(t, first.Frequency, second.Frequency)

	// 受理 4 笔后窗口计数越过阈值
	for i := 0; i < 4; i++ {
		r.RecordAttempt(ctx, w)
	}
	third, err := r.Score(ctx, w, policy)
	require.NoError(t, err)
	assert.Equal(t, 5, third.Frequency)
}
