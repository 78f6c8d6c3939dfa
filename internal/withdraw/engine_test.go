package withdraw

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
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

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRuleMatches(t *testing.T) {
	e := &Engine{}
	noon := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	night := time.Date(2026, 8, 28, 2, 0, 0, 0, time.UTC)

	w := func(amount int64, to string) *model.Withdrawal {
		return &model.Withdrawal{Amount: decimal.NewFromInt(amount), ToAddress: to}
	}

	tests := []struct {
		name string
		rule model.WithdrawalApprovalRule
		w    *model.Withdrawal
		now  time.Time
		want bool
	}{
		{
			name: "无任何条件的规则匹配一切",
			rule: model.WithdrawalApprovalRule{},
			w:    w(100, "TAddr"),
			now:  noon,
			want: true,
		},
		{
			name: "金额低于下限不匹配",
			rule: model.WithdrawalApprovalRule{MinAmount: decimal.NewFromInt(500)},
			w:    w(100, "TAddr"),
			now:  noon,
			want: false,
		},
		{
			name: "金额高于上限不匹配",
			rule: model.WithdrawalApprovalRule{MaxAmount: decimal.NewFromInt(50)},
			w:    w(100, "TAddr"),
			now:  noon,
			want: false,
		},
		{
			name: "金额区间内匹配",
			rule: model.WithdrawalApprovalRule{
				MinAmount: decimal.NewFromInt(50),
				MaxAmount: decimal.NewFromInt(500),
			},
			w:    w(100, "TAddr"),
			now:  noon,
			want: true,
		},
		{
			name: "地址集合命中",
			rule: model.WithdrawalApprovalRule{Addresses: `["TAddr","TOther"]`},
			w:    w(100, "TAddr"),
			now:  noon,
			want: true,
		},
		{
			name: "地址集合未命中",
			rule: model.WithdrawalApprovalRule{Addresses: `["TOther"]`},
			w:    w(100, "TAddr"),
			now:  noon,
			want: false,
		},
		{
			name: "地址集合为空数组视为不限地址",
			rule: model.WithdrawalApprovalRule{Addresses: `[]`},
			w:    w(100, "TAddr"),
			now:  noon,
			want: true,
		},
		{
			name: "地址集合 JSON 非法按不匹配处理",
			rule: model.WithdrawalApprovalRule{Addresses: `{bad`},
			w:    w(100, "TAddr"),
			now:  noon,
			want: false,
		},
		{
			name: "时间窗内匹配",
			rule: model.WithdrawalApprovalRule{HourFrom: 9, HourTo: 18},
			w:    w(100, "TAddr"),
			now:  noon,
			want: true,
		},
		{
			name: "时间窗外不匹配",
			rule: model.WithdrawalApprovalRule{HourFrom: 9, HourTo: 18},
			w:    w(100, "TAddr"),
			now:  night,
			want: false,
		},
		{
			name: "时间窗右端开区间",
			rule: model.WithdrawalApprovalRule{HourFrom: 9, HourTo: 12},
			w:    w(100, "TAddr"),
			now:  noon,
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.ruleMatches(&tt.rule, tt.w, tt.now))
		})
	}
}

func TestDefaultRoute(t *testing.T) {
	e := &Engine{}
	maxAmount := decimal.NewFromInt(1000)

	tests := []struct {
		name       string
		policyType model.PolicyType
		amount     int64
		want       model.WithdrawalStatus
	}{
		{"realtime 即刻批准", model.PolicyRealtime, 900, model.WithdrawAutoApproved},
		{"batch 进批量队列", model.PolicyBatch, 10, model.WithdrawQueuedBatch},
		{"hybrid 小额即刻批准", model.PolicyHybrid, 500, model.WithdrawAutoApproved},
		{"hybrid 刚过半走批量", model.PolicyHybrid, 501, model.WithdrawQueuedBatch},
		{"hybrid 大额走批量", model.PolicyHybrid, 999, model.WithdrawQueuedBatch},
		{"manual 全部人工", model.PolicyManual, 1, model.WithdrawPendingReview},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy := &model.WithdrawalPolicy{
				PolicyType:           tt.policyType,
				AutoApproveMaxAmount: maxAmount,
			}
			w := &model.Withdrawal{Amount: decimal.NewFromInt(tt.amount)}
			status, reasonCode, reasons := e.defaultRoute(policy, w)
			assert.Equal(t, tt.want, status)
			assert.Equal(t, "policy_default", reasonCode)
			assert.Len(t, reasons, 1)
		})
	}
}

func TestEvaluateDailyLimitGate(t *testing.T) {
	db := newTestDB(t)
	e := NewEngine(db, NewRiskScorer(db, newTestRedis(t)))
	ctx := context.Background()

	require.NoError(t, db.Create(&model.WithdrawalPolicy{
		PartnerID:            "p1",
		PolicyType:           model.PolicyRealtime,
		AutoApproveEnabled:   true,
		AutoApproveMaxAmount: decimal.NewFromInt(1000),
		DailyLimit:           decimal.NewFromInt(500),
		RiskScoreThreshold:   70,
	}).Error)

	// 今天已有 480 占用了 Partner 日额度
	require.NoError(t, db.Create(&model.Withdrawal{
		PartnerID: "p1",
		UserID:    1,
		ToAddress: "TEarlierAddr",
		Amount:    decimal.NewFromInt(480),
		Status:    model.WithdrawCompleted,
	}).Error)

	w := &model.Withdrawal{
		PartnerID: "p1",
		UserID:    2,
		ToAddress: "TAnotherAddr",
		Amount:    decimal.NewFromInt(50),
		Status:    model.WithdrawPending,
		Priority:  5,
	}
	require.NoError(t, db.Create(w).Error)

	// 480 + 50 > 500，必须被日限额闸门拦下转人工
	got, err := e.Evaluate(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WithdrawPendingReview, got.Status)
	assert.Equal(t, GateDailyLimit, got.ReasonCode)
	assert.Contains(t, got.Reasons, GateDailyLimit)
}
