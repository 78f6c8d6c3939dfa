package withdraw

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"custody-core/internal/model"
	"custody-core/pkg/logger"
)

// 风险等级与建议动作
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"

	RecommendApprove = "approve"
	RecommendReview  = "review"
	RecommendReject  = "reject"
)

// 频率统计的滑动窗口
const frequencyWindow = time.Hour

// RiskScorer 计算提现单的风险评分。
// 各维度分值相加得总分，总分与 Partner 策略里的阈值比较。
// 评分只提供信号，拒绝与否由 Engine 的规则决定。
type RiskScorer struct {
	db    *gorm.DB
	redis *redis.Client
}

func NewRiskScorer(db *gorm.DB, rdb *redis.Client) *RiskScorer {
	return &RiskScorer{db: db, redis: rdb}
}

// Score 计算并落库一条评分明细 (append-only)
func (r *RiskScorer) Score(ctx context.Context, w *model.Withdrawal, policy *model.WithdrawalPolicy) (*model.WithdrawalRiskScore, error) {
	score := &model.WithdrawalRiskScore{
		WithdrawalID:   w.ID,
		AmountTier:     r.amountTier(w.Amount, policy),
		AddressNovelty: r.addressNovelty(ctx, w),
		Frequency:      r.frequency(ctx, w),
		PatternAnomaly: r.patternAnomaly(w),
	}
	score.TotalScore = score.AmountTier + score.AddressNovelty + score.Frequency + score.PatternAnomaly

	switch {
	case score.TotalScore >= policy.RiskScoreThreshold:
		score.RiskLevel = RiskHigh
		score.RecommendedAction = RecommendReject
	case score.TotalScore >= policy.RiskScoreThreshold/2:
		score.RiskLevel = RiskMedium
		score.RecommendedAction = RecommendReview
	default:
		score.RiskLevel = RiskLow
		score.RecommendedAction = RecommendApprove
	}

	if err := r.db.WithContext(ctx).Create(score).Error; err != nil {
		return nil, err
	}
	return score, nil
}

// amountTier 金额档位: 相对自动审批上限的倍数越高分越高
func (r *RiskScorer) amountTier(amount decimal.Decimal, policy *model.WithdrawalPolicy) int {
	ref := policy.AutoApproveMaxAmount
	if !ref.IsPositive() {
		ref = policy.DailyLimit
	}
	if !ref.IsPositive() {
		return 0
	}
	ratio := amount.Div(ref)
	switch {
	case ratio.GreaterThan(decimal.NewFromInt(2)):
		return 40
	case ratio.GreaterThan(decimal.NewFromInt(1)):
		return 30
	case ratio.GreaterThan(decimal.NewFromFloat(0.5)):
		return 20
	case ratio.GreaterThan(decimal.NewFromFloat(0.25)):
		return 10
	default:
		return 5
	}
}

// addressNovelty 目标地址新颖度: 白名单地址 0 分，
// 首次出现的地址给最高分，历史上成功提过的地址逐级降分
func (r *RiskScorer) addressNovelty(ctx context.Context, w *model.Withdrawal) int {
	var whitelisted int64
	if err := r.db.WithContext(ctx).Model(&model.WhitelistAddress{}).
		Where("partner_id = ? AND user_id = ? AND address = ?", w.PartnerID, w.UserID, w.ToAddress).
		Count(&whitelisted).Error; err == nil && whitelisted > 0 {
		return 0
	}

	var seen int64
	err := r.db.WithContext(ctx).Model(&model.Withdrawal{}).
		Where("partner_id = ? AND user_id = ? AND to_address = ? AND status = ? AND id <> ?",
			w.PartnerID, w.UserID, w.ToAddress, model.WithdrawCompleted, w.ID).
		Count(&seen).Error
	if err != nil {
		logger.Warn("地址历史查询失败，按首次出现计", zap.Error(err))
		return 25
	}
	switch {
	case seen == 0:
		return 25
	case seen < 3:
		return 10
	default:
		return 0
	}
}

// RecordAttempt 在受理一笔提现时推进滑动窗口计数。
// 计数只在受理时加，评分阶段只读: 同一笔单子反复求值不会推高自己的分
func (r *RiskScorer) RecordAttempt(ctx context.Context, w *model.Withdrawal) {
	key := freqKey(w)
	count, err := r.redis.Incr(ctx, key).Result()
	if err != nil {
		logger.Warn("提现频率计数失败", zap.Error(err))
		return
	}
	if count == 1 {
		if err := r.redis.Expire(ctx, key, frequencyWindow).Err(); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("提现频率计数设置过期失败", zap.Error(err))
		}
	}
}

// frequency 读取滑动窗口内的提现次数。
// Redis 不可用时给中间分，宁可偏保守
func (r *RiskScorer) frequency(ctx context.Context, w *model.Withdrawal) int {
	count, err := r.redis.Get(ctx, freqKey(w)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0
	}
	if err != nil {
		logger.Warn("提现频率读取失败", zap.Error(err))
		return 15
	}
	switch {
	case count > 10:
		return 25
	case count > 5:
		return 15
	case count > 3:
		return 5
	default:
		return 0
	}
}

func freqKey(w *model.Withdrawal) string {
	return fmt.Sprintf("wd:freq:%s:%d", w.PartnerID, w.UserID)
}

// patternAnomaly 行为模式: 深夜发起的大额整数金额加分
func (r *RiskScorer) patternAnomaly(w *model.Withdrawal) int {
	hour := w.CreatedAt.Hour()
	if w.CreatedAt.IsZero() {
		hour = time.Now().Hour()
	}
	score := 0
	if hour >= 0 && hour < 6 {
		score += 5
	}
	// 大额且恰好是整数的金额在盗币场景里更常见
	if w.Amount.Equal(w.Amount.Truncate(0)) && w.Amount.GreaterThanOrEqual(decimal.NewFromInt(1000)) {
		score += 10
	}
	return score
}
