package withdraw

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"custody-core/internal/model"
	"custody-core/pkg/address"
	"custody-core/pkg/errno"
	"custody-core/pkg/logger"
	"custody-core/pkg/monitor"
)

// 硬性闸门的失败原因码
const (
	GateAutoApproveDisabled = "auto_approve_disabled"
	GateAmountExceedsLimit  = "amount_exceeds_auto_approve_limit"
	GateDailyLimit          = "daily_limit_exceeded"
	GateUserDailyLimit      = "user_daily_limit_exceeded"
	GateNotWhitelisted      = "address_not_whitelisted"
	GateRiskScore           = "risk_score_exceeded"
)

// Reason 一条结构化的审批原因，序列化进 Withdrawal.Reasons
type Reason struct {
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}

// Engine 提现审批引擎。
// 求值顺序: 先过全部硬性闸门 (策略限额/白名单/风险阈值)，任何一条
// 不过就不再看规则表；闸门全过后按 priority 升序求值规则，首条命中生效；
// 无规则命中时按 policyType 走默认路径。
// 同一笔提现重复求值是幂等的: 只有 pending 状态会被迁移。
type Engine struct {
	db     *gorm.DB
	scorer *RiskScorer
}

func NewEngine(db *gorm.DB, scorer *RiskScorer) *Engine {
	return &Engine{db: db, scorer: scorer}
}

// Submit 受理一笔提现请求并立刻做一次审批求值
func (e *Engine) Submit(ctx context.Context, partnerID string, userID uint64, toAddress string, amount decimal.Decimal, priority int) (*model.Withdrawal, error) {
	if !address.Validate(toAddress) {
		return nil, errno.ErrPolicyViolation.WithMessage("目标地址不合法: " + toAddress)
	}
	if !amount.IsPositive() {
		return nil, errno.ErrPolicyViolation.WithMessage("提现金额必须为正")
	}
	if priority < 1 || priority > 10 {
		priority = 5
	}

	w := &model.Withdrawal{
		PartnerID: partnerID,
		UserID:    userID,
		ToAddress: toAddress,
		Amount:    amount,
		Status:    model.WithdrawPending,
		Priority:  priority,
	}
	if err := e.db.WithContext(ctx).Create(w).Error; err != nil {
		return nil, err
	}
	e.scorer.RecordAttempt(ctx, w)
	return e.Evaluate(ctx, w.ID)
}

// Evaluate 对一笔 pending 提现做审批求值。
// 非 pending 状态直接返回当前单据，不做任何迁移。
func (e *Engine) Evaluate(ctx context.Context, withdrawalID uint64) (*model.Withdrawal, error) {
	w, err := e.Get(ctx, withdrawalID)
	if err != nil {
		return nil, err
	}
	if w.Status != model.WithdrawPending {
		return w, nil
	}

	var policy model.WithdrawalPolicy
	if err := e.db.WithContext(ctx).Where("partner_id = ?", w.PartnerID).First(&policy).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errno.ErrPartnerNotFound
		}
		return nil, err
	}

	score, err := e.scorer.Score(ctx, w, &policy)
	if err != nil {
		return nil, err
	}

	// 所有闸门都要跑完，运营看到的是完整的失败清单而不是第一条
	gates, err := e.checkGates(ctx, w, &policy, score)
	if err != nil {
		return nil, err
	}

	var status model.WithdrawalStatus
	var reasonCode string
	reasons := gates

	if len(gates) > 0 {
		status = model.WithdrawPendingReview
		reasonCode = gates[0].Code
	} else {
		status, reasonCode, reasons = e.applyRules(ctx, w, &policy)
	}

	if err := e.transition(ctx, w, status, score.TotalScore, reasonCode, reasons); err != nil {
		return nil, err
	}
	monitor.Business.WithdrawDecisionTotal.WithLabelValues(string(status)).Inc()
	logger.Info("提现审批求值完成",
		zap.Uint64("withdrawal", w.ID),
		zap.String("partner", w.PartnerID),
		zap.String("decision", string(status)),
		zap.Int("risk_score", score.TotalScore))
	return e.Get(ctx, withdrawalID)
}

// checkGates 返回全部未通过的硬性闸门
func (e *Engine) checkGates(ctx context.Context, w *model.Withdrawal, policy *model.WithdrawalPolicy, score *model.WithdrawalRiskScore) ([]Reason, error) {
	var failed []Reason

	if !policy.AutoApproveEnabled {
		failed = append(failed, Reason{Code: GateAutoApproveDisabled})
	}
	if policy.AutoApproveMaxAmount.IsPositive() && w.Amount.GreaterThan(policy.AutoApproveMaxAmount) {
		failed = append(failed, Reason{
			Code:   GateAmountExceedsLimit,
			Detail: w.Amount.String() + " > " + policy.AutoApproveMaxAmount.String(),
		})
	}

	dayStart := dayStartOf(time.Now())
	if policy.DailyLimit.IsPositive() {
		used, err := e.committedSince(ctx, w.PartnerID, 0, dayStart)
		if err != nil {
			return nil, err
		}
		if used.Add(w.Amount).GreaterThan(policy.DailyLimit) {
			failed = append(failed, Reason{
				Code:   GateDailyLimit,
				Detail: used.String() + " + " + w.Amount.String() + " > " + policy.DailyLimit.String(),
			})
		}
	}
	if policy.UserDailyLimit.IsPositive() {
		used, err := e.committedSince(ctx, w.PartnerID, w.UserID, dayStart)
		if err != nil {
			return nil, err
		}
		if used.Add(w.Amount).GreaterThan(policy.UserDailyLimit) {
			failed = append(failed, Reason{
				Code:   GateUserDailyLimit,
				Detail: used.String() + " + " + w.Amount.String() + " > " + policy.UserDailyLimit.String(),
			})
		}
	}

	if policy.WhitelistRequired {
		var count int64
		err := e.db.WithContext(ctx).Model(&model.WhitelistAddress{}).
			Where("partner_id = ? AND user_id = ? AND address = ?", w.PartnerID, w.UserID, w.ToAddress).
			Count(&count).Error
		if err != nil {
			return nil, err
		}
		if count == 0 {
			failed = append(failed, Reason{Code: GateNotWhitelisted, Detail: w.ToAddress})
		}
	}

	if score.TotalScore >= policy.RiskScoreThreshold {
		failed = append(failed, Reason{
			Code:   GateRiskScore,
			Detail: score.RiskLevel,
		})
	}
	return failed, nil
}

// applyRules 按 priority 升序求值规则表，首条命中生效；
// 无命中时按策略类型走默认路径
func (e *Engine) applyRules(ctx context.Context, w *model.Withdrawal, policy *model.WithdrawalPolicy) (model.WithdrawalStatus, string, []Reason) {
	var rules []model.WithdrawalApprovalRule
	if err := e.db.WithContext(ctx).
		Where("partner_id = ? AND enabled = ?", w.PartnerID, true).
		Order("priority asc, id asc").
		Find(&rules).Error; err != nil {
		logger.Error("规则表读取失败，转人工", zap.String("partner", w.PartnerID), zap.Error(err))
		return model.WithdrawPendingReview, "rule_load_failed", []Reason{{Code: "rule_load_failed"}}
	}

	for i := range rules {
		rule := &rules[i]
		if !e.ruleMatches(rule, w, time.Now()) {
			continue
		}
		reason := []Reason{{Code: "rule_matched", Detail: rule.Name}}
		switch rule.Action {
		case model.ActionApprove:
			return model.WithdrawAutoApproved, "rule:" + rule.Name, reason
		case model.ActionReject:
			return model.WithdrawRejected, "rule:" + rule.Name, reason
		case model.ActionReview:
			return model.WithdrawPendingReview, "rule:" + rule.Name, reason
		case model.ActionDelay:
			return model.WithdrawQueuedBatch, "rule:" + rule.Name, reason
		}
	}

	return e.defaultRoute(policy, w)
}

// defaultRoute 无规则命中时的路由:
// realtime 即刻批准、batch 进批量队列、hybrid 小额即刻大额批量、manual 全部人工
func (e *Engine) defaultRoute(policy *model.WithdrawalPolicy, w *model.Withdrawal) (model.WithdrawalStatus, string, []Reason) {
	reason := []Reason{{Code: "policy_default", Detail: string(policy.PolicyType)}}
	switch policy.PolicyType {
	case model.PolicyRealtime:
		return model.WithdrawAutoApproved, "policy_default", reason
	case model.PolicyBatch:
		return model.WithdrawQueuedBatch, "policy_default", reason
	case model.PolicyHybrid:
		if policy.AutoApproveMaxAmount.IsPositive() &&
			w.Amount.LessThanOrEqual(policy.AutoApproveMaxAmount.Div(decimal.NewFromInt(2))) {
			return model.WithdrawAutoApproved, "policy_default", reason
		}
		return model.WithdrawQueuedBatch, "policy_default", reason
	default:
		return model.WithdrawPendingReview, "policy_default", reason
	}
}

func (e *Engine) ruleMatches(rule *model.WithdrawalApprovalRule, w *model.Withdrawal, now time.Time) bool {
	if rule.MinAmount.IsPositive() && w.Amount.LessThan(rule.MinAmount) {
		return false
	}
	if rule.MaxAmount.IsPositive() && w.Amount.GreaterThan(rule.MaxAmount) {
		return false
	}
	if rule.Addresses != "" && rule.Addresses != "[]" {
		var addrs []string
		if err := json.Unmarshal([]byte(rule.Addresses), &addrs); err != nil {
			logger.Warn("规则地址集合解析失败", zap.Uint64("rule", rule.ID), zap.Error(err))
			return false
		}
		found := false
		for _, a := range addrs {
			if a == w.ToAddress {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	// 时间窗 [HourFrom, HourTo)，两端都为 0 表示不限时段
	if rule.HourFrom != 0 || rule.HourTo != 0 {
		hour := now.Hour()
		if hour < rule.HourFrom || hour >= rule.HourTo {
			return false
		}
	}
	return true
}

// transition 把 pending 单据迁到审批结果状态。
// 条件更新保证并发求值只有一个赢家。
func (e *Engine) transition(ctx context.Context, w *model.Withdrawal, status model.WithdrawalStatus, riskScore int, reasonCode string, reasons []Reason) error {
	reasonsJSON, _ := json.Marshal(reasons)
	updates := map[string]interface{}{
		"status":      status,
		"risk_score":  riskScore,
		"reason_code": reasonCode,
		"reasons":     string(reasonsJSON),
	}
	if status == model.WithdrawAutoApproved || status == model.WithdrawQueuedBatch {
		updates["approved_at"] = time.Now()
	}
	res := e.db.WithContext(ctx).Model(&model.Withdrawal{}).
		Where("id = ? AND status = ?", w.ID, model.WithdrawPending).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	// RowsAffected 为 0 说明另一个实例先完成了求值，接受它的结果
	return nil
}

// ResolveReview 人工审核结论: 批准后按策略默认路径继续流转，否则拒绝
func (e *Engine) ResolveReview(ctx context.Context, withdrawalID uint64, approve bool, operator string) (*model.Withdrawal, error) {
	w, err := e.Get(ctx, withdrawalID)
	if err != nil {
		return nil, err
	}
	if w.Status != model.WithdrawPendingReview {
		return nil, errno.ErrPolicyViolation.WithMessage("该提现不在人工审核状态")
	}

	status := model.WithdrawRejected
	reasonCode := "manual_reject"
	if approve {
		var policy model.WithdrawalPolicy
		if err := e.db.WithContext(ctx).Where("partner_id = ?", w.PartnerID).First(&policy).Error; err != nil {
			return nil, err
		}
		if policy.PolicyType == model.PolicyBatch {
			status = model.WithdrawQueuedBatch
		} else {
			status = model.WithdrawAutoApproved
		}
		reasonCode = "manual_approve"
	}

	reasonsJSON, _ := json.Marshal([]Reason{{Code: reasonCode, Detail: operator}})
	updates := map[string]interface{}{
		"status":      status,
		"reason_code": reasonCode,
		"reasons":     string(reasonsJSON),
	}
	if status != model.WithdrawRejected {
		updates["approved_at"] = time.Now()
	}
	res := e.db.WithContext(ctx).Model(&model.Withdrawal{}).
		Where("id = ? AND status = ?", withdrawalID, model.WithdrawPendingReview).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, errno.ErrPolicyViolation.WithMessage("该提现已被其他操作处理")
	}
	logger.Info("人工审核完成",
		zap.Uint64("withdrawal", withdrawalID),
		zap.Bool("approve", approve),
		zap.String("operator", operator))
	return e.Get(ctx, withdrawalID)
}

// Get 查询提现单
func (e *Engine) Get(ctx context.Context, id uint64) (*model.Withdrawal, error) {
	var w model.Withdrawal
	if err := e.db.WithContext(ctx).First(&w, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errno.ErrWithdrawNotFound
		}
		return nil, err
	}
	return &w, nil
}

// committedSince 统计窗口内已占用额度的提现金额。
// 已进入资金流的状态 (批准/排批/签名/执行中/完成) 都算，拒绝和待审不算。
func (e *Engine) committedSince(ctx context.Context, partnerID string, userID uint64, since time.Time) (decimal.Decimal, error) {
	committed := []model.WithdrawalStatus{
		model.WithdrawAutoApproved,
		model.WithdrawQueuedBatch,
		model.WithdrawSigned,
		model.WithdrawProcessing,
		model.WithdrawCompleted,
	}
	q := e.db.WithContext(ctx).Model(&model.Withdrawal{}).
		Where("partner_id = ? AND status IN ? AND created_at >= ?", partnerID, committed, since)
	if userID > 0 {
		q = q.Where("user_id = ?", userID)
	}
	var total decimal.NullDecimal
	if err := q.Select("SUM(amount)").Scan(&total).Error; err != nil {
		return decimal.Zero, err
	}
	if !total.Valid {
		return decimal.Zero, nil
	}
	return total.Decimal, nil
}

func dayStartOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
