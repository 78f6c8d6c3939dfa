package withdraw

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"custody-core/internal/energy"
	"custody-core/internal/model"
	"custody-core/pkg/logger"
	"custody-core/pkg/monitor"
)

// 单笔 TRC20 转账的能量估算值，批次规划阶段用它做容量 dry-run
const estEnergyPerItem = 65000

var errEmptyBatch = errors.New("batch lost all items to a concurrent planner")

// Planner 把 queued_batch 状态的提现组装成批次。
// 只做编排不动钱: 批次的执行由 Executor 负责。
type Planner struct {
	db     *gorm.DB
	energy *energy.Allocator
}

func NewPlanner(db *gorm.DB, e *energy.Allocator) *Planner {
	return &Planner{db: db, energy: e}
}

// OrderForBatch 批内排序: 高优先级整体前置，同优先级按批准时间 FIFO。
// 纯函数，不碰数据库。
func OrderForBatch(items []model.Withdrawal) []model.Withdrawal {
	sorted := make([]model.Withdrawal, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority > sorted[j].Priority
		}
		ti, tj := sorted[i].ApprovedAt, sorted[j].ApprovedAt
		if ti == nil || tj == nil {
			return tj == nil && ti != nil
		}
		return ti.Before(*tj)
	})
	return sorted
}

// PlanAll 对每个启用批量路径的 Partner 规划一轮批次 (cron 调用)
func (p *Planner) PlanAll(ctx context.Context) error {
	var policies []model.WithdrawalPolicy
	if err := p.db.WithContext(ctx).
		Where("policy_type IN ?", []model.PolicyType{model.PolicyBatch, model.PolicyHybrid}).
		Find(&policies).Error; err != nil {
		return err
	}

	for i := range policies {
		if err := p.PlanPartner(ctx, &policies[i]); err != nil {
			logger.Error("批次规划失败", zap.String("partner", policies[i].PartnerID), zap.Error(err))
		}
	}
	return nil
}

// PlanPartner 为单个 Partner 规划批次。
// 延迟窗口: 批准满 batchDelayMinutes 的提现才进入本轮，
// 给运营留出撤回时间，也让批次攒得更满。
func (p *Planner) PlanPartner(ctx context.Context, policy *model.WithdrawalPolicy) error {
	eligibleBefore := time.Now().Add(-time.Duration(policy.BatchDelayMinutes) * time.Minute)

	var items []model.Withdrawal
	err := p.db.WithContext(ctx).
		Where("partner_id = ? AND status = ? AND batch_id = '' AND approved_at <= ?",
			policy.PartnerID, model.WithdrawQueuedBatch, eligibleBefore).
		Find(&items).Error
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	ordered := OrderForBatch(items)

	maxSize := policy.MaxBatchSize
	if maxSize <= 0 {
		maxSize = 20
	}
	for start := 0; start < len(ordered); start += maxSize {
		end := start + maxSize
		if end > len(ordered) {
			end = len(ordered)
		}
		if err := p.createBatch(ctx, policy, ordered[start:end]); err != nil && !errors.Is(err, errEmptyBatch) {
			return err
		}
	}
	return nil
}

func (p *Planner) createBatch(ctx context.Context, policy *model.WithdrawalPolicy, items []model.Withdrawal) error {
	total := decimal.Zero
	for i := range items {
		total = total.Add(items[i].Amount)
	}

	// 能量容量 dry-run: 不够覆盖整批时不缩批，整批标记为直接燃烧模式。
	// 缩批会把低优先级的单子饿死在队列里，燃烧只是多花手续费。
	needed := int64(len(items)) * estEnergyPerItem
	allocatable, err := p.energy.Allocatable(ctx, needed)
	if err != nil {
		return err
	}

	batch := &model.WithdrawalBatch{
		BatchID:        uuid.NewString(),
		PartnerID:      policy.PartnerID,
		TotalAmount:    total,
		ItemCount:      len(items),
		ScheduledTime:  time.Now(),
		Status:         model.BatchPending,
		FallbackEnergy: !allocatable,
		TxHashes:       "[]",
	}

	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(batch).Error; err != nil {
			return err
		}
		for i := range items {
			// 条件更新: 只有仍在队列里且未被别的批次抢走的单子会被收编
			res := tx.Model(&model.Withdrawal{}).
				Where("id = ? AND status = ? AND batch_id = ''", items[i].ID, model.WithdrawQueuedBatch).
				Update("batch_id", batch.BatchID)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				batch.ItemCount--
				batch.TotalAmount = batch.TotalAmount.Sub(items[i].Amount)
			}
		}
		if batch.ItemCount == 0 {
			return errEmptyBatch // 整批被抢空，回滚批次记录
		}
		if err := tx.Model(&model.WithdrawalBatch{}).
			Where("batch_id = ?", batch.BatchID).
			Updates(map[string]interface{}{
				"item_count":   batch.ItemCount,
				"total_amount": batch.TotalAmount,
			}).Error; err != nil {
			return err
		}

		monitor.Business.WithdrawBatchSize.Observe(float64(batch.ItemCount))
		logger.Info("提现批次规划完成",
			zap.String("batch", batch.BatchID),
			zap.String("partner", policy.PartnerID),
			zap.Int("items", batch.ItemCount),
			zap.String("total", batch.TotalAmount.String()),
			zap.Bool("fallback_energy", batch.FallbackEnergy))
		return nil
	})
}
