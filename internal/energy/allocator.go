package energy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"custody-core/internal/model"
	"custody-core/pkg/cache"
	"custody-core/pkg/logger"
	"custody-core/pkg/monitor"
)

// 终态原因码
const (
	ReasonAllocated    = "allocated"
	ReasonConsumed     = "consumed"
	ReasonReleased     = "released"
	ReasonExpiredLapse = "expired_lapsed"
	ReasonAllExhausted = "all_suppliers_exhausted"
)

type Config struct {
	HealthTTL         time.Duration
	AllocationTTL     time.Duration
	FallbackUnitPrice decimal.Decimal // 直接燃烧模式的估算单价
}

// Allocator 管理能量供应池。
// 供应方容量被 SweepExecutor 与 WithdrawalExecutor 并发扣减，
// 所有扣减/返还都是条件更新，失败关闭 (宁可 fallback 不可超卖)。
type Allocator struct {
	db      *gorm.DB
	cache   cache.Cache
	markets MarketFactory
	cfg     Config
}

func NewAllocator(db *gorm.DB, c cache.Cache, markets MarketFactory, cfg Config) *Allocator {
	if markets == nil {
		markets = NewHTTPMarket
	}
	return &Allocator{db: db, cache: c, markets: markets, cfg: cfg}
}

// Allocate 为一次链上操作分配能量。
// requestID 是幂等键 (同一任务重试不会重复扣容量)。
// urgent 时允许使用 degraded 状态的供应方。
// 所有供应方都不可用时返回 fallback 结果而不是报错，调用方改为直接燃烧。
func (a *Allocator) Allocate(ctx context.Context, partnerID, requestID string, amount int64, urgent bool) (*model.EnergyAllocation, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("无效的能量数量: %d", amount)
	}

	// 幂等: 同一 requestID 仍持有中的分配直接返回。
	// 已释放/已失败的历史记录不算数，重试必须重新扣容量。
	var existing model.EnergyAllocation
	err := a.db.WithContext(ctx).
		Where("request_id = ? AND released_at IS NULL AND status IN ?", requestID,
			[]model.AllocationStatus{model.AllocCompleted, model.AllocFallback}).
		First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	// 每次调用重新取供应方并按 priority 排序，不持有陈旧顺序
	var suppliers []model.EnergySupplier
	if err := a.db.WithContext(ctx).
		Where("enabled = ?", true).
		Order("priority asc, cost_per_unit asc").
		Find(&suppliers).Error; err != nil {
		return nil, err
	}

	for i := range suppliers {
		s := &suppliers[i]

		health := a.probeHealth(ctx, s)
		if health == model.HealthError {
			continue
		}
		if health == model.HealthDegraded && !urgent {
			continue
		}

		alloc, err := a.tryAllocate(ctx, s, partnerID, requestID, amount)
		if err != nil {
			logger.Warn("供应方分配失败，尝试下一个",
				zap.String("supplier", s.Name), zap.Error(err))
			continue
		}
		if alloc != nil {
			monitor.Business.EnergyAllocatedTotal.WithLabelValues(string(s.Type)).Inc()
			return alloc, nil
		}
		// alloc == nil: 容量不足，静默换下一个供应方
	}

	// 全部耗尽/不健康: 降级为直接燃烧，不阻塞资金流转
	fallback := &model.EnergyAllocation{
		PartnerID:  partnerID,
		RequestID:  requestID,
		Amount:     amount,
		SupplierID: 0,
		Status:     model.AllocFallback,
		TotalCost:  a.cfg.FallbackUnitPrice.Mul(decimal.NewFromInt(amount)),
		ReasonCode: ReasonAllExhausted,
		ExpiresAt:  time.Now().Add(a.cfg.AllocationTTL),
	}
	if err := a.db.WithContext(ctx).Create(fallback).Error; err != nil {
		return nil, err
	}
	monitor.Business.EnergyAllocatedTotal.WithLabelValues("fallback").Inc()
	logger.Warn("能量池耗尽，降级为直接燃烧",
		zap.String("partner", partnerID), zap.Int64("amount", amount))
	return fallback, nil
}

// tryAllocate 尝试从单个供应方分配。
// 返回 (nil, nil) 表示该供应方容量不足，应换下一个。
func (a *Allocator) tryAllocate(ctx context.Context, s *model.EnergySupplier, partnerID, requestID string, amount int64) (*model.EnergyAllocation, error) {
	totalCost := s.CostPerUnit.Mul(decimal.NewFromInt(amount))

	if s.Type == model.SupplierExternal {
		// 校验订单边界
		if amount < s.MinOrder {
			return nil, nil
		}
		if s.MaxOrder > 0 && amount > s.MaxOrder {
			return nil, nil
		}

		// 校验当前报价，报价偏离配置单价过多 (>20%) 视为异常不下单
		market := a.markets(s)
		quote, err := market.QuotePrice(ctx, amount)
		if err != nil {
			a.markHealth(ctx, s, model.HealthError)
			return nil, err
		}
		limit := totalCost.Mul(decimal.NewFromFloat(1.2))
		if quote.GreaterThan(limit) {
			return nil, fmt.Errorf("供应方报价异常: %s > %s", quote, limit)
		}
		totalCost = quote
	}

	var alloc *model.EnergyAllocation
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 条件扣减: 容量不足时 RowsAffected = 0，绝不透支
		res := tx.Model(&model.EnergySupplier{}).
			Where("id = ? AND available_capacity >= ?", s.ID, amount).
			Update("available_capacity", gorm.Expr("available_capacity - ?", amount))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errInsufficientCapacity
		}

		alloc = &model.EnergyAllocation{
			PartnerID:  partnerID,
			RequestID:  requestID,
			Amount:     amount,
			SupplierID: s.ID,
			Status:     model.AllocCompleted,
			TotalCost:  totalCost,
			ReasonCode: ReasonAllocated,
			ExpiresAt:  time.Now().Add(a.cfg.AllocationTTL),
		}
		return tx.Create(alloc).Error
	})
	if errors.Is(err, errInsufficientCapacity) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	// 外部供应方在容量锁定后下单；下单失败则回滚容量并标记失败
	if s.Type == model.SupplierExternal {
		market := a.markets(s)
		orderID, err := market.Purchase(ctx, amount)
		if err != nil {
			a.rollback(ctx, alloc)
			a.markHealth(ctx, s, model.HealthError)
			return nil, err
		}
		logger.Info("外部能量下单成功",
			zap.String("supplier", s.Name), zap.String("order", orderID))
	}

	monitor.Business.EnergyPoolCapacity.WithLabelValues(s.Name).Sub(float64(amount))
	return alloc, nil
}

var errInsufficientCapacity = errors.New("insufficient supplier capacity")

// rollback 下单失败后返还容量并把分配记录标记为 failed
func (a *Allocator) rollback(ctx context.Context, alloc *model.EnergyAllocation) {
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.EnergySupplier{}).
			Where("id = ?", alloc.SupplierID).
			Update("available_capacity", gorm.Expr("available_capacity + ?", alloc.Amount)).Error; err != nil {
			return err
		}
		return tx.Model(&model.EnergyAllocation{}).
			Where("id = ? AND status = ?", alloc.ID, model.AllocCompleted).
			Updates(map[string]interface{}{
				"status":      model.AllocFailed,
				"released_at": time.Now(),
				"reason_code": ReasonReleased,
			}).Error
	})
	if err != nil {
		logger.Error("能量分配回滚失败", zap.Uint64("alloc", alloc.ID), zap.Error(err))
	}
}

// Consume 执行成功后登记消耗，容量不返还
func (a *Allocator) Consume(ctx context.Context, requestID string) error {
	now := time.Now()
	return a.db.WithContext(ctx).Model(&model.EnergyAllocation{}).
		Where("request_id = ? AND released_at IS NULL", requestID).
		Updates(map[string]interface{}{
			"released_at": now,
			"reason_code": ReasonConsumed,
		}).Error
}

// Release 执行失败后主动返还未消耗的分配
func (a *Allocator) Release(ctx context.Context, requestID string) error {
	var alloc model.EnergyAllocation
	err := a.db.WithContext(ctx).
		Where("request_id = ? AND status = ? AND released_at IS NULL", requestID, model.AllocCompleted).
		First(&alloc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil // fallback 或已处理过，无容量可还
	}
	if err != nil {
		return err
	}
	return a.release(ctx, &alloc, ReasonReleased)
}

func (a *Allocator) release(ctx context.Context, alloc *model.EnergyAllocation, reason string) error {
	now := time.Now()
	return a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// released_at 条件保证重复调用不会二次返还
		res := tx.Model(&model.EnergyAllocation{}).
			Where("id = ? AND released_at IS NULL", alloc.ID).
			Updates(map[string]interface{}{
				"released_at": now,
				"reason_code": reason,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		return tx.Model(&model.EnergySupplier{}).
			Where("id = ?", alloc.SupplierID).
			Update("available_capacity", gorm.Expr("available_capacity + ?", alloc.Amount)).Error
	})
}

// ReleaseExpired 由定时任务调用，把超过 TTL 仍未消耗的分配返还容量
func (a *Allocator) ReleaseExpired(ctx context.Context) (int, error) {
	var expired []model.EnergyAllocation
	if err := a.db.WithContext(ctx).
		Where("status = ? AND released_at IS NULL AND expires_at < ?", model.AllocCompleted, time.Now()).
		Limit(200).
		Find(&expired).Error; err != nil {
		return 0, err
	}

	count := 0
	for i := range expired {
		if err := a.release(ctx, &expired[i], ReasonExpiredLapse); err != nil {
			logger.Error("过期分配返还失败", zap.Uint64("alloc", expired[i].ID), zap.Error(err))
			continue
		}
		count++
	}
	return count, nil
}

// Allocatable 查询当前是否有足够容量覆盖 amount (批次规划的 dry-run，不动容量)
func (a *Allocator) Allocatable(ctx context.Context, amount int64) (bool, error) {
	var total int64
	err := a.db.WithContext(ctx).Model(&model.EnergySupplier{}).
		Where("enabled = ? AND health <> ?", true, model.HealthError).
		Select("COALESCE(SUM(available_capacity), 0)").
		Scan(&total).Error
	if err != nil {
		return false, err
	}
	return total >= amount, nil
}

// PoolStatus 返回供应池概览
func (a *Allocator) PoolStatus(ctx context.Context) ([]model.EnergySupplier, error) {
	var suppliers []model.EnergySupplier
	err := a.db.WithContext(ctx).Order("priority asc").Find(&suppliers).Error
	return suppliers, err
}

// Reprioritize 重排供应方优先级: 自有质押优先，外部按成功率降序、单价升序。
// 只调整取用顺序，不改动任何供应方的余额。
func (a *Allocator) Reprioritize(ctx context.Context) error {
	var suppliers []model.EnergySupplier
	if err := a.db.WithContext(ctx).Where("enabled = ?", true).Find(&suppliers).Error; err != nil {
		return err
	}

	selfRank, extRank := 10, 100
	for i := range suppliers {
		s := &suppliers[i]
		var priority int
		if s.Type == model.SupplierSelfStaking {
			priority = selfRank
			selfRank += 10
		} else {
			// 成功率越低、单价越高排得越靠后
			priority = extRank + int((1-s.SuccessRate)*100)
			extRank += 10
		}
		if err := a.db.WithContext(ctx).Model(s).Update("priority", priority).Error; err != nil {
			return err
		}
	}
	return nil
}
