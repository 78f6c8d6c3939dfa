package energy

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"custody-core/internal/model"
	"custody-core/pkg/logger"
)

// probeHealth 返回供应方当前健康状态。
// 探测结果缓存 HealthTTL (默认 5 分钟)，TTL 内复用缓存值，
// 过期后的下一次调用触发真实探测并刷新。
func (a *Allocator) probeHealth(ctx context.Context, s *model.EnergySupplier) model.SupplierHealth {
	// 自有质押没有外部端点，容量大于零即视为健康
	if s.Type == model.SupplierSelfStaking {
		if s.AvailableCapacity > 0 {
			return model.HealthActive
		}
		return model.HealthDegraded
	}

	key := fmt.Sprintf("energy:health:%d", s.ID)
	var cached string
	if err := a.cache.Get(ctx, key, &cached); err == nil {
		return model.SupplierHealth(cached)
	}

	ok, err := a.markets(s).HealthCheck(ctx)
	health := model.HealthActive
	if err != nil || !ok {
		health = model.HealthError
	}

	// 状态迁移: active -> error 探测失败；error -> active 下次探测成功
	if health != s.Health {
		a.markHealth(ctx, s, health)
		logger.Info("供应方健康状态变化",
			zap.String("supplier", s.Name),
			zap.String("from", string(s.Health)),
			zap.String("to", string(health)))
	}

	_ = a.cache.Set(ctx, key, string(health), a.cfg.HealthTTL)
	return health
}

// markHealth 落库并刷新缓存
func (a *Allocator) markHealth(ctx context.Context, s *model.EnergySupplier, health model.SupplierHealth) {
	if err := a.db.WithContext(ctx).Model(&model.EnergySupplier{}).
		Where("id = ?", s.ID).
		Update("health", health).Error; err != nil {
		logger.Error("更新供应方健康状态失败", zap.String("supplier", s.Name), zap.Error(err))
		return
	}
	s.Health = health
	_ = a.cache.Set(ctx, fmt.Sprintf("energy:health:%d", s.ID), string(health), a.cfg.HealthTTL)
}
