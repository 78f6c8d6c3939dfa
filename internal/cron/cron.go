package cron

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"custody-core/internal/energy"
	"custody-core/internal/sweep"
	"custody-core/internal/withdraw"
	"custody-core/pkg/lock"
	"custody-core/pkg/logger"
)

// Service 托管所有周期任务。
// 每个任务先抢分布式锁再执行，多实例部署时同一轮只有一个节点在跑。
type Service struct {
	cron      *cron.Cron
	redis     *redis.Client
	scheduler *sweep.Scheduler
	queue     *sweep.Queue
	allocator *energy.Allocator
	planner   *withdraw.Planner
}

func New(rdb *redis.Client, scheduler *sweep.Scheduler, queue *sweep.Queue,
	allocator *energy.Allocator, planner *withdraw.Planner) *Service {
	return &Service{
		cron:      cron.New(),
		redis:     rdb,
		scheduler: scheduler,
		queue:     queue,
		allocator: allocator,
		planner:   planner,
	}
}

func (s *Service) Start(planInterval time.Duration) {
	_, _ = s.cron.AddFunc("@every 1m", s.scanSweeps)
	_, _ = s.cron.AddFunc("@every 5m", s.expireTasks)
	_, _ = s.cron.AddFunc("@every 10m", s.releaseExpiredEnergy)
	_, _ = s.cron.AddFunc("@every 1h", s.reprioritizeSuppliers)

	if planInterval < 30*time.Second {
		planInterval = 30 * time.Second
	}
	_, _ = s.cron.AddFunc("@every "+planInterval.String(), s.planBatches)

	s.cron.Start()
	logger.Info("Cron Service started")
}

func (s *Service) Stop() {
	s.cron.Stop()
	logger.Info("Cron Service stopped")
}

// withLock 抢到锁才执行，抢不到说明别的节点在跑
func (s *Service) withLock(key string, ttl time.Duration, fn func(ctx context.Context) error) {
	ctx := context.Background()
	locker := lock.NewRedisLock(s.redis)
	locked, err := locker.Acquire(ctx, key, ttl)
	if err != nil || !locked {
		logger.Debug("定时任务跳过: 锁被其他节点持有", zap.String("key", key))
		return
	}
	defer locker.Release(ctx, key)

	if err := fn(ctx); err != nil {
		logger.Error("定时任务执行失败", zap.String("key", key), zap.Error(err))
	}
}

// scanSweeps 周期归集扫描
func (s *Service) scanSweeps() {
	s.withLock("cron:lock:sweep_scan", 50*time.Second, s.scheduler.ScanDue)
}

// expireTasks 清理超过 TTL 仍未被认领的归集任务
func (s *Service) expireTasks() {
	s.withLock("cron:lock:task_expiry", 4*time.Minute, func(ctx context.Context) error {
		n, err := s.queue.ExpireStale(ctx)
		if n > 0 {
			logger.Info("过期归集任务清理完成", zap.Int64("count", n))
		}
		return err
	})
}

// releaseExpiredEnergy 把过期未消耗的能量分配还回供应池
func (s *Service) releaseExpiredEnergy() {
	s.withLock("cron:lock:energy_release", 9*time.Minute, func(ctx context.Context) error {
		n, err := s.allocator.ReleaseExpired(ctx)
		if n > 0 {
			logger.Info("过期能量分配返还完成", zap.Int("count", n))
		}
		return err
	})
}

// reprioritizeSuppliers 按成功率/成本重排供应方取用顺序
func (s *Service) reprioritizeSuppliers() {
	s.withLock("cron:lock:energy_reprioritize", 50*time.Minute, s.allocator.Reprioritize)
}

// planBatches 把排队中的提现组装成批次
func (s *Service) planBatches() {
	s.withLock("cron:lock:withdraw_plan", 25*time.Second, s.planner.PlanAll)
}
