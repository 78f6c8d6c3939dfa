package sweep

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"custody-core/internal/model"
	"custody-core/internal/mq"
	"custody-core/internal/vault"
	"custody-core/pkg/errno"
	"custody-core/pkg/logger"
)

// 入队原因
const (
	TriggerImmediate = "immediate_threshold"
	TriggerInterval  = "interval"
	TriggerManual    = "manual"
)

// Decision 是一次调度判定的结果
type Decision struct {
	Sweep     bool
	QueueType model.QueueType
	Reason    string
}

// Evaluate 判定一个地址当前是否应该归集。
// 两条路径:
//   立即归集: 余额 >= immediateThreshold，走优先队列，立即触发优先于周期判定
//   周期归集: 余额 >= 生效的 minSweepAmount 且距上次归集超过 intervalMinutes
// 熔断中的 Partner 一律不触发。
func Evaluate(cfg *model.SweepConfiguration, addr *model.DepositAddress, balance decimal.Decimal, now time.Time) Decision {
	if cfg.Suspended {
		return Decision{}
	}

	// 地址级 minSweepAmount 为 0 时跟随 Partner 配置
	minSweep := cfg.MinSweepAmount
	if addr.MinSweepAmount.IsPositive() {
		minSweep = addr.MinSweepAmount
	}

	if cfg.ImmediateThreshold.IsPositive() && balance.GreaterThanOrEqual(cfg.ImmediateThreshold) {
		qt := model.QueuePriority
		if addr.PriorityLevel >= 9 {
			qt = model.QueueEmergency
		}
		return Decision{Sweep: true, QueueType: qt, Reason: TriggerImmediate}
	}

	if balance.LessThan(minSweep) {
		return Decision{}
	}
	if addr.LastSweepAt != nil {
		elapsed := now.Sub(*addr.LastSweepAt)
		if elapsed < time.Duration(cfg.IntervalMinutes)*time.Minute {
			return Decision{}
		}
	}
	return Decision{Sweep: true, QueueType: model.QueueNormal, Reason: TriggerInterval}
}

// Scheduler 监听充值事件与周期扫描，决定哪些地址该进归集队列。
// 只做判定与入队，真正动钱的是 Executor。
type Scheduler struct {
	db      *gorm.DB
	queue   *Queue
	vault   *vault.Vault
	taskTTL time.Duration
}

func NewScheduler(db *gorm.DB, q *Queue, v *vault.Vault, taskTTL time.Duration) *Scheduler {
	return &Scheduler{db: db, queue: q, vault: v, taskTTL: taskTTL}
}

// DepositEvent 充值监听方推送的事件格式
type DepositEvent struct {
	PartnerID string          `json:"partner_id"`
	Address   string          `json:"address"`
	Amount    decimal.Decimal `json:"amount"`
	TxHash    string          `json:"tx_hash"`
}

// HandleDepositEvent 是充值事件的 Kafka 消费入口。
// 入账去重由 DepositRecord 的 tx_hash 唯一索引兜底: 消息处理到一半
// 崩溃时台账还没写入，重投递会完整重放，不会丢账。
// 入账后做一次调度判定，命中阈值直接入队。
func (s *Scheduler) HandleDepositEvent(msg *mq.Message) error {
	ctx := context.Background()

	var ev DepositEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		// 格式坏的消息重投也不会好，记日志后吞掉
		logger.Error("充值事件解析失败", zap.Error(err), zap.ByteString("payload", msg.Payload))
		return nil
	}

	addr, err := s.vault.GetByAddress(ctx, ev.Address)
	if err != nil {
		if errors.Is(err, errno.ErrAddressNotFound) {
			logger.Warn("收到未知地址的充值事件", zap.String("address", ev.Address))
			return nil
		}
		return err
	}

	recorded, err := s.vault.RecordDeposit(ctx, addr, ev.Amount, ev.TxHash)
	if err != nil {
		return err
	}
	if !recorded {
		return nil // 重投递，这笔已经入过账
	}

	balance := addr.TotalReceived.Add(ev.Amount).Sub(addr.TotalSwept)
	if err := s.evaluateAndEnqueue(ctx, addr, balance); err != nil {
		logger.Error("充值触发入队失败", zap.Uint64("address_id", addr.ID), zap.Error(err))
	}
	return nil
}

// ScanDue 周期扫描 (cron 调用): 对所有在管地址做一次调度判定。
// 立即路径通常已被充值事件覆盖，这里主要兜周期归集和漏掉的事件。
// 单轮入队数量受 BatchSize 限制，BatchDelaySeconds 把同一轮的任务
// 在时间上错开，避免一次扫描把节点打满。
func (s *Scheduler) ScanDue(ctx context.Context) error {
	var configs []model.SweepConfiguration
	if err := s.db.WithContext(ctx).Where("suspended = ?", false).Find(&configs).Error; err != nil {
		return err
	}

	now := time.Now()
	for i := range configs {
		cfg := &configs[i]

		var addrs []model.DepositAddress
		err := s.db.WithContext(ctx).
			Where("partner_id = ? AND is_active = ? AND is_monitored = ? AND total_received > total_swept",
				cfg.PartnerID, true, true).
			Find(&addrs).Error
		if err != nil {
			return err
		}

		enqueued := 0
		for j := range addrs {
			if cfg.BatchSize > 0 && enqueued >= cfg.BatchSize {
				break // 这一轮够了，剩下的等下次扫描
			}
			addr := &addrs[j]
			balance := addr.TotalReceived.Sub(addr.TotalSwept)
			d := Evaluate(cfg, addr, balance, now)
			if !d.Sweep {
				continue
			}
			delay := time.Duration(enqueued*cfg.BatchDelaySeconds) * time.Second
			created, err := s.enqueueDelayed(ctx, addr, cfg, balance, d, delay)
			if err != nil {
				logger.Error("周期扫描入队失败", zap.Uint64("address_id", addr.ID), zap.Error(err))
				continue
			}
			if created {
				enqueued++
			}
		}
	}
	return nil
}

// RequestSweep 运营手动触发归集，跳过阈值判定直接走紧急队列。
// 熔断中的 Partner 仍然拒绝。
func (s *Scheduler) RequestSweep(ctx context.Context, addressID uint64) (*model.SweepTask, error) {
	addr, err := s.vault.GetByID(ctx, addressID)
	if err != nil {
		return nil, err
	}
	cfg, err := s.loadConfig(ctx, addr.PartnerID)
	if err != nil {
		return nil, err
	}
	if cfg.Suspended {
		return nil, errno.ErrCircuitOpen
	}

	balance := addr.TotalReceived.Sub(addr.TotalSwept)
	task := s.buildTask(addr, balance, Decision{Sweep: true, QueueType: model.QueueEmergency, Reason: TriggerManual}, 0)
	created, isNew, err := s.queue.Enqueue(ctx, task)
	if err != nil {
		return nil, err
	}
	if !isNew {
		logger.Info("手动归集命中已有任务", zap.Uint64("task_id", created.ID))
	}
	return created, nil
}

func (s *Scheduler) evaluateAndEnqueue(ctx context.Context, addr *model.DepositAddress, balance decimal.Decimal) error {
	cfg, err := s.loadConfig(ctx, addr.PartnerID)
	if err != nil {
		return err
	}
	d := Evaluate(cfg, addr, balance, time.Now())
	if !d.Sweep {
		return nil
	}
	_, err = s.enqueueDelayed(ctx, addr, cfg, balance, d, 0)
	return err
}

func (s *Scheduler) enqueueDelayed(ctx context.Context, addr *model.DepositAddress, cfg *model.SweepConfiguration,
	balance decimal.Decimal, d Decision, delay time.Duration) (bool, error) {
	// 日/月限额: 今天 (本月) 已归集加上这一笔超限就推迟到下个窗口
	if ok, err := s.underCaps(ctx, cfg, balance); err != nil {
		return false, err
	} else if !ok {
		logger.Warn("归集额度达到上限，推迟",
			zap.String("partner", cfg.PartnerID), zap.Uint64("address_id", addr.ID))
		return false, nil
	}

	_, isNew, err := s.queue.Enqueue(ctx, s.buildTask(addr, balance, d, delay))
	if err != nil {
		return false, err
	}
	if isNew {
		logger.Info("归集任务入队",
			zap.Uint64("address_id", addr.ID),
			zap.String("queue", string(d.QueueType)),
			zap.String("reason", d.Reason),
			zap.String("amount", balance.String()))
	}
	return isNew, nil
}

func (s *Scheduler) buildTask(addr *model.DepositAddress, balance decimal.Decimal, d Decision, delay time.Duration) *model.SweepTask {
	now := time.Now()
	return &model.SweepTask{
		DepositAddressID: addr.ID,
		PartnerID:        addr.PartnerID,
		QueueType:        d.QueueType,
		Priority:         addr.PriorityLevel,
		ExpectedAmount:   balance,
		Reason:           d.Reason,
		ScheduledAt:      now.Add(delay),
		ExpiresAt:        now.Add(s.taskTTL),
	}
}

func (s *Scheduler) loadConfig(ctx context.Context, partnerID string) (*model.SweepConfiguration, error) {
	var cfg model.SweepConfiguration
	if err := s.db.WithContext(ctx).Where("partner_id = ?", partnerID).First(&cfg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errno.ErrPartnerNotFound
		}
		return nil, err
	}
	return &cfg, nil
}

// underCaps 核对日/月归集限额，0 表示不限
func (s *Scheduler) underCaps(ctx context.Context, cfg *model.SweepConfiguration, amount decimal.Decimal) (bool, error) {
	now := time.Now()
	if cfg.DailyCap.IsPositive() {
		dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		swept, err := s.sweptSince(ctx, cfg.PartnerID, dayStart)
		if err != nil {
			return false, err
		}
		if swept.Add(amount).GreaterThan(cfg.DailyCap) {
			return false, nil
		}
	}
	if cfg.MonthlyCap.IsPositive() {
		monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
		swept, err := s.sweptSince(ctx, cfg.PartnerID, monthStart)
		if err != nil {
			return false, err
		}
		if swept.Add(amount).GreaterThan(cfg.MonthlyCap) {
			return false, nil
		}
	}
	return true, nil
}

func (s *Scheduler) sweptSince(ctx context.Context, partnerID string, since time.Time) (decimal.Decimal, error) {
	var total decimal.NullDecimal
	err := s.db.WithContext(ctx).Model(&model.SweepExecutionLog{}).
		Where("partner_id = ? AND status = ? AND created_at >= ?", partnerID, model.ExecConfirmed, since).
		Select("SUM(sweep_amount)").
		Scan(&total).Error
	if err != nil {
		return decimal.Zero, err
	}
	if !total.Valid {
		return decimal.Zero, nil
	}
	return total.Decimal, nil
}
