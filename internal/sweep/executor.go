package sweep

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"custody-core/internal/chain"
	"custody-core/internal/energy"
	"custody-core/internal/model"
	"custody-core/internal/mq"
	"custody-core/internal/vault"
	"custody-core/pkg/crypto_util"
	"custody-core/pkg/errno"
	"custody-core/pkg/logger"
	"custody-core/pkg/monitor"
)

// ExecutorConfig 执行器的进程级参数
type ExecutorConfig struct {
	Workers        int
	PollInterval   time.Duration
	ClaimBatch     int
	MaxRetries     int
	RetryBackoff   time.Duration
	BackoffCap     time.Duration
	ConfirmTimeout time.Duration
	ConfirmPoll    time.Duration
	EventTopic     string
}

// Executor 是唯一动钱的归集组件: 认领任务、分配能量、签名广播、等确认。
// 多实例安全，认领互斥由 Queue 的条件更新保证。
type Executor struct {
	db       *gorm.DB
	queue    *Queue
	vault    *vault.Vault
	energy   *energy.Allocator
	client   chain.Client
	signer   chain.Signer
	producer mq.Producer
	cfg      ExecutorConfig
}

func NewExecutor(db *gorm.DB, q *Queue, v *vault.Vault, e *energy.Allocator,
	client chain.Client, signer chain.Signer, producer mq.Producer, cfg ExecutorConfig) *Executor {
	return &Executor{
		db: db, queue: q, vault: v, energy: e,
		client: client, signer: signer, producer: producer, cfg: cfg,
	}
}

// Start 启动 worker 池，阻塞到 ctx 取消
func (e *Executor) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < e.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			e.workerLoop(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (e *Executor) workerLoop(ctx context.Context, id int) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	logger.Info("归集 worker 启动", zap.Int("worker", id))
	for {
		select {
		case <-ctx.Done():
			logger.Info("归集 worker 退出", zap.Int("worker", id))
			return
		case <-ticker.C:
		}

		tasks, err := e.queue.DequeueNext(ctx, e.cfg.ClaimBatch)
		if err != nil {
			logger.Error("认领归集任务失败", zap.Error(err))
			continue
		}
		for i := range tasks {
			e.Process(ctx, &tasks[i])
		}
	}
}

// Process 执行单个已认领的任务，所有出口都落到终态或重排
func (e *Executor) Process(ctx context.Context, task *model.SweepTask) {
	start := time.Now()
	defer func() {
		monitor.Business.SweepJobDuration.WithLabelValues(string(task.QueueType)).
			Observe(time.Since(start).Seconds())
	}()

	addr, err := e.vault.GetByID(ctx, task.DepositAddressID)
	if err != nil {
		// 地址都找不到的任务没有重试价值
		e.failTerminal(ctx, task, "address_missing", err)
		return
	}

	var wallet model.PartnerWallet
	if err := e.db.WithContext(ctx).Where("partner_id = ?", task.PartnerID).First(&wallet).Error; err != nil {
		e.failTerminal(ctx, task, "partner_wallet_missing", err)
		return
	}

	// 余额以链上实查为准，任务里的 expectedAmount 只是入队时的快照
	balance, err := e.client.GetBalance(ctx, addr.Address)
	if err != nil {
		e.handleFailure(ctx, task, addr, err)
		return
	}

	minSweep, maxSweep := e.sweepBounds(ctx, addr)
	if balance.LessThan(minSweep) {
		// 余额不足是非重试的终态跳过，不计入熔断
		e.skip(ctx, task, addr, balance)
		return
	}

	feeUnits, err := e.client.EstimateFee(ctx, addr.Address, wallet.CollectionAddress)
	if err != nil {
		e.handleFailure(ctx, task, addr, err)
		return
	}

	// 幂等键绑定任务 ID，同一任务的重试不会重复扣能量池容量
	requestID := crypto_util.CalculateBlake3([]byte(fmt.Sprintf("sweep:%d", task.ID)))
	alloc, err := e.energy.Allocate(ctx, task.PartnerID, requestID, feeUnits, task.QueueType != model.QueueNormal)
	if err != nil {
		e.handleFailure(ctx, task, addr, err)
		return
	}

	sweepAmount := balance
	if maxSweep.IsPositive() && sweepAmount.GreaterThan(maxSweep) {
		// 单次上限之外的部分留在地址里，下一轮再归集
		sweepAmount = maxSweep
	}
	if alloc.Status == model.AllocFallback {
		// 直接燃烧: 手续费从归集金额里扣 (TotalCost 单位是 sun)
		burn := alloc.TotalCost.Shift(-6)
		sweepAmount = sweepAmount.Sub(burn)
		if sweepAmount.LessThanOrEqual(decimal.Zero) || sweepAmount.LessThan(minSweep) {
			e.skip(ctx, task, addr, balance)
			return
		}
	}

	txHash, err := e.transfer(ctx, addr, &wallet, sweepAmount)
	if err != nil {
		_ = e.energy.Release(ctx, requestID)
		e.logExecution(ctx, task, addr, sweepAmount, balance, "", err)
		e.handleFailure(ctx, task, addr, err)
		return
	}

	_ = e.energy.Consume(ctx, requestID)
	e.succeed(ctx, task, addr, sweepAmount, balance, txHash, gasFeeOf(alloc))
}

// gasFeeOf 把分配成本折算成 TRX 计的手续费 (fallback 的 TotalCost 单位是 sun)
func gasFeeOf(alloc *model.EnergyAllocation) decimal.Decimal {
	if alloc.Status == model.AllocFallback {
		return alloc.TotalCost.Shift(-6)
	}
	return alloc.TotalCost
}

// transfer 构造、签名、广播并等待确认，返回交易哈希
func (e *Executor) transfer(ctx context.Context, addr *model.DepositAddress, wallet *model.PartnerWallet, amount decimal.Decimal) (string, error) {
	tx, err := e.client.BuildTransfer(ctx, addr.Address, wallet.CollectionAddress, amount)
	if err != nil {
		return "", err
	}

	childKey, err := e.vault.DeriveChildKey(addr.EncryptedKeyRef, addr.DerivationIndex)
	if err != nil {
		return "", err
	}
	privKey, err := childKey.ECPrivKey()
	if err != nil {
		return "", err
	}
	signed, err := e.signer.Sign(privKey, tx)
	if err != nil {
		return "", err
	}

	txID, err := e.client.Broadcast(ctx, signed)
	if err != nil {
		return "", err
	}

	if _, err := chain.AwaitConfirmation(ctx, e.client, txID, e.cfg.ConfirmTimeout, e.cfg.ConfirmPoll); err != nil {
		return "", err
	}
	return txID, nil
}

func (e *Executor) succeed(ctx context.Context, task *model.SweepTask, addr *model.DepositAddress,
	amount, balanceBefore decimal.Decimal, txHash string, gasFee decimal.Decimal) {
	now := time.Now()
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.SweepTask{}).
			Where("id = ? AND status = ?", task.ID, model.SweepProcessing).
			Updates(map[string]interface{}{
				"status":      model.SweepCompleted,
				"finished_at": now,
				"reason_code": ReasonSwept,
			}).Error; err != nil {
			return err
		}
		if err := tx.Model(&model.DepositAddress{}).
			Where("id = ?", addr.ID).
			Updates(map[string]interface{}{
				"total_swept":   gorm.Expr("total_swept + ?", amount),
				"last_sweep_at": now,
			}).Error; err != nil {
			return err
		}
		// 成功清零连续失败计数
		if err := tx.Model(&model.SweepConfiguration{}).
			Where("partner_id = ?", task.PartnerID).
			Update("consecutive_failures", 0).Error; err != nil {
			return err
		}
		return tx.Create(&model.SweepExecutionLog{
			TaskID:           task.ID,
			DepositAddressID: addr.ID,
			PartnerID:        task.PartnerID,
			SweepAmount:      amount,
			BalanceBefore:    balanceBefore,
			BalanceAfter:     balanceBefore.Sub(amount),
			TxHash:           txHash,
			GasFee:           gasFee,
			Status:           model.ExecConfirmed,
			RetryCount:       task.Attempts - 1,
			MaxRetries:       e.cfg.MaxRetries,
		}).Error
	})
	if err != nil {
		logger.Error("归集成功后落库失败", zap.Uint64("task_id", task.ID), zap.Error(err))
		return
	}

	monitor.Business.SweepTaskTotal.WithLabelValues("completed").Inc()
	amt, _ := amount.Float64()
	monitor.Business.SweepAmountTotal.WithLabelValues(task.PartnerID).Add(amt)
	logger.Info("归集完成",
		zap.Uint64("task_id", task.ID),
		zap.String("address", addr.Address),
		zap.String("amount", amount.String()),
		zap.String("tx", txHash))
	e.publishEvent(ctx, task, model.SweepCompleted, ReasonSwept, txHash)
}

// skip 余额不足的终态跳过: 任务收敛为 completed + skipped 原因码，
// 不触发重试也不推高熔断计数
func (e *Executor) skip(ctx context.Context, task *model.SweepTask, addr *model.DepositAddress, balance decimal.Decimal) {
	if err := e.queue.Complete(ctx, task.ID, ReasonSkippedLowBalance); err != nil {
		logger.Error("跳过任务落库失败", zap.Uint64("task_id", task.ID), zap.Error(err))
		return
	}
	monitor.Business.SweepTaskTotal.WithLabelValues("skipped").Inc()
	logger.Info("余额低于归集下限，跳过",
		zap.Uint64("task_id", task.ID),
		zap.String("address", addr.Address),
		zap.String("balance", balance.String()))
	e.publishEvent(ctx, task, model.SweepCompleted, ReasonSkippedLowBalance, "")
}

// handleFailure 按错误分类决定重试还是终态
func (e *Executor) handleFailure(ctx context.Context, task *model.SweepTask, addr *model.DepositAddress, cause error) {
	switch errno.KindOf(cause) {
	case errno.KindTransientNetwork, errno.KindInsufficientResource:
		if task.Attempts < e.cfg.MaxRetries {
			backoff := e.backoffFor(task.Attempts)
			nextAt := time.Now().Add(backoff)
			if err := e.queue.Requeue(ctx, task, nextAt); err != nil {
				logger.Error("任务重排失败", zap.Uint64("task_id", task.ID), zap.Error(err))
				return
			}
			logger.Warn("瞬时失败，退避后重试",
				zap.Uint64("task_id", task.ID),
				zap.Int("attempt", task.Attempts),
				zap.Duration("backoff", backoff),
				zap.Error(cause))
			return
		}
		e.failTerminal(ctx, task, ReasonMaxRetriesExceeded, cause)

	case errno.KindInsufficientBalance:
		e.skip(ctx, task, addr, decimal.Zero)

	case errno.KindPermanentChain:
		// 永久性链上错误重试也不会好，直接终态并告警
		logger.Error("永久性链上错误，需要人工介入",
			zap.Uint64("task_id", task.ID),
			zap.String("address", addr.Address),
			zap.Error(cause))
		e.failTerminal(ctx, task, ReasonPermanentChain, cause)

	default:
		e.failTerminal(ctx, task, "internal_error", cause)
	}
}

// backoffFor 指数退避: base * 2^(attempt-1)，封顶 BackoffCap
func (e *Executor) backoffFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := e.cfg.RetryBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= e.cfg.BackoffCap {
			return e.cfg.BackoffCap
		}
	}
	if backoff > e.cfg.BackoffCap {
		backoff = e.cfg.BackoffCap
	}
	return backoff
}

func (e *Executor) failTerminal(ctx context.Context, task *model.SweepTask, reasonCode string, cause error) {
	if err := e.queue.FailTerminal(ctx, task.ID, reasonCode); err != nil {
		logger.Error("任务终态落库失败", zap.Uint64("task_id", task.ID), zap.Error(err))
		return
	}
	monitor.Business.SweepTaskTotal.WithLabelValues("failed").Inc()
	logger.Error("归集任务终态失败",
		zap.Uint64("task_id", task.ID),
		zap.String("reason", reasonCode),
		zap.Error(cause))

	e.recordFailure(ctx, task.PartnerID)
	e.publishEvent(ctx, task, model.SweepFailed, reasonCode, "")
}

// recordFailure 推进熔断计数，达到上限后挂起该 Partner 的自动归集
func (e *Executor) recordFailure(ctx context.Context, partnerID string) {
	if err := e.db.WithContext(ctx).Model(&model.SweepConfiguration{}).
		Where("partner_id = ?", partnerID).
		Update("consecutive_failures", gorm.Expr("consecutive_failures + 1")).Error; err != nil {
		logger.Error("熔断计数更新失败", zap.String("partner", partnerID), zap.Error(err))
		return
	}

	var cfg model.SweepConfiguration
	if err := e.db.WithContext(ctx).Where("partner_id = ?", partnerID).First(&cfg).Error; err != nil {
		return
	}
	if cfg.Suspended || cfg.ConsecutiveFailures < cfg.ConsecutiveFailureLimit {
		return
	}

	res := e.db.WithContext(ctx).Model(&model.SweepConfiguration{}).
		Where("partner_id = ? AND suspended = ?", partnerID, false).
		Update("suspended", true)
	if res.Error != nil || res.RowsAffected == 0 {
		return
	}
	monitor.Business.CircuitOpenTotal.Inc()
	logger.Error("连续失败达到上限，归集熔断",
		zap.String("partner", partnerID),
		zap.Int("failures", cfg.ConsecutiveFailures))
	e.publishCircuitEvent(ctx, partnerID)
}

// ResetCircuit 人工恢复被熔断的 Partner
func (e *Executor) ResetCircuit(ctx context.Context, partnerID string) error {
	res := e.db.WithContext(ctx).Model(&model.SweepConfiguration{}).
		Where("partner_id = ?", partnerID).
		Updates(map[string]interface{}{
			"suspended":            false,
			"consecutive_failures": 0,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errno.ErrPartnerNotFound
	}
	logger.Info("归集熔断已人工恢复", zap.String("partner", partnerID))
	return nil
}

func (e *Executor) logExecution(ctx context.Context, task *model.SweepTask, addr *model.DepositAddress,
	amount, balanceBefore decimal.Decimal, txHash string, cause error) {
	code, msg := errno.Decode(cause)
	entry := &model.SweepExecutionLog{
		TaskID:           task.ID,
		DepositAddressID: addr.ID,
		PartnerID:        task.PartnerID,
		SweepAmount:      amount,
		BalanceBefore:    balanceBefore,
		BalanceAfter:     balanceBefore,
		TxHash:           txHash,
		Status:           model.ExecFailed,
		ErrorCode:        fmt.Sprintf("%d", code),
		ErrorMessage:     msg,
		RetryCount:       task.Attempts - 1,
		MaxRetries:       e.cfg.MaxRetries,
	}
	if errno.IsRetryable(cause) && task.Attempts < e.cfg.MaxRetries {
		next := time.Now().Add(e.backoffFor(task.Attempts))
		entry.NextRetryAt = &next
	}
	if err := e.db.WithContext(ctx).Create(entry).Error; err != nil {
		logger.Error("执行日志写入失败", zap.Uint64("task_id", task.ID), zap.Error(err))
	}
}

// sweepBounds 返回生效的单次归集下限与上限 (上限为 0 表示不限)。
// 下限可被地址级配置覆盖，上限始终取 Partner 配置。
func (e *Executor) sweepBounds(ctx context.Context, addr *model.DepositAddress) (decimal.Decimal, decimal.Decimal) {
	var cfg model.SweepConfiguration
	if err := e.db.WithContext(ctx).Where("partner_id = ?", addr.PartnerID).First(&cfg).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			logger.Error("读取归集配置失败", zap.String("partner", addr.PartnerID), zap.Error(err))
		}
	}
	minSweep := cfg.MinSweepAmount
	if addr.MinSweepAmount.IsPositive() {
		minSweep = addr.MinSweepAmount
	}
	return minSweep, cfg.MaxSweepAmount
}

// TaskEvent 归集任务终态事件，发给下游对账/通知系统
type TaskEvent struct {
	Type       string    `json:"type"`
	TaskID     uint64    `json:"task_id"`
	PartnerID  string    `json:"partner_id"`
	Status     string    `json:"status"`
	ReasonCode string    `json:"reason_code"`
	TxHash     string    `json:"tx_hash,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (e *Executor) publishEvent(ctx context.Context, task *model.SweepTask, status model.SweepTaskStatus, reasonCode, txHash string) {
	if e.producer == nil {
		return
	}
	payload, _ := json.Marshal(TaskEvent{
		Type:       "sweep_task_terminal",
		TaskID:     task.ID,
		PartnerID:  task.PartnerID,
		Status:     string(status),
		ReasonCode: reasonCode,
		TxHash:     txHash,
		OccurredAt: time.Now(),
	})
	if err := e.producer.Publish(ctx, e.cfg.EventTopic, task.PartnerID, payload); err != nil {
		logger.Error("归集事件发送失败", zap.Uint64("task_id", task.ID), zap.Error(err))
	}
}

func (e *Executor) publishCircuitEvent(ctx context.Context, partnerID string) {
	if e.producer == nil {
		return
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"type":        "sweep_circuit_open",
		"partner_id":  partnerID,
		"occurred_at": time.Now(),
	})
	if err := e.producer.Publish(ctx, e.cfg.EventTopic, partnerID, payload); err != nil {
		logger.Error("熔断事件发送失败", zap.String("partner", partnerID), zap.Error(err))
	}
}
