package withdraw

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

// 提现终态原因码
const (
	ReasonBroadcasted     = "broadcasted"
	ReasonRetryExhausted  = "max_retries_exceeded"
	ReasonPermanentFailed = "permanent_chain_error"
)

type ExecutorConfig struct {
	Workers        int
	MaxConcurrency int // 批内并发上限
	MaxRetries     int
	RetryBackoff   time.Duration
	PollInterval   time.Duration
	ConfirmTimeout time.Duration
	ConfirmPoll    time.Duration
	EventTopic     string
}

// Executor 执行已批准的提现: 实时单逐笔执行，批次整批执行。
// 批内失败互相独立，失败的单子脱离批次按自己的退避节奏重试，
// 绝不因为一笔失败重播整个批次。
type Executor struct {
	db       *gorm.DB
	vault    *vault.Vault
	energy   *energy.Allocator
	client   chain.Client
	signer   chain.Signer
	producer mq.Producer
	cfg      ExecutorConfig
}

func NewExecutor(db *gorm.DB, v *vault.Vault, e *energy.Allocator,
	client chain.Client, signer chain.Signer, producer mq.Producer, cfg ExecutorConfig) *Executor {
	return &Executor{
		db: db, vault: v, energy: e,
		client: client, signer: signer, producer: producer, cfg: cfg,
	}
}

// Start 启动实时单与批次两条执行循环，阻塞到 ctx 取消
func (e *Executor) Start(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.realtimeLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		e.batchLoop(ctx)
	}()
	wg.Wait()
}

func (e *Executor) realtimeLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := e.runRealtimeRound(ctx); err != nil {
			logger.Error("实时提现轮询失败", zap.Error(err))
		}
	}
}

// runRealtimeRound 认领并执行一批 auto_approved 的实时提现单
func (e *Executor) runRealtimeRound(ctx context.Context) error {
	now := time.Now()
	var items []model.Withdrawal
	err := e.db.WithContext(ctx).
		Where("status = ? AND batch_id = '' AND (next_retry_at IS NULL OR next_retry_at <= ?)",
			model.WithdrawAutoApproved, now).
		Order("priority desc, approved_at asc").
		Limit(e.cfg.Workers * 2).
		Find(&items).Error
	if err != nil {
		return err
	}

	for i := range items {
		w := &items[i]
		if !e.claim(ctx, w, model.WithdrawAutoApproved) {
			continue
		}
		e.processItem(ctx, w, false)
	}
	return nil
}

func (e *Executor) batchLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var batch model.WithdrawalBatch
		err := e.db.WithContext(ctx).
			Where("status = ? AND scheduled_time <= ?", model.BatchPending, time.Now()).
			Order("scheduled_time asc").
			First(&batch).Error
		if err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				logger.Error("批次查询失败", zap.Error(err))
			}
			continue
		}
		if err := e.ExecuteBatch(ctx, &batch); err != nil {
			logger.Error("批次执行失败", zap.String("batch", batch.BatchID), zap.Error(err))
		}
	}
}

// ExecuteBatch 执行一个批次。批次本身的认领是条件更新，
// 多实例下同一批次只会被执行一次。批内并发由信号量限流。
func (e *Executor) ExecuteBatch(ctx context.Context, batch *model.WithdrawalBatch) error {
	res := e.db.WithContext(ctx).Model(&model.WithdrawalBatch{}).
		Where("batch_id = ? AND status = ?", batch.BatchID, model.BatchPending).
		Update("status", model.BatchProcessing)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return nil // 别的实例抢到了
	}

	var items []model.Withdrawal
	if err := e.db.WithContext(ctx).
		Where("batch_id = ? AND status = ?", batch.BatchID, model.WithdrawQueuedBatch).
		Find(&items).Error; err != nil {
		return err
	}

	ordered := OrderForBatch(items)
	sem := make(chan struct{}, e.cfg.MaxConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	successCount, failedCount := 0, 0
	var txHashes []string

	for i := range ordered {
		w := &ordered[i]
		if !e.claim(ctx, w, model.WithdrawQueuedBatch) {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(w *model.Withdrawal) {
			defer wg.Done()
			defer func() { <-sem }()

			txHash, ok := e.processItem(ctx, w, batch.FallbackEnergy)
			mu.Lock()
			if ok {
				successCount++
				txHashes = append(txHashes, txHash)
			} else {
				failedCount++
			}
			mu.Unlock()
		}(w)
	}
	wg.Wait()

	status := model.BatchCompleted
	if successCount == 0 && failedCount > 0 {
		status = model.BatchFailed
	}
	hashesJSON, _ := json.Marshal(txHashes)
	err := e.db.WithContext(ctx).Model(&model.WithdrawalBatch{}).
		Where("batch_id = ?", batch.BatchID).
		Updates(map[string]interface{}{
			"status":           status,
			"successful_count": successCount,
			"failed_count":     failedCount,
			"tx_hashes":        string(hashesJSON),
		}).Error
	if err != nil {
		return err
	}
	logger.Info("批次执行结束",
		zap.String("batch", batch.BatchID),
		zap.Int("success", successCount),
		zap.Int("failed", failedCount))
	return nil
}

// claim 把单据从 from 状态迁到 processing 并递增尝试次数
func (e *Executor) claim(ctx context.Context, w *model.Withdrawal, from model.WithdrawalStatus) bool {
	res := e.db.WithContext(ctx).Model(&model.Withdrawal{}).
		Where("id = ? AND status = ?", w.ID, from).
		Updates(map[string]interface{}{
			"status":   model.WithdrawProcessing,
			"attempts": gorm.Expr("attempts + 1"),
		})
	if res.Error != nil || res.RowsAffected == 0 {
		return false
	}
	w.Status = model.WithdrawProcessing
	w.Attempts++
	return true
}

// processItem 执行单笔提现，返回 (txHash, 是否成功)
func (e *Executor) processItem(ctx context.Context, w *model.Withdrawal, fallbackEnergy bool) (string, bool) {
	var wallet model.PartnerWallet
	if err := e.db.WithContext(ctx).Where("partner_id = ?", w.PartnerID).First(&wallet).Error; err != nil {
		e.fail(ctx, w, "partner_wallet_missing", err)
		return "", false
	}

	var policy model.WithdrawalPolicy
	if err := e.db.WithContext(ctx).Where("partner_id = ?", w.PartnerID).First(&policy).Error; err != nil &&
		!errors.Is(err, gorm.ErrRecordNotFound) {
		e.fail(ctx, w, "", err)
		return "", false
	}

	feeUnits, err := e.client.EstimateFee(ctx, wallet.CollectionAddress, w.ToAddress)
	if err != nil {
		e.fail(ctx, w, "", err)
		return "", false
	}

	requestID := crypto_util.CalculateBlake3([]byte(fmt.Sprintf("withdraw:%d", w.ID)))
	if !fallbackEnergy {
		alloc, err := e.energy.Allocate(ctx, w.PartnerID, requestID, feeUnits, w.Priority >= 8)
		if err != nil {
			e.fail(ctx, w, "", err)
			return "", false
		}

		// 策略设了 max_gas_price 时，分配单价超限就退回额度，等价格回落再试
		if policy.MaxGasPrice.IsPositive() && alloc.Status != model.AllocFallback && alloc.Amount > 0 {
			unitCost := alloc.TotalCost.Div(decimal.NewFromInt(alloc.Amount))
			if unitCost.GreaterThan(policy.MaxGasPrice) {
				_ = e.energy.Release(ctx, requestID)
				e.fail(ctx, w, "gas_price_exceeded",
					errno.ErrInsufficientResource.WithMessage("能量单价超过策略上限: "+unitCost.String()))
				return "", false
			}
		}

		// 记录关联，便于审计回溯这笔提现烧了谁的能量
		_ = e.db.WithContext(ctx).Model(&model.Withdrawal{}).
			Where("id = ?", w.ID).
			Update("energy_request", requestID).Error
	}

	txHash, err := e.transfer(ctx, &wallet, w)
	if err != nil {
		if !fallbackEnergy {
			_ = e.energy.Release(ctx, requestID)
		}
		e.fail(ctx, w, "", err)
		return "", false
	}

	if !fallbackEnergy {
		_ = e.energy.Consume(ctx, requestID)
	}
	e.succeed(ctx, w, txHash)
	return txHash, true
}

func (e *Executor) transfer(ctx context.Context, wallet *model.PartnerWallet, w *model.Withdrawal) (string, error) {
	tx, err := e.client.BuildTransfer(ctx, wallet.CollectionAddress, w.ToAddress, w.Amount)
	if err != nil {
		return "", err
	}

	hotKey, err := e.vault.DeriveHotKey(wallet.KeyRef)
	if err != nil {
		return "", err
	}
	privKey, err := hotKey.ECPrivKey()
	if err != nil {
		return "", err
	}
	signed, err := e.signer.Sign(privKey, tx)
	if err != nil {
		return "", err
	}

	// 签名完成先落 signed 状态，广播前崩溃可以人工核对链上有没有这笔
	_ = e.db.WithContext(ctx).Model(&model.Withdrawal{}).
		Where("id = ? AND status = ?", w.ID, model.WithdrawProcessing).
		Updates(map[string]interface{}{"status": model.WithdrawSigned, "tx_hash": tx.TxID}).Error

	txID, err := e.client.Broadcast(ctx, signed)
	if err != nil {
		e.restoreProcessing(ctx, w.ID)
		return "", err
	}

	if _, err := chain.AwaitConfirmation(ctx, e.client, txID, e.cfg.ConfirmTimeout, e.cfg.ConfirmPoll); err != nil {
		e.restoreProcessing(ctx, w.ID)
		return "", err
	}
	return txID, nil
}

func (e *Executor) restoreProcessing(ctx context.Context, id uint64) {
	_ = e.db.WithContext(ctx).Model(&model.Withdrawal{}).
		Where("id = ? AND status = ?", id, model.WithdrawSigned).
		Update("status", model.WithdrawProcessing).Error
}

func (e *Executor) succeed(ctx context.Context, w *model.Withdrawal, txHash string) {
	now := time.Now()
	err := e.db.WithContext(ctx).Model(&model.Withdrawal{}).
		Where("id = ? AND status IN ?", w.ID,
			[]model.WithdrawalStatus{model.WithdrawProcessing, model.WithdrawSigned}).
		Updates(map[string]interface{}{
			"status":       model.WithdrawCompleted,
			"tx_hash":      txHash,
			"completed_at": now,
			"reason_code":  ReasonBroadcasted,
		}).Error
	if err != nil {
		logger.Error("提现完成落库失败", zap.Uint64("withdrawal", w.ID), zap.Error(err))
		return
	}
	monitor.Business.WithdrawExecutedTotal.WithLabelValues("completed").Inc()
	logger.Info("提现完成",
		zap.Uint64("withdrawal", w.ID),
		zap.String("partner", w.PartnerID),
		zap.String("amount", w.Amount.String()),
		zap.String("tx", txHash))
	e.publishEvent(ctx, w, model.WithdrawCompleted, ReasonBroadcasted, txHash)
}

// fail 按错误分类: 瞬时失败的单子脱离批次回到 auto_approved 等下一轮重试，
// 其余直接终态
func (e *Executor) fail(ctx context.Context, w *model.Withdrawal, reasonCode string, cause error) {
	kind := errno.KindOf(cause)
	retryable := kind == errno.KindTransientNetwork || kind == errno.KindInsufficientResource

	if retryable && w.Attempts < e.cfg.MaxRetries {
		backoff := e.cfg.RetryBackoff
		for i := 1; i < w.Attempts; i++ {
			backoff *= 2
		}
		nextAt := time.Now().Add(backoff)
		// 脱离批次单独重试，batch_id 清空让它走实时路径
		err := e.db.WithContext(ctx).Model(&model.Withdrawal{}).
			Where("id = ? AND status IN ?", w.ID,
				[]model.WithdrawalStatus{model.WithdrawProcessing, model.WithdrawSigned}).
			Updates(map[string]interface{}{
				"status":        model.WithdrawAutoApproved,
				"batch_id":      "",
				"next_retry_at": nextAt,
			}).Error
		if err != nil {
			logger.Error("提现重排失败", zap.Uint64("withdrawal", w.ID), zap.Error(err))
			return
		}
		logger.Warn("提现瞬时失败，退避后重试",
			zap.Uint64("withdrawal", w.ID),
			zap.Int("attempt", w.Attempts),
			zap.Duration("backoff", backoff),
			zap.Error(cause))
		return
	}

	if reasonCode == "" {
		switch kind {
		case errno.KindPermanentChain:
			reasonCode = ReasonPermanentFailed
		default:
			reasonCode = ReasonRetryExhausted
		}
	}
	err := e.db.WithContext(ctx).Model(&model.Withdrawal{}).
		Where("id = ? AND status IN ?", w.ID,
			[]model.WithdrawalStatus{model.WithdrawProcessing, model.WithdrawSigned}).
		Updates(map[string]interface{}{
			"status":      model.WithdrawFailed,
			"reason_code": reasonCode,
		}).Error
	if err != nil {
		logger.Error("提现终态落库失败", zap.Uint64("withdrawal", w.ID), zap.Error(err))
		return
	}
	monitor.Business.WithdrawExecutedTotal.WithLabelValues("failed").Inc()
	logger.Error("提现终态失败，需要人工处理",
		zap.Uint64("withdrawal", w.ID),
		zap.String("partner", w.PartnerID),
		zap.String("reason", reasonCode),
		zap.Error(cause))
	e.publishEvent(ctx, w, model.WithdrawFailed, reasonCode, "")
}

// WithdrawEvent 提现终态事件
type WithdrawEvent struct {
	Type         string    `json:"type"`
	WithdrawalID uint64    `json:"withdrawal_id"`
	PartnerID    string    `json:"partner_id"`
	Status       string    `json:"status"`
	ReasonCode   string    `json:"reason_code"`
	TxHash       string    `json:"tx_hash,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

func (e *Executor) publishEvent(ctx context.Context, w *model.Withdrawal, status model.WithdrawalStatus, reasonCode, txHash string) {
	if e.producer == nil {
		return
	}
	payload, _ := json.Marshal(WithdrawEvent{
		Type:         "withdrawal_terminal",
		WithdrawalID: w.ID,
		PartnerID:    w.PartnerID,
		Status:       string(status),
		ReasonCode:   reasonCode,
		TxHash:       txHash,
		OccurredAt:   time.Now(),
	})
	if err := e.producer.Publish(ctx, e.cfg.EventTopic, w.PartnerID, payload); err != nil {
		logger.Error("提现事件发送失败", zap.Uint64("withdrawal", w.ID), zap.Error(err))
	}
}
