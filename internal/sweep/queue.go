package sweep

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"custody-core/internal/model"
	"custody-core/pkg/errno"
	"custody-core/pkg/monitor"
)

// 终态原因码
const (
	ReasonSwept              = "swept"
	ReasonSkippedLowBalance  = "skipped_insufficient_balance"
	ReasonMaxRetriesExceeded = "max_retries_exceeded"
	ReasonPermanentChain     = "permanent_chain_error"
	ReasonExpiredUnclaimed   = "expired_unclaimed"
	ReasonCancelled          = "cancelled_by_operator"
)

// Queue 是 DB 持久化的归集任务队列。
// 状态机: queued -> processing -> {completed, failed}
//   failed -> queued (attempts 未用尽且未过期)
//   queued -> expired (超过 expiresAt 无人认领)
//   queued -> cancelled (仅未认领时可取消)
// 认领是条件更新 (queued -> processing)，多个消费者不会抢到同一条。
type Queue struct {
	db *gorm.DB
}

func NewQueue(db *gorm.DB) *Queue {
	return &Queue{db: db}
}

// Enqueue 入队。先查同地址是否已有 {queued, processing} 任务 (dedupe)，
// 有则返回已存在的任务，不重复插入。并发入队时两边都可能查不到，
// 此时插入由部分唯一索引拦下，输掉的一方改为返回赢家的任务。
// 返回 (task, created, error)。
func (q *Queue) Enqueue(ctx context.Context, task *model.SweepTask) (*model.SweepTask, bool, error) {
	if existing, err := q.activeFor(ctx, task.DepositAddressID); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	task.Status = model.SweepQueued
	if err := q.db.WithContext(ctx).Create(task).Error; err != nil {
		// 唯一索引冲突: 并发入队被抢先，取赢家的任务返回
		if existing, qErr := q.activeFor(ctx, task.DepositAddressID); qErr == nil {
			return existing, false, nil
		}
		return nil, false, err
	}
	monitor.Business.QueueDepth.WithLabelValues(string(task.QueueType)).Inc()
	return task, true, nil
}

func (q *Queue) activeFor(ctx context.Context, addressID uint64) (*model.SweepTask, error) {
	var existing model.SweepTask
	err := q.db.WithContext(ctx).
		Where("deposit_address_id = ? AND status IN ?", addressID,
			[]model.SweepTaskStatus{model.SweepQueued, model.SweepProcessing}).
		First(&existing).Error
	if err != nil {
		return nil, err
	}
	return &existing, nil
}

// DequeueNext 取出并认领至多 n 条到期任务。
// 顺序: queueType (emergency > priority > normal) > priority 降序 > scheduledAt 升序。
// 每条的认领都是一次条件更新，抢失败的条目直接跳过。
func (q *Queue) DequeueNext(ctx context.Context, n int) ([]model.SweepTask, error) {
	now := time.Now()

	var candidates []model.SweepTask
	err := q.db.WithContext(ctx).
		Where("status = ? AND scheduled_at <= ? AND expires_at > ?", model.SweepQueued, now, now).
		Order(`CASE queue_type WHEN 'emergency' THEN 2 WHEN 'priority' THEN 1 ELSE 0 END DESC,
			priority DESC, scheduled_at ASC`).
		Limit(n * 2). // 多取一些，补偿并发认领失败的条目
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	claimed := make([]model.SweepTask, 0, n)
	for i := range candidates {
		t := &candidates[i]
		res := q.db.WithContext(ctx).Model(&model.SweepTask{}).
			Where("id = ? AND status = ?", t.ID, model.SweepQueued).
			Updates(map[string]interface{}{
				"status":     model.SweepProcessing,
				"claimed_at": now,
				"attempts":   gorm.Expr("attempts + 1"),
			})
		if res.Error != nil {
			return claimed, res.Error
		}
		if res.RowsAffected == 0 {
			continue // 被其他消费者抢走
		}
		t.Status = model.SweepProcessing
		t.Attempts++
		monitor.Business.QueueDepth.WithLabelValues(string(t.QueueType)).Dec()
		claimed = append(claimed, *t)
		if len(claimed) >= n {
			break
		}
	}
	return claimed, nil
}

// Complete 任务成功终态
func (q *Queue) Complete(ctx context.Context, taskID uint64, reasonCode string) error {
	return q.finish(ctx, taskID, model.SweepCompleted, reasonCode)
}

// FailTerminal 任务失败终态
func (q *Queue) FailTerminal(ctx context.Context, taskID uint64, reasonCode string) error {
	return q.finish(ctx, taskID, model.SweepFailed, reasonCode)
}

func (q *Queue) finish(ctx context.Context, taskID uint64, status model.SweepTaskStatus, reasonCode string) error {
	now := time.Now()
	return q.db.WithContext(ctx).Model(&model.SweepTask{}).
		Where("id = ? AND status = ?", taskID, model.SweepProcessing).
		Updates(map[string]interface{}{
			"status":      status,
			"finished_at": now,
			"reason_code": reasonCode,
		}).Error
}

// Requeue 瞬时失败后按退避时间重新排队 (failed -> queued 的内部路径)。
// 过期的任务不再重排，直接失败终态。
func (q *Queue) Requeue(ctx context.Context, task *model.SweepTask, nextAt time.Time) error {
	if time.Now().After(task.ExpiresAt) {
		return q.FailTerminal(ctx, task.ID, ReasonExpiredUnclaimed)
	}
	res := q.db.WithContext(ctx).Model(&model.SweepTask{}).
		Where("id = ? AND status = ?", task.ID, model.SweepProcessing).
		Updates(map[string]interface{}{
			"status":       model.SweepQueued,
			"scheduled_at": nextAt,
			"claimed_at":   nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		monitor.Business.QueueDepth.WithLabelValues(string(task.QueueType)).Inc()
	}
	return nil
}

// Cancel 取消任务。只允许取消还没被认领的 (queued)，
// 已进入 processing 的任务必须跑到终态。
func (q *Queue) Cancel(ctx context.Context, taskID uint64) error {
	res := q.db.WithContext(ctx).Model(&model.SweepTask{}).
		Where("id = ? AND status = ?", taskID, model.SweepQueued).
		Updates(map[string]interface{}{
			"status":      model.SweepCancelled,
			"reason_code": ReasonCancelled,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var task model.SweepTask
		if err := q.db.WithContext(ctx).First(&task, taskID).Error; err != nil {
			return errno.ErrTaskNotFound
		}
		return errno.ErrTaskNotCancelable
	}
	return nil
}

// ExpireStale 由定时任务调用: 过期未认领的任务置为 expired，不再执行
func (q *Queue) ExpireStale(ctx context.Context) (int64, error) {
	res := q.db.WithContext(ctx).Model(&model.SweepTask{}).
		Where("status = ? AND expires_at < ?", model.SweepQueued, time.Now()).
		Updates(map[string]interface{}{
			"status":      model.SweepExpired,
			"reason_code": ReasonExpiredUnclaimed,
		})
	return res.RowsAffected, res.Error
}

// Get 查询任务
func (q *Queue) Get(ctx context.Context, taskID uint64) (*model.SweepTask, error) {
	var task model.SweepTask
	if err := q.db.WithContext(ctx).First(&task, taskID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errno.ErrTaskNotFound
		}
		return nil, err
	}
	return &task, nil
}
