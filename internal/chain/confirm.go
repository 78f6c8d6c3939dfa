package chain

import (
	"context"
	"time"

	"custody-core/pkg/errno"
)

// AwaitConfirmation 轮询交易状态直到确认或超时。
// 超时按失败处理 (进入调用方的重试路径)，绝不让交易停留在 pending 不管。
func AwaitConfirmation(ctx context.Context, client Client, txID string, timeout, poll time.Duration) (TxStatus, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		status, err := client.GetStatus(ctx, txID)
		if err == nil {
			switch status {
			case StatusConfirmed:
				return StatusConfirmed, nil
			case StatusFailed:
				return StatusFailed, errno.ErrPermanentChain.WithMessage("交易上链后执行失败: " + txID)
			}
		}
		// 查询出错时继续轮询，交给超时兜底

		if time.Now().After(deadline) {
			return StatusUnknown, errno.ErrTransientNetwork.WithMessage("等待确认超时: " + txID)
		}

		select {
		case <-ctx.Done():
			return StatusUnknown, errno.ErrTransientNetwork.WithMessage("等待确认被取消: " + txID)
		case <-ticker.C:
		}
	}
}
