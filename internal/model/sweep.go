package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// 任务队列类型，出队顺序 emergency > priority > normal
type QueueType string

const (
	QueueNormal    QueueType = "normal"
	QueuePriority  QueueType = "priority"
	QueueEmergency QueueType = "emergency"
)

// Rank 返回队列类型的排序权重，数字越大越先出队
func (q QueueType) Rank() int {
	switch q {
	case QueueEmergency:
		return 2
	case QueuePriority:
		return 1
	default:
		return 0
	}
}

type SweepTaskStatus string

const (
	SweepQueued     SweepTaskStatus = "queued"
	SweepProcessing SweepTaskStatus = "processing"
	SweepCompleted  SweepTaskStatus = "completed"
	SweepFailed     SweepTaskStatus = "failed"
	SweepExpired    SweepTaskStatus = "expired"
	SweepCancelled  SweepTaskStatus = "cancelled"
)

// SweepTask 归集任务。
// 不变量: 同一 DepositAddress 最多存在一条 {queued, processing} 状态的任务，
// 由 deposit_address_id 上的部分唯一索引保证，入队侧的 dedupe 查询只是快路径。
type SweepTask struct {
	ID               uint64          `gorm:"primaryKey;autoIncrement" json:"id"`
	DepositAddressID uint64          `gorm:"not null;index;uniqueIndex:uniq_active_sweep,where:status = 'queued' OR status = 'processing'" json:"deposit_address_id"`
	PartnerID        string          `gorm:"type:varchar(64);not null;index" json:"partner_id"`
	QueueType        QueueType       `gorm:"type:varchar(16);not null;default:'normal';index" json:"queue_type"`
	Priority         int             `gorm:"not null;default:5" json:"priority"`
	ExpectedAmount   decimal.Decimal `gorm:"type:decimal(32,6);not null" json:"expected_amount"`
	Status           SweepTaskStatus `gorm:"type:varchar(16);not null;default:'queued';index" json:"status"`
	Reason           string          `gorm:"type:varchar(64)" json:"reason"` // immediate_threshold / interval / manual
	Attempts         int             `gorm:"not null;default:0" json:"attempts"`
	ScheduledAt      time.Time       `gorm:"not null;index" json:"scheduled_at"`
	ExpiresAt        time.Time       `gorm:"not null" json:"expires_at"`
	ClaimedAt        *time.Time      `json:"claimed_at,omitempty"`
	FinishedAt       *time.Time      `json:"finished_at,omitempty"`
	ReasonCode       string          `gorm:"type:varchar(64)" json:"reason_code"` // 终态机器可读原因
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

func (SweepTask) TableName() string {
	return "sweep_tasks"
}

// IsActive 是否处于 {queued, processing}
func (t *SweepTask) IsActive() bool {
	return t.Status == SweepQueued || t.Status == SweepProcessing
}

type ExecutionStatus string

const (
	ExecPending   ExecutionStatus = "pending"
	ExecConfirmed ExecutionStatus = "confirmed"
	ExecFailed    ExecutionStatus = "failed"
)

// SweepExecutionLog 归集执行日志，append-only，供审计方消费
type SweepExecutionLog struct {
	ID               uint64          `gorm:"primaryKey;autoIncrement" json:"id"`
	TaskID           uint64          `gorm:"not null;index" json:"task_id"`
	DepositAddressID uint64          `gorm:"not null;index" json:"deposit_address_id"`
	PartnerID        string          `gorm:"type:varchar(64);not null;index" json:"partner_id"`
	SweepAmount      decimal.Decimal `gorm:"type:decimal(32,6);not null" json:"sweep_amount"`
	BalanceBefore    decimal.Decimal `gorm:"type:decimal(32,6);not null" json:"balance_before"`
	BalanceAfter     decimal.Decimal `gorm:"type:decimal(32,6);not null" json:"balance_after"`
	TxHash           string          `gorm:"type:varchar(128);index" json:"tx_hash"`
	GasFee           decimal.Decimal `gorm:"type:decimal(32,6);not null;default:0" json:"gas_fee"`
	Status           ExecutionStatus `gorm:"type:varchar(16);not null" json:"status"`
	ErrorCode        string          `gorm:"type:varchar(64)" json:"error_code"`
	ErrorMessage     string          `gorm:"type:text" json:"error_message"`
	RetryCount       int             `gorm:"not null;default:0" json:"retry_count"`
	MaxRetries       int             `gorm:"not null" json:"max_retries"`
	BatchID          string          `gorm:"type:varchar(64)" json:"batch_id"`
	NextRetryAt      *time.Time      `json:"next_retry_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

func (SweepExecutionLog) TableName() string {
	return "sweep_execution_logs"
}
