package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type PolicyType string

const (
	PolicyRealtime PolicyType = "realtime"
	PolicyBatch    PolicyType = "batch"
	PolicyHybrid   PolicyType = "hybrid"
	PolicyManual   PolicyType = "manual"
)

// WithdrawalPolicy 每个 Partner 的提现策略
type WithdrawalPolicy struct {
	ID                   uint64          `gorm:"primaryKey;autoIncrement" json:"id"`
	PartnerID            string          `gorm:"type:varchar(64);not null;uniqueIndex" json:"partner_id"`
	PolicyType           PolicyType      `gorm:"type:varchar(16);not null" json:"policy_type"`
	AutoApproveEnabled   bool            `gorm:"not null;default:true" json:"auto_approve_enabled"`
	AutoApproveMaxAmount decimal.Decimal `gorm:"type:decimal(32,6);not null" json:"auto_approve_max_amount"`
	DailyLimit           decimal.Decimal `gorm:"type:decimal(32,6);not null" json:"daily_limit"`      // Partner 日累计上限
	UserDailyLimit       decimal.Decimal `gorm:"type:decimal(32,6);not null" json:"user_daily_limit"` // 单用户日累计上限
	WhitelistRequired    bool            `gorm:"not null;default:false" json:"whitelist_required"`
	RiskScoreThreshold   int             `gorm:"not null;default:70" json:"risk_score_threshold"`
	MaxBatchSize         int             `gorm:"not null;default:20" json:"max_batch_size"`
	BatchDelayMinutes    int             `gorm:"not null;default:0" json:"batch_delay_minutes"` // 批次执行窗口延迟
	MaxGasPrice          decimal.Decimal `gorm:"type:decimal(18,6);not null;default:0" json:"max_gas_price"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

func (WithdrawalPolicy) TableName() string {
	return "withdrawal_policies"
}

type RuleAction string

const (
	ActionApprove RuleAction = "approve"
	ActionReject  RuleAction = "reject"
	ActionReview  RuleAction = "review"
	ActionDelay   RuleAction = "delay" // 转入批量队列延迟执行
)

// WithdrawalApprovalRule 有序审批规则，priority 升序求值，首条命中即生效
type WithdrawalApprovalRule struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	PartnerID string `gorm:"type:varchar(64);not null;index" json:"partner_id"`
	Name      string `gorm:"type:varchar(128);not null" json:"name"`
	Priority  int    `gorm:"not null;default:100" json:"priority"`

	// 条件: 零值表示该维度不限制
	MinAmount decimal.Decimal `gorm:"type:decimal(32,6);not null;default:0" json:"min_amount"`
	MaxAmount decimal.Decimal `gorm:"type:decimal(32,6);not null;default:0" json:"max_amount"`
	Addresses string          `gorm:"type:jsonb" json:"addresses"` // 目标地址集合
	HourFrom  int             `gorm:"not null;default:0" json:"hour_from"`
	HourTo    int             `gorm:"not null;default:24" json:"hour_to"`

	Action    RuleAction `gorm:"type:varchar(16);not null" json:"action"`
	Enabled   bool       `gorm:"not null;default:true" json:"enabled"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (WithdrawalApprovalRule) TableName() string {
	return "withdrawal_approval_rules"
}

// WhitelistAddress 提现白名单
type WhitelistAddress struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	PartnerID string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_wl" json:"partner_id"`
	UserID    uint64    `gorm:"not null;uniqueIndex:idx_wl" json:"user_id"`
	Address   string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_wl" json:"address"`
	CreatedAt time.Time `json:"created_at"`
}

func (WhitelistAddress) TableName() string {
	return "whitelist_addresses"
}

type WithdrawalStatus string

const (
	WithdrawPending       WithdrawalStatus = "pending"
	WithdrawAutoApproved  WithdrawalStatus = "auto_approved"
	WithdrawQueuedBatch   WithdrawalStatus = "queued_batch"
	WithdrawPendingReview WithdrawalStatus = "pending_review"
	WithdrawRejected      WithdrawalStatus = "rejected"
	WithdrawSigned        WithdrawalStatus = "signed"
	WithdrawProcessing    WithdrawalStatus = "processing"
	WithdrawCompleted     WithdrawalStatus = "completed"
	WithdrawFailed        WithdrawalStatus = "failed"
)

// Withdrawal 提现单。
// 生命周期: pending -> {auto_approved, queued_batch, pending_review, rejected}
//   -> (审批通过路径) signed -> processing -> {completed, failed(单独重入队)}
type Withdrawal struct {
	ID            uint64           `gorm:"primaryKey;autoIncrement" json:"id"`
	PartnerID     string           `gorm:"type:varchar(64);not null;index" json:"partner_id"`
	UserID        uint64           `gorm:"not null;index" json:"user_id"`
	ToAddress     string           `gorm:"type:varchar(64);not null" json:"to_address"`
	Amount        decimal.Decimal  `gorm:"type:decimal(32,6);not null" json:"amount"`
	Status        WithdrawalStatus `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	Priority      int              `gorm:"not null;default:5" json:"priority"` // 高优先级可插队进更早批次
	RiskScore     int              `gorm:"not null;default:0" json:"risk_score"`
	Reasons       string           `gorm:"type:jsonb" json:"reasons"` // 结构化审批原因列表
	TxHash        string           `gorm:"type:varchar(128)" json:"tx_hash"`
	BatchID       string           `gorm:"type:varchar(64);index" json:"batch_id"`
	Attempts      int              `gorm:"not null;default:0" json:"attempts"`
	NextRetryAt   *time.Time       `json:"next_retry_at,omitempty"`
	EnergyRequest string           `gorm:"type:varchar(128)" json:"energy_request"` // 关联的能量分配 RequestID
	ReasonCode    string           `gorm:"type:varchar(64)" json:"reason_code"`
	ApprovedAt    *time.Time       `json:"approved_at,omitempty"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

func (Withdrawal) TableName() string {
	return "withdrawals"
}

// WithdrawalRiskScore 风险评分明细，append-only
type WithdrawalRiskScore struct {
	ID                uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	WithdrawalID      uint64    `gorm:"not null;index" json:"withdrawal_id"`
	AddressNovelty    int       `gorm:"not null" json:"address_novelty"`
	AmountTier        int       `gorm:"not null" json:"amount_tier"`
	Frequency         int       `gorm:"not null" json:"frequency"`
	PatternAnomaly    int       `gorm:"not null" json:"pattern_anomaly"`
	TotalScore        int       `gorm:"not null" json:"total_score"`
	RiskLevel         string    `gorm:"type:varchar(16);not null" json:"risk_level"`
	RecommendedAction string    `gorm:"type:varchar(32);not null" json:"recommended_action"`
	CreatedAt         time.Time `json:"created_at"`
}

func (WithdrawalRiskScore) TableName() string {
	return "withdrawal_risk_scores"
}

type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
)

// WithdrawalBatch 提现批次日志，append-only 更新计数，供审计方消费
type WithdrawalBatch struct {
	ID              uint64          `gorm:"primaryKey;autoIncrement" json:"id"`
	BatchID         string          `gorm:"type:varchar(64);not null;uniqueIndex" json:"batch_id"`
	PartnerID       string          `gorm:"type:varchar(64);not null;index" json:"partner_id"`
	TotalAmount     decimal.Decimal `gorm:"type:decimal(32,6);not null" json:"total_amount"`
	TotalFee        decimal.Decimal `gorm:"type:decimal(32,6);not null;default:0" json:"total_fee"`
	ItemCount       int             `gorm:"not null" json:"item_count"`
	ScheduledTime   time.Time       `gorm:"not null" json:"scheduled_time"`
	Status          BatchStatus     `gorm:"type:varchar(16);not null;default:'pending'" json:"status"`
	SuccessfulCount int             `gorm:"not null;default:0" json:"successful_count"`
	FailedCount     int             `gorm:"not null;default:0" json:"failed_count"`
	TxHashes        string          `gorm:"type:jsonb" json:"tx_hashes"`
	FallbackEnergy  bool            `gorm:"not null;default:false" json:"fallback_energy"` // 能量不足时按直接燃烧模式执行
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func (WithdrawalBatch) TableName() string {
	return "withdrawal_batches"
}
