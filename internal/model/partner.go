package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PartnerWallet 每个 Partner 的 HD 主钱包记录。
// LastIndex 是该 Partner 已分配的最大派生下标，派生新地址时
// 以条件更新方式递增 (WHERE last_index = 读到的旧值)，并发下绝不会
// 给两个用户分配同一个 index。
type PartnerWallet struct {
	ID                uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	PartnerID         string    `gorm:"type:varchar(64);not null;uniqueIndex" json:"partner_id"`
	KeyRef            string    `gorm:"type:varchar(128);not null" json:"key_ref"` // keystore 中加密种子的引用
	CollectionAddress string    `gorm:"type:varchar(64);not null" json:"collection_address"`
	LastIndex         int64     `gorm:"not null;default:-1" json:"last_index"` // -1 表示还没派生过
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func (PartnerWallet) TableName() string {
	return "partner_wallets"
}

// SweepConfiguration 每个 Partner 的归集配置 (含熔断状态)
type SweepConfiguration struct {
	ID                 uint64          `gorm:"primaryKey;autoIncrement" json:"id"`
	PartnerID          string          `gorm:"type:varchar(64);not null;uniqueIndex" json:"partner_id"`
	MinSweepAmount     decimal.Decimal `gorm:"type:decimal(32,6);not null" json:"min_sweep_amount"`
	MaxSweepAmount     decimal.Decimal `gorm:"type:decimal(32,6);not null" json:"max_sweep_amount"`
	IntervalMinutes    int             `gorm:"not null" json:"interval_minutes"`
	ImmediateThreshold decimal.Decimal `gorm:"type:decimal(32,6);not null" json:"immediate_threshold"`
	BatchSize          int             `gorm:"not null;default:10" json:"batch_size"`
	BatchDelaySeconds  int             `gorm:"not null;default:0" json:"batch_delay_seconds"`
	DailyCap           decimal.Decimal `gorm:"type:decimal(32,6);not null;default:0" json:"daily_cap"`   // 0 = 不限
	MonthlyCap         decimal.Decimal `gorm:"type:decimal(32,6);not null;default:0" json:"monthly_cap"` // 0 = 不限

	// 熔断器: 连续终态失败达到上限后 Suspended 置位，需人工恢复
	ConsecutiveFailureLimit int  `gorm:"not null;default:5" json:"consecutive_failure_limit"`
	ConsecutiveFailures     int  `gorm:"not null;default:0" json:"consecutive_failures"`
	Suspended               bool `gorm:"not null;default:false" json:"suspended"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (SweepConfiguration) TableName() string {
	return "sweep_configurations"
}
