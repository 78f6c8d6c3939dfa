package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// DepositAddress 用户充值地址表。
// DerivationIndex 在同一 Partner 下严格递增且永不复用。
// 归属 AddressVault；金额/时间戳字段由 SweepExecutor 更新。
type DepositAddress struct {
	ID              uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	PartnerID       string `gorm:"type:varchar(64);not null;index;uniqueIndex:idx_partner_index" json:"partner_id"`
	UserID          uint64 `gorm:"not null;index:idx_partner_user" json:"user_id"`
	DerivationIndex int64  `gorm:"not null;uniqueIndex:idx_partner_index" json:"derivation_index"`
	Address         string `gorm:"type:varchar(64);not null;uniqueIndex" json:"address"`
	EncryptedKeyRef string `gorm:"type:varchar(128);not null" json:"-"` // keystore 引用，不是密钥本身

	IsActive    bool `gorm:"not null;default:true" json:"is_active"`
	IsMonitored bool `gorm:"not null;default:true" json:"is_monitored"`

	TotalReceived decimal.Decimal `gorm:"type:decimal(32,6);not null;default:0" json:"total_received"`
	TotalSwept    decimal.Decimal `gorm:"type:decimal(32,6);not null;default:0" json:"total_swept"`
	LastDepositAt *time.Time      `json:"last_deposit_at,omitempty"`
	LastSweepAt   *time.Time      `json:"last_sweep_at,omitempty"`

	MinSweepAmount decimal.Decimal `gorm:"type:decimal(32,6);not null;default:0" json:"min_sweep_amount"` // 0 = 跟随 Partner 配置
	PriorityLevel  int             `gorm:"not null;default:5" json:"priority_level"`                      // 1-10

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (DepositAddress) TableName() string {
	return "deposit_addresses"
}

// DepositRecord 充值入账台账，append-only。
// tx_hash 唯一索引是入账去重的最终依据: 充值事件重投递、多实例并发
// 消费同一笔链上转账，都只会留下一条台账并且只加一次余额。
type DepositRecord struct {
	ID               uint64          `gorm:"primaryKey;autoIncrement" json:"id"`
	DepositAddressID uint64          `gorm:"not null;index" json:"deposit_address_id"`
	PartnerID        string          `gorm:"type:varchar(64);not null;index" json:"partner_id"`
	TxHash           string          `gorm:"type:varchar(128);not null;uniqueIndex" json:"tx_hash"`
	Amount           decimal.Decimal `gorm:"type:decimal(32,6);not null" json:"amount"`
	CreatedAt        time.Time       `json:"created_at"`
}

func (DepositRecord) TableName() string {
	return "deposit_records"
}
