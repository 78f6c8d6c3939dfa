package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type SupplierType string

const (
	SupplierSelfStaking SupplierType = "self_staking"
	SupplierExternal    SupplierType = "external"
)

type SupplierHealth string

const (
	HealthActive   SupplierHealth = "active"
	HealthDegraded SupplierHealth = "degraded"
	HealthError    SupplierHealth = "error"
)

// EnergySupplier 能量供应方。
// AvailableCapacity 是核心共享可变资源，SweepExecutor 与 WithdrawalExecutor
// 并发扣减，必须走条件更新 (WHERE available_capacity >= ?)，宁可失败也不超卖。
type EnergySupplier struct {
	ID                uint64          `gorm:"primaryKey;autoIncrement" json:"id"`
	Name              string          `gorm:"type:varchar(64);not null;uniqueIndex" json:"name"`
	Type              SupplierType    `gorm:"type:varchar(16);not null" json:"type"`
	AvailableCapacity int64           `gorm:"not null;default:0" json:"available_capacity"`
	CostPerUnit       decimal.Decimal `gorm:"type:decimal(18,6);not null" json:"cost_per_unit"`
	Priority          int             `gorm:"not null;default:100" json:"priority"` // 数字越小优先级越高
	Health            SupplierHealth  `gorm:"type:varchar(16);not null;default:'active'" json:"health"`
	SuccessRate       float64         `gorm:"not null;default:1" json:"success_rate"`

	// 外部供应方的订单边界与接入端点
	MinOrder int64  `gorm:"not null;default:0" json:"min_order"`
	MaxOrder int64  `gorm:"not null;default:0" json:"max_order"` // 0 = 不限
	Endpoint string `gorm:"type:varchar(255)" json:"endpoint"`

	Enabled   bool      `gorm:"not null;default:true" json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (EnergySupplier) TableName() string {
	return "energy_suppliers"
}

type AllocationStatus string

const (
	AllocPending    AllocationStatus = "pending"
	AllocProcessing AllocationStatus = "processing"
	AllocCompleted  AllocationStatus = "completed"
	AllocFailed     AllocationStatus = "failed"
	AllocFallback   AllocationStatus = "fallback"
)

// EnergyAllocation 能量分配记录，append-only，供审计方消费。
// 成功时供应方容量恰好扣减 Amount；失败/fallback 不动容量。
// 同一 RequestID 可以留下多条记录 (每次重试一条)，但任意时刻最多
// 只有一条未释放: Allocate 只认未释放的记录为持有中的额度。
type EnergyAllocation struct {
	ID         uint64           `gorm:"primaryKey;autoIncrement" json:"id"`
	PartnerID  string           `gorm:"type:varchar(64);not null;index" json:"partner_id"`
	RequestID  string           `gorm:"type:varchar(128);not null;index" json:"request_id"` // 幂等键
	Amount     int64            `gorm:"not null" json:"amount"`
	SupplierID uint64           `gorm:"index" json:"supplier_id"` // fallback 时为 0
	Status     AllocationStatus `gorm:"type:varchar(16);not null;index" json:"status"`
	TotalCost  decimal.Decimal  `gorm:"type:decimal(32,6);not null;default:0" json:"total_cost"`
	ReasonCode string           `gorm:"type:varchar(64)" json:"reason_code"`
	ExpiresAt  time.Time        `gorm:"not null;index" json:"expires_at"`
	ReleasedAt *time.Time       `json:"released_at,omitempty"` // 消耗/返还容量的时间
	CreatedAt  time.Time        `json:"created_at"`
}

func (EnergyAllocation) TableName() string {
	return "energy_allocations"
}
