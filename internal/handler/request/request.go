package request

import "github.com/shopspring/decimal"

// DeriveAddressRequest 为用户派生充值地址
type DeriveAddressRequest struct {
	PartnerID string `json:"partner_id" binding:"required"`
	UserID    uint64 `json:"user_id" binding:"required"`
}

// RequestSweepRequest 手动触发一次归集
type RequestSweepRequest struct {
	DepositAddressID uint64 `json:"deposit_address_id" binding:"required"`
}

// CreateWithdrawalRequest 提现申请
type CreateWithdrawalRequest struct {
	PartnerID string          `json:"partner_id" binding:"required"`
	UserID    uint64          `json:"user_id" binding:"required"`
	ToAddress string          `json:"to_address" binding:"required"`
	Amount    decimal.Decimal `json:"amount" binding:"required"`
	Priority  int             `json:"priority"`
}

// ReviewWithdrawalRequest 人工审核结论
type ReviewWithdrawalRequest struct {
	Action string `json:"action" binding:"required,oneof=approve reject"`
	Remark string `json:"remark"`
}
