package chain

import (
	"context"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/shopspring/decimal"
)

type TxStatus string

const (
	StatusUnknown   TxStatus = "unknown"
	StatusPending   TxStatus = "pending"
	StatusConfirmed TxStatus = "confirmed"
	StatusFailed    TxStatus = "failed"
)

// Transfer 待签名的转账交易
type Transfer struct {
	TxID    string // 交易哈希 (sha256(raw_data))
	From    string
	To      string
	Amount  decimal.Decimal
	RawData []byte // 节点返回的原始交易体
}

// SignedTransfer 已签名交易
type SignedTransfer struct {
	Transfer
	Signature []byte
}

// Client 链上能力接口。RPC 协议细节对 core 不可见，
// 上层只关心这五个操作；实现可以替换为任意节点/网关。
type Client interface {
	// GetBalance 查询地址余额
	GetBalance(ctx context.Context, address string) (decimal.Decimal, error)
	// EstimateFee 估算一笔标准转账消耗的能量数量
	EstimateFee(ctx context.Context, from, to string) (int64, error)
	// BuildTransfer 构造未签名转账
	BuildTransfer(ctx context.Context, from, to string, amount decimal.Decimal) (*Transfer, error)
	// Broadcast 广播已签名交易，返回 txID
	Broadcast(ctx context.Context, tx *SignedTransfer) (string, error)
	// GetStatus 查询交易状态
	GetStatus(ctx context.Context, txID string) (TxStatus, error)
}

// Signer 持私钥签名。私钥只在内存中存在，调用方负责及时丢弃。
type Signer interface {
	Sign(key *btcec.PrivateKey, tx *Transfer) (*SignedTransfer, error)
}
