package chain

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ECDSASigner 使用 secp256k1 对交易原文哈希签名 (与波场/以太坊同构)
type ECDSASigner struct{}

func NewECDSASigner() *ECDSASigner {
	return &ECDSASigner{}
}

func (s *ECDSASigner) Sign(key *btcec.PrivateKey, tx *Transfer) (*SignedTransfer, error) {
	if len(tx.RawData) == 0 {
		return nil, fmt.Errorf("交易原文为空，无法签名")
	}

	hash := sha256.Sum256(tx.RawData)
	sig, err := ethcrypto.Sign(hash[:], key.ToECDSA())
	if err != nil {
		return nil, fmt.Errorf("签名失败: %w", err)
	}

	return &SignedTransfer{
		Transfer:  *tx,
		Signature: sig,
	}, nil
}
