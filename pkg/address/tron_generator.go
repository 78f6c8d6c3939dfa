package address

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil/base58"

	"custody-core/pkg/crypto_util"
)

// TronAddressPrefix 是波场主网地址的版本字节 (Base58 地址以 T 开头)
const TronAddressPrefix = 0x41

// TronGenerator 波场地址生成器
type TronGenerator struct{}

func NewTronGenerator() *TronGenerator {
	return &TronGenerator{}
}

// PubKeyToAddress 将公钥字节 (非压缩格式, 65 bytes, 0x04...) 转换为 Base58Check 地址。
// 算法与以太坊一致: Keccak256(pubkey[1:]) 取后 20 字节，再加 0x41 前缀做 Base58Check。
func (g *TronGenerator) PubKeyToAddress(pubKeyBytes []byte) (string, error) {
	if len(pubKeyBytes) == 65 && pubKeyBytes[0] == 0x04 {
		pubKeyBytes = pubKeyBytes[1:]
	}
	if len(pubKeyBytes) != 64 {
		return "", fmt.Errorf("无效的公钥长度: %d", len(pubKeyBytes))
	}

	hash := crypto_util.Keccak256(pubKeyBytes)
	addressBytes := hash[12:] // 20 bytes

	return base58.CheckEncode(addressBytes, TronAddressPrefix), nil
}

// Validate 校验 Base58Check 地址格式与版本字节
func Validate(addr string) bool {
	decoded, version, err := base58.CheckDecode(addr)
	if err != nil {
		return false
	}
	return version == TronAddressPrefix && len(decoded) == 20
}
