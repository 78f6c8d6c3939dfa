package crypto_util

import (
	"crypto/sha256"
	"encoding/hex"

	"golang.org/x/crypto/sha3"
	"lukechampine.com/blake3"
)

// CalculateSHA256 计算输入的 SHA256 哈希值。
func CalculateSHA256(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// Keccak256 计算 Keccak256 哈希 (以太坊/波场地址使用的算法)。
func Keccak256(data []byte) []byte {
	hash := sha3.NewLegacyKeccak256()
	hash.Write(data)
	return hash.Sum(nil)
}

// CalculateBlake3 计算输入的 Blake3 哈希值。
// 用于生成确定性的幂等键 (同一业务输入总是得到同一个 key)。
func CalculateBlake3(data []byte) string {
	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:])
}
