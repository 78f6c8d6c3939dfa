package hdwallet

import (
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
)

var (
	ErrInvalidSeed   = errors.New("无效的种子长度 (需要 16-64 字节)")
	ErrHardenedXpub  = errors.New("扩展公钥无法进行硬化派生")
	ErrKeyTypeFailed = errors.New("内部错误: 密钥类型不匹配")
)

// ExtendedKey 抽象 BIP-32 扩展密钥，便于替换底层实现或接入 HSM
type ExtendedKey interface {
	// String 返回 xprv/xpub 序列化
	String() string
	// Derive 非硬化派生子密钥
	Derive(index uint32) (ExtendedKey, error)
	// ECPubKey 返回椭圆曲线公钥
	ECPubKey() (*btcec.PublicKey, error)
	// ECPrivKey 返回椭圆曲线私钥 (仅私钥链可用)
	ECPrivKey() (*btcec.PrivateKey, error)
	// IsPrivate 是否为私钥链
	IsPrivate() bool
	// Neuter 转换为只含公钥的扩展密钥
	Neuter() (ExtendedKey, error)
}
