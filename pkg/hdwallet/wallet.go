package hdwallet

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
)

// Keychain 实现了 ExtendedKey 接口，封装 hdkeychain.ExtendedKey
type Keychain struct {
	key *hdkeychain.ExtendedKey
}

func (k *Keychain) String() string {
	return k.key.String()
}

func (k *Keychain) ECPubKey() (*btcec.PublicKey, error) {
	return k.key.ECPubKey()
}

func (k *Keychain) ECPrivKey() (*btcec.PrivateKey, error) {
	return k.key.ECPrivKey()
}

func (k *Keychain) Derive(index uint32) (ExtendedKey, error) {
	childKey, err := k.key.Derive(index)
	if err != nil {
		return nil, fmt.Errorf("派生子密钥失败: %w", err)
	}
	return &Keychain{key: childKey}, nil
}

func (k *Keychain) IsPrivate() bool {
	return k.key.IsPrivate()
}

func (k *Keychain) Neuter() (ExtendedKey, error) {
	neuterKey, err := k.key.Neuter()
	if err != nil {
		return nil, fmt.Errorf("转换公钥失败: %w", err)
	}
	return &Keychain{key: neuterKey}, nil
}

// Wallet 持有一个 Partner 的 HD 主密钥
type Wallet struct {
	masterKey *Keychain
}

// NewMasterKeyFromSeed 使用 BIP-39 种子生成主密钥
func NewMasterKeyFromSeed(seed []byte) (*Wallet, error) {
	if len(seed) < 16 || len(seed) > 64 {
		return nil, ErrInvalidSeed
	}

	// hdkeychain 需要网络参数来决定 xprv/xpub 前缀，这里统一用主网前缀序列化
	masterKey, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("生成主密钥失败: %w", err)
	}

	return &Wallet{masterKey: &Keychain{key: masterKey}}, nil
}

func (w *Wallet) MasterKey() ExtendedKey {
	return w.masterKey
}

// DeriveDepositKey 派生充值地址子密钥。
// 路径固定为 m/44'/195'/0'/0/index (BIP-44, 195 = TRON coin type)
func (w *Wallet) DeriveDepositKey(index uint32) (ExtendedKey, error) {
	return w.DerivePath(fmt.Sprintf("m/44'/195'/0'/0/%d", index))
}

// DerivePath 解析路径并派生密钥
// 支持格式: m/44'/195'/0'/0/0 或 m/44h/195h/0h/0/0
func (w *Wallet) DerivePath(path string) (ExtendedKey, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return w.masterKey, nil
	}

	if strings.HasPrefix(path, "m/") {
		path = path[2:]
	}

	segments := strings.Split(path, "/")
	currentKey := w.masterKey

	for _, segment := range segments {
		isHardened := false
		if strings.HasSuffix(segment, "'") || strings.HasSuffix(segment, "h") {
			isHardened = true
			segment = segment[:len(segment)-1]
		}

		val, err := strconv.ParseUint(segment, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("无效的路径段 '%s': %w", segment, err)
		}
		index := uint32(val)

		if isHardened {
			index += hdkeychain.HardenedKeyStart
		}

		nextKey, err := currentKey.Derive(index)
		if err != nil {
			return nil, err
		}

		k, ok := nextKey.(*Keychain)
		if !ok {
			return nil, ErrKeyTypeFailed
		}
		currentKey = k
	}

	return currentKey, nil
}
