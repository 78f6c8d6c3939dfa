package hdwallet

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// BIP-32 官方测试向量 1
const (
	vectorSeedHex   = "000102030405060708090a0b0c0d0e0f"
	vectorMasterXpv = "xprv9s21ZrQH143K3QTDL4LXw2F7HEK3wJUD2nW2nRk4stbPy6cq3jPPqjiChkVvvNKmPGJxWUtg6LnF5kejMRNNU3TGtRBeJgk33yuGBxrMPHi"
	vectorChild0Hpv = "xprv9uHRZZhk6KAJC1avXpDAp4MDc3sQKNxDiPvvkX8Br5ngLNv1TxvUxt4cV1rGL5hj6KCesnDYUhd7oWgT11eZG7XnxHrnYeSvkzY7d2bhkJ7"
)

func TestNewMasterKeyFromSeed(t *testing.T) {
	seed, _ := hex.DecodeString(vectorSeedHex)

	w, err := NewMasterKeyFromSeed(seed)
	require.NoError(t, err)
	assert.Equal(t, vectorMasterXpv, w.MasterKey().String())
	assert.True(t, w.MasterKey().IsPrivate())
}

func TestNewMasterKeyFromSeed_InvalidLength(t *testing.T) {
	_, err := NewMasterKeyFromSeed(make([]byte, 8))
	assert.ErrorIs(t, err, ErrInvalidSeed)

	_, err = NewMasterKeyFromSeed(make([]byte, 65))
	assert.ErrorIs(t, err, ErrInvalidSeed)
}

func TestDerivePath(t *testing.T) {
	seed, _ := hex.DecodeString(vectorSeedHex)
	w, err := NewMasterKeyFromSeed(seed)
	require.NoError(t, err)

	// m/0' 硬化派生，官方向量
	child, err := w.DerivePath("m/0'")
	require.NoError(t, err)
	assert.Equal(t, vectorChild0Hpv, child.String())

	// h 后缀与 ' 等价
	childH, err := w.DerivePath("m/0h")
	require.NoError(t, err)
	assert.Equal(t, child.String(), childH.String())

	// 空路径返回主密钥
	master, err := w.DerivePath("")
	require.NoError(t, err)
	assert.Equal(t, w.MasterKey().String(), master.String())

	// 非法路径段
	_, err = w.DerivePath("m/abc")
	assert.Error(t, err)
}

func TestDeriveDepositKey(t *testing.T) {
	seed, _ := hex.DecodeString(vectorSeedHex)
	w, err := NewMasterKeyFromSeed(seed)
	require.NoError(t, err)

	k0, err := w.DeriveDepositKey(0)
	require.NoError(t, err)
	k1, err := w.DeriveDepositKey(1)
	require.NoError(t, err)
	k0again, err := w.DeriveDepositKey(0)
	require.NoError(t, err)

	// 派生必须是确定性的，且不同 index 的密钥互不相同
	assert.Equal(t, k0.String(), k0again.String())
	assert.NotEqual(t, k0.String(), k1.String())

	// 充值路径与归集账户路径隔离
	hot, err := w.DerivePath("m/44'/195'/1'/0/0")
	require.NoError(t, err)
	assert.NotEqual(t, k0.String(), hot.String())
}

func TestNeuter(t *testing.T) {
	seed, _ := hex.DecodeString(vectorSeedHex)
	w, err := NewMasterKeyFromSeed(seed)
	require.NoError(t, err)

	pub, err := w.MasterKey().Neuter()
	require.NoError(t, err)
	assert.False(t, pub.IsPrivate())

	// 公钥链拿不到私钥
	_, err = pub.ECPrivKey()
	assert.Error(t, err)
}
