package address

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"custody-core/pkg/hdwallet"
)

func deriveTestPubKey(t *testing.T, index uint32) []byte {
	t.Helper()
	seed, _ := hex.DecodeString("000102030405060708090a0b0c0d0e0f")
	w, err := hdwallet.NewMasterKeyFromSeed(seed)
	require.NoError(t, err)
	child, err := w.DeriveDepositKey(index)
	require.NoError(t, err)
	pub, err := child.ECPubKey()
	require.NoError(t, err)
	return pub.SerializeUncompressed()
}

func TestPubKeyToAddress(t *testing.T) {
	gen := NewTronGenerator()

	addr, err := gen.PubKeyToAddress(deriveTestPubKey(t, 0))
	require.NoError(t, err)

	// 波场主网地址以 T 开头且能通过校验
	assert.True(t, strings.HasPrefix(addr, "T"), "地址应以 T 开头: %s", addr)
	assert.True(t, Validate(addr))

	// 同一公钥必须生成同一地址
	again, err := gen.PubKeyToAddress(deriveTestPubKey(t, 0))
	require.NoError(t, err)
	assert.Equal(t, addr, again)

	// 不同 index 的地址互不相同
	other, err := gen.PubKeyToAddress(deriveTestPubKey(t, 1))
	require.NoError(t, err)
	assert.NotEqual(t, addr, other)
}

func TestPubKeyToAddress_InvalidLength(t *testing.T) {
	gen := NewTronGenerator()

	_, err := gen.PubKeyToAddress(make([]byte, 33))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	assert.False(t, Validate(""))
	assert.False(t, Validate("not-an-address"))
	// 以太坊格式不是 Base58Check
	assert.False(t, Validate("0x742d35Cc6634C0532925a3b844Bc454e4438f44e"))
	// 篡改一个字符后校验和必然失败
	gen := NewTronGenerator()
	addr, err := gen.PubKeyToAddress(deriveTestPubKey(t, 0))
	assert.NoError(t, err)
	tampered := addr[:len(addr)-1] + "X"
	if tampered == addr {
		tampered = addr[:len(addr)-1] + "Y"
	}
	assert.False(t, Validate(tampered))
}
