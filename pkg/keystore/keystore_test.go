package keystore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tyler-smith/go-bip39"
)

func TestEncryptDecryptSeed(t *testing.T) {
	seed := []byte("0123456789abcdef0123456789abcdef") // 32 bytes

	encrypted, err := EncryptSeed(seed, "correct-horse")
	require.NoError(t, err)

	decrypted, err := DecryptSeed(encrypted, "correct-horse")
	require.NoError(t, err)
	assert.Equal(t, seed, decrypted)
}

func TestDecryptSeed_WrongPassword(t *testing.T) {
	seed := []byte("0123456789abcdef0123456789abcdef")

	encrypted, err := EncryptSeed(seed, "correct-horse")
	require.NoError(t, err)

	_, err = DecryptSeed(encrypted, "battery-staple")
	assert.ErrorIs(t, err, ErrMACMismatch)
}

func TestStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.json")

	store, err := NewStore(path, "pw")
	require.NoError(t, err)

	mnemonic := "legal winner thank year wave sausage worth useful legal winner thank yellow"
	require.NoError(t, store.ImportMnemonic("partner:acme", mnemonic, ""))

	got, err := store.Decrypt("partner:acme")
	require.NoError(t, err)
	assert.Equal(t, bip39.NewSeed(mnemonic, ""), got)

	// 重新打开文件后仍能解密 (落盘格式正确)
	reopened, err := NewStore(path, "pw")
	require.NoError(t, err)
	got2, err := reopened.Decrypt("partner:acme")
	require.NoError(t, err)
	assert.Equal(t, got, got2)

	// 不存在的 ref
	_, err = store.Decrypt("partner:ghost")
	assert.Error(t, err)
}

func TestStore_InvalidMnemonic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.json")
	store, err := NewStore(path, "pw")
	require.NoError(t, err)

	assert.Error(t, store.ImportMnemonic("partner:bad", "not a mnemonic at all", ""))
}
