package keystore

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/tyler-smith/go-bip39"
)

// Store 管理多个 Partner 的加密种子文件。
// DepositAddress.EncryptedKeyRef 与这里的 ref 对应。
// 这是 Secret Manager 能力的本地实现，生产环境可替换为云端 KMS。
type Store struct {
	mu       sync.RWMutex
	path     string
	password string
	entries  map[string]*EncryptedKeyJSON
}

func NewStore(path, password string) (*Store, error) {
	s := &Store{
		path:     path,
		password: password,
		entries:  make(map[string]*EncryptedKeyJSON),
	}
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("读取 keystore 文件失败: %w", err)
		}
		if err := json.Unmarshal(data, &s.entries); err != nil {
			return nil, fmt.Errorf("解析 keystore 文件失败: %w", err)
		}
	}
	return s, nil
}

// ImportMnemonic 从 BIP-39 助记词导入一个 Partner 种子，返回 ref
func (s *Store) ImportMnemonic(ref, mnemonic, passphrase string) error {
	if !bip39.IsMnemonicValid(mnemonic) {
		return fmt.Errorf("无效的助记词")
	}
	seed := bip39.NewSeed(mnemonic, passphrase)
	return s.Import(ref, seed)
}

// Import 加密并登记一个种子
func (s *Store) Import(ref string, seed []byte) error {
	encrypted, err := EncryptSeed(seed, s.password)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[ref] = encrypted
	return s.flushLocked()
}

// Decrypt 按 ref 解密种子。调用方用完应立即丢弃，不得记录日志。
func (s *Store) Decrypt(ref string) ([]byte, error) {
	s.mu.RLock()
	entry, ok := s.entries[ref]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("keystore 中不存在 ref: %s", ref)
	}
	return DecryptSeed(entry, s.password)
}

func (s *Store) flushLocked() error {
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0600)
}
