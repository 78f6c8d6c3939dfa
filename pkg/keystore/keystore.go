package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"golang.org/x/crypto/scrypt"
)

// EncryptedKeyJSON 遵循 Ethereum Keystore V3 的结构风格，
// 存储的是 Partner 的 HD 种子 (seed)，不是单个私钥。
type EncryptedKeyJSON struct {
	Crypto  CryptoJSON `json:"crypto"`
	Id      string     `json:"id"`
	Version int        `json:"version"`
}

type CryptoJSON struct {
	Cipher       string       `json:"cipher"` // "aes-256-gcm"
	CipherText   string       `json:"ciphertext"`
	CipherParams CipherParams `json:"cipherparams"`
	KDF          string       `json:"kdf"` // "scrypt"
	KDFParams    KDFParams    `json:"kdfparams"`
	MAC          string       `json:"mac"`
}

type CipherParams struct {
	IV string `json:"iv"`
}

type KDFParams struct {
	DKLen int    `json:"dklen"`
	N     int    `json:"n"`
	R     int    `json:"r"`
	P     int    `json:"p"`
	Salt  string `json:"salt"`
}

const (
	scryptN     = 262144
	scryptR     = 8
	scryptP     = 1
	scryptDKLen = 32
)

var (
	ErrMACMismatch = errors.New("keystore MAC 校验失败: 密码错误或文件损坏")
)

// EncryptSeed 将 HD 种子使用密码加密为 Keystore JSON 结构
func EncryptSeed(seed []byte, password string) (*EncryptedKeyJSON, error) {
	salt := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}

	derivedKey, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, scryptDKLen)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(derivedKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	ciphertext := gcm.Seal(nil, nonce, seed, nil)
	mac := sha256.Sum256(append(derivedKey, ciphertext...))

	return &EncryptedKeyJSON{
		Version: 3,
		Id:      uuid.NewString(),
		Crypto: CryptoJSON{
			Cipher:     "aes-256-gcm",
			CipherText: hex.EncodeToString(ciphertext),
			CipherParams: CipherParams{
				IV: hex.EncodeToString(nonce),
			},
			KDF: "scrypt",
			KDFParams: KDFParams{
				DKLen: scryptDKLen,
				N:     scryptN,
				R:     scryptR,
				P:     scryptP,
				Salt:  hex.EncodeToString(salt),
			},
			MAC: hex.EncodeToString(mac[:]),
		},
	}, nil
}

// DecryptSeed 解密 Keystore JSON 获取 HD 种子。
// 调用方不得持久化或打印返回的种子。
func DecryptSeed(keyJSON *EncryptedKeyJSON, password string) ([]byte, error) {
	salt, err := hex.DecodeString(keyJSON.Crypto.KDFParams.Salt)
	if err != nil {
		return nil, fmt.Errorf("无效的 salt: %w", err)
	}
	nonce, err := hex.DecodeString(keyJSON.Crypto.CipherParams.IV)
	if err != nil {
		return nil, fmt.Errorf("无效的 IV: %w", err)
	}
	ciphertext, err := hex.DecodeString(keyJSON.Crypto.CipherText)
	if err != nil {
		return nil, fmt.Errorf("无效的 ciphertext: %w", err)
	}
	expectedMAC, err := hex.DecodeString(keyJSON.Crypto.MAC)
	if err != nil {
		return nil, fmt.Errorf("无效的 MAC: %w", err)
	}

	p := keyJSON.Crypto.KDFParams
	derivedKey, err := scrypt.Key([]byte(password), salt, p.N, p.R, p.P, p.DKLen)
	if err != nil {
		return nil, err
	}

	mac := sha256.Sum256(append(derivedKey, ciphertext...))
	if !hmac.Equal(mac[:], expectedMAC) {
		return nil, ErrMACMismatch
	}

	block, err := aes.NewCipher(derivedKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	seed, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrMACMismatch
	}
	return seed, nil
}
