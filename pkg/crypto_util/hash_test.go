package crypto_util

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCalculateSHA256(t *testing.T) {
	// 已知测试向量
	assert.Equal(t,
		"2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
		CalculateSHA256([]byte("hello")))
}

func TestKeccak256(t *testing.T) {
	// Keccak256 空输入的标准向量 (注意不是 SHA3-256)
	assert.Equal(t,
		"c5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470",
		hex.EncodeToString(Keccak256(nil)))
}

func TestCalculateBlake3(t *testing.T) {
	a := CalculateBlake3([]byte("sweep:1"))
	b := CalculateBlake3([]byte("sweep:1"))
	c := CalculateBlake3([]byte("sweep:2"))

	// 幂等键要求: 同输入同输出，不同输入不同输出
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}
