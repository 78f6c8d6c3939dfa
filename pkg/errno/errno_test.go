package errno

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithMessageKeepsKind(t *testing.T) {
	err := ErrTransientNetwork.WithMessage("connection reset")

	assert.Equal(t, ErrTransientNetwork.Code, err.Code)
	assert.Equal(t, KindTransientNetwork, err.Kind)
	assert.Equal(t, "connection reset", err.Message)
	// 原始变量不能被改动
	assert.Equal(t, "Transient network error", ErrTransientNetwork.Message)
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"瞬时网络错误", ErrTransientNetwork, KindTransientNetwork},
		{"余额不足", ErrInsufficientBalance, KindInsufficientBalance},
		{"永久链上错误", ErrPermanentChain.WithMessage("SIGERROR"), KindPermanentChain},
		{"包装后仍可识别", fmt.Errorf("执行失败: %w", ErrCircuitOpen), KindCircuitOpen},
		{"未知错误按 internal 处理", fmt.Errorf("boom"), KindInternal},
		{"nil", nil, KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(ErrTransientNetwork))
	assert.True(t, IsRetryable(fmt.Errorf("wrapped: %w", ErrTransientNetwork)))

	// 只有瞬时网络错误进重试路径，其余都是各自的终态
	assert.False(t, IsRetryable(ErrInsufficientBalance))
	assert.False(t, IsRetryable(ErrPolicyViolation))
	assert.False(t, IsRetryable(ErrPermanentChain))
	assert.False(t, IsRetryable(ErrCircuitOpen))
	assert.False(t, IsRetryable(fmt.Errorf("unknown")))
}

func TestDecode(t *testing.T) {
	code, msg := Decode(nil)
	assert.Equal(t, OK.Code, code)
	assert.Equal(t, OK.Message, msg)

	code, msg = Decode(ErrTaskNotFound)
	assert.Equal(t, 20301, code)
	assert.Equal(t, ErrTaskNotFound.Message, msg)

	code, _ = Decode(fmt.Errorf("db down"))
	assert.Equal(t, InternalServerError.Code, code)
}
