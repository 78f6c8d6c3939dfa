package withdraw

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"custody-core/internal/chain"
	"custody-core/internal/energy"
	"custody-core/internal/model"
	"custody-core/pkg/cache"
)

// stubChainClient 只提供费用估算，执行走不到转账就该被拦下的用例用它
type stubChainClient struct {
	fee int64
}

func (c *stubChainClient) GetBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (c *stubChainClient) EstimateFee(ctx context.Context, from, to string) (int64, error) {
	return c.fee, nil
}

func (c *stubChainClient) BuildTransfer(ctx context.Context, from, to string, amount decimal.Decimal) (*chain.Transfer, error) {
	return &chain.Transfer{From: from, To: to, Amount: amount}, nil
}

func (c *stubChainClient) Broadcast(ctx context.Context, tx *chain.SignedTransfer) (string, error) {
	return tx.TxID, nil
}

func (c *stubChainClient) GetStatus(ctx context.Context, txID string) (chain.TxStatus, error) {
	return chain.StatusConfirmed, nil
}

func TestProcessItemRejectsExpensiveEnergy(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Create(&model.PartnerWallet{
		PartnerID:         "p1",
		KeyRef:            "keystore://p1",
		CollectionAddress: "TCollection1",
	}).Error)
	require.NoError(t, db.Create(&model.WithdrawalPolicy{
		PartnerID:          "p1",
		PolicyType:         model.PolicyRealtime,
		AutoApproveEnabled: true,
		MaxGasPrice:        decimal.NewFromFloat(0.001),
		RiskScoreThreshold: 70,
	}).Error)
	require.NoError(t, db.Create(&model.EnergySupplier{
		Name:              "self-pool",
		Type:              model.SupplierSelfStaking,
		AvailableCapacity: 1000000,
		CostPerUnit:       decimal.NewFromFloat(0.01), // 单价远超策略上限
		Health:            model.HealthActive,
		SuccessRate:       1,
		Enabled:           true,
	}).Error)

	alloc := energy.NewAllocator(db, cache.NewMemoryCache(time.Minute, time.Minute), nil, energy.Config{
		HealthTTL:     time.Minute,
		AllocationTTL: 30 * time.Minute,
	})
	e := NewExecutor(db, nil, alloc, &stubChainClient{fee: 65000}, nil, nil, ExecutorConfig{
		MaxRetries:   3,
		RetryBackoff: time.Second,
	})

	w := &model.Withdrawal{
		PartnerID: "p1",
		UserID:    1,
		ToAddress: "TDest1",
		Amount:    decimal.NewFromInt(100),
		Status:    model.WithdrawProcessing,
		Priority:  5,
		Attempts:  1,
	}
	require.NoError(t, db.Create(w).Error)

	txHash, ok := e.processItem(ctx, w, false)
	assert.Empty(t, txHash)
	assert.False(t, ok)

	// 单子退回实时队列等价格回落，批次归属清空
	var got model.Withdrawal
	require.NoError(t, db.First(&got, w.ID).Error)
	assert.Equal(t, model.WithdrawAutoApproved, got.Status)
	assert.NotNil(t, got.NextRetryAt)
	assert.Empty(t, got.BatchID)

	// 分配的容量已经退还
	var supplier model.EnergySupplier
	require.NoError(t, db.Where("name = ?", "self-pool").First(&supplier).Error)
	assert.EqualValues(t, 1000000, supplier.AvailableCapacity)
}
