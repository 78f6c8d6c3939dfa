package chain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"custody-core/pkg/errno"
)

func TestClassifyBroadcast(t *testing.T) {
	tests := []struct {
		code string
		want errno.Kind
	}{
		{"SIGERROR", errno.KindPermanentChain},
		{"CONTRACT_VALIDATE_ERROR", errno.KindPermanentChain},
		{"DUP_TRANSACTION_ERROR", errno.KindPermanentChain},
		{"TAPOS_ERROR", errno.KindPermanentChain},
		{"BANDWITH_ERROR", errno.KindTransientNetwork},
		{"SERVER_BUSY", errno.KindTransientNetwork},
		{"SOMETHING_NEW", errno.KindTransientNetwork}, // 未知错误码宁可重试
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := classifyBroadcast(tt.code, "msg")
			assert.Equal(t, tt.want, errno.KindOf(err))
		})
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *NodeClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewNodeClient(srv.URL)
}

func TestGetBalance(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/wallet/getaccount", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]int64{"balance": 1_500_000}) // 1.5 TRX in sun
	})

	balance, err := client.GetBalance(context.Background(), "TTestAddr")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromFloat(1.5)), "got %s", balance)
}

func TestGetBalance_ServerError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := client.GetBalance(context.Background(), "TTestAddr")
	assert.Equal(t, errno.KindTransientNetwork, errno.KindOf(err))
}

func TestGetBalance_ClientError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})

	_, err := client.GetBalance(context.Background(), "TTestAddr")
	assert.Equal(t, errno.KindPermanentChain, errno.KindOf(err))
}

func TestBuildTransfer(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req map[string]interface{}
		json.NewDecoder(r.Body).Decode(&req)
		// TRX -> sun
		assert.EqualValues(t, 2_000_000, req["amount"])
		json.NewEncoder(w).Encode(map[string]interface{}{
			"txID":     "abc123",
			"raw_data": map[string]string{"ref_block": "00"},
		})
	})

	tx, err := client.BuildTransfer(context.Background(), "TFrom", "TTo", decimal.NewFromInt(2))
	require.NoError(t, err)
	assert.Equal(t, "abc123", tx.TxID)
	assert.Equal(t, "TFrom", tx.From)
	assert.NotEmpty(t, tx.RawData)
}

func TestBuildTransfer_NodeRejects(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"Error": "Invalid address"})
	})

	_, err := client.BuildTransfer(context.Background(), "bad", "TTo", decimal.NewFromInt(1))
	assert.Equal(t, errno.KindPermanentChain, errno.KindOf(err))
}

func TestBroadcast_Failure(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"result": false, "code": "SIGERROR", "message": "bad sig",
		})
	})

	_, err := client.Broadcast(context.Background(), &SignedTransfer{
		Transfer:  Transfer{TxID: "abc", RawData: []byte(`{}`)},
		Signature: []byte{1, 2, 3},
	})
	assert.Equal(t, errno.KindPermanentChain, errno.KindOf(err))
}

func TestGetStatus(t *testing.T) {
	tests := []struct {
		name string
		resp map[string]interface{}
		want TxStatus
	}{
		{"未上链", map[string]interface{}{}, StatusPending},
		{"已确认", map[string]interface{}{
			"id": "abc", "blockNumber": 100,
			"receipt": map[string]string{"result": "SUCCESS"},
		}, StatusConfirmed},
		{"执行失败", map[string]interface{}{
			"id": "abc", "blockNumber": 100,
			"receipt": map[string]string{"result": "OUT_OF_ENERGY"},
		}, StatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(tt.resp)
			})
			status, err := client.GetStatus(context.Background(), "abc")
			require.NoError(t, err)
			assert.Equal(t, tt.want, status)
		})
	}
}
