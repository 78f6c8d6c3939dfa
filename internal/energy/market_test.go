package energy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"custody-core/internal/model"
	"custody-core/pkg/errno"
)

func newTestMarket(t *testing.T, handler http.HandlerFunc) Market {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPMarket(&model.EnergySupplier{Endpoint: srv.URL})
}

func TestHTTPMarket_QuotePrice(t *testing.T) {
	market := newTestMarket(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/quote", r.URL.Path)
		var req map[string]int64
		json.NewDecoder(r.Body).Decode(&req)
		assert.EqualValues(t, 65000, req["amount"])
		json.NewEncoder(w).Encode(map[string]string{"price": "13.65"})
	})

	price, err := market.QuotePrice(context.Background(), 65000)
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.NewFromFloat(13.65)), "got %s", price)
}

func TestHTTPMarket_QuotePrice_BadPrice(t *testing.T) {
	market := newTestMarket(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"price": "not-a-number"})
	})

	_, err := market.QuotePrice(context.Background(), 100)
	assert.Error(t, err)
}

func TestHTTPMarket_Purchase(t *testing.T) {
	market := newTestMarket(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/purchase", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]string{"order_id": "ord-001"})
	})

	orderID, err := market.Purchase(context.Background(), 65000)
	require.NoError(t, err)
	assert.Equal(t, "ord-001", orderID)
}

func TestHTTPMarket_Purchase_MissingOrderID(t *testing.T) {
	market := newTestMarket(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{})
	})

	_, err := market.Purchase(context.Background(), 65000)
	assert.Equal(t, errno.KindTransientNetwork, errno.KindOf(err))
}

func TestHTTPMarket_ServerError(t *testing.T) {
	market := newTestMarket(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := market.Purchase(context.Background(), 65000)
	// 供应方故障视为可重试，调用方会切换下一个供应方
	assert.Equal(t, errno.KindTransientNetwork, errno.KindOf(err))
}

func TestHTTPMarket_HealthCheck(t *testing.T) {
	market := newTestMarket(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	})

	ok, err := market.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}
