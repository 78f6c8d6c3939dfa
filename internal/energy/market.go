package energy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"custody-core/internal/model"
	"custody-core/pkg/errno"
)

// Market 外部能量市场能力接口
type Market interface {
	// QuotePrice 查询当前报价 (总价)
	QuotePrice(ctx context.Context, amount int64) (decimal.Decimal, error)
	// Purchase 下单购买，返回订单号
	Purchase(ctx context.Context, amount int64) (string, error)
	// HealthCheck 探活
	HealthCheck(ctx context.Context) (bool, error)
}

// MarketFactory 按供应方配置构造 Market 客户端，测试时可替换为假实现
type MarketFactory func(supplier *model.EnergySupplier) Market

// HTTPMarket 通过供应方的 HTTP 端点实现 Market
type HTTPMarket struct {
	endpoint string
	http     *http.Client
}

func NewHTTPMarket(supplier *model.EnergySupplier) Market {
	return &HTTPMarket{
		endpoint: strings.TrimRight(supplier.Endpoint, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (m *HTTPMarket) post(ctx context.Context, path string, req, resp interface{}) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := m.http.Do(httpReq)
	if err != nil {
		return errno.ErrTransientNetwork.WithMessage(err.Error())
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return errno.ErrTransientNetwork.WithMessage(fmt.Sprintf("供应方返回 %d", httpResp.StatusCode))
	}
	return json.NewDecoder(httpResp.Body).Decode(resp)
}

func (m *HTTPMarket) QuotePrice(ctx context.Context, amount int64) (decimal.Decimal, error) {
	var resp struct {
		Price string `json:"price"`
	}
	if err := m.post(ctx, "/quote", map[string]int64{"amount": amount}, &resp); err != nil {
		return decimal.Zero, err
	}
	price, err := decimal.NewFromString(resp.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("供应方报价无法解析: %w", err)
	}
	return price, nil
}

func (m *HTTPMarket) Purchase(ctx context.Context, amount int64) (string, error) {
	var resp struct {
		OrderID string `json:"order_id"`
	}
	if err := m.post(ctx, "/purchase", map[string]int64{"amount": amount}, &resp); err != nil {
		return "", err
	}
	if resp.OrderID == "" {
		return "", errno.ErrTransientNetwork.WithMessage("供应方未返回订单号")
	}
	return resp.OrderID, nil
}

func (m *HTTPMarket) HealthCheck(ctx context.Context) (bool, error) {
	var resp struct {
		OK bool `json:"ok"`
	}
	if err := m.post(ctx, "/health", map[string]string{}, &resp); err != nil {
		return false, err
	}
	return resp.OK, nil
}
