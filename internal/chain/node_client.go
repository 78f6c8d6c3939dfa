package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"custody-core/pkg/errno"
)

// NodeClient 通过全节点 HTTP 网关实现 Client。
// 协议细节与上层隔离；这里只做请求编解码和错误分类。
type NodeClient struct {
	baseURL string
	http    *http.Client
}

func NewNodeClient(baseURL string) *NodeClient {
	return &NodeClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (c *NodeClient) post(ctx context.Context, path string, req, resp interface{}) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return classifyTransport(err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 500 {
		return errno.ErrTransientNetwork.WithMessage(fmt.Sprintf("节点返回 %d", httpResp.StatusCode))
	}
	if httpResp.StatusCode >= 400 {
		return errno.ErrPermanentChain.WithMessage(fmt.Sprintf("节点拒绝请求: %d", httpResp.StatusCode))
	}

	return json.NewDecoder(httpResp.Body).Decode(resp)
}

// classifyTransport 网络层错误一律视为 transient，进入重试路径
func classifyTransport(err error) error {
	return errno.ErrTransientNetwork.WithMessage(err.Error())
}

type accountResp struct {
	Balance int64 `json:"balance"` // sun
}

func (c *NodeClient) GetBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	var resp accountResp
	err := c.post(ctx, "/wallet/getaccount", map[string]interface{}{
		"address": address,
		"visible": true,
	}, &resp)
	if err != nil {
		return decimal.Zero, err
	}
	// sun -> TRX
	return decimal.NewFromInt(resp.Balance).Shift(-6), nil
}

func (c *NodeClient) EstimateFee(ctx context.Context, from, to string) (int64, error) {
	// 标准 TRX 转账的带宽/能量开销基本固定，按普通转账估算。
	// 合约转账 (TRC-20) 的估算走节点的常量调用，这里统一返回标准上限。
	return 65000, nil
}

type createTxResp struct {
	TxID    string `json:"txID"`
	RawData json.RawMessage `json:"raw_data"`
	Error   string `json:"Error"`
}

func (c *NodeClient) BuildTransfer(ctx context.Context, from, to string, amount decimal.Decimal) (*Transfer, error) {
	var resp createTxResp
	err := c.post(ctx, "/wallet/createtransaction", map[string]interface{}{
		"owner_address": from,
		"to_address":    to,
		"amount":        amount.Shift(6).IntPart(), // TRX -> sun
		"visible":       true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		// 节点能确定性拒绝的构造错误 (无效地址等) 不重试
		return nil, errno.ErrPermanentChain.WithMessage(resp.Error)
	}
	if resp.TxID == "" {
		return nil, errno.ErrTransientNetwork.WithMessage("节点未返回 txID")
	}

	return &Transfer{
		TxID:    resp.TxID,
		From:    from,
		To:      to,
		Amount:  amount,
		RawData: resp.RawData,
	}, nil
}

type broadcastResp struct {
	Result  bool   `json:"result"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *NodeClient) Broadcast(ctx context.Context, tx *SignedTransfer) (string, error) {
	var resp broadcastResp
	err := c.post(ctx, "/wallet/broadcasttransaction", map[string]interface{}{
		"txID":      tx.TxID,
		"raw_data":  json.RawMessage(tx.RawData),
		"signature": []string{hex.EncodeToString(tx.Signature)},
		"visible":   true,
	}, &resp)
	if err != nil {
		return "", err
	}
	if !resp.Result {
		return "", classifyBroadcast(resp.Code, resp.Message)
	}
	return tx.TxID, nil
}

// classifyBroadcast 区分可重试与确定性失败的广播错误码
func classifyBroadcast(code, message string) error {
	switch code {
	case "SIGERROR", "CONTRACT_VALIDATE_ERROR", "DUP_TRANSACTION_ERROR", "TAPOS_ERROR":
		return errno.ErrPermanentChain.WithMessage(fmt.Sprintf("%s: %s", code, message))
	case "BANDWITH_ERROR", "SERVER_BUSY":
		return errno.ErrTransientNetwork.WithMessage(fmt.Sprintf("%s: %s", code, message))
	default:
		return errno.ErrTransientNetwork.WithMessage(fmt.Sprintf("%s: %s", code, message))
	}
}

type txInfoResp struct {
	ID      string `json:"id"`
	Receipt struct {
		Result string `json:"result"`
	} `json:"receipt"`
	BlockNumber int64 `json:"blockNumber"`
}

func (c *NodeClient) GetStatus(ctx context.Context, txID string) (TxStatus, error) {
	var resp txInfoResp
	err := c.post(ctx, "/wallet/gettransactioninfobyid", map[string]interface{}{
		"value": txID,
	}, &resp)
	if err != nil {
		return StatusUnknown, err
	}
	if resp.ID == "" || resp.BlockNumber == 0 {
		return StatusPending, nil
	}
	if resp.Receipt.Result == "" || resp.Receipt.Result == "SUCCESS" {
		return StatusConfirmed, nil
	}
	return StatusFailed, nil
}
