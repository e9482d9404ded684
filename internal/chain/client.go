// Package chain is a minimal JSON-RPC client for EVM networks, covering
// the two read calls payment verification needs.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/crashsignal/portal/internal/app/metrics"
	"github.com/crashsignal/portal/pkg/logger"
)

// TransferTopic is the keccak256 signature of the ERC-20 Transfer event,
// Transfer(address,address,uint256).
const TransferTopic = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"

const defaultTimeout = 15 * time.Second

// Transaction is the subset of eth_getTransactionByHash the verifier
// inspects. BlockNumber is empty while the transaction is pending.
type Transaction struct {
	Hash        string `json:"hash"`
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	BlockNumber string `json:"blockNumber"`
}

// Pending reports whether the transaction has not been mined yet.
func (tx *Transaction) Pending() bool {
	return tx.BlockNumber == ""
}

// Log is one emitted event in a receipt.
type Log struct {
	Address string   `json:"address"`
	Topics  []string `json:"topics"`
	Data    string   `json:"data"`
}

// Receipt is the subset of eth_getTransactionReceipt the verifier
// inspects.
type Receipt struct {
	Status string `json:"status"`
	Logs   []Log  `json:"logs"`
}

// Succeeded reports whether the receipt recorded a successful execution.
func (r *Receipt) Succeeded() bool {
	return r.Status == "0x1"
}

// Client issues JSON-RPC calls against a single network endpoint.
type Client struct {
	rpcURL     string
	httpClient *http.Client
	log        *logger.Logger
}

// New creates a Client for the given RPC endpoint.
func New(rpcURL string, log *logger.Logger) *Client {
	if log == nil {
		log = logger.NewDefault("chain")
	}
	return &Client{
		rpcURL:     rpcURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		log:        log,
	}
}

// SetHTTPClient overrides the underlying HTTP client, mainly for tests.
func (c *Client) SetHTTPClient(hc *http.Client) {
	if hc != nil {
		c.httpClient = hc
	}
}

// TransactionByHash fetches a transaction. A nil result with nil error
// means the node does not know the hash.
func (c *Client) TransactionByHash(ctx context.Context, hash string) (*Transaction, error) {
	var tx Transaction
	found, err := c.call(ctx, "eth_getTransactionByHash", []any{hash}, &tx)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &tx, nil
}

// TransactionReceipt fetches a receipt. A nil result with nil error
// means the transaction has no receipt yet.
func (c *Client) TransactionReceipt(ctx context.Context, hash string) (*Receipt, error) {
	var receipt Receipt
	found, err := c.call(ctx, "eth_getTransactionReceipt", []any{hash}, &receipt)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &receipt, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// call executes one JSON-RPC request. found is false when the node
// returned a null result.
func (c *Client) call(ctx context.Context, method string, params []any, result any) (found bool, err error) {
	defer func() {
		outcome := "ok"
		switch {
		case err != nil:
			outcome = "error"
		case !found:
			outcome = "null"
		}
		metrics.RecordChainRPC(method, outcome)
	}()

	payload, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(payload))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("%s: status %d", method, resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return false, fmt.Errorf("%s: decode: %w", method, err)
	}
	if rpcResp.Error != nil {
		return false, fmt.Errorf("%s: %w", method, rpcResp.Error)
	}
	if len(rpcResp.Result) == 0 || string(rpcResp.Result) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(rpcResp.Result, result); err != nil {
		return false, fmt.Errorf("%s: decode result: %w", method, err)
	}
	return true, nil
}

// ParseHexBig decodes a 0x-prefixed hex quantity into a big integer.
func ParseHexBig(s string) (*big.Int, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if s == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return nil, fmt.Errorf("invalid hex quantity %q", s)
	}
	return v, nil
}

// AddressFromTopic extracts the 20-byte address packed into a 32-byte
// indexed event topic.
func AddressFromTopic(topic string) string {
	t := strings.TrimPrefix(strings.ToLower(topic), "0x")
	if len(t) < 40 {
		return ""
	}
	return "0x" + t[len(t)-40:]
}

// EqualAddress compares two hex addresses case-insensitively.
func EqualAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
