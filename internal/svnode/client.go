package svnode

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/sirupsen/logrus"
)

// Typed failure modes for node calls. JSON-RPC application errors surface as
// *btcjson.RPCError and can be extracted with errors.As.
var (
	ErrRPCTimeout     = errors.New("node rpc timeout")
	ErrRPCUnavailable = errors.New("node rpc unavailable")
)

// NodeClient is the node capability the pipeline consumes. The confirmation
// tracker and historical backfill take this interface so tests can stub the
// node entirely.
type NodeClient interface {
	GetBlockCount(ctx context.Context) (int64, error)
	GetRawTransaction(ctx context.Context, txid string) (*RawTransaction, error)
}

// RawTransaction is the verbose getrawtransaction result. The node reports
// blockheight alongside the standard fields when the transaction is mined.
type RawTransaction struct {
	btcjson.TxRawResult
	BlockHeight int64 `json:"blockheight,omitempty"`
}

// Mined reports whether the transaction is included in a block.
func (r *RawTransaction) Mined() bool {
	return r.BlockHash != ""
}

// HeightOr derives the block height from the confirmation count against a
// known tip when the node did not report blockheight directly.
func (r *RawTransaction) HeightOr(tip int64) int64 {
	if r.BlockHeight > 0 {
		return r.BlockHeight
	}
	if r.Confirmations > 0 && tip > 0 {
		return tip - int64(r.Confirmations) + 1
	}
	return 0
}

// Config holds the node connection parameters.
type Config struct {
	URL      string
	User     string
	Password string
	Timeout  time.Duration // per-call; cancels the underlying I/O
}

// Client talks JSON-RPC/1.0 over HTTP Basic auth to a BSV node. Each call
// carries its own hard timeout; the node must run with txindex=1 for
// getrawtransaction on arbitrary txids.
type Client struct {
	cfg        Config
	httpClient *http.Client
	log        *logrus.Logger
}

var _ NodeClient = (*Client)(nil)

// New builds a node client. The timeout defaults to 5s when unset.
func New(cfg Config, log *logrus.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		log:        log,
	}
}

// GetBlockCount returns the node's current tip height.
func (c *Client) GetBlockCount(ctx context.Context) (int64, error) {
	var height int64
	if err := c.call(ctx, "getblockcount", nil, &height); err != nil {
		return 0, err
	}
	return height, nil
}

// GetRawTransaction fetches the verbose form of a transaction.
func (c *Client) GetRawTransaction(ctx context.Context, txid string) (*RawTransaction, error) {
	params := []interface{}{txid, 1} // verbose=1
	var res RawTransaction
	if err := c.call(ctx, "getrawtransaction", params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

type jsonRPCRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type jsonRPCResponse struct {
	Result json.RawMessage   `json:"result"`
	Error  *btcjson.RPCError `json:"error"`
}

// call performs one JSON-RPC round trip under the configured per-call
// timeout and decodes the result into out.
func (c *Client) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	if params == nil {
		params = []interface{}{}
	}
	reqBody, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "1.0",
		ID:      1,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("%s: marshal request: %w", method, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.cfg.URL, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("%s: create request: %w", method, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.SetBasicAuth(c.cfg.User, c.cfg.Password)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if isTimeout(err) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s after %s", ErrRPCTimeout, method, c.cfg.Timeout)
		}
		return fmt.Errorf("%w: %s: %v", ErrRPCUnavailable, method, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("%w: %s: read body: %v", ErrRPCUnavailable, method, err)
	}

	var rpcResp jsonRPCResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return fmt.Errorf("%w: %s: status %d, unparseable body", ErrRPCUnavailable, method, httpResp.StatusCode)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("%s: %w", method, rpcResp.Error)
	}

	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return fmt.Errorf("%s: unmarshal result: %w", method, err)
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
