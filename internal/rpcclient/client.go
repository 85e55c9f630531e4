// Package rpcclient implements the single-call, timeout-bounded
// JSON-RPC transport to a chain node (§4.1), adapting the teacher's
// rpcCall closure from JSON-RPC 1.0 to the 2.0 envelope this gateway's
// nodes speak.
package rpcclient

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/whiteflagprotocol/whiteflag-api-core/internal/metrics"
	"github.com/whiteflagprotocol/whiteflag-api-core/internal/wferrors"
)

// immutableCacheSize bounds the by-hash block cache; entries are keyed
// by content hash, so a cached hit never goes stale.
const immutableCacheSize = 512

type request struct {
	ID      int           `json:"id"`
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type response struct {
	ID     int             `json:"id"`
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

// Client is a single-node JSON-RPC 2.0 client. One Client per chain.
type Client struct {
	chain    string
	url      string
	username string
	password string
	timeout  time.Duration
	logger   *zap.Logger
	http     *http.Client
	nextID   int

	// blockCache caches getblock results by hash+verbosity, which are
	// content-addressed and never change once a node returns them.
	blockCache *lru.Cache
}

type Config struct {
	Chain    string
	Protocol string
	Host     string
	Port     int
	Path     string
	Username string
	Password string
	Timeout  time.Duration
}

const minTimeout = 500 * time.Millisecond

func New(cfg Config, logger *zap.Logger) *Client {
	scheme := cfg.Protocol
	switch scheme {
	case "ws":
		scheme = "http"
	case "wss":
		scheme = "https"
	case "":
		scheme = "http"
	}
	path := cfg.Path
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if timeout < minTimeout {
		timeout = minTimeout
	}

	cache, err := lru.New(immutableCacheSize)
	if err != nil {
		// Only returns an error for a non-positive size, which
		// immutableCacheSize never is.
		panic(err)
	}

	return &Client{
		chain:      cfg.Chain,
		url:        fmt.Sprintf("%s://%s:%d%s", scheme, cfg.Host, cfg.Port, path),
		username:   cfg.Username,
		password:   cfg.Password,
		timeout:    timeout,
		logger:     logger,
		http:       &http.Client{},
		blockCache: cache,
	}
}

// RedactedURL is safe to place in log lines.
func (c *Client) RedactedURL() string {
	u, err := url.Parse(c.url)
	if err != nil {
		return c.url
	}
	u.User = nil
	return u.String()
}

// Call issues one JSON-RPC 2.0 request and decodes result into out.
func (c *Client) Call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	start := time.Now()
	err := c.call(ctx, method, params, out)
	metrics.RPCCallDuration.WithLabelValues(c.chain, method).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RPCCallErrors.WithLabelValues(c.chain, method, string(errorKind(err))).Inc()
	}
	return err
}

func errorKind(err error) wferrors.Kind {
	if k, ok := wferrors.KindOf(err); ok {
		return k
	}
	return "unknown"
}

func (c *Client) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	c.nextID++
	reqBody, err := json.Marshal(request{ID: c.nextID, JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return wferrors.New(wferrors.BadRequest, fmt.Sprintf("encoding rpc request %s", method), err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
	if err != nil {
		return wferrors.New(wferrors.RpcTransport, fmt.Sprintf("building request for %s", method), err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.username != "" {
		httpReq.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return wferrors.New(wferrors.Timeout, fmt.Sprintf("%s timed out after %s", method, c.timeout), err)
		}
		return wferrors.New(wferrors.RpcTransport, fmt.Sprintf("%s: transport failure", method), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return wferrors.New(wferrors.RpcTransport, fmt.Sprintf("%s: unexpected status %d", method, resp.StatusCode))
	}

	var decoded response
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return wferrors.New(wferrors.RpcTransport, fmt.Sprintf("%s: malformed response body", method), err)
	}
	if decoded.Error != nil {
		return wferrors.New(wferrors.RpcRemote, fmt.Sprintf("%s: node rejected request", method), decoded.Error)
	}
	if out != nil && len(decoded.Result) > 0 {
		if err := json.Unmarshal(decoded.Result, out); err != nil {
			return wferrors.New(wferrors.RpcTransport, fmt.Sprintf("%s: decoding result", method), err)
		}
	}
	return nil
}

// CallWithRetry wraps Call in an exponential back-off, retrying only
// failures whose kind is retryable and surfacing the rest immediately.
// The listener and account sync do not use it; they retry a failed
// block after their own fixed delays.
func (c *Client) CallWithRetry(ctx context.Context, method string, params []interface{}, out interface{}, maxElapsed time.Duration) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = maxElapsed

	return backoff.Retry(func() error {
		err := c.Call(ctx, method, params, out)
		if err == nil {
			return nil
		}
		var ge *wferrors.GatewayError
		if stderrors.As(err, &ge) && ge.Retryable() {
			return err
		}
		return backoff.Permanent(err)
	}, bo)
}

// Facade methods, one per node RPC used verbatim by the rest of the
// gateway (§6).

func (c *Client) GetBlockCount(ctx context.Context) (int64, error) {
	var height int64
	err := c.Call(ctx, "getblockcount", nil, &height)
	return height, err
}

func (c *Client) GetBlockHash(ctx context.Context, height int64) (string, error) {
	var hash string
	err := c.Call(ctx, "getblockhash", []interface{}{height}, &hash)
	return hash, err
}

// GetBlockByHash fetches a block at the given verbosity (1 = tx hashes,
// 2 = full transactions), matching the node RPC's own convention.
// Results are cached by hash+verbosity since a block's contents never
// change once mined.
func (c *Client) GetBlockByHash(ctx context.Context, hash string, verbosity int) (json.RawMessage, error) {
	key := fmt.Sprintf("block:%s:%d", hash, verbosity)
	if cached, ok := c.blockCache.Get(key); ok {
		return cached.(json.RawMessage), nil
	}
	var raw json.RawMessage
	if err := c.Call(ctx, "getblock", []interface{}{hash, verbosity}, &raw); err != nil {
		return nil, err
	}
	c.blockCache.Add(key, raw)
	return raw, nil
}

// GetRawTransaction fetches a transaction by txid. Unlike
// GetBlockByHash this is never cached: a verbose result's
// confirmations/blockheight fields are exactly what the confirmation
// tracker re-fetches to detect a reorg, so caching them would hide the
// change it's looking for.
func (c *Client) GetRawTransaction(ctx context.Context, txid string, verbose bool) (json.RawMessage, error) {
	var raw json.RawMessage
	err := c.Call(ctx, "getrawtransaction", []interface{}{txid, verbose}, &raw)
	return raw, err
}

func (c *Client) SendRawTransaction(ctx context.Context, hexTx string) (*string, error) {
	var txid *string
	err := c.Call(ctx, "sendrawtransaction", []interface{}{hexTx}, &txid)
	return txid, err
}

func (c *Client) GetConnectionCount(ctx context.Context) (int, error) {
	var n int
	err := c.Call(ctx, "getconnectioncount", nil, &n)
	return n, err
}

func (c *Client) GetBlockchainInfo(ctx context.Context) (json.RawMessage, error) {
	var raw json.RawMessage
	err := c.Call(ctx, "getblockchaininfo", nil, &raw)
	return raw, err
}

// EstimateFeeRate wraps estimatesmartfee. Exposed for observability
// per §4.4's "fee-rate estimation is exposed but not auto-applied".
func (c *Client) EstimateFeeRate(ctx context.Context, confirmationTarget int) (float64, error) {
	var result struct {
		FeeRate float64 `json:"feerate"`
	}
	err := c.Call(ctx, "estimatesmartfee", []interface{}{confirmationTarget}, &result)
	return result.FeeRate, err
}
