// Package dispatcher implements the multi-chain dispatcher (§4.6): it
// loads and validates chain configs, materialises each active chain's
// backend stack, and routes the gateway's public operations
// (sendMessage, getMessage, requestSignature, requestKeys,
// getBinaryAddress, transferFunds, createAccount, updateAccount,
// deleteAccount) to it.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"go.uber.org/zap"

	"github.com/whiteflagprotocol/whiteflag-api-core/internal/account"
	"github.com/whiteflagprotocol/whiteflag-api-core/internal/chainstate"
	"github.com/whiteflagprotocol/whiteflag-api-core/internal/circuitbreaker"
	"github.com/whiteflagprotocol/whiteflag-api-core/internal/config"
	"github.com/whiteflagprotocol/whiteflag-api-core/internal/confirmation"
	"github.com/whiteflagprotocol/whiteflag-api-core/internal/events"
	"github.com/whiteflagprotocol/whiteflag-api-core/internal/jws"
	"github.com/whiteflagprotocol/whiteflag-api-core/internal/keystore"
	"github.com/whiteflagprotocol/whiteflag-api-core/internal/listener"
	"github.com/whiteflagprotocol/whiteflag-api-core/internal/metrics"
	"github.com/whiteflagprotocol/whiteflag-api-core/internal/rpcclient"
	"github.com/whiteflagprotocol/whiteflag-api-core/internal/txbuilder"
	"github.com/whiteflagprotocol/whiteflag-api-core/internal/wf"
	"github.com/whiteflagprotocol/whiteflag-api-core/internal/wferrors"
)

// requireFields checks that every named field is non-empty, in a
// stable order, and fails with MetaHeaderError naming every field
// that's missing (§4.6's "fail MetaHeaderError/BadRequest with the
// missing fields").
func requireFields(fields map[string]string) error {
	order := []string{"originatorAddress", "encodedMessage", "transactionHash"}
	var missing []string
	for _, name := range order {
		if v, ok := fields[name]; ok && v == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return wferrors.New(wferrors.MetaHeaderError, fmt.Sprintf("missing required field(s): %s", strings.Join(missing, ", ")))
}

// circuitBreakerStateValue maps a breaker state to the gauge value
// CircuitBreakerState documents (0=closed, 1=open, 2=half-open).
func circuitBreakerStateValue(s circuitbreaker.State) float64 {
	switch s {
	case circuitbreaker.Open:
		return 1
	case circuitbreaker.HalfOpen:
		return 2
	default:
		return 0
	}
}

func networkFor(cfg config.ChainConfig) string {
	if cfg.Testnet {
		return "testnet3"
	}
	return "mainnet"
}

// chainRuntime bundles one chain's wired backend stack.
type chainRuntime struct {
	cfg     config.ChainConfig
	network string

	rpc      *rpcclient.Client
	keys     *keystore.Store
	accounts *account.Manager
	builder  *txbuilder.Builder
	breaker  *circuitbreaker.Manager
	listener *listener.Listener
	tracker  *confirmation.Tracker
}

// Dispatcher routes operations to per-chain runtimes.
type Dispatcher struct {
	mu     sync.RWMutex
	chains map[string]*chainRuntime
	store  chainstate.Store
	bus    *events.Bus
	log    *zap.Logger
}

// New builds a runtime for every configured chain. Inactive chains get
// a minimal record (enough to answer NotAvailable) without starting
// any background loop.
func New(cfgs []config.ChainConfig, store chainstate.Store, bus *events.Bus, logger *zap.Logger) (*Dispatcher, error) {
	d := &Dispatcher{chains: make(map[string]*chainRuntime), store: store, bus: bus, log: logger}
	for _, cfg := range cfgs {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		rt := &chainRuntime{cfg: cfg, network: networkFor(cfg)}
		if cfg.Active {
			rt.keys = keystore.New(store)
			rt.rpc = rpcclient.New(rpcclient.Config{
				Chain: cfg.Name, Protocol: cfg.RPCProtocol, Host: cfg.RPCHost, Port: cfg.RPCPort, Path: cfg.RPCPath,
				Username: cfg.Username, Password: cfg.Password, Timeout: cfg.RPCTimeout,
			}, logger.With(zap.String("chain", cfg.Name)))
			rt.accounts = account.New(cfg.Name, rt.network, cfg.TransactionBatchSize, store, rt.keys, rt.rpc, logger)
			builder, err := txbuilder.New(cfg.Name, rt.network, cfg.TransactionFee, rt.keys, rt.rpc, logger)
			if err != nil {
				return nil, fmt.Errorf("chain %s: building transaction builder: %w", cfg.Name, err)
			}
			rt.builder = builder
			rt.breaker = circuitbreaker.NewManager(circuitbreaker.ManagerConfig{
				Name: cfg.Name, Timeout: cfg.RPCTimeout, Logger: logger,
				OnStateChange: func(name string, _, to circuitbreaker.State) {
					metrics.CircuitBreakerState.WithLabelValues(name).Set(circuitBreakerStateValue(to))
				},
			})
			rt.listener = listener.New(listener.Config{
				ChainName: cfg.Name, Network: rt.network,
				ConfiguredStart: cfg.BlockRetrievalStart, ConfiguredEnd: cfg.BlockRetrievalEnd,
				RestartWindow: cfg.BlockRetrievalRestart, RetrievalInterval: cfg.BlockRetrievalInterval,
				MaxRetries: cfg.BlockMaxRetries, TransactionBatchSize: cfg.TransactionBatchSize,
			}, store, rt.rpc, rt.accounts, bus, logger)

			if cfg.Confirmation.Enabled {
				rt.tracker = confirmation.New(confirmation.Config{
					ChainName: cfg.Name, Interval: cfg.Confirmation.Interval,
					MaxBlockDepth: cfg.Confirmation.MaxBlockDepth, UpdateEachBlock: cfg.Confirmation.UpdateEachBlock,
				}, store, rt.rpc, d.lookupTransaction(rt), d.chainIsActive(cfg.Name), bus, logger)
			}

			if _, err := store.GetChain(cfg.Name); err != nil {
				return nil, err
			}
		}
		d.chains[cfg.Name] = rt
	}
	return d, nil
}

func (d *Dispatcher) lookupTransaction(rt *chainRuntime) confirmation.TransactionLookup {
	return func(ctx context.Context, txHash string) (int64, bool, error) {
		raw, err := rt.rpc.GetRawTransaction(ctx, txHash, true)
		if err != nil {
			if k, ok := wferrors.KindOf(err); ok && k == wferrors.NotFound {
				return 0, false, nil
			}
			return 0, false, err
		}
		var decoded struct {
			BlockHeight int64 `json:"blockheight"`
		}
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return 0, false, err
		}
		return decoded.BlockHeight, true, nil
	}
}

func (d *Dispatcher) chainIsActive(name string) func() bool {
	return func() bool {
		d.mu.RLock()
		defer d.mu.RUnlock()
		rt, ok := d.chains[name]
		return ok && rt.cfg.Active
	}
}

// Run starts every active chain's background loops until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, rt := range d.chains {
		if !rt.cfg.Active {
			continue
		}
		go rt.listener.Run(ctx)
		if rt.tracker != nil {
			go rt.tracker.Subscribe(ctx)
			go rt.tracker.Run(ctx)
		}
	}
}

// WakeAll nudges every active chain's listener to skip the rest of its
// poll interval. Used to fan a single node's ZMQ hashblock hint out to
// every chain sharing that node's fast-wake endpoint.
func (d *Dispatcher) WakeAll() {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, rt := range d.chains {
		if !rt.cfg.Active {
			continue
		}
		select {
		case rt.listener.Wake() <- struct{}{}:
		default:
		}
	}
}

func (d *Dispatcher) runtime(chain string) (*chainRuntime, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rt, ok := d.chains[chain]
	if !ok {
		return nil, wferrors.New(wferrors.NotImplemented, fmt.Sprintf("chain %s is not configured", chain))
	}
	if !rt.cfg.Active {
		return nil, wferrors.New(wferrors.NotAvailable, fmt.Sprintf("chain %s is disabled", chain))
	}
	return rt, nil
}

func (d *Dispatcher) execute(chain, op string, fn func() error) error {
	rt, err := d.runtime(chain)
	if err != nil {
		metrics.DispatcherRequests.WithLabelValues(chain, op, "rejected").Inc()
		return err
	}
	execErr := rt.breaker.Execute(fn)
	if execErr != nil {
		metrics.DispatcherRequests.WithLabelValues(chain, op, "error").Inc()
		return execErr
	}
	metrics.DispatcherRequests.WithLabelValues(chain, op, "ok").Inc()
	return nil
}

// SendMessage embeds encodedMessage in a transaction from fromAddress
// to toAddress and returns the resulting metaheader.
func (d *Dispatcher) SendMessage(ctx context.Context, chain, fromAddress, toAddress string, amount int64, encodedMessage string) (*wf.MetaHeader, error) {
	if err := requireFields(map[string]string{"originatorAddress": fromAddress, "encodedMessage": encodedMessage}); err != nil {
		return nil, err
	}
	return d.send(ctx, chain, "sendMessage", fromAddress, toAddress, amount, encodedMessage)
}

// TransferFunds is SendMessage without an embedded payload: it still
// requires originatorAddress, but encodedMessage is deliberately empty
// and is not a required field here.
func (d *Dispatcher) TransferFunds(ctx context.Context, chain, fromAddress, toAddress string, amount int64) (*wf.MetaHeader, error) {
	if err := requireFields(map[string]string{"originatorAddress": fromAddress}); err != nil {
		return nil, err
	}
	return d.send(ctx, chain, "transferFunds", fromAddress, toAddress, amount, "")
}

func (d *Dispatcher) send(ctx context.Context, chain, op, fromAddress, toAddress string, amount int64, encodedMessage string) (*wf.MetaHeader, error) {
	rt, err := d.runtime(chain)
	if err != nil {
		return nil, err
	}

	mh := &wf.MetaHeader{
		Blockchain:          chain,
		OriginatorAddress:   fromAddress,
		EncodedMessage:      encodedMessage,
		TransceiveDirection: wf.TX,
	}

	err = d.execute(chain, op, func() error {
		acct, gerr := rt.accounts.Check(fromAddress)
		if gerr != nil {
			return gerr
		}
		txHash, sendErr := rt.builder.Send(ctx, acct, toAddress, amount, encodedMessage)
		if sendErr != nil {
			return sendErr
		}
		mh.TransactionHash = txHash
		mh.TransactionTime = time.Now().UTC()
		return nil
	})

	mh.TransmissionSuccess = err == nil
	if err != nil {
		return mh, err
	}
	if encodedMessage != "" {
		metrics.MessagesSent.WithLabelValues(chain).Inc()
	}
	d.bus.Publish(events.Event{
		Kind: events.MessageProcessed, Chain: chain, Direction: events.TX,
		TransactionHash: mh.TransactionHash, Payload: mh,
	})
	return mh, nil
}

// GetMessage fetches and decodes the Whiteflag message embedded in txHash.
func (d *Dispatcher) GetMessage(ctx context.Context, chain, txHash string) (*wf.MetaHeader, error) {
	if err := requireFields(map[string]string{"transactionHash": txHash}); err != nil {
		return nil, err
	}
	rt, err := d.runtime(chain)
	if err != nil {
		return nil, err
	}
	var mh *wf.MetaHeader
	err = d.execute(chain, "getMessage", func() error {
		raw, rerr := rt.rpc.GetRawTransaction(ctx, txHash, true)
		if rerr != nil {
			return rerr
		}
		var tx wf.RawTransaction
		if uerr := json.Unmarshal(raw, &tx); uerr != nil {
			return wferrors.New(wferrors.BadRequest, "decoding transaction", uerr)
		}
		var decoded struct {
			BlockHeight int64 `json:"blockheight"`
		}
		_ = json.Unmarshal(raw, &decoded)

		extracted, eerr := wf.ExtractMessage(tx, chain, decoded.BlockHeight, rt.network)
		if eerr != nil {
			return eerr
		}
		mh = extracted
		return nil
	})
	return mh, err
}

// RequestSignature produces a flattened JWS over claims using address's key.
func (d *Dispatcher) RequestSignature(chain, address string, claims jws.Claims) (*jws.Flattened, error) {
	rt, err := d.runtime(chain)
	if err != nil {
		return nil, err
	}
	priv, err := rt.keys.Get(chain, address)
	if err != nil {
		return nil, err
	}
	defer priv.Zero()
	return jws.Sign(priv, claims)
}

// RequestKeys returns address's hex-encoded public key.
func (d *Dispatcher) RequestKeys(chain, address string) (string, error) {
	rt, err := d.runtime(chain)
	if err != nil {
		return "", err
	}
	acct, err := rt.accounts.Get(address)
	if err != nil {
		return "", err
	}
	return acct.PublicKey, nil
}

// GetBinaryAddress returns the raw script hash backing address.
func (d *Dispatcher) GetBinaryAddress(chain, address string) ([]byte, error) {
	rt, err := d.runtime(chain)
	if err != nil {
		return nil, err
	}
	params, perr := wf.NetParamsFor(rt.network)
	if perr != nil {
		return nil, perr
	}
	decoded, derr := btcutil.DecodeAddress(address, params)
	if derr != nil {
		return nil, wferrors.New(wferrors.BadRequest, "decoding address", derr)
	}
	return decoded.ScriptAddress(), nil
}

func (d *Dispatcher) CreateAccount(chain, seedWIF string) (*chainstate.Account, error) {
	rt, err := d.runtime(chain)
	if err != nil {
		return nil, err
	}
	return rt.accounts.Create(seedWIF)
}

func (d *Dispatcher) UpdateAccount(chain string, acct chainstate.Account) error {
	rt, err := d.runtime(chain)
	if err != nil {
		return err
	}
	return rt.accounts.Update(acct)
}

func (d *Dispatcher) DeleteAccount(chain, address string) error {
	rt, err := d.runtime(chain)
	if err != nil {
		return err
	}
	return rt.accounts.Delete(address)
}
