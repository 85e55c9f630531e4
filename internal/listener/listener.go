// Package listener implements the per-chain block listener (§4.5): an
// iterative, retrying, stack-bounded crawler that feeds full blocks to
// the account manager and extracts Whiteflag messages from each
// transaction, emitting them on the receive event stream.
package listener

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/whiteflagprotocol/whiteflag-api-core/internal/account"
	"github.com/whiteflagprotocol/whiteflag-api-core/internal/chainstate"
	"github.com/whiteflagprotocol/whiteflag-api-core/internal/events"
	"github.com/whiteflagprotocol/whiteflag-api-core/internal/metrics"
	"github.com/whiteflagprotocol/whiteflag-api-core/internal/rpcclient"
	"github.com/whiteflagprotocol/whiteflag-api-core/internal/wf"
)

const (
	maxStackDepth    = 100
	blockRetryDelay  = 10000 * time.Millisecond
	minRetryInterval = 500 * time.Millisecond
)

// Config governs one chain's listener.
type Config struct {
	ChainName              string
	Network                string
	ConfiguredStart        int64
	ConfiguredEnd          int64
	RestartWindow          int64
	RetrievalInterval      time.Duration
	MaxRetries             int
	TransactionBatchSize   int
}

// Listener crawls one chain's blocks.
type Listener struct {
	cfg Config

	store   chainstate.Store
	rpc     *rpcclient.Client
	account *account.Manager
	bus     *events.Bus
	log     *zap.Logger

	wake chan struct{}
}

func New(cfg Config, store chainstate.Store, rpc *rpcclient.Client, acctMgr *account.Manager, bus *events.Bus, logger *zap.Logger) *Listener {
	if cfg.RetrievalInterval < minRetryInterval {
		cfg.RetrievalInterval = minRetryInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.TransactionBatchSize <= 0 {
		cfg.TransactionBatchSize = 128
	}
	return &Listener{cfg: cfg, store: store, rpc: rpc, account: acctMgr, bus: bus, log: logger, wake: make(chan struct{}, 1)}
}

// Wake lets an external fast-wake source (internal/zmq) nudge the next
// iteration to run immediately instead of waiting the full interval.
func (l *Listener) Wake() chan<- struct{} { return l.wake }

// Run drives the main loop until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) {
	cursor, err := l.determineStartingBlock(ctx)
	if err != nil {
		l.log.Error("listener: determining starting block failed", zap.String("chain", l.cfg.ChainName), zap.Error(err))
		return
	}

	state := &iterationState{cursor: cursor}
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(l.cfg.RetrievalInterval):
		case <-l.wake:
		}
		if ctx.Err() != nil {
			return
		}
		l.executeBlockIteration(ctx, state)
	}
}

type iterationState struct {
	cursor  int64
	retry   int
	skipped int
}

// determineStartingBlock implements §4.5's initialisation policy.
func (l *Listener) determineStartingBlock(ctx context.Context) (int64, error) {
	if l.cfg.ConfiguredStart > 0 {
		return l.cfg.ConfiguredStart, nil
	}

	highest, err := l.rpc.GetBlockCount(ctx)
	if err != nil {
		return 0, err
	}

	cs, err := l.store.GetChain(l.cfg.ChainName)
	if err != nil {
		return 0, err
	}
	current := cs.Status.CurrentBlock

	if current > 0 && l.cfg.RestartWindow > 0 && highest-current > l.cfg.RestartWindow {
		return highest - l.cfg.RestartWindow, nil
	}
	if current > 0 {
		return current, nil
	}
	return highest - 1, nil
}

// executeBlockIteration runs one pass of the main loop (§4.5 steps 2-7).
func (l *Listener) executeBlockIteration(ctx context.Context, state *iterationState) {
	highest, err := l.rpc.GetBlockCount(ctx)
	if err != nil {
		l.log.Warn("listener: querying highest block failed", zap.String("chain", l.cfg.ChainName), zap.Error(err))
		return
	}
	metrics.HighestBlock.WithLabelValues(l.cfg.ChainName).Set(float64(highest))

	if highest == state.cursor {
		return
	}
	if state.cursor > highest {
		l.log.Warn("listener: node appears to be re-syncing", zap.String("chain", l.cfg.ChainName),
			zap.Int64("cursor", state.cursor), zap.Int64("highest", highest))
		return
	}

	endBlock := highest
	if l.cfg.ConfiguredEnd > 0 && l.cfg.ConfiguredEnd < highest {
		endBlock = l.cfg.ConfiguredEnd
	}

	stackSize := 0
	l.processBlocks(ctx, state, endBlock, &stackSize)

	if l.cfg.ConfiguredEnd > 0 && state.cursor >= l.cfg.ConfiguredEnd {
		if restarted, err := l.determineStartingBlock(ctx); err == nil {
			state.cursor = restarted
		}
	}
}

// processBlocks advances state.cursor toward end, strictly
// sequentially, yielding once stackSize exceeds maxStackDepth.
func (l *Listener) processBlocks(ctx context.Context, state *iterationState, end int64, stackSize *int) {
	for state.cursor < end {
		if ctx.Err() != nil {
			return
		}
		*stackSize++
		if *stackSize > maxStackDepth {
			return
		}

		if state.retry > l.cfg.MaxRetries {
			l.log.Warn("listener: skipping block after exceeding retry budget",
				zap.String("chain", l.cfg.ChainName), zap.Int64("block", state.cursor+1))
			state.cursor++
			state.retry = 0
			state.skipped++
			continue
		}

		next := state.cursor + 1
		if err := l.processOneBlock(ctx, next); err != nil {
			l.log.Warn("listener: processing block failed, will retry",
				zap.String("chain", l.cfg.ChainName), zap.Int64("block", next), zap.Error(err))
			state.retry++
			select {
			case <-time.After(blockRetryDelay):
			case <-ctx.Done():
				return
			}
			continue
		}

		state.cursor = next
		state.retry = 0
		state.skipped = 0
		if err := l.persistCursor(next); err != nil {
			l.log.Warn("listener: persisting cursor failed", zap.String("chain", l.cfg.ChainName), zap.Error(err))
		}
	}
}

func (l *Listener) persistCursor(cursor int64) error {
	cs, err := l.store.GetChain(l.cfg.ChainName)
	if err != nil {
		return err
	}
	cs.Status.CurrentBlock = cursor
	cs.Status.Updated = time.Now().UTC()
	metrics.CurrentBlock.WithLabelValues(l.cfg.ChainName).Set(float64(cursor))
	return l.store.SaveChain(l.cfg.ChainName, cs)
}

// processOneBlock fetches block number, applies it to the account
// manager, and extracts Whiteflag messages batch by batch.
func (l *Listener) processOneBlock(ctx context.Context, number int64) error {
	started := time.Now()
	defer func() {
		metrics.BlockProcessingDuration.WithLabelValues(l.cfg.ChainName).Observe(time.Since(started).Seconds())
	}()

	hash, err := l.rpc.GetBlockHash(ctx, number)
	if err != nil {
		return err
	}
	raw, err := l.rpc.GetBlockByHash(ctx, hash, 2)
	if err != nil {
		return err
	}

	var nb struct {
		Time int64              `json:"time"`
		Tx   []wf.RawTransaction `json:"tx"`
	}
	if err := json.Unmarshal(raw, &nb); err != nil {
		return err
	}
	for i := range nb.Tx {
		if nb.Tx[i].BlockTime == 0 {
			nb.Tx[i].BlockTime = nb.Time
		}
	}

	if err := l.account.ProcessBlock(ctx, number, account.Block{Height: number, Time: nb.Time, Transactions: nb.Tx}); err != nil {
		return err
	}

	l.extractMessages(number, nb.Tx)
	metrics.BlocksProcessed.WithLabelValues(l.cfg.ChainName).Inc()
	return nil
}

// extractMessages runs message extraction over a block's transactions
// in batches of TransactionBatchSize, emitting each find on the
// receive event stream in block order.
func (l *Listener) extractMessages(number int64, txs []wf.RawTransaction) {
	for start := 0; start < len(txs); start += l.cfg.TransactionBatchSize {
		end := start + l.cfg.TransactionBatchSize
		if end > len(txs) {
			end = len(txs)
		}
		for _, tx := range txs[start:end] {
			mh, err := wf.ExtractMessage(tx, l.cfg.ChainName, number, l.cfg.Network)
			if err != nil {
				continue
			}
			metrics.MessagesExtracted.WithLabelValues(l.cfg.ChainName).Inc()
			l.bus.Publish(events.Event{
				Kind:            events.MessageProcessed,
				Chain:           l.cfg.ChainName,
				Direction:       events.RX,
				TransactionHash: mh.TransactionHash,
				BlockNumber:     mh.BlockNumber,
				Payload:         mh,
			})
		}
	}
}
