// Package confirmation implements the per-chain confirmation tracker
// (§4.7): it subscribes to messageProcessed events on both RX and TX
// streams, tracks block depth for each in the chain state's queue, and
// promotes records to confirmed once they clear the configured depth.
package confirmation

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/whiteflagprotocol/whiteflag-api-core/internal/chainstate"
	"github.com/whiteflagprotocol/whiteflag-api-core/internal/events"
	"github.com/whiteflagprotocol/whiteflag-api-core/internal/metrics"
	"github.com/whiteflagprotocol/whiteflag-api-core/internal/rpcclient"
)

// TransactionLookup re-fetches a transaction's current block number
// from the chain backend, used to detect reorgs. It returns ok=false
// if the transaction is no longer known to the backend.
type TransactionLookup func(ctx context.Context, txHash string) (blockNumber int64, ok bool, err error)

// Config governs one chain's tracker.
type Config struct {
	ChainName       string
	Interval        time.Duration
	MaxBlockDepth   int
	UpdateEachBlock bool
}

// Tracker periodically recomputes block depth for every queued record.
type Tracker struct {
	cfg Config

	store    chainstate.Store
	rpc      *rpcclient.Client
	lookup   TransactionLookup
	isActive func() bool
	bus      *events.Bus
	log      *zap.Logger
}

// New builds a Tracker. isActive reports whether the chain is
// currently enabled in configuration; when it turns false the
// tracker's queued records are dropped per §4.7.
func New(cfg Config, store chainstate.Store, rpc *rpcclient.Client, lookup TransactionLookup, isActive func() bool, bus *events.Bus, logger *zap.Logger) *Tracker {
	if cfg.Interval <= 0 {
		cfg.Interval = 10000 * time.Millisecond
	}
	if cfg.MaxBlockDepth <= 0 {
		cfg.MaxBlockDepth = 8
	}
	if isActive == nil {
		isActive = func() bool { return true }
	}
	return &Tracker{cfg: cfg, store: store, rpc: rpc, lookup: lookup, isActive: isActive, bus: bus, log: logger}
}

// Subscribe listens for messageProcessed events on chain and upserts a
// fresh queue record for each. Runs until ctx is cancelled.
func (t *Tracker) Subscribe(ctx context.Context) {
	sub, cancel := t.bus.Subscribe(t.cfg.ChainName)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if ev.Kind != events.MessageProcessed || ev.BlockNumber == 0 {
				continue
			}
			record := chainstate.ConfirmationRecord{
				TransactionHash: ev.TransactionHash,
				Blockchain:      t.cfg.ChainName,
				BlockNumber:     ev.BlockNumber,
			}
			if err := t.store.UpsertQueue(t.cfg.ChainName, record); err != nil {
				t.log.Warn("confirmation: upserting queue record failed", zap.Error(err))
			}
		}
	}
}

// Run drives the periodic depth-recomputation loop until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

func (t *Tracker) tick(ctx context.Context) {
	if !t.isActive() {
		t.dropAll()
		return
	}

	cs, err := t.store.GetChain(t.cfg.ChainName)
	if err != nil {
		t.log.Warn("confirmation: reading chain state failed", zap.Error(err))
		return
	}

	queue, err := t.store.GetQueue(t.cfg.ChainName)
	if err != nil {
		t.log.Warn("confirmation: reading queue failed", zap.Error(err))
		return
	}
	metrics.ConfirmationDepth.WithLabelValues(t.cfg.ChainName).Set(float64(len(queue)))

	highest := cs.Status.HighestBlock
	if highest == 0 {
		highest, err = t.rpc.GetBlockCount(ctx)
		if err != nil {
			t.log.Warn("confirmation: querying highest block failed", zap.Error(err))
			return
		}
	}

	for _, record := range queue {
		t.processRecord(ctx, record, highest)
	}
}

func (t *Tracker) dropAll() {
	queue, err := t.store.GetQueue(t.cfg.ChainName)
	if err != nil {
		return
	}
	for _, r := range queue {
		_ = t.store.RemoveQueue(t.cfg.ChainName, r.TransactionHash)
	}
}

func (t *Tracker) processRecord(ctx context.Context, record chainstate.ConfirmationRecord, highest int64) {
	depth := int(highest - record.BlockNumber)
	if depth < 0 {
		depth = 0
	}
	if depth == record.BlockDepth {
		return
	}

	if depth < t.cfg.MaxBlockDepth {
		record.BlockDepth = depth
		if err := t.store.UpsertQueue(t.cfg.ChainName, record); err != nil {
			t.log.Warn("confirmation: persisting depth failed", zap.Error(err))
			return
		}
		if t.cfg.UpdateEachBlock {
			t.emitUpdated(record)
		}
		return
	}

	if t.lookup == nil {
		t.finalize(record)
		return
	}

	currentBlock, ok, err := t.lookup(ctx, record.TransactionHash)
	if err != nil {
		t.log.Warn("confirmation: re-fetching transaction failed", zap.String("tx", record.TransactionHash), zap.Error(err))
		return
	}
	if !ok {
		_ = t.store.RemoveQueue(t.cfg.ChainName, record.TransactionHash)
		return
	}
	if currentBlock != record.BlockNumber {
		record.BlockNumber = currentBlock
		record.BlockDepth = 0
		_ = t.store.UpsertQueue(t.cfg.ChainName, record)
		return
	}

	t.finalize(record)
}

func (t *Tracker) finalize(record chainstate.ConfirmationRecord) {
	record.Confirmed = true
	record.BlockDepth = t.cfg.MaxBlockDepth
	t.emitUpdated(record)
	_ = t.store.RemoveQueue(t.cfg.ChainName, record.TransactionHash)
	metrics.ConfirmationsCompleted.WithLabelValues(t.cfg.ChainName).Inc()
}

func (t *Tracker) emitUpdated(record chainstate.ConfirmationRecord) {
	t.bus.Publish(events.Event{
		Kind:            events.MessageUpdated,
		Chain:           t.cfg.ChainName,
		TransactionHash: record.TransactionHash,
		BlockNumber:     record.BlockNumber,
		BlockDepth:      record.BlockDepth,
		Confirmed:       record.Confirmed,
	})
}
