package confirmation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/whiteflagprotocol/whiteflag-api-core/internal/chainstate"
	"github.com/whiteflagprotocol/whiteflag-api-core/internal/events"
)

func TestProcessRecordPersistsDepthBelowThreshold(t *testing.T) {
	store := chainstate.NewMemoryStore()
	bus := events.NewBus()
	tr := New(Config{ChainName: "chain", MaxBlockDepth: 8}, store, nil, nil, nil, bus, zap.NewNop())

	record := chainstate.ConfirmationRecord{TransactionHash: "tx1", BlockNumber: 95}
	require.NoError(t, store.UpsertQueue("chain", record))

	tr.processRecord(context.Background(), record, 100)

	queue, err := store.GetQueue("chain")
	require.NoError(t, err)
	require.Len(t, queue, 1)
	require.Equal(t, 5, queue[0].BlockDepth)
	require.False(t, queue[0].Confirmed)
}

func TestProcessRecordFinalizesWhenNoReorg(t *testing.T) {
	store := chainstate.NewMemoryStore()
	bus := events.NewBus()
	lookup := func(ctx context.Context, txHash string) (int64, bool, error) {
		return 90, true, nil
	}
	tr := New(Config{ChainName: "chain", MaxBlockDepth: 8}, store, nil, lookup, nil, bus, zap.NewNop())

	record := chainstate.ConfirmationRecord{TransactionHash: "tx1", BlockNumber: 90}
	require.NoError(t, store.UpsertQueue("chain", record))

	sub, cancel := bus.Subscribe("chain")
	defer cancel()

	tr.processRecord(context.Background(), record, 100)

	queue, err := store.GetQueue("chain")
	require.NoError(t, err)
	require.Len(t, queue, 0)

	select {
	case ev := <-sub:
		require.Equal(t, events.MessageUpdated, ev.Kind)
		require.True(t, ev.Confirmed)
	case <-time.After(time.Second):
		t.Fatal("expected messageUpdated event")
	}
}

func TestProcessRecordHandlesReorgByUpdatingBlockNumber(t *testing.T) {
	store := chainstate.NewMemoryStore()
	bus := events.NewBus()
	lookup := func(ctx context.Context, txHash string) (int64, bool, error) {
		return 92, true, nil // moved to a new block
	}
	tr := New(Config{ChainName: "chain", MaxBlockDepth: 8}, store, nil, lookup, nil, bus, zap.NewNop())

	record := chainstate.ConfirmationRecord{TransactionHash: "tx1", BlockNumber: 90}
	require.NoError(t, store.UpsertQueue("chain", record))

	tr.processRecord(context.Background(), record, 100)

	queue, err := store.GetQueue("chain")
	require.NoError(t, err)
	require.Len(t, queue, 1)
	require.EqualValues(t, 92, queue[0].BlockNumber)
	require.False(t, queue[0].Confirmed)
}

func TestProcessRecordRemovesWhenTransactionGone(t *testing.T) {
	store := chainstate.NewMemoryStore()
	bus := events.NewBus()
	lookup := func(ctx context.Context, txHash string) (int64, bool, error) {
		return 0, false, nil
	}
	tr := New(Config{ChainName: "chain", MaxBlockDepth: 8}, store, nil, lookup, nil, bus, zap.NewNop())

	record := chainstate.ConfirmationRecord{TransactionHash: "tx1", BlockNumber: 90}
	require.NoError(t, store.UpsertQueue("chain", record))

	tr.processRecord(context.Background(), record, 100)

	queue, err := store.GetQueue("chain")
	require.NoError(t, err)
	require.Len(t, queue, 0)
}

func TestTickDropsQueueWhenChainInactive(t *testing.T) {
	store := chainstate.NewMemoryStore()
	bus := events.NewBus()
	require.NoError(t, store.UpsertQueue("chain", chainstate.ConfirmationRecord{TransactionHash: "tx1", BlockNumber: 90}))

	tr := New(Config{ChainName: "chain"}, store, nil, nil, func() bool { return false }, bus, zap.NewNop())
	tr.tick(context.Background())

	queue, err := store.GetQueue("chain")
	require.NoError(t, err)
	require.Len(t, queue, 0)
}

func TestSubscribeUpsertsOnMessageProcessed(t *testing.T) {
	store := chainstate.NewMemoryStore()
	bus := events.NewBus()
	tr := New(Config{ChainName: "chain"}, store, nil, nil, nil, bus, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go tr.Subscribe(ctx)

	bus.Publish(events.Event{Kind: events.MessageProcessed, Chain: "chain", TransactionHash: "tx9", BlockNumber: 42})

	require.Eventually(t, func() bool {
		queue, err := store.GetQueue("chain")
		return err == nil && len(queue) == 1 && queue[0].TransactionHash == "tx9"
	}, time.Second, 10*time.Millisecond)

	cancel()
}
