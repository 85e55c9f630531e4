package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscriberOfSameChain(t *testing.T) {
	bus := NewBus()
	sub, cancel := bus.Subscribe("chain-a")
	defer cancel()

	bus.Publish(Event{Kind: MessageProcessed, Chain: "chain-a", TransactionHash: "tx1"})

	select {
	case ev := <-sub:
		require.Equal(t, "tx1", ev.TransactionHash)
	case <-time.After(time.Second):
		t.Fatal("expected event delivery")
	}
}

func TestPublishDoesNotCrossChains(t *testing.T) {
	bus := NewBus()
	sub, cancel := bus.Subscribe("chain-a")
	defer cancel()

	bus.Publish(Event{Kind: MessageProcessed, Chain: "chain-b", TransactionHash: "tx1"})

	select {
	case <-sub:
		t.Fatal("unexpected delivery across chains")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCancelUnsubscribesAndClosesChannel(t *testing.T) {
	bus := NewBus()
	sub, cancel := bus.Subscribe("chain-a")
	cancel()

	_, ok := <-sub
	require.False(t, ok)
}

func TestPublishDropsWhenSubscriberBufferFull(t *testing.T) {
	bus := NewBus()
	_, cancel := bus.Subscribe("chain-a")
	defer cancel()

	for i := 0; i < subscriberBuffer+10; i++ {
		bus.Publish(Event{Kind: MessageProcessed, Chain: "chain-a"})
	}
	// No panic or block means the drop-on-full path worked.
}
