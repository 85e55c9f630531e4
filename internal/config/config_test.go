package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestApplyDefaultsClampsIntervalFloor(t *testing.T) {
	c := ChainConfig{BlockRetrievalInterval: 100 * time.Millisecond}
	c.applyDefaults()
	require.Equal(t, minBlockRetrievalInterval, c.BlockRetrievalInterval)
}

func TestApplyDefaultsHonoursExactFloor(t *testing.T) {
	c := ChainConfig{BlockRetrievalInterval: 500 * time.Millisecond}
	c.applyDefaults()
	require.Equal(t, 500*time.Millisecond, c.BlockRetrievalInterval)
}

func TestApplyDefaultsFillsZeroValues(t *testing.T) {
	c := ChainConfig{}
	c.applyDefaults()
	require.Equal(t, defaultBlockRetrievalInterval, c.BlockRetrievalInterval)
	require.Equal(t, defaultRPCTimeout, c.RPCTimeout)
	require.Equal(t, defaultTransactionBatchSize, c.TransactionBatchSize)
	require.EqualValues(t, defaultTransactionFee, c.TransactionFee)
	require.Equal(t, defaultBlockMaxRetries, c.BlockMaxRetries)
	require.Equal(t, defaultConfirmationDepth, c.Confirmation.MaxBlockDepth)
}

func TestValidateRequiresRPCHostWhenActive(t *testing.T) {
	c := ChainConfig{Name: "bitcoin-main", Module: "bitcoin", Active: true}
	require.Error(t, c.Validate())

	c.RPCHost = "127.0.0.1"
	c.RPCPort = 8332
	require.NoError(t, c.Validate())
}

func TestValidateSkipsRPCChecksWhenInactive(t *testing.T) {
	c := ChainConfig{Name: "bitcoin-main", Module: "bitcoin", Active: false}
	require.NoError(t, c.Validate())
}

func TestRPCURLCoercesWebsocketScheme(t *testing.T) {
	c := ChainConfig{RPCProtocol: "ws", RPCHost: "node.local", RPCPort: 8332, RPCPath: "rpc"}
	require.Equal(t, "http://node.local:8332/rpc", c.RPCURL())

	c.RPCProtocol = "wss"
	require.Equal(t, "https://node.local:8332/rpc", c.RPCURL())
}
