package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/whiteflagprotocol/whiteflag-api-core/internal/account"
	"github.com/whiteflagprotocol/whiteflag-api-core/internal/chainstate"
	"github.com/whiteflagprotocol/whiteflag-api-core/internal/events"
	"github.com/whiteflagprotocol/whiteflag-api-core/internal/keystore"
	"github.com/whiteflagprotocol/whiteflag-api-core/internal/rpcclient"
)

type rpcRequest struct {
	ID     int           `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

// fakeNode serves getblockcount/getblockhash/getblock for a single
// chain with no transactions, enough to exercise the listener's own
// bookkeeping without depending on message extraction.
func fakeNode(t *testing.T, highest int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		switch req.Method {
		case "getblockcount":
			json.NewEncoder(w).Encode(map[string]interface{}{"id": req.ID, "result": highest})
		case "getblockhash":
			h := req.Params[0].(float64)
			json.NewEncoder(w).Encode(map[string]interface{}{"id": req.ID, "result": fmt.Sprintf("hash%d", int64(h))})
		case "getblock":
			block := map[string]interface{}{"time": 1700000000, "tx": []interface{}{}}
			raw, _ := json.Marshal(block)
			json.NewEncoder(w).Encode(map[string]interface{}{"id": req.ID, "result": json.RawMessage(raw)})
		default:
			json.NewEncoder(w).Encode(map[string]interface{}{"id": req.ID, "result": nil})
		}
	}))
}

func newTestRPC(t *testing.T, srv *httptest.Server) *rpcclient.Client {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return rpcclient.New(rpcclient.Config{Protocol: "http", Host: u.Hostname(), Port: port}, zap.NewNop())
}

func TestDetermineStartingBlockUsesConfiguredStart(t *testing.T) {
	srv := fakeNode(t, 1000)
	defer srv.Close()

	store := chainstate.NewMemoryStore()
	rpc := newTestRPC(t, srv)
	keys := keystore.New(store)
	acctMgr := account.New("chain", "testnet3", 128, store, keys, rpc, zap.NewNop())
	l := New(Config{ChainName: "chain", ConfiguredStart: 42}, store, rpc, acctMgr, events.NewBus(), zap.NewNop())

	cursor, err := l.determineStartingBlock(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 42, cursor)
}

func TestDetermineStartingBlockResumesFromPersisted(t *testing.T) {
	srv := fakeNode(t, 1000)
	defer srv.Close()

	store := chainstate.NewMemoryStore()
	cs, _ := store.GetChain("chain")
	cs.Status.CurrentBlock = 500
	require.NoError(t, store.SaveChain("chain", cs))

	rpc := newTestRPC(t, srv)
	keys := keystore.New(store)
	acctMgr := account.New("chain", "testnet3", 128, store, keys, rpc, zap.NewNop())
	l := New(Config{ChainName: "chain", RestartWindow: 1000}, store, rpc, acctMgr, events.NewBus(), zap.NewNop())

	cursor, err := l.determineStartingBlock(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 500, cursor)
}

func TestDetermineStartingBlockUsesRestartWindowWhenFarBehind(t *testing.T) {
	srv := fakeNode(t, 1000)
	defer srv.Close()

	store := chainstate.NewMemoryStore()
	cs, _ := store.GetChain("chain")
	cs.Status.CurrentBlock = 10
	require.NoError(t, store.SaveChain("chain", cs))

	rpc := newTestRPC(t, srv)
	keys := keystore.New(store)
	acctMgr := account.New("chain", "testnet3", 128, store, keys, rpc, zap.NewNop())
	l := New(Config{ChainName: "chain", RestartWindow: 100}, store, rpc, acctMgr, events.NewBus(), zap.NewNop())

	cursor, err := l.determineStartingBlock(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 900, cursor)
}

func TestDetermineStartingBlockDefaultsToHighestMinusOne(t *testing.T) {
	srv := fakeNode(t, 1000)
	defer srv.Close()

	store := chainstate.NewMemoryStore()
	rpc := newTestRPC(t, srv)
	keys := keystore.New(store)
	acctMgr := account.New("chain", "testnet3", 128, store, keys, rpc, zap.NewNop())
	l := New(Config{ChainName: "chain"}, store, rpc, acctMgr, events.NewBus(), zap.NewNop())

	cursor, err := l.determineStartingBlock(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 999, cursor)
}

func TestExecuteBlockIterationAdvancesCursorAndPersists(t *testing.T) {
	srv := fakeNode(t, 5)
	defer srv.Close()

	store := chainstate.NewMemoryStore()
	rpc := newTestRPC(t, srv)
	keys := keystore.New(store)
	acctMgr := account.New("chain", "testnet3", 128, store, keys, rpc, zap.NewNop())
	l := New(Config{ChainName: "chain", MaxRetries: 5, TransactionBatchSize: 128}, store, rpc, acctMgr, events.NewBus(), zap.NewNop())

	state := &iterationState{cursor: 2}
	l.executeBlockIteration(context.Background(), state)

	require.EqualValues(t, 5, state.cursor)
	cs, err := store.GetChain("chain")
	require.NoError(t, err)
	require.EqualValues(t, 5, cs.Status.CurrentBlock)
}

func TestExecuteBlockIterationYieldsWhenCaughtUp(t *testing.T) {
	srv := fakeNode(t, 5)
	defer srv.Close()

	store := chainstate.NewMemoryStore()
	rpc := newTestRPC(t, srv)
	keys := keystore.New(store)
	acctMgr := account.New("chain", "testnet3", 128, store, keys, rpc, zap.NewNop())
	l := New(Config{ChainName: "chain"}, store, rpc, acctMgr, events.NewBus(), zap.NewNop())

	state := &iterationState{cursor: 5}
	l.executeBlockIteration(context.Background(), state)
	require.EqualValues(t, 5, state.cursor)
}
