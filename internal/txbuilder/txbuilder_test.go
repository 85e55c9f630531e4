package txbuilder

import (
	"context"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/whiteflagprotocol/whiteflag-api-core/internal/chainstate"
	"github.com/whiteflagprotocol/whiteflag-api-core/internal/keystore"
	"github.com/whiteflagprotocol/whiteflag-api-core/internal/wf"
	"github.com/whiteflagprotocol/whiteflag-api-core/internal/wferrors"
)

func TestSelectUTXOsSmallestFirst(t *testing.T) {
	utxos := []chainstate.UTXO{
		{TxID: "a", Index: 0, Value: 3000, Spent: chainstate.Unspent},
		{TxID: "b", Index: 0, Value: 1000, Spent: chainstate.Unspent},
		{TxID: "c", Index: 0, Value: 2000, Spent: chainstate.Unspent},
	}
	chosen, sum, err := SelectUTXOs(utxos, 0, 4000)
	require.NoError(t, err)
	require.EqualValues(t, 6000, sum)
	require.Len(t, chosen, 3)
	require.Equal(t, "b", chosen[0].TxID)
}

func TestSelectUTXOsSkipsAlreadySpent(t *testing.T) {
	utxos := []chainstate.UTXO{
		{TxID: "a", Index: 0, Value: 10000, Spent: chainstate.SpentVerified},
		{TxID: "b", Index: 0, Value: 5000, Spent: chainstate.Unspent},
	}
	chosen, sum, err := SelectUTXOs(utxos, 0, 4000)
	require.NoError(t, err)
	require.EqualValues(t, 5000, sum)
	require.Len(t, chosen, 1)
	require.Equal(t, "b", chosen[0].TxID)
}

func TestSelectUTXOsInsufficientFunds(t *testing.T) {
	utxos := []chainstate.UTXO{{TxID: "a", Index: 0, Value: 3000, Spent: chainstate.Unspent}}
	_, _, err := SelectUTXOs(utxos, 0, 4000)
	require.Error(t, err)
}

func newTestBuilder(t *testing.T) (*Builder, *keystore.Store) {
	t.Helper()
	store := chainstate.NewMemoryStore()
	keys := keystore.New(store)
	b, err := New("bitcoin-main", "testnet3", 4000, keys, nil, zap.NewNop())
	require.NoError(t, err)
	return b, keys
}

// seedAccountWithKey creates a funded account whose address is derived
// from a fresh key, with the matching private key stored so Send can
// locate it during signing.
func seedAccountWithKey(t *testing.T, b *Builder, keys *keystore.Store, utxoValue int64) *chainstate.Account {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	addr, err := wf.PubKeyToP2PKHAddress(priv.PubKey().SerializeCompressed(), b.network)
	require.NoError(t, err)
	require.NoError(t, keys.Put(b.chainName, addr, priv))
	return &chainstate.Account{
		Address: addr,
		UTXOs:   []chainstate.UTXO{{TxID: "0000000000000000000000000000000000000000000000000000000000000001", Index: 0, Value: utxoValue, Spent: chainstate.Unspent}},
		Balance: utxoValue,
	}
}

// TestBuildSignAndSerialize exercises the scenario-1 shape (account
// balance 10000, fee 4000, value 0) up through signing and
// serialization without a live node, since broadcasting requires an
// rpcclient.Client wired to a real endpoint.
func TestBuildSignAndSerialize(t *testing.T) {
	b, keys := newTestBuilder(t)
	acct := seedAccountWithKey(t, b, keys, 10000)

	chosen, sum, err := SelectUTXOs(acct.UTXOs, 0, b.fee)
	require.NoError(t, err)
	require.EqualValues(t, 10000, sum)
	require.Len(t, chosen, 1)

	msgTx := wire.NewMsgTx(wire.TxVersion)
	hash, err := chainhashFromTxID(chosen[0].TxID)
	require.NoError(t, err)
	msgTx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(hash, uint32(chosen[0].Index)), nil, nil))

	script, err := txscript.NullDataScript([]byte{0x57, 0x46, 0x31, 0x30})
	require.NoError(t, err)
	msgTx.AddTxOut(wire.NewTxOut(0, script))

	fromScript, err := addressScript(acct.Address, b.params)
	require.NoError(t, err)
	change := sum - 0 - b.fee
	require.EqualValues(t, 6000, change)
	msgTx.AddTxOut(wire.NewTxOut(change, fromScript))

	priv, err := keys.Get(b.chainName, acct.Address)
	require.NoError(t, err)
	require.NoError(t, signInputs(msgTx, chosen, fromScript, priv))
	require.NotEmpty(t, msgTx.TxIn[0].SignatureScript)

	hexTx, err := serializeTx(msgTx)
	require.NoError(t, err)
	require.NotEmpty(t, hexTx)

	markChosenNeedsVerification(acct, chosen)
	require.Equal(t, chainstate.NeedsVerification, acct.UTXOs[0].Spent)
	require.EqualValues(t, 0, acct.Balance)
}

func TestSendFailsBadRequestWhenEncodedDataTooLarge(t *testing.T) {
	b, keys := newTestBuilder(t)
	acct := seedAccountWithKey(t, b, keys, 10000)

	oversized := "5746" + strings.Repeat("00", 90)
	_, err := b.Send(context.Background(), acct, acct.Address, 0, oversized)
	require.Error(t, err)
	require.True(t, wferrors.Is(err, wferrors.BadRequest))
}

func TestSendFailsInsufficientFunds(t *testing.T) {
	b, keys := newTestBuilder(t)
	acct := seedAccountWithKey(t, b, keys, 3000)

	_, err := b.Send(context.Background(), acct, acct.Address, 0, "")
	require.Error(t, err)
	require.True(t, wferrors.Is(err, wferrors.InsufficientFunds))
	require.Equal(t, chainstate.Unspent, acct.UTXOs[0].Spent)
}

func TestMarkChosenNeedsVerificationNeverRegresses(t *testing.T) {
	acct := &chainstate.Account{
		UTXOs: []chainstate.UTXO{{TxID: "a", Index: 0, Value: 1000, Spent: chainstate.SpentVerified}},
	}
	markChosenNeedsVerification(acct, []chainstate.UTXO{{TxID: "a", Index: 0, Value: 1000, Spent: chainstate.SpentVerified}})
	require.Equal(t, chainstate.SpentVerified, acct.UTXOs[0].Spent)
}
