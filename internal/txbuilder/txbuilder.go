// Package txbuilder composes, signs and broadcasts UTXO transactions
// with an optional embedded OP_RETURN payload (§4.4), grounded on the
// same build/sign/serialize shape the wider ecosystem uses for UTXO
// consolidation: select inputs, build a wire.MsgTx, sign each legacy
// P2PKH input, then zeroise key material.
package txbuilder

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"go.uber.org/zap"

	"github.com/whiteflagprotocol/whiteflag-api-core/internal/chainstate"
	"github.com/whiteflagprotocol/whiteflag-api-core/internal/keystore"
	"github.com/whiteflagprotocol/whiteflag-api-core/internal/rpcclient"
	"github.com/whiteflagprotocol/whiteflag-api-core/internal/wf"
	"github.com/whiteflagprotocol/whiteflag-api-core/internal/wferrors"
)

// Builder composes and broadcasts transactions for one chain.
type Builder struct {
	chainName string
	network   string
	params    *chaincfg.Params
	fee       int64

	keys *keystore.Store
	rpc  *rpcclient.Client
	log  *zap.Logger
}

func New(chainName, network string, fee int64, keys *keystore.Store, rpc *rpcclient.Client, logger *zap.Logger) (*Builder, error) {
	params, err := wf.NetParamsFor(network)
	if err != nil {
		return nil, err
	}
	if fee <= 0 {
		fee = 4000
	}
	return &Builder{chainName: chainName, network: network, params: params, fee: fee, keys: keys, rpc: rpc, log: logger}, nil
}

// SelectUTXOs filters UNSPENT UTXOs, sorts ascending by value and
// accumulates smallest-first until the sum covers amount+fee (§4.4
// step 2). It never mutates the input slice.
func SelectUTXOs(utxos []chainstate.UTXO, amount, fee int64) ([]chainstate.UTXO, int64, error) {
	candidates := make([]chainstate.UTXO, 0, len(utxos))
	for _, u := range utxos {
		if u.Spent == chainstate.Unspent {
			candidates = append(candidates, u)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Value < candidates[j].Value })

	need := amount + fee
	var sum int64
	var chosen []chainstate.UTXO
	for _, u := range candidates {
		chosen = append(chosen, u)
		sum += u.Value
		if sum >= need {
			return chosen, sum, nil
		}
	}
	return nil, 0, wferrors.New(wferrors.InsufficientFunds, fmt.Sprintf("need %d have %d", need, sum))
}

// Send implements the builder's send() algorithm (§4.4).
func (b *Builder) Send(ctx context.Context, account *chainstate.Account, toAddress string, amount int64, encodedData string) (string, error) {
	var embedded []byte
	if encodedData != "" {
		raw, err := wf.ValidateEncodedMessage(encodedData)
		if err != nil {
			return "", err
		}
		embedded = raw
	}

	chosen, totalInput, err := SelectUTXOs(account.UTXOs, amount, b.fee)
	if err != nil {
		return "", err
	}

	msgTx := wire.NewMsgTx(wire.TxVersion)
	for _, u := range chosen {
		hash, err := chainhashFromTxID(u.TxID)
		if err != nil {
			return "", wferrors.New(wferrors.BadRequest, "invalid UTXO txid", err)
		}
		outPoint := wire.NewOutPoint(hash, uint32(u.Index))
		txIn := wire.NewTxIn(outPoint, nil, nil)
		txIn.Sequence = wire.MaxTxInSequenceNum
		msgTx.AddTxIn(txIn)
	}

	if len(embedded) > 0 {
		script, err := txscript.NullDataScript(embedded)
		if err != nil {
			return "", wferrors.New(wferrors.BadRequest, "building OP_RETURN script", err)
		}
		msgTx.AddTxOut(wire.NewTxOut(0, script))
	}

	fromScript, err := addressScript(account.Address, b.params)
	if err != nil {
		return "", err
	}

	if account.Address != toAddress {
		toScript, err := addressScript(toAddress, b.params)
		if err != nil {
			return "", err
		}
		msgTx.AddTxOut(wire.NewTxOut(amount, toScript))
	}

	change := totalInput - amount - b.fee
	if change > 0 {
		msgTx.AddTxOut(wire.NewTxOut(change, fromScript))
	}

	priv, err := b.keys.Get(b.chainName, account.Address)
	if err != nil {
		return "", wferrors.New(wferrors.SignError, "retrieving signing key", err)
	}
	if err := signInputs(msgTx, chosen, fromScript, priv); err != nil {
		return "", wferrors.New(wferrors.SignError, "signing transaction", err)
	}

	// Re-check the chosen UTXOs against account.UTXOs immediately before
	// broadcast. This reads the account record the caller passed in; it
	// does not reload the account from the chain state store.
	for _, u := range chosen {
		if !utxoStillUnspent(account.UTXOs, u) {
			return "", wferrors.New(wferrors.ResourceConflict, fmt.Sprintf("utxo %s:%d no longer unspent", u.TxID, u.Index))
		}
	}

	hexTx, err := serializeTx(msgTx)
	if err != nil {
		return "", wferrors.New(wferrors.BadRequest, "serializing transaction", err)
	}

	txid, err := b.rpc.SendRawTransaction(ctx, hexTx)
	if err != nil {
		return "", err
	}
	if txid == nil {
		return "", wferrors.New(wferrors.TransactionRejected, "node returned no transaction hash")
	}

	markChosenNeedsVerification(account, chosen)
	return *txid, nil
}

func utxoStillUnspent(utxos []chainstate.UTXO, target chainstate.UTXO) bool {
	for _, u := range utxos {
		if u.TxID == target.TxID && u.Index == target.Index {
			return u.Spent == chainstate.Unspent
		}
	}
	return false
}

// markChosenNeedsVerification advances spent inputs one step forward,
// respecting the UTXO state machine's forward-only transition rule.
func markChosenNeedsVerification(account *chainstate.Account, chosen []chainstate.UTXO) {
	for i := range account.UTXOs {
		for _, c := range chosen {
			if account.UTXOs[i].TxID == c.TxID && account.UTXOs[i].Index == c.Index {
				if chainstate.CanAdvance(account.UTXOs[i].Spent, chainstate.NeedsVerification) {
					account.UTXOs[i].Spent = chainstate.NeedsVerification
				}
			}
		}
	}
	var balance int64
	for _, u := range account.UTXOs {
		if u.Spent == chainstate.Unspent {
			balance += u.Value
		}
	}
	account.Balance = balance
}

func addressScript(address string, params *chaincfg.Params) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return nil, wferrors.New(wferrors.BadRequest, fmt.Sprintf("invalid address %s", address), err)
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, wferrors.New(wferrors.BadRequest, "building output script", err)
	}
	return script, nil
}

// signInputs signs each legacy P2PKH input (the account's address is
// always P2PKH, matching the extraction algorithm's derivation), then
// zeroises the key material immediately after, as §4.4 requires.
func signInputs(msgTx *wire.MsgTx, chosen []chainstate.UTXO, pkScript []byte, priv *btcec.PrivateKey) error {
	defer priv.Zero()

	for i := range chosen {
		sigScript, err := txscript.SignatureScript(msgTx, i, pkScript, txscript.SigHashAll, priv, true)
		if err != nil {
			return fmt.Errorf("signing input %d: %w", i, err)
		}
		msgTx.TxIn[i].SignatureScript = sigScript
	}
	return nil
}

func serializeTx(msgTx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := msgTx.Serialize(&buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf.Bytes()), nil
}
