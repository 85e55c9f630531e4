// Package account implements the per-chain account & UTXO manager
// (§4.3): it tracks balances and unspent outputs by scanning blocks,
// and drives per-address synchronisation after a gap.
package account

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"go.uber.org/zap"

	"github.com/whiteflagprotocol/whiteflag-api-core/internal/chainstate"
	"github.com/whiteflagprotocol/whiteflag-api-core/internal/keystore"
	"github.com/whiteflagprotocol/whiteflag-api-core/internal/rpcclient"
	"github.com/whiteflagprotocol/whiteflag-api-core/internal/wf"
	"github.com/whiteflagprotocol/whiteflag-api-core/internal/wferrors"
)

// Block is the subset of a fetched block the account manager needs.
type Block struct {
	Height       int64
	Time         int64
	Transactions []wf.RawTransaction
}

const defaultAccountSyncDelaySuccess = 6000 * time.Millisecond
const defaultAccountSyncDelayOther = 30000 * time.Millisecond

// Manager tracks accounts and UTXOs for one chain.
type Manager struct {
	chainName string
	network   string
	batchSize int

	store chainstate.Store
	keys  *keystore.Store
	rpc   *rpcclient.Client
	log   *zap.Logger

	// acctLocks serialises UTXO mutation per account address, per the
	// concurrency model's "mutations to a single account are serialised".
	mu        sync.Mutex
	acctLocks map[string]*sync.Mutex
}

func New(chainName, network string, batchSize int, store chainstate.Store, keys *keystore.Store, rpc *rpcclient.Client, logger *zap.Logger) *Manager {
	if batchSize <= 0 {
		batchSize = 128
	}
	return &Manager{
		chainName: chainName,
		network:   network,
		batchSize: batchSize,
		store:     store,
		keys:      keys,
		rpc:       rpc,
		log:       logger,
		acctLocks: make(map[string]*sync.Mutex),
	}
}

func (m *Manager) lockFor(address string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.acctLocks[address]
	if !ok {
		l = &sync.Mutex{}
		m.acctLocks[address] = l
	}
	return l
}

// Create generates (or imports, from a WIF-encoded seed) a key pair,
// derives the address, stores the private key, and upserts the account.
func (m *Manager) Create(seedWIF string) (*chainstate.Account, error) {
	priv, err := m.resolveKey(seedWIF)
	if err != nil {
		return nil, err
	}
	address, err := wf.PubKeyToP2PKHAddress(priv.PubKey().SerializeCompressed(), m.network)
	if err != nil {
		return nil, wferrors.New(wferrors.BadRequest, "deriving address for new account", err)
	}

	cs, err := m.store.GetChain(m.chainName)
	if err != nil {
		return nil, err
	}
	for _, a := range cs.Accounts {
		if a.Address == address {
			return nil, wferrors.New(wferrors.ResourceConflict, fmt.Sprintf("account %s already exists", address))
		}
	}

	if err := m.keys.Put(m.chainName, address, priv); err != nil {
		return nil, wferrors.New(wferrors.BadRequest, "storing private key", err)
	}

	acct := chainstate.Account{
		Address:    address,
		PublicKey:  hexEncode(priv.PubKey().SerializeCompressed()),
		LastBlock:  cs.Status.HighestBlock,
		FirstBlock: cs.Status.HighestBlock,
		UTXOs:      []chainstate.UTXO{},
	}
	cs.Accounts = append(cs.Accounts, acct)
	if err := m.store.SaveChain(m.chainName, cs); err != nil {
		return nil, err
	}
	return &acct, nil
}

func (m *Manager) resolveKey(seedWIF string) (*btcec.PrivateKey, error) {
	if seedWIF == "" {
		priv, err := btcec.NewPrivateKey()
		if err != nil {
			return nil, wferrors.New(wferrors.BadRequest, "generating key pair", err)
		}
		return priv, nil
	}
	wif, err := btcutil.DecodeWIF(seedWIF)
	if err != nil {
		return nil, wferrors.New(wferrors.BadRequest, "decoding imported WIF key", err)
	}
	return wif.PrivKey, nil
}

func hexEncode(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hextable[v>>4]
		out[i*2+1] = hextable[v&0x0f]
	}
	return string(out)
}

// Get returns the account at address.
func (m *Manager) Get(address string) (*chainstate.Account, error) {
	cs, err := m.store.GetChain(m.chainName)
	if err != nil {
		return nil, err
	}
	for i := range cs.Accounts {
		if cs.Accounts[i].Address == address {
			return &cs.Accounts[i], nil
		}
	}
	return nil, wferrors.New(wferrors.NotFound, fmt.Sprintf("account %s not found", address))
}

// Check is Get plus the syncing-exclusion the data model's invariants
// require: access is unavailable while an account is mid-synchronise.
func (m *Manager) Check(address string) (*chainstate.Account, error) {
	acct, err := m.Get(address)
	if err != nil {
		return nil, err
	}
	if acct.Syncing {
		return nil, wferrors.New(wferrors.NotAvailable, fmt.Sprintf("account %s is syncing", address))
	}
	return acct, nil
}

// Update replaces the stored account record for account.Address.
func (m *Manager) Update(account chainstate.Account) error {
	cs, err := m.store.GetChain(m.chainName)
	if err != nil {
		return err
	}
	for i := range cs.Accounts {
		if cs.Accounts[i].Address == account.Address {
			cs.Accounts[i] = account
			return m.store.SaveChain(m.chainName, cs)
		}
	}
	return wferrors.New(wferrors.NotFound, fmt.Sprintf("account %s not found", account.Address))
}

// Delete removes the account and its key-store entry.
func (m *Manager) Delete(address string) error {
	cs, err := m.store.GetChain(m.chainName)
	if err != nil {
		return err
	}
	idx := -1
	for i, a := range cs.Accounts {
		if a.Address == address {
			idx = i
			break
		}
	}
	if idx == -1 {
		return wferrors.New(wferrors.NotFound, fmt.Sprintf("account %s not found", address))
	}
	cs.Accounts = append(cs.Accounts[:idx], cs.Accounts[idx+1:]...)
	if err := m.store.SaveChain(m.chainName, cs); err != nil {
		return err
	}
	return m.keys.Delete(m.chainName, address)
}

// ProcessBlock applies block to every account whose lastBlock is
// exactly one behind, and kicks off Synchronise for any that have
// fallen further behind (§4.3).
func (m *Manager) ProcessBlock(ctx context.Context, number int64, block Block) error {
	cs, err := m.store.GetChain(m.chainName)
	if err != nil {
		return err
	}

	var toSync []string
	for _, acct := range cs.Accounts {
		if acct.Syncing {
			continue
		}
		if acct.LastBlock == number-1 {
			if err := m.applyBlockToAccount(acct.Address, number, block); err != nil {
				return err
			}
		} else if acct.LastBlock < number-1 {
			toSync = append(toSync, acct.Address)
		}
	}

	for _, addr := range toSync {
		go func(address string) {
			if err := m.Synchronise(ctx, address); err != nil {
				m.log.Warn("account synchronise failed", zap.String("address", address), zap.Error(err))
			}
		}(addr)
	}
	return nil
}

// applyBlockToAccount processes one block's transactions against one
// account, batching in groups of batchSize per §4.3's batching rule,
// with mutation serialised per account via acctLocks.
func (m *Manager) applyBlockToAccount(address string, number int64, block Block) error {
	lock := m.lockFor(address)
	lock.Lock()
	defer lock.Unlock()

	cs, err := m.store.GetChain(m.chainName)
	if err != nil {
		return err
	}
	idx := indexOfAccount(cs.Accounts, address)
	if idx == -1 {
		return wferrors.New(wferrors.NotFound, fmt.Sprintf("account %s not found", address))
	}

	acct := &cs.Accounts[idx]
	for start := 0; start < len(block.Transactions); start += m.batchSize {
		end := start + m.batchSize
		if end > len(block.Transactions) {
			end = len(block.Transactions)
		}
		for _, tx := range block.Transactions[start:end] {
			processTransaction(acct, tx)
		}
	}
	acct.LastBlock = number
	updateBalance(acct)

	return m.store.SaveChain(m.chainName, cs)
}

func indexOfAccount(accounts []chainstate.Account, address string) int {
	for i, a := range accounts {
		if a.Address == address {
			return i
		}
	}
	return -1
}

// processTransaction applies the per-transaction rules from §4.3:
// new owned outputs become UNSPENT UTXOs, and inputs spending an owned
// UTXO advance it to SPENTVERIFIED. Idempotence by txid: if any UTXO
// already carries this tx's id, the output side is a no-op.
func processTransaction(acct *chainstate.Account, tx wf.RawTransaction) {
	alreadyProcessed := false
	for _, u := range acct.UTXOs {
		if u.TxID == tx.TxID {
			alreadyProcessed = true
			break
		}
	}
	if !alreadyProcessed {
		for _, out := range tx.Vout {
			if !ownsAddress(out.ScriptPubKey.Addresses, acct.Address) {
				continue
			}
			if out.Value <= 0 {
				continue
			}
			acct.UTXOs = append(acct.UTXOs, chainstate.UTXO{
				TxID:  tx.TxID,
				Index: out.N,
				Value: toSatoshis(out.Value),
				Spent: chainstate.Unspent,
			})
		}
	}

	for _, in := range tx.Vin {
		for i := range acct.UTXOs {
			u := &acct.UTXOs[i]
			if u.TxID == in.TxID && u.Index == in.Vout && u.Spent != chainstate.SpentVerified {
				u.Spent = chainstate.SpentVerified
			}
		}
	}
}

func ownsAddress(addresses []string, owned string) bool {
	for _, a := range addresses {
		if a == owned {
			return true
		}
	}
	return false
}

// toSatoshis converts a node's floating-point BTC amount to the
// integer smallest-unit representation (§9's "unified monetary values").
func toSatoshis(btc float64) int64 {
	return int64(btc*1e8 + 0.5)
}

// updateBalance re-derives balance from the UNSPENT subset, never
// decrementing speculatively.
func updateBalance(acct *chainstate.Account) {
	var total int64
	for _, u := range acct.UTXOs {
		if u.Spent == chainstate.Unspent {
			total += u.Value
		}
	}
	acct.Balance = total
}

// UpdateBalance is the exported form for callers needing a fresh
// recompute of a stored account's balance. The transaction builder does
// not call it; it recomputes the balance of the account it was handed.
func (m *Manager) UpdateBalance(address string) error {
	lock := m.lockFor(address)
	lock.Lock()
	defer lock.Unlock()

	cs, err := m.store.GetChain(m.chainName)
	if err != nil {
		return err
	}
	idx := indexOfAccount(cs.Accounts, address)
	if idx == -1 {
		return wferrors.New(wferrors.NotFound, fmt.Sprintf("account %s not found", address))
	}
	updateBalance(&cs.Accounts[idx])
	return m.store.SaveChain(m.chainName, cs)
}

// SynchroniseAll runs Synchronise for every lagging account, each in
// its own goroutine so one slow account never blocks another.
func (m *Manager) SynchroniseAll(ctx context.Context) {
	cs, err := m.store.GetChain(m.chainName)
	if err != nil {
		m.log.Warn("synchroniseAll: reading chain state", zap.Error(err))
		return
	}
	var wg sync.WaitGroup
	for _, acct := range cs.Accounts {
		if acct.Syncing || acct.LastBlock >= cs.Status.CurrentBlock {
			continue
		}
		wg.Add(1)
		go func(address string) {
			defer wg.Done()
			if err := m.Synchronise(ctx, address); err != nil {
				m.log.Warn("account synchronise failed", zap.String("address", address), zap.Error(err))
			}
		}(acct.Address)
	}
	wg.Wait()
}

// Synchronise fetches blocks sequentially from lastBlock+1 up to
// status.currentBlock, marking the account syncing for the duration.
// RPC failures on one block retry that same block after a back-off
// instead of advancing.
func (m *Manager) Synchronise(ctx context.Context, address string) error {
	if err := m.setSyncing(address, true); err != nil {
		return err
	}
	defer m.setSyncing(address, false)

	for {
		cs, err := m.store.GetChain(m.chainName)
		if err != nil {
			return err
		}
		idx := indexOfAccount(cs.Accounts, address)
		if idx == -1 {
			return wferrors.New(wferrors.NotFound, fmt.Sprintf("account %s not found", address))
		}
		next := cs.Accounts[idx].LastBlock + 1
		target := cs.Status.CurrentBlock
		if next > target {
			return nil
		}

		block, err := m.fetchBlock(ctx, next)
		if err != nil {
			delay := defaultAccountSyncDelayOther
			m.log.Warn("synchronise: block fetch failed, backing off",
				zap.String("address", address), zap.Int64("block", next), zap.Error(err))
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := m.applyBlockToAccount(address, next, *block); err != nil {
			return err
		}
		select {
		case <-time.After(defaultAccountSyncDelaySuccess):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Manager) setSyncing(address string, syncing bool) error {
	cs, err := m.store.GetChain(m.chainName)
	if err != nil {
		return err
	}
	idx := indexOfAccount(cs.Accounts, address)
	if idx == -1 {
		return wferrors.New(wferrors.NotFound, fmt.Sprintf("account %s not found", address))
	}
	cs.Accounts[idx].Syncing = syncing
	return m.store.SaveChain(m.chainName, cs)
}

// fetchBlock retrieves a full block with transactions from the node.
func (m *Manager) fetchBlock(ctx context.Context, height int64) (*Block, error) {
	hash, err := m.rpc.GetBlockHash(ctx, height)
	if err != nil {
		return nil, err
	}
	raw, err := m.rpc.GetBlockByHash(ctx, hash, 2)
	if err != nil {
		return nil, err
	}
	return decodeBlock(height, raw)
}

// AccountsByBalance returns a copy of accounts ordered by descending
// balance; the order of accounts with equal balances is not defined.
func AccountsByBalance(accounts []chainstate.Account) []chainstate.Account {
	out := make([]chainstate.Account, len(accounts))
	copy(out, accounts)
	sort.Slice(out, func(i, j int) bool { return out[i].Balance > out[j].Balance })
	return out
}
