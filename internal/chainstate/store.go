// Package chainstate owns the per-chain mutable record (§4.2): chain
// parameters, sync status, the account set, the block-depths
// confirmation queue, and the key collection. All writes funnel through
// the Store interface so every collaborator observes sequential
// consistency per chain, as the concurrency model requires.
package chainstate

import (
	"sync"
	"time"
)

// Parameters are the network constants resolved once a chain is seen.
type Parameters struct {
	Chain   string `json:"chain"`
	RPCURL  string `json:"rpcURL"`
	Network string `json:"network"`
}

// Status is the chain's sync progress.
type Status struct {
	CurrentBlock int64     `json:"currentBlock"`
	HighestBlock int64     `json:"highestBlock"`
	Peers        int       `json:"peers"`
	Updated      time.Time `json:"updated"`
	FeeRate      float64   `json:"feerate"`
}

// UTXOState is the monotonic spend-state machine for a UTXO.
type UTXOState string

const (
	Unspent           UTXOState = "UNSPENT"
	NeedsVerification UTXOState = "NEEDSVERIFICATION"
	SpentVerified     UTXOState = "SPENTVERIFIED"
	Spent             UTXOState = "SPENT"
)

// utxoRank lets callers assert the transition graph never runs backward.
var utxoRank = map[UTXOState]int{
	Unspent:           0,
	NeedsVerification: 1,
	SpentVerified:     2,
	Spent:             3,
}

// CanAdvance reports whether from -> to is a forward (or self) edge in
// the UTXO transition DAG.
func CanAdvance(from, to UTXOState) bool {
	return utxoRank[to] >= utxoRank[from]
}

// UTXO is one unspent-or-tracked transaction output.
type UTXO struct {
	TxID  string    `json:"txid"`
	Index int       `json:"index"`
	Value int64     `json:"value"`
	Spent UTXOState `json:"spent"`
}

// Account is one managed address and its UTXO set. The private key is
// never stored here; see internal/keystore.
type Account struct {
	Address    string `json:"address"`
	PublicKey  string `json:"publicKey"`
	Balance    int64  `json:"balance"`
	FirstBlock int64  `json:"firstBlock"`
	LastBlock  int64  `json:"lastBlock"`
	Syncing    bool   `json:"syncing"`
	UTXOs      []UTXO `json:"utxos"`
}

// ChainState is the full per-chain record.
type ChainState struct {
	Parameters Parameters `json:"parameters"`
	Status     Status     `json:"status"`
	Accounts   []Account  `json:"accounts"`
}

// ConfirmationRecord tracks block depth for one sent or received message.
type ConfirmationRecord struct {
	TransactionHash string `json:"transactionHash"`
	Blockchain      string `json:"blockchain"`
	BlockNumber     int64  `json:"blockNumber"`
	BlockDepth      int    `json:"blockDepth"`
	Confirmed       bool   `json:"confirmed"`
}

// Store is the chain state collaborator's contract. Implementations
// must be safe to call concurrently from listener, account-sync and
// dispatcher paths (§4.2).
type Store interface {
	GetChain(name string) (ChainState, error)
	SaveChain(name string, state ChainState) error

	GetQueue(name string) ([]ConfirmationRecord, error)
	UpsertQueue(name string, record ConfirmationRecord) error
	RemoveQueue(name string, transactionHash string) error

	GetKey(kind, id string) (string, bool, error)
	UpsertKey(kind, id, value string) error
	DeleteKey(kind, id string) error
}

// MemoryStore is an in-process Store backed by a map guarded by a
// single mutex, following the teacher's FileStateStore/FileSeenStore
// habit of keeping persistence collaborators small and lock-protected.
type MemoryStore struct {
	mu     sync.Mutex
	chains map[string]ChainState
	queues map[string][]ConfirmationRecord
	keys   map[string]map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chains: make(map[string]ChainState),
		queues: make(map[string][]ConfirmationRecord),
		keys:   make(map[string]map[string]string),
	}
}

func (s *MemoryStore) GetChain(name string) (ChainState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.chains[name]
	if !ok {
		cs = ChainState{
			Parameters: Parameters{Chain: name},
			Accounts:   []Account{},
		}
		s.chains[name] = cs
	}
	return cs, nil
}

func (s *MemoryStore) SaveChain(name string, state ChainState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chains[name] = state
	return nil
}

func (s *MemoryStore) GetQueue(name string) ([]ConfirmationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ConfirmationRecord, len(s.queues[name]))
	copy(out, s.queues[name])
	return out, nil
}

func (s *MemoryStore) UpsertQueue(name string, record ConfirmationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[name]
	for i, r := range q {
		if r.TransactionHash == record.TransactionHash {
			q[i] = record
			s.queues[name] = q
			return nil
		}
	}
	s.queues[name] = append(q, record)
	return nil
}

func (s *MemoryStore) RemoveQueue(name string, transactionHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[name]
	for i, r := range q {
		if r.TransactionHash == transactionHash {
			s.queues[name] = append(q[:i], q[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) GetKey(kind, id string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.keys[kind]
	if !ok {
		return "", false, nil
	}
	v, ok := bucket[id]
	return v, ok, nil
}

func (s *MemoryStore) UpsertKey(kind, id, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.keys[kind]
	if !ok {
		bucket = make(map[string]string)
		s.keys[kind] = bucket
	}
	bucket[id] = value
	return nil
}

func (s *MemoryStore) DeleteKey(kind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bucket, ok := s.keys[kind]; ok {
		delete(bucket, id)
	}
	return nil
}
