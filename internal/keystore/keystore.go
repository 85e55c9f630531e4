// Package keystore is the key store collaborator referenced by §3 and
// §4.3/§4.4: private keys are written once on account creation, read
// once on use, then zeroised in memory immediately after signing.
package keystore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/whiteflagprotocol/whiteflag-api-core/internal/chainstate"
)

// KeyID derives the opaque key id = hash(chainName ‖ address) truncated
// to 12 bytes, as the data model specifies.
func KeyID(chainName, address string) string {
	sum := sha256.Sum256([]byte(chainName + address))
	return hex.EncodeToString(sum[:12])
}

const kind = "blockchainKeys"

// Store wraps a chainstate.Store's key collection with typed
// put/get/delete operations, storing secp256k1 keys as hex-encoded raw
// key bytes.
type Store struct {
	backing chainstate.Store
}

func New(backing chainstate.Store) *Store {
	return &Store{backing: backing}
}

// Put stores privKey's serialized form under id, once, at account
// creation time.
func (s *Store) Put(chainName, address string, privKey *btcec.PrivateKey) error {
	id := KeyID(chainName, address)
	encoded := hex.EncodeToString(privKey.Serialize())
	return s.backing.UpsertKey(kind, id, encoded)
}

// Get retrieves and decodes the private key for address, for one-time
// use by the transaction builder. Callers must call Zero on the
// returned key immediately after signing.
func (s *Store) Get(chainName, address string) (*btcec.PrivateKey, error) {
	id := KeyID(chainName, address)
	encoded, ok, err := s.backing.GetKey(kind, id)
	if err != nil {
		return nil, fmt.Errorf("reading key for %s: %w", address, err)
	}
	if !ok {
		return nil, fmt.Errorf("no key stored for %s", address)
	}
	raw, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding stored key for %s: %w", address, err)
	}
	priv, _ := btcec.PrivKeyFromBytes(raw)
	return priv, nil
}

// Delete removes the key entry. The account manager calls this when an
// account is deleted, maintaining the "exactly one entry per live
// account" invariant.
func (s *Store) Delete(chainName, address string) error {
	return s.backing.DeleteKey(kind, KeyID(chainName, address))
}
