package keystore

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"

	"github.com/whiteflagprotocol/whiteflag-api-core/internal/chainstate"
)

func TestKeyIDIsStableAndDistinct(t *testing.T) {
	a := KeyID("bitcoin-main", "mAddrX")
	b := KeyID("bitcoin-main", "mAddrX")
	c := KeyID("bitcoin-main", "mAddrY")
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
	require.Len(t, a, 24) // 12 bytes hex-encoded
}

func TestPutGetRoundTrip(t *testing.T) {
	backing := chainstate.NewMemoryStore()
	store := New(backing)

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	require.NoError(t, store.Put("bitcoin-main", "mAddrX", priv))

	got, err := store.Get("bitcoin-main", "mAddrX")
	require.NoError(t, err)
	require.Equal(t, priv.Serialize(), got.Serialize())
}

func TestGetMissingKeyFails(t *testing.T) {
	store := New(chainstate.NewMemoryStore())
	_, err := store.Get("bitcoin-main", "nope")
	require.Error(t, err)
}

func TestDeleteRemovesKey(t *testing.T) {
	backing := chainstate.NewMemoryStore()
	store := New(backing)
	priv, _ := btcec.NewPrivateKey()
	require.NoError(t, store.Put("bitcoin-main", "mAddrX", priv))
	require.NoError(t, store.Delete("bitcoin-main", "mAddrX"))

	_, err := store.Get("bitcoin-main", "mAddrX")
	require.Error(t, err)
}
