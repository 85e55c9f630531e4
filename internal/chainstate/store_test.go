package chainstate

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetChainCreatesEmptyRecord(t *testing.T) {
	s := NewMemoryStore()
	cs, err := s.GetChain("bitcoin-main")
	require.NoError(t, err)
	require.Equal(t, "bitcoin-main", cs.Parameters.Chain)
	require.Empty(t, cs.Accounts)
}

func TestSaveChainIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	cs, _ := s.GetChain("bitcoin-main")
	cs.Status.CurrentBlock = 100
	require.NoError(t, s.SaveChain("bitcoin-main", cs))
	require.NoError(t, s.SaveChain("bitcoin-main", cs))

	got, _ := s.GetChain("bitcoin-main")
	require.EqualValues(t, 100, got.Status.CurrentBlock)
}

func TestQueueUpsertAndRemove(t *testing.T) {
	s := NewMemoryStore()
	rec := ConfirmationRecord{TransactionHash: "abc", BlockNumber: 10}
	require.NoError(t, s.UpsertQueue("bitcoin-main", rec))

	rec.BlockDepth = 3
	require.NoError(t, s.UpsertQueue("bitcoin-main", rec))

	q, err := s.GetQueue("bitcoin-main")
	require.NoError(t, err)
	require.Len(t, q, 1)
	require.Equal(t, 3, q[0].BlockDepth)

	require.NoError(t, s.RemoveQueue("bitcoin-main", "abc"))
	q, _ = s.GetQueue("bitcoin-main")
	require.Empty(t, q)
}

func TestKeyLifecycle(t *testing.T) {
	s := NewMemoryStore()
	_, ok, err := s.GetKey("blockchainKeys", "deadbeef")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.UpsertKey("blockchainKeys", "deadbeef", "wif-encoded-key"))
	v, ok, err := s.GetKey("blockchainKeys", "deadbeef")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "wif-encoded-key", v)

	require.NoError(t, s.DeleteKey("blockchainKeys", "deadbeef"))
	_, ok, _ = s.GetKey("blockchainKeys", "deadbeef")
	require.False(t, ok)
}

func TestCanAdvanceNeverGoesBackward(t *testing.T) {
	require.True(t, CanAdvance(Unspent, NeedsVerification))
	require.True(t, CanAdvance(NeedsVerification, SpentVerified))
	require.True(t, CanAdvance(Unspent, Unspent))
	require.False(t, CanAdvance(SpentVerified, Unspent))
	require.False(t, CanAdvance(NeedsVerification, Unspent))
}
