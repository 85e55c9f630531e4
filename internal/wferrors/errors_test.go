package wferrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsMatchesKind(t *testing.T) {
	err := New(InsufficientFunds, "need 4000 have 3000")
	require.True(t, Is(err, InsufficientFunds))
	require.False(t, Is(err, NotFound))
}

func TestRetryableClassification(t *testing.T) {
	require.True(t, New(Timeout, "rpc timed out").Retryable())
	require.True(t, New(RpcTransport, "connection refused").Retryable())
	require.False(t, New(BadRequest, "bad field").Retryable())
	require.False(t, New(NotFound, "no such account").Retryable())
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := Wrap(RpcTransport, "getblockcount failed", cause)
	require.ErrorIs(t, err, cause)

	k, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, RpcTransport, k)
}

func TestKindOfOnPlainError(t *testing.T) {
	_, ok := KindOf(errors.New("not a gateway error"))
	require.False(t, ok)
}
