package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExecuteOpensAfterMaxFailures(t *testing.T) {
	m := NewManager(ManagerConfig{Name: "test", MaxFailures: 2, ResetTimeout: time.Hour})

	boom := errors.New("boom")
	require.ErrorIs(t, m.Execute(func() error { return boom }), boom)
	require.Equal(t, Closed, m.State())

	require.ErrorIs(t, m.Execute(func() error { return boom }), boom)
	require.Equal(t, Open, m.State())

	err := m.Execute(func() error { return nil })
	require.Error(t, err)
}

func TestExecuteHalfOpensAfterResetTimeout(t *testing.T) {
	m := NewManager(ManagerConfig{Name: "test", MaxFailures: 1, ResetTimeout: time.Millisecond, SuccessThreshold: 1})

	require.Error(t, m.Execute(func() error { return errors.New("boom") }))
	require.Equal(t, Open, m.State())

	time.Sleep(5 * time.Millisecond)

	require.True(t, m.AllowRequest())
	require.Equal(t, HalfOpen, m.State())
}

func TestRecordSuccessClosesFromHalfOpenAfterThreshold(t *testing.T) {
	m := NewManager(ManagerConfig{Name: "test", MaxFailures: 1, ResetTimeout: time.Millisecond, SuccessThreshold: 2})

	require.Error(t, m.Execute(func() error { return errors.New("boom") }))
	time.Sleep(5 * time.Millisecond)
	require.True(t, m.AllowRequest())
	require.Equal(t, HalfOpen, m.State())

	require.NoError(t, m.Execute(func() error { return nil }))
	require.Equal(t, HalfOpen, m.State())

	require.NoError(t, m.Execute(func() error { return nil }))
	require.Equal(t, Closed, m.State())
}

func TestFailureInHalfOpenReopens(t *testing.T) {
	m := NewManager(ManagerConfig{Name: "test", MaxFailures: 1, ResetTimeout: time.Millisecond})

	require.Error(t, m.Execute(func() error { return errors.New("boom") }))
	time.Sleep(5 * time.Millisecond)
	require.True(t, m.AllowRequest())
	require.Equal(t, HalfOpen, m.State())

	require.Error(t, m.Execute(func() error { return errors.New("boom again") }))
	require.Equal(t, Open, m.State())
}

func TestAllowRequestDoesNotDeadlockOrPanicAcrossStateTransition(t *testing.T) {
	m := NewManager(ManagerConfig{Name: "test", MaxFailures: 1, ResetTimeout: time.Millisecond})
	require.Error(t, m.Execute(func() error { return errors.New("boom") }))
	time.Sleep(5 * time.Millisecond)

	for i := 0; i < 5; i++ {
		m.AllowRequest()
	}
}
