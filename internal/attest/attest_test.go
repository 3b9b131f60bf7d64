package attest

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSoftwareProviderQuoteIncrementsCounter(t *testing.T) {
	p := NewSoftwareProvider([]byte("device-seed"))

	a1, err := p.Quote([]byte("hello"))
	require.NoError(t, err)
	a2, err := p.Quote([]byte("hello"))
	require.NoError(t, err)

	require.Equal(t, uint64(1), a1.MonotonicCounter)
	require.Equal(t, uint64(2), a2.MonotonicCounter)
	require.Equal(t, a1.DeviceID, a2.DeviceID)
}

func TestSoftwareProviderDeviceIDDeterministic(t *testing.T) {
	p1 := NewSoftwareProvider([]byte("seed-a"))
	p2 := NewSoftwareProvider([]byte("seed-a"))
	id1, err := p1.DeviceID()
	require.NoError(t, err)
	id2, err := p2.DeviceID()
	require.NoError(t, err)
	require.Equal(t, id1, id2)
}

func TestNoOpProviderAlwaysFailsClosed(t *testing.T) {
	var p NoOpProvider
	require.False(t, p.Available())
	_, err := p.Quote([]byte("x"))
	require.Error(t, err)
	_, err = p.DeviceID()
	require.Error(t, err)
}

func TestGetClockReportsSafe(t *testing.T) {
	p := NewSoftwareProvider([]byte("seed"))
	clk, err := p.GetClock()
	require.NoError(t, err)
	require.True(t, clk.Safe)
}
