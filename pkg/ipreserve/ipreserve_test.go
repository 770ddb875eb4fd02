package ipreserve

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testSubnet(t *testing.T) (*net.IPNet, net.IP) {
	t.Helper()
	_, subnet, err := net.ParseCIDR("10.77.3.0/29")
	require.NoError(t, err)
	gw := net.ParseIP("10.77.3.1")
	return subnet, gw
}

func TestReserveAndValidateRoundTrip(t *testing.T) {
	secret, err := GenerateSecret()
	require.NoError(t, err)
	m := New(secret, nil)

	subnet, gw := testSubnet(t)
	token, err := m.Reserve(subnet, gw, gw, 7, time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	ip, runnerID, err := m.Validate(token)
	require.NoError(t, err)
	require.Equal(t, 7, runnerID)
	require.True(t, subnet.Contains(net.ParseIP(ip)))
	require.NotEqual(t, gw.String(), ip)
}

func TestValidateRejectsTamperedToken(t *testing.T) {
	secret, err := GenerateSecret()
	require.NoError(t, err)
	m := New(secret, nil)

	subnet, gw := testSubnet(t)
	token, err := m.Reserve(subnet, gw, gw, 1, time.Minute)
	require.NoError(t, err)

	tampered := token[:len(token)-4] + "AAAA"
	_, _, err = m.Validate(tampered)
	require.Error(t, err)
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	secret, err := GenerateSecret()
	require.NoError(t, err)
	m := New(secret, nil)

	subnet, gw := testSubnet(t)
	token, err := m.Reserve(subnet, gw, gw, 1, -time.Second)
	require.NoError(t, err)

	_, _, err = m.Validate(token)
	require.Error(t, err)
}

func TestValidateRejectsReleasedReservation(t *testing.T) {
	secret, err := GenerateSecret()
	require.NoError(t, err)
	m := New(secret, nil)

	subnet, gw := testSubnet(t)
	token, err := m.Reserve(subnet, gw, gw, 1, time.Minute)
	require.NoError(t, err)

	m.Release(token)

	_, _, err = m.Validate(token)
	require.Error(t, err)
}

func TestReserveSkipsGatewayAndRunnerAddress(t *testing.T) {
	secret, err := GenerateSecret()
	require.NoError(t, err)
	m := New(secret, nil)

	subnet, gw := testSubnet(t)
	runnerAddr := net.ParseIP("10.77.3.2")

	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		token, err := m.Reserve(subnet, gw, runnerAddr, 1, time.Minute)
		require.NoError(t, err)
		ip, _, err := m.Validate(token)
		require.NoError(t, err)
		require.NotEqual(t, gw.String(), ip)
		require.NotEqual(t, runnerAddr.String(), ip)
		seen[ip] = true
	}
	require.Len(t, seen, 3, "distinct reservations get distinct addresses")
}

func TestSweepExpiresStaleReservations(t *testing.T) {
	secret, err := GenerateSecret()
	require.NoError(t, err)
	m := New(secret, nil)

	subnet, gw := testSubnet(t)
	_, err = m.Reserve(subnet, gw, gw, 1, -time.Second)
	require.NoError(t, err)

	m.sweep()

	m.mu.Lock()
	defer m.mu.Unlock()
	require.Empty(t, m.reservations)
}
