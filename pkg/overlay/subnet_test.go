package overlay

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := Config{
		Base:       net.ParseIP("10.200.0.0"),
		Prefix:     16,
		NodeBits:   8,
		SubnetBits: 8,
		BaseVNI:    4789000,
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestConfigValidateRejectsBadWidths(t *testing.T) {
	cfg := Config{Base: net.ParseIP("10.0.0.0"), Prefix: 16, NodeBits: 8, SubnetBits: 9}
	require.Error(t, cfg.Validate())
}

func TestMaxRunnersReservesIDZero(t *testing.T) {
	cfg := testConfig(t)
	require.Equal(t, 255, cfg.MaxRunners())
}

func TestRunnerSubnetDerivation(t *testing.T) {
	cfg := testConfig(t)
	subnet := cfg.RunnerSubnet(3)
	require.Equal(t, "10.200.3.0/24", subnet.String())
}

func TestRunnerGatewayIsSubnetPlusOne(t *testing.T) {
	cfg := testConfig(t)
	require.Equal(t, "10.200.3.1", cfg.RunnerGateway(3).String())
}

func TestHostIPOnRunnerSubnetIsHighestUsable(t *testing.T) {
	cfg := testConfig(t)
	require.Equal(t, "10.200.3.254", cfg.HostIPOnRunnerSubnet(3).String())
}

func TestHostGlobalIPIsBasePlusOne(t *testing.T) {
	cfg := testConfig(t)
	require.Equal(t, "10.200.0.1", cfg.HostGlobalIP().String())
}

func TestVNIOffsetsFromBase(t *testing.T) {
	cfg := testConfig(t)
	require.Equal(t, 4789005, cfg.VNI(5))
}

func TestTunnelNameRoundTrip(t *testing.T) {
	for _, id := range []int{0, 1, 35, 36, 255, 1000} {
		name := TunnelName(id)
		got, ok := ParseTunnelName(name)
		require.True(t, ok, "name %q should decode", name)
		require.Equal(t, id, got)
	}
}

func TestParseTunnelNameRejectsNonConformingNames(t *testing.T) {
	for _, name := range []string{"eth0", "vx", "vxlan3", "vxr!!"} {
		_, ok := ParseTunnelName(name)
		require.False(t, ok, "name %q should not decode", name)
	}
}
