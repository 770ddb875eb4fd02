package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesDocumentedValues(t *testing.T) {
	cfg := Default()
	require.Equal(t, 5*time.Second, cfg.HeartbeatInterval)
	require.Equal(t, 6, cfg.HeartbeatTimeoutFactor)
	require.Equal(t, 10*time.Second, cfg.CleanupInterval)
	require.Equal(t, 30*time.Second, cfg.DispatchTimeoutCommand)
	require.Equal(t, 60*time.Second, cfg.DispatchTimeoutVPS)
	require.Equal(t, 3, cfg.SuspicionThreshold)
	require.Equal(t, 100, cfg.OverlayBaseVNI)
	require.Equal(t, 4789, cfg.OverlayPort)
	require.Equal(t, 1450, cfg.OverlayMTU)
	require.Equal(t, 300*time.Second, cfg.ReservationTTL)
	require.True(t, cfg.AuthEnabled)
}

func TestHeartbeatTimeoutIsIntervalTimesFactor(t *testing.T) {
	cfg := Default()
	require.Equal(t, 30*time.Second, cfg.HeartbeatTimeout())
}

func TestLoadWithoutPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadReadsYAMLOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "river.yaml")
	require.NoError(t, os.WriteFile(path, []byte("suspicion_threshold: 5\noverlay_enabled: false\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 5, cfg.SuspicionThreshold)
	require.False(t, cfg.OverlayEnabled)
	require.Equal(t, 5*time.Second, cfg.HeartbeatInterval, "unset fields keep their default")
}

func TestEnvOverrideWinsOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "river.yaml")
	require.NoError(t, os.WriteFile(path, []byte("suspicion_threshold: 5\n"), 0o644))

	t.Setenv("RIVER_SUSPICION_THRESHOLD", "9")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9, cfg.SuspicionThreshold)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load("/nonexistent/river.yaml")
	require.Error(t, err)
}

func TestOverlaySubnetPartsParsesDefault(t *testing.T) {
	cfg := Default()
	base, prefix, nodeBits, subnetBits, err := cfg.OverlaySubnetParts()
	require.NoError(t, err)
	require.Equal(t, "10.200.0.0", base.String())
	require.Equal(t, 16, prefix)
	require.Equal(t, 8, nodeBits)
	require.Equal(t, 8, subnetBits)
}

func TestOverlaySubnetPartsRejectsMalformedValue(t *testing.T) {
	cfg := Default()
	cfg.OverlaySubnet = "10.200.0.0/16"
	_, _, _, _, err := cfg.OverlaySubnetParts()
	require.Error(t, err)
}
