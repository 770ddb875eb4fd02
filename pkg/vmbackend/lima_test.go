package vmbackend

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/riverd/river/pkg/types"
)

func TestInstanceNameIsStableForTaskID(t *testing.T) {
	require.Equal(t, "river-vps-7", InstanceName(7))
	require.Equal(t, InstanceName(7), InstanceName(7))
	require.NotEqual(t, InstanceName(7), InstanceName(8))
}

func TestLimaConfigUsesTaskResourceRequest(t *testing.T) {
	b := New(t.TempDir(), zerolog.Nop())
	mem := int64(4 << 30)
	task := &types.Task{
		ID:          9,
		VMBaseImage: "https://example.invalid/custom.iso",
		VMDiskBytes: 30 << 30,
		Resources:   types.ResourceRequest{Cores: 4, MemoryBytes: &mem},
	}

	cfg := b.limaConfig(task)
	require.NotNil(t, cfg.CPUs)
	require.Equal(t, 4, *cfg.CPUs)
	require.Equal(t, "4294967296B", *cfg.Memory)
	require.Equal(t, "32212254720B", *cfg.Disk)
	require.Len(t, cfg.Images, 1)
	require.Equal(t, "https://example.invalid/custom.iso", cfg.Images[0].File.Location)
}

func TestLimaConfigFallsBackToDefaultsWhenUnset(t *testing.T) {
	b := New(t.TempDir(), zerolog.Nop())
	cfg := b.limaConfig(&types.Task{ID: 1})

	require.NotNil(t, cfg.CPUs)
	require.Equal(t, defaultCPUs, *cfg.CPUs)
	require.Equal(t, defaultMemory, *cfg.Memory)
	require.Equal(t, defaultDisk, *cfg.Disk)
	require.NotEmpty(t, cfg.Images[0].File.Location)
}

func TestLimaConfigSetsSSHLocalPortWhenTaskRequestsOne(t *testing.T) {
	b := New(t.TempDir(), zerolog.Nop())
	port := 2222
	cfg := b.limaConfig(&types.Task{ID: 2, SSHPort: &port})

	require.NotNil(t, cfg.SSH.LocalPort)
	require.Equal(t, 2222, *cfg.SSH.LocalPort)
}
