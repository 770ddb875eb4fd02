package containerrt

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/riverd/river/pkg/types"
)

func TestContainerIDIsStableForTaskID(t *testing.T) {
	require.Equal(t, "river-task-42", ContainerID(42))
	require.Equal(t, ContainerID(42), ContainerID(42))
	require.NotEqual(t, ContainerID(42), ContainerID(43))
}

func TestCPULimitToCgroupScalesWithCores(t *testing.T) {
	shares, quota, period := cpuLimitToCgroup(2)
	require.Equal(t, uint64(2048), shares)
	require.Equal(t, int64(200000), quota)
	require.Equal(t, uint64(100000), period)

	shares, quota, period = cpuLimitToCgroup(0)
	require.Zero(t, shares)
	require.Zero(t, quota)
	require.Zero(t, period)
}

func TestBuildMountsComposesSecretsDeclaredAndResolv(t *testing.T) {
	task := &types.Task{
		Mounts: []types.BindMount{
			{Source: "/data/a", Target: "/mnt/a", ReadOnly: true},
			{Source: "/data/b", Target: "/mnt/b"},
		},
	}

	mounts := buildMounts(task, "/run/river/secrets/1", "/etc/river/resolv.conf")
	require.Len(t, mounts, 4)

	require.Equal(t, "/run/secrets", mounts[0].Destination)
	require.Contains(t, mounts[0].Options, "ro")

	require.Equal(t, "/mnt/a", mounts[1].Destination)
	require.Contains(t, mounts[1].Options, "ro")

	require.Equal(t, "/mnt/b", mounts[2].Destination)
	require.Contains(t, mounts[2].Options, "rw")

	require.Equal(t, "/etc/resolv.conf", mounts[3].Destination)
}

func TestBuildMountsOmitsOptionalEntriesWhenEmpty(t *testing.T) {
	mounts := buildMounts(&types.Task{}, "", "")
	require.Empty(t, mounts)
}

func TestEnvSliceRendersKeyEqualsValue(t *testing.T) {
	out := envSlice(types.EnvMap{"FOO": "bar"})
	require.Equal(t, []string{"FOO=bar"}, out)
}
