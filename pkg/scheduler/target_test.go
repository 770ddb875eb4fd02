package scheduler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseTargetBareNode(t *testing.T) {
	target, err := ParseTarget("node-a")
	require.NoError(t, err)
	require.Equal(t, "node-a", target.Node)
	require.Nil(t, target.NumaID)
	require.Empty(t, target.GPUs)
}

func TestParseTargetWithNuma(t *testing.T) {
	target, err := ParseTarget("node-a:1")
	require.NoError(t, err)
	require.Equal(t, "node-a", target.Node)
	require.NotNil(t, target.NumaID)
	require.Equal(t, 1, *target.NumaID)
}

func TestParseTargetWithGPUs(t *testing.T) {
	target, err := ParseTarget("node-a::0,1")
	require.NoError(t, err)
	require.Equal(t, "node-a", target.Node)
	require.Nil(t, target.NumaID)
	require.Equal(t, []int{0, 1}, target.GPUs)
}

func TestParseTargetWithNumaAndGPUs(t *testing.T) {
	target, err := ParseTarget("node-a:0::2")
	require.NoError(t, err)
	require.Equal(t, "node-a", target.Node)
	require.Equal(t, 0, *target.NumaID)
	require.Equal(t, []int{2}, target.GPUs)
}

func TestParseTargetEmpty(t *testing.T) {
	target, err := ParseTarget("")
	require.NoError(t, err)
	require.Equal(t, Target{}, target)
}

func TestParseTargetInvalidNuma(t *testing.T) {
	_, err := ParseTarget("node-a:x")
	require.Error(t, err)
}
