package overlay

import (
	"net"
	"os"
	"testing"
	"time"

	"github.com/riverd/river/pkg/store"
	"github.com/riverd/river/pkg/types"
	"github.com/stretchr/testify/require"
)

type fakeTunnels struct {
	up   int
	down int
}

func (f *fakeTunnels) BringUp(alloc *types.OverlayAllocation) error { f.up++; return nil }
func (f *fakeTunnels) TearDown(alloc *types.OverlayAllocation) error {
	f.down++
	return nil
}

func smallConfig(t *testing.T) Config {
	t.Helper()
	cfg := Config{
		Base:       net.ParseIP("10.200.0.0"),
		Prefix:     28,
		NodeBits:   2,
		SubnetBits: 2,
		BaseVNI:    100,
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func newTestAllocator(t *testing.T, cfg Config) (*Allocator, *fakeTunnels) {
	t.Helper()
	fake := &fakeTunnels{}
	a, err := newAllocator(cfg, nil, fake)
	require.NoError(t, err)
	return a, fake
}

func TestAllocateAssignsLowestFreeID(t *testing.T) {
	a, _ := newTestAllocator(t, smallConfig(t))

	alloc, err := a.Allocate("node-a", net.ParseIP("192.168.1.1"))
	require.NoError(t, err)
	require.Equal(t, 1, alloc.RunnerID)

	alloc2, err := a.Allocate("node-b", net.ParseIP("192.168.1.2"))
	require.NoError(t, err)
	require.Equal(t, 2, alloc2.RunnerID)
}

func TestAllocateReusesExistingHostnameAllocation(t *testing.T) {
	a, fake := newTestAllocator(t, smallConfig(t))

	first, err := a.Allocate("node-a", net.ParseIP("192.168.1.1"))
	require.NoError(t, err)

	second, err := a.Allocate("node-a", net.ParseIP("192.168.1.1"))
	require.NoError(t, err)

	require.Equal(t, first.RunnerID, second.RunnerID)
	require.Equal(t, 1, fake.up, "no new tunnel is created on reuse")
}

func TestAllocateReusesExistingPhysIPAllocation(t *testing.T) {
	a, _ := newTestAllocator(t, smallConfig(t))

	first, err := a.Allocate("node-a", net.ParseIP("192.168.1.1"))
	require.NoError(t, err)

	second, err := a.Allocate("node-a-rejoined", net.ParseIP("192.168.1.1"))
	require.NoError(t, err)

	require.Equal(t, first.RunnerID, second.RunnerID)
}

func TestAllocateEvictsLRUWhenPoolFull(t *testing.T) {
	a, fake := newTestAllocator(t, smallConfig(t)) // max runners = 3

	for i := 0; i < 3; i++ {
		_, err := a.Allocate(
			"node-"+string(rune('a'+i)),
			net.ParseIP("192.168.1."+string(rune('1'+i))),
		)
		require.NoError(t, err)
	}
	require.Len(t, a.allocations, 3)

	// touch node-b and node-c so node-a becomes the LRU.
	time.Sleep(2 * time.Millisecond)
	_, err := a.Allocate("node-b", net.ParseIP("192.168.1.2"))
	require.NoError(t, err)
	_, err = a.Allocate("node-c", net.ParseIP("192.168.1.3"))
	require.NoError(t, err)

	newAlloc, err := a.Allocate("node-d", net.ParseIP("192.168.1.4"))
	require.NoError(t, err)
	require.Len(t, a.allocations, 3, "pool stays at max size after eviction")
	require.Equal(t, 1, fake.down, "the LRU allocation's tunnel was torn down")
	_, stillThere := a.byHostname["node-a"]
	require.False(t, stillThere, "evicted hostname no longer resolves")
	require.NotNil(t, newAlloc)
}

func TestAllocatePersistsToStore(t *testing.T) {
	dir, err := os.MkdirTemp("", "river-overlay-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	st, err := store.Open(store.RaftConfig{NodeID: "test", BindAddr: "127.0.0.1:0", DataDir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.Eventually(t, st.IsLeader, 5*time.Second, 10*time.Millisecond)

	a, err := newAllocator(smallConfig(t), st, &fakeTunnels{})
	require.NoError(t, err)

	alloc, err := a.Allocate("node-a", net.ParseIP("192.168.1.1"))
	require.NoError(t, err)

	got, err := st.GetOverlayAllocation(alloc.RunnerID)
	require.NoError(t, err)
	require.Equal(t, alloc.Subnet, got.Subnet)
}
