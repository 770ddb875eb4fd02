// Package overlay is the Overlay Allocator (§4.7): it assigns each
// runner a private /SUBNET_BITS subnet out of a shared hub-spoke VXLAN
// address space, brings up the host-side tunnel endpoint for that
// runner, and reclaims the LRU allocation when the pool is full.
package overlay

import (
	"fmt"
	"net"
	"os/exec"
	"sync"
	"time"

	"github.com/riverd/river/pkg/log"
	"github.com/riverd/river/pkg/metrics"
	"github.com/riverd/river/pkg/store"
	"github.com/riverd/river/pkg/types"
	"github.com/rs/zerolog"
	"github.com/vishvananda/netlink"
)

// tunnelBackend creates and tears down the host-side kernel interface
// for an overlay allocation. The production implementation drives
// vishvananda/netlink directly; tests substitute a fake so the
// allocation bookkeeping can be exercised without CAP_NET_ADMIN.
type tunnelBackend interface {
	BringUp(alloc *types.OverlayAllocation) error
	TearDown(alloc *types.OverlayAllocation) error
}

// Allocator manages the host side of the overlay: one lock serialises
// every allocation, release, and kernel interface mutation (§5).
type Allocator struct {
	cfg     Config
	store   *store.RaftStore
	logger  zerolog.Logger
	tunnels tunnelBackend

	mu          sync.Mutex
	byHostname  map[string]int // hostname -> runner id
	byPhysIP    map[string]int // physical ip -> runner id
	allocations map[int]*types.OverlayAllocation
}

// New builds an Allocator bound to cfg and the durable store used to
// persist allocations across restarts.
func New(cfg Config, st *store.RaftStore) (*Allocator, error) {
	return newAllocator(cfg, st, netlinkBackend{cfg: cfg})
}

func newAllocator(cfg Config, st *store.RaftStore, tunnels tunnelBackend) (*Allocator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Allocator{
		cfg:         cfg,
		store:       st,
		logger:      log.WithComponent("overlay"),
		tunnels:     tunnels,
		byHostname:  make(map[string]int),
		byPhysIP:    make(map[string]int),
		allocations: make(map[int]*types.OverlayAllocation),
	}, nil
}

// Allocate assigns hostname/physIP an overlay runner id, reusing a
// prior allocation for either key if one exists, evicting the LRU
// inactive allocation if the pool is full, and bringing up the
// host-side tunnel endpoint for a fresh assignment.
func (a *Allocator) Allocate(hostname string, physIP net.IP) (*types.OverlayAllocation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if id, ok := a.byHostname[hostname]; ok {
		alloc := a.allocations[id]
		alloc.LastActiveAt = time.Now()
		return alloc, a.persistLocked(alloc)
	}
	if id, ok := a.byPhysIP[physIP.String()]; ok {
		alloc := a.allocations[id]
		alloc.RunnerPhysIP = physIP
		alloc.LastActiveAt = time.Now()
		a.byHostname[hostname] = id
		return alloc, a.persistLocked(alloc)
	}

	id, err := a.nextFreeIDLocked()
	if err != nil {
		evicted, evictErr := a.evictLRULocked()
		if evictErr != nil {
			return nil, fmt.Errorf("overlay pool full and nothing to evict: %w", err)
		}
		id = evicted
	}

	subnet := a.cfg.RunnerSubnet(id)
	alloc := &types.OverlayAllocation{
		RunnerID:     id,
		Subnet:       subnet.String(),
		Gateway:      a.cfg.RunnerGateway(id),
		VNI:          a.cfg.VNI(id),
		TunnelName:   TunnelName(id),
		RunnerPhysIP: physIP,
		LastActiveAt: time.Now(),
	}

	if err := a.tunnels.BringUp(alloc); err != nil {
		return nil, fmt.Errorf("bring up tunnel for runner %d: %w", id, err)
	}

	a.allocations[id] = alloc
	a.byHostname[hostname] = id
	a.byPhysIP[physIP.String()] = id
	metrics.OverlayAllocationsActive.Inc()

	return alloc, a.persistLocked(alloc)
}

func (a *Allocator) nextFreeIDLocked() (int, error) {
	for id := 1; id <= a.cfg.MaxRunners(); id++ {
		if _, taken := a.allocations[id]; !taken {
			return id, nil
		}
	}
	return 0, fmt.Errorf("no free runner id (max %d)", a.cfg.MaxRunners())
}

// evictLRULocked tears down and reclaims the allocation with the
// oldest LastActiveAt, returning its id for reuse.
func (a *Allocator) evictLRULocked() (int, error) {
	var lruID int
	var lruTime time.Time
	first := true
	for id, alloc := range a.allocations {
		if first || alloc.LastActiveAt.Before(lruTime) {
			lruID, lruTime = id, alloc.LastActiveAt
			first = false
		}
	}
	if first {
		return 0, fmt.Errorf("no allocations to evict")
	}

	if err := a.tunnels.TearDown(a.allocations[lruID]); err != nil {
		a.logger.Warn().Int("runner_id", lruID).Err(err).Msg("failed to tear down evicted tunnel cleanly")
	}
	a.removeLocked(lruID)
	metrics.OverlayReclaimedTotal.Inc()
	a.logger.Info().Int("runner_id", lruID).Msg("reclaimed LRU overlay allocation")
	return lruID, nil
}

func (a *Allocator) removeLocked(id int) {
	alloc, ok := a.allocations[id]
	if !ok {
		return
	}
	for host, hid := range a.byHostname {
		if hid == id {
			delete(a.byHostname, host)
		}
	}
	delete(a.byPhysIP, alloc.RunnerPhysIP.String())
	delete(a.allocations, id)
	if a.store != nil {
		_ = a.store.DeleteOverlayAllocation(id)
	}
}

func (a *Allocator) persistLocked(alloc *types.OverlayAllocation) error {
	if a.store == nil {
		return nil
	}
	if err := a.store.PutOverlayAllocation(alloc); err != nil {
		return fmt.Errorf("persist overlay allocation for runner %d: %w", alloc.RunnerID, err)
	}
	return nil
}

// netlinkBackend is the production tunnelBackend: it creates the
// host-side VXLAN endpoint for an allocation, gives it the host's
// address on the runner's subnet, and installs a route plus forwarding
// permits for the runner's subnet.
type netlinkBackend struct {
	cfg Config
}

func (b netlinkBackend) BringUp(alloc *types.OverlayAllocation) error {
	link := &netlink.Vxlan{
		LinkAttrs: netlink.LinkAttrs{Name: alloc.TunnelName},
		VxlanId:   alloc.VNI,
		Port:      4789,
		Group:     alloc.RunnerPhysIP,
	}
	if err := netlink.LinkAdd(link); err != nil {
		return fmt.Errorf("create vxlan link %s: %w", alloc.TunnelName, err)
	}

	hostIP := b.cfg.HostIPOnRunnerSubnet(alloc.RunnerID)
	_, subnet, err := net.ParseCIDR(alloc.Subnet)
	if err != nil {
		return fmt.Errorf("parse subnet %s: %w", alloc.Subnet, err)
	}
	addr := &netlink.Addr{IPNet: &net.IPNet{IP: hostIP, Mask: subnet.Mask}}
	if err := netlink.AddrAdd(link, addr); err != nil {
		return fmt.Errorf("assign %s to %s: %w", hostIP, alloc.TunnelName, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("bring up %s: %w", alloc.TunnelName, err)
	}

	route := &netlink.Route{LinkIndex: link.Attrs().Index, Dst: subnet}
	if err := netlink.RouteAdd(route); err != nil {
		return fmt.Errorf("add route for %s via %s: %w", subnet, alloc.TunnelName, err)
	}

	return allowForwarding(subnet.String())
}

func (b netlinkBackend) TearDown(alloc *types.OverlayAllocation) error {
	link, err := netlink.LinkByName(alloc.TunnelName)
	if err != nil {
		return nil // already gone, nothing to clean up
	}
	return netlink.LinkDel(link)
}

// Rehydrate enumerates existing tunnel endpoints matching the
// TunnelName pattern and rebuilds placeholder allocations for the ones
// whose name decodes to a runner id with a VNI consistent with that
// id; non-conforming endpoints are deleted (§4.7 restart recovery).
// Running workloads keep connectivity because the kernel interface
// itself survives the Host process restart.
func (a *Allocator) Rehydrate(links []netlink.Link) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, link := range links {
		vxlan, ok := link.(*netlink.Vxlan)
		if !ok {
			continue
		}
		id, ok := ParseTunnelName(vxlan.Name)
		if !ok {
			a.logger.Warn().Str("iface", vxlan.Name).Msg("deleting non-conforming overlay interface")
			_ = netlink.LinkDel(link)
			continue
		}
		if vxlan.VxlanId != a.cfg.VNI(id) {
			a.logger.Warn().Str("iface", vxlan.Name).Int("vni", vxlan.VxlanId).Msg("deleting overlay interface with inconsistent vni")
			_ = netlink.LinkDel(link)
			continue
		}

		subnet := a.cfg.RunnerSubnet(id)
		alloc := &types.OverlayAllocation{
			RunnerID:     id,
			Subnet:       subnet.String(),
			Gateway:      a.cfg.RunnerGateway(id),
			VNI:          vxlan.VxlanId,
			TunnelName:   vxlan.Name,
			RunnerPhysIP: vxlan.Group,
			LastActiveAt: time.Now(),
		}
		a.allocations[id] = alloc
		a.byPhysIP[vxlan.Group.String()] = id
		metrics.OverlayAllocationsActive.Inc()
	}
	return nil
}

// allowForwarding installs FORWARD-chain permits for traffic in and
// out of cidr, with per-rule rollback discipline: a per-runner overlay
// permit pair rather than a single rule, so a partial failure can be
// unwound rule by rule.
func allowForwarding(cidr string) error {
	in := []string{"-A", "FORWARD", "-d", cidr, "-j", "ACCEPT"}
	out := []string{"-A", "FORWARD", "-s", cidr, "-j", "ACCEPT"}
	if err := runIPTables(in); err != nil {
		return fmt.Errorf("add forward-in rule for %s: %w", cidr, err)
	}
	if err := runIPTables(out); err != nil {
		_ = runIPTables([]string{"-D", "FORWARD", "-d", cidr, "-j", "ACCEPT"})
		return fmt.Errorf("add forward-out rule for %s: %w", cidr, err)
	}
	return nil
}

func runIPTables(args []string) error {
	cmd := exec.Command("iptables", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("iptables failed: %w (output: %s)", err, string(output))
	}
	return nil
}
