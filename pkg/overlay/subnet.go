package overlay

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Config is the subnet layout declared as BASE/NETWORK_PREFIX/NODE_BITS/
// SUBNET_BITS (§4.7); the three numeric widths must sum to 32.
type Config struct {
	Base       net.IP
	Prefix     int
	NodeBits   int
	SubnetBits int
	BaseVNI    int
}

// Validate checks the three bit-widths sum to 32, matching an IPv4
// address space split into network/node/subnet-host portions.
func (c Config) Validate() error {
	if c.Prefix+c.NodeBits+c.SubnetBits != 32 {
		return fmt.Errorf("overlay config: prefix(%d) + node_bits(%d) + subnet_bits(%d) must sum to 32", c.Prefix, c.NodeBits, c.SubnetBits)
	}
	if c.Base.To4() == nil {
		return fmt.Errorf("overlay config: base must be an IPv4 address")
	}
	return nil
}

// MaxRunners is 2^NodeBits - 1; runner id 0 is reserved for the host.
func (c Config) MaxRunners() int {
	return (1 << uint(c.NodeBits)) - 1
}

func ipToUint32(ip net.IP) uint32 {
	v4 := ip.To4()
	return binary.BigEndian.Uint32(v4)
}

func uint32ToIP(v uint32) net.IP {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, v)
	return ip
}

// RunnerSubnet returns the /SUBNET_BITS-complement subnet owned by
// runnerID: base + (runnerID << SubnetBits).
func (c Config) RunnerSubnet(runnerID int) *net.IPNet {
	base := ipToUint32(c.Base)
	subnetAddr := base + uint32(runnerID)<<uint(c.SubnetBits)
	mask := net.CIDRMask(32-c.SubnetBits, 32)
	return &net.IPNet{IP: uint32ToIP(subnetAddr), Mask: mask}
}

// RunnerGateway is the first address in the runner's subnet.
func (c Config) RunnerGateway(runnerID int) net.IP {
	subnet := c.RunnerSubnet(runnerID)
	return uint32ToIP(ipToUint32(subnet.IP) + 1)
}

// HostIPOnRunnerSubnet is the host's address within a given runner's
// subnet: subnet + (2^SubnetBits - 2), the highest usable host address.
func (c Config) HostIPOnRunnerSubnet(runnerID int) net.IP {
	subnet := c.RunnerSubnet(runnerID)
	offset := uint32(1<<uint(c.SubnetBits)) - 2
	return uint32ToIP(ipToUint32(subnet.IP) + offset)
}

// HostGlobalIP is base + 1, the host's address on the overlay as a whole.
func (c Config) HostGlobalIP() net.IP {
	return uint32ToIP(ipToUint32(c.Base) + 1)
}

// VNI returns the VXLAN network identifier assigned to runnerID.
func (c Config) VNI(runnerID int) int {
	return c.BaseVNI + runnerID
}

// tunnelAlphabet is used to base36-encode a runner id into a
// deterministic, DNS/iface-safe tunnel endpoint name.
const tunnelAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// TunnelName deterministically derives a per-runner tunnel interface
// name from its id: a fixed "vxr" prefix followed by the base36
// encoding of the id.
func TunnelName(runnerID int) string {
	if runnerID == 0 {
		return "vxr0"
	}
	n := runnerID
	var digits []byte
	for n > 0 {
		digits = append([]byte{tunnelAlphabet[n%36]}, digits...)
		n /= 36
	}
	return "vxr" + string(digits)
}

// ParseTunnelName is the inverse of TunnelName: it decodes a tunnel
// interface name back into a runner id, or reports ok=false if name
// does not conform to the "vxr"+base36 pattern (§4.7 restart recovery).
func ParseTunnelName(name string) (runnerID int, ok bool) {
	const prefix = "vxr"
	if len(name) <= len(prefix) || name[:len(prefix)] != prefix {
		return 0, false
	}
	suffix := name[len(prefix):]
	n := 0
	for _, ch := range suffix {
		idx := -1
		for i, a := range tunnelAlphabet {
			if a == ch {
				idx = i
				break
			}
		}
		if idx < 0 {
			return 0, false
		}
		n = n*36 + idx
	}
	return n, true
}
