package lottery

import (
	"net"
	"sync"
)

// Subnet density thresholds: a /24 holding more than expandThreshold peers
// is judged at /20, and more than blockThreshold at /16.
const (
	expandThreshold = 3
	blockThreshold  = 10

	// MaxNodesPerSubnet caps new-entrant participants per subnet class.
	MaxNodesPerSubnet = 2

	// veteranAgeFactor: stake age at least this many maturities bypasses
	// the cap.
	veteranAgeFactor = 10
)

// SubnetClass is the prefix length a peer is judged under.
type SubnetClass int

const (
	ClassC  SubnetClass = 24
	Class20 SubnetClass = 20
	Class16 SubnetClass = 16
)

// ClusterDetector watches participant node addresses and throttles
// new-entrant stakes from dense subnets. Veterans always pass.
type ClusterDetector struct {
	mtx   sync.RWMutex
	nodes map[string]net.IP
}

func NewClusterDetector() *ClusterDetector {
	return &ClusterDetector{nodes: make(map[string]net.IP)}
}

func (d *ClusterDetector) AddNode(addr string, ip net.IP) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.nodes[addr] = ip
}

func (d *ClusterDetector) RemoveNode(addr string) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	delete(d.nodes, addr)
}

func subnetKey(ip net.IP, bits SubnetClass) string {
	v4 := ip.To4()
	if v4 == nil {
		// Judge IPv6 at /48 regardless of class.
		masked := ip.Mask(net.CIDRMask(48, 128))
		return masked.String()
	}
	masked := v4.Mask(net.CIDRMask(int(bits), 32))
	return masked.String()
}

func (d *ClusterDetector) countInSubnet(ip net.IP, bits SubnetClass) int {
	key := subnetKey(ip, bits)
	n := 0
	for _, other := range d.nodes {
		if subnetKey(other, bits) == key {
			n++
		}
	}
	return n
}

// Classify returns the subnet class the address is judged under and the
// peer count inside it. Density in the default /24 escalates scrutiny to
// broader prefixes.
func (d *ClusterDetector) Classify(ip net.IP) (SubnetClass, int) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()

	inC := d.countInSubnet(ip, ClassC)
	switch {
	case inC > blockThreshold:
		return Class16, d.countInSubnet(ip, Class16)
	case inC > expandThreshold:
		return Class20, d.countInSubnet(ip, Class20)
	default:
		return ClassC, inC
	}
}

// AllowNewEntrant decides whether a new participant from ip may register.
// stakeAge and maturity apply the veteran bypass.
func (d *ClusterDetector) AllowNewEntrant(ip net.IP, stakeAge, maturity int64) bool {
	if maturity > 0 && stakeAge >= veteranAgeFactor*maturity {
		return true
	}
	_, count := d.Classify(ip)
	return count < MaxNodesPerSubnet
}
