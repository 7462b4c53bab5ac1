package node

import (
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"glc-node/database"
	"glc-node/pkg/wire"
)

// maxKnownAddresses bounds the address pool.
const maxKnownAddresses = 4096

// knownAddress is a gossiped endpoint with its freshness.
type knownAddress struct {
	na       wire.NetAddress
	lastSeen time.Time
}

// AddrManager keeps the deduplicated pool of known peer addresses and
// samples it for outbound attempts. It persists through the shared store
// so a restart does not depend on seeds.
type AddrManager struct {
	mtx   sync.RWMutex
	store database.Store
	addrs map[string]*knownAddress
}

func NewAddrManager(store database.Store) *AddrManager {
	am := &AddrManager{
		store: store,
		addrs: make(map[string]*knownAddress),
	}
	_ = store.IteratePeerAddrs(func(key, raw []byte) error {
		var na wire.NetAddress
		if err := wire.Deserialize(raw, &na); err != nil {
			return nil // skip corrupt rows
		}
		am.addrs[string(key)] = &knownAddress{
			na:       na,
			lastSeen: time.Unix(int64(na.Timestamp), 0),
		}
		return nil
	})
	return am
}

// Add records a routable address, refreshing last-seen on duplicates.
func (am *AddrManager) Add(na wire.NetAddress) {
	if !na.Routable() {
		return
	}

	am.mtx.Lock()
	defer am.mtx.Unlock()

	key := na.Addr()
	if existing, ok := am.addrs[key]; ok {
		if na.Timestamp > existing.na.Timestamp {
			existing.na.Timestamp = na.Timestamp
			existing.lastSeen = time.Unix(int64(na.Timestamp), 0)
		}
		return
	}

	if len(am.addrs) >= maxKnownAddresses {
		am.evictOldest()
	}
	am.addrs[key] = &knownAddress{na: na, lastSeen: time.Unix(int64(na.Timestamp), 0)}

	raw, _ := wire.Serialize(&na)
	_ = am.store.PutPeerAddr([]byte(key), raw)
}

// AddString parses host:port and records it stamped now.
func (am *AddrManager) AddString(addr string) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return
	}
	ips, err := net.LookupIP(host)
	if err != nil || len(ips) == 0 {
		return
	}
	am.Add(wire.NewNetAddress(ips[0], uint16(port), uint32(time.Now().Unix())))
}

// Good refreshes an address after a successful handshake.
func (am *AddrManager) Good(addr string) {
	am.mtx.Lock()
	defer am.mtx.Unlock()
	if ka, ok := am.addrs[addr]; ok {
		ka.lastSeen = time.Now()
		ka.na.Timestamp = uint32(time.Now().Unix())
	}
}

func (am *AddrManager) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for key, ka := range am.addrs {
		if oldestKey == "" || ka.lastSeen.Before(oldest) {
			oldestKey, oldest = key, ka.lastSeen
		}
	}
	if oldestKey != "" {
		delete(am.addrs, oldestKey)
	}
}

// Sample returns up to n distinct addresses drawn uniformly, skipping any
// in the exclude set.
func (am *AddrManager) Sample(n int, exclude map[string]struct{}) []string {
	am.mtx.RLock()
	defer am.mtx.RUnlock()

	candidates := make([]string, 0, len(am.addrs))
	for key := range am.addrs {
		if _, skip := exclude[key]; !skip {
			candidates = append(candidates, key)
		}
	}
	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates
}

// Addresses returns up to max gossip-able addresses.
func (am *AddrManager) Addresses(max int) []wire.NetAddress {
	am.mtx.RLock()
	defer am.mtx.RUnlock()

	out := make([]wire.NetAddress, 0, max)
	for _, ka := range am.addrs {
		out = append(out, ka.na)
		if len(out) == max {
			break
		}
	}
	return out
}

func (am *AddrManager) Count() int {
	am.mtx.RLock()
	defer am.mtx.RUnlock()
	return len(am.addrs)
}
