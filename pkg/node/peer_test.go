package node

import (
	"net"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"glc-node/database"
	"glc-node/pkg/logger"
	"glc-node/pkg/wire"
)

const testMagic uint32 = 0xaabbccdd

type stubHandler struct {
	ready        chan *Peer
	disconnected chan *Peer
	commands     chan string
}

func newStubHandler() *stubHandler {
	return &stubHandler{
		ready:        make(chan *Peer, 4),
		disconnected: make(chan *Peer, 4),
		commands:     make(chan string, 16),
	}
}

func (s *stubHandler) OnPeerReady(p *Peer)        { s.ready <- p }
func (s *stubHandler) OnPeerDisconnected(p *Peer) { s.disconnected <- p }
func (s *stubHandler) OnMessage(p *Peer, command string, payload []byte) error {
	s.commands <- command
	return nil
}

// pipePair connects two peers over an in-memory duplex.
func pipePair(t *testing.T) (*Peer, *Peer, *stubHandler, *stubHandler) {
	t.Helper()
	connA, connB := net.Pipe()

	log := logger.NewLoggerWithOptions([]string{"error"}, &logger.Options{})
	hA, hB := newStubHandler(), newStubHandler()
	peerA := NewPeer(connA, false, testMagic, hA, log)
	peerB := NewPeer(connB, true, testMagic, hB, log)

	peerA.Start(&wire.MsgVersion{Version: wire.ProtocolVersion, UserAgent: "/a/", LastHeight: 10})
	peerB.Start(&wire.MsgVersion{Version: wire.ProtocolVersion, UserAgent: "/b/", LastHeight: 20})

	t.Cleanup(func() {
		peerA.Disconnect()
		peerB.Disconnect()
	})
	return peerA, peerB, hA, hB
}

func waitReady(t *testing.T, ch chan *Peer) *Peer {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("handshake did not complete")
		return nil
	}
}

func TestHandshakeReachesReady(t *testing.T) {
	peerA, peerB, hA, hB := pipePair(t)

	waitReady(t, hA.ready)
	waitReady(t, hB.ready)

	assert.Equal(t, StateReady, peerA.State())
	assert.Equal(t, StateReady, peerB.State())

	// The remote version's height was recorded.
	assert.Equal(t, int64(20), peerA.StartHeight())
	assert.Equal(t, int64(10), peerB.StartHeight())
}

func TestMessageDispatchAfterReady(t *testing.T) {
	peerA, _, hA, hB := pipePair(t)
	waitReady(t, hA.ready)
	waitReady(t, hB.ready)

	var h chainhash.Hash
	h[0] = 0x42
	peerA.QueueMessage(&wire.MsgInv{InvList: []wire.InvVect{{Type: wire.InvTypeBlock, Hash: h}}})

	select {
	case cmd := <-hB.commands:
		assert.Equal(t, wire.CmdInv, cmd)
	case <-time.After(5 * time.Second):
		t.Fatal("inv was not dispatched")
	}
}

func TestDuplicateVersionDisconnects(t *testing.T) {
	peerA, _, hA, hB := pipePair(t)
	waitReady(t, hA.ready)
	waitReady(t, hB.ready)

	// A second version message is a protocol violation.
	peerA.QueueMessage(&wire.MsgVersion{Version: wire.ProtocolVersion})

	select {
	case <-hB.disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("duplicate version must disconnect")
	}
}

func TestInvTracking(t *testing.T) {
	connA, _ := net.Pipe()
	defer connA.Close()
	p := NewPeer(connA, false, testMagic, newStubHandler(), logger.NewLoggerWithOptions([]string{"error"}, &logger.Options{}))

	iv := wire.InvVect{Type: wire.InvTypeTx, Hash: chainhash.Hash{9}}
	assert.False(t, p.KnowsInv(iv))
	p.MarkInv(iv)
	assert.True(t, p.KnowsInv(iv))
}

func TestAddrManager(t *testing.T) {
	store := database.NewMemoryStore()
	am := NewAddrManager(store)

	na := wire.NewNetAddress(net.ParseIP("203.0.113.9"), 8121, uint32(time.Now().Unix()))
	am.Add(na)
	am.Add(na) // dedup by ip+port
	assert.Equal(t, 1, am.Count())

	// Unroutable addresses are dropped.
	am.Add(wire.NewNetAddress(net.ParseIP("127.0.0.1"), 8121, 0))
	assert.Equal(t, 1, am.Count())

	sample := am.Sample(5, nil)
	require.Len(t, sample, 1)
	assert.Equal(t, na.Addr(), sample[0])

	// Excluded entries are not sampled.
	assert.Empty(t, am.Sample(5, map[string]struct{}{na.Addr(): {}}))

	// Gossip export carries the known addresses.
	gossip := am.Addresses(10)
	require.Len(t, gossip, 1)
	assert.Equal(t, na.Addr(), gossip[0].Addr())

	// Persisted addresses survive a reload.
	reloaded := NewAddrManager(store)
	assert.Equal(t, 1, reloaded.Count())
}

func TestBanManager(t *testing.T) {
	bans := NewBanManager()
	assert.False(t, bans.IsBanned("203.0.113.5:8121"))

	bans.Ban("203.0.113.5:8121")
	assert.True(t, bans.IsBanned("203.0.113.5:8121"))
	// Ban applies to the host, not the ephemeral port.
	assert.True(t, bans.IsBanned("203.0.113.5:50000"))
	assert.False(t, bans.IsBanned("203.0.113.6:8121"))
}
