package node

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"glc-node/database"
	"glc-node/pkg/chain"
	"glc-node/pkg/core"
	"glc-node/pkg/lottery"
	"glc-node/pkg/script"
)

func TestLockFileExcludesSecondInstance(t *testing.T) {
	dir := t.TempDir()

	first := New(Config{DataDir: dir})
	require.NoError(t, first.acquireLock())

	second := New(Config{DataDir: dir})
	assert.ErrorIs(t, second.acquireLock(), ErrLocked)

	// Releasing frees the directory for the next instance.
	first.releaseLock()
	assert.NoError(t, second.acquireLock())
	second.releaseLock()
}

func newSubnetTestServer(t *testing.T) *Server {
	t.Helper()

	genesis := chain.NewGenesisBlock(uint32(time.Now().Add(-time.Hour).Unix()),
		"subnet test", script.PayToPubKeyHash(make([]byte, 20)), 50*core.Coin)
	c, err := chain.New(chain.Config{
		Params: chain.Params{
			GenesisBlock:     genesis,
			ActivationHeight: 1000,
			InitialSubsidy:   50 * core.Coin,
			HalvingInterval:  1000,
			CoinbaseMaturity: 100,
			StakeMaturity:    10,
			MinStake:         1000 * core.Coin,
		},
		Store: database.NewMemoryStore(),
	})
	require.NoError(t, err)

	return NewServer(ServerConfig{
		Chain:    c,
		Clusters: lottery.NewClusterDetector(),
	})
}

// TestSubnetGate covers the anti-clustering hook on the connection path:
// once a /24 holds the per-subnet cap of peers, further entrants from it
// are refused while other subnets stay open.
func TestSubnetGate(t *testing.T) {
	s := newSubnetTestServer(t)

	assert.True(t, s.allowSubnet("10.9.9.1:8121"))
	s.cfg.Clusters.AddNode("10.9.9.1:8121", net.IPv4(10, 9, 9, 1))
	assert.True(t, s.allowSubnet("10.9.9.2:8121"))
	s.cfg.Clusters.AddNode("10.9.9.2:8121", net.IPv4(10, 9, 9, 2))

	// Cap reached for the /24.
	assert.False(t, s.allowSubnet("10.9.9.3:8121"))
	assert.True(t, s.allowSubnet("10.9.8.3:8121"))

	// A disconnect frees the slot again.
	s.cfg.Clusters.RemoveNode("10.9.9.1:8121")
	assert.True(t, s.allowSubnet("10.9.9.3:8121"))

	// Garbage addresses never pass.
	assert.False(t, s.allowSubnet("not-an-address"))

	// Without a detector the gate is open.
	s.cfg.Clusters = nil
	assert.True(t, s.allowSubnet("10.9.9.3:8121"))
}
