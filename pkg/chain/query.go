package chain

import (
	"math/big"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"glc-node/pkg/core"
)

// Snapshot is a consistent read of the best tip.
type Snapshot struct {
	Hash       chainhash.Hash
	Height     int64
	Weight     *big.Int
	MedianTime time.Time
	UtxoCount  int
}

func (c *ChainState) BestSnapshot() Snapshot {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	tip := c.arena.node(c.bestTip)
	return Snapshot{
		Hash:       tip.Hash,
		Height:     tip.Height,
		Weight:     new(big.Int).Set(tip.Weight),
		MedianTime: c.arena.medianTimePast(c.bestTip),
		UtxoCount:  c.utxo.Len(),
	}
}

// HaveBlock reports whether the block is in the index or stashed as an
// orphan.
func (c *ChainState) HaveBlock(hash chainhash.Hash) bool {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	if c.arena.lookup(hash) != nil {
		return true
	}
	_, ok := c.orphanOf[hash]
	return ok
}

// BlockByHash loads a stored block regardless of which branch holds it.
func (c *ChainState) BlockByHash(hash chainhash.Hash) (*core.MsgBlock, error) {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return c.blockFromStore(hash)
}

// BlockHashByHeight resolves a main-chain height.
func (c *ChainState) BlockHashByHeight(height int64) (chainhash.Hash, bool) {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	if height < 0 || height >= int64(len(c.mainChain)) {
		return chainhash.Hash{}, false
	}
	return c.arena.node(c.mainChain[height]).Hash, true
}

// MainChainHasBlock reports whether the hash is on the main chain.
func (c *ChainState) MainChainHasBlock(hash chainhash.Hash) bool {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	bi := c.arena.lookup(hash)
	return bi != nil && bi.Status&StatusInMainChain != 0
}

// BlockHeightByHash returns the height of an indexed block.
func (c *ChainState) BlockHeightByHash(hash chainhash.Hash) (int64, bool) {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	bi := c.arena.lookup(hash)
	if bi == nil {
		return 0, false
	}
	return bi.Height, true
}

// FetchUtxo returns a copy of an unspent output, if present.
func (c *ChainState) FetchUtxo(op core.OutPoint) (*UtxoEntry, bool) {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	entry := c.utxo.Get(op)
	if entry == nil {
		return nil, false
	}
	return entry.Clone(), true
}

// UtxoCount and UtxoTotalValue expose aggregate UTXO facts for diagnostics.
func (c *ChainState) UtxoCount() int {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return c.utxo.Len()
}

func (c *ChainState) UtxoTotalValue() core.Amount {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return c.utxo.TotalValue()
}

// UtxoEntries copies the full unspent set; diagnostics and tests only.
func (c *ChainState) UtxoEntries() map[core.OutPoint]UtxoEntry {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	out := make(map[core.OutPoint]UtxoEntry, c.utxo.Len())
	_ = c.utxo.ForEach(func(op core.OutPoint, entry *UtxoEntry) error {
		out[op] = *entry.Clone()
		return nil
	})
	return out
}

var log2FloorMasks = []uint32{0xffff0000, 0xff00, 0xf0, 0xc, 0x2}

func fastLog2Floor(n uint32) uint8 {
	rv := uint8(0)
	exponent := uint8(16)
	for i := 0; i < 5; i++ {
		if n&log2FloorMasks[i] != 0 {
			rv += exponent
			n >>= exponent
		}
		exponent >>= 1
	}
	return rv
}

// BlockLocator summarizes the main chain for ancestry negotiation: dense
// near the tip, then exponentially sparse back to genesis.
func (c *ChainState) BlockLocator() []chainhash.Hash {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	height := c.arena.node(c.bestTip).Height
	var maxEntries uint8
	if height <= 12 {
		maxEntries = uint8(height) + 1
	} else {
		adjustedHeight := uint32(height) - 10
		maxEntries = 12 + fastLog2Floor(adjustedHeight)
	}
	locator := make([]chainhash.Hash, 0, maxEntries)

	step := int64(1)
	for height >= 0 {
		locator = append(locator, c.arena.node(c.mainChain[height]).Hash)
		if height == 0 {
			break
		}
		height -= step
		if height < 0 {
			height = 0
		}
		if len(locator) > 10 {
			step *= 2
		}
	}
	return locator
}

// FindFork returns the height of the latest locator entry on the main
// chain, or 0 when nothing matches beyond genesis.
func (c *ChainState) FindFork(locator []chainhash.Hash) int64 {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	for _, hash := range locator {
		if bi := c.arena.lookup(hash); bi != nil && bi.Status&StatusInMainChain != 0 {
			return bi.Height
		}
	}
	return 0
}

// MainChainHashesAfter returns up to max main-chain hashes following the
// fork point identified by the locator, stopping early at hashStop.
func (c *ChainState) MainChainHashesAfter(locator []chainhash.Hash, hashStop chainhash.Hash, max int) []chainhash.Hash {
	fork := c.FindFork(locator)

	c.mtx.RLock()
	defer c.mtx.RUnlock()
	var hashes []chainhash.Hash
	for h := fork + 1; h < int64(len(c.mainChain)) && len(hashes) < max; h++ {
		hash := c.arena.node(c.mainChain[h]).Hash
		hashes = append(hashes, hash)
		if hash == hashStop {
			break
		}
	}
	return hashes
}

// MainChainHeadersAfter is the headers-first variant.
func (c *ChainState) MainChainHeadersAfter(locator []chainhash.Hash, hashStop chainhash.Hash, max int) []core.BlockHeader {
	fork := c.FindFork(locator)

	c.mtx.RLock()
	defer c.mtx.RUnlock()
	var headers []core.BlockHeader
	for h := fork + 1; h < int64(len(c.mainChain)) && len(headers) < max; h++ {
		bi := c.arena.node(c.mainChain[h])
		headers = append(headers, bi.Header)
		if bi.Hash == hashStop {
			break
		}
	}
	return headers
}

// TipIndex returns a copy of the best tip's index entry.
func (c *ChainState) TipIndex() BlockIndex {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return *c.arena.node(c.bestTip)
}
