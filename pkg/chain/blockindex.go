package chain

import (
	"math/big"
	"sort"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"glc-node/pkg/core"
)

// BlockStatus tracks how far a block has advanced through validation.
type BlockStatus byte

const (
	StatusHeaderValid BlockStatus = 1 << iota
	StatusBodyValid
	StatusInvalid
	StatusInMainChain
)

// BlockIndex is one node of the block DAG. Nodes are arena-allocated and
// referenced by integer handle; the main-chain next link is derived from
// heights rather than stored, so there are no mutable child pointers.
type BlockIndex struct {
	Hash   chainhash.Hash
	Header core.BlockHeader
	Height int64

	// Parent is the arena handle of the previous block, -1 for genesis.
	Parent int32

	// Weight is the cumulative chain weight up to and including this block.
	Weight *big.Int

	Status BlockStatus

	// TimeSeen breaks weight ties: the earliest-seen tip wins.
	TimeSeen time.Time
}

func (bi *BlockIndex) HaveBody() bool {
	return bi.Status&StatusBodyValid != 0
}

// blockIndexArena owns every BlockIndex; nodes are never destroyed.
type blockIndexArena struct {
	nodes  []*BlockIndex
	byHash map[chainhash.Hash]int32
}

func newBlockIndexArena() *blockIndexArena {
	return &blockIndexArena{byHash: make(map[chainhash.Hash]int32)}
}

func (a *blockIndexArena) add(bi *BlockIndex) int32 {
	h := int32(len(a.nodes))
	a.nodes = append(a.nodes, bi)
	a.byHash[bi.Hash] = h
	return h
}

func (a *blockIndexArena) handle(hash chainhash.Hash) (int32, bool) {
	h, ok := a.byHash[hash]
	return h, ok
}

func (a *blockIndexArena) node(h int32) *BlockIndex {
	if h < 0 || int(h) >= len(a.nodes) {
		return nil
	}
	return a.nodes[h]
}

func (a *blockIndexArena) lookup(hash chainhash.Hash) *BlockIndex {
	h, ok := a.byHash[hash]
	if !ok {
		return nil
	}
	return a.nodes[h]
}

// medianTimePast is the median of the previous 11 timestamps, inclusive of
// the node itself.
func (a *blockIndexArena) medianTimePast(h int32) time.Time {
	const span = 11
	times := make([]int64, 0, span)
	for i := 0; i < span && h >= 0; i++ {
		n := a.node(h)
		times = append(times, int64(n.Header.Timestamp))
		h = n.Parent
	}
	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })
	return time.Unix(times[len(times)/2], 0)
}

// ancestor walks back to the node at the given height along parent links.
func (a *blockIndexArena) ancestor(h int32, height int64) *BlockIndex {
	n := a.node(h)
	for n != nil && n.Height > height {
		n = a.node(n.Parent)
	}
	if n == nil || n.Height != height {
		return nil
	}
	return n
}

// oneWeight is the participation weight unit; pre-activation blocks weigh
// their proof-of-work instead.
var oneWeight = big.NewInt(1 << 20)

// CalcWork converts compact bits to the expected-hashes work value.
func CalcWork(bits uint32) *big.Int {
	target := CompactToBig(bits)
	if target.Sign() <= 0 {
		return big.NewInt(0)
	}
	// work = 2^256 / (target + 1)
	denom := new(big.Int).Add(target, big.NewInt(1))
	return new(big.Int).Div(new(big.Int).Lsh(big.NewInt(1), 256), denom)
}

// CompactToBig expands the compact difficulty representation.
func CompactToBig(compact uint32) *big.Int {
	mantissa := compact & 0x007fffff
	exponent := uint(compact >> 24)

	var bn *big.Int
	if exponent <= 3 {
		mantissa >>= 8 * (3 - exponent)
		bn = big.NewInt(int64(mantissa))
	} else {
		bn = big.NewInt(int64(mantissa))
		bn.Lsh(bn, 8*(exponent-3))
	}
	if compact&0x00800000 != 0 {
		bn = bn.Neg(bn)
	}
	return bn
}

// HashToBig interprets a block hash as a big-endian integer for target
// comparison.
func HashToBig(hash *chainhash.Hash) *big.Int {
	var buf [chainhash.HashSize]byte
	for i, b := range hash {
		buf[chainhash.HashSize-1-i] = b
	}
	return new(big.Int).SetBytes(buf[:])
}
