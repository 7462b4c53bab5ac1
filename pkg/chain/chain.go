package chain

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"glc-node/database"
	"glc-node/pkg/core"
	"glc-node/pkg/logger"
)

// MaxTimeOffset is how far into the future a block timestamp may run.
const MaxTimeOffset = 2 * time.Hour

// Params carries the consensus parameters of a network. The subsidy
// schedule and activation height come from configuration; there is no
// compiled-in network.
type Params struct {
	Magic uint32

	GenesisBlock *core.MsgBlock

	ActivationHeight int64
	InitialSubsidy   core.Amount
	HalvingInterval  int64
	SubsidyFloor     core.Amount

	CoinbaseMaturity int64
	StakeMaturity    int64
	MinStake         core.Amount

	// PowLimitBits bounds the legacy pre-activation work check.
	PowLimitBits uint32

	TargetSpacing time.Duration
}

// ParticipationVerifier is the lottery's hook into block validation. It is
// only ever called under the chain writer lock.
type ParticipationVerifier interface {
	// VerifyParticipationProof checks the producer proof of a
	// post-activation block: eligibility, VRF validity, the winning
	// condition, and the producer signature over the block hash.
	VerifyParticipationProof(block *core.MsgBlock, prevHash chainhash.Hash, prevTime uint32, height int64) error

	// OnBlockConnected and OnBlockDisconnected keep the participant
	// registry in step with the main chain.
	OnBlockConnected(block *core.MsgBlock, height int64, spent []SpentUtxo)
	OnBlockDisconnected(block *core.MsgBlock, height int64, spent []SpentUtxo)
}

// Listener observes main-chain transitions. Callbacks run under the chain
// writer lock; the fixed lock order chain -> mempool -> network makes it
// safe for the mempool to take its own lock inside.
type Listener interface {
	BlockConnected(block *core.MsgBlock, height int64)
	BlockDisconnected(block *core.MsgBlock, height int64, returned []*core.MsgTx)
}

// Config wires a ChainState.
type Config struct {
	Params   Params
	Store    database.Store
	Verifier ParticipationVerifier
	Logger   *logger.CustomLogger

	// TimeSource is the adjustable clock, defaulting to time.Now.
	TimeSource func() time.Time
}

// ChainState owns the block index, the UTXO set and the main chain. All
// mutation goes through the single writer lock; readers take shared access
// and observe a consistent snapshot.
type ChainState struct {
	mtx sync.RWMutex

	params   Params
	store    database.Store
	verifier ParticipationVerifier
	log      *logger.CustomLogger
	now      func() time.Time

	arena *blockIndexArena

	// mainChain holds arena handles by height; the next link of any main
	// chain node is mainChain[height+1].
	mainChain []int32

	bestTip int32

	utxo *UtxoSet

	// spendJournal records, per connected block, the spends needed to
	// disconnect it deterministically.
	spendJournal map[chainhash.Hash][]SpentUtxo

	// orphans holds blocks whose parent has not arrived, keyed by the
	// missing parent hash.
	orphans    map[chainhash.Hash][]*core.MsgBlock
	orphanOf   map[chainhash.Hash]chainhash.Hash
	maxOrphans int

	listeners []Listener

	// events buffers listener notifications raised under the writer lock;
	// they fire after it is released so listeners may re-enter the chain.
	events []chainEvent
}

type chainEvent struct {
	connected bool
	block     *core.MsgBlock
	height    int64
	returned  []*core.MsgTx
}

func New(cfg Config) (*ChainState, error) {
	if cfg.Params.GenesisBlock == nil {
		return nil, fmt.Errorf("chain: genesis block is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("chain: store is required")
	}
	if cfg.TimeSource == nil {
		cfg.TimeSource = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewDefaultLogger()
	}

	c := &ChainState{
		params:       cfg.Params,
		store:        cfg.Store,
		verifier:     cfg.Verifier,
		log:          cfg.Logger,
		now:          cfg.TimeSource,
		arena:        newBlockIndexArena(),
		bestTip:      -1,
		utxo:         NewUtxoSet(),
		spendJournal: make(map[chainhash.Hash][]SpentUtxo),
		orphans:      make(map[chainhash.Hash][]*core.MsgBlock),
		orphanOf:     make(map[chainhash.Hash]chainhash.Hash),
		maxOrphans:   100,
	}

	loaded, err := c.loadFromStore()
	if err != nil {
		return nil, err
	}
	if !loaded {
		if err := c.initGenesis(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *ChainState) AddListener(l Listener) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.listeners = append(c.listeners, l)
}

func (c *ChainState) Params() Params {
	return c.params
}

// Subsidy follows the halving schedule, clamped to the configured floor.
func (c *ChainState) Subsidy(height int64) core.Amount {
	shift := uint(height / c.params.HalvingInterval)
	if shift > 62 {
		return c.params.SubsidyFloor
	}
	s := c.params.InitialSubsidy >> shift
	if s < c.params.SubsidyFloor {
		return c.params.SubsidyFloor
	}
	return s
}

// initGenesis installs the hard-coded genesis block without validation.
func (c *ChainState) initGenesis() error {
	genesis := c.params.GenesisBlock
	hash := genesis.BlockHash()

	bi := &BlockIndex{
		Hash:     hash,
		Header:   genesis.Header,
		Height:   0,
		Parent:   -1,
		Weight:   new(big.Int).Set(oneWeight),
		Status:   StatusHeaderValid | StatusBodyValid | StatusInMainChain,
		TimeSeen: c.now(),
	}
	h := c.arena.add(bi)
	c.mainChain = []int32{h}
	c.bestTip = h

	for _, tx := range genesis.Transactions {
		txHash := tx.TxHash()
		for i, out := range tx.TxOut {
			op := core.OutPoint{Hash: txHash, Index: uint32(i)}
			c.utxo.Add(op, *out, 0, tx.IsCoinBase())
		}
	}

	if err := c.persistBlock(genesis, bi); err != nil {
		return err
	}
	return c.persistUtxoDiff(nil, genesisOutPoints(genesis), hash)
}

func genesisOutPoints(block *core.MsgBlock) []core.OutPoint {
	var ops []core.OutPoint
	for _, tx := range block.Transactions {
		txHash := tx.TxHash()
		for i := range tx.TxOut {
			ops = append(ops, core.OutPoint{Hash: txHash, Index: uint32(i)})
		}
	}
	return ops
}

// ProcessBlock drives a received block through acceptance. It returns true
// when the block landed on the main chain (directly or via reorganization).
// A missing parent yields an OrphanError after the block is stashed.
func (c *ChainState) ProcessBlock(block *core.MsgBlock) (bool, error) {
	c.mtx.Lock()
	onMain, err := c.processBlock(block)
	events := c.events
	c.events = nil
	listeners := append([]Listener(nil), c.listeners...)
	c.mtx.Unlock()

	for _, ev := range events {
		for _, l := range listeners {
			if ev.connected {
				l.BlockConnected(ev.block, ev.height)
			} else {
				l.BlockDisconnected(ev.block, ev.height, ev.returned)
			}
		}
	}
	return onMain, err
}

func (c *ChainState) processBlock(block *core.MsgBlock) (bool, error) {
	hash := block.BlockHash()

	if existing := c.arena.lookup(hash); existing != nil {
		if existing.Status&StatusInvalid != 0 {
			return false, ruleError(ErrDuplicateBlock, "block %s is known invalid", hash)
		}
		return false, ruleError(ErrDuplicateBlock, "already have block %s", hash)
	}
	if _, ok := c.orphanOf[hash]; ok {
		return false, ruleError(ErrDuplicateBlock, "already have orphan %s", hash)
	}

	if err := checkBlockSanity(block); err != nil {
		return false, err
	}

	parentHandle, ok := c.arena.handle(block.Header.PrevBlock)
	if !ok {
		c.addOrphan(block)
		return false, OrphanError{Desc: fmt.Sprintf("parent %s not found", block.Header.PrevBlock)}
	}
	parent := c.arena.node(parentHandle)
	if parent.Status&StatusInvalid != 0 {
		return false, ruleError(ErrKnownInvalidParent, "parent %s is invalid", parent.Hash)
	}

	height := parent.Height + 1
	if err := c.checkBlockContext(block, parentHandle, height); err != nil {
		return false, err
	}

	weight := new(big.Int).Set(parent.Weight)
	if height >= c.params.ActivationHeight {
		weight.Add(weight, oneWeight)
	} else {
		weight.Add(weight, CalcWork(block.Header.Bits))
	}

	bi := &BlockIndex{
		Hash:     hash,
		Header:   block.Header,
		Height:   height,
		Parent:   parentHandle,
		Weight:   weight,
		Status:   StatusHeaderValid,
		TimeSeen: c.now(),
	}
	handle := c.arena.add(bi)

	if err := c.persistBlock(block, bi); err != nil {
		return false, err
	}

	onMain, err := c.connectBestChain(handle, block)
	if err != nil {
		return false, err
	}

	// A newly linked block may free stashed orphans.
	c.processOrphans(hash)

	return onMain, nil
}

// connectBestChain extends the main chain, tracks a side chain, or triggers
// a reorganization, depending on cumulative weight.
func (c *ChainState) connectBestChain(handle int32, block *core.MsgBlock) (bool, error) {
	bi := c.arena.node(handle)
	tip := c.arena.node(c.bestTip)

	if bi.Parent == c.bestTip {
		if err := c.connectBlock(handle, block); err != nil {
			if IsRuleError(err) {
				bi.Status |= StatusInvalid
				c.persistIndex(bi)
			}
			return false, err
		}
		return true, nil
	}

	// Strictly greater weight is required; an equal-weight tip keeps its
	// seat by earlier arrival.
	if bi.Weight.Cmp(tip.Weight) <= 0 {
		c.log.Debug(fmt.Sprintf("block %s extends a side chain at height %d", bi.Hash, bi.Height))
		return false, nil
	}

	if err := c.reorganize(handle); err != nil {
		return false, err
	}
	return true, nil
}

func (c *ChainState) addOrphan(block *core.MsgBlock) {
	if len(c.orphanOf) >= c.maxOrphans {
		// Evict an arbitrary orphan; bounded memory beats fairness here.
		for hash, prev := range c.orphanOf {
			c.removeOrphan(prev, hash)
			break
		}
	}
	prev := block.Header.PrevBlock
	c.orphans[prev] = append(c.orphans[prev], block)
	c.orphanOf[block.BlockHash()] = prev
}

func (c *ChainState) removeOrphan(prev, hash chainhash.Hash) {
	list := c.orphans[prev]
	for i, b := range list {
		if b.BlockHash() == hash {
			c.orphans[prev] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(c.orphans[prev]) == 0 {
		delete(c.orphans, prev)
	}
	delete(c.orphanOf, hash)
}

// processOrphans retries any orphans that were waiting on the given hash,
// cascading through their descendants.
func (c *ChainState) processOrphans(hash chainhash.Hash) {
	queue := []chainhash.Hash{hash}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]

		children := c.orphans[parent]
		if len(children) == 0 {
			continue
		}
		delete(c.orphans, parent)
		for _, child := range children {
			childHash := child.BlockHash()
			delete(c.orphanOf, childHash)
			if _, err := c.processBlock(child); err != nil {
				c.log.Debug(fmt.Sprintf("orphan %s rejected: %v", childHash, err))
				continue
			}
			queue = append(queue, childHash)
		}
	}
}
