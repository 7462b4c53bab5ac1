package chain_test

import (
	"math/big"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"glc-node/database"
	"glc-node/pkg/chain"
	"glc-node/pkg/core"
	"glc-node/pkg/lottery"
	"glc-node/pkg/script"
	"glc-node/pkg/wire"
)

const (
	genesisValue  = 5_000_000_000
	testSubsidy   = 5_000_000_000
	testMaturity  = 3
	stakeMaturity = 5
	minStake      = 1000 * core.Coin
)

// alwaysWin makes every VRF output a winner so tests control block
// production deterministically.
func alwaysWin(int) *big.Int {
	return new(big.Int).Lsh(big.NewInt(1), 257)
}

type harness struct {
	t *testing.T

	store    *database.MemoryStore
	chain    *chain.ChainState
	registry *lottery.Registry
	engine   *lottery.Engine

	producer *btcec.PrivateKey
	payKey   *btcec.PrivateKey

	genesis *core.MsgBlock
	params  chain.Params
}

// collector records disconnect notifications.
type collector struct {
	returned []*core.MsgTx
}

func (c *collector) BlockConnected(*core.MsgBlock, int64) {}
func (c *collector) BlockDisconnected(_ *core.MsgBlock, _ int64, txs []*core.MsgTx) {
	c.returned = append(c.returned, txs...)
}

func newHarness(t *testing.T, targetFn lottery.TargetFunc) *harness {
	t.Helper()

	producer, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	payKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	genesisTime := uint32(time.Now().Add(-6 * time.Hour).Unix())
	genesis := chain.NewGenesisBlock(genesisTime, "test genesis",
		script.PayToPubKeyHash(script.PubKeyHash(payKey.PubKey().SerializeCompressed())),
		genesisValue)

	params := chain.Params{
		Magic:            0x11223344,
		GenesisBlock:     genesis,
		ActivationHeight: 1,
		InitialSubsidy:   testSubsidy,
		HalvingInterval:  1000,
		SubsidyFloor:     0,
		CoinbaseMaturity: testMaturity,
		StakeMaturity:    stakeMaturity,
		MinStake:         minStake,
		TargetSpacing:    2 * time.Minute,
	}

	store := database.NewMemoryStore()

	// Pre-load the producer as a long-mature participant, staked before
	// genesis.
	rec := &lottery.ParticipantRecord{
		StakeAmount: minStake,
		StakeHeight: -stakeMaturity,
		PubKey:      producer.PubKey().SerializeCompressed(),
	}
	raw, err := wire.Serialize(rec)
	require.NoError(t, err)
	require.NoError(t, store.PutParticipant(rec.PubKey, raw))

	registry, err := lottery.NewRegistry(store)
	require.NoError(t, err)

	if targetFn == nil {
		targetFn = alwaysWin
	}
	engine := lottery.NewEngine(lottery.Config{
		Params:   params,
		Registry: registry,
		TargetFn: targetFn,
	})

	c, err := chain.New(chain.Config{
		Params:   params,
		Store:    store,
		Verifier: engine,
	})
	require.NoError(t, err)

	return &harness{
		t:        t,
		store:    store,
		chain:    c,
		registry: registry,
		engine:   engine,
		producer: producer,
		payKey:   payKey,
		genesis:  genesis,
		params:   params,
	}
}

// produceBlock builds a valid participation block on the given parent. The
// coinbase claims the bare subsidy and pays the harness pay key.
func (h *harness) produceBlock(parent *core.MsgBlock, parentHeight int64, txs ...*core.MsgTx) *core.MsgBlock {
	h.t.Helper()

	height := parentHeight + 1
	prevHash := parent.BlockHash()

	seed := lottery.Seed(prevHash, height)
	output, proof := lottery.Evaluate(h.producer, seed)
	sp := &lottery.StakeProof{
		PubKey: h.producer.PubKey().SerializeCompressed(),
		Output: output,
		Proof:  proof,
	}

	coinbase := &core.MsgTx{
		Version: 1,
		TxIn: []*core.TxIn{{
			PreviousOutPoint: core.OutPoint{Index: core.NullOutPointIndex},
			SignatureScript:  lottery.BuildCoinbaseScript(height, sp, nil),
			Sequence:         core.MaxTxInSequence,
		}},
		TxOut: []*core.TxOut{{
			Value:    h.chain.Subsidy(height),
			PkScript: script.PayToPubKeyHash(script.PubKeyHash(h.payKey.PubKey().SerializeCompressed())),
		}},
	}

	block := &core.MsgBlock{
		Header: core.BlockHeader{
			Version:   1,
			PrevBlock: prevHash,
			Timestamp: parent.Header.Timestamp + 60,
		},
		Transactions: append([]*core.MsgTx{coinbase}, txs...),
	}

	sigHash, err := lottery.ProducerSigHash(block, height, sp)
	require.NoError(h.t, err)
	sig := ecdsa.Sign(h.producer, sigHash[:])

	block.Transactions[0].TxIn[0].SignatureScript = lottery.BuildCoinbaseScript(height, sp, sig.Serialize())
	block.Header.MerkleRoot = core.CalcMerkleRoot(block.Transactions)
	return block
}

// spendTx spends an output locked to the harness pay key, fee-free.
func (h *harness) spendTx(prevTx *core.MsgTx, index uint32) *core.MsgTx {
	h.t.Helper()

	prevOut := prevTx.TxOut[index]
	tx := &core.MsgTx{
		Version: 1,
		TxIn: []*core.TxIn{{
			PreviousOutPoint: core.OutPoint{Hash: prevTx.TxHash(), Index: index},
			Sequence:         core.MaxTxInSequence,
		}},
		TxOut: []*core.TxOut{{
			Value:    prevOut.Value,
			PkScript: script.PayToPubKeyHash(script.PubKeyHash(h.payKey.PubKey().SerializeCompressed())),
		}},
	}
	sigScript, err := script.SignInput(prevOut.PkScript, tx, 0, script.SigHashAll, h.payKey)
	require.NoError(h.t, err)
	tx.TxIn[0].SignatureScript = sigScript
	return tx
}

func (h *harness) accept(block *core.MsgBlock) {
	h.t.Helper()
	onMain, err := h.chain.ProcessBlock(block)
	require.NoError(h.t, err)
	require.True(h.t, onMain)
}

// TestGenesisPlusOneBlock is scenario S1: one participation block on top
// of genesis.
func TestGenesisPlusOneBlock(t *testing.T) {
	h := newHarness(t, nil)

	snap := h.chain.BestSnapshot()
	assert.Equal(t, int64(0), snap.Height)
	assert.Equal(t, 1, snap.UtxoCount)

	b1 := h.produceBlock(h.genesis, 0)
	h.accept(b1)

	snap = h.chain.BestSnapshot()
	assert.Equal(t, int64(1), snap.Height)
	assert.Equal(t, b1.BlockHash(), snap.Hash)
	assert.Equal(t, 2, h.chain.UtxoCount())
}

// TestCoinbaseMaturity is scenario S2 at the consensus layer.
func TestCoinbaseMaturity(t *testing.T) {
	h := newHarness(t, nil)

	b1 := h.produceBlock(h.genesis, 0)
	h.accept(b1)

	// Height 2 spend of the B1 coinbase is immature.
	spend := h.spendTx(b1.Transactions[0], 0)
	bad := h.produceBlock(b1, 1, spend)
	_, err := h.chain.ProcessBlock(bad)
	require.Error(t, err)
	assert.True(t, chain.IsRuleCode(err, chain.ErrImmatureCoinbase), "got %v", err)

	// Advance to height 1 + maturity, then the spend connects.
	parent, parentHeight := b1, int64(1)
	for parentHeight < 1+testMaturity {
		next := h.produceBlock(parent, parentHeight)
		h.accept(next)
		parent, parentHeight = next, parentHeight+1
	}
	good := h.produceBlock(parent, parentHeight, spend)
	h.accept(good)

	assert.Equal(t, parentHeight+1, h.chain.BestSnapshot().Height)
}

// TestDuplicateBlockRejectedOnce covers lottery idempotence: the second
// submission of the same block is rejected.
func TestDuplicateBlockRejectedOnce(t *testing.T) {
	h := newHarness(t, nil)

	b1 := h.produceBlock(h.genesis, 0)
	h.accept(b1)

	_, err := h.chain.ProcessBlock(b1)
	require.Error(t, err)
	assert.True(t, chain.IsRuleCode(err, chain.ErrDuplicateBlock))
	assert.Equal(t, int64(1), h.chain.BestSnapshot().Height)
}

// TestChainWeightMonotonic checks invariant: accepted valid blocks never
// lower the best tip's cumulative weight.
func TestChainWeightMonotonic(t *testing.T) {
	h := newHarness(t, nil)

	prevWeight := h.chain.BestSnapshot().Weight
	parent, height := h.genesis, int64(0)
	for i := 0; i < 5; i++ {
		next := h.produceBlock(parent, height)
		h.accept(next)
		w := h.chain.BestSnapshot().Weight
		assert.True(t, w.Cmp(prevWeight) >= 0)
		prevWeight = w
		parent, height = next, height+1
	}
}

// TestReorganize is scenario S4: a longer branch B displaces branch A and
// A's unique transactions come back for re-admission.
func TestReorganize(t *testing.T) {
	h := newHarness(t, nil)
	events := &collector{}
	h.chain.AddListener(events)

	// Shared fork point F above genesis.
	fork := h.produceBlock(h.genesis, 0)
	h.accept(fork)

	// Branch A: three blocks; A2 carries a spend of the genesis output.
	genesisSpend := h.spendTx(h.genesis.Transactions[0], 0)
	a1 := h.produceBlock(fork, 1)
	a2 := h.produceBlock(a1, 2, genesisSpend)
	a3 := h.produceBlock(a2, 3)
	for _, b := range []*core.MsgBlock{a1, a2, a3} {
		h.accept(b)
	}
	require.Equal(t, int64(4), h.chain.BestSnapshot().Height)

	// Branch B: four blocks from the same fork point. Side blocks do not
	// move the tip until the branch outweighs A.
	b1 := h.produceBlock(fork, 1)
	// Distinct from a1: produceBlock is deterministic, so vary content.
	b1.Header.Timestamp += 7
	b1 = h.reseal(b1, 2)

	b2 := h.produceBlock(b1, 2)
	b3 := h.produceBlock(b2, 3)
	b4 := h.produceBlock(b3, 4)

	for i, b := range []*core.MsgBlock{b1, b2, b3} {
		onMain, err := h.chain.ProcessBlock(b)
		require.NoError(t, err, "branch B block %d", i+1)
		assert.False(t, onMain)
	}
	onMain, err := h.chain.ProcessBlock(b4)
	require.NoError(t, err)
	assert.True(t, onMain, "B4 must trigger the reorganization")

	snap := h.chain.BestSnapshot()
	assert.Equal(t, b4.BlockHash(), snap.Hash)
	assert.Equal(t, int64(5), snap.Height)

	// A's unique transaction returned for re-admission.
	found := false
	for _, tx := range events.returned {
		if tx.TxHash() == genesisSpend.TxHash() {
			found = true
		}
	}
	assert.True(t, found, "genesis spend from branch A must be returned")

	// The UTXO set equals a fresh chain that only ever saw branch B.
	reference := newReferenceChain(t, h, fork, b1, b2, b3, b4)
	assert.Equal(t, reference.UtxoEntries(), h.chain.UtxoEntries())
}

// reseal re-signs a block after mutating its header fields.
func (h *harness) reseal(block *core.MsgBlock, height int64) *core.MsgBlock {
	h.t.Helper()

	sp, err := lottery.ParseCoinbaseScript(block.Transactions[0].TxIn[0].SignatureScript)
	require.NoError(h.t, err)

	sigHash, err := lottery.ProducerSigHash(block, height, sp)
	require.NoError(h.t, err)
	sig := ecdsa.Sign(h.producer, sigHash[:])
	block.Transactions[0].TxIn[0].SignatureScript = lottery.BuildCoinbaseScript(height, sp, sig.Serialize())
	block.Header.MerkleRoot = core.CalcMerkleRoot(block.Transactions)
	return block
}

// newReferenceChain replays exactly the given blocks onto a fresh state.
func newReferenceChain(t *testing.T, h *harness, blocks ...*core.MsgBlock) *chain.ChainState {
	t.Helper()

	store := database.NewMemoryStore()
	rec := &lottery.ParticipantRecord{
		StakeAmount: minStake,
		StakeHeight: -stakeMaturity,
		PubKey:      h.producer.PubKey().SerializeCompressed(),
	}
	raw, err := wire.Serialize(rec)
	require.NoError(t, err)
	require.NoError(t, store.PutParticipant(rec.PubKey, raw))

	registry, err := lottery.NewRegistry(store)
	require.NoError(t, err)
	engine := lottery.NewEngine(lottery.Config{
		Params:   h.params,
		Registry: registry,
		TargetFn: alwaysWin,
	})
	c, err := chain.New(chain.Config{Params: h.params, Store: store, Verifier: engine})
	require.NoError(t, err)

	for _, b := range blocks {
		_, err := c.ProcessBlock(b)
		require.NoError(t, err)
	}
	return c
}

// TestUtxoConservation checks that total unspent value equals the genesis
// allocation plus connected subsidies.
func TestUtxoConservation(t *testing.T) {
	h := newHarness(t, nil)

	parent, height := h.genesis, int64(0)
	for i := 0; i < 4; i++ {
		next := h.produceBlock(parent, height)
		h.accept(next)
		parent, height = next, height+1
	}

	expected := core.Amount(genesisValue)
	for hgt := int64(1); hgt <= height; hgt++ {
		expected += h.chain.Subsidy(hgt)
	}
	assert.Equal(t, expected, h.chain.UtxoTotalValue())
}

// TestLotteryLoss is scenario S6: a proof that verifies but misses the
// winning condition is a consensus failure.
func TestLotteryLoss(t *testing.T) {
	winner := newHarness(t, nil)
	block := winner.produceBlock(winner.genesis, 0)

	loser := newHarnessLike(t, winner, func(int) *big.Int { return big.NewInt(0) })
	_, err := loser.chain.ProcessBlock(block)
	require.Error(t, err)
	assert.True(t, chain.IsRuleCode(err, chain.ErrLotteryLoss), "got %v", err)
	assert.True(t, chain.IsRuleError(err), "lottery loss must be a ban-worthy rule error")
}

// newHarnessLike rebuilds the same network with a different target rule.
func newHarnessLike(t *testing.T, src *harness, targetFn lottery.TargetFunc) *harness {
	t.Helper()

	store := database.NewMemoryStore()
	rec := &lottery.ParticipantRecord{
		StakeAmount: minStake,
		StakeHeight: -stakeMaturity,
		PubKey:      src.producer.PubKey().SerializeCompressed(),
	}
	raw, err := wire.Serialize(rec)
	require.NoError(t, err)
	require.NoError(t, store.PutParticipant(rec.PubKey, raw))

	registry, err := lottery.NewRegistry(store)
	require.NoError(t, err)
	engine := lottery.NewEngine(lottery.Config{
		Params:   src.params,
		Registry: registry,
		TargetFn: targetFn,
	})
	c, err := chain.New(chain.Config{Params: src.params, Store: store, Verifier: engine})
	require.NoError(t, err)

	return &harness{
		t:        t,
		store:    store,
		chain:    c,
		registry: registry,
		engine:   engine,
		producer: src.producer,
		payKey:   src.payKey,
		genesis:  src.genesis,
		params:   src.params,
	}
}

func TestIneligibleProducer(t *testing.T) {
	h := newHarness(t, nil)

	// An imposter with no registered stake produces the block.
	imposter, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	real := h.producer
	h.producer = imposter
	block := h.produceBlock(h.genesis, 0)
	h.producer = real

	_, err = h.chain.ProcessBlock(block)
	require.Error(t, err)
	assert.True(t, chain.IsRuleCode(err, chain.ErrIneligibleProducer), "got %v", err)
}

func TestBadProducerSignature(t *testing.T) {
	h := newHarness(t, nil)

	block := h.produceBlock(h.genesis, 0)

	// Replace the header signature with one from another key.
	sp, err := lottery.ParseCoinbaseScript(block.Transactions[0].TxIn[0].SignatureScript)
	require.NoError(t, err)
	wrongKey, _ := btcec.NewPrivateKey()
	sigHash, err := lottery.ProducerSigHash(block, 1, sp)
	require.NoError(t, err)
	forged := ecdsa.Sign(wrongKey, sigHash[:])
	block.Transactions[0].TxIn[0].SignatureScript = lottery.BuildCoinbaseScript(1, sp, forged.Serialize())
	block.Header.MerkleRoot = core.CalcMerkleRoot(block.Transactions)

	_, err = h.chain.ProcessBlock(block)
	require.Error(t, err)
	assert.True(t, chain.IsRuleCode(err, chain.ErrBadProducerSig), "got %v", err)
}

func TestOrphanBlockHeldAndLinked(t *testing.T) {
	h := newHarness(t, nil)

	b1 := h.produceBlock(h.genesis, 0)
	b2 := h.produceBlock(b1, 1)

	// Child ahead of parent: transient, not a rule violation.
	_, err := h.chain.ProcessBlock(b2)
	require.Error(t, err)
	assert.True(t, chain.IsOrphanError(err))
	assert.False(t, chain.IsRuleError(err))
	assert.True(t, h.chain.HaveBlock(b2.BlockHash()))

	// Parent arrival connects both.
	h.accept(b1)
	snap := h.chain.BestSnapshot()
	assert.Equal(t, int64(2), snap.Height)
	assert.Equal(t, b2.BlockHash(), snap.Hash)
}

func TestBadMerkleRootRejected(t *testing.T) {
	h := newHarness(t, nil)

	block := h.produceBlock(h.genesis, 0)
	block.Header.MerkleRoot[0] ^= 0xff

	_, err := h.chain.ProcessBlock(block)
	require.Error(t, err)
	assert.True(t, chain.IsRuleCode(err, chain.ErrBadMerkleRoot))
}

func TestNonzeroNonceRejectedPostActivation(t *testing.T) {
	h := newHarness(t, nil)

	block := h.produceBlock(h.genesis, 0)
	block.Header.Nonce = 1
	block = h.reseal(block, 1)

	_, err := h.chain.ProcessBlock(block)
	require.Error(t, err)
	assert.True(t, chain.IsRuleCode(err, chain.ErrBadStakeProof), "got %v", err)
}

func TestSubsidySchedule(t *testing.T) {
	h := newHarness(t, nil)

	assert.Equal(t, core.Amount(testSubsidy), h.chain.Subsidy(0))
	assert.Equal(t, core.Amount(testSubsidy), h.chain.Subsidy(999))
	assert.Equal(t, core.Amount(testSubsidy/2), h.chain.Subsidy(1000))
	assert.Equal(t, core.Amount(testSubsidy/4), h.chain.Subsidy(2000))

	// Deep heights clamp to the floor.
	assert.Equal(t, h.params.SubsidyFloor, h.chain.Subsidy(1000*200))
}

func TestStateReloadsFromStore(t *testing.T) {
	h := newHarness(t, nil)

	parent, height := h.genesis, int64(0)
	for i := 0; i < 3; i++ {
		next := h.produceBlock(parent, height)
		h.accept(next)
		parent, height = next, height+1
	}
	before := h.chain.BestSnapshot()

	registry, err := lottery.NewRegistry(h.store)
	require.NoError(t, err)
	engine := lottery.NewEngine(lottery.Config{
		Params:   h.params,
		Registry: registry,
		TargetFn: alwaysWin,
	})
	reloaded, err := chain.New(chain.Config{Params: h.params, Store: h.store, Verifier: engine})
	require.NoError(t, err)

	after := reloaded.BestSnapshot()
	assert.Equal(t, before.Hash, after.Hash)
	assert.Equal(t, before.Height, after.Height)
	assert.Equal(t, h.chain.UtxoEntries(), reloaded.UtxoEntries())
}

func TestBlockLocatorShape(t *testing.T) {
	h := newHarness(t, nil)

	parent, height := h.genesis, int64(0)
	for i := 0; i < 20; i++ {
		next := h.produceBlock(parent, height)
		h.accept(next)
		parent, height = next, height+1
	}

	locator := h.chain.BlockLocator()
	require.NotEmpty(t, locator)
	assert.Equal(t, h.chain.BestSnapshot().Hash, locator[0])
	genesisHash := h.genesis.BlockHash()
	assert.Equal(t, genesisHash, locator[len(locator)-1])

	// The locator resolves the fork for ancestry requests.
	hashes := h.chain.MainChainHashesAfter(locator, chainhash.Hash{}, 500)
	assert.Empty(t, hashes, "nothing beyond our own tip")

	partial := []chainhash.Hash{locator[len(locator)-1]} // genesis only
	hashes = h.chain.MainChainHashesAfter(partial, chainhash.Hash{}, 500)
	assert.Len(t, hashes, 20)
}
