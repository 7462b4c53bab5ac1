package lottery

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"

	"glc-node/pkg/chain"
	"glc-node/pkg/core"
	"glc-node/pkg/logger"
	"glc-node/pkg/script"
)

// GenerateTick is how often the local producer re-enters the lottery.
const GenerateTick = 2 * time.Second

// TemplateSource supplies the fee-ordered transaction set for a new block.
type TemplateSource interface {
	TemplateTransactions(maxBytes int64) ([]*core.MsgTx, core.Amount)
}

// GeneratorConfig wires a local block producer.
type GeneratorConfig struct {
	Chain   *chain.ChainState
	Engine  *Engine
	Mempool TemplateSource
	Key     *btcec.PrivateKey

	// PayoutScript locks the coinbase output; defaults to pay-to-pubkey
	// on the producer key, the stake-lock script form. The registry counts
	// such an output as a stake only when its value reaches the minimum
	// stake.
	PayoutScript []byte

	PeerCount func() int
	Logger    *logger.CustomLogger

	TimeSource func() time.Time
}

// Generator drives local block production: on each tick it enters the
// lottery for the next height and, on a win, assembles, signs and submits
// a block.
type Generator struct {
	chain   *chain.ChainState
	engine  *Engine
	mempool TemplateSource
	key     *btcec.PrivateKey
	payout  []byte
	peers   func() int
	log     *logger.CustomLogger
	now     func() time.Time
}

func NewGenerator(cfg GeneratorConfig) *Generator {
	if cfg.PayoutScript == nil {
		cfg.PayoutScript = script.PayToPubKey(cfg.Key.PubKey().SerializeCompressed())
	}
	if cfg.TimeSource == nil {
		cfg.TimeSource = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewDefaultLogger()
	}
	return &Generator{
		chain:   cfg.Chain,
		engine:  cfg.Engine,
		mempool: cfg.Mempool,
		key:     cfg.Key,
		payout:  cfg.PayoutScript,
		peers:   cfg.PeerCount,
		log:     cfg.Logger,
		now:     cfg.TimeSource,
	}
}

// Run loops until the context is cancelled.
func (g *Generator) Run(ctx context.Context) {
	ticker := time.NewTicker(GenerateTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.tick()
		}
	}
}

func (g *Generator) tick() {
	if g.peers != nil && g.peers() < 1 {
		return
	}

	snap := g.chain.BestSnapshot()
	height := snap.Height + 1
	params := g.chain.Params()
	if height < params.ActivationHeight {
		return
	}

	pubKey := g.key.PubKey().SerializeCompressed()
	if !g.engine.registry.Eligible(pubKey, height, params.MinStake, params.StakeMaturity) {
		return
	}

	seed := Seed(snap.Hash, height)
	output, proof := Evaluate(g.key, seed)
	if !g.engine.Wins(&output, height) {
		return
	}

	g.log.Info(fmt.Sprintf("won lottery for height %d (output %s)", height, output))

	stakeProof := &StakeProof{PubKey: pubKey, Output: output, Proof: proof}
	block, err := g.assembleBlock(snap, height, stakeProof)
	if err != nil {
		g.log.Error(fmt.Sprintf("assembling block at height %d: %v", height, err))
		return
	}
	g.signAndSubmit(block, height, stakeProof)
}

// buildCoinbase mints the reward plus fees into the payout script, with
// the stake proof in the signature slot given so far.
func (g *Generator) buildCoinbase(height int64, fees core.Amount, proof *StakeProof, headerSig []byte) *core.MsgTx {
	return &core.MsgTx{
		Version: 1,
		TxIn: []*core.TxIn{{
			PreviousOutPoint: core.OutPoint{Index: core.NullOutPointIndex},
			SignatureScript:  BuildCoinbaseScript(height, proof, headerSig),
			Sequence:         core.MaxTxInSequence,
		}},
		TxOut: []*core.TxOut{{
			Value:    g.chain.Subsidy(height) + fees,
			PkScript: append([]byte(nil), g.payout...),
		}},
	}
}

// assembleBlock pulls a template and wraps it in a header whose timestamp
// clears the parent's median time past.
func (g *Generator) assembleBlock(snap chain.Snapshot, height int64, proof *StakeProof) (*core.MsgBlock, error) {
	const coinbaseSlack = 2000
	txs, fees := g.mempool.TemplateTransactions(core.MaxBlockSize - coinbaseSlack)

	ts := g.now().Unix()
	if min := snap.MedianTime.Unix() + 1; ts < min {
		ts = min
	}

	block := &core.MsgBlock{
		Header: core.BlockHeader{
			Version:   1,
			PrevBlock: snap.Hash,
			Timestamp: uint32(ts),
			Bits:      0,
			Nonce:     0,
		},
		Transactions: append([]*core.MsgTx{g.buildCoinbase(height, fees, proof, nil)}, txs...),
	}
	return block, nil
}

// signAndSubmit signs the masked header hash, seals the coinbase, and
// hands the block to chain acceptance.
func (g *Generator) signAndSubmit(block *core.MsgBlock, height int64, proof *StakeProof) {
	sigHash, err := ProducerSigHash(block, height, proof)
	if err != nil {
		g.log.Error(fmt.Sprintf("producer sighash: %v", err))
		return
	}
	sig := ecdsa.Sign(g.key, sigHash[:])

	block.Transactions[0].TxIn[0].SignatureScript = BuildCoinbaseScript(height, proof, sig.Serialize())
	block.Header.MerkleRoot = core.CalcMerkleRoot(block.Transactions)

	if _, err := g.chain.ProcessBlock(block); err != nil {
		g.log.Error(fmt.Sprintf("own block rejected at height %d: %v", height, err))
		return
	}
	g.log.Info(fmt.Sprintf("produced block %s at height %d", block.BlockHash(), height))
}
