package lottery

import (
	"fmt"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"glc-node/pkg/chain"
	"glc-node/pkg/core"
	"glc-node/pkg/logger"
)

// MaxProducerTimeDrift is how far a producer's timestamp may lag its
// parent.
const MaxProducerTimeDrift = 24 * time.Hour

// TargetFunc scales the winning threshold to the eligible set so one
// winner per height is expected. It is configurable because calibration
// depends on how the operator estimates participation.
type TargetFunc func(eligible int) *big.Int

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// EqualChanceTarget divides the output space by the eligible count, giving
// every eligible participant the same expected win rate regardless of
// stake size.
func EqualChanceTarget(eligible int) *big.Int {
	if eligible < 1 {
		eligible = 1
	}
	return new(big.Int).Div(maxUint256, big.NewInt(int64(eligible)))
}

// Config wires an Engine.
type Config struct {
	Params   chain.Params
	Registry *Registry
	TargetFn TargetFunc
	Logger   *logger.CustomLogger

	TimeSource func() time.Time
}

// Engine runs the participation lottery: it scores eligibility, evaluates
// and verifies VRF proofs, and validates producer-authored blocks. It is
// the chain's ParticipationVerifier.
type Engine struct {
	params   chain.Params
	registry *Registry
	targetFn TargetFunc
	log      *logger.CustomLogger
	now      func() time.Time
}

func NewEngine(cfg Config) *Engine {
	if cfg.TargetFn == nil {
		cfg.TargetFn = EqualChanceTarget
	}
	if cfg.TimeSource == nil {
		cfg.TimeSource = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewDefaultLogger()
	}
	return &Engine{
		params:   cfg.Params,
		registry: cfg.Registry,
		targetFn: cfg.TargetFn,
		log:      cfg.Logger,
		now:      cfg.TimeSource,
	}
}

func (e *Engine) Registry() *Registry {
	return e.registry
}

// Target returns the winning threshold at a height.
func (e *Engine) Target(height int64) *big.Int {
	eligible := e.registry.EligibleCount(height, e.params.MinStake, e.params.StakeMaturity)
	return e.targetFn(eligible)
}

// Wins applies the winning condition to a VRF output.
func (e *Engine) Wins(output *chainhash.Hash, height int64) bool {
	return OutputToBig(output).Cmp(e.Target(height)) < 0
}

// VerifyParticipationProof validates the producer attestation of a
// post-activation block. Failures are consensus violations: the block is
// permanently invalid and the relaying peer is banned.
func (e *Engine) VerifyParticipationProof(block *core.MsgBlock, prevHash chainhash.Hash, prevTime uint32, height int64) error {
	coinbase := block.Transactions[0]
	proof, err := ParseCoinbaseScript(coinbase.TxIn[0].SignatureScript)
	if err != nil {
		return chain.NewRuleError(chain.ErrBadStakeProof, "coinbase stake proof: %v", err)
	}

	pubKey, err := btcec.ParsePubKey(proof.PubKey)
	if err != nil {
		return chain.NewRuleError(chain.ErrBadStakeProof, "producer key: %v", err)
	}

	if !e.registry.Eligible(proof.PubKey, height, e.params.MinStake, e.params.StakeMaturity) {
		return chain.NewRuleError(chain.ErrIneligibleProducer,
			"producer %x not eligible at height %d", proof.PubKey, height)
	}

	seed := Seed(prevHash, height)
	if err := Verify(pubKey, seed, proof.Output, proof.Proof); err != nil {
		return chain.NewRuleError(chain.ErrBadStakeProof, "VRF: %v", err)
	}

	if !e.Wins(&proof.Output, height) {
		return chain.NewRuleError(chain.ErrLotteryLoss,
			"VRF output %s does not meet target at height %d", proof.Output, height)
	}

	sigHash, err := ProducerSigHash(block, height, proof)
	if err != nil {
		return chain.NewRuleError(chain.ErrBadStakeProof, "producer sighash: %v", err)
	}
	sig, err := ecdsa.ParseDERSignature(proof.HeaderSig)
	if err != nil {
		return chain.NewRuleError(chain.ErrBadProducerSig, "producer signature: %v", err)
	}
	if !sig.Verify(sigHash[:], pubKey) {
		return chain.NewRuleError(chain.ErrBadProducerSig, "producer signature does not verify")
	}

	ts := int64(block.Header.Timestamp)
	if ts < int64(prevTime)-int64(MaxProducerTimeDrift/time.Second) {
		return chain.NewRuleError(chain.ErrTimeTooOld, "producer time %d too far before parent", ts)
	}
	if ts > e.now().Add(2*time.Hour).Unix() {
		return chain.NewRuleError(chain.ErrTimeTooNew, "producer time %d too far ahead", ts)
	}

	return nil
}

// OnBlockConnected and OnBlockDisconnected run under the chain writer lock
// and keep the registry in step with the main chain.
func (e *Engine) OnBlockConnected(block *core.MsgBlock, height int64, spent []chain.SpentUtxo) {
	e.registry.applyConnectedBlock(block, height, spent, e.params.MinStake)
}

func (e *Engine) OnBlockDisconnected(block *core.MsgBlock, height int64, spent []chain.SpentUtxo) {
	e.registry.applyDisconnectedBlock(block, spent, e.params.MinStake)
}

// Stats is the participation summary exposed over RPC.
type Stats struct {
	Participants  int
	Eligible      int
	TotalStaked   core.Amount
	ExpectedBlock time.Duration
}

func (e *Engine) StatsAt(height int64) Stats {
	eligible := e.registry.EligibleCount(height, e.params.MinStake, e.params.StakeMaturity)
	expected := e.params.TargetSpacing
	if eligible == 0 {
		expected = 0
	}
	return Stats{
		Participants:  e.registry.Count(),
		Eligible:      eligible,
		TotalStaked:   e.registry.TotalStaked(),
		ExpectedBlock: expected,
	}
}

func (e *Engine) String() string {
	return fmt.Sprintf("lottery engine (min stake %d, maturity %d)", e.params.MinStake, e.params.StakeMaturity)
}
