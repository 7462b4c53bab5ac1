package lottery

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil"

	"glc-node/database"
	"glc-node/pkg/chain"
	"glc-node/pkg/core"
	"glc-node/pkg/script"
	"glc-node/pkg/wire"
)

// ParticipantRecord tracks one stake lock. One stake, one vote: a public
// key holds at most one record, refreshed when a newer lock confirms.
type ParticipantRecord struct {
	Address     [20]byte
	StakeAmount core.Amount
	StakeHeight int64
	PubKey      []byte
}

func (p *ParticipantRecord) Encode(w *wire.Writer) error {
	w.PutBytes(p.Address[:])
	w.PutUint64(uint64(p.StakeAmount))
	w.PutUint64(uint64(p.StakeHeight))
	w.PutVarBytes(p.PubKey)
	return nil
}

func (p *ParticipantRecord) Decode(r *wire.Reader) error {
	addr, err := r.ReadBytes(20)
	if err != nil {
		return err
	}
	copy(p.Address[:], addr)
	amt, err := r.Uint64()
	if err != nil {
		return err
	}
	p.StakeAmount = core.Amount(amt)
	h, err := r.Uint64()
	if err != nil {
		return err
	}
	p.StakeHeight = int64(h)
	p.PubKey, err = r.VarBytes()
	return err
}

// Registry is the participant set. It is mutated only from the chain
// connect/disconnect hooks, which run under the chain writer lock; reads
// take the registry's own lock for RPC and generation.
type Registry struct {
	mtx   sync.RWMutex
	store database.Store

	participants map[string]*ParticipantRecord
}

func NewRegistry(store database.Store) (*Registry, error) {
	r := &Registry{
		store:        store,
		participants: make(map[string]*ParticipantRecord),
	}
	err := store.IterateParticipants(func(pubKey, raw []byte) error {
		var rec ParticipantRecord
		if err := wire.Deserialize(raw, &rec); err != nil {
			return err
		}
		r.participants[string(pubKey)] = &rec
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("lottery: loading participants: %w", err)
	}
	return r, nil
}

// parseStakeLock recognizes the stake-locking output form: a direct
// pay-to-pubkey script, <33-byte pubkey> CHECKSIG, locking at least the
// minimum stake. The embedded key doubles as the lottery identity.
func parseStakeLock(pkScript []byte, value, minStake core.Amount) ([]byte, bool) {
	if value < minStake {
		return nil, false
	}
	if len(pkScript) != 35 || pkScript[0] != 33 || pkScript[34] != script.OP_CHECKSIG {
		return nil, false
	}
	return pkScript[1:34], true
}

func (r *Registry) Lookup(pubKey []byte) *ParticipantRecord {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	rec, ok := r.participants[string(pubKey)]
	if !ok {
		return nil
	}
	cp := *rec
	return &cp
}

// Eligible applies the stake floor and maturity rule at the given height.
func (r *Registry) Eligible(pubKey []byte, height int64, minStake core.Amount, stakeMaturity int64) bool {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	rec, ok := r.participants[string(pubKey)]
	if !ok {
		return false
	}
	return rec.StakeAmount >= minStake && height-rec.StakeHeight >= stakeMaturity
}

// EligibleCount sizes the lottery at the given height.
func (r *Registry) EligibleCount(height int64, minStake core.Amount, stakeMaturity int64) int {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	n := 0
	for _, rec := range r.participants {
		if rec.StakeAmount >= minStake && height-rec.StakeHeight >= stakeMaturity {
			n++
		}
	}
	return n
}

// TotalStaked sums all registered stake.
func (r *Registry) TotalStaked() core.Amount {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	var sum core.Amount
	for _, rec := range r.participants {
		sum += rec.StakeAmount
	}
	return sum
}

func (r *Registry) Count() int {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	return len(r.participants)
}

func (r *Registry) register(pubKey []byte, amount core.Amount, height int64) {
	rec := &ParticipantRecord{
		StakeAmount: amount,
		StakeHeight: height,
		PubKey:      append([]byte(nil), pubKey...),
	}
	copy(rec.Address[:], btcutil.Hash160(pubKey))
	r.participants[string(pubKey)] = rec

	raw, _ := wire.Serialize(rec)
	_ = r.store.PutParticipant(pubKey, raw)
}

func (r *Registry) deregister(pubKey []byte) {
	delete(r.participants, string(pubKey))
	_ = r.store.DeleteParticipant(pubKey)
}

// applyConnectedBlock registers stake locks created by the block and drops
// the ones it spent.
func (r *Registry) applyConnectedBlock(block *core.MsgBlock, height int64, spent []chain.SpentUtxo, minStake core.Amount) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	for _, s := range spent {
		if pubKey, ok := parseStakeLock(s.Entry.Output.PkScript, s.Entry.Output.Value, minStake); ok {
			r.deregister(pubKey)
		}
	}
	for _, tx := range block.Transactions {
		for _, out := range tx.TxOut {
			if pubKey, ok := parseStakeLock(out.PkScript, out.Value, minStake); ok {
				r.register(pubKey, out.Value, height)
			}
		}
	}
}

// applyDisconnectedBlock reverses applyConnectedBlock.
func (r *Registry) applyDisconnectedBlock(block *core.MsgBlock, spent []chain.SpentUtxo, minStake core.Amount) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	for _, tx := range block.Transactions {
		for _, out := range tx.TxOut {
			if pubKey, ok := parseStakeLock(out.PkScript, out.Value, minStake); ok {
				r.deregister(pubKey)
			}
		}
	}
	for _, s := range spent {
		if pubKey, ok := parseStakeLock(s.Entry.Output.PkScript, s.Entry.Output.Value, minStake); ok {
			r.register(pubKey, s.Entry.Output.Value, s.Entry.Height)
		}
	}
}
