package chain

import (
	"glc-node/pkg/core"
)

// UtxoEntry is an unspent output with the metadata maturity checks need.
type UtxoEntry struct {
	Output     core.TxOut
	Height     int64
	IsCoinBase bool
}

// Clone deep copies the entry.
func (e *UtxoEntry) Clone() *UtxoEntry {
	scr := make([]byte, len(e.Output.PkScript))
	copy(scr, e.Output.PkScript)
	return &UtxoEntry{
		Output:     core.TxOut{Value: e.Output.Value, PkScript: scr},
		Height:     e.Height,
		IsCoinBase: e.IsCoinBase,
	}
}

// SpentUtxo journals one spend for deterministic rollback.
type SpentUtxo struct {
	OutPoint core.OutPoint
	Entry    UtxoEntry
}

// UtxoSet maps outpoints to unspent outputs. Mutations during a block
// connect are journalled so disconnectBlock can restore the previous state
// exactly.
type UtxoSet struct {
	entries map[core.OutPoint]*UtxoEntry
}

func NewUtxoSet() *UtxoSet {
	return &UtxoSet{entries: make(map[core.OutPoint]*UtxoEntry)}
}

func (s *UtxoSet) Get(op core.OutPoint) *UtxoEntry {
	return s.entries[op]
}

func (s *UtxoSet) Contains(op core.OutPoint) bool {
	_, ok := s.entries[op]
	return ok
}

func (s *UtxoSet) Len() int {
	return len(s.entries)
}

// Add registers a new unspent output.
func (s *UtxoSet) Add(op core.OutPoint, out core.TxOut, height int64, isCoinBase bool) {
	s.entries[op] = &UtxoEntry{Output: out, Height: height, IsCoinBase: isCoinBase}
}

// Spend removes and returns an entry, enforcing coinbase maturity against
// the height the spend confirms at.
func (s *UtxoSet) Spend(op core.OutPoint, spendHeight, coinbaseMaturity int64) (*UtxoEntry, error) {
	entry, ok := s.entries[op]
	if !ok {
		return nil, ruleError(ErrMissingTxOut, "outpoint %s is not unspent", op)
	}
	if entry.IsCoinBase && spendHeight < entry.Height+coinbaseMaturity {
		return nil, ruleError(ErrImmatureCoinbase,
			"coinbase %s spent at height %d, matures at %d",
			op, spendHeight, entry.Height+coinbaseMaturity)
	}
	delete(s.entries, op)
	return entry, nil
}

// Restore reverses a journalled spend.
func (s *UtxoSet) Restore(spent SpentUtxo) {
	e := spent.Entry
	s.entries[spent.OutPoint] = &e
}

// Remove deletes an output added by a disconnected block.
func (s *UtxoSet) Remove(op core.OutPoint) {
	delete(s.entries, op)
}

// ForEach visits every entry. The callback must not mutate the set.
func (s *UtxoSet) ForEach(fn func(op core.OutPoint, entry *UtxoEntry) error) error {
	for op, e := range s.entries {
		if err := fn(op, e); err != nil {
			return err
		}
	}
	return nil
}

// TotalValue sums all unspent values.
func (s *UtxoSet) TotalValue() core.Amount {
	var sum core.Amount
	for _, e := range s.entries {
		sum += e.Output.Value
	}
	return sum
}
