package mempool

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"glc-node/pkg/chain"
	"glc-node/pkg/core"
	"glc-node/pkg/logger"
	"glc-node/pkg/script"
)

const (
	// FreePriorityThreshold is Satoshi's formula cutoff: a transaction at
	// or above it relays and confirms without a fee.
	FreePriorityThreshold = 57_600_000.0

	// lowPressureRatio waives the relay fee while the pool is mostly
	// empty.
	lowPressureRatio = 0.10
)

// Config wires a transaction pool to its chain snapshot.
type Config struct {
	FetchUtxo  func(core.OutPoint) (*chain.UtxoEntry, bool)
	BestHeight func() int64

	MaxSizeBytes     int64
	MinRelayFeePerKB core.Amount
	OrphanTTL        time.Duration
	MaxOrphans       int
	CoinbaseMaturity int64

	Logger     *logger.CustomLogger
	TimeSource func() time.Time
}

// TxDesc is a pool entry with its admission-time scoring.
type TxDesc struct {
	Tx   *core.MsgTx
	Hash chainhash.Hash

	Added        time.Time
	Fee          core.Amount
	Size         int64
	Priority     float64
	FreeEligible bool
}

// FeePerKB is the entry's fee rate.
func (d *TxDesc) FeePerKB() float64 {
	if d.Size == 0 {
		return 0
	}
	return float64(d.Fee) * 1024 / float64(d.Size)
}

type orphanTx struct {
	tx    *core.MsgTx
	hash  chainhash.Hash
	added time.Time
}

// TxPool is the mempool. It has its own writer lock; admission reads the
// chain's UTXO snapshot through the configured fetcher.
type TxPool struct {
	mtx sync.RWMutex
	cfg Config

	pool      map[chainhash.Hash]*TxDesc
	outpoints map[core.OutPoint]chainhash.Hash

	orphans       map[chainhash.Hash]*orphanTx
	orphansByPrev map[core.OutPoint]map[chainhash.Hash]*orphanTx

	totalBytes int64
}

func New(cfg Config) *TxPool {
	if cfg.TimeSource == nil {
		cfg.TimeSource = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewDefaultLogger()
	}
	if cfg.MaxOrphans == 0 {
		cfg.MaxOrphans = 1000
	}
	if cfg.OrphanTTL == 0 {
		cfg.OrphanTTL = 20 * time.Minute
	}
	return &TxPool{
		cfg:           cfg,
		pool:          make(map[chainhash.Hash]*TxDesc),
		outpoints:     make(map[core.OutPoint]chainhash.Hash),
		orphans:       make(map[chainhash.Hash]*orphanTx),
		orphansByPrev: make(map[core.OutPoint]map[chainhash.Hash]*orphanTx),
	}
}

func (p *TxPool) Have(hash chainhash.Hash) bool {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	_, inPool := p.pool[hash]
	_, inOrphans := p.orphans[hash]
	return inPool || inOrphans
}

func (p *TxPool) Fetch(hash chainhash.Hash) (*core.MsgTx, bool) {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	desc, ok := p.pool[hash]
	if !ok {
		return nil, false
	}
	return desc.Tx, true
}

func (p *TxPool) Count() int {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	return len(p.pool)
}

// ProcessTransaction runs the admission pipeline. It returns every entry
// accepted as a result: the transaction itself plus any orphans its
// arrival unblocked. A transaction parked as an orphan yields no error and
// no accepted entries.
func (p *TxPool) ProcessTransaction(tx *core.MsgTx) ([]*TxDesc, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	p.expireOrphans()

	desc, missing, err := p.maybeAccept(tx)
	if err != nil {
		return nil, err
	}
	if missing {
		p.addOrphan(tx)
		return nil, nil
	}

	accepted := []*TxDesc{desc}
	accepted = append(accepted, p.promoteOrphans(desc.Tx)...)
	p.enforceSizeLimit()
	return accepted, nil
}

// maybeAccept validates a single transaction against the pool and the
// chain UTXO snapshot. missing is true when an input is not yet known.
func (p *TxPool) maybeAccept(tx *core.MsgTx) (*TxDesc, bool, error) {
	hash := tx.TxHash()

	if _, ok := p.pool[hash]; ok {
		return nil, false, txRuleError(RejectDuplicate, "transaction %s already in pool", hash)
	}
	if _, ok := p.orphans[hash]; ok {
		return nil, false, txRuleError(RejectDuplicate, "transaction %s already an orphan", hash)
	}

	if err := chain.CheckTransactionSanity(tx); err != nil {
		return nil, false, TxRuleError{Code: RejectInvalid, Desc: err.Error(), Err: err}
	}
	if tx.IsCoinBase() {
		return nil, false, txRuleError(RejectCoinbase, "coinbase %s submitted to pool", hash)
	}

	// Mempool conflicts are rejected outright; chain double spends show up
	// as missing inputs below.
	for _, in := range tx.TxIn {
		if spender, ok := p.outpoints[in.PreviousOutPoint]; ok {
			return nil, false, txRuleError(RejectConflict,
				"outpoint %s already spent by %s", in.PreviousOutPoint, spender)
		}
	}

	bestHeight := p.cfg.BestHeight()
	size := int64(tx.SerializeSize())

	type resolvedInput struct {
		entry         *chain.UtxoEntry
		confirmations int64
	}
	resolved := make([]resolvedInput, 0, len(tx.TxIn))
	for _, in := range tx.TxIn {
		op := in.PreviousOutPoint
		if entry, ok := p.cfg.FetchUtxo(op); ok {
			if entry.IsCoinBase && p.cfg.CoinbaseMaturity > 0 {
				if spendHeight := bestHeight + 1; spendHeight < entry.Height+p.cfg.CoinbaseMaturity {
					cause := chain.NewRuleError(chain.ErrImmatureCoinbase,
						"coinbase %s spendable at height %d", op, entry.Height+p.cfg.CoinbaseMaturity)
					return nil, false, TxRuleError{Code: RejectInvalid, Desc: cause.Error(), Err: cause}
				}
			}
			confs := bestHeight - entry.Height + 1
			if confs < 0 {
				confs = 0
			}
			resolved = append(resolved, resolvedInput{entry: entry, confirmations: confs})
			continue
		}
		// An output of another pool transaction counts with zero
		// confirmations.
		if parent, ok := p.pool[op.Hash]; ok && op.Index < uint32(len(parent.Tx.TxOut)) {
			out := parent.Tx.TxOut[op.Index]
			resolved = append(resolved, resolvedInput{
				entry: &chain.UtxoEntry{Output: *out, Height: bestHeight + 1},
			})
			continue
		}
		return nil, true, nil
	}

	var inValue, outValue core.Amount
	var prioritySum float64
	for i, in := range tx.TxIn {
		entry := resolved[i].entry
		if err := script.VerifyInput(in.SignatureScript, entry.Output.PkScript, tx, i); err != nil {
			return nil, false, TxRuleError{Code: RejectInvalid,
				Desc: fmt.Sprintf("input %d: %v", i, err), Err: err}
		}
		inValue += entry.Output.Value
		prioritySum += float64(entry.Output.Value) * float64(resolved[i].confirmations)
	}
	for _, out := range tx.TxOut {
		outValue += out.Value
	}
	if outValue > inValue {
		return nil, false, txRuleError(RejectInvalid,
			"%s spends %d with only %d in", hash, outValue, inValue)
	}
	fee := inValue - outValue
	priority := prioritySum / float64(size)
	freeEligible := priority >= FreePriorityThreshold

	if !freeEligible && !p.lowPressure() {
		required := p.cfg.MinRelayFeePerKB * ((size + 1023) / 1024)
		if fee < required {
			return nil, false, txRuleError(RejectInsufficientFee,
				"fee %d below required %d for %d bytes", fee, required, size)
		}
	}

	desc := &TxDesc{
		Tx:           tx,
		Hash:         hash,
		Added:        p.cfg.TimeSource(),
		Fee:          fee,
		Size:         size,
		Priority:     priority,
		FreeEligible: freeEligible,
	}
	p.insert(desc)
	return desc, false, nil
}

func (p *TxPool) lowPressure() bool {
	return p.cfg.MaxSizeBytes > 0 &&
		float64(p.totalBytes) < lowPressureRatio*float64(p.cfg.MaxSizeBytes)
}

func (p *TxPool) insert(desc *TxDesc) {
	p.pool[desc.Hash] = desc
	for _, in := range desc.Tx.TxIn {
		p.outpoints[in.PreviousOutPoint] = desc.Hash
	}
	p.totalBytes += desc.Size
}

func (p *TxPool) remove(hash chainhash.Hash) {
	desc, ok := p.pool[hash]
	if !ok {
		return
	}
	for _, in := range desc.Tx.TxIn {
		if p.outpoints[in.PreviousOutPoint] == hash {
			delete(p.outpoints, in.PreviousOutPoint)
		}
	}
	delete(p.pool, hash)
	p.totalBytes -= desc.Size
}

// removeWithDescendants drops an entry and everything spending its
// outputs.
func (p *TxPool) removeWithDescendants(hash chainhash.Hash) {
	desc, ok := p.pool[hash]
	if !ok {
		return
	}
	for i := range desc.Tx.TxOut {
		op := core.OutPoint{Hash: hash, Index: uint32(i)}
		if child, ok := p.outpoints[op]; ok {
			p.removeWithDescendants(child)
		}
	}
	p.remove(hash)
}

// enforceSizeLimit evicts the lowest fee rates until the pool fits.
func (p *TxPool) enforceSizeLimit() {
	if p.cfg.MaxSizeBytes <= 0 || p.totalBytes <= p.cfg.MaxSizeBytes {
		return
	}

	descs := make([]*TxDesc, 0, len(p.pool))
	for _, d := range p.pool {
		descs = append(descs, d)
	}
	sort.Slice(descs, func(i, j int) bool { return descs[i].FeePerKB() < descs[j].FeePerKB() })

	for _, d := range descs {
		if p.totalBytes <= p.cfg.MaxSizeBytes {
			break
		}
		p.removeWithDescendants(d.Hash)
		p.cfg.Logger.Debug(fmt.Sprintf("evicted %s (%.2f fee/kb) for size", d.Hash, d.FeePerKB()))
	}
}

func (p *TxPool) addOrphan(tx *core.MsgTx) {
	if len(p.orphans) >= p.cfg.MaxOrphans {
		for hash := range p.orphans {
			p.removeOrphan(hash)
			break
		}
	}

	hash := tx.TxHash()
	o := &orphanTx{tx: tx, hash: hash, added: p.cfg.TimeSource()}
	p.orphans[hash] = o
	for _, in := range tx.TxIn {
		op := in.PreviousOutPoint
		if p.orphansByPrev[op] == nil {
			p.orphansByPrev[op] = make(map[chainhash.Hash]*orphanTx)
		}
		p.orphansByPrev[op][hash] = o
	}
	p.cfg.Logger.Debug(fmt.Sprintf("stored orphan %s (%d total)", hash, len(p.orphans)))
}

func (p *TxPool) removeOrphan(hash chainhash.Hash) {
	o, ok := p.orphans[hash]
	if !ok {
		return
	}
	for _, in := range o.tx.TxIn {
		op := in.PreviousOutPoint
		delete(p.orphansByPrev[op], hash)
		if len(p.orphansByPrev[op]) == 0 {
			delete(p.orphansByPrev, op)
		}
	}
	delete(p.orphans, hash)
}

func (p *TxPool) expireOrphans() {
	cutoff := p.cfg.TimeSource().Add(-p.cfg.OrphanTTL)
	for hash, o := range p.orphans {
		if o.added.Before(cutoff) {
			p.removeOrphan(hash)
		}
	}
}

// promoteOrphans retries orphans waiting on outputs of the newly accepted
// transaction, cascading through their own dependents.
func (p *TxPool) promoteOrphans(accepted *core.MsgTx) []*TxDesc {
	var promoted []*TxDesc
	queue := []*core.MsgTx{accepted}

	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]
		parentHash := parent.TxHash()

		for i := range parent.TxOut {
			op := core.OutPoint{Hash: parentHash, Index: uint32(i)}
			for hash, o := range p.orphansByPrev[op] {
				desc, missing, err := p.maybeAccept(o.tx)
				if err != nil {
					p.removeOrphan(hash)
					continue
				}
				if missing {
					continue
				}
				p.removeOrphan(hash)
				promoted = append(promoted, desc)
				queue = append(queue, desc.Tx)
			}
		}
	}
	return promoted
}

// OnBlockConnected drops mined transactions and anything now conflicting
// with the connected block's spends.
func (p *TxPool) OnBlockConnected(block *core.MsgBlock, height int64) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	for _, tx := range block.Transactions {
		hash := tx.TxHash()
		p.remove(hash)
		p.removeOrphan(hash)
		for _, in := range tx.TxIn {
			if spender, ok := p.outpoints[in.PreviousOutPoint]; ok {
				p.removeWithDescendants(spender)
			}
		}
	}
}

// OnBlockDisconnected re-admits transactions from a reorged-out block;
// any that no longer validate are dropped.
func (p *TxPool) OnBlockDisconnected(block *core.MsgBlock, height int64, returned []*core.MsgTx) {
	for _, tx := range returned {
		if _, err := p.ProcessTransaction(tx); err != nil {
			p.cfg.Logger.Debug(fmt.Sprintf("reorg return of %s rejected: %v", tx.TxHash(), err))
		}
	}
}

// Info is the aggregate pool summary for RPC.
type Info struct {
	Count        int
	Bytes        int64
	FreeEligible int
	FeePaying    int
	TotalFees    core.Amount
	Orphans      int
}

func (p *TxPool) Stats() Info {
	p.mtx.RLock()
	defer p.mtx.RUnlock()

	info := Info{Count: len(p.pool), Bytes: p.totalBytes, Orphans: len(p.orphans)}
	for _, d := range p.pool {
		if d.FreeEligible {
			info.FreeEligible++
		} else {
			info.FeePaying++
		}
		info.TotalFees += d.Fee
	}
	return info
}
