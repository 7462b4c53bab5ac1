package mempool

import (
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"glc-node/pkg/core"
)

// FreeZonePercent of a template's byte budget is reserved for
// free-eligible transactions; the rest is fee-ordered.
const FreeZonePercent = 5

// Template is a block candidate's transaction set split by zone.
type Template struct {
	FreeZone  []*TxDesc
	FeeZone   []*TxDesc
	TotalSize int64
	TotalFees core.Amount
}

// Transactions flattens the template in block order, free zone first.
func (t *Template) Transactions() []*core.MsgTx {
	txs := make([]*core.MsgTx, 0, len(t.FreeZone)+len(t.FeeZone))
	for _, d := range t.FreeZone {
		txs = append(txs, d.Tx)
	}
	for _, d := range t.FeeZone {
		txs = append(txs, d.Tx)
	}
	return txs
}

// BuildTemplate packs the pool into the two-zone layout: the first 5% of
// the byte budget goes to free-eligible entries in priority order, the
// remainder to everything else by fee rate. Within each zone an entry
// whose in-pool ancestor was skipped is skipped too, preserving
// topological order.
func (p *TxPool) BuildTemplate(maxBytes int64) *Template {
	p.mtx.RLock()
	defer p.mtx.RUnlock()

	freeBudget := maxBytes * FreeZonePercent / 100

	var free, paying []*TxDesc
	for _, d := range p.pool {
		if d.FreeEligible {
			free = append(free, d)
		} else {
			paying = append(paying, d)
		}
	}

	// Free zone: descending priority, ties to the earlier arrival.
	sort.Slice(free, func(i, j int) bool {
		if free[i].Priority != free[j].Priority {
			return free[i].Priority > free[j].Priority
		}
		return free[i].Added.Before(free[j].Added)
	})
	// Fee zone: descending fee rate, ties to the earlier arrival.
	sort.Slice(paying, func(i, j int) bool {
		fi, fj := paying[i].FeePerKB(), paying[j].FeePerKB()
		if fi != fj {
			return fi > fj
		}
		return paying[i].Added.Before(paying[j].Added)
	})

	tpl := &Template{}
	included := make(map[chainhash.Hash]struct{})

	pack := func(candidates []*TxDesc, budget int64, zone *[]*TxDesc) int64 {
		var used int64
		for _, d := range candidates {
			if used+d.Size > budget {
				continue
			}
			if !p.ancestorsIncluded(d, included) {
				continue
			}
			*zone = append(*zone, d)
			included[d.Hash] = struct{}{}
			used += d.Size
			tpl.TotalFees += d.Fee
		}
		return used
	}

	freeUsed := pack(free, freeBudget, &tpl.FreeZone)

	// Free-eligible entries that missed the free zone compete in the fee
	// zone like anyone else.
	var leftover []*TxDesc
	for _, d := range free {
		if _, ok := included[d.Hash]; !ok {
			leftover = append(leftover, d)
		}
	}
	feeCandidates := append(paying, leftover...)
	sort.Slice(feeCandidates, func(i, j int) bool {
		fi, fj := feeCandidates[i].FeePerKB(), feeCandidates[j].FeePerKB()
		if fi != fj {
			return fi > fj
		}
		return feeCandidates[i].Added.Before(feeCandidates[j].Added)
	})
	feeUsed := pack(feeCandidates, maxBytes-freeUsed, &tpl.FeeZone)

	tpl.TotalSize = freeUsed + feeUsed
	return tpl
}

// ancestorsIncluded reports whether every in-pool parent of d has already
// been packed.
func (p *TxPool) ancestorsIncluded(d *TxDesc, included map[chainhash.Hash]struct{}) bool {
	for _, in := range d.Tx.TxIn {
		parent := in.PreviousOutPoint.Hash
		if _, inPool := p.pool[parent]; !inPool {
			continue
		}
		if _, ok := included[parent]; !ok {
			return false
		}
	}
	return true
}

// TemplateTransactions adapts BuildTemplate for the block producer.
func (p *TxPool) TemplateTransactions(maxBytes int64) ([]*core.MsgTx, core.Amount) {
	tpl := p.BuildTemplate(maxBytes)
	return tpl.Transactions(), tpl.TotalFees
}
