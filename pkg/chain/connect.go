package chain

import (
	"fmt"

	"glc-node/pkg/core"
	"glc-node/pkg/script"
)

// connectBlock applies a block whose parent is the current tip. A validation
// failure unwinds the scratch UTXO mutations before returning; a store write
// failure after the in-memory state has been updated is returned without
// unwinding it.
func (c *ChainState) connectBlock(handle int32, block *core.MsgBlock) error {
	bi := c.arena.node(handle)
	height := bi.Height

	journal := make([]SpentUtxo, 0, len(block.Transactions))
	var added []core.OutPoint

	rollback := func() {
		for i := len(added) - 1; i >= 0; i-- {
			c.utxo.Remove(added[i])
		}
		for i := len(journal) - 1; i >= 0; i-- {
			c.utxo.Restore(journal[i])
		}
	}

	var totalFees core.Amount
	for txIdx, tx := range block.Transactions {
		if txIdx == 0 {
			continue
		}

		var inValue core.Amount
		for inIdx, in := range tx.TxIn {
			op := in.PreviousOutPoint
			entry, err := c.utxo.Spend(op, height, c.params.CoinbaseMaturity)
			if err != nil {
				rollback()
				return err
			}
			journal = append(journal, SpentUtxo{OutPoint: op, Entry: *entry})

			if err := script.VerifyInput(in.SignatureScript, entry.Output.PkScript, tx, inIdx); err != nil {
				rollback()
				return ruleError(ErrScriptValidation, "input %d of %s: %v", inIdx, tx.TxHash(), err)
			}

			inValue += entry.Output.Value
			if !core.MoneyRange(inValue) {
				rollback()
				return ruleError(ErrBadTxOutValue, "input value overflows money range")
			}
		}

		var outValue core.Amount
		for _, out := range tx.TxOut {
			outValue += out.Value
		}
		if outValue > inValue {
			rollback()
			return ruleError(ErrSpendTooHigh, "tx %s spends %d with only %d in", tx.TxHash(), outValue, inValue)
		}
		totalFees += inValue - outValue
		if !core.MoneyRange(totalFees) {
			rollback()
			return ruleError(ErrBadFees, "accumulated fees overflow money range")
		}

		txHash := tx.TxHash()
		for i, out := range tx.TxOut {
			op := core.OutPoint{Hash: txHash, Index: uint32(i)}
			c.utxo.Add(op, *out, height, false)
			added = append(added, op)
		}
	}

	coinbase := block.Transactions[0]
	var coinbaseOut core.Amount
	for _, out := range coinbase.TxOut {
		coinbaseOut += out.Value
	}
	if allowed := c.Subsidy(height) + totalFees; coinbaseOut > allowed {
		rollback()
		return ruleError(ErrBadCoinbaseValue, "coinbase claims %d, allowed %d", coinbaseOut, allowed)
	}
	cbHash := coinbase.TxHash()
	for i, out := range coinbase.TxOut {
		op := core.OutPoint{Hash: cbHash, Index: uint32(i)}
		c.utxo.Add(op, *out, height, true)
		added = append(added, op)
	}

	bi.Status |= StatusBodyValid | StatusInMainChain
	c.mainChain = append(c.mainChain, handle)
	c.bestTip = handle
	c.spendJournal[bi.Hash] = journal

	c.persistIndex(bi)
	if err := c.persistConnect(bi, journal, added); err != nil {
		return fmt.Errorf("chain: persisting block %s: %w", bi.Hash, err)
	}

	if c.verifier != nil {
		c.verifier.OnBlockConnected(block, height, journal)
	}
	c.events = append(c.events, chainEvent{connected: true, block: block, height: height})

	c.log.Info(fmt.Sprintf("connected block %s at height %d (%d txs, %d fees)",
		bi.Hash, height, len(block.Transactions), totalFees))
	return nil
}

// disconnectBlock removes the current tip, restoring the UTXO set from the
// spend journal and returning the block's non-coinbase transactions for
// mempool re-admission.
func (c *ChainState) disconnectBlock(block *core.MsgBlock) ([]*core.MsgTx, error) {
	handle := c.bestTip
	bi := c.arena.node(handle)
	if bi.Hash != block.BlockHash() {
		return nil, fmt.Errorf("chain: disconnect of %s but tip is %s", block.BlockHash(), bi.Hash)
	}

	journal, err := c.loadJournal(bi.Hash)
	if err != nil {
		return nil, err
	}

	var removed []core.OutPoint
	for _, tx := range block.Transactions {
		txHash := tx.TxHash()
		for i := range tx.TxOut {
			op := core.OutPoint{Hash: txHash, Index: uint32(i)}
			c.utxo.Remove(op)
			removed = append(removed, op)
		}
	}
	for i := len(journal) - 1; i >= 0; i-- {
		c.utxo.Restore(journal[i])
	}

	bi.Status &^= StatusInMainChain
	c.mainChain = c.mainChain[:len(c.mainChain)-1]
	c.bestTip = bi.Parent
	delete(c.spendJournal, bi.Hash)

	c.persistIndex(bi)
	if err := c.persistDisconnect(c.arena.node(bi.Parent), journal, removed); err != nil {
		return nil, fmt.Errorf("chain: persisting disconnect of %s: %w", bi.Hash, err)
	}

	if c.verifier != nil {
		c.verifier.OnBlockDisconnected(block, bi.Height, journal)
	}

	returned := make([]*core.MsgTx, 0, len(block.Transactions)-1)
	returned = append(returned, block.Transactions[1:]...)
	c.events = append(c.events, chainEvent{block: block, height: bi.Height, returned: returned})

	c.log.Info(fmt.Sprintf("disconnected block %s at height %d", bi.Hash, bi.Height))
	return returned, nil
}

// reorganize switches the main chain to the branch ending at newTip. On a
// failed connect the offending block is marked invalid and the previous
// chain is restored.
func (c *ChainState) reorganize(newTip int32) error {
	// Walk the new branch back to the fork point.
	var attach []int32
	fork := newTip
	for {
		n := c.arena.node(fork)
		if n.Status&StatusInMainChain != 0 {
			break
		}
		attach = append(attach, fork)
		fork = n.Parent
		if fork < 0 {
			return fmt.Errorf("chain: new tip %s does not connect", c.arena.node(newTip).Hash)
		}
	}
	// attach is tip-first; reverse to fork-first.
	for i, j := 0, len(attach)-1; i < j; i, j = i+1, j-1 {
		attach[i], attach[j] = attach[j], attach[i]
	}

	// Detach the old branch, tip down to just above the fork.
	var detached []*core.MsgBlock
	for c.bestTip != fork {
		bi := c.arena.node(c.bestTip)
		block, err := c.blockFromStore(bi.Hash)
		if err != nil {
			return err
		}
		if _, err := c.disconnectBlock(block); err != nil {
			return err
		}
		detached = append(detached, block)
	}

	restoreOld := func(connectedBlocks []*core.MsgBlock) {
		for i := len(connectedBlocks) - 1; i >= 0; i-- {
			if _, err := c.disconnectBlock(connectedBlocks[i]); err != nil {
				c.log.Fatal(fmt.Sprintf("reorg rollback failed: %v", err))
			}
		}
		for i := len(detached) - 1; i >= 0; i-- {
			block := detached[i]
			handle, _ := c.arena.handle(block.BlockHash())
			if err := c.connectBlock(handle, block); err != nil {
				c.log.Fatal(fmt.Sprintf("reorg rollback failed: %v", err))
			}
		}
	}

	var connected []*core.MsgBlock
	for _, handle := range attach {
		bi := c.arena.node(handle)
		block, err := c.blockFromStore(bi.Hash)
		if err != nil {
			restoreOld(connected)
			return err
		}
		if err := c.connectBlock(handle, block); err != nil {
			if IsRuleError(err) {
				bi.Status |= StatusInvalid
				c.persistIndex(bi)
			}
			restoreOld(connected)
			return err
		}
		connected = append(connected, block)
	}

	c.log.Info(fmt.Sprintf("reorganized to %s at height %d (%d detached, %d attached)",
		c.arena.node(newTip).Hash, c.arena.node(newTip).Height, len(detached), len(attach)))
	return nil
}
