package chain

import (
	"glc-node/pkg/core"
)

// CheckTransactionSanity applies the context-free transaction rules.
func CheckTransactionSanity(tx *core.MsgTx) error {
	if len(tx.TxIn) == 0 {
		return ruleError(ErrNoTxInputs, "transaction has no inputs")
	}
	if len(tx.TxOut) == 0 {
		return ruleError(ErrNoTxOutputs, "transaction has no outputs")
	}

	var total core.Amount
	for _, out := range tx.TxOut {
		if !core.MoneyRange(out.Value) {
			return ruleError(ErrBadTxOutValue, "output value %d out of range", out.Value)
		}
		total += out.Value
		if !core.MoneyRange(total) {
			return ruleError(ErrBadTxOutValue, "total output value overflows money range")
		}
	}

	seen := make(map[core.OutPoint]struct{}, len(tx.TxIn))
	for _, in := range tx.TxIn {
		if !tx.IsCoinBase() && in.PreviousOutPoint.IsNull() {
			return ruleError(ErrBadTxInput, "null prevout outside coinbase")
		}
		if _, ok := seen[in.PreviousOutPoint]; ok {
			return ruleError(ErrDuplicateTxInputs, "input %s duplicated", in.PreviousOutPoint)
		}
		seen[in.PreviousOutPoint] = struct{}{}
	}
	return nil
}

// checkBlockSanity applies the context-free block rules: structure, size,
// coinbase placement, per-transaction sanity, merkle commitment, and
// cross-transaction double spends.
func checkBlockSanity(block *core.MsgBlock) error {
	if len(block.Transactions) == 0 {
		return ruleError(ErrNoTransactions, "block has no transactions")
	}
	if size := block.SerializeSize(); size > core.MaxBlockSize {
		return ruleError(ErrBlockTooBig, "block of %d bytes exceeds %d", size, core.MaxBlockSize)
	}
	if !block.Transactions[0].IsCoinBase() {
		return ruleError(ErrFirstTxNotCoinbase, "first transaction is not the coinbase")
	}
	for i, tx := range block.Transactions[1:] {
		if tx.IsCoinBase() {
			return ruleError(ErrMultipleCoinbases, "coinbase at index %d", i+1)
		}
	}

	for _, tx := range block.Transactions {
		if err := CheckTransactionSanity(tx); err != nil {
			return err
		}
	}

	if root := core.CalcMerkleRoot(block.Transactions); root != block.Header.MerkleRoot {
		return ruleError(ErrBadMerkleRoot, "merkle root %s, header claims %s", root, block.Header.MerkleRoot)
	}

	seen := make(map[core.OutPoint]struct{})
	for _, tx := range block.Transactions[1:] {
		for _, in := range tx.TxIn {
			if _, ok := seen[in.PreviousOutPoint]; ok {
				return ruleError(ErrDoubleSpend, "outpoint %s spent twice in block", in.PreviousOutPoint)
			}
			seen[in.PreviousOutPoint] = struct{}{}
		}
	}
	return nil
}

// checkBlockContext applies the rules that need the parent: timestamp
// bounds and the consensus proof for the height.
func (c *ChainState) checkBlockContext(block *core.MsgBlock, parentHandle int32, height int64) error {
	header := &block.Header

	if int64(header.Timestamp) > c.now().Add(MaxTimeOffset).Unix() {
		return ruleError(ErrTimeTooNew, "block time %d too far in the future", header.Timestamp)
	}
	mtp := c.arena.medianTimePast(parentHandle)
	if int64(header.Timestamp) <= mtp.Unix() {
		return ruleError(ErrTimeTooOld, "block time %d not after median time past %d",
			header.Timestamp, mtp.Unix())
	}

	parent := c.arena.node(parentHandle)

	if height >= c.params.ActivationHeight {
		if header.Nonce != 0 {
			return ruleError(ErrBadStakeProof, "nonzero nonce %d after activation", header.Nonce)
		}
		if c.verifier == nil {
			return ruleError(ErrBadStakeProof, "no participation verifier configured")
		}
		return c.verifier.VerifyParticipationProof(block, parent.Hash, parent.Header.Timestamp, height)
	}

	// Legacy path: proof of work against the compact target.
	target := CompactToBig(header.Bits)
	if target.Sign() <= 0 || target.Cmp(CompactToBig(c.params.PowLimitBits)) > 0 {
		return ruleError(ErrHighHash, "target %064x out of range", target)
	}
	hash := header.BlockHash()
	if HashToBig(&hash).Cmp(target) > 0 {
		return ruleError(ErrHighHash, "hash %s above target", hash)
	}
	return nil
}
