package chain

import (
	"glc-node/pkg/core"
	"glc-node/pkg/script"
)

// NewGenesisBlock builds the hard-coded first block of a network: a single
// coinbase minting value to the payout script, with the network's founding
// message in the coinbase signature slot. Genesis is installed without
// validation, so the message push is purely declarative.
func NewGenesisBlock(timestamp uint32, message string, payoutScript []byte, value core.Amount) *core.MsgBlock {
	coinbase := &core.MsgTx{
		Version: 1,
		TxIn: []*core.TxIn{{
			PreviousOutPoint: core.OutPoint{Index: core.NullOutPointIndex},
			SignatureScript:  script.PushData([]byte(message)),
			Sequence:         core.MaxTxInSequence,
		}},
		TxOut: []*core.TxOut{{
			Value:    value,
			PkScript: payoutScript,
		}},
	}

	block := &core.MsgBlock{
		Header: core.BlockHeader{
			Version:   1,
			Timestamp: timestamp,
		},
		Transactions: []*core.MsgTx{coinbase},
	}
	block.Header.MerkleRoot = core.CalcMerkleRoot(block.Transactions)
	return block
}
