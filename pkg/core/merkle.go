package core

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// hashMerkleBranches double hashes the concatenation of two nodes.
func hashMerkleBranches(left, right *chainhash.Hash) chainhash.Hash {
	var buf [2 * chainhash.HashSize]byte
	copy(buf[:chainhash.HashSize], left[:])
	copy(buf[chainhash.HashSize:], right[:])
	return chainhash.DoubleHashH(buf[:])
}

// CalcMerkleRoot computes the merkle root of the transactions. On an odd
// level count the last node pairs with a copy of itself.
func CalcMerkleRoot(txs []*MsgTx) chainhash.Hash {
	if len(txs) == 0 {
		return chainhash.Hash{}
	}

	level := make([]chainhash.Hash, len(txs))
	for i, tx := range txs {
		level[i] = tx.TxHash()
	}

	for len(level) > 1 {
		next := make([]chainhash.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, hashMerkleBranches(&level[i], &level[i]))
				continue
			}
			next = append(next, hashMerkleBranches(&level[i], &level[i+1]))
		}
		level = next
	}
	return level[0]
}
