package script

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"glc-node/pkg/core"
	"glc-node/pkg/wire"
)

// CalcSignatureHash computes the digest a signature for input idx commits
// to. The transaction is masked according to the sighash flag before the
// double-SHA256:
//
//   - all input scripts are cleared, then the signed input's script is set
//     to the subscript (the pubkey script of the spent output);
//   - NONE drops every output and zeroes the other inputs' sequences;
//   - SINGLE keeps only the output paired with the input, blanking the
//     earlier ones, and zeroes the other inputs' sequences;
//   - ANYONECANPAY strips every input but the signed one.
//
// The 4-byte flag is appended before hashing.
func CalcSignatureHash(subScript []byte, hashType byte, tx *core.MsgTx, idx int) ([]byte, error) {
	if idx < 0 || idx >= len(tx.TxIn) {
		return nil, scriptError(ErrInternal, "input index %d of %d", idx, len(tx.TxIn))
	}

	// SIGHASH_SINGLE with no matching output signs the digest of one; this
	// mirrors the historical behavior rather than failing.
	if hashType&0x1f == SigHashSingle && idx >= len(tx.TxOut) {
		var one chainhash.Hash
		one[0] = 0x01
		return one[:], nil
	}

	txCopy := tx.Copy()
	for i := range txCopy.TxIn {
		if i == idx {
			txCopy.TxIn[i].SignatureScript = subScript
		} else {
			txCopy.TxIn[i].SignatureScript = nil
		}
	}

	switch hashType & 0x1f {
	case SigHashNone:
		txCopy.TxOut = nil
		for i := range txCopy.TxIn {
			if i != idx {
				txCopy.TxIn[i].Sequence = 0
			}
		}
	case SigHashSingle:
		txCopy.TxOut = txCopy.TxOut[:idx+1]
		for i := 0; i < idx; i++ {
			txCopy.TxOut[i] = &core.TxOut{Value: -1, PkScript: nil}
		}
		for i := range txCopy.TxIn {
			if i != idx {
				txCopy.TxIn[i].Sequence = 0
			}
		}
	}

	if hashType&SigHashAnyOneCanPay != 0 {
		txCopy.TxIn = txCopy.TxIn[idx : idx+1]
	}

	w := wire.NewWriter()
	if err := txCopy.Encode(w); err != nil {
		return nil, err
	}
	w.PutUint32(uint32(hashType))

	hash := chainhash.DoubleHashB(w.Bytes())
	return hash, nil
}
