package lottery

import (
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"glc-node/pkg/core"
	"glc-node/pkg/script"
)

// StakeProof is the producer attestation carried in the coinbase signature
// script, after the height push:
//
//	push(height) push(pubkey) push(vrf output) push(vrf proof) push(header sig)
//
// Every field is length-prefixed by its push opcode, so the layout is
// stable across proof and signature sizes.
type StakeProof struct {
	PubKey    []byte
	Output    chainhash.Hash
	Proof     []byte
	HeaderSig []byte
}

var errMalformedProof = errors.New("lottery: malformed stake proof")

// BuildCoinbaseScript assembles the coinbase signature script. A nil
// headerSig leaves an empty push in the signature slot, which is the form
// the producer signature commits to.
func BuildCoinbaseScript(height int64, proof *StakeProof, headerSig []byte) []byte {
	heightBytes := make([]byte, 0, 8)
	v := uint64(height)
	for v > 0 {
		heightBytes = append(heightBytes, byte(v&0xff))
		v >>= 8
	}

	scr := script.PushData(heightBytes)
	scr = append(scr, script.PushData(proof.PubKey)...)
	scr = append(scr, script.PushData(proof.Output[:])...)
	scr = append(scr, script.PushData(proof.Proof)...)
	scr = append(scr, script.PushData(headerSig)...)
	return scr
}

// parsePushes splits a script into its data pushes, failing on any
// non-push opcode.
func parsePushes(scr []byte) ([][]byte, error) {
	var pushes [][]byte
	pc := 0
	for pc < len(scr) {
		op := int(scr[pc])
		pc++
		var n int
		switch {
		case op < script.OP_PUSHDATA1:
			n = op
		case op == script.OP_PUSHDATA1:
			if pc+1 > len(scr) {
				return nil, errMalformedProof
			}
			n = int(scr[pc])
			pc++
		case op == script.OP_PUSHDATA2:
			if pc+2 > len(scr) {
				return nil, errMalformedProof
			}
			n = int(scr[pc]) | int(scr[pc+1])<<8
			pc += 2
		default:
			return nil, errMalformedProof
		}
		if pc+n > len(scr) {
			return nil, errMalformedProof
		}
		pushes = append(pushes, scr[pc:pc+n])
		pc += n
	}
	return pushes, nil
}

// ParseCoinbaseScript recovers the stake proof from a coinbase signature
// script.
func ParseCoinbaseScript(scr []byte) (*StakeProof, error) {
	pushes, err := parsePushes(scr)
	if err != nil {
		return nil, err
	}
	if len(pushes) != 5 {
		return nil, errMalformedProof
	}
	proof := &StakeProof{
		PubKey:    pushes[1],
		Proof:     pushes[3],
		HeaderSig: pushes[4],
	}
	if len(pushes[2]) != chainhash.HashSize {
		return nil, errMalformedProof
	}
	copy(proof.Output[:], pushes[2])
	return proof, nil
}

// ProducerSigHash is the digest the producer signs. The signature cannot
// commit to the final block hash (it lives inside the coinbase, which
// feeds the merkle root), so the commitment is the header hash recomputed
// with an empty signature slot in the coinbase script.
func ProducerSigHash(block *core.MsgBlock, height int64, proof *StakeProof) (chainhash.Hash, error) {
	masked := block.Transactions[0].Copy()
	masked.TxIn[0].SignatureScript = BuildCoinbaseScript(height, proof, nil)

	txs := make([]*core.MsgTx, len(block.Transactions))
	copy(txs, block.Transactions)
	txs[0] = masked

	header := block.Header
	header.MerkleRoot = core.CalcMerkleRoot(txs)
	return header.BlockHash(), nil
}
