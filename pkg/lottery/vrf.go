package lottery

import (
	"errors"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// The VRF is a deterministic-ECDSA construction: the proof is the RFC 6979
// signature over the tagged seed digest and the output is the double-SHA256
// of the proof. Determinism holds for an honest signer; verification binds
// output to proof and proof to (key, seed).
var vrfTag = []byte("glc/vrf/1")

var ErrInvalidProof = errors.New("lottery: VRF proof does not verify")

func vrfDigest(seed []byte) []byte {
	msg := make([]byte, 0, len(vrfTag)+len(seed))
	msg = append(msg, vrfTag...)
	msg = append(msg, seed...)
	return chainhash.DoubleHashB(msg)
}

// Evaluate produces the VRF output and proof for seed under the secret key.
func Evaluate(key *btcec.PrivateKey, seed []byte) (chainhash.Hash, []byte) {
	sig := ecdsa.Sign(key, vrfDigest(seed))
	proof := sig.Serialize()
	return chainhash.DoubleHashH(proof), proof
}

// Verify checks that output is the VRF evaluation of seed under the key
// that proof attests to.
func Verify(pubKey *btcec.PublicKey, seed []byte, output chainhash.Hash, proof []byte) error {
	sig, err := ecdsa.ParseDERSignature(proof)
	if err != nil {
		return ErrInvalidProof
	}
	if !sig.Verify(vrfDigest(seed), pubKey) {
		return ErrInvalidProof
	}
	if chainhash.DoubleHashH(proof) != output {
		return ErrInvalidProof
	}
	return nil
}

// Seed derives the lottery seed for a height: prev_block_hash || LE64(H).
func Seed(prevHash chainhash.Hash, height int64) []byte {
	seed := make([]byte, 0, chainhash.HashSize+8)
	seed = append(seed, prevHash[:]...)
	for i := 0; i < 8; i++ {
		seed = append(seed, byte(uint64(height)>>(8*i)))
	}
	return seed
}

// OutputToBig interprets a VRF output as a little-endian 256-bit integer
// (byte 0 least significant) for target comparison.
func OutputToBig(output *chainhash.Hash) *big.Int {
	var buf [chainhash.HashSize]byte
	for i, b := range output {
		buf[chainhash.HashSize-1-i] = b
	}
	return new(big.Int).SetBytes(buf[:])
}
