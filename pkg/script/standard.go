package script

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"

	"glc-node/pkg/core"
)

// PayToPubKeyHash builds the standard locking script for a 20-byte key hash:
// DUP HASH160 <hash> EQUALVERIFY CHECKSIG.
func PayToPubKeyHash(pubKeyHash []byte) []byte {
	scr := make([]byte, 0, 25)
	scr = append(scr, OP_DUP, OP_HASH160, byte(len(pubKeyHash)))
	scr = append(scr, pubKeyHash...)
	scr = append(scr, OP_EQUALVERIFY, OP_CHECKSIG)
	return scr
}

// PayToPubKey builds <pubkey> CHECKSIG.
func PayToPubKey(pubKey []byte) []byte {
	scr := make([]byte, 0, len(pubKey)+2)
	scr = append(scr, byte(len(pubKey)))
	scr = append(scr, pubKey...)
	scr = append(scr, OP_CHECKSIG)
	return scr
}

// PubKeyHash returns HASH160 of a serialized public key.
func PubKeyHash(pubKey []byte) []byte {
	return btcutil.Hash160(pubKey)
}

// PushData renders a minimal data push for b.
func PushData(b []byte) []byte {
	switch {
	case len(b) < OP_PUSHDATA1:
		out := make([]byte, 0, len(b)+1)
		out = append(out, byte(len(b)))
		return append(out, b...)
	case len(b) <= 0xff:
		out := make([]byte, 0, len(b)+2)
		out = append(out, OP_PUSHDATA1, byte(len(b)))
		return append(out, b...)
	case len(b) <= 0xffff:
		out := make([]byte, 0, len(b)+3)
		out = append(out, OP_PUSHDATA2, byte(len(b)), byte(len(b)>>8))
		return append(out, b...)
	default:
		out := make([]byte, 0, len(b)+5)
		out = append(out, OP_PUSHDATA4, byte(len(b)), byte(len(b)>>8), byte(len(b)>>16), byte(len(b)>>24))
		return append(out, b...)
	}
}

// SignInput produces the signature script spending a pay-to-pubkey-hash
// output: <sig||hashtype> <pubkey>.
func SignInput(pkScript []byte, tx *core.MsgTx, idx int, hashType byte, key *btcec.PrivateKey) ([]byte, error) {
	hash, err := CalcSignatureHash(pkScript, hashType, tx, idx)
	if err != nil {
		return nil, err
	}

	sig := ecdsa.Sign(key, hash)
	sigBytes := append(sig.Serialize(), hashType)

	scr := PushData(sigBytes)
	scr = append(scr, PushData(key.PubKey().SerializeCompressed())...)
	return scr, nil
}
