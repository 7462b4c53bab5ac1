package script

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"glc-node/pkg/core"
)

// run evaluates a bare predicate with no signature context.
func run(t *testing.T, scr []byte) error {
	t.Helper()
	return VerifyInput(nil, scr, nil, 0)
}

func TestSimplePredicates(t *testing.T) {
	tests := []struct {
		name string
		scr  []byte
		ok   bool
		code ErrorCode
	}{
		{"true", []byte{OP_1}, true, 0},
		{"false", []byte{OP_0}, false, ErrEvalFalse},
		{"empty script", nil, false, ErrEvalFalse},
		{"add", []byte{OP_2, OP_3, OP_ADD, OP_5, OP_NUMEQUAL}, true, 0},
		{"sub", []byte{OP_5, OP_3, OP_SUB, OP_2, OP_NUMEQUAL}, true, 0},
		{"dup equal", []byte{OP_7, OP_DUP, OP_EQUAL}, true, 0},
		{"equalverify pass", []byte{OP_4, OP_4, OP_EQUALVERIFY, OP_1}, true, 0},
		{"equalverify fail", []byte{OP_4, OP_5, OP_EQUALVERIFY, OP_1}, false, ErrVerifyFailed},
		{"underflow", []byte{OP_ADD}, false, ErrStackUnderflow},
		{"early return", []byte{OP_1, OP_RETURN}, false, ErrEarlyReturn},
		{"invalid opcode", []byte{OP_1, 0xba}, false, ErrInvalidOpcode},
		{"truncated push", []byte{0x05, 0x01}, false, ErrMalformedPush},
		{"min", []byte{OP_3, OP_7, OP_MIN, OP_3, OP_NUMEQUAL}, true, 0},
		{"within", []byte{OP_5, OP_1, OP_10, OP_WITHIN}, true, 0},
		{"within exclusive top", []byte{OP_10, OP_1, OP_10, OP_WITHIN}, false, ErrEvalFalse},
		{"swap", []byte{OP_1, OP_2, OP_SWAP, OP_1, OP_NUMEQUAL}, true, 0},
		{"unbalanced if", []byte{OP_1, OP_IF, OP_1}, false, ErrUnbalancedConditional},
		{"else without if", []byte{OP_ELSE}, false, ErrUnbalancedConditional},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := run(t, tt.scr)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, IsErrorCode(err, tt.code), "got %v, want code %d", err, tt.code)
		})
	}
}

func TestConditionals(t *testing.T) {
	// IF branch taken.
	require.NoError(t, run(t, []byte{OP_1, OP_IF, OP_2, OP_ELSE, OP_3, OP_ENDIF, OP_2, OP_NUMEQUAL}))
	// ELSE branch taken.
	require.NoError(t, run(t, []byte{OP_0, OP_IF, OP_2, OP_ELSE, OP_3, OP_ENDIF, OP_3, OP_NUMEQUAL}))
	// Nested dead branch must stay balanced without executing.
	require.NoError(t, run(t, []byte{
		OP_0, OP_IF, OP_IF, OP_RETURN, OP_ENDIF, OP_ENDIF, OP_1,
	}))
}

func TestHashOpcodes(t *testing.T) {
	data := []byte("participation")

	sha := chainhash.HashB(data)
	scr := append(PushData(data), OP_SHA256)
	scr = append(scr, PushData(sha)...)
	scr = append(scr, OP_EQUAL)
	assert.NoError(t, run(t, scr))

	dsha := chainhash.DoubleHashB(data)
	scr = append(PushData(data), OP_HASH256)
	scr = append(scr, PushData(dsha)...)
	scr = append(scr, OP_EQUAL)
	assert.NoError(t, run(t, scr))

	h160 := PubKeyHash(data)
	scr = append(PushData(data), OP_HASH160)
	scr = append(scr, PushData(h160)...)
	scr = append(scr, OP_EQUAL)
	assert.NoError(t, run(t, scr))
}

func TestScriptNumMinimalEncoding(t *testing.T) {
	tests := []struct {
		n    scriptNum
		want []byte
	}{
		{0, nil},
		{1, []byte{0x01}},
		{-1, []byte{0x81}},
		{127, []byte{0x7f}},
		{128, []byte{0x80, 0x00}},
		{-128, []byte{0x80, 0x80}},
		{256, []byte{0x00, 0x01}},
		{-300, []byte{0x2c, 0x81}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.n.Bytes(), "encoding of %d", tt.n)
		back, err := makeScriptNum(tt.n.Bytes())
		require.NoError(t, err)
		assert.Equal(t, tt.n, back)
	}

	_, err := makeScriptNum([]byte{1, 2, 3, 4, 5})
	assert.True(t, IsErrorCode(err, ErrNumberTooBig))
}

// spendFixture builds a transaction spending a single P2PKH output.
func spendFixture(t *testing.T) (*core.MsgTx, []byte, *btcec.PrivateKey) {
	t.Helper()
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	pkScript := PayToPubKeyHash(PubKeyHash(key.PubKey().SerializeCompressed()))

	var prev chainhash.Hash
	prev[5] = 0xaa
	tx := &core.MsgTx{
		Version: 1,
		TxIn: []*core.TxIn{{
			PreviousOutPoint: core.OutPoint{Hash: prev, Index: 1},
			Sequence:         core.MaxTxInSequence,
		}},
		TxOut: []*core.TxOut{{Value: 90, PkScript: []byte{OP_1}}},
	}
	return tx, pkScript, key
}

func TestPayToPubKeyHashSpend(t *testing.T) {
	tx, pkScript, key := spendFixture(t)

	sigScript, err := SignInput(pkScript, tx, 0, SigHashAll, key)
	require.NoError(t, err)
	tx.TxIn[0].SignatureScript = sigScript

	assert.NoError(t, VerifyInput(sigScript, pkScript, tx, 0))
}

func TestPayToPubKeyHashWrongKey(t *testing.T) {
	tx, pkScript, _ := spendFixture(t)

	wrongKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	sigScript, err := SignInput(pkScript, tx, 0, SigHashAll, wrongKey)
	require.NoError(t, err)

	err = VerifyInput(sigScript, pkScript, tx, 0)
	require.Error(t, err)
	assert.True(t, IsErrorCode(err, ErrVerifyFailed))
}

func TestSignatureCoversOutputs(t *testing.T) {
	tx, pkScript, key := spendFixture(t)

	sigScript, err := SignInput(pkScript, tx, 0, SigHashAll, key)
	require.NoError(t, err)

	// Tampering with an output invalidates a SIGHASH_ALL signature.
	tx.TxOut[0].Value = 9000
	err = VerifyInput(sigScript, pkScript, tx, 0)
	require.Error(t, err)
}

func TestSigHashFlagsDiffer(t *testing.T) {
	tx, pkScript, _ := spendFixture(t)

	all, err := CalcSignatureHash(pkScript, SigHashAll, tx, 0)
	require.NoError(t, err)
	none, err := CalcSignatureHash(pkScript, SigHashNone, tx, 0)
	require.NoError(t, err)
	single, err := CalcSignatureHash(pkScript, SigHashSingle, tx, 0)
	require.NoError(t, err)

	assert.NotEqual(t, all, none)
	assert.NotEqual(t, all, single)

	// SIGHASH_NONE leaves outputs unsigned.
	tx.TxOut[0].Value = 77
	none2, err := CalcSignatureHash(pkScript, SigHashNone, tx, 0)
	require.NoError(t, err)
	assert.Equal(t, none, none2)
}

func TestCheckMultiSig(t *testing.T) {
	k1, _ := btcec.NewPrivateKey()
	k2, _ := btcec.NewPrivateKey()
	k3, _ := btcec.NewPrivateKey()

	p1 := k1.PubKey().SerializeCompressed()
	p2 := k2.PubKey().SerializeCompressed()
	p3 := k3.PubKey().SerializeCompressed()

	// 2-of-3 locking script.
	pkScript := []byte{OP_2}
	pkScript = append(pkScript, PushData(p1)...)
	pkScript = append(pkScript, PushData(p2)...)
	pkScript = append(pkScript, PushData(p3)...)
	pkScript = append(pkScript, OP_3, OP_CHECKMULTISIG)

	var prev chainhash.Hash
	prev[0] = 0x11
	tx := &core.MsgTx{
		Version: 1,
		TxIn: []*core.TxIn{{
			PreviousOutPoint: core.OutPoint{Hash: prev},
			Sequence:         core.MaxTxInSequence,
		}},
		TxOut: []*core.TxOut{{Value: 1, PkScript: []byte{OP_1}}},
	}

	hash, err := CalcSignatureHash(pkScript, SigHashAll, tx, 0)
	require.NoError(t, err)
	sign := func(k *btcec.PrivateKey) []byte {
		return append(ecdsa.Sign(k, hash).Serialize(), SigHashAll)
	}

	// Signatures in key order, with the historical extra pop item first.
	sigScript := []byte{OP_0}
	sigScript = append(sigScript, PushData(sign(k1))...)
	sigScript = append(sigScript, PushData(sign(k3))...)
	tx.TxIn[0].SignatureScript = sigScript
	assert.NoError(t, VerifyInput(sigScript, pkScript, tx, 0))

	// Out-of-order signatures fail.
	sigScript = []byte{OP_0}
	sigScript = append(sigScript, PushData(sign(k3))...)
	sigScript = append(sigScript, PushData(sign(k1))...)
	tx.TxIn[0].SignatureScript = sigScript
	assert.Error(t, VerifyInput(sigScript, pkScript, tx, 0))
}

func TestScriptSizeLimit(t *testing.T) {
	big := make([]byte, MaxScriptSize+1)
	err := VerifyInput(nil, big, nil, 0)
	assert.True(t, IsErrorCode(err, ErrScriptTooBig))
}

func TestPushDataForms(t *testing.T) {
	small := PushData(make([]byte, 10))
	assert.Equal(t, byte(10), small[0])

	medium := PushData(make([]byte, 200))
	assert.Equal(t, byte(OP_PUSHDATA1), medium[0])
	assert.Equal(t, byte(200), medium[1])

	large := PushData(make([]byte, 1000))
	assert.Equal(t, byte(OP_PUSHDATA2), large[0])
}
