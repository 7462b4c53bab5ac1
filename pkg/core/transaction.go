package core

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"glc-node/pkg/wire"
)

// MaxTxInSequence is the final sequence number.
const MaxTxInSequence uint32 = 0xffffffff

// OutPoint identifies a transaction output.
type OutPoint struct {
	Hash  chainhash.Hash
	Index uint32
}

// NullOutPointIndex marks a coinbase prevout together with a zero hash.
const NullOutPointIndex uint32 = 0xffffffff

func (o *OutPoint) IsNull() bool {
	return o.Index == NullOutPointIndex && o.Hash == (chainhash.Hash{})
}

func (o OutPoint) String() string {
	return fmt.Sprintf("%s:%d", o.Hash, o.Index)
}

func (o *OutPoint) Encode(w *wire.Writer) error {
	w.PutHash(&o.Hash)
	w.PutUint32(o.Index)
	return nil
}

func (o *OutPoint) Decode(r *wire.Reader) error {
	if err := r.ReadHash(&o.Hash); err != nil {
		return err
	}
	var err error
	o.Index, err = r.Uint32()
	return err
}

// TxIn spends a previous output.
type TxIn struct {
	PreviousOutPoint OutPoint
	SignatureScript  []byte
	Sequence         uint32
}

func (ti *TxIn) Encode(w *wire.Writer) error {
	if err := ti.PreviousOutPoint.Encode(w); err != nil {
		return err
	}
	w.PutVarBytes(ti.SignatureScript)
	w.PutUint32(ti.Sequence)
	return nil
}

func (ti *TxIn) Decode(r *wire.Reader) error {
	if err := ti.PreviousOutPoint.Decode(r); err != nil {
		return err
	}
	var err error
	if ti.SignatureScript, err = r.VarBytes(); err != nil {
		return err
	}
	ti.Sequence, err = r.Uint32()
	return err
}

// TxOut locks a value behind a script.
type TxOut struct {
	Value    Amount
	PkScript []byte
}

func (to *TxOut) Encode(w *wire.Writer) error {
	w.PutUint64(uint64(to.Value))
	w.PutVarBytes(to.PkScript)
	return nil
}

func (to *TxOut) Decode(r *wire.Reader) error {
	v, err := r.Uint64()
	if err != nil {
		return err
	}
	to.Value = Amount(v)
	to.PkScript, err = r.VarBytes()
	return err
}

// MsgTx is the canonical transaction form.
type MsgTx struct {
	Version  uint32
	TxIn     []*TxIn
	TxOut    []*TxOut
	LockTime uint32
}

func (tx *MsgTx) Encode(w *wire.Writer) error {
	w.PutUint32(tx.Version)
	w.PutVarInt(uint64(len(tx.TxIn)))
	for _, ti := range tx.TxIn {
		if err := ti.Encode(w); err != nil {
			return err
		}
	}
	w.PutVarInt(uint64(len(tx.TxOut)))
	for _, to := range tx.TxOut {
		if err := to.Encode(w); err != nil {
			return err
		}
	}
	w.PutUint32(tx.LockTime)
	return nil
}

func (tx *MsgTx) Decode(r *wire.Reader) error {
	var err error
	if tx.Version, err = r.Uint32(); err != nil {
		return err
	}

	nIn, err := r.VarInt()
	if err != nil {
		return err
	}
	tx.TxIn = make([]*TxIn, 0, nIn)
	for i := uint64(0); i < nIn; i++ {
		ti := &TxIn{}
		if err := ti.Decode(r); err != nil {
			return err
		}
		tx.TxIn = append(tx.TxIn, ti)
	}

	nOut, err := r.VarInt()
	if err != nil {
		return err
	}
	tx.TxOut = make([]*TxOut, 0, nOut)
	for i := uint64(0); i < nOut; i++ {
		to := &TxOut{}
		if err := to.Decode(r); err != nil {
			return err
		}
		tx.TxOut = append(tx.TxOut, to)
	}

	tx.LockTime, err = r.Uint32()
	return err
}

// TxHash is the double-SHA256 of the canonical serialization.
func (tx *MsgTx) TxHash() chainhash.Hash {
	b, _ := wire.Serialize(tx)
	return chainhash.DoubleHashH(b)
}

// SerializeSize is the canonical encoded length in bytes.
func (tx *MsgTx) SerializeSize() int {
	n := 4 + 4 // version + locktime
	n += wire.VarIntSize(uint64(len(tx.TxIn)))
	for _, ti := range tx.TxIn {
		n += chainhash.HashSize + 4 // prevout
		n += wire.VarIntSize(uint64(len(ti.SignatureScript))) + len(ti.SignatureScript)
		n += 4 // sequence
	}
	n += wire.VarIntSize(uint64(len(tx.TxOut)))
	for _, to := range tx.TxOut {
		n += 8
		n += wire.VarIntSize(uint64(len(to.PkScript))) + len(to.PkScript)
	}
	return n
}

// Copy performs a deep copy, used by sighash masking.
func (tx *MsgTx) Copy() *MsgTx {
	cp := &MsgTx{
		Version:  tx.Version,
		LockTime: tx.LockTime,
		TxIn:     make([]*TxIn, 0, len(tx.TxIn)),
		TxOut:    make([]*TxOut, 0, len(tx.TxOut)),
	}
	for _, ti := range tx.TxIn {
		script := make([]byte, len(ti.SignatureScript))
		copy(script, ti.SignatureScript)
		cp.TxIn = append(cp.TxIn, &TxIn{
			PreviousOutPoint: ti.PreviousOutPoint,
			SignatureScript:  script,
			Sequence:         ti.Sequence,
		})
	}
	for _, to := range tx.TxOut {
		script := make([]byte, len(to.PkScript))
		copy(script, to.PkScript)
		cp.TxOut = append(cp.TxOut, &TxOut{Value: to.Value, PkScript: script})
	}
	return cp
}

// IsCoinBase reports whether tx mints: one input with a null prevout.
func (tx *MsgTx) IsCoinBase() bool {
	return len(tx.TxIn) == 1 && tx.TxIn[0].PreviousOutPoint.IsNull()
}
