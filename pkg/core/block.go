package core

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"glc-node/pkg/wire"
)

// MaxBlockSize is the serialized block size ceiling.
const MaxBlockSize = 32_000_000

// BlockHeaderSize is the fixed encoded header length.
const BlockHeaderSize = 80

// BlockHeader is the 80-byte header. After participation activation Nonce is
// always zero and Bits is retained only for format compatibility.
type BlockHeader struct {
	Version    uint32
	PrevBlock  chainhash.Hash
	MerkleRoot chainhash.Hash
	Timestamp  uint32
	Bits       uint32
	Nonce      uint32
}

func (h *BlockHeader) Encode(w *wire.Writer) error {
	w.PutUint32(h.Version)
	w.PutHash(&h.PrevBlock)
	w.PutHash(&h.MerkleRoot)
	w.PutUint32(h.Timestamp)
	w.PutUint32(h.Bits)
	w.PutUint32(h.Nonce)
	return nil
}

func (h *BlockHeader) Decode(r *wire.Reader) error {
	var err error
	if h.Version, err = r.Uint32(); err != nil {
		return err
	}
	if err = r.ReadHash(&h.PrevBlock); err != nil {
		return err
	}
	if err = r.ReadHash(&h.MerkleRoot); err != nil {
		return err
	}
	if h.Timestamp, err = r.Uint32(); err != nil {
		return err
	}
	if h.Bits, err = r.Uint32(); err != nil {
		return err
	}
	h.Nonce, err = r.Uint32()
	return err
}

// BlockHash is the double-SHA256 of the 80-byte serialization.
func (h *BlockHeader) BlockHash() chainhash.Hash {
	b, _ := wire.Serialize(h)
	return chainhash.DoubleHashH(b)
}

// MsgBlock is a header plus its transactions.
type MsgBlock struct {
	Header       BlockHeader
	Transactions []*MsgTx
}

func (b *MsgBlock) Encode(w *wire.Writer) error {
	if err := b.Header.Encode(w); err != nil {
		return err
	}
	w.PutVarInt(uint64(len(b.Transactions)))
	for _, tx := range b.Transactions {
		if err := tx.Encode(w); err != nil {
			return err
		}
	}
	return nil
}

func (b *MsgBlock) Decode(r *wire.Reader) error {
	if err := b.Header.Decode(r); err != nil {
		return err
	}
	n, err := r.VarInt()
	if err != nil {
		return err
	}
	b.Transactions = make([]*MsgTx, 0, n)
	for i := uint64(0); i < n; i++ {
		tx := &MsgTx{}
		if err := tx.Decode(r); err != nil {
			return err
		}
		b.Transactions = append(b.Transactions, tx)
	}
	return nil
}

func (b *MsgBlock) BlockHash() chainhash.Hash {
	return b.Header.BlockHash()
}

func (b *MsgBlock) SerializeSize() int {
	n := BlockHeaderSize + wire.VarIntSize(uint64(len(b.Transactions)))
	for _, tx := range b.Transactions {
		n += tx.SerializeSize()
	}
	return n
}
