package chain

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"glc-node/database"
	"glc-node/pkg/core"
	"glc-node/pkg/wire"
)

// Block index record: header || height || status || timeSeen || weight.
type blockIndexRecord struct {
	Header   core.BlockHeader
	Height   int64
	Status   BlockStatus
	TimeSeen int64
	Weight   *big.Int
}

func (r *blockIndexRecord) Encode(w *wire.Writer) error {
	if err := r.Header.Encode(w); err != nil {
		return err
	}
	w.PutUint64(uint64(r.Height))
	w.PutUint8(byte(r.Status))
	w.PutUint64(uint64(r.TimeSeen))
	w.PutVarBytes(r.Weight.Bytes())
	return nil
}

func (r *blockIndexRecord) Decode(rd *wire.Reader) error {
	if err := r.Header.Decode(rd); err != nil {
		return err
	}
	h, err := rd.Uint64()
	if err != nil {
		return err
	}
	r.Height = int64(h)
	st, err := rd.Uint8()
	if err != nil {
		return err
	}
	r.Status = BlockStatus(st)
	ts, err := rd.Uint64()
	if err != nil {
		return err
	}
	r.TimeSeen = int64(ts)
	wb, err := rd.VarBytes()
	if err != nil {
		return err
	}
	r.Weight = new(big.Int).SetBytes(wb)
	return nil
}

// UTXO record: value || script || height || coinbase flag.
type utxoRecord struct {
	Entry UtxoEntry
}

func (r *utxoRecord) Encode(w *wire.Writer) error {
	w.PutUint64(uint64(r.Entry.Output.Value))
	w.PutVarBytes(r.Entry.Output.PkScript)
	w.PutUint64(uint64(r.Entry.Height))
	flag := byte(0)
	if r.Entry.IsCoinBase {
		flag = 1
	}
	w.PutUint8(flag)
	return nil
}

func (r *utxoRecord) Decode(rd *wire.Reader) error {
	v, err := rd.Uint64()
	if err != nil {
		return err
	}
	r.Entry.Output.Value = core.Amount(v)
	if r.Entry.Output.PkScript, err = rd.VarBytes(); err != nil {
		return err
	}
	h, err := rd.Uint64()
	if err != nil {
		return err
	}
	r.Entry.Height = int64(h)
	flag, err := rd.Uint8()
	if err != nil {
		return err
	}
	r.Entry.IsCoinBase = flag != 0
	return nil
}

// Undo record: the spend journal of one connected block.
type undoRecord struct {
	Spent []SpentUtxo
}

func (r *undoRecord) Encode(w *wire.Writer) error {
	w.PutVarInt(uint64(len(r.Spent)))
	for i := range r.Spent {
		if err := r.Spent[i].OutPoint.Encode(w); err != nil {
			return err
		}
		rec := utxoRecord{Entry: r.Spent[i].Entry}
		if err := rec.Encode(w); err != nil {
			return err
		}
	}
	return nil
}

func (r *undoRecord) Decode(rd *wire.Reader) error {
	n, err := rd.VarInt()
	if err != nil {
		return err
	}
	r.Spent = make([]SpentUtxo, n)
	for i := range r.Spent {
		if err := r.Spent[i].OutPoint.Decode(rd); err != nil {
			return err
		}
		var rec utxoRecord
		if err := rec.Decode(rd); err != nil {
			return err
		}
		r.Spent[i].Entry = rec.Entry
	}
	return nil
}

func utxoKey(op core.OutPoint) []byte {
	key := make([]byte, 0, chainhash.HashSize+4)
	key = append(key, op.Hash[:]...)
	key = append(key, byte(op.Index), byte(op.Index>>8), byte(op.Index>>16), byte(op.Index>>24))
	return key
}

func (c *ChainState) persistIndex(bi *BlockIndex) {
	rec := blockIndexRecord{
		Header:   bi.Header,
		Height:   bi.Height,
		Status:   bi.Status,
		TimeSeen: bi.TimeSeen.Unix(),
		Weight:   bi.Weight,
	}
	b, _ := wire.Serialize(&rec)
	if err := c.store.PutBlockIndex(bi.Hash[:], b); err != nil {
		c.log.Error(fmt.Sprintf("persisting index %s: %v", bi.Hash, err))
	}
}

func (c *ChainState) persistBlock(block *core.MsgBlock, bi *BlockIndex) error {
	raw, err := wire.Serialize(block)
	if err != nil {
		return err
	}
	if err := c.store.PutBlock(bi.Hash[:], raw); err != nil {
		return err
	}
	c.persistIndex(bi)
	return nil
}

func (c *ChainState) persistConnect(bi *BlockIndex, journal []SpentUtxo, added []core.OutPoint) error {
	for _, s := range journal {
		if err := c.store.DeleteUtxo(utxoKey(s.OutPoint)); err != nil {
			return err
		}
	}
	for _, op := range added {
		entry := c.utxo.Get(op)
		if entry == nil {
			continue
		}
		rec := utxoRecord{Entry: *entry}
		b, _ := wire.Serialize(&rec)
		if err := c.store.PutUtxo(utxoKey(op), b); err != nil {
			return err
		}
	}
	undo := undoRecord{Spent: journal}
	ub, _ := wire.Serialize(&undo)
	if err := c.store.PutUndo(bi.Hash[:], ub); err != nil {
		return err
	}
	return c.store.PutBestHash(bi.Hash[:])
}

func (c *ChainState) persistDisconnect(newTip *BlockIndex, journal []SpentUtxo, removed []core.OutPoint) error {
	for _, op := range removed {
		if err := c.store.DeleteUtxo(utxoKey(op)); err != nil {
			return err
		}
	}
	for _, s := range journal {
		rec := utxoRecord{Entry: s.Entry}
		b, _ := wire.Serialize(&rec)
		if err := c.store.PutUtxo(utxoKey(s.OutPoint), b); err != nil {
			return err
		}
	}
	return c.store.PutBestHash(newTip.Hash[:])
}

func (c *ChainState) persistUtxoDiff(spent, added []core.OutPoint, best chainhash.Hash) error {
	for _, op := range spent {
		if err := c.store.DeleteUtxo(utxoKey(op)); err != nil {
			return err
		}
	}
	for _, op := range added {
		entry := c.utxo.Get(op)
		if entry == nil {
			continue
		}
		rec := utxoRecord{Entry: *entry}
		b, _ := wire.Serialize(&rec)
		if err := c.store.PutUtxo(utxoKey(op), b); err != nil {
			return err
		}
	}
	return c.store.PutBestHash(best[:])
}

// loadJournal returns the spend journal for a block, falling back to the
// persisted undo record when it is not resident.
func (c *ChainState) loadJournal(hash chainhash.Hash) ([]SpentUtxo, error) {
	if journal, ok := c.spendJournal[hash]; ok {
		return journal, nil
	}
	raw, err := c.store.GetUndo(hash[:])
	if err != nil {
		return nil, fmt.Errorf("chain: no undo data for %s: %w", hash, err)
	}
	var rec undoRecord
	if err := wire.Deserialize(raw, &rec); err != nil {
		return nil, err
	}
	return rec.Spent, nil
}

func (c *ChainState) blockFromStore(hash chainhash.Hash) (*core.MsgBlock, error) {
	raw, err := c.store.GetBlock(hash[:])
	if err != nil {
		return nil, fmt.Errorf("chain: block %s not stored: %w", hash, err)
	}
	block := &core.MsgBlock{}
	if err := wire.Deserialize(raw, block); err != nil {
		return nil, err
	}
	return block, nil
}

// loadFromStore rebuilds the in-memory index, main chain, and UTXO set
// from persisted state. Returns false when the store is empty (fresh node).
func (c *ChainState) loadFromStore() (bool, error) {
	type loaded struct {
		hash chainhash.Hash
		rec  blockIndexRecord
	}
	var records []loaded
	err := c.store.IterateBlockIndex(func(hash, raw []byte) error {
		var l loaded
		copy(l.hash[:], hash)
		if err := wire.Deserialize(raw, &l.rec); err != nil {
			return err
		}
		records = append(records, l)
		return nil
	})
	if err != nil {
		return false, err
	}
	if len(records) == 0 {
		return false, nil
	}

	// Parents precede children once sorted by height.
	sort.Slice(records, func(i, j int) bool { return records[i].rec.Height < records[j].rec.Height })

	for _, l := range records {
		parent := int32(-1)
		if l.rec.Height > 0 {
			p, ok := c.arena.handle(l.rec.Header.PrevBlock)
			if !ok {
				return false, fmt.Errorf("chain: index record %s has unknown parent", l.hash)
			}
			parent = p
		}
		c.arena.add(&BlockIndex{
			Hash:     l.hash,
			Header:   l.rec.Header,
			Height:   l.rec.Height,
			Parent:   parent,
			Weight:   l.rec.Weight,
			Status:   l.rec.Status,
			TimeSeen: time.Unix(l.rec.TimeSeen, 0),
		})
	}

	bestRaw, err := c.store.GetBestHash()
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return false, fmt.Errorf("chain: index present but best hash missing")
		}
		return false, err
	}
	var best chainhash.Hash
	copy(best[:], bestRaw)
	tip, ok := c.arena.handle(best)
	if !ok {
		return false, fmt.Errorf("chain: best hash %s not in index", best)
	}

	c.mainChain = make([]int32, c.arena.node(tip).Height+1)
	for h := tip; h >= 0; h = c.arena.node(h).Parent {
		c.mainChain[c.arena.node(h).Height] = h
	}
	c.bestTip = tip

	err = c.store.IterateUtxos(func(key, raw []byte) error {
		if len(key) != chainhash.HashSize+4 {
			return fmt.Errorf("chain: malformed utxo key of %d bytes", len(key))
		}
		var op core.OutPoint
		copy(op.Hash[:], key[:chainhash.HashSize])
		op.Index = uint32(key[32]) | uint32(key[33])<<8 | uint32(key[34])<<16 | uint32(key[35])<<24
		var rec utxoRecord
		if err := wire.Deserialize(raw, &rec); err != nil {
			return err
		}
		c.utxo.entries[op] = &rec.Entry
		return nil
	})
	if err != nil {
		return false, err
	}

	c.log.Info(fmt.Sprintf("loaded chain state: height %d, %d index nodes, %d utxos",
		c.arena.node(tip).Height, len(records), c.utxo.Len()))
	return true, nil
}
