package database

import (
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key prefixes for the record families of the persisted state layout.
var (
	prefixBlockIndex  = []byte("block_index/")
	prefixBlock       = []byte("block/")
	prefixUndo        = []byte("undo/")
	prefixUtxo        = []byte("utxo/")
	prefixParticipant = []byte("participant/")
	prefixPeerAddr    = []byte("peer_addr/")
	keyBestHash       = []byte("best_hash")
)

// levelDBStore backs Store with a single goleveldb database.
type levelDBStore struct {
	db *leveldb.DB
}

func NewLevelDBStore(path string) (Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &levelDBStore{db: db}, nil
}

func prefixed(prefix, key []byte) []byte {
	out := make([]byte, 0, len(prefix)+len(key))
	out = append(out, prefix...)
	return append(out, key...)
}

func (s *levelDBStore) get(key []byte) ([]byte, error) {
	v, err := s.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrNotFound
	}
	return v, err
}

func (s *levelDBStore) iterate(prefix []byte, fn func(k, v []byte) error) error {
	iter := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	for iter.Next() {
		key := cloneBytes(iter.Key()[len(prefix):])
		val := cloneBytes(iter.Value())
		if err := fn(key, val); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (s *levelDBStore) PutBlockIndex(hash, rec []byte) error {
	return s.db.Put(prefixed(prefixBlockIndex, hash), rec, nil)
}

func (s *levelDBStore) IterateBlockIndex(fn func(hash, rec []byte) error) error {
	return s.iterate(prefixBlockIndex, fn)
}

func (s *levelDBStore) PutBlock(hash, raw []byte) error {
	return s.db.Put(prefixed(prefixBlock, hash), raw, nil)
}

func (s *levelDBStore) GetBlock(hash []byte) ([]byte, error) {
	return s.get(prefixed(prefixBlock, hash))
}

func (s *levelDBStore) PutUndo(hash, rec []byte) error {
	return s.db.Put(prefixed(prefixUndo, hash), rec, nil)
}

func (s *levelDBStore) GetUndo(hash []byte) ([]byte, error) {
	return s.get(prefixed(prefixUndo, hash))
}

func (s *levelDBStore) DeleteUndo(hash []byte) error {
	return s.db.Delete(prefixed(prefixUndo, hash), nil)
}

func (s *levelDBStore) PutUtxo(key, rec []byte) error {
	return s.db.Put(prefixed(prefixUtxo, key), rec, nil)
}

func (s *levelDBStore) DeleteUtxo(key []byte) error {
	return s.db.Delete(prefixed(prefixUtxo, key), nil)
}

func (s *levelDBStore) IterateUtxos(fn func(key, rec []byte) error) error {
	return s.iterate(prefixUtxo, fn)
}

func (s *levelDBStore) PutBestHash(hash []byte) error {
	return s.db.Put(keyBestHash, hash, nil)
}

func (s *levelDBStore) GetBestHash() ([]byte, error) {
	return s.get(keyBestHash)
}

func (s *levelDBStore) PutParticipant(pubKey, rec []byte) error {
	return s.db.Put(prefixed(prefixParticipant, pubKey), rec, nil)
}

func (s *levelDBStore) DeleteParticipant(pubKey []byte) error {
	return s.db.Delete(prefixed(prefixParticipant, pubKey), nil)
}

func (s *levelDBStore) IterateParticipants(fn func(pubKey, rec []byte) error) error {
	return s.iterate(prefixParticipant, fn)
}

func (s *levelDBStore) PutPeerAddr(key, rec []byte) error {
	return s.db.Put(prefixed(prefixPeerAddr, key), rec, nil)
}

func (s *levelDBStore) IteratePeerAddrs(fn func(key, rec []byte) error) error {
	return s.iterate(prefixPeerAddr, fn)
}

func (s *levelDBStore) Close() error {
	return s.db.Close()
}
