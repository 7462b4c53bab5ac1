package database

import (
	"errors"
	"sync"
)

// ErrNotFound is returned for any missing record.
var ErrNotFound = errors.New("database: record not found")

// Store is the persistence boundary the chain state and address manager
// write through. Records are opaque canonical serializations; keys are the
// record family plus the caller's key bytes.
type Store interface {
	PutBlockIndex(hash []byte, rec []byte) error
	IterateBlockIndex(fn func(hash, rec []byte) error) error

	PutBlock(hash []byte, raw []byte) error
	GetBlock(hash []byte) ([]byte, error)

	PutUndo(hash []byte, rec []byte) error
	GetUndo(hash []byte) ([]byte, error)
	DeleteUndo(hash []byte) error

	PutUtxo(key []byte, rec []byte) error
	DeleteUtxo(key []byte) error
	IterateUtxos(fn func(key, rec []byte) error) error

	PutBestHash(hash []byte) error
	GetBestHash() ([]byte, error)

	PutParticipant(pubKey []byte, rec []byte) error
	DeleteParticipant(pubKey []byte) error
	IterateParticipants(fn func(pubKey, rec []byte) error) error

	PutPeerAddr(key []byte, rec []byte) error
	IteratePeerAddrs(fn func(key, rec []byte) error) error

	Close() error
}

// MemoryStore is the non-persistent Store used by tests and isolated node
// states.
type MemoryStore struct {
	mtx sync.RWMutex

	blockIndex   map[string][]byte
	blocks       map[string][]byte
	undo         map[string][]byte
	utxos        map[string][]byte
	participants map[string][]byte
	peerAddrs    map[string][]byte
	bestHash     []byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blockIndex:   make(map[string][]byte),
		blocks:       make(map[string][]byte),
		undo:         make(map[string][]byte),
		utxos:        make(map[string][]byte),
		participants: make(map[string][]byte),
		peerAddrs:    make(map[string][]byte),
	}
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (m *MemoryStore) put(bucket map[string][]byte, key, rec []byte) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	bucket[string(key)] = cloneBytes(rec)
	return nil
}

func (m *MemoryStore) iterate(bucket map[string][]byte, fn func(k, v []byte) error) error {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	for k, v := range bucket {
		if err := fn([]byte(k), v); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) PutBlockIndex(hash, rec []byte) error { return m.put(m.blockIndex, hash, rec) }
func (m *MemoryStore) IterateBlockIndex(fn func(hash, rec []byte) error) error {
	return m.iterate(m.blockIndex, fn)
}

func (m *MemoryStore) PutBlock(hash, raw []byte) error { return m.put(m.blocks, hash, raw) }
func (m *MemoryStore) GetBlock(hash []byte) ([]byte, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	raw, ok := m.blocks[string(hash)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBytes(raw), nil
}

func (m *MemoryStore) PutUndo(hash, rec []byte) error { return m.put(m.undo, hash, rec) }
func (m *MemoryStore) GetUndo(hash []byte) ([]byte, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	rec, ok := m.undo[string(hash)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBytes(rec), nil
}
func (m *MemoryStore) DeleteUndo(hash []byte) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	delete(m.undo, string(hash))
	return nil
}

func (m *MemoryStore) PutUtxo(key, rec []byte) error { return m.put(m.utxos, key, rec) }
func (m *MemoryStore) DeleteUtxo(key []byte) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	delete(m.utxos, string(key))
	return nil
}
func (m *MemoryStore) IterateUtxos(fn func(key, rec []byte) error) error {
	return m.iterate(m.utxos, fn)
}

func (m *MemoryStore) PutBestHash(hash []byte) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.bestHash = cloneBytes(hash)
	return nil
}

func (m *MemoryStore) GetBestHash() ([]byte, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	if m.bestHash == nil {
		return nil, ErrNotFound
	}
	return cloneBytes(m.bestHash), nil
}

func (m *MemoryStore) PutParticipant(pubKey, rec []byte) error {
	return m.put(m.participants, pubKey, rec)
}
func (m *MemoryStore) DeleteParticipant(pubKey []byte) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	delete(m.participants, string(pubKey))
	return nil
}
func (m *MemoryStore) IterateParticipants(fn func(pubKey, rec []byte) error) error {
	return m.iterate(m.participants, fn)
}

func (m *MemoryStore) PutPeerAddr(key, rec []byte) error { return m.put(m.peerAddrs, key, rec) }
func (m *MemoryStore) IteratePeerAddrs(fn func(key, rec []byte) error) error {
	return m.iterate(m.peerAddrs, fn)
}

func (m *MemoryStore) Close() error { return nil }
