package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeUnderTest runs the same contract against every Store implementation.
func storeUnderTest(t *testing.T, s Store) {
	t.Helper()

	// Best hash starts absent.
	_, err := s.GetBestHash()
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.PutBestHash([]byte("besthash0123456789")))
	best, err := s.GetBestHash()
	require.NoError(t, err)
	assert.Equal(t, []byte("besthash0123456789"), best)

	// Blocks round trip.
	_, err = s.GetBlock([]byte("missing"))
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, s.PutBlock([]byte("h1"), []byte("raw-block")))
	raw, err := s.GetBlock([]byte("h1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("raw-block"), raw)

	// Undo data round trips and deletes.
	require.NoError(t, s.PutUndo([]byte("h1"), []byte("journal")))
	undo, err := s.GetUndo([]byte("h1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("journal"), undo)
	require.NoError(t, s.DeleteUndo([]byte("h1")))
	_, err = s.GetUndo([]byte("h1"))
	assert.ErrorIs(t, err, ErrNotFound)

	// UTXO family: put, iterate, delete.
	require.NoError(t, s.PutUtxo([]byte("op1"), []byte("v1")))
	require.NoError(t, s.PutUtxo([]byte("op2"), []byte("v2")))
	seen := map[string]string{}
	require.NoError(t, s.IterateUtxos(func(k, v []byte) error {
		seen[string(k)] = string(v)
		return nil
	}))
	assert.Equal(t, map[string]string{"op1": "v1", "op2": "v2"}, seen)

	require.NoError(t, s.DeleteUtxo([]byte("op1")))
	n := 0
	require.NoError(t, s.IterateUtxos(func(k, v []byte) error { n++; return nil }))
	assert.Equal(t, 1, n)

	// Participants iterate by key.
	require.NoError(t, s.PutParticipant([]byte("pk"), []byte("rec")))
	found := false
	require.NoError(t, s.IterateParticipants(func(k, v []byte) error {
		found = string(k) == "pk" && string(v) == "rec"
		return nil
	}))
	assert.True(t, found)
	require.NoError(t, s.DeleteParticipant([]byte("pk")))

	// Block index iterates.
	require.NoError(t, s.PutBlockIndex([]byte("h1"), []byte("idx")))
	n = 0
	require.NoError(t, s.IterateBlockIndex(func(k, v []byte) error { n++; return nil }))
	assert.Equal(t, 1, n)

	// Peer addresses iterate.
	require.NoError(t, s.PutPeerAddr([]byte("1.2.3.4:8121"), []byte("addr")))
	n = 0
	require.NoError(t, s.IteratePeerAddrs(func(k, v []byte) error { n++; return nil }))
	assert.Equal(t, 1, n)
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	storeUnderTest(t, s)
	assert.NoError(t, s.Close())
}

func TestLevelDBStore(t *testing.T) {
	s, err := NewLevelDBStore(t.TempDir() + "/db")
	require.NoError(t, err)
	storeUnderTest(t, s)
	assert.NoError(t, s.Close())
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	s := NewMemoryStore()
	val := []byte{1, 2, 3}
	require.NoError(t, s.PutBlock([]byte("k"), val))
	val[0] = 99

	got, err := s.GetBlock([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got)
}
