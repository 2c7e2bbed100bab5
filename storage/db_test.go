package storage

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func exerciseBatch(t *testing.T, db Database) {
	t.Helper()

	_, err := db.Get([]byte("missing"))
	require.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, db.Put([]byte("a"), []byte("1")))

	batch := db.NewBatch()
	batch.Put([]byte("a"), []byte("2"))
	batch.Put([]byte("b"), []byte("3"))
	require.Equal(t, 2, batch.Len())

	// Staged writes are visible through Read but not through the database.
	got, err := Read(db, batch, []byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), got)
	got, err = db.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), got)
	ok, err := db.Has([]byte("b"))
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, batch.Write())
	require.Equal(t, 0, batch.Len())

	got, err = db.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), got)
	ok, err = db.Has([]byte("b"))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMemDBBatch(t *testing.T) {
	exerciseBatch(t, NewMemDB())
}

func TestLevelDBBatchPersists(t *testing.T) {
	dir := t.TempDir()

	db1, err := NewLevelDB(dir)
	require.NoError(t, err)
	exerciseBatch(t, db1)
	db1.Close()

	db2, err := NewLevelDB(dir)
	require.NoError(t, err)
	defer db2.Close()

	got, err := db2.Get([]byte("b"))
	require.NoError(t, err)
	require.Equal(t, []byte("3"), got)
}
