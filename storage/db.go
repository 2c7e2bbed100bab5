package storage

import (
	"errors"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("storage: key not found")

// Database is a generic interface for a key-value store.
// The reward engine stages every mutating operation in a Batch so that an
// operation either lands completely or not at all.
type Database interface {
	Put(key []byte, value []byte) error
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	NewBatch() Batch
	Close()
}

// Batch collects writes and applies them atomically on Write.
type Batch interface {
	Put(key []byte, value []byte)
	// Pending returns the staged value for key, if any.
	Pending(key []byte) ([]byte, bool)
	Len() int
	Write() error
}

// --- In-Memory DB (for testing) ---

type MemDB struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemDB() *MemDB {
	return &MemDB{
		data: make(map[string][]byte),
	}
}

func (db *MemDB) Put(key []byte, value []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.data[string(key)] = append([]byte(nil), value...)
	return nil
}

func (db *MemDB) Get(key []byte) ([]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	value, ok := db.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (db *MemDB) Has(key []byte) (bool, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	_, ok := db.data[string(key)]
	return ok, nil
}

func (db *MemDB) NewBatch() Batch {
	return &memBatch{db: db, writes: newWriteSet()}
}

// Close satisfies the Database interface for MemDB.
func (db *MemDB) Close() {
	// Nothing to close for an in-memory database.
}

type writeSet struct {
	order []string
	vals  map[string][]byte
}

func newWriteSet() *writeSet {
	return &writeSet{vals: make(map[string][]byte)}
}

func (w *writeSet) put(key, value []byte) {
	k := string(key)
	if _, ok := w.vals[k]; !ok {
		w.order = append(w.order, k)
	}
	w.vals[k] = append([]byte(nil), value...)
}

func (w *writeSet) pending(key []byte) ([]byte, bool) {
	v, ok := w.vals[string(key)]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

type memBatch struct {
	db     *MemDB
	writes *writeSet
}

func (b *memBatch) Put(key []byte, value []byte)      { b.writes.put(key, value) }
func (b *memBatch) Pending(key []byte) ([]byte, bool) { return b.writes.pending(key) }
func (b *memBatch) Len() int                          { return len(b.writes.order) }

func (b *memBatch) Write() error {
	b.db.mu.Lock()
	defer b.db.mu.Unlock()
	for _, k := range b.writes.order {
		b.db.data[k] = b.writes.vals[k]
	}
	b.writes = newWriteSet()
	return nil
}

// --- Persistent DB ---

// LevelDB is a persistent key-value store using LevelDB.
type LevelDB struct {
	db *leveldb.DB
}

// NewLevelDB creates or opens a LevelDB database at the specified path.
func NewLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDB{db: db}, nil
}

// Put inserts or updates a key-value pair.
func (ldb *LevelDB) Put(key []byte, value []byte) error {
	return ldb.db.Put(key, value, nil)
}

// Get retrieves a value for a given key.
func (ldb *LevelDB) Get(key []byte) ([]byte, error) {
	value, err := ldb.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	return value, err
}

// Has reports whether the key exists.
func (ldb *LevelDB) Has(key []byte) (bool, error) {
	return ldb.db.Has(key, nil)
}

// NewBatch returns a batch committed through a single LevelDB write.
func (ldb *LevelDB) NewBatch() Batch {
	return &levelBatch{db: ldb.db, writes: newWriteSet()}
}

// Close closes the database connection.
func (ldb *LevelDB) Close() {
	ldb.db.Close()
}

type levelBatch struct {
	db     *leveldb.DB
	writes *writeSet
}

func (b *levelBatch) Put(key []byte, value []byte)      { b.writes.put(key, value) }
func (b *levelBatch) Pending(key []byte) ([]byte, bool) { return b.writes.pending(key) }
func (b *levelBatch) Len() int                          { return len(b.writes.order) }

func (b *levelBatch) Write() error {
	batch := new(leveldb.Batch)
	for _, k := range b.writes.order {
		batch.Put([]byte(k), b.writes.vals[k])
	}
	if err := b.db.Write(batch, nil); err != nil {
		return err
	}
	b.writes = newWriteSet()
	return nil
}

// Read returns the staged value for key when present in batch, falling back to
// the committed value in db.
func Read(db Database, batch Batch, key []byte) ([]byte, error) {
	if batch != nil {
		if v, ok := batch.Pending(key); ok {
			return v, nil
		}
	}
	return db.Get(key)
}
