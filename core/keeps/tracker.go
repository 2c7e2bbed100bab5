package keeps

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"keeprewards/storage"
)

const (
	keepKeyPrefix   = "keeps/record/"
	keepCountKey    = "keeps/count"
	keepIndexPrefix = "keeps/index/"
)

type storedKeep struct {
	ID            common.Address
	Members       []common.Address
	State         uint8
	OpenedAt      uint64
	ClosedAt      uint64
	RewardSettled bool
}

func keepKey(id common.Address) []byte {
	return append([]byte(keepKeyPrefix), id.Bytes()...)
}

func indexKey(seq uint64) []byte {
	buf := make([]byte, len(keepIndexPrefix)+8)
	copy(buf, keepIndexPrefix)
	binary.BigEndian.PutUint64(buf[len(keepIndexPrefix):], seq)
	return buf
}

// Tracker owns the lifecycle projection of every keep known to the reward
// engine together with its reward-settled flag. Records live in the supplied
// key-value store; the ordered view of closure timestamps is kept in memory and
// rebuilt on construction.
type Tracker struct {
	db storage.Database

	mu       sync.RWMutex
	count    uint64
	closures []uint64
}

// NewTracker loads the tracker state persisted in db.
func NewTracker(db storage.Database) (*Tracker, error) {
	if db == nil {
		return nil, errors.New("keeps: database required")
	}
	t := &Tracker{db: db}
	raw, err := db.Get([]byte(keepCountKey))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return t, nil
	case err != nil:
		return nil, err
	}
	if len(raw) != 8 {
		return nil, fmt.Errorf("keeps: corrupt keep count")
	}
	t.count = binary.BigEndian.Uint64(raw)
	for seq := uint64(0); seq < t.count; seq++ {
		idRaw, err := db.Get(indexKey(seq))
		if err != nil {
			return nil, fmt.Errorf("keeps: load index %d: %w", seq, err)
		}
		keep, err := t.load(nil, common.BytesToAddress(idRaw))
		if err != nil {
			return nil, err
		}
		if keep.State.Terminal() {
			t.closures = append(t.closures, keep.ClosedAt)
		}
	}
	sort.Slice(t.closures, func(i, j int) bool { return t.closures[i] < t.closures[j] })
	return t, nil
}

func (t *Tracker) load(batch storage.Batch, id common.Address) (*Keep, error) {
	raw, err := storage.Read(t.db, batch, keepKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrUnrecognizedKeep
	}
	if err != nil {
		return nil, err
	}
	var stored storedKeep
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, fmt.Errorf("keeps: decode %s: %w", id.Hex(), err)
	}
	keep := &Keep{
		ID:            stored.ID,
		Members:       stored.Members,
		State:         State(stored.State),
		OpenedAt:      stored.OpenedAt,
		ClosedAt:      stored.ClosedAt,
		RewardSettled: stored.RewardSettled,
	}
	if !keep.State.Valid() {
		return nil, fmt.Errorf("keeps: %s has invalid state %d", id.Hex(), stored.State)
	}
	return keep, nil
}

func stage(batch storage.Batch, keep *Keep) error {
	encoded, err := rlp.EncodeToBytes(storedKeep{
		ID:            keep.ID,
		Members:       keep.Members,
		State:         uint8(keep.State),
		OpenedAt:      keep.OpenedAt,
		ClosedAt:      keep.ClosedAt,
		RewardSettled: keep.RewardSettled,
	})
	if err != nil {
		return err
	}
	batch.Put(keepKey(keep.ID), encoded)
	return nil
}

// register stages a new active keep and its index entry. Callers hold t.mu.
func (t *Tracker) register(batch storage.Batch, id common.Address, members []common.Address, openedAt uint64) (*Keep, error) {
	if len(members) == 0 {
		return nil, ErrNoMembers
	}
	keep := &Keep{
		ID:       id,
		Members:  append([]common.Address(nil), members...),
		State:    StateActive,
		OpenedAt: openedAt,
	}
	if err := stage(batch, keep); err != nil {
		return nil, err
	}
	batch.Put(indexKey(t.count), id.Bytes())
	next := make([]byte, 8)
	binary.BigEndian.PutUint64(next, t.count+1)
	batch.Put([]byte(keepCountKey), next)
	return keep, nil
}

// Open registers an active keep. Registering the same keep again with the same
// members is a no-op.
func (t *Tracker) Open(id common.Address, members []common.Address, openedAt uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	existing, err := t.load(nil, id)
	switch {
	case err == nil:
		if sameMembers(existing.Members, members) {
			return nil
		}
		return ErrKeepExists
	case !errors.Is(err, ErrUnrecognizedKeep):
		return err
	}
	batch := t.db.NewBatch()
	if _, err := t.register(batch, id, members, openedAt); err != nil {
		return err
	}
	if err := batch.Write(); err != nil {
		return err
	}
	t.count++
	return nil
}

// ReportClosed moves an active keep to Closed at ts. A keep unknown to the
// tracker is registered from members first; members are ignored for keeps that
// are already registered.
func (t *Tracker) ReportClosed(id common.Address, members []common.Address, ts uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	batch := t.db.NewBatch()
	registered := false
	keep, err := t.load(nil, id)
	if errors.Is(err, ErrUnrecognizedKeep) {
		keep, err = t.register(batch, id, members, ts)
		registered = true
	}
	if err != nil {
		return err
	}
	if keep.State != StateActive {
		return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id.Hex(), keep.State)
	}
	keep.State = StateClosed
	keep.ClosedAt = ts
	if err := stage(batch, keep); err != nil {
		return err
	}
	if err := batch.Write(); err != nil {
		return err
	}
	if registered {
		t.count++
	}
	t.insertClosure(ts)
	return nil
}

// ReportTerminated moves an active keep to Terminated. ts is recorded as the
// keep's closure time so the keep is attributed to an interval.
func (t *Tracker) ReportTerminated(id common.Address, ts uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	keep, err := t.load(nil, id)
	if err != nil {
		return err
	}
	if keep.State != StateActive {
		return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id.Hex(), keep.State)
	}
	keep.State = StateTerminated
	keep.ClosedAt = ts
	batch := t.db.NewBatch()
	if err := stage(batch, keep); err != nil {
		return err
	}
	if err := batch.Write(); err != nil {
		return err
	}
	t.insertClosure(ts)
	return nil
}

func (t *Tracker) insertClosure(ts uint64) {
	idx := sort.Search(len(t.closures), func(i int) bool { return t.closures[i] > ts })
	t.closures = append(t.closures, 0)
	copy(t.closures[idx+1:], t.closures[idx:])
	t.closures[idx] = ts
}

// MarkSettled stages the false→true transition of the keep's reward flag on
// batch. The change becomes visible once the caller writes the batch.
func (t *Tracker) MarkSettled(batch storage.Batch, id common.Address) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	keep, err := t.load(batch, id)
	if err != nil {
		return err
	}
	if keep.RewardSettled {
		return ErrAlreadySettled
	}
	keep.RewardSettled = true
	return stage(batch, keep)
}

// Get returns a copy of the keep record.
func (t *Tracker) Get(id common.Address) (*Keep, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.load(nil, id)
}

// IsEligibleForReward reports whether the keep closed cooperatively.
func (t *Tracker) IsEligibleForReward(id common.Address) (bool, error) {
	keep, err := t.Get(id)
	if err != nil {
		return false, err
	}
	return keep.State == StateClosed, nil
}

// IsEligibleForReclamation reports whether the keep terminated and its share
// has not been reclaimed yet.
func (t *Tracker) IsEligibleForReclamation(id common.Address) (bool, error) {
	keep, err := t.Get(id)
	if err != nil {
		return false, err
	}
	return keep.State == StateTerminated && !keep.RewardSettled, nil
}

// ClosureTimestamps returns the sorted closure times of every closed or
// terminated keep.
func (t *Tracker) ClosureTimestamps() []uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]uint64(nil), t.closures...)
}

// Count returns the number of registered keeps.
func (t *Tracker) Count() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}
