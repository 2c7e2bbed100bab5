package allocator

import (
	"errors"
	"math/big"
	"testing"

	"keeprewards/core/intervals"
	"keeprewards/storage"
)

func newTestAllocator(t *testing.T, policy DustPolicy) (*Allocator, storage.Database) {
	t.Helper()
	db := storage.NewMemDB()
	schedule := &intervals.Schedule{
		InitiationTime:      1000,
		TermLength:          100,
		Weights:             []uint32{20, 50, 25, 50},
		MinimumParticipants: 2,
	}
	a, err := New(db, schedule, policy)
	if err != nil {
		t.Fatalf("new allocator: %v", err)
	}
	return a, db
}

func fund(t *testing.T, a *Allocator, db storage.Database, amount int64) {
	t.Helper()
	batch := db.NewBatch()
	if err := a.Fund(batch, big.NewInt(amount)); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if err := batch.Write(); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func allocate(t *testing.T, a *Allocator, db storage.Database, n uint64, participants int) *Allocation {
	t.Helper()
	batch := db.NewBatch()
	alloc, err := a.AllocateInterval(batch, n, participants)
	if err != nil {
		t.Fatalf("allocate %d: %v", n, err)
	}
	if err := batch.Write(); err != nil {
		t.Fatalf("write: %v", err)
	}
	return alloc
}

func assertBalanced(t *testing.T, a *Allocator) *Totals {
	t.Helper()
	totals, err := a.Totals(nil)
	if err != nil {
		t.Fatalf("totals: %v", err)
	}
	if !totals.Balanced() {
		t.Fatalf("conservation violated: %+v", totals)
	}
	return totals
}

func TestAllocateIntervalProportional(t *testing.T) {
	a, db := newTestAllocator(t, DustRetain)
	fund(t, a, db, 1_000_000)

	alloc := allocate(t, a, db, 0, 3)
	if alloc.Allocated.Int64() != 200_000 {
		t.Fatalf("expected 200000 allocated got %s", alloc.Allocated)
	}
	if alloc.Share.Int64() != 66_666 {
		t.Fatalf("expected share 66666 got %s", alloc.Share)
	}
	if alloc.Dust.Int64() != 2 {
		t.Fatalf("expected 2 dust got %s", alloc.Dust)
	}
	pool, err := a.Unallocated()
	if err != nil {
		t.Fatalf("unallocated: %v", err)
	}
	if pool.Int64() != 800_000 {
		t.Fatalf("expected pool 800000 got %s", pool)
	}
	totals := assertBalanced(t, a)
	if totals.Outstanding.Int64() != 199_998 {
		t.Fatalf("expected outstanding 199998 got %s", totals.Outstanding)
	}
}

func TestAllocateIntervalMinimumParticipantsRollsOver(t *testing.T) {
	a, db := newTestAllocator(t, DustRetain)
	fund(t, a, db, 1_000_000)

	gated := allocate(t, a, db, 0, 1)
	if gated.Allocated.Sign() != 0 || gated.Share.Sign() != 0 {
		t.Fatalf("gated interval must allocate nothing, got %+v", gated)
	}
	// Interval 1 uses weight 50 against the untouched pool.
	next := allocate(t, a, db, 1, 2)
	if next.Allocated.Int64() != 500_000 || next.Share.Int64() != 250_000 {
		t.Fatalf("unexpected rollover allocation %+v", next)
	}
	assertBalanced(t, a)
}

func TestAllocateIntervalOrdering(t *testing.T) {
	a, db := newTestAllocator(t, DustRetain)
	fund(t, a, db, 100)
	batch := db.NewBatch()
	if _, err := a.AllocateInterval(batch, 1, 2); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("expected out of order, got %v", err)
	}
	allocate(t, a, db, 0, 2)
	if _, err := a.AllocateInterval(db.NewBatch(), 0, 2); !errors.Is(err, ErrAlreadyAllocated) {
		t.Fatalf("expected already allocated, got %v", err)
	}
	ok, err := a.IsAllocated(nil, 0)
	if err != nil || !ok {
		t.Fatalf("interval 0 should be allocated (%v)", err)
	}
	ok, _ = a.IsAllocated(nil, 1)
	if ok {
		t.Fatalf("interval 1 should not be allocated")
	}
}

func TestCyclicWeightsBeyondTable(t *testing.T) {
	a, db := newTestAllocator(t, DustRetain)
	fund(t, a, db, 1_000_000)
	for n := uint64(0); n < 4; n++ {
		allocate(t, a, db, n, 0)
	}
	// Interval 4 wraps to weights[0] = 20%.
	alloc := allocate(t, a, db, 4, 2)
	if alloc.Allocated.Int64() != 200_000 {
		t.Fatalf("expected wraparound weight 20%%, allocated %s", alloc.Allocated)
	}
}

func TestReclaimAndPayout(t *testing.T) {
	a, db := newTestAllocator(t, DustRetain)
	fund(t, a, db, 1_000_000)
	alloc := allocate(t, a, db, 0, 3)

	batch := db.NewBatch()
	if err := a.Reclaim(batch, 0, alloc.Share); err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if err := batch.Write(); err != nil {
		t.Fatalf("write: %v", err)
	}
	pool, _ := a.Unallocated()
	if pool.Int64() != 800_000+66_666 {
		t.Fatalf("expected pool to grow by one share, got %s", pool)
	}

	batch = db.NewBatch()
	// Two members of 33,333 each: nothing left over.
	if err := a.RecordPayout(batch, 0, alloc.Share, big.NewInt(66_666)); err != nil {
		t.Fatalf("payout: %v", err)
	}
	if err := a.RecordPayout(batch, 0, alloc.Share, big.NewInt(66_665)); err != nil {
		t.Fatalf("payout: %v", err)
	}
	if err := a.RecordPayout(batch, 0, alloc.Share, big.NewInt(1)); !errors.Is(err, ErrOverSettled) {
		t.Fatalf("expected over-settled, got %v", err)
	}
	if err := batch.Write(); err != nil {
		t.Fatalf("write: %v", err)
	}
	totals := assertBalanced(t, a)
	if totals.Outstanding.Sign() != 0 {
		t.Fatalf("expected nothing outstanding, got %s", totals.Outstanding)
	}
	if totals.Dust.Int64() != 3 {
		t.Fatalf("expected dust 3 got %s", totals.Dust)
	}
	if totals.Reclaimed.Int64() != 66_666 || totals.Paid.Int64() != 133_331 {
		t.Fatalf("unexpected totals %+v", totals)
	}

	if err := a.Reclaim(db.NewBatch(), 1, big.NewInt(0)); !errors.Is(err, ErrNotAllocated) {
		t.Fatalf("expected not allocated, got %v", err)
	}
}

func TestSweepPolicyReturnsRemainders(t *testing.T) {
	a, db := newTestAllocator(t, DustSweep)
	fund(t, a, db, 1_000_000)
	alloc := allocate(t, a, db, 0, 3)
	if alloc.Allocated.Int64() != 199_998 {
		t.Fatalf("sweep should only carve distributable amount, got %s", alloc.Allocated)
	}
	batch := db.NewBatch()
	if err := a.RecordPayout(batch, 0, alloc.Share, big.NewInt(66_665)); err != nil {
		t.Fatalf("payout: %v", err)
	}
	if err := batch.Write(); err != nil {
		t.Fatalf("write: %v", err)
	}
	totals := assertBalanced(t, a)
	if totals.Dust.Sign() != 0 {
		t.Fatalf("sweep must not accumulate dust, got %s", totals.Dust)
	}
	if totals.Unallocated.Int64() != 800_002+1 {
		t.Fatalf("unexpected pool %s", totals.Unallocated)
	}
}

func TestParseDustPolicy(t *testing.T) {
	if p, err := ParseDustPolicy(""); err != nil || p != DustRetain {
		t.Fatalf("expected default retain, got %q (%v)", p, err)
	}
	if p, err := ParseDustPolicy(" Sweep "); err != nil || p != DustSweep {
		t.Fatalf("expected sweep, got %q (%v)", p, err)
	}
	if _, err := ParseDustPolicy("burn"); err == nil {
		t.Fatalf("expected error for unknown policy")
	}
}
