package allocator

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/rlp"

	"keeprewards/core/intervals"
	"keeprewards/storage"
)

// DustPolicy selects what happens to integer-division remainders.
type DustPolicy string

const (
	// DustRetain leaves remainders in custody, tracked as dust. Payouts match
	// reward tables computed with plain floor division.
	DustRetain DustPolicy = "retain"
	// DustSweep returns remainders to the unallocated pool.
	DustSweep DustPolicy = "sweep"
)

// ParseDustPolicy normalises a configured policy name; empty selects DustRetain.
func ParseDustPolicy(raw string) (DustPolicy, error) {
	switch p := DustPolicy(strings.ToLower(strings.TrimSpace(raw))); p {
	case "":
		return DustRetain, nil
	case DustRetain, DustSweep:
		return p, nil
	default:
		return "", fmt.Errorf("allocator: unknown dust policy %q", raw)
	}
}

const (
	stateKey            = "allocator/state"
	allocationKeyPrefix = "allocator/interval/"
	percentDenominator  = 100
)

var (
	ErrOutOfOrder       = errors.New("allocator: intervals must be allocated in order")
	ErrAlreadyAllocated = errors.New("allocator: interval already allocated")
	ErrNotAllocated     = errors.New("allocator: interval not allocated")
	ErrOverSettled      = errors.New("allocator: every keep of the interval is already settled")
	ErrShareMismatch    = errors.New("allocator: share does not match interval allocation")
	ErrInvalidAmount    = errors.New("allocator: amount must be non-negative")
	ErrNegativeCount    = errors.New("allocator: participant count cannot be negative")
)

// Allocation is the bookkeeping entry of one allocated interval.
type Allocation struct {
	Interval  uint64
	KeepCount int
	// Allocated is the amount carved out of the pool for the interval.
	Allocated *big.Int
	// Share is the per-keep amount, floor(Allocated / KeepCount).
	Share          *big.Int
	ClaimedCount   int
	ReclaimedCount int
	// Dust is the part of Allocated that no keep will receive.
	Dust *big.Int
}

// Settled returns how many keeps of the interval were paid or reclaimed.
func (a *Allocation) Settled() int {
	return a.ClaimedCount + a.ReclaimedCount
}

func (a *Allocation) Clone() *Allocation {
	if a == nil {
		return nil
	}
	out := *a
	out.Allocated = new(big.Int).Set(a.Allocated)
	out.Share = new(big.Int).Set(a.Share)
	out.Dust = new(big.Int).Set(a.Dust)
	return &out
}

// Totals is a point-in-time view of where every funded token sits. The
// invariant Funded == Unallocated + Outstanding + Paid + Dust always holds;
// Reclaimed is informational since reclaimed value is back in Unallocated.
type Totals struct {
	Funded       *big.Int
	Unallocated  *big.Int
	Outstanding  *big.Int
	Paid         *big.Int
	Reclaimed    *big.Int
	Dust         *big.Int
	NextInterval uint64
}

// Balanced reports whether the conservation invariant holds.
func (t *Totals) Balanced() bool {
	sum := new(big.Int).Add(t.Unallocated, t.Outstanding)
	sum.Add(sum, t.Paid)
	sum.Add(sum, t.Dust)
	return sum.Cmp(t.Funded) == 0
}

func (t *Totals) clone() *Totals {
	return &Totals{
		Funded:       new(big.Int).Set(t.Funded),
		Unallocated:  new(big.Int).Set(t.Unallocated),
		Outstanding:  new(big.Int).Set(t.Outstanding),
		Paid:         new(big.Int).Set(t.Paid),
		Reclaimed:    new(big.Int).Set(t.Reclaimed),
		Dust:         new(big.Int).Set(t.Dust),
		NextInterval: t.NextInterval,
	}
}

type storedTotals struct {
	Funded       []byte
	Unallocated  []byte
	Outstanding  []byte
	Paid         []byte
	Reclaimed    []byte
	Dust         []byte
	NextInterval uint64
}

type storedAllocation struct {
	Interval       uint64
	KeepCount      uint64
	Allocated      []byte
	Share          []byte
	ClaimedCount   uint64
	ReclaimedCount uint64
	Dust           []byte
}

func allocationKey(n uint64) []byte {
	buf := make([]byte, len(allocationKeyPrefix)+8)
	copy(buf, allocationKeyPrefix)
	binary.BigEndian.PutUint64(buf[len(allocationKeyPrefix):], n)
	return buf
}

// Allocator carves interval allocations out of the unallocated pool. Every
// mutation is staged on a caller supplied batch; the allocator itself does not
// serialise writers, RewardLedger does.
type Allocator struct {
	db       storage.Database
	schedule *intervals.Schedule
	policy   DustPolicy
}

// New constructs an allocator for the given schedule.
func New(db storage.Database, schedule *intervals.Schedule, policy DustPolicy) (*Allocator, error) {
	if db == nil {
		return nil, errors.New("allocator: database required")
	}
	if schedule == nil {
		return nil, errors.New("allocator: schedule required")
	}
	sched := schedule.Clone()
	if err := sched.Validate(); err != nil {
		return nil, err
	}
	if policy == "" {
		policy = DustRetain
	}
	return &Allocator{db: db, schedule: sched, policy: policy}, nil
}

// Schedule returns a copy of the allocator's schedule.
func (a *Allocator) Schedule() *intervals.Schedule {
	return a.schedule.Clone()
}

// Policy returns the configured dust policy.
func (a *Allocator) Policy() DustPolicy {
	return a.policy
}

func (a *Allocator) loadTotals(batch storage.Batch) (*Totals, error) {
	raw, err := storage.Read(a.db, batch, []byte(stateKey))
	if errors.Is(err, storage.ErrNotFound) {
		return &Totals{
			Funded:      big.NewInt(0),
			Unallocated: big.NewInt(0),
			Outstanding: big.NewInt(0),
			Paid:        big.NewInt(0),
			Reclaimed:   big.NewInt(0),
			Dust:        big.NewInt(0),
		}, nil
	}
	if err != nil {
		return nil, err
	}
	var stored storedTotals
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, fmt.Errorf("allocator: decode state: %w", err)
	}
	return &Totals{
		Funded:       new(big.Int).SetBytes(stored.Funded),
		Unallocated:  new(big.Int).SetBytes(stored.Unallocated),
		Outstanding:  new(big.Int).SetBytes(stored.Outstanding),
		Paid:         new(big.Int).SetBytes(stored.Paid),
		Reclaimed:    new(big.Int).SetBytes(stored.Reclaimed),
		Dust:         new(big.Int).SetBytes(stored.Dust),
		NextInterval: stored.NextInterval,
	}, nil
}

func (a *Allocator) stageTotals(batch storage.Batch, t *Totals) error {
	for _, v := range []*big.Int{t.Funded, t.Unallocated, t.Outstanding, t.Paid, t.Reclaimed, t.Dust} {
		if v.Sign() < 0 {
			return fmt.Errorf("allocator: negative balance in state")
		}
	}
	encoded, err := rlp.EncodeToBytes(storedTotals{
		Funded:       t.Funded.Bytes(),
		Unallocated:  t.Unallocated.Bytes(),
		Outstanding:  t.Outstanding.Bytes(),
		Paid:         t.Paid.Bytes(),
		Reclaimed:    t.Reclaimed.Bytes(),
		Dust:         t.Dust.Bytes(),
		NextInterval: t.NextInterval,
	})
	if err != nil {
		return err
	}
	batch.Put([]byte(stateKey), encoded)
	return nil
}

func (a *Allocator) loadAllocation(batch storage.Batch, n uint64) (*Allocation, bool, error) {
	raw, err := storage.Read(a.db, batch, allocationKey(n))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var stored storedAllocation
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, false, fmt.Errorf("allocator: decode interval %d: %w", n, err)
	}
	return &Allocation{
		Interval:       stored.Interval,
		KeepCount:      int(stored.KeepCount),
		Allocated:      new(big.Int).SetBytes(stored.Allocated),
		Share:          new(big.Int).SetBytes(stored.Share),
		ClaimedCount:   int(stored.ClaimedCount),
		ReclaimedCount: int(stored.ReclaimedCount),
		Dust:           new(big.Int).SetBytes(stored.Dust),
	}, true, nil
}

func stageAllocation(batch storage.Batch, alloc *Allocation) error {
	encoded, err := rlp.EncodeToBytes(storedAllocation{
		Interval:       alloc.Interval,
		KeepCount:      uint64(alloc.KeepCount),
		Allocated:      alloc.Allocated.Bytes(),
		Share:          alloc.Share.Bytes(),
		ClaimedCount:   uint64(alloc.ClaimedCount),
		ReclaimedCount: uint64(alloc.ReclaimedCount),
		Dust:           alloc.Dust.Bytes(),
	})
	if err != nil {
		return err
	}
	batch.Put(allocationKey(alloc.Interval), encoded)
	return nil
}

// Fund adds amount to the unallocated pool.
func (a *Allocator) Fund(batch storage.Batch, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	totals, err := a.loadTotals(batch)
	if err != nil {
		return err
	}
	totals.Funded.Add(totals.Funded, amount)
	totals.Unallocated.Add(totals.Unallocated, amount)
	return a.stageTotals(batch, totals)
}

// AllocateInterval carves interval n's share out of the unallocated pool.
// Intervals must be allocated in order. An interval with fewer participants
// than the schedule's minimum allocates nothing, leaving the pool intact for
// the next qualifying interval.
func (a *Allocator) AllocateInterval(batch storage.Batch, n uint64, participants int) (*Allocation, error) {
	if participants < 0 {
		return nil, ErrNegativeCount
	}
	totals, err := a.loadTotals(batch)
	if err != nil {
		return nil, err
	}
	if n < totals.NextInterval {
		return nil, fmt.Errorf("%w: %d", ErrAlreadyAllocated, n)
	}
	if n > totals.NextInterval {
		return nil, fmt.Errorf("%w: next is %d, got %d", ErrOutOfOrder, totals.NextInterval, n)
	}
	alloc := &Allocation{
		Interval:  n,
		KeepCount: participants,
		Allocated: big.NewInt(0),
		Share:     big.NewInt(0),
		Dust:      big.NewInt(0),
	}
	if participants > 0 && participants >= a.schedule.MinimumParticipants {
		weight := big.NewInt(int64(a.schedule.WeightOf(n)))
		carved := new(big.Int).Mul(totals.Unallocated, weight)
		carved.Quo(carved, big.NewInt(percentDenominator))
		count := big.NewInt(int64(participants))
		share := new(big.Int).Quo(carved, count)
		distributable := new(big.Int).Mul(share, count)
		remainder := new(big.Int).Sub(carved, distributable)

		alloc.Share = share
		if a.policy == DustSweep {
			alloc.Allocated = distributable
		} else {
			alloc.Allocated = carved
			alloc.Dust = remainder
			totals.Dust.Add(totals.Dust, remainder)
		}
		totals.Unallocated.Sub(totals.Unallocated, alloc.Allocated)
		totals.Outstanding.Add(totals.Outstanding, distributable)
	}
	totals.NextInterval = n + 1
	if err := stageAllocation(batch, alloc); err != nil {
		return nil, err
	}
	if err := a.stageTotals(batch, totals); err != nil {
		return nil, err
	}
	return alloc, nil
}

func (a *Allocator) settle(batch storage.Batch, n uint64, share *big.Int) (*Allocation, *Totals, error) {
	alloc, ok, err := a.loadAllocation(batch, n)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, fmt.Errorf("%w: %d", ErrNotAllocated, n)
	}
	if alloc.Settled() >= alloc.KeepCount {
		return nil, nil, fmt.Errorf("%w: interval %d", ErrOverSettled, n)
	}
	if share == nil || share.Cmp(alloc.Share) != 0 {
		return nil, nil, fmt.Errorf("%w: interval %d", ErrShareMismatch, n)
	}
	totals, err := a.loadTotals(batch)
	if err != nil {
		return nil, nil, err
	}
	return alloc, totals, nil
}

// Reclaim returns a keep's share of interval n to the unallocated pool.
func (a *Allocator) Reclaim(batch storage.Batch, n uint64, share *big.Int) error {
	alloc, totals, err := a.settle(batch, n, share)
	if err != nil {
		return err
	}
	alloc.ReclaimedCount++
	totals.Outstanding.Sub(totals.Outstanding, share)
	totals.Unallocated.Add(totals.Unallocated, share)
	totals.Reclaimed.Add(totals.Reclaimed, share)
	if err := stageAllocation(batch, alloc); err != nil {
		return err
	}
	return a.stageTotals(batch, totals)
}

// RecordPayout books the payout of a keep's share of interval n, of which paid
// actually left custody. The difference is dust handled per the policy.
func (a *Allocator) RecordPayout(batch storage.Batch, n uint64, share, paid *big.Int) error {
	if paid == nil || paid.Sign() < 0 {
		return ErrInvalidAmount
	}
	alloc, totals, err := a.settle(batch, n, share)
	if err != nil {
		return err
	}
	if paid.Cmp(share) > 0 {
		return fmt.Errorf("allocator: payout %s exceeds share %s", paid, share)
	}
	remainder := new(big.Int).Sub(share, paid)
	alloc.ClaimedCount++
	totals.Outstanding.Sub(totals.Outstanding, share)
	totals.Paid.Add(totals.Paid, paid)
	if a.policy == DustSweep {
		totals.Unallocated.Add(totals.Unallocated, remainder)
	} else {
		alloc.Dust.Add(alloc.Dust, remainder)
		totals.Dust.Add(totals.Dust, remainder)
	}
	if err := stageAllocation(batch, alloc); err != nil {
		return err
	}
	return a.stageTotals(batch, totals)
}

// Allocation returns interval n's bookkeeping entry, reading staged changes
// from batch when non-nil.
func (a *Allocator) Allocation(batch storage.Batch, n uint64) (*Allocation, bool, error) {
	return a.loadAllocation(batch, n)
}

// IsAllocated reports whether interval n has been allocated.
func (a *Allocator) IsAllocated(batch storage.Batch, n uint64) (bool, error) {
	totals, err := a.loadTotals(batch)
	if err != nil {
		return false, err
	}
	return n < totals.NextInterval, nil
}

// Totals returns the committed (or staged, when batch is non-nil) totals.
func (a *Allocator) Totals(batch storage.Batch) (*Totals, error) {
	totals, err := a.loadTotals(batch)
	if err != nil {
		return nil, err
	}
	return totals.clone(), nil
}

// Unallocated returns the current unallocated pool.
func (a *Allocator) Unallocated() (*big.Int, error) {
	totals, err := a.loadTotals(nil)
	if err != nil {
		return nil, err
	}
	return totals.Unallocated, nil
}
