package rewards

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"keeprewards/core/allocator"
	"keeprewards/core/bank"
	"keeprewards/core/events"
	"keeprewards/core/intervals"
	"keeprewards/core/keeps"
	"keeprewards/storage"
)

var (
	custody = common.HexToAddress("0x00000000000000000000000000000000000c0570")
	funder  = common.HexToAddress("0x00000000000000000000000000000000000f0d00")
)

func addr(b byte) common.Address {
	var a common.Address
	a[19] = b
	a[0] = 0x01
	return a
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingEmitter) Emit(evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, evt := range r.events {
		out[i] = evt.EventType()
	}
	return out
}

// flakyToken hides the ledger's batch and shared-store paths and fails on
// demand.
type flakyToken struct {
	inner *bank.Ledger
	fail  bool
}

func (f *flakyToken) Transfer(ctx context.Context, from, to common.Address, amount *big.Int) error {
	if f.fail {
		return errors.New("token unavailable")
	}
	return f.inner.Transfer(ctx, from, to, amount)
}

func (f *flakyToken) BalanceOf(ctx context.Context, a common.Address) (*big.Int, error) {
	return f.inner.BalanceOf(ctx, a)
}

var errDiskFull = errors.New("disk full")

// failingDB fails batch writes that touch a key under prefix while failures
// remain.
type failingDB struct {
	*storage.MemDB
	mu     sync.Mutex
	prefix string
	fails  int
}

func (f *failingDB) failNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fails = n
}

func (f *failingDB) NewBatch() storage.Batch {
	return &failingBatch{Batch: f.MemDB.NewBatch(), db: f}
}

type failingBatch struct {
	storage.Batch
	db      *failingDB
	touched bool
}

func (b *failingBatch) Put(key, value []byte) {
	b.db.mu.Lock()
	if strings.HasPrefix(string(key), b.db.prefix) {
		b.touched = true
	}
	b.db.mu.Unlock()
	b.Batch.Put(key, value)
}

func (b *failingBatch) Write() error {
	b.db.mu.Lock()
	fail := b.touched && b.db.fails > 0
	if fail {
		b.db.fails--
	}
	b.db.mu.Unlock()
	if fail {
		return errDiskFull
	}
	return b.Batch.Write()
}

type harness struct {
	ledger  *Ledger
	token   *bank.Ledger
	clock   *clockwork.FakeClock
	emitter *recordingEmitter
}

// newHarness builds a ledger whose token balances share its store, as the
// daemon wires them. wrap, when set, replaces the token the ledger sees.
func newHarness(t *testing.T, db storage.Database, wrap func(*bank.Ledger) bank.Token) *harness {
	t.Helper()
	if db == nil {
		db = storage.NewMemDB()
	}
	bankLedger := bank.NewLedger(db)
	var token bank.Token = bankLedger
	if wrap != nil {
		token = wrap(bankLedger)
	}
	require.NoError(t, bankLedger.Mint(funder, big.NewInt(10_000_000)))
	tracker, err := keeps.NewTracker(db)
	require.NoError(t, err)
	alloc, err := allocator.New(db, &intervals.Schedule{
		InitiationTime:      1000,
		TermLength:          100,
		Weights:             []uint32{20, 50, 25, 50},
		MinimumParticipants: 2,
	}, allocator.DustRetain)
	require.NoError(t, err)
	clock := clockwork.NewFakeClockAt(time.Unix(1050, 0))
	emitter := &recordingEmitter{}
	ledger, err := NewLedger(Config{
		DB:        db,
		Tracker:   tracker,
		Allocator: alloc,
		Token:     token,
		Custody:   custody,
		Emitter:   emitter,
		Clock:     clock,
	})
	require.NoError(t, err)
	return &harness{ledger: ledger, token: bankLedger, clock: clock, emitter: emitter}
}

func (h *harness) close(t *testing.T, id common.Address, ts uint64, members ...common.Address) {
	t.Helper()
	outcome, err := h.ledger.NotifyClosed(context.Background(), id, members, ts)
	require.NoError(t, err)
	require.Equal(t, Applied, outcome)
}

func (h *harness) balance(t *testing.T, a common.Address) int64 {
	t.Helper()
	bal, err := h.token.BalanceOf(context.Background(), a)
	require.NoError(t, err)
	return bal.Int64()
}

func (h *harness) requireBalanced(t *testing.T) *allocator.Totals {
	t.Helper()
	totals, err := h.ledger.Totals()
	require.NoError(t, err)
	require.True(t, totals.Balanced(), "conservation violated: %+v", totals)
	// Custody holds everything that has not been paid out.
	held := new(big.Int).Sub(totals.Funded, totals.Paid)
	require.Equal(t, held.Int64(), h.balance(t, custody))
	return totals
}

func TestClaimProportionalPayout(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)
	require.NoError(t, h.ledger.Fund(ctx, funder, big.NewInt(1_000_000)))

	for i := byte(1); i <= 3; i++ {
		h.close(t, addr(i), 1000+uint64(i)*10, addr(100+2*i), addr(101+2*i))
	}
	require.Equal(t, 3, h.ledger.KeepsInInterval(0))

	_, err := h.ledger.Claim(ctx, addr(1))
	require.ErrorIs(t, err, ErrIntervalNotEnded)
	require.Equal(t, KindTiming, Kind(err))

	h.clock.Advance(50 * time.Second)
	payout, err := h.ledger.Claim(ctx, addr(1))
	require.NoError(t, err)
	require.Equal(t, uint64(0), payout.Interval)
	require.Equal(t, int64(66_666), payout.Share.Int64())
	require.Equal(t, int64(33_333), payout.PerMember.Int64())
	require.Len(t, payout.Payments, 2)
	require.Equal(t, int64(33_333), h.balance(t, addr(102)))
	require.Equal(t, int64(33_333), h.balance(t, addr(103)))

	alloc, err := h.ledger.Allocation(0)
	require.NoError(t, err)
	require.Equal(t, int64(200_000), alloc.Allocated.Int64())
	pool, err := h.ledger.UnallocatedRewards()
	require.NoError(t, err)
	require.Equal(t, int64(800_000), pool.Int64())

	_, err = h.ledger.Claim(ctx, addr(1))
	require.ErrorIs(t, err, ErrAlreadyClaimed)
	require.Equal(t, KindIdempotence, Kind(err))
	require.Equal(t, int64(33_333), h.balance(t, addr(102)))

	// Later claims of the same interval reuse the computed share.
	payout, err = h.ledger.Claim(ctx, addr(2))
	require.NoError(t, err)
	require.Equal(t, int64(66_666), payout.Share.Int64())
	h.requireBalanced(t)

	require.Equal(t, []string{
		events.TypeRewardsFunded,
		events.TypeIntervalAllocated,
		events.TypeKeepClaimed,
		events.TypeKeepClaimed,
	}, h.emitter.types())
}

func TestReportTerminationReclaimsShare(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)
	require.NoError(t, h.ledger.Fund(ctx, funder, big.NewInt(1_000_000)))

	h.close(t, addr(1), 1010, addr(11), addr(12))
	h.close(t, addr(2), 1020, addr(21), addr(22))
	_, err := h.ledger.NotifyOpened(ctx, addr(3), []common.Address{addr(31), addr(32)}, 1001)
	require.NoError(t, err)
	_, err = h.ledger.NotifyTerminated(ctx, addr(3), 1030)
	require.NoError(t, err)

	_, err = h.ledger.ReportTermination(ctx, addr(3))
	require.ErrorIs(t, err, ErrIntervalNotEnded)

	h.clock.Advance(time.Minute)
	_, err = h.ledger.Claim(ctx, addr(1))
	require.NoError(t, err)
	before, err := h.ledger.UnallocatedRewards()
	require.NoError(t, err)

	reclaimed, err := h.ledger.ReportTermination(ctx, addr(3))
	require.NoError(t, err)
	require.Equal(t, int64(66_666), reclaimed.Int64())
	after, err := h.ledger.UnallocatedRewards()
	require.NoError(t, err)
	require.Equal(t, int64(66_666), new(big.Int).Sub(after, before).Int64())

	_, err = h.ledger.ReportTermination(ctx, addr(3))
	require.ErrorIs(t, err, ErrAlreadyClaimed)
	_, err = h.ledger.Claim(ctx, addr(3))
	require.ErrorIs(t, err, ErrNotClosed)
	require.Equal(t, KindState, Kind(err))
	_, err = h.ledger.ReportTermination(ctx, addr(2))
	require.ErrorIs(t, err, ErrNotTerminated)

	eligible, err := h.ledger.EligibleForReward(addr(2))
	require.NoError(t, err)
	require.True(t, eligible)
	claimable, err := h.ledger.Claimable(addr(2))
	require.NoError(t, err)
	require.True(t, claimable)
	// A settled keep stays eligible but can no longer be claimed.
	eligible, err = h.ledger.EligibleForReward(addr(1))
	require.NoError(t, err)
	require.True(t, eligible)
	claimable, err = h.ledger.Claimable(addr(1))
	require.NoError(t, err)
	require.False(t, claimable)
	reclaimable, err := h.ledger.EligibleForReclamation(addr(3))
	require.NoError(t, err)
	require.False(t, reclaimable)
	eligible, err = h.ledger.EligibleForReward(addr(3))
	require.NoError(t, err)
	require.False(t, eligible)
	h.requireBalanced(t)
}

func TestIntervalBelowMinimumRollsOver(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)
	require.NoError(t, h.ledger.Fund(ctx, funder, big.NewInt(1_000_000)))

	h.close(t, addr(1), 1010, addr(11))
	h.close(t, addr(2), 1110, addr(21), addr(22))
	h.close(t, addr(3), 1120, addr(31), addr(32))
	h.clock.Advance(200 * time.Second)

	payout, err := h.ledger.Claim(ctx, addr(1))
	require.NoError(t, err)
	require.Zero(t, payout.Total().Sign())
	require.Zero(t, h.balance(t, addr(11)))

	payout, err = h.ledger.Claim(ctx, addr(2))
	require.NoError(t, err)
	require.Equal(t, uint64(1), payout.Interval)
	require.Equal(t, int64(250_000), payout.Share.Int64())
	require.Equal(t, int64(125_000), h.balance(t, addr(21)))
	h.requireBalanced(t)
}

func TestLifecycleFactsAfterAllocationAreRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)
	require.NoError(t, h.ledger.Fund(ctx, funder, big.NewInt(1_000)))
	h.close(t, addr(1), 1010, addr(11))
	h.close(t, addr(2), 1020, addr(21))
	h.clock.Advance(time.Minute)
	_, err := h.ledger.Claim(ctx, addr(1))
	require.NoError(t, err)

	_, err = h.ledger.NotifyClosed(ctx, addr(3), []common.Address{addr(31)}, 1090)
	require.ErrorIs(t, err, ErrIntervalSealed)
	_, err = h.ledger.Keep(addr(3))
	require.ErrorIs(t, err, ErrUnrecognizedKeep)

	// Redelivery of a fact already applied is acknowledged.
	outcome, err := h.ledger.NotifyClosed(ctx, addr(2), []common.Address{addr(21)}, 1020)
	require.NoError(t, err)
	require.Equal(t, Duplicate, outcome)

	h.close(t, addr(4), 1150, addr(41))
	n, err := h.ledger.IntervalOf(addr(4))
	require.NoError(t, err)
	require.Equal(t, uint64(1), n)

	_, err = h.ledger.NotifyClosed(ctx, addr(5), []common.Address{addr(51)}, 999)
	require.ErrorIs(t, err, intervals.ErrBeforeInitiation)
}

func TestDuplicateTerminationIsAcknowledged(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)
	_, err := h.ledger.NotifyOpened(ctx, addr(1), []common.Address{addr(11)}, 1001)
	require.NoError(t, err)
	outcome, err := h.ledger.NotifyOpened(ctx, addr(1), []common.Address{addr(11)}, 1001)
	require.NoError(t, err)
	require.Equal(t, Duplicate, outcome)

	outcome, err = h.ledger.NotifyTerminated(ctx, addr(1), 0)
	require.NoError(t, err)
	require.Equal(t, Applied, outcome)
	keep, err := h.ledger.Keep(addr(1))
	require.NoError(t, err)
	require.Equal(t, uint64(1050), keep.ClosedAt)

	outcome, err = h.ledger.NotifyTerminated(ctx, addr(1), 0)
	require.NoError(t, err)
	require.Equal(t, Duplicate, outcome)

	_, err = h.ledger.NotifyClosed(ctx, addr(1), []common.Address{addr(11)}, 1060)
	require.ErrorIs(t, err, keeps.ErrInvalidTransition)

	_, err = h.ledger.NotifyTerminated(ctx, addr(9), 1060)
	require.ErrorIs(t, err, ErrUnrecognizedKeep)
	require.Equal(t, KindLookup, Kind(err))
}

func TestClaimUnknownKeep(t *testing.T) {
	h := newHarness(t, nil, nil)
	_, err := h.ledger.Claim(context.Background(), addr(7))
	require.ErrorIs(t, err, ErrUnrecognizedKeep)
	_, err = h.ledger.ReportTermination(context.Background(), addr(7))
	require.ErrorIs(t, err, ErrUnrecognizedKeep)
}

func TestFailedCommitLeavesNoState(t *testing.T) {
	ctx := context.Background()
	db := &failingDB{MemDB: storage.NewMemDB(), prefix: "keeps/record/"}
	h := newHarness(t, db, nil)
	require.NoError(t, h.ledger.Fund(ctx, funder, big.NewInt(1_000_000)))
	h.close(t, addr(1), 1010, addr(11), addr(12))
	h.close(t, addr(2), 1020, addr(21))
	h.clock.Advance(time.Minute)

	db.failNext(1)
	_, err := h.ledger.Claim(ctx, addr(1))
	require.ErrorIs(t, err, errDiskFull)
	require.Equal(t, KindInternal, Kind(err))
	require.Zero(t, h.balance(t, addr(11)))
	require.Zero(t, h.balance(t, addr(12)))
	keep, err := h.ledger.Keep(addr(1))
	require.NoError(t, err)
	require.False(t, keep.RewardSettled)
	_, err = h.ledger.Allocation(0)
	require.ErrorIs(t, err, allocator.ErrNotAllocated)
	h.requireBalanced(t)

	payout, err := h.ledger.Claim(ctx, addr(1))
	require.NoError(t, err)
	require.Equal(t, int64(50_000), payout.PerMember.Int64())
	_, err = h.ledger.Claim(ctx, addr(1))
	require.ErrorIs(t, err, ErrAlreadyClaimed)
	require.Equal(t, int64(50_000), h.balance(t, addr(11)))
	require.Equal(t, int64(50_000), h.balance(t, addr(12)))
	h.requireBalanced(t)

	db.prefix = "allocator/"
	db.failNext(1)
	err = h.ledger.Fund(ctx, funder, big.NewInt(500))
	require.ErrorIs(t, err, errDiskFull)
	totals := h.requireBalanced(t)
	require.Equal(t, int64(1_000_000), totals.Funded.Int64())
}

func TestForeignTokenFailureNeverPaysTwice(t *testing.T) {
	ctx := context.Background()
	var token *flakyToken
	h := newHarness(t, nil, func(l *bank.Ledger) bank.Token {
		token = &flakyToken{inner: l}
		return token
	})
	require.NoError(t, h.ledger.Fund(ctx, funder, big.NewInt(1_000_000)))
	h.close(t, addr(1), 1010, addr(11), addr(12))
	h.close(t, addr(2), 1020, addr(21))
	h.clock.Advance(time.Minute)

	token.fail = true
	_, err := h.ledger.Claim(ctx, addr(1))
	require.ErrorIs(t, err, bank.ErrUnpaid)
	require.Equal(t, KindInternal, Kind(err))
	keep, err := h.ledger.Keep(addr(1))
	require.NoError(t, err)
	require.True(t, keep.RewardSettled)

	token.fail = false
	_, err = h.ledger.Claim(ctx, addr(1))
	require.ErrorIs(t, err, ErrAlreadyClaimed)
	require.Zero(t, h.balance(t, addr(11)))

	err = h.ledger.Fund(ctx, funder, big.NewInt(100_000_000))
	require.ErrorIs(t, err, bank.ErrInsufficientFunds)
	totals, err := h.ledger.Totals()
	require.NoError(t, err)
	require.True(t, totals.Balanced())
	require.Equal(t, int64(1_000_000), totals.Funded.Int64())
}

func TestConcurrentSettlementsAreLinearized(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)
	require.NoError(t, h.ledger.Fund(ctx, funder, big.NewInt(1_000_000)))
	h.close(t, addr(1), 1010, addr(11), addr(12))
	h.close(t, addr(2), 1020, addr(21))
	_, err := h.ledger.NotifyOpened(ctx, addr(3), []common.Address{addr(31)}, 1001)
	require.NoError(t, err)
	_, err = h.ledger.NotifyTerminated(ctx, addr(3), 1030)
	require.NoError(t, err)
	h.clock.Advance(time.Minute)

	const workers = 16
	claimErrs := make([]error, workers)
	reclaimErrs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, claimErrs[i] = h.ledger.Claim(ctx, addr(1))
		}(i)
		go func(i int) {
			defer wg.Done()
			_, reclaimErrs[i] = h.ledger.ReportTermination(ctx, addr(3))
		}(i)
	}
	wg.Wait()

	for name, errs := range map[string][]error{"claim": claimErrs, "reclaim": reclaimErrs} {
		succeeded := 0
		for _, err := range errs {
			if err == nil {
				succeeded++
				continue
			}
			require.ErrorIs(t, err, ErrAlreadyClaimed, name)
		}
		require.Equal(t, 1, succeeded, name)
	}
	require.Equal(t, int64(33_333), h.balance(t, addr(11)))
	require.Equal(t, int64(33_333), h.balance(t, addr(12)))
	totals := h.requireBalanced(t)
	require.Equal(t, int64(1_000_000-200_000+66_666), totals.Unallocated.Int64())
}

func TestConservationAcrossIntervals(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)
	require.NoError(t, h.ledger.Fund(ctx, funder, big.NewInt(999_999)))

	var id byte = 1
	for n := uint64(0); n < 6; n++ {
		for k := uint64(0); k < 3; k++ {
			h.close(t, addr(id), 1000+n*100+k*7, addr(id+100), addr(id+101), addr(id+102))
			id++
		}
	}
	h.clock.Advance(time.Hour)
	for i := byte(1); i < id; i++ {
		if i%3 == 0 {
			continue
		}
		_, err := h.ledger.Claim(ctx, addr(i))
		require.NoError(t, err)
		h.requireBalanced(t)
	}
	require.NoError(t, h.ledger.Fund(ctx, funder, big.NewInt(12_345)))
	totals := h.requireBalanced(t)
	require.Equal(t, uint64(6), totals.NextInterval)
}
