package rewards

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"

	"keeprewards/core/allocator"
	"keeprewards/core/bank"
	"keeprewards/core/events"
	"keeprewards/core/intervals"
	"keeprewards/core/keeps"
	"keeprewards/observability/metrics"
	"keeprewards/storage"
)

// Outcome reports whether a lifecycle fact changed engine state.
type Outcome int

const (
	Applied Outcome = iota
	Duplicate
)

func (o Outcome) String() string {
	if o == Duplicate {
		return "duplicate"
	}
	return "applied"
}

// Payout describes a settled keep reward claim.
type Payout struct {
	Keep     common.Address
	Interval uint64
	// Share is the keep's share of its interval.
	Share *big.Int
	// PerMember is floor(Share / len(Payments)).
	PerMember *big.Int
	Payments  []bank.Payment
}

// Total returns the amount that left custody.
func (p *Payout) Total() *big.Int {
	total := big.NewInt(0)
	for _, pay := range p.Payments {
		total.Add(total, pay.Amount)
	}
	return total
}

// Config wires the ledger to its collaborators. Custody is the account the
// token holds the engine's funds in.
type Config struct {
	DB            storage.Database
	Tracker       *keeps.Tracker
	Allocator     *allocator.Allocator
	Token         bank.Token
	Custody       common.Address
	Beneficiaries bank.BeneficiaryResolver
	Emitter       events.Emitter
	Clock         clockwork.Clock
	Logger        *slog.Logger
}

// Ledger pays keep rewards out of interval allocations and reclaims the
// shares of terminated keeps. Mutations are serialised by a single lock and
// committed as one batch each.
type Ledger struct {
	db            storage.Database
	tracker       *keeps.Tracker
	alloc         *allocator.Allocator
	schedule      *intervals.Schedule
	token         bank.Token
	custody       common.Address
	beneficiaries bank.BeneficiaryResolver
	emitter       events.Emitter
	clock         clockwork.Clock
	logger        *slog.Logger
	telemetry     *metrics.RewardsMetrics

	mu sync.Mutex
}

// NewLedger validates cfg and constructs a ledger.
func NewLedger(cfg Config) (*Ledger, error) {
	switch {
	case cfg.DB == nil:
		return nil, errors.New("rewards: database required")
	case cfg.Tracker == nil:
		return nil, errors.New("rewards: keep tracker required")
	case cfg.Allocator == nil:
		return nil, errors.New("rewards: allocator required")
	case cfg.Token == nil:
		return nil, errors.New("rewards: token required")
	case cfg.Custody == (common.Address{}):
		return nil, errors.New("rewards: custody account required")
	}
	l := &Ledger{
		db:            cfg.DB,
		tracker:       cfg.Tracker,
		alloc:         cfg.Allocator,
		schedule:      cfg.Allocator.Schedule(),
		token:         cfg.Token,
		custody:       cfg.Custody,
		beneficiaries: cfg.Beneficiaries,
		emitter:       cfg.Emitter,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		telemetry:     metrics.Rewards(),
	}
	if l.beneficiaries == nil {
		l.beneficiaries = bank.IdentityBeneficiaries{}
	}
	if l.emitter == nil {
		l.emitter = events.NoopEmitter{}
	}
	if l.clock == nil {
		l.clock = clockwork.NewRealClock()
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l, nil
}

// Schedule returns a copy of the interval schedule.
func (l *Ledger) Schedule() *intervals.Schedule {
	return l.schedule.Clone()
}

func (l *Ledger) now() uint64 {
	ts := l.clock.Now().Unix()
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}

// checkOpen rejects facts whose interval has already been allocated, since the
// interval's participant count is frozen.
func (l *Ledger) checkOpen(ts uint64) error {
	n, err := l.schedule.IntervalOf(ts)
	if err != nil {
		return err
	}
	sealed, err := l.alloc.IsAllocated(nil, n)
	if err != nil {
		return err
	}
	if sealed {
		return fmt.Errorf("%w: interval %d", ErrIntervalSealed, n)
	}
	return nil
}

func (l *Ledger) reject(op string, err error) error {
	kind := Kind(err)
	l.telemetry.ObserveRejection(op, string(kind))
	l.logger.Debug("reward operation rejected",
		slog.String("operation", op),
		slog.String("kind", string(kind)),
		slog.Any("error", err))
	return err
}

// NotifyOpened registers an active keep.
func (l *Ledger) NotifyOpened(_ context.Context, id common.Address, members []common.Address, ts uint64) (Outcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.tracker.Get(id); err == nil {
		if err := l.tracker.Open(id, members, ts); err != nil {
			return Applied, l.reject("open", err)
		}
		return Duplicate, nil
	}
	if err := l.tracker.Open(id, members, ts); err != nil {
		return Applied, l.reject("open", err)
	}
	l.logger.Info("keep opened", slog.String("keep", id.Hex()), slog.Int("members", len(members)))
	return Applied, nil
}

// NotifyClosed records the cooperative closure of a keep at ts.
func (l *Ledger) NotifyClosed(_ context.Context, id common.Address, members []common.Address, ts uint64) (Outcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if keep, err := l.tracker.Get(id); err == nil && keep.State == keeps.StateClosed && keep.ClosedAt == ts {
		return Duplicate, nil
	}
	if err := l.checkOpen(ts); err != nil {
		return Applied, l.reject("close", err)
	}
	if err := l.tracker.ReportClosed(id, members, ts); err != nil {
		return Applied, l.reject("close", err)
	}
	l.logger.Info("keep closed", slog.String("keep", id.Hex()), slog.Uint64("closedAt", ts))
	return Applied, nil
}

// NotifyTerminated records a keep fault. A zero ts is replaced by the current
// time.
func (l *Ledger) NotifyTerminated(_ context.Context, id common.Address, ts uint64) (Outcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	keep, err := l.tracker.Get(id)
	if err != nil {
		return Applied, l.reject("terminate", err)
	}
	if keep.State == keeps.StateTerminated && (ts == 0 || keep.ClosedAt == ts) {
		return Duplicate, nil
	}
	if ts == 0 {
		ts = l.now()
	}
	if err := l.checkOpen(ts); err != nil {
		return Applied, l.reject("terminate", err)
	}
	if err := l.tracker.ReportTerminated(id, ts); err != nil {
		return Applied, l.reject("terminate", err)
	}
	l.logger.Info("keep terminated", slog.String("keep", id.Hex()), slog.Uint64("terminatedAt", ts))
	return Applied, nil
}

// Fund moves amount from the funder into custody and adds it to the
// unallocated pool.
func (l *Ledger) Fund(ctx context.Context, from common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return l.reject("fund", ErrInvalidAmount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	batch := l.db.NewBatch()
	if err := l.alloc.Fund(batch, amount); err != nil {
		return l.reject("fund", err)
	}
	if err := bank.CommitDeposit(ctx, l.token, l.db, batch, from, l.custody, amount); err != nil {
		return l.reject("fund", fmt.Errorf("rewards: fund transfer: %w", err))
	}
	l.logger.Info("rewards funded", slog.String("from", from.Hex()), slog.String("amount", amount.String()))
	l.emitter.Emit(events.RewardsFunded{From: from, Amount: new(big.Int).Set(amount)})
	l.observePool()
	return nil
}

// settlement is the shared prelude of Claim and ReportTermination: it resolves
// the keep's interval and stages the allocation of every pending interval up
// to and including it.
type settlement struct {
	keep      *keeps.Keep
	interval  uint64
	alloc     *allocator.Allocation
	batch     storage.Batch
	allocated []events.IntervalAllocated
}

func (l *Ledger) prepare(id common.Address, want keeps.State) (*settlement, error) {
	keep, err := l.tracker.Get(id)
	if err != nil {
		return nil, err
	}
	if want == keeps.StateClosed {
		eligible, err := l.tracker.IsEligibleForReward(id)
		if err != nil {
			return nil, err
		}
		if !eligible {
			return nil, fmt.Errorf("%w: %s is %s", ErrNotClosed, id.Hex(), keep.State)
		}
		if keep.RewardSettled {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyClaimed, id.Hex())
		}
	} else {
		reclaimable, err := l.tracker.IsEligibleForReclamation(id)
		if err != nil {
			return nil, err
		}
		if !reclaimable {
			if keep.State != keeps.StateTerminated {
				return nil, fmt.Errorf("%w: %s is %s", ErrNotTerminated, id.Hex(), keep.State)
			}
			return nil, fmt.Errorf("%w: %s", ErrAlreadyClaimed, id.Hex())
		}
	}
	n, err := l.schedule.IntervalOf(keep.ClosedAt)
	if err != nil {
		return nil, err
	}
	if end := l.schedule.EndOf(n); l.now() < end {
		return nil, fmt.Errorf("%w: interval %d ends at %d", ErrIntervalNotEnded, n, end)
	}
	s := &settlement{keep: keep, interval: n, batch: l.db.NewBatch()}
	if err := l.allocatePending(s); err != nil {
		return nil, err
	}
	alloc, ok, err := l.alloc.Allocation(s.batch, n)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("rewards: interval %d missing after allocation", n)
	}
	s.alloc = alloc
	return s, nil
}

func (l *Ledger) allocatePending(s *settlement) error {
	totals, err := l.alloc.Totals(s.batch)
	if err != nil {
		return err
	}
	closures := l.tracker.ClosureTimestamps()
	for m := totals.NextInterval; m <= s.interval; m++ {
		count := intervals.CountBetween(closures, l.schedule.StartOf(m), l.schedule.EndOf(m))
		alloc, err := l.alloc.AllocateInterval(s.batch, m, count)
		if err != nil {
			return err
		}
		remaining, err := l.alloc.Totals(s.batch)
		if err != nil {
			return err
		}
		s.allocated = append(s.allocated, events.IntervalAllocated{
			Interval:  m,
			KeepCount: count,
			Allocated: alloc.Allocated,
			Share:     alloc.Share,
			Remaining: remaining.Unallocated,
		})
	}
	return nil
}

// announce publishes the intervals allocated by a committed settlement.
func (l *Ledger) announce(s *settlement) {
	for _, evt := range s.allocated {
		l.logger.Info("interval allocated",
			slog.Uint64("interval", evt.Interval),
			slog.Int("keepCount", evt.KeepCount),
			slog.String("allocated", evt.Allocated.String()),
			slog.String("share", evt.Share.String()))
		l.telemetry.ObserveIntervalShare(evt.Interval, evt.Share)
		l.emitter.Emit(evt)
	}
}

// Claim pays a closed keep's interval share, split evenly across its members'
// beneficiaries. A keep can be settled once.
func (l *Ledger) Claim(ctx context.Context, id common.Address) (*Payout, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, err := l.prepare(id, keeps.StateClosed)
	if err != nil {
		return nil, l.reject("claim", err)
	}
	members := s.keep.Members
	perMember := new(big.Int).Quo(s.alloc.Share, big.NewInt(int64(len(members))))
	payout := &Payout{
		Keep:      id,
		Interval:  s.interval,
		Share:     new(big.Int).Set(s.alloc.Share),
		PerMember: perMember,
		Payments:  make([]bank.Payment, 0, len(members)),
	}
	for _, member := range members {
		payout.Payments = append(payout.Payments, bank.Payment{
			To:     l.beneficiaries.BeneficiaryOf(member),
			Amount: new(big.Int).Set(perMember),
		})
	}
	paid := payout.Total()
	if err := l.alloc.RecordPayout(s.batch, s.interval, s.alloc.Share, paid); err != nil {
		return nil, l.reject("claim", err)
	}
	if err := l.tracker.MarkSettled(s.batch, id); err != nil {
		if errors.Is(err, keeps.ErrAlreadySettled) {
			err = fmt.Errorf("%w: %s", ErrAlreadyClaimed, id.Hex())
		}
		return nil, l.reject("claim", err)
	}
	if err := bank.CommitPayout(ctx, l.token, l.db, s.batch, l.custody, payout.Payments); err != nil {
		if errors.Is(err, bank.ErrUnpaid) {
			// The keep is settled; the transfer has to be reconciled by hand.
			l.announce(s)
			l.logger.Error("keep reward settled but not paid",
				slog.String("keep", id.Hex()),
				slog.String("amount", paid.String()),
				slog.Any("error", err))
			l.telemetry.ObserveSettlement("unpaid")
			l.observePool()
		}
		return nil, l.reject("claim", fmt.Errorf("rewards: pay keep %s: %w", id.Hex(), err))
	}
	l.announce(s)
	l.logger.Info("keep reward claimed",
		slog.String("keep", id.Hex()),
		slog.Uint64("interval", s.interval),
		slog.String("share", payout.Share.String()),
		slog.String("paid", paid.String()))
	l.telemetry.ObserveSettlement("claimed")
	beneficiaries := make([]common.Address, len(payout.Payments))
	for i, pay := range payout.Payments {
		beneficiaries[i] = pay.To
	}
	l.emitter.Emit(events.KeepRewardClaimed{
		Keep:          id,
		Interval:      s.interval,
		Share:         new(big.Int).Set(payout.Share),
		PerMember:     new(big.Int).Set(perMember),
		Beneficiaries: beneficiaries,
	})
	l.observePool()
	return payout, nil
}

// ReportTermination returns a terminated keep's interval share to the
// unallocated pool and settles the keep.
func (l *Ledger) ReportTermination(_ context.Context, id common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, err := l.prepare(id, keeps.StateTerminated)
	if err != nil {
		return nil, l.reject("reclaim", err)
	}
	if err := l.alloc.Reclaim(s.batch, s.interval, s.alloc.Share); err != nil {
		return nil, l.reject("reclaim", err)
	}
	if err := l.tracker.MarkSettled(s.batch, id); err != nil {
		if errors.Is(err, keeps.ErrAlreadySettled) {
			err = fmt.Errorf("%w: %s", ErrAlreadyClaimed, id.Hex())
		}
		return nil, l.reject("reclaim", err)
	}
	if err := s.batch.Write(); err != nil {
		return nil, err
	}
	l.announce(s)
	reclaimed := new(big.Int).Set(s.alloc.Share)
	l.logger.Info("keep reward reclaimed",
		slog.String("keep", id.Hex()),
		slog.Uint64("interval", s.interval),
		slog.String("amount", reclaimed.String()))
	l.telemetry.ObserveSettlement("reclaimed")
	l.emitter.Emit(events.KeepRewardReclaimed{Keep: id, Interval: s.interval, Amount: new(big.Int).Set(reclaimed)})
	l.observePool()
	return reclaimed, nil
}

func (l *Ledger) observePool() {
	totals, err := l.alloc.Totals(nil)
	if err != nil {
		return
	}
	l.telemetry.SetPool("unallocated", totals.Unallocated)
	l.telemetry.SetPool("outstanding", totals.Outstanding)
	l.telemetry.SetPool("paid", totals.Paid)
	l.telemetry.SetPool("dust", totals.Dust)
}

// EligibleForReward reports whether the keep closed cooperatively. Settled
// keeps stay eligible; see Claimable.
func (l *Ledger) EligibleForReward(id common.Address) (bool, error) {
	return l.tracker.IsEligibleForReward(id)
}

// EligibleForReclamation reports whether the keep terminated and its share has
// not been reclaimed yet.
func (l *Ledger) EligibleForReclamation(id common.Address) (bool, error) {
	return l.tracker.IsEligibleForReclamation(id)
}

// Claimable reports whether Claim would pass its state checks: the keep is
// eligible for reward and not yet settled. Interval timing is not considered.
func (l *Ledger) Claimable(id common.Address) (bool, error) {
	eligible, err := l.tracker.IsEligibleForReward(id)
	if err != nil || !eligible {
		return false, err
	}
	keep, err := l.tracker.Get(id)
	if err != nil {
		return false, err
	}
	return !keep.RewardSettled, nil
}

// UnallocatedRewards returns the pool not yet carved into any interval.
func (l *Ledger) UnallocatedRewards() (*big.Int, error) {
	return l.alloc.Unallocated()
}

// Totals returns the pool accounting snapshot.
func (l *Ledger) Totals() (*allocator.Totals, error) {
	return l.alloc.Totals(nil)
}

// IntervalOf returns the interval a closed or terminated keep belongs to.
func (l *Ledger) IntervalOf(id common.Address) (uint64, error) {
	keep, err := l.tracker.Get(id)
	if err != nil {
		return 0, err
	}
	if !keep.State.Terminal() {
		return 0, fmt.Errorf("%w: %s is %s", ErrNotClosed, id.Hex(), keep.State)
	}
	return l.schedule.IntervalOf(keep.ClosedAt)
}

// KeepsInInterval counts the closed and terminated keeps of interval n.
func (l *Ledger) KeepsInInterval(n uint64) int {
	return intervals.CountBetween(l.tracker.ClosureTimestamps(), l.schedule.StartOf(n), l.schedule.EndOf(n))
}

// Allocation returns interval n's bookkeeping entry.
func (l *Ledger) Allocation(n uint64) (*allocator.Allocation, error) {
	alloc, ok, err := l.alloc.Allocation(nil, n)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %d", allocator.ErrNotAllocated, n)
	}
	return alloc, nil
}

// Keep returns the keep record.
func (l *Ledger) Keep(id common.Address) (*keeps.Keep, error) {
	return l.tracker.Get(id)
}
