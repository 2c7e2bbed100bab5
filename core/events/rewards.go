package events

import (
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"keeprewards/core/types"
)

const (
	TypeRewardsFunded     = "rewards.funded"
	TypeIntervalAllocated = "interval.allocated"
	TypeKeepClaimed       = "keep.reward.claimed"
	TypeKeepReclaimed     = "keep.reward.reclaimed"
)

// RewardsFunded is emitted when tokens are added to the unallocated pool.
type RewardsFunded struct {
	From   common.Address
	Amount *big.Int
}

func (RewardsFunded) EventType() string { return TypeRewardsFunded }

func (e RewardsFunded) Event() *types.Event {
	return &types.Event{
		Type: TypeRewardsFunded,
		Attributes: map[string]string{
			"from":   e.From.Hex(),
			"amount": formatAmount(e.Amount),
		},
	}
}

// IntervalAllocated is emitted once per interval when its share of the pool is
// carved out. Allocated is zero when the interval did not reach the minimum
// participant count.
type IntervalAllocated struct {
	Interval  uint64
	KeepCount int
	Allocated *big.Int
	Share     *big.Int
	Remaining *big.Int
}

func (IntervalAllocated) EventType() string { return TypeIntervalAllocated }

func (e IntervalAllocated) Event() *types.Event {
	return &types.Event{
		Type: TypeIntervalAllocated,
		Attributes: map[string]string{
			"interval":  uintToString(e.Interval),
			"keepCount": strconv.Itoa(e.KeepCount),
			"allocated": formatAmount(e.Allocated),
			"share":     formatAmount(e.Share),
			"remaining": formatAmount(e.Remaining),
		},
	}
}

// KeepRewardClaimed is emitted when a closed keep's share is paid out.
type KeepRewardClaimed struct {
	Keep          common.Address
	Interval      uint64
	Share         *big.Int
	PerMember     *big.Int
	Beneficiaries []common.Address
}

func (KeepRewardClaimed) EventType() string { return TypeKeepClaimed }

func (e KeepRewardClaimed) Event() *types.Event {
	beneficiaries := make([]string, len(e.Beneficiaries))
	for i, b := range e.Beneficiaries {
		beneficiaries[i] = b.Hex()
	}
	return &types.Event{
		Type: TypeKeepClaimed,
		Attributes: map[string]string{
			"keep":          e.Keep.Hex(),
			"interval":      uintToString(e.Interval),
			"share":         formatAmount(e.Share),
			"perMember":     formatAmount(e.PerMember),
			"beneficiaries": strings.Join(beneficiaries, ","),
		},
	}
}

// KeepRewardReclaimed is emitted when a terminated keep's share returns to the
// unallocated pool.
type KeepRewardReclaimed struct {
	Keep     common.Address
	Interval uint64
	Amount   *big.Int
}

func (KeepRewardReclaimed) EventType() string { return TypeKeepReclaimed }

func (e KeepRewardReclaimed) Event() *types.Event {
	return &types.Event{
		Type: TypeKeepReclaimed,
		Attributes: map[string]string{
			"keep":     e.Keep.Hex(),
			"interval": uintToString(e.Interval),
			"amount":   formatAmount(e.Amount),
		},
	}
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func uintToString(v uint64) string {
	return strconv.FormatUint(v, 10)
}
