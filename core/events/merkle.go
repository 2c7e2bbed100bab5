package events

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"keeprewards/core/types"
)

const (
	TypeMerkleAllocated = "merkle.rewards.allocated"
	TypeMerkleClaimed   = "merkle.rewards.claimed"
)

type MerkleRewardsAllocated struct {
	Root   common.Hash
	From   common.Address
	Amount *big.Int
	Total  *big.Int
}

func (MerkleRewardsAllocated) EventType() string { return TypeMerkleAllocated }

func (e MerkleRewardsAllocated) Event() *types.Event {
	return &types.Event{
		Type: TypeMerkleAllocated,
		Attributes: map[string]string{
			"root":   e.Root.Hex(),
			"from":   e.From.Hex(),
			"amount": formatAmount(e.Amount),
			"total":  formatAmount(e.Total),
		},
	}
}

type MerkleRewardsClaimed struct {
	Root        common.Hash
	Index       uint64
	Account     common.Address
	Beneficiary common.Address
	Amount      *big.Int
}

func (MerkleRewardsClaimed) EventType() string { return TypeMerkleClaimed }

func (e MerkleRewardsClaimed) Event() *types.Event {
	return &types.Event{
		Type: TypeMerkleClaimed,
		Attributes: map[string]string{
			"root":        e.Root.Hex(),
			"index":       uintToString(e.Index),
			"account":     e.Account.Hex(),
			"beneficiary": e.Beneficiary.Hex(),
			"amount":      formatAmount(e.Amount),
		},
	}
}
