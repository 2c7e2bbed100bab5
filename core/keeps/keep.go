package keeps

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

// State is the lifecycle state of a keep as reported by the keep factory.
type State uint8

const (
	StateActive State = iota
	StateClosed
	StateTerminated
)

func (s State) Valid() bool {
	switch s {
	case StateActive, StateClosed, StateTerminated:
		return true
	default:
		return false
	}
}

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateTerminated
}

var (
	ErrUnrecognizedKeep  = errors.New("keeps: unrecognized keep")
	ErrKeepExists        = errors.New("keeps: keep already registered")
	ErrInvalidTransition = errors.New("keeps: invalid state transition")
	ErrNoMembers         = errors.New("keeps: keep requires at least one member")
	ErrAlreadySettled    = errors.New("keeps: reward already settled")
)

// Keep is the reward engine's projection of a signing keep.
type Keep struct {
	ID      common.Address
	Members []common.Address
	State   State
	// OpenedAt is the unix time the keep was registered.
	OpenedAt uint64
	// ClosedAt is the unix time the keep closed or was terminated; zero while
	// active.
	ClosedAt uint64
	// RewardSettled flips to true once the keep's share was paid or reclaimed.
	RewardSettled bool
}

func (k *Keep) Clone() *Keep {
	if k == nil {
		return nil
	}
	out := *k
	out.Members = append([]common.Address(nil), k.Members...)
	return &out
}

func sameMembers(a, b []common.Address) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
