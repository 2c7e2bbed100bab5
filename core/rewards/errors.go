package rewards

import (
	"errors"

	"keeprewards/core/allocator"
	"keeprewards/core/bank"
	"keeprewards/core/distributor"
	"keeprewards/core/intervals"
	"keeprewards/core/keeps"
)

var (
	ErrUnrecognizedKeep = keeps.ErrUnrecognizedKeep
	ErrNotClosed        = errors.New("rewards: keep is not closed")
	ErrNotTerminated    = errors.New("rewards: keep is not terminated")
	ErrAlreadyClaimed   = errors.New("rewards: keep reward already claimed")
	ErrIntervalNotEnded = errors.New("rewards: keep interval has not ended")
	ErrIntervalSealed   = errors.New("rewards: keep interval already allocated")
	ErrInvalidAmount    = errors.New("rewards: amount must be positive")
)

// ErrorKind groups engine errors by how a caller should react to them.
type ErrorKind string

const (
	KindNone        ErrorKind = ""
	KindState       ErrorKind = "state"
	KindIdempotence ErrorKind = "idempotence"
	KindTiming      ErrorKind = "timing"
	KindLookup      ErrorKind = "lookup"
	KindProof       ErrorKind = "proof"
	KindInvalid     ErrorKind = "invalid"
	KindInternal    ErrorKind = "internal"
)

var kindTable = []struct {
	err  error
	kind ErrorKind
}{
	{bank.ErrUnpaid, KindInternal},
	{ErrNotClosed, KindState},
	{ErrNotTerminated, KindState},
	{keeps.ErrInvalidTransition, KindState},
	{keeps.ErrKeepExists, KindState},
	{ErrIntervalSealed, KindState},
	{distributor.ErrAllocationExceeded, KindState},
	{bank.ErrInsufficientFunds, KindState},
	{ErrAlreadyClaimed, KindIdempotence},
	{keeps.ErrAlreadySettled, KindIdempotence},
	{distributor.ErrAlreadyClaimed, KindIdempotence},
	{allocator.ErrAlreadyAllocated, KindIdempotence},
	{ErrIntervalNotEnded, KindTiming},
	{intervals.ErrBeforeInitiation, KindTiming},
	{keeps.ErrUnrecognizedKeep, KindLookup},
	{distributor.ErrUnknownRoot, KindLookup},
	{intervals.ErrNotFound, KindLookup},
	{allocator.ErrNotAllocated, KindLookup},
	{distributor.ErrInvalidProof, KindProof},
	{ErrInvalidAmount, KindInvalid},
	{keeps.ErrNoMembers, KindInvalid},
	{distributor.ErrInvalidAmount, KindInvalid},
	{distributor.ErrZeroRoot, KindInvalid},
	{bank.ErrInvalidAmount, KindInvalid},
}

// Kind classifies err. Unclassified non-nil errors are KindInternal.
func Kind(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	for _, entry := range kindTable {
		if errors.Is(err, entry.err) {
			return entry.kind
		}
	}
	return KindInternal
}
