package bank

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"keeprewards/storage"
)

var (
	ErrInsufficientFunds = errors.New("bank: insufficient funds")
	ErrInvalidAmount     = errors.New("bank: amount must be non-negative")
	ErrBalanceOverflow   = errors.New("bank: balance overflow")
	// ErrUnpaid reports a payout whose bookkeeping was committed but whose
	// transfer failed afterwards. The payments need manual reconciliation.
	ErrUnpaid = errors.New("bank: payout committed but not transferred")
)

// Token is the funding collaborator the reward engine moves value through.
type Token interface {
	Transfer(ctx context.Context, from, to common.Address, amount *big.Int) error
	BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error)
}

// Payment is a single leg of a batch transfer.
type Payment struct {
	To     common.Address
	Amount *big.Int
}

// BatchTransferer is implemented by tokens able to apply several transfers out
// of one account atomically.
type BatchTransferer interface {
	TransferBatch(ctx context.Context, from common.Address, payments []Payment) error
}

// StoreCommitter is implemented by tokens whose balances live in a
// storage.Database. CommitWith stages payments onto batch and writes it, so the
// caller's staged state and the balance changes land in a single write.
type StoreCommitter interface {
	Store() storage.Database
	CommitWith(ctx context.Context, batch storage.Batch, from common.Address, payments []Payment) error
}

func committerFor(token Token, db storage.Database) (StoreCommitter, bool) {
	c, ok := token.(StoreCommitter)
	if !ok || c.Store() != db {
		return nil, false
	}
	return c, true
}

// CommitPayout writes batch, a batch of db, and pays every payment out of from.
// A token keeping its balances in db commits both in one write. Any other
// token is checked for funds, then batch is written before the transfers, so a
// failed transfer can never be retried into a second payment; that failure is
// reported as ErrUnpaid.
func CommitPayout(ctx context.Context, token Token, db storage.Database, batch storage.Batch, from common.Address, payments []Payment) error {
	if c, ok := committerFor(token, db); ok {
		return c.CommitWith(ctx, batch, from, payments)
	}
	if err := checkFunds(ctx, token, from, payments); err != nil {
		return err
	}
	if err := batch.Write(); err != nil {
		return err
	}
	if err := Pay(ctx, token, from, payments); err != nil {
		return fmt.Errorf("%w: %w", ErrUnpaid, err)
	}
	return nil
}

// CommitDeposit moves amount from one account to another and writes batch. A
// token keeping its balances in db commits both in one write. Any other token
// transfers first, so a failed write leaves surplus funds in custody instead of
// accounting for funds that never arrived.
func CommitDeposit(ctx context.Context, token Token, db storage.Database, batch storage.Batch, from, to common.Address, amount *big.Int) error {
	if c, ok := committerFor(token, db); ok {
		return c.CommitWith(ctx, batch, from, []Payment{{To: to, Amount: amount}})
	}
	if err := token.Transfer(ctx, from, to, amount); err != nil {
		return err
	}
	return batch.Write()
}

func checkFunds(ctx context.Context, token Token, from common.Address, payments []Payment) error {
	total := big.NewInt(0)
	for _, p := range payments {
		if p.Amount == nil || p.Amount.Sign() < 0 {
			return ErrInvalidAmount
		}
		total.Add(total, p.Amount)
	}
	balance, err := token.BalanceOf(ctx, from)
	if err != nil {
		return err
	}
	if balance.Cmp(total) < 0 {
		return ErrInsufficientFunds
	}
	return nil
}

// Pay moves every payment out of from. Tokens implementing BatchTransferer are
// used atomically; otherwise the combined amount is checked against the
// balance of from before the first transfer.
func Pay(ctx context.Context, token Token, from common.Address, payments []Payment) error {
	if batcher, ok := token.(BatchTransferer); ok {
		return batcher.TransferBatch(ctx, from, payments)
	}
	if err := checkFunds(ctx, token, from, payments); err != nil {
		return err
	}
	for _, p := range payments {
		if p.Amount.Sign() == 0 {
			continue
		}
		if err := token.Transfer(ctx, from, p.To, p.Amount); err != nil {
			return err
		}
	}
	return nil
}

// BeneficiaryResolver maps an operator to the address that receives its rewards.
type BeneficiaryResolver interface {
	BeneficiaryOf(operator common.Address) common.Address
}

// IdentityBeneficiaries pays every operator directly.
type IdentityBeneficiaries struct{}

func (IdentityBeneficiaries) BeneficiaryOf(operator common.Address) common.Address { return operator }

// StaticBeneficiaries resolves through a fixed table, falling back to the
// operator itself.
type StaticBeneficiaries map[common.Address]common.Address

func (s StaticBeneficiaries) BeneficiaryOf(operator common.Address) common.Address {
	if b, ok := s[operator]; ok && b != (common.Address{}) {
		return b
	}
	return operator
}
