package bank

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"keeprewards/storage"
)

const balanceKeyPrefix = "bank/balance/"

// Ledger is an in-process token ledger persisted in a key-value store. Balances
// are stored as 32-byte big-endian words and bounded to 256 bits.
type Ledger struct {
	db storage.Database
	mu sync.Mutex
}

// NewLedger constructs a token ledger backed by db.
func NewLedger(db storage.Database) *Ledger {
	return &Ledger{db: db}
}

func balanceKey(addr common.Address) []byte {
	return append([]byte(balanceKeyPrefix), addr.Bytes()...)
}

func (l *Ledger) balance(batch storage.Batch, addr common.Address) (*uint256.Int, error) {
	raw, err := storage.Read(l.db, batch, balanceKey(addr))
	if errors.Is(err, storage.ErrNotFound) {
		return new(uint256.Int), nil
	}
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).SetBytes(raw), nil
}

func (l *Ledger) putBalance(batch storage.Batch, addr common.Address, v *uint256.Int) {
	word := v.Bytes32()
	batch.Put(balanceKey(addr), word[:])
}

func toWord(amount *big.Int) (*uint256.Int, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	word, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, ErrBalanceOverflow
	}
	return word, nil
}

// Mint credits amount to addr. It models external funding sources.
func (l *Ledger) Mint(addr common.Address, amount *big.Int) error {
	word, err := toWord(amount)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	batch := l.db.NewBatch()
	current, err := l.balance(batch, addr)
	if err != nil {
		return err
	}
	next, overflow := new(uint256.Int).AddOverflow(current, word)
	if overflow {
		return ErrBalanceOverflow
	}
	l.putBalance(batch, addr, next)
	return batch.Write()
}

// BalanceOf returns the balance of addr.
func (l *Ledger) BalanceOf(_ context.Context, addr common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	bal, err := l.balance(nil, addr)
	if err != nil {
		return nil, err
	}
	return bal.ToBig(), nil
}

// Transfer moves amount from one account to another.
func (l *Ledger) Transfer(ctx context.Context, from, to common.Address, amount *big.Int) error {
	return l.TransferBatch(ctx, from, []Payment{{To: to, Amount: amount}})
}

// TransferBatch applies every payment out of from, or none of them.
func (l *Ledger) TransferBatch(_ context.Context, from common.Address, payments []Payment) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	batch := l.db.NewBatch()
	if err := l.stage(batch, from, payments); err != nil {
		return err
	}
	if batch.Len() == 0 {
		return nil
	}
	return batch.Write()
}

// Store returns the database holding the balances.
func (l *Ledger) Store() storage.Database {
	return l.db
}

// CommitWith stages payments onto batch, which must belong to Store, and
// writes it. Nothing is written when a payment fails.
func (l *Ledger) CommitWith(_ context.Context, batch storage.Batch, from common.Address, payments []Payment) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.stage(batch, from, payments); err != nil {
		return err
	}
	return batch.Write()
}

func (l *Ledger) stage(batch storage.Batch, from common.Address, payments []Payment) error {
	for i, p := range payments {
		word, err := toWord(p.Amount)
		if err != nil {
			return fmt.Errorf("payment %d: %w", i, err)
		}
		if word.IsZero() || p.To == from {
			continue
		}
		src, err := l.balance(batch, from)
		if err != nil {
			return err
		}
		if src.Lt(word) {
			return ErrInsufficientFunds
		}
		dst, err := l.balance(batch, p.To)
		if err != nil {
			return err
		}
		next, overflow := new(uint256.Int).AddOverflow(dst, word)
		if overflow {
			return ErrBalanceOverflow
		}
		l.putBalance(batch, from, new(uint256.Int).Sub(src, word))
		l.putBalance(batch, p.To, next)
	}
	return nil
}
