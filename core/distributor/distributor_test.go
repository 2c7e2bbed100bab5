package distributor

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"keeprewards/core/bank"
	"keeprewards/core/merkle"
	"keeprewards/storage"
)

var (
	custody = common.HexToAddress("0x00000000000000000000000000000000000c0570")
	funder  = common.HexToAddress("0x00000000000000000000000000000000000f0d00")
	alice   = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob     = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

type fixture struct {
	dist  *Distributor
	token *bank.Ledger
	tree  *merkle.Tree
}

func newFixture(t *testing.T, beneficiaries bank.BeneficiaryResolver) *fixture {
	t.Helper()
	return newFixtureOn(t, storage.NewMemDB(), beneficiaries)
}

// newFixtureOn keeps balances and distributor state in the same store.
func newFixtureOn(t *testing.T, db storage.Database, beneficiaries bank.BeneficiaryResolver) *fixture {
	t.Helper()
	token := bank.NewLedger(db)
	require.NoError(t, token.Mint(funder, big.NewInt(1_000)))
	dist, err := New(Config{
		DB:            db,
		Token:         token,
		Custody:       custody,
		Beneficiaries: beneficiaries,
	})
	require.NoError(t, err)
	tree, err := merkle.Build([]merkle.Leaf{
		{Index: 0, Account: alice, Amount: big.NewInt(85)},
		{Index: 1, Account: bob, Amount: big.NewInt(15)},
		{Index: 300, Account: bob, Amount: big.NewInt(5)},
	})
	require.NoError(t, err)
	return &fixture{dist: dist, token: token, tree: tree}
}

func (f *fixture) proof(t *testing.T, pos int) []common.Hash {
	t.Helper()
	p, err := f.tree.Proof(pos)
	require.NoError(t, err)
	return p
}

func (f *fixture) balance(t *testing.T, addr common.Address) int64 {
	t.Helper()
	bal, err := f.token.BalanceOf(context.Background(), addr)
	require.NoError(t, err)
	return bal.Int64()
}

func TestClaimRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	root := f.tree.Root()
	_, err := f.dist.Allocate(ctx, funder, root, big.NewInt(105))
	require.NoError(t, err)

	paid, err := f.dist.Claim(ctx, root, 0, alice, big.NewInt(85), f.proof(t, 0))
	require.NoError(t, err)
	require.Equal(t, int64(85), paid.Int64())
	require.Equal(t, int64(85), f.balance(t, alice))

	claimed, err := f.dist.IsClaimed(root, 0)
	require.NoError(t, err)
	require.True(t, claimed)
	claimed, err = f.dist.IsClaimed(root, 1)
	require.NoError(t, err)
	require.False(t, claimed)

	_, err = f.dist.Claim(ctx, root, 0, alice, big.NewInt(85), f.proof(t, 0))
	require.ErrorIs(t, err, ErrAlreadyClaimed)
	require.Equal(t, int64(85), f.balance(t, alice))

	// Index 300 lives in the second bitmap word.
	_, err = f.dist.Claim(ctx, root, 300, bob, big.NewInt(5), f.proof(t, 2))
	require.NoError(t, err)
	claimed, err = f.dist.IsClaimed(root, 300)
	require.NoError(t, err)
	require.True(t, claimed)
	claimed, err = f.dist.IsClaimed(root, 44)
	require.NoError(t, err)
	require.False(t, claimed)
}

func TestClaimInvalidProofChangesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	root := f.tree.Root()
	_, err := f.dist.Allocate(ctx, funder, root, big.NewInt(105))
	require.NoError(t, err)

	proof := f.proof(t, 0)
	proof[0][0] ^= 0xff
	_, err = f.dist.Claim(ctx, root, 0, alice, big.NewInt(85), proof)
	require.ErrorIs(t, err, ErrInvalidProof)

	// Inflated amount with an honest proof.
	_, err = f.dist.Claim(ctx, root, 0, alice, big.NewInt(86), f.proof(t, 0))
	require.ErrorIs(t, err, ErrInvalidProof)

	claimed, err := f.dist.IsClaimed(root, 0)
	require.NoError(t, err)
	require.False(t, claimed)
	alloc, err := f.dist.Allocation(root)
	require.NoError(t, err)
	require.Zero(t, alloc.Claimed.Sign())
	require.Equal(t, int64(105), f.balance(t, custody))
	require.Zero(t, f.balance(t, alice))
}

func TestClaimUnknownRoot(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.dist.Claim(context.Background(), f.tree.Root(), 0, alice, big.NewInt(85), f.proof(t, 0))
	require.ErrorIs(t, err, ErrUnknownRoot)
}

func TestAllocationIsAdditiveAndGuarded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	root := f.tree.Root()

	_, err := f.dist.Allocate(ctx, funder, root, big.NewInt(50))
	require.NoError(t, err)
	_, err = f.dist.Claim(ctx, root, 0, alice, big.NewInt(85), f.proof(t, 0))
	require.ErrorIs(t, err, ErrAllocationExceeded)

	alloc, err := f.dist.Allocate(ctx, funder, root, big.NewInt(50))
	require.NoError(t, err)
	require.Equal(t, int64(100), alloc.Allocated.Int64())
	_, err = f.dist.Claim(ctx, root, 0, alice, big.NewInt(85), f.proof(t, 0))
	require.NoError(t, err)
	_, err = f.dist.Claim(ctx, root, 1, bob, big.NewInt(15), f.proof(t, 1))
	require.NoError(t, err)
	_, err = f.dist.Claim(ctx, root, 300, bob, big.NewInt(5), f.proof(t, 2))
	require.ErrorIs(t, err, ErrAllocationExceeded)

	roots, err := f.dist.Roots()
	require.NoError(t, err)
	require.Equal(t, []common.Hash{root}, roots)

	_, err = f.dist.Allocate(ctx, funder, common.Hash{}, big.NewInt(1))
	require.ErrorIs(t, err, ErrZeroRoot)
	_, err = f.dist.Allocate(ctx, funder, root, big.NewInt(0))
	require.ErrorIs(t, err, ErrInvalidAmount)
	_, err = f.dist.Allocate(ctx, funder, root, big.NewInt(10_000))
	require.ErrorIs(t, err, bank.ErrInsufficientFunds)
}

func TestRootsAreIndependent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	first := f.tree.Root()
	other, err := merkle.Build([]merkle.Leaf{{Index: 0, Account: alice, Amount: big.NewInt(7)}})
	require.NoError(t, err)
	second := other.Root()

	_, err = f.dist.Allocate(ctx, funder, first, big.NewInt(100))
	require.NoError(t, err)
	_, err = f.dist.Allocate(ctx, funder, second, big.NewInt(7))
	require.NoError(t, err)

	_, err = f.dist.Claim(ctx, first, 0, alice, big.NewInt(85), f.proof(t, 0))
	require.NoError(t, err)
	_, err = f.dist.Claim(ctx, second, 0, alice, big.NewInt(7), nil)
	require.NoError(t, err)
	require.Equal(t, int64(92), f.balance(t, alice))

	roots, err := f.dist.Roots()
	require.NoError(t, err)
	require.Equal(t, []common.Hash{first, second}, roots)
}

func TestClaimPaysBeneficiary(t *testing.T) {
	ctx := context.Background()
	payee := common.HexToAddress("0x00000000000000000000000000000000000fee00")
	f := newFixture(t, bank.StaticBeneficiaries{alice: payee})
	root := f.tree.Root()
	_, err := f.dist.Allocate(ctx, funder, root, big.NewInt(105))
	require.NoError(t, err)
	_, err = f.dist.Claim(ctx, root, 0, alice, big.NewInt(85), f.proof(t, 0))
	require.NoError(t, err)
	require.Equal(t, int64(85), f.balance(t, payee))
	require.Zero(t, f.balance(t, alice))
}

var errDiskFull = errors.New("disk full")

// failingDB fails the next batch write that touches a key under prefix.
type failingDB struct {
	*storage.MemDB
	mu     sync.Mutex
	prefix string
	fails  int
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
	if strings.HasPrefix(string(key), b.db.prefix) {
		b.touched = true
	}
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

func TestFailedClaimCommitCanBeRetried(t *testing.T) {
	ctx := context.Background()
	db := &failingDB{MemDB: storage.NewMemDB(), prefix: bitmapKeyPrefix}
	f := newFixtureOn(t, db, nil)
	root := f.tree.Root()
	_, err := f.dist.Allocate(ctx, funder, root, big.NewInt(100))
	require.NoError(t, err)

	db.fails = 1
	_, err = f.dist.Claim(ctx, root, 0, alice, big.NewInt(85), f.proof(t, 0))
	require.ErrorIs(t, err, errDiskFull)
	require.Zero(t, f.balance(t, alice))
	require.Equal(t, int64(100), f.balance(t, custody))
	claimed, err := f.dist.IsClaimed(root, 0)
	require.NoError(t, err)
	require.False(t, claimed)

	paid, err := f.dist.Claim(ctx, root, 0, alice, big.NewInt(85), f.proof(t, 0))
	require.NoError(t, err)
	require.Equal(t, int64(85), paid.Int64())
	_, err = f.dist.Claim(ctx, root, 0, alice, big.NewInt(85), f.proof(t, 0))
	require.ErrorIs(t, err, ErrAlreadyClaimed)
	require.Equal(t, int64(85), f.balance(t, alice))
	require.Equal(t, int64(15), f.balance(t, custody))
}

func TestConcurrentClaimsOnOneLeaf(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	root := f.tree.Root()
	_, err := f.dist.Allocate(ctx, funder, root, big.NewInt(100))
	require.NoError(t, err)
	proofs := [][]common.Hash{f.proof(t, 0), f.proof(t, 1)}

	const workers = 16
	errs := make([]error, 2*workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.dist.Claim(ctx, root, 0, alice, big.NewInt(85), proofs[0])
		}(i)
		go func(i int) {
			defer wg.Done()
			_, errs[workers+i] = f.dist.Claim(ctx, root, 1, bob, big.NewInt(15), proofs[1])
		}(i)
	}
	wg.Wait()

	for _, leaf := range [][]error{errs[:workers], errs[workers:]} {
		succeeded := 0
		for _, err := range leaf {
			if err == nil {
				succeeded++
				continue
			}
			require.ErrorIs(t, err, ErrAlreadyClaimed)
		}
		require.Equal(t, 1, succeeded)
	}
	require.Equal(t, int64(85), f.balance(t, alice))
	require.Equal(t, int64(15), f.balance(t, bob))
	require.Zero(t, f.balance(t, custody))
	alloc, err := f.dist.Allocation(root)
	require.NoError(t, err)
	require.Zero(t, alloc.Remaining().Sign())
}
