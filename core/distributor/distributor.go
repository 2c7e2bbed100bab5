package distributor

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"keeprewards/core/bank"
	"keeprewards/core/events"
	"keeprewards/core/merkle"
	"keeprewards/observability/metrics"
	"keeprewards/storage"
)

const (
	rootKeyPrefix   = "distributor/root/"
	rootListKey     = "distributor/roots"
	bitmapKeyPrefix = "distributor/claimed/"
)

var (
	ErrUnknownRoot        = errors.New("distributor: unknown merkle root")
	ErrInvalidProof       = errors.New("distributor: invalid merkle proof")
	ErrAlreadyClaimed     = errors.New("distributor: reward already claimed")
	ErrAllocationExceeded = errors.New("distributor: claim exceeds root allocation")
	ErrInvalidAmount      = errors.New("distributor: amount must be positive")
	ErrZeroRoot           = errors.New("distributor: merkle root must be non-zero")
	ErrNoCustody          = errors.New("distributor: custody account not configured")
)

// RootAllocation tracks what was deposited for a root and what has been paid.
type RootAllocation struct {
	Root      common.Hash
	Allocated *big.Int
	Claimed   *big.Int
}

// Remaining returns the unpaid part of the allocation.
func (r *RootAllocation) Remaining() *big.Int {
	return new(big.Int).Sub(r.Allocated, r.Claimed)
}

type storedRoot struct {
	Allocated []byte
	Claimed   []byte
}

// Config wires the distributor to its collaborators.
type Config struct {
	DB            storage.Database
	Token         bank.Token
	Custody       common.Address
	Beneficiaries bank.BeneficiaryResolver
	Emitter       events.Emitter
	Logger        *slog.Logger
}

// Distributor pays rewards committed to by Merkle roots. Each (root, index)
// pair can be claimed at most once.
type Distributor struct {
	db            storage.Database
	token         bank.Token
	custody       common.Address
	beneficiaries bank.BeneficiaryResolver
	emitter       events.Emitter
	logger        *slog.Logger
	telemetry     *metrics.RewardsMetrics

	mu sync.Mutex
}

// New constructs a distributor.
func New(cfg Config) (*Distributor, error) {
	if cfg.DB == nil {
		return nil, errors.New("distributor: database required")
	}
	if cfg.Token == nil {
		return nil, errors.New("distributor: token required")
	}
	if cfg.Custody == (common.Address{}) {
		return nil, ErrNoCustody
	}
	d := &Distributor{
		db:            cfg.DB,
		token:         cfg.Token,
		custody:       cfg.Custody,
		beneficiaries: cfg.Beneficiaries,
		emitter:       cfg.Emitter,
		logger:        cfg.Logger,
		telemetry:     metrics.Rewards(),
	}
	if d.beneficiaries == nil {
		d.beneficiaries = bank.IdentityBeneficiaries{}
	}
	if d.emitter == nil {
		d.emitter = events.NoopEmitter{}
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	return d, nil
}

func rootKey(root common.Hash) []byte {
	return append([]byte(rootKeyPrefix), root.Bytes()...)
}

func bitmapKey(root common.Hash, word uint64) []byte {
	buf := make([]byte, 0, len(bitmapKeyPrefix)+common.HashLength+8)
	buf = append(buf, bitmapKeyPrefix...)
	buf = append(buf, root.Bytes()...)
	return binary.BigEndian.AppendUint64(buf, word)
}

func (d *Distributor) loadRoot(batch storage.Batch, root common.Hash) (*RootAllocation, error) {
	raw, err := storage.Read(d.db, batch, rootKey(root))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrUnknownRoot
	}
	if err != nil {
		return nil, err
	}
	var stored storedRoot
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, fmt.Errorf("distributor: decode root %s: %w", root.Hex(), err)
	}
	return &RootAllocation{
		Root:      root,
		Allocated: new(big.Int).SetBytes(stored.Allocated),
		Claimed:   new(big.Int).SetBytes(stored.Claimed),
	}, nil
}

func stageRoot(batch storage.Batch, alloc *RootAllocation) error {
	encoded, err := rlp.EncodeToBytes(storedRoot{
		Allocated: alloc.Allocated.Bytes(),
		Claimed:   alloc.Claimed.Bytes(),
	})
	if err != nil {
		return err
	}
	batch.Put(rootKey(alloc.Root), encoded)
	return nil
}

func (d *Distributor) loadRootList(batch storage.Batch) ([]common.Hash, error) {
	raw, err := storage.Read(d.db, batch, []byte(rootListKey))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var roots []common.Hash
	if err := rlp.DecodeBytes(raw, &roots); err != nil {
		return nil, fmt.Errorf("distributor: decode root list: %w", err)
	}
	return roots, nil
}

func (d *Distributor) loadWord(batch storage.Batch, root common.Hash, word uint64) (*uint256.Int, error) {
	raw, err := storage.Read(d.db, batch, bitmapKey(root, word))
	if errors.Is(err, storage.ErrNotFound) {
		return new(uint256.Int), nil
	}
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).SetBytes(raw), nil
}

func (d *Distributor) isClaimed(batch storage.Batch, root common.Hash, index uint64) (bool, error) {
	word, err := d.loadWord(batch, root, index/256)
	if err != nil {
		return false, err
	}
	mask := new(uint256.Int).Lsh(uint256.NewInt(1), uint(index%256))
	return !new(uint256.Int).And(word, mask).IsZero(), nil
}

func (d *Distributor) stageClaimed(batch storage.Batch, root common.Hash, index uint64) error {
	word, err := d.loadWord(batch, root, index/256)
	if err != nil {
		return err
	}
	mask := new(uint256.Int).Lsh(uint256.NewInt(1), uint(index%256))
	word.Or(word, mask)
	encoded := word.Bytes32()
	batch.Put(bitmapKey(root, index/256), encoded[:])
	return nil
}

// Allocate moves amount from the funder into custody and credits it to root.
// Allocations to the same root are additive.
func (d *Distributor) Allocate(ctx context.Context, from common.Address, root common.Hash, amount *big.Int) (*RootAllocation, error) {
	if root == (common.Hash{}) {
		return nil, ErrZeroRoot
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	batch := d.db.NewBatch()
	alloc, err := d.loadRoot(batch, root)
	if errors.Is(err, ErrUnknownRoot) {
		roots, lerr := d.loadRootList(batch)
		if lerr != nil {
			return nil, lerr
		}
		encoded, lerr := rlp.EncodeToBytes(append(roots, root))
		if lerr != nil {
			return nil, lerr
		}
		batch.Put([]byte(rootListKey), encoded)
		alloc, err = &RootAllocation{Root: root, Allocated: big.NewInt(0), Claimed: big.NewInt(0)}, nil
	}
	if err != nil {
		return nil, err
	}
	alloc.Allocated.Add(alloc.Allocated, amount)
	if err := stageRoot(batch, alloc); err != nil {
		return nil, err
	}
	if err := bank.CommitDeposit(ctx, d.token, d.db, batch, from, d.custody, amount); err != nil {
		return nil, fmt.Errorf("distributor: fund root: %w", err)
	}
	d.logger.Info("merkle rewards allocated",
		slog.String("root", root.Hex()),
		slog.String("amount", amount.String()),
		slog.String("total", alloc.Allocated.String()))
	d.emitter.Emit(events.MerkleRewardsAllocated{Root: root, From: from, Amount: new(big.Int).Set(amount), Total: new(big.Int).Set(alloc.Allocated)})
	return alloc, nil
}

// Claim verifies the (index, account, amount) leaf against root and pays the
// account's beneficiary. Failed claims leave no trace.
func (d *Distributor) Claim(ctx context.Context, root common.Hash, index uint64, account common.Address, amount *big.Int, proof []common.Hash) (*big.Int, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	batch := d.db.NewBatch()
	alloc, err := d.loadRoot(batch, root)
	if err != nil {
		return nil, err
	}
	claimed, err := d.isClaimed(batch, root, index)
	if err != nil {
		return nil, err
	}
	if claimed {
		d.telemetry.ObserveMerkleClaim("duplicate")
		return nil, fmt.Errorf("%w: root %s index %d", ErrAlreadyClaimed, root.Hex(), index)
	}
	leaf, err := merkle.LeafHash(index, account, amount)
	if err != nil {
		return nil, err
	}
	if !merkle.Verify(proof, root, leaf) {
		d.logger.Debug("merkle claim rejected",
			slog.String("root", root.Hex()),
			slog.Uint64("index", index),
			slog.String("account", account.Hex()))
		d.telemetry.ObserveMerkleClaim("invalid_proof")
		return nil, ErrInvalidProof
	}
	if alloc.Remaining().Cmp(amount) < 0 {
		return nil, fmt.Errorf("%w: remaining %s, claim %s", ErrAllocationExceeded, alloc.Remaining(), amount)
	}
	alloc.Claimed.Add(alloc.Claimed, amount)
	if err := stageRoot(batch, alloc); err != nil {
		return nil, err
	}
	if err := d.stageClaimed(batch, root, index); err != nil {
		return nil, err
	}
	beneficiary := d.beneficiaries.BeneficiaryOf(account)
	payments := []bank.Payment{{To: beneficiary, Amount: amount}}
	if err := bank.CommitPayout(ctx, d.token, d.db, batch, d.custody, payments); err != nil {
		if errors.Is(err, bank.ErrUnpaid) {
			d.logger.Error("merkle claim recorded but not paid",
				slog.String("root", root.Hex()),
				slog.Uint64("index", index),
				slog.String("beneficiary", beneficiary.Hex()),
				slog.Any("error", err))
			d.telemetry.ObserveMerkleClaim("unpaid")
		}
		return nil, fmt.Errorf("distributor: pay claim: %w", err)
	}
	d.telemetry.ObserveMerkleClaim("paid")
	d.logger.Info("merkle reward claimed",
		slog.String("root", root.Hex()),
		slog.Uint64("index", index),
		slog.String("beneficiary", beneficiary.Hex()),
		slog.String("amount", amount.String()))
	d.emitter.Emit(events.MerkleRewardsClaimed{
		Root:        root,
		Index:       index,
		Account:     account,
		Beneficiary: beneficiary,
		Amount:      new(big.Int).Set(amount),
	})
	return new(big.Int).Set(amount), nil
}

// IsClaimed reports whether leaf index of root has been claimed. Unknown roots
// report false.
func (d *Distributor) IsClaimed(root common.Hash, index uint64) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.isClaimed(nil, root, index)
}

// Allocation returns the funding state of root.
func (d *Distributor) Allocation(root common.Hash) (*RootAllocation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loadRoot(nil, root)
}

// Roots lists every funded root in allocation order.
func (d *Distributor) Roots() ([]common.Hash, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loadRootList(nil)
}
