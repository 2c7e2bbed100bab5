package merkle

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrEmptyTree     = errors.New("merkle: at least one leaf required")
	ErrDuplicateLeaf = errors.New("merkle: duplicate leaf index")
	ErrLeafRange     = errors.New("merkle: leaf position out of range")
	ErrInvalidAmount = errors.New("merkle: amount must be non-negative and fit 256 bits")
)

// Leaf is one row of a reward table.
type Leaf struct {
	Index   uint64
	Account common.Address
	Amount  *big.Int
}

// LeafHash hashes a reward table row as keccak256(uint256 index ‖ address
// account ‖ uint256 amount), tightly packed.
func LeafHash(index uint64, account common.Address, amount *big.Int) (common.Hash, error) {
	if amount == nil || amount.Sign() < 0 || amount.BitLen() > 256 {
		return common.Hash{}, ErrInvalidAmount
	}
	buf := make([]byte, 0, 32+common.AddressLength+32)
	buf = append(buf, math.U256Bytes(new(big.Int).SetUint64(index))...)
	buf = append(buf, account.Bytes()...)
	buf = append(buf, math.U256Bytes(new(big.Int).Set(amount))...)
	return crypto.Keccak256Hash(buf), nil
}

// hashPair hashes two nodes in ascending byte order so proofs do not need to
// carry sibling positions.
func hashPair(a, b common.Hash) common.Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return crypto.Keccak256Hash(a[:], b[:])
}

// Verify reports whether proof links leaf to root.
func Verify(proof []common.Hash, root, leaf common.Hash) bool {
	computed := leaf
	for _, sibling := range proof {
		computed = hashPair(computed, sibling)
	}
	return computed == root
}

// Tree is a binary Merkle tree over reward table leaves. Levels with an odd
// node count promote the last node unchanged.
type Tree struct {
	leaves []Leaf
	levels [][]common.Hash
}

// Build constructs a tree over leaves in the given order.
func Build(leaves []Leaf) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyTree
	}
	seen := make(map[uint64]struct{}, len(leaves))
	hashes := make([]common.Hash, len(leaves))
	for i, leaf := range leaves {
		if _, dup := seen[leaf.Index]; dup {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateLeaf, leaf.Index)
		}
		seen[leaf.Index] = struct{}{}
		h, err := LeafHash(leaf.Index, leaf.Account, leaf.Amount)
		if err != nil {
			return nil, fmt.Errorf("leaf %d: %w", leaf.Index, err)
		}
		hashes[i] = h
	}
	levels := [][]common.Hash{hashes}
	for level := hashes; len(level) > 1; {
		next := make([]common.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			next = append(next, hashPair(level[i], level[i+1]))
		}
		levels = append(levels, next)
		level = next
	}
	cp := make([]Leaf, len(leaves))
	for i, l := range leaves {
		cp[i] = Leaf{Index: l.Index, Account: l.Account, Amount: new(big.Int).Set(l.Amount)}
	}
	return &Tree{leaves: cp, levels: levels}, nil
}

// Root returns the tree root.
func (t *Tree) Root() common.Hash {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// Len returns the number of leaves.
func (t *Tree) Len() int {
	return len(t.leaves)
}

// Leaf returns the leaf at position pos.
func (t *Tree) Leaf(pos int) (Leaf, error) {
	if pos < 0 || pos >= len(t.leaves) {
		return Leaf{}, ErrLeafRange
	}
	return t.leaves[pos], nil
}

// Proof returns the sibling path for the leaf at position pos.
func (t *Tree) Proof(pos int) ([]common.Hash, error) {
	if pos < 0 || pos >= len(t.leaves) {
		return nil, ErrLeafRange
	}
	proof := make([]common.Hash, 0, len(t.levels))
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := pos ^ 1
		if sibling < len(level) {
			proof = append(proof, level[sibling])
		}
		pos /= 2
	}
	return proof, nil
}
