package merkle

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func sampleLeaves(n int) []Leaf {
	leaves := make([]Leaf, n)
	for i := range leaves {
		var a common.Address
		a[0] = byte(i + 1)
		leaves[i] = Leaf{Index: uint64(i), Account: a, Amount: big.NewInt(int64(85 + i))}
	}
	return leaves
}

func TestLeafHashPacking(t *testing.T) {
	account := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	got, err := LeafHash(1, account, big.NewInt(85))
	require.NoError(t, err)

	packed := make([]byte, 84)
	packed[31] = 1
	copy(packed[32:52], account.Bytes())
	packed[83] = 85
	require.Equal(t, crypto.Keccak256Hash(packed), got)

	_, err = LeafHash(1, account, big.NewInt(-1))
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestTreeProofsVerify(t *testing.T) {
	for _, n := range []int{1, 2, 3, 5, 8, 13} {
		leaves := sampleLeaves(n)
		tree, err := Build(leaves)
		require.NoError(t, err)
		require.Equal(t, n, tree.Len())
		for pos, leaf := range leaves {
			proof, err := tree.Proof(pos)
			require.NoError(t, err)
			h, err := LeafHash(leaf.Index, leaf.Account, leaf.Amount)
			require.NoError(t, err)
			require.True(t, Verify(proof, tree.Root(), h), "n=%d pos=%d", n, pos)

			// A different amount must not verify against the same proof.
			forged, err := LeafHash(leaf.Index, leaf.Account, new(big.Int).Add(leaf.Amount, big.NewInt(1)))
			require.NoError(t, err)
			require.False(t, Verify(proof, tree.Root(), forged))
		}
	}
}

func TestTreeSingleLeafRootIsLeafHash(t *testing.T) {
	leaves := sampleLeaves(1)
	tree, err := Build(leaves)
	require.NoError(t, err)
	h, err := LeafHash(0, leaves[0].Account, leaves[0].Amount)
	require.NoError(t, err)
	require.Equal(t, h, tree.Root())
	proof, err := tree.Proof(0)
	require.NoError(t, err)
	require.Empty(t, proof)
}

func TestBuildRejectsDuplicatesAndEmpty(t *testing.T) {
	_, err := Build(nil)
	require.ErrorIs(t, err, ErrEmptyTree)

	leaves := sampleLeaves(2)
	leaves[1].Index = leaves[0].Index
	_, err = Build(leaves)
	require.ErrorIs(t, err, ErrDuplicateLeaf)
}

func TestParseTableAndDistribution(t *testing.T) {
	doc := []byte(`
leaves:
  - index: 0
    account: "0x00000000000000000000000000000000000000a1"
    amount: "85"
  - index: 1
    account: "0x00000000000000000000000000000000000000b2"
    amount: "15"
`)
	leaves, err := ParseTable(doc)
	require.NoError(t, err)
	require.Len(t, leaves, 2)

	tree, err := Build(leaves)
	require.NoError(t, err)
	dist, err := tree.Distribution()
	require.NoError(t, err)
	require.Equal(t, "100", dist.Total)
	require.Equal(t, tree.Root(), dist.Root)
	require.Len(t, dist.Claims, 2)
	require.Len(t, dist.Claims[0].Proof, 1)

	_, err = ParseTable([]byte(`leaves: [{index: 0, account: "nope", amount: "1"}]`))
	require.Error(t, err)
	_, err = ParseTable([]byte(`{"leaves": [{"index": 0, "account": "0x00000000000000000000000000000000000000a1", "amount": "x"}]}`))
	require.Error(t, err)
}
