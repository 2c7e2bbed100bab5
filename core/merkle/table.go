package merkle

import (
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Table is the off-chain reward table a distribution root commits to.
type Table struct {
	Leaves []TableRow `yaml:"leaves" json:"leaves"`
}

// TableRow is the serialised form of a Leaf. Amounts are decimal strings.
type TableRow struct {
	Index   uint64 `yaml:"index" json:"index"`
	Account string `yaml:"account" json:"account"`
	Amount  string `yaml:"amount" json:"amount"`
}

// LoadTable reads a reward table from a YAML or JSON file.
func LoadTable(path string) ([]Leaf, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("merkle: read table: %w", err)
	}
	return ParseTable(data)
}

// ParseTable decodes a YAML (or JSON) reward table.
func ParseTable(data []byte) ([]Leaf, error) {
	var table Table
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("merkle: decode table: %w", err)
	}
	leaves := make([]Leaf, 0, len(table.Leaves))
	for i, row := range table.Leaves {
		account := strings.TrimSpace(row.Account)
		if !common.IsHexAddress(account) {
			return nil, fmt.Errorf("merkle: row %d account %q invalid", i, row.Account)
		}
		amount, ok := new(big.Int).SetString(strings.TrimSpace(row.Amount), 10)
		if !ok || amount.Sign() < 0 {
			return nil, fmt.Errorf("merkle: row %d amount %q invalid", i, row.Amount)
		}
		leaves = append(leaves, Leaf{Index: row.Index, Account: common.HexToAddress(account), Amount: amount})
	}
	if len(leaves) == 0 {
		return nil, ErrEmptyTree
	}
	return leaves, nil
}

// Claim is the per-account payload a beneficiary submits to redeem a leaf.
type Claim struct {
	Index   uint64        `json:"index"`
	Account string        `json:"account"`
	Amount  string        `json:"amount"`
	Proof   []common.Hash `json:"proof"`
}

// Distribution bundles a root with the claim payload of every leaf.
type Distribution struct {
	Root   common.Hash `json:"merkleRoot"`
	Total  string      `json:"tokenTotal"`
	Claims []Claim     `json:"claims"`
}

// Distribution renders the tree as a publishable claims document.
func (t *Tree) Distribution() (*Distribution, error) {
	total := big.NewInt(0)
	claims := make([]Claim, 0, len(t.leaves))
	for pos, leaf := range t.leaves {
		proof, err := t.Proof(pos)
		if err != nil {
			return nil, err
		}
		total.Add(total, leaf.Amount)
		claims = append(claims, Claim{
			Index:   leaf.Index,
			Account: leaf.Account.Hex(),
			Amount:  leaf.Amount.String(),
			Proof:   proof,
		})
	}
	return &Distribution{Root: t.Root(), Total: total.String(), Claims: claims}, nil
}
