package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"keeprewards/core/intervals"
	"keeprewards/core/merkle"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func usage() string {
	return `Usage: rewards-cli <command> <subcommand> [flags]
Commands:
  merkle build    --table <file> [--out <file>]   Build a distribution root and proofs from a reward table
  merkle verify   --root <hash> --index <n> --account <addr> --amount <n> --proof <h1,h2,...>
  schedule show   --schedule <file> [--intervals <n>] [--pool <amount>]`
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	switch args[0] + " " + args[1] {
	case "merkle build":
		return runMerkleBuild(args[2:], stdout, stderr)
	case "merkle verify":
		return runMerkleVerify(args[2:], stdout, stderr)
	case "schedule show":
		return runScheduleShow(args[2:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", strings.Join(args[:2], " "))
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func runMerkleBuild(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("merkle build", flag.ContinueOnError)
	fs.SetOutput(stderr)
	table := fs.String("table", "", "reward table (YAML or JSON)")
	out := fs.String("out", "", "write the distribution to this file instead of stdout")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(*table) == "" {
		fmt.Fprintln(stderr, "--table is required")
		return 1
	}
	leaves, err := merkle.LoadTable(*table)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	tree, err := merkle.Build(leaves)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	dist, err := tree.Distribution()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	encoded, err := json.MarshalIndent(dist, "", "  ")
	if err != nil {
		fmt.Fprintf(stderr, "Error: encode distribution: %v\n", err)
		return 1
	}
	if path := strings.TrimSpace(*out); path != "" {
		if err := os.WriteFile(path, append(encoded, '\n'), 0o644); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "Root %s (%d leaves, total %s) written to %s\n", dist.Root.Hex(), len(dist.Claims), dist.Total, path)
		return 0
	}
	fmt.Fprintln(stdout, string(encoded))
	return 0
}

func runMerkleVerify(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("merkle verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	rootHex := fs.String("root", "", "distribution root")
	index := fs.Uint64("index", 0, "leaf index")
	account := fs.String("account", "", "leaf account")
	amountRaw := fs.String("amount", "", "leaf amount")
	proofRaw := fs.String("proof", "", "comma separated proof hashes")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	root, err := decodeHash(*rootHex)
	if err != nil {
		fmt.Fprintf(stderr, "Error parsing --root: %v\n", err)
		return 1
	}
	if !common.IsHexAddress(strings.TrimSpace(*account)) {
		fmt.Fprintf(stderr, "Error parsing --account: invalid address %q\n", *account)
		return 1
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(*amountRaw), 10)
	if !ok {
		fmt.Fprintf(stderr, "Error parsing --amount: %q\n", *amountRaw)
		return 1
	}
	var proof []common.Hash
	for _, part := range strings.Split(*proofRaw, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		node, err := decodeHash(part)
		if err != nil {
			fmt.Fprintf(stderr, "Error parsing --proof: %v\n", err)
			return 1
		}
		proof = append(proof, node)
	}
	leaf, err := merkle.LeafHash(*index, common.HexToAddress(strings.TrimSpace(*account)), amount)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if !merkle.Verify(proof, root, leaf) {
		fmt.Fprintln(stdout, "invalid")
		return 2
	}
	fmt.Fprintln(stdout, "valid")
	return 0
}

func runScheduleShow(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("schedule show", flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("schedule", "services/rewardd/schedule.toml", "schedule file (TOML or JSON)")
	count := fs.Uint64("intervals", 8, "number of intervals to print")
	poolRaw := fs.String("pool", "", "simulate releases from this pool size, assuming every interval meets the minimum")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	schedule, err := intervals.LoadSchedule(*path)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	var pool *big.Int
	if raw := strings.TrimSpace(*poolRaw); raw != "" {
		parsed, ok := new(big.Int).SetString(raw, 10)
		if !ok || parsed.Sign() < 0 {
			fmt.Fprintf(stderr, "Error parsing --pool: %q\n", raw)
			return 1
		}
		pool = parsed
	}

	fmt.Fprintf(stdout, "initiation %d, term %d, minimum participants %d, overflow %s\n",
		schedule.InitiationTime, schedule.TermLength, schedule.MinimumParticipants, schedule.Overflow)
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	if pool != nil {
		fmt.Fprintln(tw, "INTERVAL\tSTART\tEND\tWEIGHT\tRELEASE\tREMAINING")
	} else {
		fmt.Fprintln(tw, "INTERVAL\tSTART\tEND\tWEIGHT")
	}
	for n := uint64(0); n < *count; n++ {
		weight := schedule.WeightOf(n)
		if pool == nil {
			fmt.Fprintf(tw, "%d\t%d\t%d\t%d%%\n", n, schedule.StartOf(n), schedule.EndOf(n), weight)
			continue
		}
		release := new(big.Int).Mul(pool, big.NewInt(int64(weight)))
		release.Quo(release, big.NewInt(100))
		pool.Sub(pool, release)
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d%%\t%s\t%s\n", n, schedule.StartOf(n), schedule.EndOf(n), weight, release, pool)
	}
	if err := tw.Flush(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func decodeHash(raw string) (common.Hash, error) {
	decoded, err := hexutil.Decode(strings.TrimSpace(raw))
	if err != nil {
		return common.Hash{}, err
	}
	if len(decoded) != common.HashLength {
		return common.Hash{}, fmt.Errorf("expected %d bytes, got %d", common.HashLength, len(decoded))
	}
	return common.BytesToHash(decoded), nil
}
