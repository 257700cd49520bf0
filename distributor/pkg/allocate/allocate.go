// Package allocate computes per-recipient shares of a pool's available funds.
// All arithmetic is in integer minor units. Allocation is a pure function of
// its inputs so that a preview shown to an operator matches the amounts that
// are later submitted.
package allocate

import (
	"fmt"
	"math/bits"

	"github.com/gagliardetto/solana-go"
)

// Strategy selects the weight function applied to each recipient.
type Strategy uint8

const (
	StrategyEqual Strategy = iota
	StrategyWeightedFamily
	StrategyWeightedDamage
)

func (s Strategy) String() string {
	switch s {
	case StrategyEqual:
		return "Equal"
	case StrategyWeightedFamily:
		return "WeightedFamily"
	case StrategyWeightedDamage:
		return "WeightedDamage"
	default:
		return fmt.Sprintf("Strategy(%d)", uint8(s))
	}
}

// ParseStrategy maps the ledger program's distribution type names.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "Equal":
		return StrategyEqual, nil
	case "WeightedFamily":
		return StrategyWeightedFamily, nil
	case "WeightedDamage":
		return StrategyWeightedDamage, nil
	default:
		return 0, fmt.Errorf("unknown distribution strategy %q", s)
	}
}

// Pool carries the balance fields allocation depends on.
type Pool struct {
	TotalDeposited   uint64
	TotalDistributed uint64
}

// AvailableFunds returns deposited minus distributed, floored at zero.
// The ledger enforces that distributed never exceeds deposited; the floor
// guards against reading a pool mid-update.
func (p Pool) AvailableFunds() uint64 {
	if p.TotalDistributed >= p.TotalDeposited {
		return 0
	}
	return p.TotalDeposited - p.TotalDistributed
}

// Recipient is a beneficiary eligible for allocation.
type Recipient struct {
	Authority      solana.PublicKey
	FamilySize     uint8
	DamageSeverity uint8
}

func (s Strategy) weight(r Recipient) uint64 {
	switch s {
	case StrategyWeightedFamily:
		return uint64(r.FamilySize)
	case StrategyWeightedDamage:
		return uint64(r.DamageSeverity)
	default:
		return 1
	}
}

// Allocate computes each recipient's share of the pool's available funds:
//
//	amount(r) = available * weight(r) / totalWeight
//
// truncated toward zero. The sum of shares may fall short of available funds
// by at most len(recipients)-1 minor units; the remainder stays in the pool
// rather than being handed to an arbitrarily chosen recipient.
//
// An empty recipient set yields an empty map. Zero available funds yields
// all-zero amounts; whether to proceed with a zero-value run is the caller's
// decision.
func Allocate(pool Pool, recipients []Recipient, strategy Strategy) map[solana.PublicKey]uint64 {
	amounts := make(map[solana.PublicKey]uint64, len(recipients))
	if len(recipients) == 0 {
		return amounts
	}

	available := pool.AvailableFunds()

	var totalWeight uint64
	for _, r := range recipients {
		totalWeight += strategy.weight(r)
	}
	if totalWeight == 0 {
		// All weights zero (e.g. weighted strategy over recipients with no
		// recorded attribute); nothing can be apportioned.
		for _, r := range recipients {
			amounts[r.Authority] = 0
		}
		return amounts
	}

	for _, r := range recipients {
		amounts[r.Authority] = mulDiv(available, strategy.weight(r), totalWeight)
	}
	return amounts
}

// mulDiv computes a*b/c without overflowing uint64, using a 128-bit
// intermediate. b is always <= c here so the quotient fits.
func mulDiv(a, b, c uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	quo, _ := bits.Div64(hi, lo, c)
	return quo
}
