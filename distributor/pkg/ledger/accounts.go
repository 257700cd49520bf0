package ledger

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// Account data is Anchor-framed: an 8-byte discriminator derived from the
// account's type name, followed by the borsh-serialized state.

func accountDiscriminator(name string) []byte {
	sum := sha256.Sum256([]byte("account:" + name))
	return sum[:8]
}

// VerificationStatus mirrors the program's beneficiary status enum.
type VerificationStatus uint8

const (
	VerificationPending VerificationStatus = iota
	VerificationVerified
	VerificationRejected
	VerificationFlagged
)

func (s VerificationStatus) String() string {
	switch s {
	case VerificationPending:
		return "Pending"
	case VerificationVerified:
		return "Verified"
	case VerificationRejected:
		return "Rejected"
	case VerificationFlagged:
		return "Flagged"
	default:
		return fmt.Sprintf("VerificationStatus(%d)", uint8(s))
	}
}

// DistributionType mirrors the program's pool distribution type enum.
type DistributionType uint8

const (
	DistributionEqual DistributionType = iota
	DistributionWeightedFamily
	DistributionWeightedDamage
)

func (d DistributionType) String() string {
	switch d {
	case DistributionEqual:
		return "Equal"
	case DistributionWeightedFamily:
		return "WeightedFamily"
	case DistributionWeightedDamage:
		return "WeightedDamage"
	default:
		return fmt.Sprintf("DistributionType(%d)", uint8(d))
	}
}

// FundPool is the on-chain pool state. Field order matches the program's
// account layout and must not be reordered.
type FundPool struct {
	PoolID                          string
	DisasterID                      string
	Name                            string
	Authority                       solana.PublicKey
	TokenMint                       solana.PublicKey
	TokenAccount                    solana.PublicKey
	DistributionType                DistributionType
	TotalDeposited                  uint64
	TotalDistributed                uint64
	TotalClaimed                    uint64
	BeneficiaryCount                uint32
	TotalAllocationWeight           uint64
	DonorCount                      uint32
	TimeLockDuration                *int64 `bin:"optional"`
	DistributionPercentageImmediate uint8
	DistributionPercentageLocked    uint8
	EligibilityCriteria             string
	IsActive                        bool
	IsDistributed                   bool
	CreatedAt                       int64
	DistributedAt                   *int64 `bin:"optional"`
	ClosedAt                        *int64 `bin:"optional"`
	MinimumFamilySize               *uint8 `bin:"optional"`
	MinimumDamageSeverity           *uint8 `bin:"optional"`
	TargetAmount                    *uint64 `bin:"optional"`
	Description                     string
	Bump                            uint8
}

// AvailableFunds returns deposited minus distributed, floored at zero.
func (p *FundPool) AvailableFunds() uint64 {
	if p.TotalDistributed >= p.TotalDeposited {
		return 0
	}
	return p.TotalDeposited - p.TotalDistributed
}

// Location is the shared geographic sub-struct.
type Location struct {
	Country   string
	Region    string
	City      string
	Area      string
	Latitude  float64
	Longitude float64
}

// Beneficiary is the on-chain beneficiary state.
type Beneficiary struct {
	Authority          solana.PublicKey
	DisasterID         string
	Name               string
	PhoneNumber        string
	Location           Location
	FamilySize         uint8
	DamageSeverity     uint8
	VerificationStatus VerificationStatus
	VerifierApprovals  []solana.PublicKey
	IPFSDocumentHash   string
	HouseholdID        *string `bin:"optional"`
	RegisteredAt       int64
	VerifiedAt         *int64 `bin:"optional"`
	NFTMint            *solana.PublicKey `bin:"optional"`
	TotalReceived      uint64
	NationalID         string
	Age                uint8
	Gender             string
	Occupation         string
	DamageDescription  string
	SpecialNeeds       string
	RegisteredBy       solana.PublicKey
	FlaggedReason      *string `bin:"optional"`
	FlaggedBy          *solana.PublicKey `bin:"optional"`
	FlaggedAt          *int64 `bin:"optional"`
	AdminNotes         *string `bin:"optional"`
	Bump               uint8
}

// Distribution is the on-chain distribution record. Its existence at the
// derived address is the idempotency marker for a (beneficiary, pool) pair.
type Distribution struct {
	Beneficiary      solana.PublicKey
	Pool             solana.PublicKey
	AmountAllocated  uint64
	AmountImmediate  uint64
	AmountLocked     uint64
	AmountClaimed    uint64
	UnlockTime       *int64 `bin:"optional"`
	CreatedAt        int64
	ClaimedAt        *int64 `bin:"optional"`
	LockedClaimedAt  *int64 `bin:"optional"`
	IsFullyClaimed   bool
	AllocationWeight uint16
	Notes            string
	Bump             uint8
}

func decodeAccount(name string, data []byte, out any) error {
	disc := accountDiscriminator(name)
	if len(data) < len(disc) {
		return fmt.Errorf("%s account data too short: %d bytes", name, len(data))
	}
	if !bytes.Equal(data[:len(disc)], disc) {
		return fmt.Errorf("%s account discriminator mismatch", name)
	}
	if err := bin.NewBorshDecoder(data[len(disc):]).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s account: %w", name, err)
	}
	return nil
}

// DecodeFundPool parses raw account data into a FundPool.
func DecodeFundPool(data []byte) (*FundPool, error) {
	var pool FundPool
	if err := decodeAccount("FundPool", data, &pool); err != nil {
		return nil, err
	}
	return &pool, nil
}

// DecodeBeneficiary parses raw account data into a Beneficiary.
func DecodeBeneficiary(data []byte) (*Beneficiary, error) {
	var b Beneficiary
	if err := decodeAccount("Beneficiary", data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// DecodeDistribution parses raw account data into a Distribution.
func DecodeDistribution(data []byte) (*Distribution, error) {
	var d Distribution
	if err := decodeAccount("Distribution", data, &d); err != nil {
		return nil, err
	}
	return &d, nil
}
