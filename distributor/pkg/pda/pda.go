// Package pda derives canonical ledger account addresses from semantic
// identifiers. Derivation is pure and deterministic: any client holding the
// same seeds computes the same address, which is what allows a distribution
// record's address to be computed (and probed for existence) before the
// record is ever created.
package pda

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Kind is the textual namespace tag that prefixes an entity's seed list.
// Values mirror the ledger program's seed constants byte for byte.
type Kind string

const (
	KindPlatformConfig     Kind = "config"
	KindDisaster           Kind = "disaster"
	KindNGO                Kind = "ngo"
	KindFieldWorker        Kind = "field-worker"
	KindBeneficiary        Kind = "beneficiary"
	KindFundPool           Kind = "pool"
	KindPoolToken          Kind = "pool-token"
	KindDistribution       Kind = "distribution"
	KindDonation           Kind = "donation"
	KindAdminAction        Kind = "admin-action"
	KindActivity           Kind = "activity"
	KindPhoneRegistry      Kind = "phone-registry"
	KindNationalIDRegistry Kind = "national-id-registry"
	KindPoolRegistration   Kind = "pool-registration"
)

// ErrSeedTooLong is returned when a seed exceeds the ledger's per-seed byte
// limit. Seeds are never truncated; truncation would silently change the
// derived address.
var ErrSeedTooLong = fmt.Errorf("seed exceeds %d bytes", solana.MaxSeedLength)

// Seed is a byte-representable derivation input.
type Seed interface {
	seedBytes() []byte
}

type stringSeed string

func (s stringSeed) seedBytes() []byte { return []byte(s) }

type keySeed solana.PublicKey

func (s keySeed) seedBytes() []byte {
	k := solana.PublicKey(s)
	return k.Bytes()
}

type int64Seed int64

func (s int64Seed) seedBytes() []byte {
	// Little-endian, matching the program's to_le_bytes seeds
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(s))
	return b
}

// String seeds an identifier such as a disaster or pool ID.
func String(s string) Seed { return stringSeed(s) }

// Key seeds a public key (authority, pool address, ...).
func Key(k solana.PublicKey) Seed { return keySeed(k) }

// Int64 seeds a timestamp or other 64-bit value, little-endian.
func Int64(v int64) Seed { return int64Seed(v) }

// Derive computes the canonical address for (kind, seeds) under programID,
// along with the bump byte the ledger used to push the address off the
// ed25519 curve. Identical inputs always yield identical addresses.
func Derive(programID solana.PublicKey, kind Kind, seeds ...Seed) (solana.PublicKey, uint8, error) {
	raw := make([][]byte, 0, len(seeds)+1)
	raw = append(raw, []byte(kind))
	for i, s := range seeds {
		b := s.seedBytes()
		if len(b) > solana.MaxSeedLength {
			return solana.PublicKey{}, 0, fmt.Errorf("seed %d of kind %q: %w", i, kind, ErrSeedTooLong)
		}
		raw = append(raw, b)
	}

	addr, bump, err := solana.FindProgramAddress(raw, programID)
	if err != nil {
		return solana.PublicKey{}, 0, fmt.Errorf("failed to derive %q address: %w", kind, err)
	}
	return addr, bump, nil
}

// Deriver binds a program ID so callers don't thread it through every call.
type Deriver struct {
	programID solana.PublicKey
}

func NewDeriver(programID solana.PublicKey) *Deriver {
	return &Deriver{programID: programID}
}

func (d *Deriver) ProgramID() solana.PublicKey {
	return d.programID
}

// PlatformConfig derives the singleton platform config address.
func (d *Deriver) PlatformConfig() (solana.PublicKey, uint8, error) {
	return Derive(d.programID, KindPlatformConfig)
}

// Disaster derives a disaster event address from its event ID.
func (d *Deriver) Disaster(disasterID string) (solana.PublicKey, uint8, error) {
	return Derive(d.programID, KindDisaster, String(disasterID))
}

// NGO derives an NGO record address from its authority.
func (d *Deriver) NGO(authority solana.PublicKey) (solana.PublicKey, uint8, error) {
	return Derive(d.programID, KindNGO, Key(authority))
}

// FieldWorker derives a field worker record address from its authority.
func (d *Deriver) FieldWorker(authority solana.PublicKey) (solana.PublicKey, uint8, error) {
	return Derive(d.programID, KindFieldWorker, Key(authority))
}

// Beneficiary derives a beneficiary record address from its wallet authority
// and the disaster it is registered under.
func (d *Deriver) Beneficiary(authority solana.PublicKey, disasterID string) (solana.PublicKey, uint8, error) {
	return Derive(d.programID, KindBeneficiary, Key(authority), String(disasterID))
}

// FundPool derives a fund pool address from its disaster and pool IDs.
func (d *Deriver) FundPool(disasterID, poolID string) (solana.PublicKey, uint8, error) {
	return Derive(d.programID, KindFundPool, String(disasterID), String(poolID))
}

// PoolTokenAccount derives the pool's token vault address.
func (d *Deriver) PoolTokenAccount(disasterID, poolID string) (solana.PublicKey, uint8, error) {
	return Derive(d.programID, KindPoolToken, String(disasterID), String(poolID))
}

// Distribution derives the distribution record address for a beneficiary
// within a pool. Its existence is the idempotency marker for "already paid".
func (d *Deriver) Distribution(beneficiaryAuthority, pool solana.PublicKey) (solana.PublicKey, uint8, error) {
	return Derive(d.programID, KindDistribution, Key(beneficiaryAuthority), Key(pool))
}

// DonationRecord derives a donation record address.
func (d *Deriver) DonationRecord(donor, recipient solana.PublicKey, timestamp int64) (solana.PublicKey, uint8, error) {
	return Derive(d.programID, KindDonation, Key(donor), Key(recipient), Int64(timestamp))
}

// AdminAction derives an admin action record address.
func (d *Deriver) AdminAction(admin solana.PublicKey, timestamp int64) (solana.PublicKey, uint8, error) {
	return Derive(d.programID, KindAdminAction, Key(admin), Int64(timestamp))
}

// ActivityLog derives an actor-scoped activity log address.
func (d *Deriver) ActivityLog(actor solana.PublicKey, timestamp int64) (solana.PublicKey, uint8, error) {
	return Derive(d.programID, KindActivity, Key(actor), Int64(timestamp))
}

// PoolActivityLog derives the per-distribution activity log address the
// ledger initializes alongside each distribution record.
func (d *Deriver) PoolActivityLog(pool, beneficiary solana.PublicKey) (solana.PublicKey, uint8, error) {
	return Derive(d.programID, KindActivity, Key(pool), Key(beneficiary))
}

// PhoneRegistry derives the duplicate-registration guard address for a phone
// number within a disaster.
func (d *Deriver) PhoneRegistry(disasterID, phoneNumber string) (solana.PublicKey, uint8, error) {
	return Derive(d.programID, KindPhoneRegistry, String(disasterID), String(phoneNumber))
}

// NationalIDRegistry derives the duplicate-registration guard address for a
// national ID within a disaster.
func (d *Deriver) NationalIDRegistry(disasterID, nationalID string) (solana.PublicKey, uint8, error) {
	return Derive(d.programID, KindNationalIDRegistry, String(disasterID), String(nationalID))
}

// PoolRegistration derives a beneficiary's pool registration address.
func (d *Deriver) PoolRegistration(pool, beneficiary solana.PublicKey) (solana.PublicKey, uint8, error) {
	return Derive(d.programID, KindPoolRegistration, Key(pool), Key(beneficiary))
}
