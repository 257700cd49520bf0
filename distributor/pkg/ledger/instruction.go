package ledger

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

func instructionDiscriminator(name string) []byte {
	sum := sha256.Sum256([]byte("global:" + name))
	return sum[:8]
}

// DistributeParams are the borsh-encoded instruction params.
type DistributeParams struct {
	BeneficiaryAuthority solana.PublicKey
}

// DistributeAccounts names every account the distribute_from_pool
// instruction touches, in the order the program declares them. Beneficiary
// is the beneficiary record address; BeneficiaryAuthority is the wallet the
// record is derived from and is carried in the instruction params.
type DistributeAccounts struct {
	Pool                 solana.PublicKey
	Distribution         solana.PublicKey
	ActivityLog          solana.PublicKey
	Beneficiary          solana.PublicKey
	BeneficiaryAuthority solana.PublicKey
	Disaster             solana.PublicKey
	Authority            solana.PublicKey
}

// NewDistributeInstruction builds one distribute_from_pool instruction.
// Instruction data is the 8-byte method discriminator followed by the borsh
// serialization of (disaster_id, pool_id, params).
func NewDistributeInstruction(programID solana.PublicKey, disasterID, poolID string, accounts DistributeAccounts) (solana.Instruction, error) {
	var buf bytes.Buffer
	buf.Write(instructionDiscriminator("distribute_from_pool"))

	enc := bin.NewBorshEncoder(&buf)
	if err := enc.Encode(disasterID); err != nil {
		return nil, fmt.Errorf("failed to encode disaster id: %w", err)
	}
	if err := enc.Encode(poolID); err != nil {
		return nil, fmt.Errorf("failed to encode pool id: %w", err)
	}
	if err := enc.Encode(DistributeParams{BeneficiaryAuthority: accounts.BeneficiaryAuthority}); err != nil {
		return nil, fmt.Errorf("failed to encode distribute params: %w", err)
	}

	metas := solana.AccountMetaSlice{
		solana.Meta(accounts.Pool).WRITE(),
		solana.Meta(accounts.Distribution).WRITE(),
		solana.Meta(accounts.ActivityLog).WRITE(),
		solana.Meta(accounts.Beneficiary),
		solana.Meta(accounts.Disaster).WRITE(),
		solana.Meta(accounts.Authority).WRITE().SIGNER(),
		solana.Meta(solana.SystemProgramID),
	}

	return solana.NewInstruction(programID, metas, buf.Bytes()), nil
}
