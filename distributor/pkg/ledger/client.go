// Package ledger is the gateway to the external chain: read-only account
// probes, typed account fetches, and atomic bundle submission. It is the only
// component that performs I/O; everything upstream of it is pure computation.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/jonboulle/clockwork"

	"github.com/saharasol/relief/distributor/pkg/metrics"
	"github.com/saharasol/relief/utils/pkg/retry"
)

// ErrAccountNotFound is returned by typed fetches when the account does not
// exist. Existence probes never return it; absence is an expected outcome
// there, not an error.
var ErrAccountNotFound = errors.New("account not found")

// RPCClient is the subset of the Solana RPC surface the gateway uses.
type RPCClient interface {
	GetAccountInfoWithOpts(ctx context.Context, account solana.PublicKey, opts *solanarpc.GetAccountInfoOpts) (*solanarpc.GetAccountInfoResult, error)
	GetLatestBlockhash(ctx context.Context, commitment solanarpc.CommitmentType) (*solanarpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts solanarpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*solanarpc.GetSignatureStatusesResult, error)
}

type Config struct {
	Logger    *slog.Logger
	Clock     clockwork.Clock
	RPC       RPCClient
	Authority solana.PrivateKey

	Commitment          solanarpc.CommitmentType
	Retry               retry.Config
	ConfirmTimeout      time.Duration
	ConfirmPollInterval time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.RPC == nil {
		return errors.New("rpc client is required")
	}
	if cfg.Authority == nil {
		return errors.New("authority key is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Commitment == "" {
		cfg.Commitment = solanarpc.CommitmentConfirmed
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 60 * time.Second
	}
	if cfg.ConfirmPollInterval <= 0 {
		cfg.ConfirmPollInterval = time.Second
	}
	return nil
}

type Client struct {
	log *slog.Logger
	cfg Config
}

func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// Authority returns the submitting authority's public key.
func (c *Client) Authority() solana.PublicKey {
	return c.cfg.Authority.PublicKey()
}

// Probe is the total result of an existence check: either the account was
// found (with its raw data) or it was not. Absence is an expected, common
// outcome and is deliberately not modeled as an error.
type Probe struct {
	Found bool
	Data  []byte
}

// ProbeAccount checks whether an account exists at addr. Transient RPC
// failures are retried with backoff before surfacing.
func (c *Client) ProbeAccount(ctx context.Context, addr solana.PublicKey) (Probe, error) {
	var probe Probe
	err := retry.Do(ctx, c.cfg.Retry, func() error {
		start := time.Now()
		out, err := c.cfg.RPC.GetAccountInfoWithOpts(ctx, addr, &solanarpc.GetAccountInfoOpts{
			Commitment: c.cfg.Commitment,
		})
		metrics.ObserveLedgerRequest("get_account_info", start, err)
		if errors.Is(err, solanarpc.ErrNotFound) {
			probe = Probe{Found: false}
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to get account info for %s: %w", addr, err)
		}
		if out == nil || out.Value == nil {
			probe = Probe{Found: false}
			return nil
		}
		probe = Probe{Found: true, Data: out.Value.Data.GetBinary()}
		return nil
	})
	if err != nil {
		return Probe{}, err
	}
	return probe, nil
}

// FetchFundPool reads and decodes the pool account at addr.
func (c *Client) FetchFundPool(ctx context.Context, addr solana.PublicKey) (*FundPool, error) {
	probe, err := c.ProbeAccount(ctx, addr)
	if err != nil {
		return nil, err
	}
	if !probe.Found {
		return nil, fmt.Errorf("fund pool %s: %w", addr, ErrAccountNotFound)
	}
	return DecodeFundPool(probe.Data)
}

// FetchBeneficiary reads and decodes the beneficiary account at addr.
func (c *Client) FetchBeneficiary(ctx context.Context, addr solana.PublicKey) (*Beneficiary, error) {
	probe, err := c.ProbeAccount(ctx, addr)
	if err != nil {
		return nil, err
	}
	if !probe.Found {
		return nil, fmt.Errorf("beneficiary %s: %w", addr, ErrAccountNotFound)
	}
	return DecodeBeneficiary(probe.Data)
}

// ProbeDistribution checks whether a distribution record exists at addr and
// decodes it when present.
func (c *Client) ProbeDistribution(ctx context.Context, addr solana.PublicKey) (*Distribution, error) {
	probe, err := c.ProbeAccount(ctx, addr)
	if err != nil {
		return nil, err
	}
	if !probe.Found {
		return nil, nil
	}
	return DecodeDistribution(probe.Data)
}

// SubmitBundle submits the instructions as one transaction. The transaction
// is atomic at the ledger level: either every instruction applies or none
// does. Blocks until the ledger confirms the signature or the confirm
// timeout elapses.
func (c *Client) SubmitBundle(ctx context.Context, instructions []solana.Instruction) (solana.Signature, error) {
	if len(instructions) == 0 {
		return solana.Signature{}, errors.New("refusing to submit an empty bundle")
	}

	blockhash, err := c.cfg.RPC.GetLatestBlockhash(ctx, c.cfg.Commitment)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to get latest blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(
		instructions,
		blockhash.Value.Blockhash,
		solana.TransactionPayer(c.cfg.Authority.PublicKey()),
	)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to build transaction: %w", err)
	}

	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(c.cfg.Authority.PublicKey()) {
			return &c.cfg.Authority
		}
		return nil
	}); err != nil {
		return solana.Signature{}, fmt.Errorf("failed to sign transaction: %w", err)
	}

	start := time.Now()
	sig, err := c.cfg.RPC.SendTransactionWithOpts(ctx, tx, solanarpc.TransactionOpts{
		PreflightCommitment: c.cfg.Commitment,
	})
	metrics.ObserveLedgerRequest("send_transaction", start, err)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to send transaction: %w", err)
	}

	c.log.Debug("ledger: bundle sent, awaiting confirmation",
		"signature", sig.String(),
		"instructions", len(instructions))

	if err := c.awaitConfirmation(ctx, sig); err != nil {
		return sig, err
	}
	return sig, nil
}

func (c *Client) awaitConfirmation(ctx context.Context, sig solana.Signature) error {
	deadline := c.cfg.Clock.Now().Add(c.cfg.ConfirmTimeout)
	ticker := c.cfg.Clock.NewTicker(c.cfg.ConfirmPollInterval)
	defer ticker.Stop()

	for {
		out, err := c.cfg.RPC.GetSignatureStatuses(ctx, true, sig)
		if err != nil && !retry.IsRetryable(err) {
			return fmt.Errorf("failed to get signature status: %w", err)
		}
		if err == nil && out != nil && len(out.Value) > 0 && out.Value[0] != nil {
			status := out.Value[0]
			if status.Err != nil {
				return fmt.Errorf("transaction %s failed on ledger: %v", sig, status.Err)
			}
			switch status.ConfirmationStatus {
			case solanarpc.ConfirmationStatusConfirmed, solanarpc.ConfirmationStatusFinalized:
				return nil
			}
		}

		if c.cfg.Clock.Now().After(deadline) {
			return fmt.Errorf("timed out after %s waiting for confirmation of %s", c.cfg.ConfirmTimeout, sig)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled while awaiting confirmation of %s: %w", sig, ctx.Err())
		case <-ticker.Chan():
		}
	}
}
