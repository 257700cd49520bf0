// Package scheduler drives a distribution request end to end: it resolves
// each selected recipient against the ledger, filters the already-paid and
// ineligible, allocates the pool's available funds over the remainder, and
// submits the result in fixed-size atomic bundles. A bundle either applies
// in full or not at all; across bundles the run accepts partial success and
// reports it plainly.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/saharasol/relief/distributor/pkg/actionid"
	"github.com/saharasol/relief/distributor/pkg/allocate"
	"github.com/saharasol/relief/distributor/pkg/ledger"
	"github.com/saharasol/relief/distributor/pkg/metrics"
	"github.com/saharasol/relief/distributor/pkg/pda"
)

// DefaultBatchSize bounds how many distribute instructions share one
// transaction. Each instruction carries seven account metas, so three keeps
// a bundle comfortably under the ledger's transaction size limit.
const DefaultBatchSize = 3

const defaultProbeConcurrency = 8

var (
	// ErrNothingToDistribute is returned when every selected recipient was
	// filtered out before bundling, so there is nothing to submit.
	ErrNothingToDistribute = errors.New("nothing to distribute")

	// ErrPoolNotActive is returned for pools the ledger would reject anyway.
	ErrPoolNotActive = errors.New("pool is not active")

	// ErrPoolClosed is returned when the pool's distribution has already
	// been finalized.
	ErrPoolClosed = errors.New("pool distribution already completed")
)

// Gateway is the ledger surface the scheduler needs. *ledger.Client
// implements it; tests substitute fakes.
type Gateway interface {
	FetchFundPool(ctx context.Context, addr solana.PublicKey) (*ledger.FundPool, error)
	FetchBeneficiary(ctx context.Context, addr solana.PublicKey) (*ledger.Beneficiary, error)
	ProbeDistribution(ctx context.Context, addr solana.PublicKey) (*ledger.Distribution, error)
	SubmitBundle(ctx context.Context, instructions []solana.Instruction) (solana.Signature, error)
	Authority() solana.PublicKey
}

type Config struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Gateway Gateway

	// ActionIDs tags every submitted payment with an audit identifier.
	ActionIDs *actionid.Generator

	ProgramID        solana.PublicKey
	BatchSize        int
	ProbeConcurrency int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Gateway == nil {
		return errors.New("ledger gateway is required")
	}
	if cfg.ProgramID.IsZero() {
		return errors.New("program id is required")
	}
	if cfg.BatchSize < 0 {
		return errors.New("batch size must be positive")
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.ProbeConcurrency <= 0 {
		cfg.ProbeConcurrency = defaultProbeConcurrency
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.ActionIDs == nil {
		gen, err := actionid.NewGenerator(actionid.Config{Clock: cfg.Clock})
		if err != nil {
			return err
		}
		cfg.ActionIDs = gen
	}
	return nil
}

// Request is one logical distribution intent.
type Request struct {
	DisasterID string
	PoolID     string
	// Recipients are beneficiary wallet authorities, in selection order.
	Recipients []solana.PublicKey
}

func (r *Request) Validate() error {
	if r.DisasterID == "" {
		return errors.New("disaster id is required")
	}
	if r.PoolID == "" {
		return errors.New("pool id is required")
	}
	if len(r.Recipients) == 0 {
		return errors.New("at least one recipient is required")
	}
	return nil
}

type Scheduler struct {
	log     *slog.Logger
	cfg     Config
	deriver *pda.Deriver
}

func New(cfg Config) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scheduler{
		log:     cfg.Logger,
		cfg:     cfg,
		deriver: pda.NewDeriver(cfg.ProgramID),
	}, nil
}

// candidate is a recipient that survived probing and is queued for bundling.
type candidate struct {
	authority      solana.PublicKey
	beneficiary    solana.PublicKey
	distribution   solana.PublicKey
	familySize     uint8
	damageSeverity uint8
	amount         uint64
	actionID       uint64
}

// probeResult is the per-recipient verdict of the resolution phase.
type probeResult struct {
	authority solana.PublicKey
	skip      *Skip
	failure   *Failure
	queued    *candidate
}

// Run executes the request and returns the full partition of recipient
// outcomes. A non-nil Outcome accompanies ErrNothingToDistribute so the
// caller still sees why each recipient was filtered.
func (s *Scheduler) Run(ctx context.Context, req Request) (*Outcome, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	runStart := s.cfg.Clock.Now()
	outcome := &Outcome{
		RunID:     uuid.New(),
		StartedAt: runStart,
	}
	log := s.log.With("run_id", outcome.RunID, "disaster_id", req.DisasterID, "pool_id", req.PoolID)

	finalize := func(status string) *Outcome {
		outcome.FinishedAt = s.cfg.Clock.Now()
		metrics.DistributionRunsTotal.WithLabelValues(status).Inc()
		metrics.DistributionRunDuration.Observe(time.Since(runStart).Seconds())
		metrics.RecipientsTotal.WithLabelValues("succeeded").Add(float64(len(outcome.Succeeded)))
		metrics.RecipientsTotal.WithLabelValues("skipped").Add(float64(len(outcome.Skipped)))
		metrics.RecipientsTotal.WithLabelValues("failed").Add(float64(len(outcome.Failed)))
		metrics.RecipientsTotal.WithLabelValues("cancelled").Add(float64(len(outcome.Cancelled)))
		return outcome
	}

	// Pool state is read fresh on every run; balances may have moved since
	// the caller previewed.
	poolAddr, _, err := s.deriver.FundPool(req.DisasterID, req.PoolID)
	if err != nil {
		return nil, err
	}
	disasterAddr, _, err := s.deriver.Disaster(req.DisasterID)
	if err != nil {
		return nil, err
	}
	pool, err := s.cfg.Gateway.FetchFundPool(ctx, poolAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pool: %w", err)
	}
	if !pool.IsActive {
		return nil, ErrPoolNotActive
	}
	if pool.IsDistributed {
		return nil, ErrPoolClosed
	}

	strategy, err := allocate.ParseStrategy(pool.DistributionType.String())
	if err != nil {
		return nil, err
	}

	outcome.Pool = poolAddr
	outcome.Strategy = strategy
	outcome.Available = pool.AvailableFunds()

	results, err := s.resolveRecipients(ctx, req, pool, poolAddr)
	if err != nil {
		return nil, err
	}

	var queued []candidate
	for _, r := range results {
		switch {
		case r.skip != nil:
			outcome.Skipped = append(outcome.Skipped, *r.skip)
		case r.failure != nil:
			outcome.Failed = append(outcome.Failed, *r.failure)
		case r.queued != nil:
			queued = append(queued, *r.queued)
		}
	}

	if len(queued) == 0 {
		log.Info("no recipients left to distribute after probing",
			"selected", len(req.Recipients),
			"skipped", len(outcome.Skipped),
			"failed", len(outcome.Failed))
		return finalize("nothing_to_do"), ErrNothingToDistribute
	}

	// Allocation runs over the queued set only, so shares reflect the
	// recipients that will actually be paid.
	if outcome.Available == 0 {
		log.Warn("pool has no available funds; all allocations will be zero",
			"total_deposited", pool.TotalDeposited,
			"total_distributed", pool.TotalDistributed)
	}
	queued, zeroSkipped := allocateQueued(pool, queued, strategy)
	outcome.Skipped = append(outcome.Skipped, zeroSkipped...)
	if len(queued) == 0 {
		return finalize("nothing_to_do"), ErrNothingToDistribute
	}

	actionIDs, err := s.cfg.ActionIDs.Generate(s.cfg.Gateway.Authority(), len(queued))
	if err != nil {
		return nil, fmt.Errorf("failed to generate action ids: %w", err)
	}
	for i := range queued {
		queued[i].actionID = actionIDs[i]
	}

	bundles := partition(queued, s.cfg.BatchSize)
	log.Info("submitting distribution bundles",
		"queued", len(queued),
		"bundles", len(bundles),
		"batch_size", s.cfg.BatchSize,
		"strategy", strategy.String(),
		"available_funds", outcome.Available)

	s.submitBundles(ctx, log, req, disasterAddr, poolAddr, bundles, outcome)

	status := "success"
	if len(outcome.Failed) > 0 {
		status = "partial"
	}
	if len(outcome.Succeeded) == 0 {
		status = "failed"
	}
	log.Info("distribution run finished",
		"succeeded", len(outcome.Succeeded),
		"skipped", len(outcome.Skipped),
		"failed", len(outcome.Failed),
		"cancelled", len(outcome.Cancelled))
	return finalize(status), nil
}

// resolveRecipients derives each recipient's addresses and probes the ledger.
// Probes run concurrently (bounded) but results keep selection order. An RPC
// failure here aborts the run: nothing has been submitted yet, and deciding
// eligibility on partial information risks double work later.
func (s *Scheduler) resolveRecipients(ctx context.Context, req Request, pool *ledger.FundPool, poolAddr solana.PublicKey) ([]probeResult, error) {
	recipients := dedupe(req.Recipients)
	results := make([]probeResult, len(recipients))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.ProbeConcurrency)

	for i, authority := range recipients {
		g.Go(func() error {
			res, err := s.resolveOne(gctx, req, pool, poolAddr, authority)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to resolve recipients: %w", err)
	}
	return results, nil
}

func (s *Scheduler) resolveOne(ctx context.Context, req Request, pool *ledger.FundPool, poolAddr, authority solana.PublicKey) (probeResult, error) {
	res := probeResult{authority: authority}

	beneficiaryAddr, _, err := s.deriver.Beneficiary(authority, req.DisasterID)
	if err != nil {
		return res, err
	}
	distributionAddr, _, err := s.deriver.Distribution(authority, poolAddr)
	if err != nil {
		return res, err
	}

	beneficiary, err := s.cfg.Gateway.FetchBeneficiary(ctx, beneficiaryAddr)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		res.failure = &Failure{
			Recipient: authority,
			Error:     fmt.Sprintf("no beneficiary record for disaster %q", req.DisasterID),
		}
		return res, nil
	}
	if err != nil {
		return res, err
	}

	if beneficiary.VerificationStatus != ledger.VerificationVerified {
		res.skip = &Skip{
			Recipient: authority,
			Reason:    SkipNotVerified,
			Detail:    fmt.Sprintf("verification status is %s", beneficiary.VerificationStatus),
		}
		return res, nil
	}
	if min := pool.MinimumFamilySize; min != nil && beneficiary.FamilySize < *min {
		res.skip = &Skip{
			Recipient: authority,
			Reason:    SkipBelowFamilyMinimum,
			Detail:    fmt.Sprintf("family size %d below pool minimum %d", beneficiary.FamilySize, *min),
		}
		return res, nil
	}
	if min := pool.MinimumDamageSeverity; min != nil && beneficiary.DamageSeverity < *min {
		res.skip = &Skip{
			Recipient: authority,
			Reason:    SkipBelowDamageMinimum,
			Detail:    fmt.Sprintf("damage severity %d below pool minimum %d", beneficiary.DamageSeverity, *min),
		}
		return res, nil
	}

	// The idempotency check: a distribution record at the derived address
	// means this recipient was already paid from this pool.
	existing, err := s.cfg.Gateway.ProbeDistribution(ctx, distributionAddr)
	if err != nil {
		return res, err
	}
	if existing != nil {
		res.skip = &Skip{
			Recipient: authority,
			Reason:    SkipAlreadyDistributed,
			Detail:    fmt.Sprintf("already allocated %d", existing.AmountAllocated),
		}
		return res, nil
	}

	res.queued = &candidate{
		authority:      authority,
		beneficiary:    beneficiaryAddr,
		distribution:   distributionAddr,
		familySize:     beneficiary.FamilySize,
		damageSeverity: beneficiary.DamageSeverity,
	}
	return res, nil
}

// Preview resolves and allocates exactly as Run would, but submits nothing.
func (s *Scheduler) Preview(ctx context.Context, req Request) (*Preview, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	poolAddr, _, err := s.deriver.FundPool(req.DisasterID, req.PoolID)
	if err != nil {
		return nil, err
	}
	pool, err := s.cfg.Gateway.FetchFundPool(ctx, poolAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pool: %w", err)
	}
	if !pool.IsActive {
		return nil, ErrPoolNotActive
	}
	if pool.IsDistributed {
		return nil, ErrPoolClosed
	}
	strategy, err := allocate.ParseStrategy(pool.DistributionType.String())
	if err != nil {
		return nil, err
	}

	results, err := s.resolveRecipients(ctx, req, pool, poolAddr)
	if err != nil {
		return nil, err
	}

	preview := &Preview{
		Pool:                poolAddr,
		Strategy:            strategy,
		Available:           pool.AvailableFunds(),
		PercentageImmediate: pool.DistributionPercentageImmediate,
		PercentageLocked:    pool.DistributionPercentageLocked,
		TimeLockDuration:    pool.TimeLockDuration,
	}

	var queued []candidate
	for _, r := range results {
		switch {
		case r.skip != nil:
			preview.Skipped = append(preview.Skipped, *r.skip)
		case r.failure != nil:
			preview.Failed = append(preview.Failed, *r.failure)
		case r.queued != nil:
			queued = append(queued, *r.queued)
		}
	}

	queued, zeroSkipped := allocateQueued(pool, queued, strategy)
	preview.Skipped = append(preview.Skipped, zeroSkipped...)
	for _, c := range queued {
		preview.Planned = append(preview.Planned, Planned{Recipient: c.authority, Amount: c.amount})
	}
	return preview, nil
}

// allocateQueued computes amounts for the queued set and drops zero-amount
// allocations into skips. The ledger tolerates zero-value records, but a
// zero payout helps no one and still costs rent, so they are excluded.
func allocateQueued(pool *ledger.FundPool, queued []candidate, strategy allocate.Strategy) ([]candidate, []Skip) {
	recipients := make([]allocate.Recipient, len(queued))
	for i, c := range queued {
		recipients[i] = allocate.Recipient{
			Authority:      c.authority,
			FamilySize:     c.familySize,
			DamageSeverity: c.damageSeverity,
		}
	}

	amounts := allocate.Allocate(
		allocate.Pool{TotalDeposited: pool.TotalDeposited, TotalDistributed: pool.TotalDistributed},
		recipients,
		strategy,
	)

	var skipped []Skip
	kept := queued[:0]
	for _, c := range queued {
		amount := amounts[c.authority]
		if amount == 0 {
			skipped = append(skipped, Skip{
				Recipient: c.authority,
				Reason:    SkipZeroAllocation,
			})
			continue
		}
		c.amount = amount
		kept = append(kept, c)
	}
	return kept, skipped
}

// submitBundles submits each bundle sequentially. A failed bundle marks all
// of its recipients failed and the loop continues; cancellation between
// bundles marks every not-yet-submitted recipient cancelled.
func (s *Scheduler) submitBundles(ctx context.Context, log *slog.Logger, req Request, disasterAddr, poolAddr solana.PublicKey, bundles [][]candidate, outcome *Outcome) {
	for bundleIdx, bundle := range bundles {
		select {
		case <-ctx.Done():
			for _, b := range bundles[bundleIdx:] {
				for _, c := range b {
					outcome.Cancelled = append(outcome.Cancelled, c.authority)
				}
			}
			log.Warn("run cancelled between bundles",
				"submitted_bundles", bundleIdx,
				"cancelled_recipients", len(outcome.Cancelled))
			return
		default:
		}

		instructions := make([]solana.Instruction, 0, len(bundle))
		buildFailed := false
		for _, c := range bundle {
			activityAddr, _, err := s.deriver.PoolActivityLog(poolAddr, c.beneficiary)
			if err == nil {
				var ix solana.Instruction
				ix, err = ledger.NewDistributeInstruction(s.cfg.ProgramID, req.DisasterID, req.PoolID, ledger.DistributeAccounts{
					Pool:                 poolAddr,
					Distribution:         c.distribution,
					ActivityLog:          activityAddr,
					Beneficiary:          c.beneficiary,
					BeneficiaryAuthority: c.authority,
					Disaster:             disasterAddr,
					Authority:            s.cfg.Gateway.Authority(),
				})
				if err == nil {
					instructions = append(instructions, ix)
					continue
				}
			}
			// Building is pure; a failure here poisons the whole bundle
			// rather than silently shrinking it.
			for _, cc := range bundle {
				outcome.Failed = append(outcome.Failed, Failure{
					Recipient: cc.authority,
					Error:     fmt.Sprintf("failed to build bundle: %v", err),
				})
			}
			buildFailed = true
			break
		}
		if buildFailed {
			continue
		}

		start := time.Now()
		sig, err := s.cfg.Gateway.SubmitBundle(ctx, instructions)
		metrics.BundleSubmitDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.BundleSubmitTotal.WithLabelValues("error").Inc()
			log.Error("bundle submission failed",
				"bundle", bundleIdx+1,
				"bundles", len(bundles),
				"recipients", len(bundle),
				"error", err)
			for _, c := range bundle {
				outcome.Failed = append(outcome.Failed, Failure{
					Recipient: c.authority,
					Error:     err.Error(),
				})
			}
			continue
		}

		metrics.BundleSubmitTotal.WithLabelValues("success").Inc()
		log.Debug("bundle confirmed",
			"bundle", bundleIdx+1,
			"bundles", len(bundles),
			"signature", sig.String())
		for _, c := range bundle {
			outcome.Succeeded = append(outcome.Succeeded, Success{
				Recipient: c.authority,
				Amount:    c.amount,
				Signature: sig,
				ActionID:  c.actionID,
			})
		}
	}
}

// partition splits queued into ordered bundles of at most size recipients.
func partition(queued []candidate, size int) [][]candidate {
	var bundles [][]candidate
	for start := 0; start < len(queued); start += size {
		end := min(start+size, len(queued))
		bundles = append(bundles, queued[start:end])
	}
	return bundles
}

// dedupe drops repeated authorities, keeping first occurrence order.
func dedupe(keys []solana.PublicKey) []solana.PublicKey {
	seen := make(map[solana.PublicKey]struct{}, len(keys))
	out := make([]solana.PublicKey, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
