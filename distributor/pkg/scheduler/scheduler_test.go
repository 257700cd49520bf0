package scheduler_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saharasol/relief/distributor/pkg/allocate"
	"github.com/saharasol/relief/distributor/pkg/ledger"
	"github.com/saharasol/relief/distributor/pkg/pda"
	"github.com/saharasol/relief/distributor/pkg/scheduler"
	relieftesting "github.com/saharasol/relief/utils/pkg/testing"
)

const (
	testDisasterID = "quake-2024"
	testPoolID     = "emergency-relief"
)

var testProgramID = solana.PublicKeyFromBytes(bytes.Repeat([]byte{7}, 32))

// fakeGateway is an in-memory ledger. Successful bundle submissions record
// a distribution for each instruction so repeat runs see them.
type fakeGateway struct {
	mu            sync.Mutex
	authority     solana.PublicKey
	pools         map[solana.PublicKey]*ledger.FundPool
	beneficiaries map[solana.PublicKey]*ledger.Beneficiary
	distributions map[solana.PublicKey]*ledger.Distribution

	submitted   [][]solana.Instruction
	failBundles map[int]error // keyed by 0-based submission order
	onSubmit    func(n int)
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		authority:     solana.NewWallet().PublicKey(),
		pools:         map[solana.PublicKey]*ledger.FundPool{},
		beneficiaries: map[solana.PublicKey]*ledger.Beneficiary{},
		distributions: map[solana.PublicKey]*ledger.Distribution{},
		failBundles:   map[int]error{},
	}
}

func (g *fakeGateway) Authority() solana.PublicKey { return g.authority }

func (g *fakeGateway) FetchFundPool(_ context.Context, addr solana.PublicKey) (*ledger.FundPool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	pool, ok := g.pools[addr]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	return pool, nil
}

func (g *fakeGateway) FetchBeneficiary(_ context.Context, addr solana.PublicKey) (*ledger.Beneficiary, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.beneficiaries[addr]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	return b, nil
}

func (g *fakeGateway) ProbeDistribution(_ context.Context, addr solana.PublicKey) (*ledger.Distribution, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.distributions[addr], nil
}

func (g *fakeGateway) SubmitBundle(_ context.Context, instructions []solana.Instruction) (solana.Signature, error) {
	g.mu.Lock()
	n := len(g.submitted)
	g.submitted = append(g.submitted, instructions)
	onSubmit := g.onSubmit
	err := g.failBundles[n]
	if err == nil {
		for _, ix := range instructions {
			// The distribution account is the second meta of a
			// distribute instruction.
			addr := ix.Accounts()[1].PublicKey
			g.distributions[addr] = &ledger.Distribution{AmountAllocated: 1}
		}
	}
	g.mu.Unlock()

	if onSubmit != nil {
		onSubmit(n)
	}
	if err != nil {
		return solana.Signature{}, err
	}
	var sig solana.Signature
	sig[0] = byte(n + 1)
	return sig, nil
}

type fixture struct {
	gateway    *fakeGateway
	deriver    *pda.Deriver
	poolAddr   solana.PublicKey
	recipients []solana.PublicKey
}

func newFixture(t *testing.T, pool *ledger.FundPool, beneficiaries []*ledger.Beneficiary) *fixture {
	t.Helper()

	gw := newFakeGateway()
	deriver := pda.NewDeriver(testProgramID)

	poolAddr, _, err := deriver.FundPool(testDisasterID, testPoolID)
	require.NoError(t, err)
	gw.pools[poolAddr] = pool

	f := &fixture{gateway: gw, deriver: deriver, poolAddr: poolAddr}
	for _, b := range beneficiaries {
		addr, _, err := deriver.Beneficiary(b.Authority, testDisasterID)
		require.NoError(t, err)
		gw.beneficiaries[addr] = b
		f.recipients = append(f.recipients, b.Authority)
	}
	return f
}

func (f *fixture) scheduler(t *testing.T, batchSize int) *scheduler.Scheduler {
	t.Helper()
	s, err := scheduler.New(scheduler.Config{
		Logger:    relieftesting.NewLogger(),
		Gateway:   f.gateway,
		ProgramID: testProgramID,
		BatchSize: batchSize,
	})
	require.NoError(t, err)
	return s
}

func (f *fixture) request() scheduler.Request {
	return scheduler.Request{
		DisasterID: testDisasterID,
		PoolID:     testPoolID,
		Recipients: f.recipients,
	}
}

func activePool(deposited uint64, dt ledger.DistributionType) *ledger.FundPool {
	return &ledger.FundPool{
		PoolID:           testPoolID,
		DisasterID:       testDisasterID,
		DistributionType: dt,
		TotalDeposited:   deposited,
		IsActive:         true,
	}
}

func verifiedBeneficiary(familySize, damageSeverity uint8) *ledger.Beneficiary {
	return &ledger.Beneficiary{
		Authority:          solana.NewWallet().PublicKey(),
		DisasterID:         testDisasterID,
		FamilySize:         familySize,
		DamageSeverity:     damageSeverity,
		VerificationStatus: ledger.VerificationVerified,
	}
}

func succeededSet(outcome *scheduler.Outcome) map[solana.PublicKey]uint64 {
	out := make(map[solana.PublicKey]uint64, len(outcome.Succeeded))
	for _, s := range outcome.Succeeded {
		out[s.Recipient] = s.Amount
	}
	return out
}

func TestRelief_Scheduler_EqualSplit(t *testing.T) {
	t.Parallel()

	beneficiaries := []*ledger.Beneficiary{
		verifiedBeneficiary(2, 3),
		verifiedBeneficiary(5, 7),
		verifiedBeneficiary(1, 1),
		verifiedBeneficiary(4, 9),
	}
	f := newFixture(t, activePool(1_000_000, ledger.DistributionEqual), beneficiaries)
	s := f.scheduler(t, 3)

	outcome, err := s.Run(context.Background(), f.request())
	require.NoError(t, err)

	require.Len(t, outcome.Succeeded, 4)
	assert.Empty(t, outcome.Skipped)
	assert.Empty(t, outcome.Failed)
	assert.Empty(t, outcome.Cancelled)
	assert.Equal(t, allocate.StrategyEqual, outcome.Strategy)
	assert.Equal(t, uint64(1_000_000), outcome.Available)

	for recipient, amount := range succeededSet(outcome) {
		assert.Equal(t, uint64(250_000), amount, "recipient %s", recipient)
	}

	// Every payment carries a distinct audit action ID.
	actionIDs := map[uint64]bool{}
	for _, s := range outcome.Succeeded {
		assert.False(t, actionIDs[s.ActionID])
		actionIDs[s.ActionID] = true
	}

	// 4 recipients at batch size 3 makes two bundles of 3 and 1.
	require.Len(t, f.gateway.submitted, 2)
	assert.Len(t, f.gateway.submitted[0], 3)
	assert.Len(t, f.gateway.submitted[1], 1)
}

func TestRelief_Scheduler_SecondRunSkipsEveryone(t *testing.T) {
	t.Parallel()

	f := newFixture(t, activePool(900, ledger.DistributionEqual), []*ledger.Beneficiary{
		verifiedBeneficiary(1, 1),
		verifiedBeneficiary(1, 1),
		verifiedBeneficiary(1, 1),
	})
	s := f.scheduler(t, 3)

	first, err := s.Run(context.Background(), f.request())
	require.NoError(t, err)
	require.Len(t, first.Succeeded, 3)

	second, err := s.Run(context.Background(), f.request())
	require.ErrorIs(t, err, scheduler.ErrNothingToDistribute)
	require.NotNil(t, second)
	assert.Empty(t, second.Succeeded)
	require.Len(t, second.Skipped, 3)
	for _, skip := range second.Skipped {
		assert.Equal(t, scheduler.SkipAlreadyDistributed, skip.Reason)
	}

	// Nothing new was submitted on the second run.
	assert.Len(t, f.gateway.submitted, 1)
}

func TestRelief_Scheduler_BundleFailureIsIsolated(t *testing.T) {
	t.Parallel()

	var beneficiaries []*ledger.Beneficiary
	for range 7 {
		beneficiaries = append(beneficiaries, verifiedBeneficiary(1, 1))
	}
	f := newFixture(t, activePool(7_000, ledger.DistributionEqual), beneficiaries)
	f.gateway.failBundles[1] = errors.New("blockhash not found")
	s := f.scheduler(t, 3)

	outcome, err := s.Run(context.Background(), f.request())
	require.NoError(t, err)

	// Bundles are [3,3,1]; the middle one fails, the others land.
	require.Len(t, f.gateway.submitted, 3)
	assert.Len(t, outcome.Succeeded, 4)
	assert.Len(t, outcome.Failed, 3)
	assert.Empty(t, outcome.Cancelled)

	failedSet := map[solana.PublicKey]bool{}
	for _, fail := range outcome.Failed {
		assert.Contains(t, fail.Error, "blockhash not found")
		failedSet[fail.Recipient] = true
	}
	// The failed recipients are exactly the second bundle, in selection order.
	for _, authority := range f.recipients[3:6] {
		assert.True(t, failedSet[authority])
	}

	// A retry pays only the failed three.
	retry, err := s.Run(context.Background(), f.request())
	require.NoError(t, err)
	assert.Len(t, retry.Succeeded, 3)
	assert.Len(t, retry.Skipped, 4)
}

func TestRelief_Scheduler_EligibilityFilters(t *testing.T) {
	t.Parallel()

	pending := verifiedBeneficiary(5, 5)
	pending.VerificationStatus = ledger.VerificationPending
	flagged := verifiedBeneficiary(5, 5)
	flagged.VerificationStatus = ledger.VerificationFlagged
	smallFamily := verifiedBeneficiary(2, 9)
	lightDamage := verifiedBeneficiary(9, 2)
	eligible := verifiedBeneficiary(9, 9)

	minFamily := uint8(3)
	minDamage := uint8(5)
	pool := activePool(100_000, ledger.DistributionEqual)
	pool.MinimumFamilySize = &minFamily
	pool.MinimumDamageSeverity = &minDamage

	f := newFixture(t, pool, []*ledger.Beneficiary{pending, flagged, smallFamily, lightDamage, eligible})

	// One recipient with no beneficiary record at all.
	unknown := solana.NewWallet().PublicKey()
	f.recipients = append(f.recipients, unknown)

	s := f.scheduler(t, 3)
	outcome, err := s.Run(context.Background(), f.request())
	require.NoError(t, err)

	require.Len(t, outcome.Succeeded, 1)
	assert.Equal(t, eligible.Authority, outcome.Succeeded[0].Recipient)
	assert.Equal(t, uint64(100_000), outcome.Succeeded[0].Amount)

	reasons := map[solana.PublicKey]scheduler.SkipReason{}
	for _, skip := range outcome.Skipped {
		reasons[skip.Recipient] = skip.Reason
	}
	assert.Equal(t, scheduler.SkipNotVerified, reasons[pending.Authority])
	assert.Equal(t, scheduler.SkipNotVerified, reasons[flagged.Authority])
	assert.Equal(t, scheduler.SkipBelowFamilyMinimum, reasons[smallFamily.Authority])
	assert.Equal(t, scheduler.SkipBelowDamageMinimum, reasons[lightDamage.Authority])

	require.Len(t, outcome.Failed, 1)
	assert.Equal(t, unknown, outcome.Failed[0].Recipient)
	assert.Contains(t, outcome.Failed[0].Error, "no beneficiary record")
}

func TestRelief_Scheduler_WeightedDamage(t *testing.T) {
	t.Parallel()

	light := verifiedBeneficiary(1, 2)
	heavy := verifiedBeneficiary(1, 6)
	f := newFixture(t, activePool(1_000, ledger.DistributionWeightedDamage), []*ledger.Beneficiary{light, heavy})
	s := f.scheduler(t, 3)

	outcome, err := s.Run(context.Background(), f.request())
	require.NoError(t, err)

	amounts := succeededSet(outcome)
	assert.Equal(t, uint64(250), amounts[light.Authority])
	assert.Equal(t, uint64(750), amounts[heavy.Authority])
}

func TestRelief_Scheduler_ZeroAllocationsAreSkipped(t *testing.T) {
	t.Parallel()

	f := newFixture(t, activePool(2, ledger.DistributionEqual), []*ledger.Beneficiary{
		verifiedBeneficiary(1, 1),
		verifiedBeneficiary(1, 1),
		verifiedBeneficiary(1, 1),
		verifiedBeneficiary(1, 1),
	})
	s := f.scheduler(t, 3)

	outcome, err := s.Run(context.Background(), f.request())
	require.ErrorIs(t, err, scheduler.ErrNothingToDistribute)
	require.NotNil(t, outcome)
	assert.Empty(t, f.gateway.submitted)
	require.Len(t, outcome.Skipped, 4)
	for _, skip := range outcome.Skipped {
		assert.Equal(t, scheduler.SkipZeroAllocation, skip.Reason)
	}
}

func TestRelief_Scheduler_PreviewMatchesRun(t *testing.T) {
	t.Parallel()

	pool := activePool(999_999, ledger.DistributionWeightedFamily)
	pool.DistributionPercentageImmediate = 60
	pool.DistributionPercentageLocked = 40
	f := newFixture(t, pool, []*ledger.Beneficiary{
		verifiedBeneficiary(2, 1),
		verifiedBeneficiary(3, 1),
		verifiedBeneficiary(5, 1),
	})
	s := f.scheduler(t, 3)

	preview, err := s.Preview(context.Background(), f.request())
	require.NoError(t, err)
	require.Len(t, preview.Planned, 3)
	assert.Equal(t, uint8(60), preview.PercentageImmediate)
	assert.Equal(t, uint8(40), preview.PercentageLocked)
	assert.Empty(t, f.gateway.submitted, "preview must not submit")

	planned := map[solana.PublicKey]uint64{}
	for _, p := range preview.Planned {
		planned[p.Recipient] = p.Amount
	}

	outcome, err := s.Run(context.Background(), f.request())
	require.NoError(t, err)
	require.Len(t, outcome.Succeeded, 3)
	for recipient, amount := range succeededSet(outcome) {
		assert.Equal(t, planned[recipient], amount)
	}
}

func TestRelief_Scheduler_CancellationBetweenBundles(t *testing.T) {
	t.Parallel()

	var beneficiaries []*ledger.Beneficiary
	for range 7 {
		beneficiaries = append(beneficiaries, verifiedBeneficiary(1, 1))
	}
	f := newFixture(t, activePool(7_000, ledger.DistributionEqual), beneficiaries)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.gateway.onSubmit = func(n int) {
		if n == 0 {
			cancel()
		}
	}

	s := f.scheduler(t, 3)
	outcome, err := s.Run(ctx, f.request())
	require.NoError(t, err)

	// Only the first bundle went out; the remaining four recipients were
	// never submitted.
	require.Len(t, f.gateway.submitted, 1)
	assert.Len(t, outcome.Succeeded, 3)
	assert.Len(t, outcome.Cancelled, 4)
	assert.Empty(t, outcome.Failed)
}

func TestRelief_Scheduler_PoolStateGuards(t *testing.T) {
	t.Parallel()

	t.Run("inactive pool", func(t *testing.T) {
		t.Parallel()
		pool := activePool(1_000, ledger.DistributionEqual)
		pool.IsActive = false
		f := newFixture(t, pool, []*ledger.Beneficiary{verifiedBeneficiary(1, 1)})
		s := f.scheduler(t, 3)
		_, err := s.Run(context.Background(), f.request())
		require.ErrorIs(t, err, scheduler.ErrPoolNotActive)
	})

	t.Run("closed pool", func(t *testing.T) {
		t.Parallel()
		pool := activePool(1_000, ledger.DistributionEqual)
		pool.IsDistributed = true
		f := newFixture(t, pool, []*ledger.Beneficiary{verifiedBeneficiary(1, 1)})
		s := f.scheduler(t, 3)
		_, err := s.Run(context.Background(), f.request())
		require.ErrorIs(t, err, scheduler.ErrPoolClosed)
	})

	t.Run("missing pool", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, activePool(1_000, ledger.DistributionEqual), []*ledger.Beneficiary{verifiedBeneficiary(1, 1)})
		s := f.scheduler(t, 3)
		req := f.request()
		req.PoolID = "no-such-pool"
		_, err := s.Run(context.Background(), req)
		require.ErrorIs(t, err, ledger.ErrAccountNotFound)
	})
}

func TestRelief_Scheduler_DuplicateRecipientsCollapse(t *testing.T) {
	t.Parallel()

	b := verifiedBeneficiary(1, 1)
	f := newFixture(t, activePool(1_000, ledger.DistributionEqual), []*ledger.Beneficiary{b})
	f.recipients = append(f.recipients, b.Authority, b.Authority)
	s := f.scheduler(t, 3)

	outcome, err := s.Run(context.Background(), f.request())
	require.NoError(t, err)

	// The duplicate entries collapse to one payment of the full pool.
	require.Len(t, outcome.Succeeded, 1)
	assert.Equal(t, uint64(1_000), outcome.Succeeded[0].Amount)
	require.Len(t, f.gateway.submitted, 1)
	assert.Len(t, f.gateway.submitted[0], 1)
}

func TestRelief_Scheduler_RequestValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, activePool(1_000, ledger.DistributionEqual), []*ledger.Beneficiary{verifiedBeneficiary(1, 1)})
	s := f.scheduler(t, 3)

	tests := []struct {
		name string
		req  scheduler.Request
	}{
		{"missing disaster id", scheduler.Request{PoolID: testPoolID, Recipients: f.recipients}},
		{"missing pool id", scheduler.Request{DisasterID: testDisasterID, Recipients: f.recipients}},
		{"no recipients", scheduler.Request{DisasterID: testDisasterID, PoolID: testPoolID}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := s.Run(context.Background(), tt.req)
			require.Error(t, err)
		})
	}
}

func TestRelief_Scheduler_ConfigValidation(t *testing.T) {
	t.Parallel()

	gw := newFakeGateway()

	t.Run("missing logger", func(t *testing.T) {
		t.Parallel()
		_, err := scheduler.New(scheduler.Config{Gateway: gw, ProgramID: testProgramID})
		require.Error(t, err)
	})

	t.Run("missing gateway", func(t *testing.T) {
		t.Parallel()
		_, err := scheduler.New(scheduler.Config{Logger: relieftesting.NewLogger(), ProgramID: testProgramID})
		require.Error(t, err)
	})

	t.Run("missing program id", func(t *testing.T) {
		t.Parallel()
		_, err := scheduler.New(scheduler.Config{Logger: relieftesting.NewLogger(), Gateway: gw})
		require.Error(t, err)
	})

	t.Run("negative batch size", func(t *testing.T) {
		t.Parallel()
		_, err := scheduler.New(scheduler.Config{
			Logger:    relieftesting.NewLogger(),
			Gateway:   gw,
			ProgramID: testProgramID,
			BatchSize: -1,
		})
		require.Error(t, err)
	})
}
