package scheduler

import (
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/saharasol/relief/distributor/pkg/allocate"
)

// SkipReason explains why a recipient was left out of submission. Skips are
// correct, safe no-ops, never failures.
type SkipReason string

const (
	SkipAlreadyDistributed SkipReason = "AlreadyDistributed"
	SkipNotVerified        SkipReason = "NotVerified"
	SkipBelowFamilyMinimum SkipReason = "BelowFamilyMinimum"
	SkipBelowDamageMinimum SkipReason = "BelowDamageMinimum"
	SkipZeroAllocation     SkipReason = "ZeroAllocation"
)

// Success records one recipient paid by a confirmed bundle. ActionID is the
// run's audit identifier for this payment, unique across concurrent runs.
type Success struct {
	Recipient solana.PublicKey `json:"recipient"`
	Amount    uint64           `json:"amount"`
	Signature solana.Signature `json:"signature"`
	ActionID  uint64           `json:"actionId"`
}

// Skip records one recipient deliberately not submitted.
type Skip struct {
	Recipient solana.PublicKey `json:"recipient"`
	Reason    SkipReason       `json:"reason"`
	Detail    string           `json:"detail,omitempty"`
}

// Failure records one recipient whose bundle was rejected, or whose
// selection could not be resolved against the ledger.
type Failure struct {
	Recipient solana.PublicKey `json:"recipient"`
	Error     string           `json:"error"`
}

// Outcome is the aggregate result of one distribution run. It is always a
// three-way (plus cancellation) partition of the selected recipients; it is
// never collapsed into a single pass/fail flag, so an operator can tell
// "nothing left to do" from "something went wrong" from "fully succeeded".
type Outcome struct {
	RunID      uuid.UUID         `json:"runId"`
	Pool       solana.PublicKey  `json:"pool"`
	Strategy   allocate.Strategy `json:"-"`
	Available  uint64            `json:"availableFunds"`
	StartedAt  time.Time         `json:"startedAt"`
	FinishedAt time.Time         `json:"finishedAt"`

	Succeeded []Success          `json:"succeeded"`
	Skipped   []Skip             `json:"skipped"`
	Failed    []Failure          `json:"failed"`
	Cancelled []solana.PublicKey `json:"cancelled,omitempty"`
}

// Counts returns the partition sizes in succeeded/skipped/failed/cancelled
// order.
func (o *Outcome) Counts() (int, int, int, int) {
	return len(o.Succeeded), len(o.Skipped), len(o.Failed), len(o.Cancelled)
}

// Planned is one recipient's would-be payment from a preview.
type Planned struct {
	Recipient solana.PublicKey `json:"recipient"`
	Amount    uint64           `json:"amount"`
}

// Preview is the result of a dry run: the same resolution and allocation a
// real run would perform, with nothing submitted. Because allocation is
// deterministic, a run on unchanged ledger state pays exactly these amounts.
type Preview struct {
	Pool      solana.PublicKey  `json:"pool"`
	Strategy  allocate.Strategy `json:"-"`
	Available uint64            `json:"availableFunds"`

	// Immediate/locked split the program will apply to each payment.
	PercentageImmediate uint8  `json:"percentageImmediate"`
	PercentageLocked    uint8  `json:"percentageLocked"`
	TimeLockDuration    *int64 `json:"timeLockDuration,omitempty"`

	Planned []Planned `json:"planned"`
	Skipped []Skip    `json:"skipped"`
	Failed  []Failure `json:"failed"`
}
