/*
Package fee provides the core fee/commission calculation engine.

PURPOSE:
  This package contains the policy model, the calculation engine, and the
  ledger orchestration for policy-driven fees. Given a transaction (order
  lines, totals, channel) and a versioned fee policy, it computes a
  deterministic fee breakdown, allocates it across transaction lines,
  builds an immutable ledger entry, and supports later component-aware
  partial refunds without ever mutating the original record.

KEY CONCEPTS IN THIS FILE (types.go):
  - Line/Transaction: The calculation input (order lines + totals + channel)
  - Result: Breakdown + per-line allocation produced by the engine
  - BreakdownEntry: Per-component outcome (amount, base, tier/cap detail)
  - AllocationEntry: Per-line distribution of component amounts
  - Entry: An immutable ledger record of a settlement or adjustment

DESIGN PRINCIPLES:
  1. Immutability: Ledger entries are never modified, only adjusted via
     new entries (the single exception is the parent's status flip)
  2. Precision: Uses decimal.Decimal to avoid floating-point errors;
     every amount is rounded to the policy's precision exactly once
  3. Determinism: Identical policy + input yields an identical signature,
     breakdown, and allocation - no drift, ever
  4. Reconciliation: total fee == sum of breakdown amounts == sum of
     per-line allocations, to the cent

USAGE:
  result, err := fee.Calculate(tx, policy, fee.CalcOptions{})
  ledger := fee.NewLedger(policyLoader, entryStore)
  entry, summary, err := ledger.Settle(ctx, input, fee.SettleOptions{})

SEE ALSO:
  - policy.go: Policy and component definitions
  - engine.go: The calculation algorithm
  - ledger.go: Settle/simulate/adjust orchestration
  - refund.go: Component-aware refund planning
*/
package fee

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// TRANSACTION INPUT - What the engine calculates fees for
// =============================================================================

// Line is a single order line feeding the calculation.
// Net/Gross/Tax are monetary amounts in the policy currency; Quantity is a
// count (decimal to allow fractional units such as weights).
type Line struct {
	LineID     string
	Net        decimal.Decimal
	Gross      decimal.Decimal
	Tax        decimal.Decimal
	Quantity   decimal.Decimal
	Attributes map[string]string
}

// OrderTotals are order-level aggregates. When nil on a Transaction, they
// default to the sum of the lines (with zero shipping).
type OrderTotals struct {
	Net      decimal.Decimal
	Gross    decimal.Decimal
	Tax      decimal.Decimal
	Shipping decimal.Decimal
}

// Transaction is the calculation input.
type Transaction struct {
	TransactionID  string
	ChannelKey     string
	Currency       string
	Lines          []Line
	Order          *OrderTotals
	AsOf           time.Time
	IdempotencyKey string

	// Free-form context for component conditions (e.g. customer_group).
	Attributes map[string]string
}

// Totals returns the effective order totals, deriving them from the lines
// when no explicit totals were supplied.
func (t Transaction) Totals() OrderTotals {
	if t.Order != nil {
		return *t.Order
	}
	var o OrderTotals
	for _, l := range t.Lines {
		o.Net = o.Net.Add(l.Net)
		o.Gross = o.Gross.Add(l.Gross)
		o.Tax = o.Tax.Add(l.Tax)
	}
	return o
}

// TotalQuantity sums the quantity across all lines.
func (t Transaction) TotalQuantity() decimal.Decimal {
	var q decimal.Decimal
	for _, l := range t.Lines {
		q = q.Add(l.Quantity)
	}
	return q
}

// Line returns the line with the given id, or nil.
func (t Transaction) Line(lineID string) *Line {
	for i := range t.Lines {
		if t.Lines[i].LineID == lineID {
			return &t.Lines[i]
		}
	}
	return nil
}

// =============================================================================
// CALCULATION RESULT - Breakdown + allocation
// =============================================================================

// Warning is a soft anomaly on an otherwise successful calculation.
// Warnings are surfaced to the caller but never block settlement.
type Warning struct {
	Code        string
	ComponentID string
	Message     string
}

// Warning codes.
const (
	WarnCapNoTargets = "cap_no_targets"
	WarnNoTierMatch  = "no_tier_match"
	WarnEmptyOrder   = "empty_order"
)

// Discard reasons recorded on skipped breakdown entries.
const (
	DiscardConditionNotMet = "condition_not_met"
	DiscardNoTierMatch     = "no_tier_match"
	DiscardNoLinesMatched  = "no_lines_matched"
	DiscardOverridden      = "overridden"
)

// BreakdownEntry is the per-component outcome of a calculation. Skipped
// components stay in the breakdown with Applied=false and a DiscardReason,
// so every result is reproducible from its inputs.
type BreakdownEntry struct {
	ComponentID string
	Name        string
	Type        ComponentType
	Scope       ComponentScope

	// Amount is signed and rounded to the policy precision. For CAP
	// components it is always zero; the cap's effect lives in the
	// mutated target entries plus CapDelta below.
	Amount   decimal.Decimal
	BaseUsed decimal.Decimal

	// Resolved detail of what was actually applied.
	RateApplied *decimal.Decimal
	FixedUsed   *decimal.Decimal
	TierIndex   *int
	CapDelta    *decimal.Decimal

	Applied        bool
	DiscardReason  string
	OverrideReason string

	// Denormalized from the component for later refund lookups.
	Tags   []string
	Refund RefundConfig

	// Line ids this component's amount allocates across. Order-scoped
	// components list every line.
	LineIDs []string

	// Proration method used when allocating across LineIDs.
	Proration ProrationMethod
}

// HasTag reports whether the entry carries the given tag.
func (b BreakdownEntry) HasTag(tag string) bool {
	for _, t := range b.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// LineComponent is one component's contribution to one line.
type LineComponent struct {
	ComponentID string
	Amount      decimal.Decimal
	Proration   ProrationMethod
	Weight      decimal.Decimal
}

// AllocationEntry is the per-line fee distribution.
type AllocationEntry struct {
	LineID     string
	FeeAmount  decimal.Decimal
	Components []LineComponent
}

// Result is a successful calculation. Structural failures are returned as
// errors, never as partial results.
type Result struct {
	Currency   string
	TotalFee   decimal.Decimal
	Breakdown  []BreakdownEntry
	Allocation []AllocationEntry
	Warnings   []Warning

	// Meta for idempotency/replay detection and reproducibility.
	Signature  string
	PolicyHash string
	Precision  int32
}

// BreakdownFor returns the breakdown entry for a component id, or nil.
func (r *Result) BreakdownFor(componentID string) *BreakdownEntry {
	for i := range r.Breakdown {
		if r.Breakdown[i].ComponentID == componentID {
			return &r.Breakdown[i]
		}
	}
	return nil
}

// AllocationFor returns the allocation entry for a line id, or nil.
func (r *Result) AllocationFor(lineID string) *AllocationEntry {
	for i := range r.Allocation {
		if r.Allocation[i].LineID == lineID {
			return &r.Allocation[i]
		}
	}
	return nil
}

// =============================================================================
// LEDGER ENTRY - Immutable persisted record
// =============================================================================

// EventType classifies a ledger entry.
type EventType string

const (
	EventSettle     EventType = "settle"
	EventAdjust     EventType = "adjust"
	EventRefund     EventType = "refund"
	EventChargeback EventType = "chargeback"
)

// EntryStatus is the lifecycle state of a ledger entry.
// "reversed" is reserved for a future full-reversal event type.
type EntryStatus string

const (
	StatusActive   EntryStatus = "active"
	StatusAdjusted EntryStatus = "adjusted"
	StatusReversed EntryStatus = "reversed"
)

// PolicySnapshot pins the policy a ledger entry was computed with, so
// history stays reproducible even if the policy is later edited.
type PolicySnapshot struct {
	Key            string
	Version        int
	Hash           string
	Precision      int32
	ComponentCount int
}

// InputSnapshot captures the order shape at settlement time. OrderBase is
// the order net, which anchors refund ratios on later adjustments.
type InputSnapshot struct {
	LineCount  int
	OrderBase  decimal.Decimal
	OrderGross decimal.Decimal
	OrderTax   decimal.Decimal
}

// SourceRef identifies the business object a ledger entry belongs to.
// Storage adapters index entries by this triple.
type SourceRef struct {
	Module     string
	ObjectType string
	ObjectID   string
}

// Entry is an immutable ledger record. Created by Settle (status active)
// or Adjust (status active, parent's status flips to adjusted). Never
// updated in place except that status-flip side effect on the parent.
type Entry struct {
	EntryID       string
	TransactionID string
	ParentEntryID string
	EventType     EventType
	Status        EntryStatus
	Currency      string

	// TotalFee is signed: positive for settlements, negative for
	// adjustments (a refund is a debit against prior fees).
	TotalFee decimal.Decimal

	Breakdown  []BreakdownEntry
	Allocation []AllocationEntry
	Warnings   []Warning

	PolicySnapshot PolicySnapshot
	InputSnapshot  InputSnapshot

	// Signature is a deterministic hash of policy hash + input + result,
	// used for idempotent replay detection (not security).
	Signature string

	Source SourceRef

	// RefundPlan is populated on adjustment entries only.
	RefundPlan []RefundLine

	Reason    string
	CreatedAt time.Time
}

// SummaryRow is one human-readable line of a fee summary, for display.
type SummaryRow struct {
	ID      string
	Name    string
	Type    ComponentType
	Amount  decimal.Decimal
	Tags    []string
	Details string
}

// TransactionFees are running totals across every entry of a transaction.
type TransactionFees struct {
	TransactionID    string
	TotalFees        decimal.Decimal
	TotalAdjustments decimal.Decimal
	NetFees          decimal.Decimal
	EntryCount       int
}
