/*
refund.go - Component-aware refund planning

PURPOSE:
  Builds the refund plan for an adjustment against a settled ledger
  entry. Each component of the original breakdown contributes according
  to its own refund policy; the original record is never touched.

ALGORITHM (AUTO mode):
  For each component in the original breakdown, in original order:
  - non_refundable tag, or refundable=false: contributes zero
  - refund_ratio = refund_amount / original_order_base (zero divisor
    yields ratio zero)
  - PROPORTIONAL: original amount * ratio
  - FIXED_ONLY: like proportional, but only fixed_unit/fixed_order
    component types; everything else contributes zero
  - NONE: zero regardless of ratio
  - cap_refund_to_original (default): clamp so a component never refunds
    more than it originally charged
  Contributions are rounded to the policy precision, then negated and
  summed by the ledger into the adjustment entry's total.

STRICT MODE:
  - currency mismatch between adjustment and original: rejected
  - refund amount exceeding the original order base: rejected
  - missing breakdown: rejected
  Non-strict mode degrades to a simple global-proportional refund when
  no breakdown is available.

SEE ALSO:
  - ledger.go: Adjust builds the entry from the plan
*/
package fee

import (
	"github.com/shopspring/decimal"
)

// AdjustMode selects how the fee debit of an adjustment is determined.
type AdjustMode string

const (
	// ModeAuto runs the component-aware refund algorithm (default).
	ModeAuto AdjustMode = "auto"

	// ModeManual debits the caller-supplied fee amount, no recomputation.
	ModeManual AdjustMode = "manual"
)

// Adjustment describes a refund/chargeback/correction against a settled
// entry.
type Adjustment struct {
	Mode      AdjustMode
	EventType EventType // defaults to EventRefund

	// Amount is the refunded order amount (against the original order
	// base), used by AUTO mode to derive the refund ratio.
	Amount decimal.Decimal

	// FeeAmount is the explicit fee debit for MANUAL mode (positive
	// magnitude).
	FeeAmount decimal.Decimal

	Currency string

	// LineAmounts optionally gives explicit per-line refund amounts;
	// they partition lines into affected/unaffected for reporting, while
	// the component refund math stays order-level.
	LineAmounts map[string]decimal.Decimal

	Strict bool
	Reason string
}

func (a Adjustment) mode() AdjustMode {
	if a.Mode == "" {
		return ModeAuto
	}
	return a.Mode
}

func (a Adjustment) eventType() EventType {
	if a.EventType == "" {
		return EventRefund
	}
	return a.EventType
}

// Skip reasons recorded on refund lines that contribute zero.
const (
	SkipNonRefundable = "non_refundable"
	SkipBehaviorFixed = "behavior_fixed_only"
	SkipBehaviorNone  = "behavior_none"
	SkipNotApplied    = "not_applied"
)

// RefundLine is one component's contribution to a refund plan. Refund is
// a positive magnitude; the ledger negates it on the adjustment entry.
type RefundLine struct {
	ComponentID    string
	OriginalAmount decimal.Decimal
	Refund         decimal.Decimal
	Behavior       RefundBehavior
	Skipped        bool
	SkipReason     string
}

// Coverage partitions the original lines when explicit per-line refund
// amounts are given.
type Coverage struct {
	AffectedLines   []string
	UnaffectedLines []string
}

// RefundPlan is the computed component-level refund for an adjustment.
type RefundPlan struct {
	Ratio       decimal.Decimal
	Lines       []RefundLine
	TotalRefund decimal.Decimal
	Coverage    *Coverage

	// GlobalFallback marks a non-strict plan computed without a
	// breakdown (simple global-proportional refund).
	GlobalFallback bool
}

// BuildRefundPlan computes the component-aware refund for an AUTO-mode
// adjustment. Pure: consults only the original entry and the adjustment.
func BuildRefundPlan(original *Entry, adj Adjustment, precision int32) (*RefundPlan, error) {
	if adj.Strict && adj.Currency != "" && adj.Currency != original.Currency {
		return nil, coded(CodeCurrencyMismatch, ErrCurrencyMismatch,
			"adjustment currency %s does not match entry currency %s", adj.Currency, original.Currency)
	}

	base := original.InputSnapshot.OrderBase
	if adj.Strict && adj.Amount.GreaterThan(base) {
		return nil, coded(CodeExceedsOriginal, ErrExceedsOriginal,
			"refund %s exceeds original order base %s", adj.Amount.String(), base.String())
	}

	ratio := SafeRatio(adj.Amount, base)
	plan := &RefundPlan{Ratio: ratio}

	if len(original.Breakdown) == 0 {
		if adj.Strict {
			return nil, coded(CodeNoBreakdown, ErrNoBreakdown,
				"entry %s has no breakdown", original.EntryID)
		}
		// Simple global-proportional fallback.
		plan.GlobalFallback = true
		plan.TotalRefund = original.TotalFee.Mul(ratio).Round(precision)
		plan.Coverage = coverageFor(original, adj)
		return plan, nil
	}

	for _, b := range original.Breakdown {
		line := RefundLine{
			ComponentID:    b.ComponentID,
			OriginalAmount: b.Amount,
			Behavior:       b.Refund.behavior(),
		}

		switch {
		case !b.Applied || b.Amount.IsZero():
			line.Skipped = true
			line.SkipReason = SkipNotApplied
		case b.HasTag(TagNonRefundable) || !b.Refund.refundable():
			line.Skipped = true
			line.SkipReason = SkipNonRefundable
		default:
			line.Refund = componentRefund(b, ratio, precision)
			if line.Refund.IsZero() && line.Behavior != RefundProportional {
				line.Skipped = true
				switch line.Behavior {
				case RefundFixedOnly:
					line.SkipReason = SkipBehaviorFixed
				case RefundNone:
					line.SkipReason = SkipBehaviorNone
				}
			}
		}

		plan.TotalRefund = plan.TotalRefund.Add(line.Refund)
		plan.Lines = append(plan.Lines, line)
	}

	plan.Coverage = coverageFor(original, adj)
	return plan, nil
}

// componentRefund applies the component's refund behavior and clamp.
func componentRefund(b BreakdownEntry, ratio decimal.Decimal, precision int32) decimal.Decimal {
	switch b.Refund.behavior() {
	case RefundNone:
		return decimal.Zero
	case RefundFixedOnly:
		if b.Type != TypeFixedUnit && b.Type != TypeFixedOrder {
			return decimal.Zero
		}
	}

	refund := b.Amount.Mul(ratio).Round(precision)
	if b.Refund.capToOriginal() {
		// Never refund more than the component originally charged, in
		// either sign direction.
		if b.Amount.IsNegative() {
			if refund.LessThan(b.Amount) {
				refund = b.Amount
			}
		} else if refund.GreaterThan(b.Amount) {
			refund = b.Amount
		}
	}
	return refund
}

// coverageFor validates explicit per-line refund amounts against the
// original allocation and partitions lines for reporting.
func coverageFor(original *Entry, adj Adjustment) *Coverage {
	if len(adj.LineAmounts) == 0 {
		return nil
	}
	cov := &Coverage{}
	affected := make(map[string]bool, len(adj.LineAmounts))
	for id := range adj.LineAmounts {
		affected[id] = true
	}
	for _, a := range original.Allocation {
		if affected[a.LineID] {
			cov.AffectedLines = append(cov.AffectedLines, a.LineID)
		} else {
			cov.UnaffectedLines = append(cov.UnaffectedLines, a.LineID)
		}
	}
	return cov
}

// validateLineAmounts ensures every referenced line exists on the
// original entry.
func validateLineAmounts(original *Entry, adj Adjustment) error {
	if len(adj.LineAmounts) == 0 {
		return nil
	}
	known := make(map[string]bool, len(original.Allocation))
	for _, a := range original.Allocation {
		known[a.LineID] = true
	}
	for id := range adj.LineAmounts {
		if !known[id] {
			return coded(CodeLineNotFound, ErrLineNotFound,
				"line %q not present on entry %s", id, original.EntryID)
		}
	}
	return nil
}
