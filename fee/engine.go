/*
engine.go - The fee calculation algorithm

PURPOSE:
  Consumes a transaction + policy and produces the per-component breakdown
  and per-line allocation. This is the algorithmic heart of the module.

ALGORITHM:
  1. Sort components by precedence ascending (stable - ties keep
     declaration order)
  2. Evaluate each component's conditions; failures are recorded as
     skipped entries (condition_not_met), never dropped
  3. Resolve the component's line scope (all lines, or those passing the
     line selector)
  4. Evaluate the base spec (field or add-tree) over the resolved scope
  5. Compute the raw amount by component type; CAP and OVERRIDE instead
     rewrite previously recorded breakdown amounts - this is why ordering
     is load-bearing
  6. Allocate final amounts across lines by proration weight, remainder
     to the last line so per-line sums reconcile exactly
  7. Sign the result for idempotent replay detection

PURITY:
  Calculate is pure and synchronous: no I/O, no shared mutable state,
  safe to call concurrently on independent inputs. Structural failures
  (missing base field, invalid component type) return coded errors;
  soft anomalies (unmatched tier, capless target) become warnings on a
  successful result.

SEE ALSO:
  - allocation.go: Proration across lines
  - signature.go: Canonical hashing
  - ledger.go: The only caller that persists results
*/
package fee

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// CalcOptions tune a single calculation. The zero value is the standard
// settlement configuration.
type CalcOptions struct {
	// SkipSignature omits signature computation (simulations that will
	// never be persisted).
	SkipSignature bool
}

// Calculate computes the fee breakdown and allocation for a transaction
// under a policy. The transaction currency, when set, must already match
// the policy; the ledger enforces that boundary.
func Calculate(tx Transaction, policy *Policy, opts CalcOptions) (*Result, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	res := &Result{
		Currency:   policy.Currency,
		PolicyHash: policy.Hash(),
		Precision:  policy.Precision,
	}
	if len(tx.Lines) == 0 {
		res.Warnings = append(res.Warnings, Warning{
			Code:    WarnEmptyOrder,
			Message: "transaction has no lines",
		})
	}

	octx := orderContext(tx)

	for _, comp := range policy.SortedComponents() {
		comp := comp
		entry := BreakdownEntry{
			ComponentID: comp.ID,
			Name:        comp.Name,
			Type:        comp.Type,
			Scope:       comp.scope(),
			Tags:        append([]string(nil), comp.Tags...),
			Refund:      comp.Refund,
			Proration:   comp.proration(),
		}

		if !evalConditions(comp.Conditions, octx) {
			entry.DiscardReason = DiscardConditionNotMet
			res.Breakdown = append(res.Breakdown, entry)
			continue
		}

		lines := selectLines(tx.Lines, comp.scope(), comp.Lines)
		for _, l := range lines {
			entry.LineIDs = append(entry.LineIDs, l.LineID)
		}
		if comp.scope() == ScopeLine && len(lines) == 0 && comp.Type != TypeCap && comp.Type != TypeOverride {
			entry.DiscardReason = DiscardNoLinesMatched
			res.Breakdown = append(res.Breakdown, entry)
			continue
		}

		base, err := evalBase(comp.base(), tx, comp.scope(), lines)
		if err != nil {
			return nil, err
		}
		entry.BaseUsed = base

		switch comp.Type {
		case TypeRate, TypeRatePP:
			rate := comp.Rate
			entry.Amount = ApplyRate(base, rate, policy.Precision)
			entry.RateApplied = &rate
			entry.Applied = true

		case TypeFixedUnit:
			qty := quantityOf(tx, comp.scope(), lines)
			fixed := comp.Fixed
			entry.Amount = fixed.Mul(qty).Round(policy.Precision)
			entry.FixedUsed = &fixed
			entry.Applied = true

		case TypeFixedOrder:
			fixed := comp.Fixed
			entry.Amount = fixed.Round(policy.Precision)
			entry.FixedUsed = &fixed
			entry.Applied = true

		case TypeTier:
			applyTier(&entry, &comp, tx, lines, base, policy.Precision, res)

		case TypeCap:
			applyCap(&entry, &comp, policy.Precision, res)

		case TypeOverride:
			applyOverride(&entry, &comp, res)

		default:
			return nil, &Error{
				Code:    CodeInvalidComponent,
				Message: fmt.Sprintf("component %q: unknown type %q", comp.ID, comp.Type),
			}
		}

		res.Breakdown = append(res.Breakdown, entry)
	}

	// Running total over final (post-cap, post-override) amounts.
	for i := range res.Breakdown {
		res.TotalFee = res.TotalFee.Add(res.Breakdown[i].Amount)
	}

	res.Allocation = allocate(tx, res.Breakdown, policy.Precision)

	if !opts.SkipSignature {
		res.Signature = signResult(res.PolicyHash, tx, res)
	}
	return res, nil
}

// =============================================================================
// COMPONENT TYPE HANDLERS
// =============================================================================

func applyTier(entry *BreakdownEntry, comp *Component, tx Transaction, lines []Line, base decimal.Decimal, precision int32, res *Result) {
	matchBase := base
	if comp.Tier.By != "" && comp.Tier.By != comp.base().canonical() {
		if b, err := evalBase(Field(comp.Tier.By), tx, comp.scope(), lines); err == nil {
			matchBase = b
		}
	}

	for i, tier := range comp.Tier.Tiers {
		if !tier.Contains(matchBase) {
			continue
		}
		idx := i
		entry.TierIndex = &idx
		entry.Applied = true
		switch {
		case tier.Rate != nil:
			entry.Amount = ApplyRate(base, *tier.Rate, precision)
			entry.RateApplied = tier.Rate
		case tier.Fixed != nil:
			entry.Amount = tier.Fixed.Round(precision)
			entry.FixedUsed = tier.Fixed
		}
		return
	}

	// Base outside every bracket: skipped with amount zero, never an error.
	entry.DiscardReason = DiscardNoTierMatch
	res.Warnings = append(res.Warnings, Warning{
		Code:        WarnNoTierMatch,
		ComponentID: comp.ID,
		Message:     fmt.Sprintf("base %s matched no tier bracket", matchBase.String()),
	})
}

// applyCap clamps the summed amount of previously applied target
// components to [min, max] and redistributes the delta proportionally to
// their original amounts, remainder to the last target, so the breakdown
// still reconciles to the capped total.
func applyCap(entry *BreakdownEntry, comp *Component, precision int32, res *Result) {
	entry.Applied = true

	var targets []*BreakdownEntry
	for i := range res.Breakdown {
		b := &res.Breakdown[i]
		if b.Applied && comp.Cap.Targets.Matches(b) {
			targets = append(targets, b)
		}
	}
	if len(targets) == 0 {
		res.Warnings = append(res.Warnings, Warning{
			Code:        WarnCapNoTargets,
			ComponentID: comp.ID,
			Message:     "cap matched no prior components",
		})
		return
	}

	var sum decimal.Decimal
	for _, t := range targets {
		sum = sum.Add(t.Amount)
	}

	clamped := sum
	if comp.Cap.Max != nil && clamped.GreaterThan(*comp.Cap.Max) {
		clamped = *comp.Cap.Max
	}
	if comp.Cap.Min != nil && clamped.LessThan(*comp.Cap.Min) {
		clamped = *comp.Cap.Min
	}
	clamped = clamped.Round(precision)
	if clamped.Equal(sum) {
		zero := decimal.Zero
		entry.CapDelta = &zero
		return
	}

	delta := sum.Sub(clamped)
	entry.CapDelta = &delta
	entry.BaseUsed = sum

	// Proportional scaling against original amounts; equal split when the
	// original sum is zero (a min-cap lifting zero-amount targets).
	var distributed decimal.Decimal
	for i, t := range targets {
		if i == len(targets)-1 {
			t.Amount = clamped.Sub(distributed)
			break
		}
		var share decimal.Decimal
		if sum.IsZero() {
			share = clamped.DivRound(decimal.NewFromInt(int64(len(targets))), precision)
		} else {
			share = t.Amount.Mul(clamped).DivRound(sum, precision)
		}
		t.Amount = share
		distributed = distributed.Add(share)
	}
}

func applyOverride(entry *BreakdownEntry, comp *Component, res *Result) {
	entry.Applied = true
	entry.OverrideReason = comp.Override.Reason
	for i := range res.Breakdown {
		b := &res.Breakdown[i]
		if !b.Applied || !comp.Override.matches(b) {
			continue
		}
		b.Amount = decimal.Zero
		b.Applied = false
		b.DiscardReason = DiscardOverridden
		b.OverrideReason = comp.Override.Reason
	}
}

// =============================================================================
// SCOPE AND BASE RESOLUTION
// =============================================================================

// selectLines resolves the lines a component applies to. Order-scoped
// components see every line; line-scoped components see only lines
// passing the selector.
func selectLines(lines []Line, scope ComponentScope, sel *LineSelector) []Line {
	if scope == ScopeOrder || sel == nil {
		return lines
	}
	var out []Line
	for _, l := range lines {
		if lineMatches(l, sel) {
			out = append(out, l)
		}
	}
	return out
}

func lineMatches(l Line, sel *LineSelector) bool {
	lctx := lineContext(l)
	for _, c := range sel.Where {
		if !evalCondition(c, lctx) {
			return false
		}
	}
	if len(sel.AnyOf) > 0 {
		any := false
		for _, c := range sel.AnyOf {
			if evalCondition(c, lctx) {
				any = true
				break
			}
		}
		if !any {
			return false
		}
	}
	return true
}

// evalBase evaluates a base spec: a leaf resolves to the named aggregate
// field on the selected scope (summed across lines when line-scoped), an
// add-node sums its children recursively.
func evalBase(spec *BaseSpec, tx Transaction, scope ComponentScope, lines []Line) (decimal.Decimal, error) {
	if spec.Field != "" {
		return resolveField(spec.Field, tx, scope, lines)
	}
	var sum decimal.Decimal
	for _, child := range spec.Add {
		v, err := evalBase(child, tx, scope, lines)
		if err != nil {
			return decimal.Zero, err
		}
		sum = sum.Add(v)
	}
	return sum, nil
}

func resolveField(field string, tx Transaction, scope ComponentScope, lines []Line) (decimal.Decimal, error) {
	if scope == ScopeLine {
		var sum decimal.Decimal
		for _, l := range lines {
			switch field {
			case FieldNet:
				sum = sum.Add(l.Net)
			case FieldGross:
				sum = sum.Add(l.Gross)
			case FieldTax:
				sum = sum.Add(l.Tax)
			case FieldQuantity:
				sum = sum.Add(l.Quantity)
			default:
				return decimal.Zero, &Error{
					Code:    CodeMissingBaseField,
					Message: fmt.Sprintf("field %q is not available on lines", field),
				}
			}
		}
		return sum, nil
	}

	totals := tx.Totals()
	switch field {
	case FieldNet:
		return totals.Net, nil
	case FieldGross:
		return totals.Gross, nil
	case FieldTax:
		return totals.Tax, nil
	case FieldShipping:
		return totals.Shipping, nil
	case FieldQuantity:
		return tx.TotalQuantity(), nil
	default:
		return decimal.Zero, &Error{
			Code:    CodeMissingBaseField,
			Message: fmt.Sprintf("unknown base field %q", field),
		}
	}
}

func quantityOf(tx Transaction, scope ComponentScope, lines []Line) decimal.Decimal {
	if scope == ScopeOrder {
		return tx.TotalQuantity()
	}
	var q decimal.Decimal
	for _, l := range lines {
		q = q.Add(l.Quantity)
	}
	return q
}

// =============================================================================
// CONDITION EVALUATION
// =============================================================================

func orderContext(tx Transaction) map[string]string {
	totals := tx.Totals()
	ctx := map[string]string{
		"channel_key":    tx.ChannelKey,
		"currency":       tx.Currency,
		"transaction_id": tx.TransactionID,
		FieldNet:         totals.Net.String(),
		FieldGross:       totals.Gross.String(),
		FieldTax:         totals.Tax.String(),
		FieldShipping:    totals.Shipping.String(),
		FieldQuantity:    tx.TotalQuantity().String(),
		"line_count":     fmt.Sprintf("%d", len(tx.Lines)),
	}
	for k, v := range tx.Attributes {
		ctx[k] = v
	}
	return ctx
}

func lineContext(l Line) map[string]string {
	ctx := map[string]string{
		"line_id":     l.LineID,
		FieldNet:      l.Net.String(),
		FieldGross:    l.Gross.String(),
		FieldTax:      l.Tax.String(),
		FieldQuantity: l.Quantity.String(),
	}
	for k, v := range l.Attributes {
		ctx[k] = v
	}
	return ctx
}

func evalConditions(conds []Condition, ctx map[string]string) bool {
	for _, c := range conds {
		if !evalCondition(c, ctx) {
			return false
		}
	}
	return true
}

// evalCondition compares numerically when both sides parse as decimals,
// otherwise as strings. A missing field fails every operator except ne.
func evalCondition(c Condition, ctx map[string]string) bool {
	actual, ok := ctx[c.Field]
	if !ok {
		return c.Op == OpNe
	}

	if c.Op == OpIn {
		av, aerr := decimal.NewFromString(actual)
		for _, candidate := range strings.Split(c.Value, ",") {
			candidate = strings.TrimSpace(candidate)
			if candidate == actual {
				return true
			}
			if aerr == nil {
				if cv, err := decimal.NewFromString(candidate); err == nil && av.Equal(cv) {
					return true
				}
			}
		}
		return false
	}

	av, aerr := decimal.NewFromString(actual)
	ev, eerr := decimal.NewFromString(c.Value)
	if aerr == nil && eerr == nil {
		cmp := av.Cmp(ev)
		switch c.Op {
		case OpEq:
			return cmp == 0
		case OpNe:
			return cmp != 0
		case OpGt:
			return cmp > 0
		case OpGte:
			return cmp >= 0
		case OpLt:
			return cmp < 0
		case OpLte:
			return cmp <= 0
		}
		return false
	}

	switch c.Op {
	case OpEq:
		return actual == c.Value
	case OpNe:
		return actual != c.Value
	case OpGt:
		return actual > c.Value
	case OpGte:
		return actual >= c.Value
	case OpLt:
		return actual < c.Value
	case OpLte:
		return actual <= c.Value
	}
	return false
}
