/*
allocation.go - Per-line distribution of component amounts

PURPOSE:
  Splits each applied component's final amount across its applicable
  lines using the component's proration method. The last line in
  iteration order absorbs any rounding remainder so per-line sums
  reconcile exactly to the component total (ties broken by line
  declaration order).

WEIGHTS:
  BY_NET:      line net / sum of nets over applicable lines
  BY_GROSS:    line gross / sum of grosses
  BY_QUANTITY: line quantity / sum of quantities
  EQUAL:       1 / line count

  A zero weight denominator degrades to EQUAL so a component amount is
  never silently dropped.

SEE ALSO:
  - engine.go: Calls allocate after caps/overrides finalize amounts
*/
package fee

import (
	"github.com/shopspring/decimal"
)

// allocate distributes final breakdown amounts across lines. Every
// transaction line gets an allocation entry, even when no component
// touches it, so callers can join against the input by line id.
func allocate(tx Transaction, breakdown []BreakdownEntry, precision int32) []AllocationEntry {
	if len(tx.Lines) == 0 {
		return nil
	}

	entries := make([]AllocationEntry, len(tx.Lines))
	index := make(map[string]*AllocationEntry, len(tx.Lines))
	for i, l := range tx.Lines {
		entries[i] = AllocationEntry{LineID: l.LineID}
		index[l.LineID] = &entries[i]
	}

	for i := range breakdown {
		b := &breakdown[i]
		if !b.Applied || b.Amount.IsZero() || len(b.LineIDs) == 0 {
			continue
		}

		lines := make([]Line, 0, len(b.LineIDs))
		for _, id := range b.LineIDs {
			if l := tx.Line(id); l != nil {
				lines = append(lines, *l)
			}
		}
		if len(lines) == 0 {
			continue
		}

		weights := prorationWeights(lines, b.Proration)

		var distributed decimal.Decimal
		for j, l := range lines {
			var portion decimal.Decimal
			if j == len(lines)-1 {
				// Remainder-to-last-line: exact reconciliation.
				portion = b.Amount.Sub(distributed)
			} else {
				portion = b.Amount.Mul(weights[j]).Round(precision)
				distributed = distributed.Add(portion)
			}

			alloc := index[l.LineID]
			alloc.FeeAmount = alloc.FeeAmount.Add(portion)
			alloc.Components = append(alloc.Components, LineComponent{
				ComponentID: b.ComponentID,
				Amount:      portion,
				Proration:   b.Proration,
				Weight:      weights[j],
			})
		}
	}

	return entries
}

// prorationWeights computes each line's fraction of the component amount
// at the internal ratio scale.
func prorationWeights(lines []Line, method ProrationMethod) []decimal.Decimal {
	var total decimal.Decimal
	raw := make([]decimal.Decimal, len(lines))
	for i, l := range lines {
		switch method {
		case ProrateByGross:
			raw[i] = l.Gross
		case ProrateByQuantity:
			raw[i] = l.Quantity
		case ProrateEqual:
			raw[i] = decimal.NewFromInt(1)
		default: // ProrateByNet
			raw[i] = l.Net
		}
		total = total.Add(raw[i])
	}

	weights := make([]decimal.Decimal, len(lines))
	if total.IsZero() {
		equal := decimal.NewFromInt(1).DivRound(decimal.NewFromInt(int64(len(lines))), ratioScale)
		for i := range weights {
			weights[i] = equal
		}
		return weights
	}
	for i := range weights {
		weights[i] = raw[i].DivRound(total, ratioScale)
	}
	return weights
}
