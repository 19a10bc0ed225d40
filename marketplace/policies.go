/*
policies.go - Pre-built marketplace fee policy configurations

PURPOSE:
  Provides ready-to-use fee policies for common marketplace setups. These
  are convenience functions that assemble components (commission, payment
  fees, caps, per-item charges) according to typical marketplace patterns.

AVAILABLE POLICIES:
  CommissionPolicy:        Flat-rate commission on order net with a cap
  TieredCommissionPolicy:  Commission rate drops as order net grows
  PaymentFeesPolicy:       Processor-style rate + fixed per order
  ListingFeesPolicy:       Non-refundable fixed charge per item
  CategoryCommissionPolicy: Line-scoped commission for one category,
                           flat rate for the rest
  FullStackPolicy:         Commission + payment fees + listing fee + cap,
                           the usual production combination

CUSTOMIZATION:
  These are starting points. Real marketplaces often need:
  - Customer-group conditions (wholesale vs retail)
  - Channel-specific precedence overrides
  - Seasonal promotional overrides
  - Per-category tier tables

EXAMPLE:
  policy := marketplace.CommissionPolicy("mp-eu", "EUR", "5", "30")
  result, err := fee.Calculate(tx, policy, fee.CalcOptions{})

SEE ALSO:
  - factory.go: JSON string equivalents of these presets
  - fee/policy.go: Policy type definition
  - factory/policy.go: JSON-based policy creation
*/
package marketplace

import (
	"github.com/shopspring/decimal"

	"github.com/warp/fee-engine/fee"
)

// =============================================================================
// COMMON MARKETPLACE POLICIES
// =============================================================================

// CommissionPolicy returns a flat-rate commission on order net, capped at
// capMax. Pass capMax == "" for no cap.
func CommissionPolicy(key, currency, ratePct, capMax string) *fee.Policy {
	p := &fee.Policy{
		Key:       key,
		Version:   1,
		Name:      "Flat Commission",
		Currency:  currency,
		Precision: 2,
		Components: []fee.Component{{
			ID:         "commission",
			Name:       "Commission",
			Type:       fee.TypeRate,
			Precedence: 10,
			Rate:       dec(ratePct),
			Tags:       []string{"commission"},
		}},
	}
	if capMax != "" {
		max := dec(capMax)
		p.Components = append(p.Components, fee.Component{
			ID:         "commission-cap",
			Name:       "Commission Cap",
			Type:       fee.TypeCap,
			Precedence: 100,
			Cap: &fee.CapSpec{
				Max:     &max,
				Targets: fee.TargetSelector{Tags: []string{"commission"}},
			},
		})
	}
	return p
}

// CommissionTier is one bracket of a tiered commission table.
type CommissionTier struct {
	UpTo    string // inclusive upper bound as decimal string, "" for open
	RatePct string
}

// TieredCommissionPolicy returns a commission whose rate depends on the
// order net. Brackets are contiguous: each UpTo becomes the next
// bracket's lower bound; a value sitting exactly on an UpTo belongs to
// the earlier bracket (first match wins).
func TieredCommissionPolicy(key, currency string, tiers []CommissionTier) *fee.Policy {
	spec := &fee.TierSpec{}
	var lower *decimal.Decimal
	for _, t := range tiers {
		tier := fee.Tier{Min: lower}
		rate := dec(t.RatePct)
		tier.Rate = &rate
		if t.UpTo != "" {
			max := dec(t.UpTo)
			tier.Max = &max
			next := max
			lower = &next
		}
		spec.Tiers = append(spec.Tiers, tier)
	}
	return &fee.Policy{
		Key:       key,
		Version:   1,
		Name:      "Tiered Commission",
		Currency:  currency,
		Precision: 2,
		Components: []fee.Component{{
			ID:         "commission",
			Name:       "Tiered Commission",
			Type:       fee.TypeTier,
			Precedence: 10,
			Tier:       spec,
			Tags:       []string{"commission"},
		}},
	}
}

// PaymentFeesPolicy returns processor-style fees: ratePct of order gross
// plus a fixed amount per order. Payment fees conventionally do not come
// back on refunds, so the fixed part is fixed-only refundable.
func PaymentFeesPolicy(key, currency, ratePct, fixedPerOrder string) *fee.Policy {
	return &fee.Policy{
		Key:       key,
		Version:   1,
		Name:      "Payment Processing",
		Currency:  currency,
		Precision: 2,
		Components: []fee.Component{
			{
				ID:         "payment-rate",
				Name:       "Payment Fee",
				Type:       fee.TypeRate,
				Precedence: 20,
				Base:       fee.Field(fee.FieldGross),
				Rate:       dec(ratePct),
				Tags:       []string{"payment"},
			},
			{
				ID:         "payment-fixed",
				Name:       "Payment Fixed Fee",
				Type:       fee.TypeFixedOrder,
				Precedence: 21,
				Fixed:      dec(fixedPerOrder),
				Tags:       []string{"payment"},
				Refund:     fee.RefundConfig{NonRefundable: true},
			},
		},
	}
}

// ListingFeesPolicy returns a non-refundable fixed charge per item
// quantity. Listing fees are earned when the listing is placed, not when
// the order survives.
func ListingFeesPolicy(key, currency, perItem string) *fee.Policy {
	return &fee.Policy{
		Key:       key,
		Version:   1,
		Name:      "Listing Fees",
		Currency:  currency,
		Precision: 2,
		Components: []fee.Component{{
			ID:         "listing",
			Name:       "Listing Fee",
			Type:       fee.TypeFixedUnit,
			Precedence: 30,
			Fixed:      dec(perItem),
			Tags:       []string{"listing", fee.TagNonRefundable},
		}},
	}
}

// CategoryCommissionPolicy returns a line-scoped commission with a
// special rate for one category attribute value and a default rate for
// everything else.
func CategoryCommissionPolicy(key, currency, category, categoryRatePct, defaultRatePct string) *fee.Policy {
	return &fee.Policy{
		Key:       key,
		Version:   1,
		Name:      "Category Commission",
		Currency:  currency,
		Precision: 2,
		Components: []fee.Component{
			{
				ID:         "commission-" + category,
				Name:       "Commission (" + category + ")",
				Type:       fee.TypeRate,
				Scope:      fee.ScopeLine,
				Precedence: 10,
				Rate:       dec(categoryRatePct),
				Lines: &fee.LineSelector{
					Where: []fee.Condition{{Field: "category", Op: fee.OpEq, Value: category}},
				},
				Tags: []string{"commission"},
			},
			{
				ID:         "commission-default",
				Name:       "Commission (default)",
				Type:       fee.TypeRate,
				Scope:      fee.ScopeLine,
				Precedence: 11,
				Rate:       dec(defaultRatePct),
				Lines: &fee.LineSelector{
					Where: []fee.Condition{{Field: "category", Op: fee.OpNe, Value: category}},
				},
				Tags: []string{"commission"},
			},
		},
	}
}

// FullStackPolicy combines commission, payment fees, and a per-item
// listing fee, with the commission capped. This is the typical complete
// marketplace fee schedule.
func FullStackPolicy(key, currency string) *fee.Policy {
	capMax := dec("250")
	return &fee.Policy{
		Key:       key,
		Version:   1,
		Name:      "Marketplace Fees",
		Currency:  currency,
		Precision: 2,
		Components: []fee.Component{
			{
				ID:         "commission",
				Name:       "Commission",
				Type:       fee.TypeRate,
				Precedence: 10,
				Rate:       dec("8"),
				Tags:       []string{"commission"},
			},
			{
				ID:         "payment-rate",
				Name:       "Payment Fee",
				Type:       fee.TypeRate,
				Precedence: 20,
				Base:       fee.Field(fee.FieldGross),
				Rate:       dec("2.9"),
				Tags:       []string{"payment"},
			},
			{
				ID:         "payment-fixed",
				Name:       "Payment Fixed Fee",
				Type:       fee.TypeFixedOrder,
				Precedence: 21,
				Fixed:      dec("0.30"),
				Tags:       []string{"payment"},
				Refund:     fee.RefundConfig{NonRefundable: true},
			},
			{
				ID:         "listing",
				Name:       "Listing Fee",
				Type:       fee.TypeFixedUnit,
				Precedence: 30,
				Fixed:      dec("0.10"),
				Tags:       []string{"listing", fee.TagNonRefundable},
			},
			{
				ID:         "commission-cap",
				Name:       "Commission Cap",
				Type:       fee.TypeCap,
				Precedence: 100,
				Cap: &fee.CapSpec{
					Max:     &capMax,
					Targets: fee.TargetSelector{Tags: []string{"commission"}},
				},
			},
		},
	}
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic("marketplace: bad decimal literal " + s)
	}
	return d
}
