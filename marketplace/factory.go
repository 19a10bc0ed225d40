/*
Package marketplace provides marketplace-specific fee policy presets.

The JSON helpers here construct policy documents for the factory package.
They build JSON strings directly to avoid import cycles with factory.

USAGE:
  import "github.com/warp/fee-engine/marketplace"

  jsonStr := marketplace.CommissionJSON("mp-eu", "EUR", "5", "30")
  policy, err := factory.ParseString(jsonStr)
*/
package marketplace

import (
	"encoding/json"
)

// CommissionJSON returns JSON for a flat-rate commission policy with an
// optional cap (capMax == "" for none).
func CommissionJSON(key, currency, ratePct, capMax string) string {
	components := []map[string]interface{}{
		{
			"id":   "commission",
			"name": "Commission",
			"type": "rate",
			"base": "net",
			"rate": ratePct,
			"tags": []string{"commission"},
		},
	}
	if capMax != "" {
		components = append(components, map[string]interface{}{
			"id":         "commission-cap",
			"name":       "Commission Cap",
			"type":       "cap",
			"precedence": 100,
			"cap": map[string]interface{}{
				"max":     capMax,
				"targets": map[string]interface{}{"tags": []string{"commission"}},
			},
		})
	}
	return render(key, "Flat Commission", currency, components)
}

// PaymentFeesJSON returns JSON for processor-style payment fees.
func PaymentFeesJSON(key, currency, ratePct, fixedPerOrder string) string {
	return render(key, "Payment Processing", currency, []map[string]interface{}{
		{
			"id":         "payment-rate",
			"name":       "Payment Fee",
			"type":       "rate",
			"precedence": 20,
			"base":       "gross",
			"rate":       ratePct,
			"tags":       []string{"payment"},
		},
		{
			"id":         "payment-fixed",
			"name":       "Payment Fixed Fee",
			"type":       "fixed_order",
			"precedence": 21,
			"fixed":      fixedPerOrder,
			"tags":       []string{"payment"},
			"refund":     map[string]interface{}{"refundable": false},
		},
	})
}

// ListingFeesJSON returns JSON for a non-refundable per-item listing fee.
func ListingFeesJSON(key, currency, perItem string) string {
	return render(key, "Listing Fees", currency, []map[string]interface{}{
		{
			"id":         "listing",
			"name":       "Listing Fee",
			"type":       "fixed_unit",
			"precedence": 30,
			"fixed":      perItem,
			"tags":       []string{"listing", "non_refundable"},
		},
	})
}

// TieredCommissionJSON returns JSON for a tiered commission. tiers maps
// exclusive upper bounds to rates; pass "" as the last bound for an open
// bracket.
func TieredCommissionJSON(key, currency string, tiers []CommissionTier) string {
	var rows []map[string]interface{}
	lower := ""
	for _, t := range tiers {
		row := map[string]interface{}{"rate": t.RatePct}
		if lower != "" {
			row["min"] = lower
		}
		if t.UpTo != "" {
			row["max"] = t.UpTo
			lower = t.UpTo
		}
		rows = append(rows, row)
	}
	return render(key, "Tiered Commission", currency, []map[string]interface{}{
		{
			"id":   "commission",
			"name": "Tiered Commission",
			"type": "tier",
			"tier": map[string]interface{}{"tiers": rows},
			"tags": []string{"commission"},
		},
	})
}

func render(key, name, currency string, components []map[string]interface{}) string {
	pj := map[string]interface{}{
		"key":        key,
		"version":    1,
		"name":       name,
		"currency":   currency,
		"precision":  2,
		"components": components,
	}
	b, _ := json.MarshalIndent(pj, "", "  ")
	return string(b)
}
