package factory_test

import (
	"testing"

	"github.com/warp/fee-engine/factory"
	"github.com/warp/fee-engine/fee"
)

// =============================================================================
// PARSING TESTS
// =============================================================================

func TestParse_FullPolicy(t *testing.T) {
	// GIVEN: A JSON policy with a rate component and a cap
	// WHEN: Parsing
	// THEN: A validated fee.Policy with every field mapped

	policy, err := factory.ParseString(`{
		"key": "marketplace-eu",
		"version": 3,
		"name": "EU Marketplace Fees",
		"currency": "EUR",
		"precision": 2,
		"components": [
			{
				"id": "commission",
				"type": "rate",
				"base": "net",
				"rate": "5",
				"tags": ["commission"]
			},
			{
				"id": "commission-cap",
				"type": "cap",
				"precedence": 100,
				"cap": {"max": "30", "targets": {"ids": ["commission"]}}
			}
		]
	}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if policy.Key != "marketplace-eu" || policy.Version != 3 || policy.Currency != "EUR" {
		t.Errorf("unexpected policy header: %+v", policy)
	}
	if len(policy.Components) != 2 {
		t.Fatalf("expected 2 components, got %d", len(policy.Components))
	}

	commission := policy.Component("commission")
	if commission.Type != fee.TypeRate {
		t.Errorf("expected rate type, got %s", commission.Type)
	}
	if !commission.Rate.Equal(fee.Dec("5")) {
		t.Errorf("expected rate 5, got %s", commission.Rate)
	}

	cap := policy.Component("commission-cap")
	if cap.Cap == nil || cap.Cap.Max == nil || !cap.Cap.Max.Equal(fee.Dec("30")) {
		t.Errorf("unexpected cap spec: %+v", cap.Cap)
	}
	if len(cap.Cap.Targets.IDs) != 1 || cap.Cap.Targets.IDs[0] != "commission" {
		t.Errorf("unexpected cap targets: %+v", cap.Cap.Targets)
	}
}

func TestParse_VersionDefaultsToOne(t *testing.T) {
	policy, err := factory.ParseString(`{
		"key": "web", "currency": "EUR",
		"components": [{"id": "c", "type": "rate", "rate": "5"}]
	}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if policy.Version != 1 {
		t.Errorf("expected default version 1, got %d", policy.Version)
	}
}

func TestParse_DecimalAcceptsNumbersAndStrings(t *testing.T) {
	// GIVEN: One rate as a JSON number, one as a string
	// WHEN: Parsing
	// THEN: Both land as the same decimal value

	policy, err := factory.ParseString(`{
		"key": "web", "currency": "EUR",
		"components": [
			{"id": "a", "type": "rate", "rate": 2.9},
			{"id": "b", "type": "rate", "rate": "2.9"}
		]
	}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !policy.Component("a").Rate.Equal(policy.Component("b").Rate) {
		t.Errorf("expected equal rates, got %s vs %s",
			policy.Component("a").Rate, policy.Component("b").Rate)
	}
}

func TestParse_NestedAddBase(t *testing.T) {
	// GIVEN: A base of {"add": ["net", {"add": ["tax", "shipping"]}]}
	// WHEN: Parsing
	// THEN: The add-tree nests correctly

	policy, err := factory.ParseString(`{
		"key": "web", "currency": "EUR",
		"components": [
			{"id": "c", "type": "rate", "rate": "5",
			 "base": {"add": ["net", {"add": ["tax", "shipping"]}]}}
		]
	}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	base := policy.Component("c").Base
	if base == nil || len(base.Add) != 2 {
		t.Fatalf("expected add-node with 2 children, got %+v", base)
	}
	if base.Add[0].Field != "net" {
		t.Errorf("expected first child net, got %q", base.Add[0].Field)
	}
	if len(base.Add[1].Add) != 2 || base.Add[1].Add[0].Field != "tax" {
		t.Errorf("unexpected nested add-node: %+v", base.Add[1])
	}
}

func TestParse_RefundInversions(t *testing.T) {
	// GIVEN: refundable=false and cap_to_original=false in JSON
	// WHEN: Parsing
	// THEN: The zero-value-friendly inverted flags are set

	policy, err := factory.ParseString(`{
		"key": "web", "currency": "EUR",
		"components": [
			{"id": "c", "type": "fixed_order", "fixed": "0.30",
			 "refund": {"refundable": false, "behavior": "none", "cap_to_original": false}}
		]
	}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r := policy.Component("c").Refund
	if !r.NonRefundable {
		t.Error("expected NonRefundable set")
	}
	if r.Behavior != fee.RefundNone {
		t.Errorf("expected behavior none, got %s", r.Behavior)
	}
	if !r.NoCapToOriginal {
		t.Error("expected NoCapToOriginal set")
	}
}

func TestParse_TierAndSelector(t *testing.T) {
	policy, err := factory.ParseString(`{
		"key": "web", "currency": "EUR",
		"components": [
			{"id": "t", "type": "tier",
			 "tier": {"by": "quantity", "tiers": [
				{"max": "100", "rate": "10"},
				{"min": "100.01", "fixed": "40"}
			 ]}},
			{"id": "s", "type": "rate", "rate": "5", "scope": "line",
			 "lines": {"where": [{"field": "category", "op": "eq", "value": "book"}],
			           "any_of": [{"field": "region", "op": "in", "value": "eu,uk"}]}}
		]
	}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tier := policy.Component("t").Tier
	if tier.By != "quantity" || len(tier.Tiers) != 2 {
		t.Fatalf("unexpected tier spec: %+v", tier)
	}
	if tier.Tiers[1].Fixed == nil || !tier.Tiers[1].Fixed.Equal(fee.Dec("40")) {
		t.Errorf("unexpected second bracket: %+v", tier.Tiers[1])
	}

	sel := policy.Component("s").Lines
	if sel == nil || len(sel.Where) != 1 || len(sel.AnyOf) != 1 {
		t.Fatalf("unexpected selector: %+v", sel)
	}
	if sel.AnyOf[0].Op != fee.OpIn {
		t.Errorf("expected in operator, got %s", sel.AnyOf[0].Op)
	}
}

// =============================================================================
// VALIDATION TESTS
// =============================================================================

func TestParse_UnknownType_Rejected(t *testing.T) {
	_, err := factory.ParseString(`{
		"key": "web", "currency": "EUR",
		"components": [{"id": "x", "type": "markup"}]
	}`)
	if err == nil {
		t.Fatal("expected error for unknown component type")
	}
	if fee.CodeOf(err) != fee.CodeInvalidComponent {
		t.Errorf("expected code %s, got %s", fee.CodeInvalidComponent, fee.CodeOf(err))
	}
}

func TestParse_UnknownBaseField_Rejected(t *testing.T) {
	_, err := factory.ParseString(`{
		"key": "web", "currency": "EUR",
		"components": [{"id": "x", "type": "rate", "rate": "5", "base": "discount"}]
	}`)
	if err == nil {
		t.Fatal("expected error for unknown base field")
	}
	if fee.CodeOf(err) != fee.CodeMissingBaseField {
		t.Errorf("expected code %s, got %s", fee.CodeMissingBaseField, fee.CodeOf(err))
	}
}

func TestParse_MalformedJSON_Rejected(t *testing.T) {
	if _, err := factory.ParseString(`{"key": `); err == nil {
		t.Fatal("expected error for malformed json")
	}
}

func TestParse_CapWithoutBounds_Rejected(t *testing.T) {
	_, err := factory.ParseString(`{
		"key": "web", "currency": "EUR",
		"components": [{"id": "cap", "type": "cap", "cap": {"targets": {"ids": ["a"]}}}]
	}`)
	if err == nil {
		t.Fatal("expected error for cap without bounds")
	}
}

// =============================================================================
// ROUND-TRIP TESTS
// =============================================================================

func TestRender_RoundTrip_PreservesHash(t *testing.T) {
	// GIVEN: A policy exercising tiers, caps, overrides and refunds
	// WHEN: Rendering to JSON and parsing back
	// THEN: The content hash is identical

	original, err := factory.ParseString(`{
		"key": "web", "version": 2, "name": "Web", "currency": "EUR", "precision": 2,
		"components": [
			{"id": "commission", "type": "rate", "base": {"add": ["net", "shipping"]},
			 "rate": "5", "tags": ["commission"], "proration": "by_gross",
			 "conditions": [{"field": "channel_key", "op": "eq", "value": "web"}]},
			{"id": "tiered", "type": "tier", "precedence": 10,
			 "tier": {"tiers": [{"max": "100", "rate": "10"}, {"min": "100.01", "rate": "5"}]}},
			{"id": "processing", "type": "fixed_order", "fixed": "0.30", "precedence": 20,
			 "refund": {"refundable": false}},
			{"id": "cap", "type": "cap", "precedence": 100,
			 "cap": {"max": "250", "targets": {"tags": ["commission"]}}},
			{"id": "waiver", "type": "override", "precedence": 200,
			 "override": {"exclude_tags": ["promo"], "reason": "launch"}}
		]
	}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rendered, err := factory.Render(original)
	if err != nil {
		t.Fatalf("unexpected render error: %v", err)
	}

	reparsed, err := factory.Parse(rendered)
	if err != nil {
		t.Fatalf("unexpected reparse error: %v", err)
	}

	if original.Hash() != reparsed.Hash() {
		t.Errorf("hash changed across render/parse round trip:\n%s", rendered)
	}
}
