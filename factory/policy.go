/*
Package factory provides JSON to Go policy conversion.

PURPOSE:
  Converts JSON policy definitions into fee.Policy values. This enables
  policy configuration without code changes - operations can define fee
  policies in JSON, and the factory creates the proper Go structs.

WHY JSON?
  - Non-developers can modify fee policies
  - Easy integration with an admin UI
  - Version control for policy definitions
  - Database storage of policy configs (see store/sqlite)

JSON SCHEMA:
  {
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
  }

  A base is either a field name ("net") or an add-node
  {"add": ["net", "shipping"]} with arbitrary nesting. Decimal values
  accept both JSON numbers and strings.

KEY FEATURES:
  - Validates the resulting policy structurally (unique ids, known
    types, spec presence) before returning it
  - Sets sensible defaults: order scope, net base, by-net proration,
    refundable proportional refunds
  - Round-trips: Render emits JSON that Parse reads back identically

USAGE:
  // From a JSON document
  policy, err := factory.Parse(jsonBytes)

  // From a domain-specific preset (recommended)
  import "github.com/warp/fee-engine/marketplace"
  policy, err := factory.Parse(marketplace.CommissionJSON("mp-eu", "EUR", "5", "30"))

  // Use in the ledger
  ledger.Settle(ctx, fee.SettleInput{Transaction: tx})

SEE ALSO:
  - fee/policy.go: Policy type definition
  - marketplace/policies.go: Go-based policy presets
  - store/sqlite: stores policy configs as JSON
*/
package factory

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/fee-engine/fee"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// PolicyJSON is the JSON representation of a fee policy.
type PolicyJSON struct {
	Key        string          `json:"key"`
	Version    int             `json:"version"`
	Name       string          `json:"name,omitempty"`
	Currency   string          `json:"currency"`
	Precision  int32           `json:"precision"`
	Components []ComponentJSON `json:"components"`
}

// ComponentJSON is the JSON representation of one component.
type ComponentJSON struct {
	ID         string           `json:"id"`
	Name       string           `json:"name,omitempty"`
	Type       string           `json:"type"`
	Scope      string           `json:"scope,omitempty"`
	Precedence int              `json:"precedence,omitempty"`
	Base       json.RawMessage  `json:"base,omitempty"`
	Tags       []string         `json:"tags,omitempty"`
	Conditions []ConditionJSON  `json:"conditions,omitempty"`
	Lines      *SelectorJSON    `json:"lines,omitempty"`
	Proration  string           `json:"proration,omitempty"`
	Rate       *decimal.Decimal `json:"rate,omitempty"`
	Fixed      *decimal.Decimal `json:"fixed,omitempty"`
	Tier       *TierSpecJSON    `json:"tier,omitempty"`
	Cap        *CapSpecJSON     `json:"cap,omitempty"`
	Override   *OverrideJSON    `json:"override,omitempty"`
	Refund     *RefundJSON      `json:"refund,omitempty"`
}

type ConditionJSON struct {
	Field string `json:"field"`
	Op    string `json:"op"`
	Value string `json:"value"`
}

type SelectorJSON struct {
	Where []ConditionJSON `json:"where,omitempty"`
	AnyOf []ConditionJSON `json:"any_of,omitempty"`
}

type TierSpecJSON struct {
	By    string     `json:"by,omitempty"`
	Tiers []TierJSON `json:"tiers"`
}

type TierJSON struct {
	Min   *decimal.Decimal `json:"min,omitempty"`
	Max   *decimal.Decimal `json:"max,omitempty"`
	Rate  *decimal.Decimal `json:"rate,omitempty"`
	Fixed *decimal.Decimal `json:"fixed,omitempty"`
}

type CapSpecJSON struct {
	Min     *decimal.Decimal `json:"min,omitempty"`
	Max     *decimal.Decimal `json:"max,omitempty"`
	Targets TargetsJSON      `json:"targets"`
}

type TargetsJSON struct {
	IDs    []string `json:"ids,omitempty"`
	Tags   []string `json:"tags,omitempty"`
	Types  []string `json:"types,omitempty"`
	Scopes []string `json:"scopes,omitempty"`
}

type OverrideJSON struct {
	ExcludeIDs  []string `json:"exclude_ids,omitempty"`
	ExcludeTags []string `json:"exclude_tags,omitempty"`
	Reason      string   `json:"reason,omitempty"`
}

type RefundJSON struct {
	Refundable    *bool  `json:"refundable,omitempty"`
	Behavior      string `json:"behavior,omitempty"`
	CapToOriginal *bool  `json:"cap_to_original,omitempty"`
}

// =============================================================================
// PARSING
// =============================================================================

// Parse converts a JSON policy document into a validated fee.Policy.
func Parse(data []byte) (*fee.Policy, error) {
	var pj PolicyJSON
	if err := json.Unmarshal(data, &pj); err != nil {
		return nil, fmt.Errorf("policy json: %w", err)
	}
	return FromJSON(pj)
}

// ParseString is Parse over a string.
func ParseString(s string) (*fee.Policy, error) { return Parse([]byte(s)) }

// FromJSON converts an already-unmarshalled PolicyJSON into a validated
// fee.Policy.
func FromJSON(pj PolicyJSON) (*fee.Policy, error) {
	p := &fee.Policy{
		Key:       pj.Key,
		Version:   pj.Version,
		Name:      pj.Name,
		Currency:  pj.Currency,
		Precision: pj.Precision,
	}
	if p.Version == 0 {
		p.Version = 1
	}

	for _, cj := range pj.Components {
		c, err := componentFromJSON(cj)
		if err != nil {
			return nil, err
		}
		p.Components = append(p.Components, c)
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func componentFromJSON(cj ComponentJSON) (fee.Component, error) {
	c := fee.Component{
		ID:         cj.ID,
		Name:       cj.Name,
		Type:       fee.ComponentType(cj.Type),
		Scope:      fee.ComponentScope(cj.Scope),
		Precedence: cj.Precedence,
		Tags:       cj.Tags,
		Proration:  fee.ProrationMethod(cj.Proration),
	}
	if cj.Rate != nil {
		c.Rate = *cj.Rate
	}
	if cj.Fixed != nil {
		c.Fixed = *cj.Fixed
	}

	if len(cj.Base) > 0 {
		base, err := baseFromJSON(cj.Base)
		if err != nil {
			return c, fmt.Errorf("component %q: %w", cj.ID, err)
		}
		c.Base = base
	}

	for _, cond := range cj.Conditions {
		c.Conditions = append(c.Conditions, conditionFromJSON(cond))
	}
	if cj.Lines != nil {
		sel := &fee.LineSelector{}
		for _, cond := range cj.Lines.Where {
			sel.Where = append(sel.Where, conditionFromJSON(cond))
		}
		for _, cond := range cj.Lines.AnyOf {
			sel.AnyOf = append(sel.AnyOf, conditionFromJSON(cond))
		}
		c.Lines = sel
	}

	if cj.Tier != nil {
		spec := &fee.TierSpec{By: cj.Tier.By}
		for _, t := range cj.Tier.Tiers {
			spec.Tiers = append(spec.Tiers, fee.Tier{Min: t.Min, Max: t.Max, Rate: t.Rate, Fixed: t.Fixed})
		}
		c.Tier = spec
	}
	if cj.Cap != nil {
		c.Cap = &fee.CapSpec{
			Min: cj.Cap.Min,
			Max: cj.Cap.Max,
			Targets: fee.TargetSelector{
				IDs:    cj.Cap.Targets.IDs,
				Tags:   cj.Cap.Targets.Tags,
				Types:  toTypes(cj.Cap.Targets.Types),
				Scopes: toScopes(cj.Cap.Targets.Scopes),
			},
		}
	}
	if cj.Override != nil {
		c.Override = &fee.OverrideSpec{
			ExcludeIDs:  cj.Override.ExcludeIDs,
			ExcludeTags: cj.Override.ExcludeTags,
			Reason:      cj.Override.Reason,
		}
	}

	if cj.Refund != nil {
		if cj.Refund.Refundable != nil {
			c.Refund.NonRefundable = !*cj.Refund.Refundable
		}
		c.Refund.Behavior = fee.RefundBehavior(cj.Refund.Behavior)
		if cj.Refund.CapToOriginal != nil {
			c.Refund.NoCapToOriginal = !*cj.Refund.CapToOriginal
		}
	}

	return c, nil
}

// baseFromJSON accepts either a field name string or an add-node object
// {"add": [child, child, ...]} with arbitrary nesting.
func baseFromJSON(raw json.RawMessage) (*fee.BaseSpec, error) {
	var field string
	if err := json.Unmarshal(raw, &field); err == nil {
		return fee.Field(field), nil
	}

	var node struct {
		Add []json.RawMessage `json:"add"`
	}
	if err := json.Unmarshal(raw, &node); err != nil {
		return nil, fmt.Errorf("base: expected field name or add-node: %w", err)
	}
	if len(node.Add) == 0 {
		return nil, fmt.Errorf("base: add-node needs children")
	}
	spec := &fee.BaseSpec{}
	for _, child := range node.Add {
		cs, err := baseFromJSON(child)
		if err != nil {
			return nil, err
		}
		spec.Add = append(spec.Add, cs)
	}
	return spec, nil
}

func conditionFromJSON(cj ConditionJSON) fee.Condition {
	return fee.Condition{Field: cj.Field, Op: fee.Operator(cj.Op), Value: cj.Value}
}

func toTypes(ss []string) []fee.ComponentType {
	out := make([]fee.ComponentType, len(ss))
	for i, s := range ss {
		out[i] = fee.ComponentType(s)
	}
	return out
}

func toScopes(ss []string) []fee.ComponentScope {
	out := make([]fee.ComponentScope, len(ss))
	for i, s := range ss {
		out[i] = fee.ComponentScope(s)
	}
	return out
}

// =============================================================================
// RENDERING - Policy back to JSON (for storage)
// =============================================================================

// Render serializes a policy to its JSON document form. Parse(Render(p))
// yields a policy with an identical content hash.
func Render(p *fee.Policy) ([]byte, error) {
	pj := PolicyJSON{
		Key:       p.Key,
		Version:   p.Version,
		Name:      p.Name,
		Currency:  p.Currency,
		Precision: p.Precision,
	}
	for _, c := range p.Components {
		cj, err := componentToJSON(c)
		if err != nil {
			return nil, err
		}
		pj.Components = append(pj.Components, cj)
	}
	return json.MarshalIndent(pj, "", "  ")
}

func componentToJSON(c fee.Component) (ComponentJSON, error) {
	cj := ComponentJSON{
		ID:         c.ID,
		Name:       c.Name,
		Type:       string(c.Type),
		Scope:      string(c.Scope),
		Precedence: c.Precedence,
		Tags:       c.Tags,
		Proration:  string(c.Proration),
	}
	if !c.Rate.IsZero() {
		r := c.Rate
		cj.Rate = &r
	}
	if !c.Fixed.IsZero() {
		f := c.Fixed
		cj.Fixed = &f
	}

	if c.Base != nil {
		raw, err := baseToJSON(c.Base)
		if err != nil {
			return cj, err
		}
		cj.Base = raw
	}
	for _, cond := range c.Conditions {
		cj.Conditions = append(cj.Conditions, ConditionJSON{Field: cond.Field, Op: string(cond.Op), Value: cond.Value})
	}
	if c.Lines != nil {
		sel := &SelectorJSON{}
		for _, cond := range c.Lines.Where {
			sel.Where = append(sel.Where, ConditionJSON{Field: cond.Field, Op: string(cond.Op), Value: cond.Value})
		}
		for _, cond := range c.Lines.AnyOf {
			sel.AnyOf = append(sel.AnyOf, ConditionJSON{Field: cond.Field, Op: string(cond.Op), Value: cond.Value})
		}
		cj.Lines = sel
	}
	if c.Tier != nil {
		spec := &TierSpecJSON{By: c.Tier.By}
		for _, t := range c.Tier.Tiers {
			spec.Tiers = append(spec.Tiers, TierJSON{Min: t.Min, Max: t.Max, Rate: t.Rate, Fixed: t.Fixed})
		}
		cj.Tier = spec
	}
	if c.Cap != nil {
		cj.Cap = &CapSpecJSON{
			Min: c.Cap.Min,
			Max: c.Cap.Max,
			Targets: TargetsJSON{
				IDs:    c.Cap.Targets.IDs,
				Tags:   c.Cap.Targets.Tags,
				Types:  fromTypes(c.Cap.Targets.Types),
				Scopes: fromScopes(c.Cap.Targets.Scopes),
			},
		}
	}
	if c.Override != nil {
		cj.Override = &OverrideJSON{
			ExcludeIDs:  c.Override.ExcludeIDs,
			ExcludeTags: c.Override.ExcludeTags,
			Reason:      c.Override.Reason,
		}
	}

	if c.Refund.NonRefundable || c.Refund.NoCapToOriginal || c.Refund.Behavior != "" {
		rj := &RefundJSON{Behavior: string(c.Refund.Behavior)}
		if c.Refund.NonRefundable {
			f := false
			rj.Refundable = &f
		}
		if c.Refund.NoCapToOriginal {
			f := false
			rj.CapToOriginal = &f
		}
		cj.Refund = rj
	}

	return cj, nil
}

func baseToJSON(b *fee.BaseSpec) (json.RawMessage, error) {
	if b.Field != "" {
		return json.Marshal(b.Field)
	}
	children := make([]json.RawMessage, 0, len(b.Add))
	for _, child := range b.Add {
		raw, err := baseToJSON(child)
		if err != nil {
			return nil, err
		}
		children = append(children, raw)
	}
	return json.Marshal(map[string][]json.RawMessage{"add": children})
}

func fromTypes(ts []fee.ComponentType) []string {
	if len(ts) == 0 {
		return nil
	}
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = string(t)
	}
	return out
}

func fromScopes(ss []fee.ComponentScope) []string {
	if len(ss) == 0 {
		return nil
	}
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}
