/*
policy.go - Fee policy and component definitions

PURPOSE:
  Defines the rules that govern how fees are computed for a channel: an
  ordered list of typed components (rate, fixed, tier, cap, override),
  each with conditions, a base-amount expression, tags, and refund
  behavior. A Policy is the contract between the platform and a sales
  channel about its fees.

KEY CONCEPTS:
  - Policy: versioned, immutable once referenced by a ledger entry
  - Component: one fee rule; Precedence orders application (lower first)
  - BaseSpec: which transaction field(s) a rate/fixed applies to; multiple
    fields are always summed, never subtracted
  - Conditions: ANDed {field, operator, value} guards on the transaction
  - LineSelector: restricts which lines a line-scoped component sees
  - CAP: constrains the summed amount of previously applied components
  - OVERRIDE: zeroes out previously applied components by id/tag

ORDERING IS LOAD-BEARING:
  CAP and OVERRIDE components rewrite previously recorded breakdown
  amounts, so a cap must be declared after every component it targets.
  Components sort by Precedence ascending; ties keep declaration order.

TIER BRACKETS:
  Brackets are closed on both ends ([min, max] inclusive), resolved
  first-match-wins in declared order. A base outside every bracket is a
  warning, never an error: the component is skipped with amount zero.

EXAMPLE:
  policy := fee.Policy{
      Key:       "marketplace-eu",
      Version:   3,
      Currency:  "EUR",
      Precision: 2,
      Components: []fee.Component{{
          ID:   "commission",
          Type: fee.TypeRate,
          Base: fee.Field("net"),
          Rate: dec("5"),
      }},
  }

SEE ALSO:
  - engine.go: How components are applied
  - factory/: JSON policy parsing
  - marketplace/: Ready-made channel policies
*/
package fee

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// POLICY - Versioned ruleset for one channel
// =============================================================================

// Policy defines the fee rules for a channel. Identified by Key+Version;
// immutable once a ledger entry references it. Each entry snapshots the
// version and content hash it used, so history survives later edits.
type Policy struct {
	Key        string
	Version    int
	Name       string
	Currency   string
	Precision  int32
	Components []Component
}

// SortedComponents returns the components ordered by precedence ascending,
// stable so precedence ties keep declaration order.
func (p *Policy) SortedComponents() []Component {
	out := make([]Component, len(p.Components))
	copy(out, p.Components)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Precedence < out[j].Precedence
	})
	return out
}

// Component returns the component with the given id, or nil.
func (p *Policy) Component(id string) *Component {
	for i := range p.Components {
		if p.Components[i].ID == id {
			return &p.Components[i]
		}
	}
	return nil
}

// Hash returns the deterministic content hash of the policy. Two policies
// with identical content hash identically regardless of construction order.
func (p *Policy) Hash() string {
	h := sha256.New()
	fmt.Fprintf(h, "policy|%s|%d|%s|%d\n", p.Key, p.Version, p.Currency, p.Precision)
	for _, c := range p.Components {
		c.writeCanonical(h)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Validate checks structural soundness: unique component ids, known types,
// and type-specific spec presence. The engine re-checks types at dispatch
// time so a hand-built policy never panics the calculation.
func (p *Policy) Validate() error {
	if p.Key == "" {
		return &Error{Code: CodeInvalidComponent, Message: "policy key is required"}
	}
	seen := make(map[string]bool, len(p.Components))
	for i := range p.Components {
		c := &p.Components[i]
		if c.ID == "" {
			return &Error{Code: CodeInvalidComponent, Message: fmt.Sprintf("component %d: id is required", i)}
		}
		if seen[c.ID] {
			return &Error{Code: CodeInvalidComponent, Message: fmt.Sprintf("component %q: duplicate id", c.ID)}
		}
		seen[c.ID] = true
		if err := c.validate(); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// COMPONENT - One fee rule within a policy
// =============================================================================

// ComponentType discriminates the component variants. Only the variant's
// spec fields are consulted: Rate/RatePP read Rate, FixedUnit/FixedOrder
// read Fixed, Tier reads TierSpec, Cap reads CapSpec, Override reads
// OverrideSpec.
type ComponentType string

const (
	TypeRate       ComponentType = "rate"
	TypeRatePP     ComponentType = "rate_pp"
	TypeFixedUnit  ComponentType = "fixed_unit"
	TypeFixedOrder ComponentType = "fixed_order"
	TypeTier       ComponentType = "tier"
	TypeCap        ComponentType = "cap"
	TypeOverride   ComponentType = "override"
)

// ComponentScope determines whether a component sees the whole order or
// individual lines.
type ComponentScope string

const (
	ScopeOrder ComponentScope = "order"
	ScopeLine  ComponentScope = "line"
)

// ProrationMethod determines how an order-level amount splits across lines.
type ProrationMethod string

const (
	ProrateByNet      ProrationMethod = "by_net"
	ProrateByGross    ProrationMethod = "by_gross"
	ProrateByQuantity ProrationMethod = "by_quantity"
	ProrateEqual      ProrationMethod = "equal"
)

// TagNonRefundable short-circuits refund allocation for a component.
const TagNonRefundable = "non_refundable"

// Component is one fee-calculation rule. Zero values pick sensible
// defaults: order scope, net base, by-net proration, refundable
// proportional refunds.
type Component struct {
	ID         string
	Name       string
	Type       ComponentType
	Scope      ComponentScope
	Precedence int

	// Base selects the amount the rate/fixed applies to. Nil defaults to
	// the net field.
	Base *BaseSpec

	Tags       []string
	Conditions []Condition
	Lines      *LineSelector
	Proration  ProrationMethod

	// Type-specific fields. Rate is a percentage value where 100 = 100%;
	// it doubles as the percentage-point value for TypeRatePP.
	Rate     decimal.Decimal
	Fixed    decimal.Decimal
	Tier     *TierSpec
	Cap      *CapSpec
	Override *OverrideSpec

	Refund RefundConfig
}

// HasTag reports whether the component carries the given tag.
func (c *Component) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

func (c *Component) scope() ComponentScope {
	if c.Scope == "" {
		return ScopeOrder
	}
	return c.Scope
}

func (c *Component) proration() ProrationMethod {
	if c.Proration == "" {
		return ProrateByNet
	}
	return c.Proration
}

func (c *Component) base() *BaseSpec {
	if c.Base == nil {
		return Field(FieldNet)
	}
	return c.Base
}

func (c *Component) validate() error {
	switch c.Type {
	case TypeRate, TypeRatePP, TypeFixedUnit, TypeFixedOrder:
		// Rate/fixed of zero is legal (a disabled-but-declared component).
	case TypeTier:
		if c.Tier == nil || len(c.Tier.Tiers) == 0 {
			return &Error{Code: CodeInvalidComponent, Message: fmt.Sprintf("component %q: tier spec with at least one bracket is required", c.ID)}
		}
	case TypeCap:
		if c.Cap == nil {
			return &Error{Code: CodeInvalidComponent, Message: fmt.Sprintf("component %q: cap spec is required", c.ID)}
		}
		if c.Cap.Min == nil && c.Cap.Max == nil {
			return &Error{Code: CodeInvalidComponent, Message: fmt.Sprintf("component %q: cap needs a min or a max", c.ID)}
		}
	case TypeOverride:
		if c.Override == nil || (len(c.Override.ExcludeIDs) == 0 && len(c.Override.ExcludeTags) == 0) {
			return &Error{Code: CodeInvalidComponent, Message: fmt.Sprintf("component %q: override needs exclude ids or tags", c.ID)}
		}
	default:
		return &Error{Code: CodeInvalidComponent, Message: fmt.Sprintf("component %q: unknown type %q", c.ID, c.Type)}
	}
	if c.Base != nil {
		if err := c.Base.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Component) writeCanonical(w io.Writer) {
	fmt.Fprintf(w, "component|%s|%s|%s|%d|%s|%s|%s|%s\n",
		c.ID, c.Type, c.scope(), c.Precedence,
		c.base().canonical(), c.proration(),
		c.Rate.String(), c.Fixed.String())
	fmt.Fprintf(w, "tags|%s\n", strings.Join(c.Tags, ","))
	for _, cond := range c.Conditions {
		fmt.Fprintf(w, "cond|%s|%s|%s\n", cond.Field, cond.Op, cond.Value)
	}
	if c.Lines != nil {
		for _, cond := range c.Lines.Where {
			fmt.Fprintf(w, "where|%s|%s|%s\n", cond.Field, cond.Op, cond.Value)
		}
		for _, cond := range c.Lines.AnyOf {
			fmt.Fprintf(w, "anyof|%s|%s|%s\n", cond.Field, cond.Op, cond.Value)
		}
	}
	if c.Tier != nil {
		fmt.Fprintf(w, "tierby|%s\n", c.Tier.By)
		for _, t := range c.Tier.Tiers {
			fmt.Fprintf(w, "tier|%s|%s|%s|%s\n",
				decStr(t.Min), decStr(t.Max), decStr(t.Rate), decStr(t.Fixed))
		}
	}
	if c.Cap != nil {
		fmt.Fprintf(w, "cap|%s|%s|%s|%s|%s|%s\n",
			decStr(c.Cap.Min), decStr(c.Cap.Max),
			strings.Join(c.Cap.Targets.IDs, ","),
			strings.Join(c.Cap.Targets.Tags, ","),
			joinTypes(c.Cap.Targets.Types),
			joinScopes(c.Cap.Targets.Scopes))
	}
	if c.Override != nil {
		fmt.Fprintf(w, "override|%s|%s|%s\n",
			strings.Join(c.Override.ExcludeIDs, ","),
			strings.Join(c.Override.ExcludeTags, ","),
			c.Override.Reason)
	}
	fmt.Fprintf(w, "refund|%t|%s|%t\n",
		c.Refund.refundable(), c.Refund.behavior(), c.Refund.capToOriginal())
}

func decStr(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return d.String()
}

func joinTypes(ts []ComponentType) string {
	ss := make([]string, len(ts))
	for i, t := range ts {
		ss[i] = string(t)
	}
	return strings.Join(ss, ",")
}

func joinScopes(ss []ComponentScope) string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return strings.Join(out, ",")
}

// =============================================================================
// BASE SPEC - Which field(s) a component applies to
// =============================================================================

// Base fields resolvable on an order or line.
const (
	FieldNet      = "net"
	FieldGross    = "gross"
	FieldTax      = "tax"
	FieldShipping = "shipping" // order-level only
	FieldQuantity = "quantity"
)

// BaseSpec is either a single field reference (leaf) or an add-node over
// child specs. Multiple fields are always summed; subtraction and other
// operators are deliberately not supported by the default builder.
type BaseSpec struct {
	Field string
	Add   []*BaseSpec
}

// Field builds a leaf base spec.
func Field(name string) *BaseSpec { return &BaseSpec{Field: name} }

// Sum builds an add-node base spec.
func Sum(specs ...*BaseSpec) *BaseSpec { return &BaseSpec{Add: specs} }

func (b *BaseSpec) validate() error {
	if b.Field != "" {
		switch b.Field {
		case FieldNet, FieldGross, FieldTax, FieldShipping, FieldQuantity:
			return nil
		default:
			return &Error{Code: CodeMissingBaseField, Message: fmt.Sprintf("unknown base field %q", b.Field)}
		}
	}
	if len(b.Add) == 0 {
		return &Error{Code: CodeMissingBaseField, Message: "base spec needs a field or add children"}
	}
	for _, child := range b.Add {
		if err := child.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (b *BaseSpec) canonical() string {
	if b.Field != "" {
		return b.Field
	}
	parts := make([]string, len(b.Add))
	for i, child := range b.Add {
		parts[i] = child.canonical()
	}
	return "add(" + strings.Join(parts, ",") + ")"
}

// =============================================================================
// CONDITIONS - ANDed guards on the transaction context
// =============================================================================

// Operator is a condition comparison operator.
type Operator string

const (
	OpEq  Operator = "eq"
	OpNe  Operator = "ne"
	OpGt  Operator = "gt"
	OpGte Operator = "gte"
	OpLt  Operator = "lt"
	OpLte Operator = "lte"
	OpIn  Operator = "in" // value is a comma-separated list
)

// Condition is a single {field, operator, value} guard. A component only
// applies when every condition holds.
type Condition struct {
	Field string
	Op    Operator
	Value string
}

// LineSelector restricts which lines a line-scoped component applies to.
// Where conditions are ANDed; AnyOf conditions are ORed; a line must pass
// both groups. Absent selector means all lines.
type LineSelector struct {
	Where []Condition
	AnyOf []Condition
}

// =============================================================================
// TIER / CAP / OVERRIDE SPECS
// =============================================================================

// Tier is one bracket. Nil Min means open below; nil Max means open above.
// Exactly one of Rate/Fixed should be set; Rate wins when both are.
type Tier struct {
	Min   *decimal.Decimal
	Max   *decimal.Decimal
	Rate  *decimal.Decimal
	Fixed *decimal.Decimal
}

// Contains reports whether base falls inside the bracket ([min, max]
// inclusive on both ends).
func (t Tier) Contains(base decimal.Decimal) bool {
	if t.Min != nil && base.LessThan(*t.Min) {
		return false
	}
	if t.Max != nil && base.GreaterThan(*t.Max) {
		return false
	}
	return true
}

// TierSpec selects the single first-matching bracket for the base amount.
// By optionally overrides the component's base field for bracket matching.
type TierSpec struct {
	By    string
	Tiers []Tier
}

// TargetSelector picks previously applied components by id, tag, type, or
// scope. Kinds are ORed: a component matches if any populated kind hits.
type TargetSelector struct {
	IDs    []string
	Tags   []string
	Types  []ComponentType
	Scopes []ComponentScope
}

// Empty reports whether no target kind is populated.
func (s TargetSelector) Empty() bool {
	return len(s.IDs) == 0 && len(s.Tags) == 0 && len(s.Types) == 0 && len(s.Scopes) == 0
}

// Matches reports whether the breakdown entry is selected.
func (s TargetSelector) Matches(b *BreakdownEntry) bool {
	for _, id := range s.IDs {
		if b.ComponentID == id {
			return true
		}
	}
	for _, tag := range s.Tags {
		if b.HasTag(tag) {
			return true
		}
	}
	for _, t := range s.Types {
		if b.Type == t {
			return true
		}
	}
	for _, sc := range s.Scopes {
		if b.Scope == sc {
			return true
		}
	}
	return false
}

// CapSpec clamps the summed amount of targeted prior components to
// [Min, Max]. The cap itself never produces a fee.
type CapSpec struct {
	Min     *decimal.Decimal
	Max     *decimal.Decimal
	Targets TargetSelector
}

// OverrideSpec zeroes out previously applied components selected by id or
// tag, recording Reason on each.
type OverrideSpec struct {
	ExcludeIDs  []string
	ExcludeTags []string
	Reason      string
}

func (o OverrideSpec) matches(b *BreakdownEntry) bool {
	for _, id := range o.ExcludeIDs {
		if b.ComponentID == id {
			return true
		}
	}
	for _, tag := range o.ExcludeTags {
		if b.HasTag(tag) {
			return true
		}
	}
	return false
}

// =============================================================================
// REFUND CONFIG - How a component participates in adjustments
// =============================================================================

// RefundBehavior selects how a component's original amount maps to a
// refund contribution.
type RefundBehavior string

const (
	// RefundProportional scales the original amount by the refund ratio.
	RefundProportional RefundBehavior = "proportional"

	// RefundFixedOnly behaves like proportional but only for fixed
	// component types; everything else contributes zero.
	RefundFixedOnly RefundBehavior = "fixed_only"

	// RefundNone contributes zero regardless of ratio.
	RefundNone RefundBehavior = "none"
)

// RefundConfig is a component's refund policy. Nil-ish zero values default
// to refundable, proportional, capped to the original amount.
type RefundConfig struct {
	// NonRefundable inverts the refundable default so the zero value of
	// RefundConfig stays fully refundable.
	NonRefundable bool

	Behavior RefundBehavior

	// NoCapToOriginal disables clamping the component refund to its
	// original amount (clamping is the default).
	NoCapToOriginal bool
}

func (r RefundConfig) refundable() bool { return !r.NonRefundable }

func (r RefundConfig) behavior() RefundBehavior {
	if r.Behavior == "" {
		return RefundProportional
	}
	return r.Behavior
}

func (r RefundConfig) capToOriginal() bool { return !r.NoCapToOriginal }
