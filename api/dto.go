/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  All amounts cross the wire as decimal strings rendered at the policy
  precision ("50.00", never 50.0). Request amounts accept both JSON
  numbers and strings via decimal.Decimal.

TYPES:
  Transactions:
    TransactionRequest, LineRequest, OrderRequest

  Settlement:
    SettleRequest, EntryDTO, BreakdownDTO, AllocationDTO, SummaryRowDTO

  Adjustment:
    AdjustRequest, RefundLineDTO

  Policies:
    PolicyDTO (wraps factory.PolicyJSON), CreatePolicyRequest

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/policy.go: PolicyJSON type
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/fee-engine/factory"
	"github.com/warp/fee-engine/fee"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// LineRequest is one order line in a calculation request.
type LineRequest struct {
	LineID     string            `json:"line_id"`
	Net        decimal.Decimal   `json:"net"`
	Gross      decimal.Decimal   `json:"gross"`
	Tax        decimal.Decimal   `json:"tax"`
	Quantity   decimal.Decimal   `json:"quantity"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// OrderRequest carries explicit order totals. Optional; totals default to
// the sum of the lines.
type OrderRequest struct {
	Net      decimal.Decimal `json:"net"`
	Gross    decimal.Decimal `json:"gross"`
	Tax      decimal.Decimal `json:"tax"`
	Shipping decimal.Decimal `json:"shipping"`
}

// TransactionRequest is the calculation input shared by settle and
// simulate.
type TransactionRequest struct {
	TransactionID  string            `json:"transaction_id"`
	ChannelKey     string            `json:"channel_key"`
	Currency       string            `json:"currency,omitempty"`
	AsOf           string            `json:"as_of,omitempty"` // YYYY-MM-DD
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Attributes     map[string]string `json:"attributes,omitempty"`
	Lines          []LineRequest     `json:"lines"`
	Order          *OrderRequest     `json:"order,omitempty"`
}

// SourceRequest identifies the business object owning an entry.
type SourceRequest struct {
	Module     string `json:"module"`
	ObjectType string `json:"object_type"`
	ObjectID   string `json:"object_id"`
}

// SettleRequest persists a fee calculation as a ledger entry.
type SettleRequest struct {
	TransactionRequest
	Source SourceRequest `json:"source"`
}

// SimulateRequest previews a calculation without persistence. Either an
// inline policy config or a channel key must be given.
type SimulateRequest struct {
	TransactionRequest
	Policy *factory.PolicyJSON `json:"policy,omitempty"`
}

// AdjustRequest records a refund or adjustment against an entry.
type AdjustRequest struct {
	Mode             string                     `json:"mode,omitempty"` // auto (default) | manual
	EventType        string                     `json:"event_type,omitempty"`
	Amount           decimal.Decimal            `json:"amount"`
	FeeAmount        decimal.Decimal            `json:"fee_amount"`
	Currency         string                     `json:"currency,omitempty"`
	LineAmounts      map[string]decimal.Decimal `json:"line_amounts,omitempty"`
	Strict           bool                       `json:"strict,omitempty"`
	AllowNegativeNet bool                       `json:"allow_negative_net,omitempty"`
	Reason           string                     `json:"reason,omitempty"`
}

// CreatePolicyRequest stores a new policy version for a channel.
type CreatePolicyRequest struct {
	ChannelKey    string             `json:"channel_key"`
	EffectiveFrom string             `json:"effective_from"` // YYYY-MM-DD
	Config        factory.PolicyJSON `json:"config"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// BreakdownDTO is the per-component outcome in API responses.
type BreakdownDTO struct {
	ComponentID    string   `json:"component_id"`
	Name           string   `json:"name,omitempty"`
	Type           string   `json:"type"`
	Scope          string   `json:"scope"`
	Amount         string   `json:"amount"`
	BaseUsed       string   `json:"base_used"`
	RateApplied    *string  `json:"rate_applied,omitempty"`
	FixedUsed      *string  `json:"fixed_used,omitempty"`
	TierIndex      *int     `json:"tier_index,omitempty"`
	CapDelta       *string  `json:"cap_delta,omitempty"`
	Applied        bool     `json:"applied"`
	DiscardReason  string   `json:"discard_reason,omitempty"`
	OverrideReason string   `json:"override_reason,omitempty"`
	Tags           []string `json:"tags,omitempty"`
}

// LineComponentDTO is one component's contribution to one line.
type LineComponentDTO struct {
	ComponentID string `json:"component_id"`
	Amount      string `json:"amount"`
	Proration   string `json:"proration,omitempty"`
}

// AllocationDTO is the per-line fee distribution.
type AllocationDTO struct {
	LineID     string             `json:"line_id"`
	FeeAmount  string             `json:"fee_amount"`
	Components []LineComponentDTO `json:"components,omitempty"`
}

// WarningDTO is a non-fatal calculation note.
type WarningDTO struct {
	Code        string `json:"code"`
	ComponentID string `json:"component_id,omitempty"`
	Message     string `json:"message,omitempty"`
}

// RefundLineDTO is component-level refund detail on adjustment entries.
type RefundLineDTO struct {
	ComponentID    string `json:"component_id"`
	OriginalAmount string `json:"original_amount"`
	Refund         string `json:"refund"`
	Behavior       string `json:"behavior,omitempty"`
	Skipped        bool   `json:"skipped,omitempty"`
	SkipReason     string `json:"skip_reason,omitempty"`
}

// EntryDTO is a ledger entry in API responses.
type EntryDTO struct {
	EntryID       string          `json:"entry_id"`
	TransactionID string          `json:"transaction_id"`
	ParentEntryID string          `json:"parent_entry_id,omitempty"`
	EventType     string          `json:"event_type"`
	Status        string          `json:"status"`
	Currency      string          `json:"currency"`
	TotalFee      string          `json:"total_fee"`
	Breakdown     []BreakdownDTO  `json:"breakdown,omitempty"`
	Allocation    []AllocationDTO `json:"allocation,omitempty"`
	Warnings      []WarningDTO    `json:"warnings,omitempty"`
	RefundPlan    []RefundLineDTO `json:"refund_plan,omitempty"`
	PolicyKey     string          `json:"policy_key,omitempty"`
	PolicyVersion int             `json:"policy_version,omitempty"`
	PolicyHash    string          `json:"policy_hash,omitempty"`
	Signature     string          `json:"signature,omitempty"`
	Source        *SourceRequest  `json:"source,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	CreatedAt     string          `json:"created_at"`
}

// SummaryRowDTO is a human-readable breakdown row.
type SummaryRowDTO struct {
	ID      string   `json:"id"`
	Name    string   `json:"name,omitempty"`
	Type    string   `json:"type"`
	Amount  string   `json:"amount"`
	Tags    []string `json:"tags,omitempty"`
	Details string   `json:"details,omitempty"`
}

// SettleResponse wraps a persisted entry with its display summary.
type SettleResponse struct {
	Entry   EntryDTO        `json:"entry"`
	Summary []SummaryRowDTO `json:"summary"`
}

// SimulateResponse is a non-persisted calculation result.
type SimulateResponse struct {
	Currency   string          `json:"currency"`
	TotalFee   string          `json:"total_fee"`
	Breakdown  []BreakdownDTO  `json:"breakdown"`
	Allocation []AllocationDTO `json:"allocation,omitempty"`
	Warnings   []WarningDTO    `json:"warnings,omitempty"`
	Signature  string          `json:"signature,omitempty"`
	PolicyHash string          `json:"policy_hash,omitempty"`
}

// FeesDTO is the running fee totals for a transaction.
type FeesDTO struct {
	TransactionID    string `json:"transaction_id"`
	TotalFees        string `json:"total_fees"`
	TotalAdjustments string `json:"total_adjustments"`
	NetFees          string `json:"net_fees"`
	EntryCount       int    `json:"entry_count"`
}

// PolicyDTO represents a stored policy version in API responses.
type PolicyDTO struct {
	ChannelKey    string              `json:"channel_key"`
	Version       int                 `json:"version"`
	Name          string              `json:"name,omitempty"`
	Currency      string              `json:"currency"`
	EffectiveFrom string              `json:"effective_from"`
	Config        *factory.PolicyJSON `json:"config,omitempty"`
	CreatedAt     string              `json:"created_at,omitempty"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func (r TransactionRequest) toTransaction() fee.Transaction {
	tx := fee.Transaction{
		TransactionID:  r.TransactionID,
		ChannelKey:     r.ChannelKey,
		Currency:       r.Currency,
		IdempotencyKey: r.IdempotencyKey,
		Attributes:     r.Attributes,
	}
	if r.AsOf != "" {
		if t, err := time.Parse("2006-01-02", r.AsOf); err == nil {
			tx.AsOf = t
		}
	}
	for _, l := range r.Lines {
		tx.Lines = append(tx.Lines, fee.Line{
			LineID:     l.LineID,
			Net:        l.Net,
			Gross:      l.Gross,
			Tax:        l.Tax,
			Quantity:   l.Quantity,
			Attributes: l.Attributes,
		})
	}
	if r.Order != nil {
		tx.Order = &fee.OrderTotals{
			Net:      r.Order.Net,
			Gross:    r.Order.Gross,
			Tax:      r.Order.Tax,
			Shipping: r.Order.Shipping,
		}
	}
	return tx
}

func money(d decimal.Decimal, precision int32) string {
	return d.StringFixed(precision)
}

func moneyPtr(d *decimal.Decimal, precision int32) *string {
	if d == nil {
		return nil
	}
	s := d.StringFixed(precision)
	return &s
}

func toBreakdownDTOs(breakdown []fee.BreakdownEntry, precision int32) []BreakdownDTO {
	dtos := make([]BreakdownDTO, len(breakdown))
	for i, b := range breakdown {
		rate := ""
		var ratePtr *string
		if b.RateApplied != nil {
			rate = b.RateApplied.String()
			ratePtr = &rate
		}
		dtos[i] = BreakdownDTO{
			ComponentID:    b.ComponentID,
			Name:           b.Name,
			Type:           string(b.Type),
			Scope:          string(b.Scope),
			Amount:         money(b.Amount, precision),
			BaseUsed:       money(b.BaseUsed, precision),
			RateApplied:    ratePtr,
			FixedUsed:      moneyPtr(b.FixedUsed, precision),
			TierIndex:      b.TierIndex,
			CapDelta:       moneyPtr(b.CapDelta, precision),
			Applied:        b.Applied,
			DiscardReason:  b.DiscardReason,
			OverrideReason: b.OverrideReason,
			Tags:           b.Tags,
		}
	}
	return dtos
}

func toAllocationDTOs(allocation []fee.AllocationEntry, precision int32) []AllocationDTO {
	dtos := make([]AllocationDTO, len(allocation))
	for i, a := range allocation {
		dto := AllocationDTO{
			LineID:    a.LineID,
			FeeAmount: money(a.FeeAmount, precision),
		}
		for _, c := range a.Components {
			dto.Components = append(dto.Components, LineComponentDTO{
				ComponentID: c.ComponentID,
				Amount:      money(c.Amount, precision),
				Proration:   string(c.Proration),
			})
		}
		dtos[i] = dto
	}
	return dtos
}

func toWarningDTOs(warnings []fee.Warning) []WarningDTO {
	dtos := make([]WarningDTO, len(warnings))
	for i, w := range warnings {
		dtos[i] = WarningDTO{Code: w.Code, ComponentID: w.ComponentID, Message: w.Message}
	}
	return dtos
}

func toEntryDTO(e *fee.Entry) EntryDTO {
	precision := e.PolicySnapshot.Precision
	dto := EntryDTO{
		EntryID:       e.EntryID,
		TransactionID: e.TransactionID,
		ParentEntryID: e.ParentEntryID,
		EventType:     string(e.EventType),
		Status:        string(e.Status),
		Currency:      e.Currency,
		TotalFee:      money(e.TotalFee, precision),
		Breakdown:     toBreakdownDTOs(e.Breakdown, precision),
		Allocation:    toAllocationDTOs(e.Allocation, precision),
		Warnings:      toWarningDTOs(e.Warnings),
		PolicyKey:     e.PolicySnapshot.Key,
		PolicyVersion: e.PolicySnapshot.Version,
		PolicyHash:    e.PolicySnapshot.Hash,
		Signature:     e.Signature,
		Reason:        e.Reason,
		CreatedAt:     e.CreatedAt.Format(time.RFC3339),
	}
	if e.Source != (fee.SourceRef{}) {
		dto.Source = &SourceRequest{
			Module:     e.Source.Module,
			ObjectType: e.Source.ObjectType,
			ObjectID:   e.Source.ObjectID,
		}
	}
	for _, r := range e.RefundPlan {
		dto.RefundPlan = append(dto.RefundPlan, RefundLineDTO{
			ComponentID:    r.ComponentID,
			OriginalAmount: money(r.OriginalAmount, precision),
			Refund:         money(r.Refund, precision),
			Behavior:       string(r.Behavior),
			Skipped:        r.Skipped,
			SkipReason:     r.SkipReason,
		})
	}
	return dto
}

func toSummaryDTOs(rows []fee.SummaryRow, precision int32) []SummaryRowDTO {
	dtos := make([]SummaryRowDTO, len(rows))
	for i, row := range rows {
		dtos[i] = SummaryRowDTO{
			ID:      row.ID,
			Name:    row.Name,
			Type:    string(row.Type),
			Amount:  money(row.Amount, precision),
			Tags:    row.Tags,
			Details: row.Details,
		}
	}
	return dtos
}
