/*
ledger.go - Settle/simulate/adjust orchestration

PURPOSE:
  The Ledger is the only component that turns calculations into
  persisted, immutable entries. It resolves the policy through an
  injected PolicyLoader, runs the calculation engine, builds the entry,
  and persists through an injected EntryStore. Adjustments run the
  component-aware refund algorithm and append a NEW entry; the original
  is never rewritten except for its status flip to "adjusted".

CRITICAL INVARIANTS:
  1. A settle entry's total equals the signed sum of its breakdown
  2. The signed sum of all entries sharing a transaction id is the
     running net fee
  3. An adjustment's total is always the negative of the refunded amount
  4. Any failure leaves zero partial rows: the injected store callbacks
     are expected to run inside one atomic transaction boundary owned by
     the caller, and the ledger performs no writes before the final
     persist step

CONCURRENCY:
  The ledger holds no locks. Two concurrent adjustments against the same
  original entry must be serialized by the storage layer (e.g. row-level
  lock on the original), or the double-refund race is live.

SEE ALSO:
  - engine.go: The pure calculation
  - refund.go: Refund planning for adjustments
  - store/sqlite: Production storage adapter
  - fee/store: In-memory storage adapter
*/
package fee

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// COLLABORATOR INTERFACES - Injected, never embedded
// =============================================================================

// PolicyLoader resolves the effective policy for a channel at a date.
// Returns (nil, nil) when no policy applies.
type PolicyLoader interface {
	LoadPolicy(ctx context.Context, channelKey string, asOf time.Time) (*Policy, error)
}

// PolicyLoaderFunc adapts a function to the PolicyLoader interface.
type PolicyLoaderFunc func(ctx context.Context, channelKey string, asOf time.Time) (*Policy, error)

func (f PolicyLoaderFunc) LoadPolicy(ctx context.Context, channelKey string, asOf time.Time) (*Policy, error) {
	return f(ctx, channelKey, asOf)
}

// EntryStore persists and loads ledger entries. SaveEntry returns the
// storage-assigned entry id. UpdateEntryStatus exists solely for the
// parent status flip on adjustment; entries are otherwise immutable.
type EntryStore interface {
	SaveEntry(ctx context.Context, e *Entry) (string, error)
	LoadEntry(ctx context.Context, entryID string) (*Entry, error)
	UpdateEntryStatus(ctx context.Context, entryID string, status EntryStatus) error
	LoadByTransaction(ctx context.Context, transactionID string) ([]*Entry, error)
}

// SignatureIndex is an optional EntryStore extension for idempotent
// replay detection: settle returns the existing entry instead of
// double-charging when an identical calculation was already persisted.
type SignatureIndex interface {
	FindBySignature(ctx context.Context, signature string) (*Entry, error)
}

// SourceQuerier is an optional EntryStore extension for querying entries
// by their owning business object.
type SourceQuerier interface {
	LoadLatestForSource(ctx context.Context, src SourceRef) (*Entry, error)
	LoadAllForSource(ctx context.Context, src SourceRef) ([]*Entry, error)
	CountForSource(ctx context.Context, src SourceRef) (int, error)
	IterateForSource(ctx context.Context, src SourceRef, fn func(*Entry) error) error
}

// =============================================================================
// LEDGER
// =============================================================================

// Ledger orchestrates settlement and adjustment against injected
// collaborators.
type Ledger struct {
	policies PolicyLoader
	entries  EntryStore
	now      func() time.Time
}

// NewLedger builds a ledger over the given collaborators.
func NewLedger(policies PolicyLoader, entries EntryStore) *Ledger {
	return &Ledger{policies: policies, entries: entries, now: time.Now}
}

// SettleInput is a transaction plus the business object that owns the
// resulting ledger entry.
type SettleInput struct {
	Transaction
	Source SourceRef
}

// SettleOptions tune a settlement.
type SettleOptions struct {
	Calc CalcOptions
}

// AdjustOptions tune an adjustment.
type AdjustOptions struct {
	// AllowNegativeNet permits the running net fee to drop below zero
	// in strict mode.
	AllowNegativeNet bool
}

// Settle resolves the channel policy, calculates, persists an immutable
// entry, and returns it with a display summary. On a signature replay the
// previously persisted entry is returned unchanged.
func (lg *Ledger) Settle(ctx context.Context, input SettleInput, opts SettleOptions) (*Entry, []SummaryRow, error) {
	if input.ChannelKey == "" {
		return nil, nil, coded(CodeMissingChannel, ErrMissingChannel, "settle requires a channel key")
	}
	if lg.policies == nil || lg.entries == nil {
		return nil, nil, coded(CodeMissingCallback, ErrMissingCallback, "settle requires a policy loader and an entry store")
	}

	policy, err := lg.policies.LoadPolicy(ctx, input.ChannelKey, input.AsOf)
	if err != nil {
		return nil, nil, err
	}
	if policy == nil {
		return nil, nil, coded(CodeNoPolicy, ErrNoPolicy, "channel %q as of %s", input.ChannelKey, input.AsOf.Format("2006-01-02"))
	}
	if input.Currency != "" && input.Currency != policy.Currency {
		return nil, nil, coded(CodeCurrencyMismatch, ErrCurrencyMismatch,
			"transaction currency %s vs policy currency %s", input.Currency, policy.Currency)
	}

	result, err := Calculate(input.Transaction, policy, opts.Calc)
	if err != nil {
		// Hard stop: no partial persistence on any calculation failure.
		return nil, nil, err
	}

	// Idempotent replay: identical policy + input was already settled.
	if idx, ok := lg.entries.(SignatureIndex); ok && result.Signature != "" {
		existing, err := idx.FindBySignature(ctx, result.Signature)
		if err != nil {
			return nil, nil, err
		}
		if existing != nil {
			return existing, Summarize(existing), nil
		}
	}

	entry := lg.buildSettleEntry(input, policy, result)
	id, err := lg.entries.SaveEntry(ctx, entry)
	if err != nil {
		return nil, nil, err
	}
	entry.EntryID = id

	return entry, Summarize(entry), nil
}

// Simulate runs the identical calculation with no persistence - used for
// previews. Accepts a policy directly rather than resolving one.
func (lg *Ledger) Simulate(ctx context.Context, tx Transaction, policy *Policy, opts SettleOptions) (*Result, error) {
	if policy == nil {
		return nil, coded(CodeNoPolicy, ErrNoPolicy, "simulate requires a policy")
	}
	return Calculate(tx, policy, opts.Calc)
}

// CalculateForItem treats a single item as a one-line transaction and
// returns only that line's allocation.
func (lg *Ledger) CalculateForItem(ctx context.Context, item Line, policy *Policy, opts SettleOptions) (*AllocationEntry, error) {
	if item.LineID == "" {
		item.LineID = "item"
	}
	if item.Quantity.IsZero() {
		item.Quantity = decimal.NewFromInt(1)
	}
	res, err := lg.Simulate(ctx, Transaction{Lines: []Line{item}}, policy, opts)
	if err != nil {
		return nil, err
	}
	alloc := res.AllocationFor(item.LineID)
	if alloc == nil {
		return &AllocationEntry{LineID: item.LineID}, nil
	}
	return alloc, nil
}

// Adjust loads the original entry, computes the refund (component-aware
// in AUTO mode, caller-supplied in MANUAL mode), persists a new
// adjustment entry, and flips the original's status to adjusted.
func (lg *Ledger) Adjust(ctx context.Context, originalEntryID string, adj Adjustment, opts AdjustOptions) (*Entry, error) {
	if lg.entries == nil {
		return nil, coded(CodeMissingCallback, ErrMissingCallback, "adjust requires an entry store")
	}

	original, err := lg.entries.LoadEntry(ctx, originalEntryID)
	if err != nil {
		return nil, err
	}
	if original == nil {
		return nil, coded(CodeEntryNotFound, ErrEntryNotFound, "entry %q", originalEntryID)
	}
	if err := validateLineAmounts(original, adj); err != nil {
		return nil, err
	}

	precision := original.PolicySnapshot.Precision

	var (
		totalRefund decimal.Decimal
		plan        *RefundPlan
	)
	switch adj.mode() {
	case ModeManual:
		if adj.Strict && adj.Currency != "" && adj.Currency != original.Currency {
			return nil, coded(CodeCurrencyMismatch, ErrCurrencyMismatch,
				"adjustment currency %s vs entry currency %s", adj.Currency, original.Currency)
		}
		totalRefund = adj.FeeAmount.Round(precision)
	default:
		plan, err = BuildRefundPlan(original, adj, precision)
		if err != nil {
			return nil, err
		}
		totalRefund = plan.TotalRefund
	}

	// Strict mode never lets the running net fee go below zero relative
	// to the original base, unless explicitly allowed.
	if adj.Strict && !opts.AllowNegativeNet {
		fees, err := lg.TransactionFees(ctx, original.TransactionID)
		if err != nil {
			return nil, err
		}
		if fees.NetFees.Sub(totalRefund).IsNegative() {
			return nil, coded(CodeExceedsOriginal, ErrExceedsOriginal,
				"refund %s would drive net fees below zero (net %s)",
				totalRefund.String(), fees.NetFees.String())
		}
	}

	entry := &Entry{
		EntryID:        uuid.NewString(),
		TransactionID:  original.TransactionID,
		ParentEntryID:  original.EntryID,
		EventType:      adj.eventType(),
		Status:         StatusActive,
		Currency:       original.Currency,
		TotalFee:       totalRefund.Neg(),
		PolicySnapshot: original.PolicySnapshot,
		InputSnapshot:  original.InputSnapshot,
		Source:         original.Source,
		Reason:         adj.Reason,
		CreatedAt:      lg.now().UTC(),
	}
	if plan != nil {
		entry.RefundPlan = plan.Lines
	}

	id, err := lg.entries.SaveEntry(ctx, entry)
	if err != nil {
		return nil, err
	}
	entry.EntryID = id

	if err := lg.entries.UpdateEntryStatus(ctx, original.EntryID, StatusAdjusted); err != nil {
		return nil, err
	}
	return entry, nil
}

// TransactionFees computes running totals across every entry of a
// transaction: settle entries sum into TotalFees, everything else into
// TotalAdjustments, and NetFees is their signed sum.
func (lg *Ledger) TransactionFees(ctx context.Context, transactionID string) (*TransactionFees, error) {
	if lg.entries == nil {
		return nil, coded(CodeMissingCallback, ErrMissingCallback, "transaction fees require an entry store")
	}
	entries, err := lg.entries.LoadByTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	fees := &TransactionFees{TransactionID: transactionID, EntryCount: len(entries)}
	for _, e := range entries {
		if e.EventType == EventSettle {
			fees.TotalFees = fees.TotalFees.Add(e.TotalFee)
		} else {
			fees.TotalAdjustments = fees.TotalAdjustments.Add(e.TotalFee)
		}
	}
	fees.NetFees = fees.TotalFees.Add(fees.TotalAdjustments)
	return fees, nil
}

// =============================================================================
// ENTRY CONSTRUCTION
// =============================================================================

func (lg *Ledger) buildSettleEntry(input SettleInput, policy *Policy, result *Result) *Entry {
	totals := input.Totals()
	return &Entry{
		EntryID:       uuid.NewString(),
		TransactionID: input.TransactionID,
		EventType:     EventSettle,
		Status:        StatusActive,
		Currency:      policy.Currency,
		TotalFee:      result.TotalFee,
		Breakdown:     result.Breakdown,
		Allocation:    result.Allocation,
		Warnings:      result.Warnings,
		PolicySnapshot: PolicySnapshot{
			Key:            policy.Key,
			Version:        policy.Version,
			Hash:           result.PolicyHash,
			Precision:      policy.Precision,
			ComponentCount: len(policy.Components),
		},
		InputSnapshot: InputSnapshot{
			LineCount:  len(input.Lines),
			OrderBase:  totals.Net,
			OrderGross: totals.Gross,
			OrderTax:   totals.Tax,
		},
		Signature: result.Signature,
		Source:    input.Source,
		CreatedAt: lg.now().UTC(),
	}
}

// Summarize renders an entry's breakdown as human-readable rows for
// display purposes.
func Summarize(e *Entry) []SummaryRow {
	rows := make([]SummaryRow, 0, len(e.Breakdown))
	for _, b := range e.Breakdown {
		rows = append(rows, SummaryRow{
			ID:      b.ComponentID,
			Name:    b.Name,
			Type:    b.Type,
			Amount:  b.Amount,
			Tags:    b.Tags,
			Details: summaryDetails(b),
		})
	}
	return rows
}

func summaryDetails(b BreakdownEntry) string {
	if !b.Applied {
		reason := b.DiscardReason
		if b.OverrideReason != "" {
			reason = fmt.Sprintf("%s (%s)", reason, b.OverrideReason)
		}
		return "skipped: " + reason
	}
	var parts []string
	switch {
	case b.RateApplied != nil:
		parts = append(parts, fmt.Sprintf("%s%% of %s", b.RateApplied.String(), b.BaseUsed.String()))
	case b.FixedUsed != nil:
		parts = append(parts, fmt.Sprintf("fixed %s", b.FixedUsed.String()))
	}
	if b.TierIndex != nil {
		parts = append(parts, fmt.Sprintf("tier %d", *b.TierIndex))
	}
	if b.CapDelta != nil && !b.CapDelta.IsZero() {
		parts = append(parts, fmt.Sprintf("cap delta %s", b.CapDelta.String()))
	}
	return strings.Join(parts, ", ")
}
