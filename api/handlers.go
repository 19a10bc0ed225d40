/*
handlers.go - HTTP API handlers for the fee engine

PURPOSE:
  Exposes the fee engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Settlement:
    POST   /api/settle                     Calculate and persist fees
    POST   /api/simulate                   Preview a calculation

  Entries:
    GET    /api/entries/{id}               Get a ledger entry
    POST   /api/entries/{id}/adjust        Refund/adjust an entry

  Transactions:
    GET    /api/transactions/{id}/entries  All entries of a transaction
    GET    /api/transactions/{id}/fees     Running fee totals

  Policies:
    GET    /api/policies                   List stored policy versions
    POST   /api/policies                   Store a policy version
    GET    /api/policies/{channel}         Effective policy for a channel
    DELETE /api/policies/{channel}/{version} Remove a policy version

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Store:  Database access (entries + policies)
  - Ledger: Settle/adjust orchestration over the store

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input
  3. Call domain logic (ledger, engine)
  4. Serialize response
  5. Handle errors

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Entry or policy not found
  - 409: Conflict (currency mismatch, refund guard violations)
  - 500: Internal errors
  The stable domain error code rides along in the "code" field.

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - fee/ledger.go: Domain logic behind these handlers
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/fee-engine/factory"
	"github.com/warp/fee-engine/fee"
	"github.com/warp/fee-engine/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store  *sqlite.Store
	Ledger *fee.Ledger
}

// NewHandler creates a new handler with the given store.
func NewHandler(store *sqlite.Store) *Handler {
	return &Handler{
		Store:  store,
		Ledger: fee.NewLedger(store, store),
	}
}

// =============================================================================
// SETTLEMENT HANDLERS
// =============================================================================

// Settle calculates fees for a transaction and persists a ledger entry.
// POST /api/settle
func (h *Handler) Settle(w http.ResponseWriter, r *http.Request) {
	var req SettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if len(req.Lines) == 0 && req.Order == nil {
		writeError(w, http.StatusBadRequest, "Transaction needs lines or order totals", nil)
		return
	}

	input := fee.SettleInput{
		Transaction: req.toTransaction(),
		Source: fee.SourceRef{
			Module:     req.Source.Module,
			ObjectType: req.Source.ObjectType,
			ObjectID:   req.Source.ObjectID,
		},
	}

	entry, summary, err := h.Ledger.Settle(r.Context(), input, fee.SettleOptions{})
	if err != nil {
		writeDomainError(w, "Settle failed", err)
		return
	}

	writeJSON(w, http.StatusCreated, SettleResponse{
		Entry:   toEntryDTO(entry),
		Summary: toSummaryDTOs(summary, entry.PolicySnapshot.Precision),
	})
}

// Simulate previews a calculation without persisting anything. The policy
// comes either inline or from the channel key.
// POST /api/simulate
func (h *Handler) Simulate(w http.ResponseWriter, r *http.Request) {
	var req SimulateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var (
		policy *fee.Policy
		err    error
	)
	if req.Policy != nil {
		policy, err = factory.FromJSON(*req.Policy)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid policy config", err)
			return
		}
	} else {
		tx := req.toTransaction()
		policy, err = h.Store.LoadPolicy(r.Context(), req.ChannelKey, tx.AsOf)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to load policy", err)
			return
		}
	}

	result, err := h.Ledger.Simulate(r.Context(), req.toTransaction(), policy, fee.SettleOptions{})
	if err != nil {
		writeDomainError(w, "Simulation failed", err)
		return
	}

	writeJSON(w, http.StatusOK, SimulateResponse{
		Currency:   result.Currency,
		TotalFee:   money(result.TotalFee, result.Precision),
		Breakdown:  toBreakdownDTOs(result.Breakdown, result.Precision),
		Allocation: toAllocationDTOs(result.Allocation, result.Precision),
		Warnings:   toWarningDTOs(result.Warnings),
		Signature:  result.Signature,
		PolicyHash: result.PolicyHash,
	})
}

// =============================================================================
// ENTRY HANDLERS
// =============================================================================

// GetEntry returns a single ledger entry.
// GET /api/entries/{id}
func (h *Handler) GetEntry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	entry, err := h.Store.LoadEntry(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load entry", err)
		return
	}
	if entry == nil {
		writeError(w, http.StatusNotFound, "Entry not found", nil)
		return
	}

	writeJSON(w, http.StatusOK, toEntryDTO(entry))
}

// Adjust records a refund or adjustment against an entry. A new entry is
// appended; the original flips to status adjusted.
// POST /api/entries/{id}/adjust
func (h *Handler) Adjust(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req AdjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	adj := fee.Adjustment{
		Mode:        fee.AdjustMode(req.Mode),
		EventType:   fee.EventType(req.EventType),
		Amount:      req.Amount,
		FeeAmount:   req.FeeAmount,
		Currency:    req.Currency,
		LineAmounts: req.LineAmounts,
		Strict:      req.Strict,
		Reason:      req.Reason,
	}

	entry, err := h.Ledger.Adjust(r.Context(), id, adj, fee.AdjustOptions{
		AllowNegativeNet: req.AllowNegativeNet,
	})
	if err != nil {
		writeDomainError(w, "Adjustment failed", err)
		return
	}

	writeJSON(w, http.StatusCreated, toEntryDTO(entry))
}

// =============================================================================
// TRANSACTION HANDLERS
// =============================================================================

// ListTransactionEntries returns every entry of a transaction in
// insertion order.
// GET /api/transactions/{id}/entries
func (h *Handler) ListTransactionEntries(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	entries, err := h.Store.LoadByTransaction(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load entries", err)
		return
	}

	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetTransactionFees returns running fee totals for a transaction.
// GET /api/transactions/{id}/fees
func (h *Handler) GetTransactionFees(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	fees, err := h.Ledger.TransactionFees(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to compute fees", err)
		return
	}

	writeJSON(w, http.StatusOK, FeesDTO{
		TransactionID:    fees.TransactionID,
		TotalFees:        fees.TotalFees.StringFixed(2),
		TotalAdjustments: fees.TotalAdjustments.StringFixed(2),
		NetFees:          fees.NetFees.StringFixed(2),
		EntryCount:       fees.EntryCount,
	})
}

// =============================================================================
// SOURCE HANDLERS
// =============================================================================

// ListSourceEntries returns all entries for a business object.
// GET /api/sources/{module}/{type}/{id}/entries
func (h *Handler) ListSourceEntries(w http.ResponseWriter, r *http.Request) {
	src := fee.SourceRef{
		Module:     chi.URLParam(r, "module"),
		ObjectType: chi.URLParam(r, "type"),
		ObjectID:   chi.URLParam(r, "id"),
	}

	entries, err := h.Store.LoadAllForSource(r.Context(), src)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load entries", err)
		return
	}

	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// POLICY HANDLERS
// =============================================================================

// ListPolicies returns all stored policy versions.
// GET /api/policies
func (h *Handler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	records, err := h.Store.ListPolicies(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list policies", err)
		return
	}

	dtos := make([]PolicyDTO, len(records))
	for i, rec := range records {
		dtos[i] = PolicyDTO{
			ChannelKey:    rec.ChannelKey,
			Version:       rec.Version,
			Name:          rec.Name,
			Currency:      rec.Currency,
			EffectiveFrom: rec.EffectiveFrom.Format("2006-01-02"),
			CreatedAt:     rec.CreatedAt.Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreatePolicy stores a new policy version for a channel.
// POST /api/policies
func (h *Handler) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	var req CreatePolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ChannelKey == "" {
		writeError(w, http.StatusBadRequest, "channel_key is required", nil)
		return
	}

	effectiveFrom, err := time.Parse("2006-01-02", req.EffectiveFrom)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid effective_from format (use YYYY-MM-DD)", err)
		return
	}

	configJSON, err := json.Marshal(req.Config)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid policy config", err)
		return
	}

	rec := sqlite.PolicyRecord{
		ChannelKey:    req.ChannelKey,
		Version:       req.Config.Version,
		ConfigJSON:    string(configJSON),
		EffectiveFrom: effectiveFrom,
	}
	if err := h.Store.SavePolicy(r.Context(), rec); err != nil {
		writeError(w, http.StatusBadRequest, "Failed to store policy", err)
		return
	}

	writeJSON(w, http.StatusCreated, PolicyDTO{
		ChannelKey:    req.ChannelKey,
		Version:       rec.Version,
		Name:          req.Config.Name,
		Currency:      req.Config.Currency,
		EffectiveFrom: req.EffectiveFrom,
		Config:        &req.Config,
	})
}

// GetPolicy returns the effective policy config for a channel, optionally
// at a given date (?as_of=YYYY-MM-DD).
// GET /api/policies/{channel}
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")

	asOf := time.Now().UTC()
	if q := r.URL.Query().Get("as_of"); q != "" {
		t, err := time.Parse("2006-01-02", q)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid as_of format (use YYYY-MM-DD)", err)
			return
		}
		asOf = t
	}

	policy, err := h.Store.LoadPolicy(r.Context(), channel, asOf)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load policy", err)
		return
	}
	if policy == nil {
		writeError(w, http.StatusNotFound, "No effective policy for channel", nil)
		return
	}

	configJSON, err := factory.Render(policy)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to render policy", err)
		return
	}
	var config factory.PolicyJSON
	json.Unmarshal(configJSON, &config)

	writeJSON(w, http.StatusOK, PolicyDTO{
		ChannelKey: channel,
		Version:    policy.Version,
		Name:       policy.Name,
		Currency:   policy.Currency,
		Config:     &config,
	})
}

// DeletePolicy removes one stored policy version. Entries already settled
// against it keep their snapshot.
// DELETE /api/policies/{channel}/{version}
func (h *Handler) DeletePolicy(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	version, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid version", err)
		return
	}

	if err := h.Store.DeletePolicyVersion(r.Context(), channel, version); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete policy", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// ListRecentEntries returns the most recent entries across all
// transactions (admin view).
// GET /api/admin/entries?limit=N
func (h *Handler) ListRecentEntries(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}

	entries, err := h.Store.RecentEntries(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load entries", err)
		return
	}

	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ResetDatabase wipes all data (dev only).
// POST /api/reset
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
		resp.Code = fee.CodeOf(err)
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps domain error codes onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, fee.ErrEntryNotFound), errors.Is(err, fee.ErrNoPolicy):
		status = http.StatusNotFound
	case errors.Is(err, fee.ErrCurrencyMismatch),
		errors.Is(err, fee.ErrExceedsOriginal),
		errors.Is(err, fee.ErrDuplicateSignature):
		status = http.StatusConflict
	case fee.IsClientError(err):
		status = http.StatusBadRequest
	}
	writeError(w, status, message, err)
}
