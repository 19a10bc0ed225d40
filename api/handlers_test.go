/*
handlers_test.go - Unit tests for API handlers

Tests for:
- Settlement and simulation endpoints
- Entry retrieval and adjustment
- Transaction fee totals
- Policy management (create, list, get, delete)
- Domain error to HTTP status mapping
*/
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/warp/fee-engine/store/sqlite"
)

const webPolicyJSON = `{
	"key": "web",
	"version": 1,
	"name": "Web Fees",
	"currency": "EUR",
	"precision": 2,
	"components": [
		{"id": "commission", "name": "Commission", "type": "rate", "rate": "5", "base": "net"}
	]
}`

const settleBody = `{
	"transaction_id": "tx-1",
	"channel_key": "web",
	"currency": "EUR",
	"lines": [
		{"line_id": "l1", "net": 1000, "gross": 1190, "tax": 190, "quantity": 1}
	],
	"source": {"module": "orders", "object_type": "order", "object_id": "ord-1"}
}`

func newTestAPI(t *testing.T) (*sqlite.Store, http.Handler) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	return store, NewRouter(NewHandler(store))
}

func seedWebPolicy(t *testing.T, store *sqlite.Store) {
	t.Helper()
	rec := sqlite.PolicyRecord{
		ChannelKey:    "web",
		Version:       1,
		ConfigJSON:    webPolicyJSON,
		EffectiveFrom: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := store.SavePolicy(context.Background(), rec); err != nil {
		t.Fatalf("Failed to save policy: %v", err)
	}
}

func doJSON(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeInto(t *testing.T, w *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(dst); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
}

// =============================================================================
// SETTLEMENT
// =============================================================================

func TestSettle_PersistsEntry(t *testing.T) {
	// GIVEN: A stored 5% commission policy for channel "web"
	store, router := newTestAPI(t)
	defer store.Close()
	seedWebPolicy(t, store)

	// WHEN: Settling a transaction with a net of 1000
	w := doJSON(t, router, "POST", "/api/settle", settleBody)

	// THEN: The entry is persisted and returned with its summary
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp SettleResponse
	decodeInto(t, w, &resp)

	if resp.Entry.TotalFee != "50.00" {
		t.Errorf("Expected total fee 50.00, got %s", resp.Entry.TotalFee)
	}
	if resp.Entry.EventType != "settle" {
		t.Errorf("Expected event type settle, got %s", resp.Entry.EventType)
	}
	if resp.Entry.Status != "active" {
		t.Errorf("Expected status active, got %s", resp.Entry.Status)
	}
	if resp.Entry.PolicyKey != "web" || resp.Entry.PolicyVersion != 1 {
		t.Errorf("Expected policy web v1, got %s v%d", resp.Entry.PolicyKey, resp.Entry.PolicyVersion)
	}
	if resp.Entry.Signature == "" {
		t.Error("Expected a calculation signature on the entry")
	}
	if resp.Entry.Source == nil || resp.Entry.Source.ObjectID != "ord-1" {
		t.Errorf("Expected source ord-1, got %+v", resp.Entry.Source)
	}
	if len(resp.Summary) != 1 || resp.Summary[0].ID != "commission" || resp.Summary[0].Amount != "50.00" {
		t.Errorf("Unexpected summary: %+v", resp.Summary)
	}

	entries, err := store.LoadByTransaction(context.Background(), "tx-1")
	if err != nil {
		t.Fatalf("Failed to load entries: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("Expected 1 persisted entry, got %d", len(entries))
	}
}

func TestSettle_RequiresLinesOrOrder(t *testing.T) {
	// GIVEN: A settle request with neither lines nor order totals
	store, router := newTestAPI(t)
	defer store.Close()
	seedWebPolicy(t, store)

	body := `{"transaction_id": "tx-1", "channel_key": "web"}`

	// WHEN: Posting it
	w := doJSON(t, router, "POST", "/api/settle", body)

	// THEN: The request is rejected before reaching the ledger
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestSettle_UnknownChannel(t *testing.T) {
	// GIVEN: No policy stored for the requested channel
	store, router := newTestAPI(t)
	defer store.Close()

	// WHEN: Settling against it
	w := doJSON(t, router, "POST", "/api/settle", settleBody)

	// THEN: The no-policy error maps to 404 with its stable code
	if w.Code != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d: %s", w.Code, w.Body.String())
	}
	var resp ErrorResponse
	decodeInto(t, w, &resp)
	if resp.Code != "NO_POLICY" {
		t.Errorf("Expected code NO_POLICY, got %q", resp.Code)
	}
}

func TestSettle_CurrencyMismatch(t *testing.T) {
	// GIVEN: A EUR policy and a USD transaction
	store, router := newTestAPI(t)
	defer store.Close()
	seedWebPolicy(t, store)

	body := strings.Replace(settleBody, `"currency": "EUR"`, `"currency": "USD"`, 1)

	// WHEN: Settling
	w := doJSON(t, router, "POST", "/api/settle", body)

	// THEN: The mismatch maps to 409
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestSettle_ReplayReturnsSameEntry(t *testing.T) {
	// GIVEN: A transaction already settled once
	store, router := newTestAPI(t)
	defer store.Close()
	seedWebPolicy(t, store)

	var first SettleResponse
	decodeInto(t, doJSON(t, router, "POST", "/api/settle", settleBody), &first)

	// WHEN: Posting the identical request again
	w := doJSON(t, router, "POST", "/api/settle", settleBody)

	// THEN: The original entry comes back and no second row is written
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201 on replay, got %d: %s", w.Code, w.Body.String())
	}
	var second SettleResponse
	decodeInto(t, w, &second)
	if second.Entry.EntryID != first.Entry.EntryID {
		t.Errorf("Expected replayed entry %s, got %s", first.Entry.EntryID, second.Entry.EntryID)
	}

	entries, err := store.LoadByTransaction(context.Background(), "tx-1")
	if err != nil {
		t.Fatalf("Failed to load entries: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("Expected 1 entry after replay, got %d", len(entries))
	}
}

// =============================================================================
// SIMULATION
// =============================================================================

func TestSimulate_InlinePolicy(t *testing.T) {
	// GIVEN: A simulation request carrying its policy inline
	store, router := newTestAPI(t)
	defer store.Close()

	body := `{
		"transaction_id": "tx-sim",
		"channel_key": "web",
		"lines": [{"line_id": "l1", "net": 1000, "quantity": 1}],
		"policy": ` + webPolicyJSON + `
	}`

	// WHEN: Simulating
	w := doJSON(t, router, "POST", "/api/simulate", body)

	// THEN: The result is computed without persisting anything
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp SimulateResponse
	decodeInto(t, w, &resp)
	if resp.TotalFee != "50.00" {
		t.Errorf("Expected total fee 50.00, got %s", resp.TotalFee)
	}
	if resp.Currency != "EUR" {
		t.Errorf("Expected currency EUR, got %s", resp.Currency)
	}
	if len(resp.Breakdown) != 1 || resp.Breakdown[0].Amount != "50.00" {
		t.Errorf("Unexpected breakdown: %+v", resp.Breakdown)
	}

	entries, err := store.LoadByTransaction(context.Background(), "tx-sim")
	if err != nil {
		t.Fatalf("Failed to load entries: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Simulation must not persist, found %d entries", len(entries))
	}
}

func TestSimulate_StoredPolicy(t *testing.T) {
	// GIVEN: A stored policy and a request with only a channel key
	store, router := newTestAPI(t)
	defer store.Close()
	seedWebPolicy(t, store)

	body := `{
		"transaction_id": "tx-sim",
		"channel_key": "web",
		"lines": [{"line_id": "l1", "net": 200, "quantity": 1}]
	}`

	// WHEN: Simulating
	w := doJSON(t, router, "POST", "/api/simulate", body)

	// THEN: The channel's effective policy drives the calculation
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp SimulateResponse
	decodeInto(t, w, &resp)
	if resp.TotalFee != "10.00" {
		t.Errorf("Expected total fee 10.00, got %s", resp.TotalFee)
	}
}

func TestSimulate_InvalidInlinePolicy(t *testing.T) {
	// GIVEN: An inline policy with an unknown component type
	store, router := newTestAPI(t)
	defer store.Close()

	body := `{
		"transaction_id": "tx-sim",
		"channel_key": "web",
		"lines": [{"line_id": "l1", "net": 100, "quantity": 1}],
		"policy": {
			"key": "web", "currency": "EUR", "precision": 2,
			"components": [{"id": "c1", "type": "percentage", "rate": "5"}]
		}
	}`

	// WHEN: Simulating
	w := doJSON(t, router, "POST", "/api/simulate", body)

	// THEN: The config is rejected as a client error
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

// =============================================================================
// ENTRIES AND ADJUSTMENTS
// =============================================================================

func TestGetEntry_Success(t *testing.T) {
	// GIVEN: A settled entry
	store, router := newTestAPI(t)
	defer store.Close()
	seedWebPolicy(t, store)

	var settled SettleResponse
	decodeInto(t, doJSON(t, router, "POST", "/api/settle", settleBody), &settled)

	// WHEN: Fetching it by ID
	w := doJSON(t, router, "GET", "/api/entries/"+settled.Entry.EntryID, "")

	// THEN: The same entry comes back
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var entry EntryDTO
	decodeInto(t, w, &entry)
	if entry.EntryID != settled.Entry.EntryID || entry.TotalFee != "50.00" {
		t.Errorf("Unexpected entry: %+v", entry)
	}
}

func TestGetEntry_NotFound(t *testing.T) {
	// GIVEN: An empty store
	store, router := newTestAPI(t)
	defer store.Close()

	// WHEN: Fetching a nonexistent entry
	w := doJSON(t, router, "GET", "/api/entries/no-such-entry", "")

	// THEN: 404
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestAdjust_FullRefund(t *testing.T) {
	// GIVEN: A settled entry with a 50.00 fee
	store, router := newTestAPI(t)
	defer store.Close()
	seedWebPolicy(t, store)

	var settled SettleResponse
	decodeInto(t, doJSON(t, router, "POST", "/api/settle", settleBody), &settled)

	// WHEN: Refunding the full order amount
	w := doJSON(t, router, "POST", "/api/entries/"+settled.Entry.EntryID+"/adjust",
		`{"amount": 1000, "reason": "customer return"}`)

	// THEN: A refund entry reverses the full fee
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var adj EntryDTO
	decodeInto(t, w, &adj)
	if adj.TotalFee != "-50.00" {
		t.Errorf("Expected refund total -50.00, got %s", adj.TotalFee)
	}
	if adj.EventType != "refund" {
		t.Errorf("Expected event type refund, got %s", adj.EventType)
	}
	if adj.ParentEntryID != settled.Entry.EntryID {
		t.Errorf("Expected parent %s, got %s", settled.Entry.EntryID, adj.ParentEntryID)
	}
	if adj.Reason != "customer return" {
		t.Errorf("Expected reason recorded, got %q", adj.Reason)
	}
	if len(adj.RefundPlan) != 1 || adj.RefundPlan[0].Refund != "50.00" {
		t.Errorf("Unexpected refund plan: %+v", adj.RefundPlan)
	}

	// And the original flips to adjusted
	var parent EntryDTO
	decodeInto(t, doJSON(t, router, "GET", "/api/entries/"+settled.Entry.EntryID, ""), &parent)
	if parent.Status != "adjusted" {
		t.Errorf("Expected parent status adjusted, got %s", parent.Status)
	}

	// And the transaction totals net out to zero
	var fees FeesDTO
	decodeInto(t, doJSON(t, router, "GET", "/api/transactions/tx-1/fees", ""), &fees)
	if fees.TotalFees != "50.00" || fees.TotalAdjustments != "-50.00" || fees.NetFees != "0.00" {
		t.Errorf("Unexpected totals: %+v", fees)
	}
	if fees.EntryCount != 2 {
		t.Errorf("Expected 2 entries, got %d", fees.EntryCount)
	}
}

func TestAdjust_ManualMode(t *testing.T) {
	// GIVEN: A settled entry
	store, router := newTestAPI(t)
	defer store.Close()
	seedWebPolicy(t, store)

	var settled SettleResponse
	decodeInto(t, doJSON(t, router, "POST", "/api/settle", settleBody), &settled)

	// WHEN: Adjusting with an explicit fee amount
	w := doJSON(t, router, "POST", "/api/entries/"+settled.Entry.EntryID+"/adjust",
		`{"mode": "manual", "fee_amount": 12.34, "event_type": "chargeback"}`)

	// THEN: The stated amount is reversed as-is
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var adj EntryDTO
	decodeInto(t, w, &adj)
	if adj.TotalFee != "-12.34" {
		t.Errorf("Expected -12.34, got %s", adj.TotalFee)
	}
	if adj.EventType != "chargeback" {
		t.Errorf("Expected event type chargeback, got %s", adj.EventType)
	}
	if len(adj.RefundPlan) != 0 {
		t.Errorf("Manual adjustments carry no refund plan, got %+v", adj.RefundPlan)
	}
}

func TestAdjust_EntryNotFound(t *testing.T) {
	// GIVEN: An empty store
	store, router := newTestAPI(t)
	defer store.Close()

	// WHEN: Adjusting a nonexistent entry
	w := doJSON(t, router, "POST", "/api/entries/no-such-entry/adjust", `{"amount": 10}`)

	// THEN: 404 with the stable code
	if w.Code != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d: %s", w.Code, w.Body.String())
	}
	var resp ErrorResponse
	decodeInto(t, w, &resp)
	if resp.Code != "ERR_LEDGER_ENTRY_NOT_FOUND" {
		t.Errorf("Expected code ERR_LEDGER_ENTRY_NOT_FOUND, got %q", resp.Code)
	}
}

func TestAdjust_StrictExceedsOriginal(t *testing.T) {
	// GIVEN: A settled entry over an order base of 1000
	store, router := newTestAPI(t)
	defer store.Close()
	seedWebPolicy(t, store)

	var settled SettleResponse
	decodeInto(t, doJSON(t, router, "POST", "/api/settle", settleBody), &settled)

	// WHEN: Strictly refunding more than the order base
	w := doJSON(t, router, "POST", "/api/entries/"+settled.Entry.EntryID+"/adjust",
		`{"amount": 2000, "strict": true}`)

	// THEN: The guard violation maps to 409
	if w.Code != http.StatusConflict {
		t.Fatalf("Expected 409, got %d: %s", w.Code, w.Body.String())
	}

	// And nothing was persisted
	entries, err := store.LoadByTransaction(context.Background(), "tx-1")
	if err != nil {
		t.Fatalf("Failed to load entries: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("Expected only the original entry, got %d", len(entries))
	}
}

// =============================================================================
// TRANSACTION AND SOURCE LISTINGS
// =============================================================================

func TestListTransactionEntries(t *testing.T) {
	// GIVEN: A settlement followed by a refund
	store, router := newTestAPI(t)
	defer store.Close()
	seedWebPolicy(t, store)

	var settled SettleResponse
	decodeInto(t, doJSON(t, router, "POST", "/api/settle", settleBody), &settled)
	doJSON(t, router, "POST", "/api/entries/"+settled.Entry.EntryID+"/adjust", `{"amount": 400}`)

	// WHEN: Listing the transaction's entries
	w := doJSON(t, router, "GET", "/api/transactions/tx-1/entries", "")

	// THEN: Both entries come back in insertion order
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var entries []EntryDTO
	decodeInto(t, w, &entries)
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	if entries[0].EventType != "settle" || entries[1].EventType != "refund" {
		t.Errorf("Unexpected order: %s, %s", entries[0].EventType, entries[1].EventType)
	}
}

func TestListSourceEntries(t *testing.T) {
	// GIVEN: An entry owned by orders/order/ord-1
	store, router := newTestAPI(t)
	defer store.Close()
	seedWebPolicy(t, store)
	doJSON(t, router, "POST", "/api/settle", settleBody)

	// WHEN: Listing entries for that business object
	w := doJSON(t, router, "GET", "/api/sources/orders/order/ord-1/entries", "")

	// THEN: The entry is found; an unknown object yields none
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var entries []EntryDTO
	decodeInto(t, w, &entries)
	if len(entries) != 1 || entries[0].TransactionID != "tx-1" {
		t.Errorf("Unexpected entries: %+v", entries)
	}

	var none []EntryDTO
	decodeInto(t, doJSON(t, router, "GET", "/api/sources/orders/order/ord-2/entries", ""), &none)
	if len(none) != 0 {
		t.Errorf("Expected no entries for ord-2, got %d", len(none))
	}
}

// =============================================================================
// POLICIES
// =============================================================================

func TestPolicies_CreateGetDelete(t *testing.T) {
	// GIVEN: A policy posted through the API
	store, router := newTestAPI(t)
	defer store.Close()

	created := doJSON(t, router, "POST", "/api/policies",
		`{"channel_key": "web", "effective_from": "2025-01-01", "config": `+webPolicyJSON+`}`)
	if created.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", created.Code, created.Body.String())
	}

	// WHEN: Listing and fetching it
	var list []PolicyDTO
	decodeInto(t, doJSON(t, router, "GET", "/api/policies/", ""), &list)
	if len(list) != 1 || list[0].ChannelKey != "web" || list[0].Version != 1 {
		t.Fatalf("Unexpected policy list: %+v", list)
	}
	if list[0].Name != "Web Fees" || list[0].Currency != "EUR" {
		t.Errorf("Expected metadata extracted from config, got %+v", list[0])
	}

	var got PolicyDTO
	decodeInto(t, doJSON(t, router, "GET", "/api/policies/web", ""), &got)
	if got.Version != 1 || got.Config == nil || len(got.Config.Components) != 1 {
		t.Errorf("Unexpected policy: %+v", got)
	}

	// THEN: Before its effective date there is no policy
	before := doJSON(t, router, "GET", "/api/policies/web?as_of=2024-06-01", "")
	if before.Code != http.StatusNotFound {
		t.Errorf("Expected 404 before effective date, got %d", before.Code)
	}

	// And deleting the version removes it
	deleted := doJSON(t, router, "DELETE", "/api/policies/web/1", "")
	if deleted.Code != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d", deleted.Code)
	}
	after := doJSON(t, router, "GET", "/api/policies/web", "")
	if after.Code != http.StatusNotFound {
		t.Errorf("Expected 404 after delete, got %d", after.Code)
	}
}

func TestCreatePolicy_Validation(t *testing.T) {
	store, router := newTestAPI(t)
	defer store.Close()

	// GIVEN/WHEN/THEN: Missing channel key
	w := doJSON(t, router, "POST", "/api/policies",
		`{"effective_from": "2025-01-01", "config": `+webPolicyJSON+`}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing channel_key, got %d", w.Code)
	}

	// Bad date format
	w = doJSON(t, router, "POST", "/api/policies",
		`{"channel_key": "web", "effective_from": "01/01/2025", "config": `+webPolicyJSON+`}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad date, got %d", w.Code)
	}

	// Config that fails policy parsing
	w = doJSON(t, router, "POST", "/api/policies", `{
		"channel_key": "web",
		"effective_from": "2025-01-01",
		"config": {
			"key": "web", "currency": "EUR", "precision": 2,
			"components": [{"id": "c1", "type": "percentage", "rate": "5"}]
		}
	}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for invalid config, got %d: %s", w.Code, w.Body.String())
	}
}

// =============================================================================
// ADMIN
// =============================================================================

func TestAdmin_RecentEntriesAndReset(t *testing.T) {
	// GIVEN: Two settled transactions
	store, router := newTestAPI(t)
	defer store.Close()
	seedWebPolicy(t, store)

	doJSON(t, router, "POST", "/api/settle", settleBody)
	doJSON(t, router, "POST", "/api/settle", strings.Replace(settleBody, "tx-1", "tx-2", 1))

	// WHEN: Listing recent entries with a limit
	var recent []EntryDTO
	decodeInto(t, doJSON(t, router, "GET", "/api/admin/entries?limit=1", ""), &recent)

	// THEN: Only the most recent entry is returned
	if len(recent) != 1 {
		t.Fatalf("Expected 1 entry with limit=1, got %d", len(recent))
	}

	// And reset wipes everything
	w := doJSON(t, router, "POST", "/api/reset", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 on reset, got %d", w.Code)
	}
	var afterReset []EntryDTO
	decodeInto(t, doJSON(t, router, "GET", "/api/admin/entries", ""), &afterReset)
	if len(afterReset) != 0 {
		t.Errorf("Expected no entries after reset, got %d", len(afterReset))
	}
}

func TestHealthz(t *testing.T) {
	store, router := newTestAPI(t)
	defer store.Close()

	w := doJSON(t, router, "GET", "/healthz", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}
