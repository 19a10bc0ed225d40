package store_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/warp/fee-engine/fee"
	"github.com/warp/fee-engine/fee/store"
)

func dec(s string) decimal.Decimal { return fee.Dec(s) }

func sampleEntry() *fee.Entry {
	rate := dec("5")
	return &fee.Entry{
		TransactionID: "tx-1",
		EventType:     fee.EventSettle,
		Status:        fee.StatusActive,
		Currency:      "EUR",
		TotalFee:      dec("50"),
		Breakdown: []fee.BreakdownEntry{
			{
				ComponentID: "commission",
				Type:        fee.TypeRate,
				Amount:      dec("50"),
				BaseUsed:    dec("1000"),
				RateApplied: &rate,
				Applied:     true,
				Tags:        []string{"commission"},
				LineIDs:     []string{"l1"},
			},
		},
		Allocation: []fee.AllocationEntry{
			{
				LineID:    "l1",
				FeeAmount: dec("50"),
				Components: []fee.LineComponent{
					{ComponentID: "commission", Amount: dec("50")},
				},
			},
		},
		Warnings: []fee.Warning{{Code: fee.WarnEmptyOrder}},
	}
}

// =============================================================================
// ISOLATION TESTS
// =============================================================================

func TestMemory_SaveEntry_IsolatedFromCallerMutation(t *testing.T) {
	// GIVEN: An entry persisted to the memory store
	// WHEN: The caller mutates its own entry after saving
	// THEN: The stored record is unaffected

	mem := store.NewMemory()
	ctx := context.Background()

	e := sampleEntry()
	id, err := mem.SaveEntry(ctx, e)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	e.Breakdown[0].Amount = dec("999")
	e.Breakdown[0].Tags[0] = "tampered"
	*e.Breakdown[0].RateApplied = dec("99")
	e.Allocation[0].Components[0].Amount = dec("999")
	e.Warnings[0].Code = "tampered"

	stored, err := mem.LoadEntry(ctx, id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !stored.Breakdown[0].Amount.Equal(dec("50")) {
		t.Errorf("stored breakdown amount corrupted: %s", stored.Breakdown[0].Amount)
	}
	if stored.Breakdown[0].Tags[0] != "commission" {
		t.Errorf("stored breakdown tag corrupted: %s", stored.Breakdown[0].Tags[0])
	}
	if !stored.Breakdown[0].RateApplied.Equal(dec("5")) {
		t.Errorf("stored rate corrupted: %s", stored.Breakdown[0].RateApplied)
	}
	if !stored.Allocation[0].Components[0].Amount.Equal(dec("50")) {
		t.Errorf("stored allocation corrupted: %s", stored.Allocation[0].Components[0].Amount)
	}
	if stored.Warnings[0].Code != fee.WarnEmptyOrder {
		t.Errorf("stored warning corrupted: %s", stored.Warnings[0].Code)
	}
}

func TestMemory_LoadEntry_IsolatedFromReturnedMutation(t *testing.T) {
	// GIVEN: A persisted entry
	// WHEN: A caller mutates an entry returned by LoadEntry
	// THEN: A fresh load still sees the original record

	mem := store.NewMemory()
	ctx := context.Background()

	id, err := mem.SaveEntry(ctx, sampleEntry())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	first, err := mem.LoadEntry(ctx, id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	first.Breakdown[0].Amount = dec("999")
	first.Breakdown[0].LineIDs[0] = "tampered"
	first.Allocation[0].FeeAmount = dec("999")

	second, err := mem.LoadEntry(ctx, id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !second.Breakdown[0].Amount.Equal(dec("50")) {
		t.Errorf("stored breakdown amount corrupted via loaded copy: %s", second.Breakdown[0].Amount)
	}
	if second.Breakdown[0].LineIDs[0] != "l1" {
		t.Errorf("stored line ids corrupted via loaded copy: %s", second.Breakdown[0].LineIDs[0])
	}
	if !second.Allocation[0].FeeAmount.Equal(dec("50")) {
		t.Errorf("stored allocation corrupted via loaded copy: %s", second.Allocation[0].FeeAmount)
	}
}
