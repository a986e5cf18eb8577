package ledger_test

import (
	"context"
	"testing"

	"github.com/jcalloway/shopsim/internal/common"
	"github.com/jcalloway/shopsim/internal/interfaces"
	"github.com/jcalloway/shopsim/internal/models"
	"github.com/jcalloway/shopsim/internal/services/ledger"
	"github.com/jcalloway/shopsim/internal/storage"
	"github.com/jcalloway/shopsim/internal/storage/simdb"
)

func newTestEngine(t *testing.T) (*ledger.Engine, interfaces.StorageManager) {
	t.Helper()
	store, err := simdb.NewStore(common.NewSilentLogger(), t.TempDir())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	mgr := storage.NewManagerWithStore(store, common.NewSilentLogger())
	return ledger.NewEngine(mgr.Ledger(), common.NewSilentLogger()), mgr
}

func testCapacity() models.BucketCapacity {
	return models.BucketCapacity{Refrigerated: 200, Ambient: 500, NotForResale: 100}
}

// weekResult builds a consistent one-week result: flat inventory, all costs
// realized as the cash delta.
func weekResult(cashBefore, netProfit float64) *models.SimulationResult {
	r := &models.SimulationResult{
		Sales:      100,
		Revenue:    500,
		Costs:      500 - netProfit,
		Waste:      0,
		CashBefore: cashBefore,
		CashAfter:  cashBefore + netProfit,
		NetProfit:  netProfit,
		InventoryState: models.InventoryLevels{
			RefrigeratedUnits: 30,
			AmbientUnits:      80,
			NotForResaleUnits: 10,
		},
		Summary: "steady week",
	}
	r.Education.RealizedUnitPrice = 5
	r.Education.MaterialFlowByBucket = models.MaterialFlow{
		Refrigerated: models.BucketFlow{BeginUnits: 30, EndUnits: 30},
		Ambient:      models.BucketFlow{BeginUnits: 80, EndUnits: 80},
		NotForResale: models.BucketFlow{BeginUnits: 10, EndUnits: 10},
	}
	return r
}

func appendInput(scenarioID string, r *models.SimulationResult) *interfaces.AppendInput {
	return &interfaces.AppendInput{
		StoreID:     "store-1",
		ClassroomID: "class-1",
		ScenarioID:  scenarioID,
		UserID:      "user-1",
		Result:      r,
		Capacity:    testCapacity(),
	}
}

func seedFixtures() (*models.Store, *models.StoreType, *models.Classroom) {
	store := &models.Store{ID: "store-1", ClassroomID: "class-1", UserID: "user-1", StoreTypeID: "type-1"}
	storeType := &models.StoreType{
		ID:              "type-1",
		Capacity:        testCapacity(),
		StartingUnits:   models.InventoryLevels{RefrigeratedUnits: 30, AmbientUnits: 80, NotForResaleUnits: 10},
		StartingBalance: 5000,
	}
	classroom := &models.Classroom{ID: "class-1", StartingBalance: 10000}
	return store, storeType, classroom
}

func mustSeed(t *testing.T, engine *ledger.Engine) {
	t.Helper()
	store, storeType, classroom := seedFixtures()
	if _, err := engine.Seed(context.Background(), store, storeType, classroom); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
}

func TestAppendAfterSeed(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	mustSeed(t, engine)

	entry, err := engine.Append(ctx, appendInput("scen-1", weekResult(10000, 250)))
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if entry.CashBefore != 10000 || entry.CashAfter != 10250 || entry.NetProfit != 250 {
		t.Errorf("entry cash: %+v", entry)
	}
	if entry.IsSeed() {
		t.Error("scenario entry must not be a seed")
	}
}

func TestAppendDuplicateScenarioUser(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	mustSeed(t, engine)
	if _, err := engine.Append(ctx, appendInput("scen-1", weekResult(10000, 250))); err != nil {
		t.Fatal(err)
	}
	_, err := engine.Append(ctx, appendInput("scen-1", weekResult(10250, 100)))
	if models.KindOf(err) != models.ErrorKindInvariant {
		t.Errorf("duplicate append should be invariant error, got %v", err)
	}
}

func TestAppendCashContinuity(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	mustSeed(t, engine)
	// cashBefore disagrees with the seed's cashAfter of 10000.
	_, err := engine.Append(ctx, appendInput("scen-1", weekResult(9000, 250)))
	if models.KindOf(err) != models.ErrorKindInvariant {
		t.Errorf("continuity break should be invariant error, got %v", err)
	}
}

func TestAppendCapacityBoundary(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	mustSeed(t, engine)

	// Exactly at capacity is legal.
	atCap := weekResult(10000, 250)
	atCap.InventoryState.RefrigeratedUnits = 200
	atCap.Education.MaterialFlowByBucket.Refrigerated = models.BucketFlow{BeginUnits: 30, ReceivedUnits: 170, EndUnits: 200}
	if _, err := engine.Append(ctx, appendInput("scen-1", atCap)); err != nil {
		t.Errorf("at-capacity append should pass: %v", err)
	}

	// One unit over fails.
	over := weekResult(10250, 100)
	over.InventoryState.RefrigeratedUnits = 201
	over.Education.MaterialFlowByBucket.Refrigerated = models.BucketFlow{BeginUnits: 200, ReceivedUnits: 1, EndUnits: 201}
	_, err := engine.Append(ctx, appendInput("scen-2", over))
	if models.KindOf(err) != models.ErrorKindInvariant {
		t.Errorf("over-capacity append should be invariant error, got %v", err)
	}
}

func TestAppendZeroSalesRequiresZeroRevenue(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	mustSeed(t, engine)
	r := weekResult(10000, -100)
	r.Sales = 0
	r.Revenue = 50
	r.Education.RealizedUnitPrice = 0
	_, err := engine.Append(ctx, appendInput("scen-1", r))
	if models.KindOf(err) != models.ErrorKindInvariant {
		t.Errorf("zero sales with revenue should be invariant error, got %v", err)
	}
}

func TestSeedIdempotentAndBalancePrecedence(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	store, storeType, classroom := seedFixtures()

	first, err := engine.Seed(ctx, store, storeType, classroom)
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	// The classroom balance wins over the store type's.
	if first.CashAfter != 10000 {
		t.Errorf("seed cash = %v, want classroom balance", first.CashAfter)
	}

	second, err := engine.Seed(ctx, store, storeType, classroom)
	if err != nil {
		t.Fatalf("repeat seed failed: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("repeat seed created a new entry: %s != %s", second.ID, first.ID)
	}
}

func TestSeedStoreTypeFallback(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	store, storeType, classroom := seedFixtures()
	classroom.StartingBalance = 0

	entry, err := engine.Seed(ctx, store, storeType, classroom)
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if entry.CashAfter != 5000 {
		t.Errorf("seed cash = %v, want store type fallback", entry.CashAfter)
	}
}

func TestPriorState(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := engine.PriorState(ctx, "store-1", "user-1"); models.KindOf(err) != models.ErrorKindValidation {
		t.Error("unseeded store should be a validation error")
	}

	mustSeed(t, engine)
	if _, err := engine.Append(ctx, appendInput("scen-1", weekResult(10000, 250))); err != nil {
		t.Fatal(err)
	}

	prior, err := engine.PriorState(ctx, "store-1", "user-1")
	if err != nil {
		t.Fatalf("prior state failed: %v", err)
	}
	if prior.CashBefore != 10250 {
		t.Errorf("prior cash = %v", prior.CashBefore)
	}
	if prior.Inventory.RefrigeratedUnits != 30 {
		t.Errorf("prior inventory = %+v", prior.Inventory)
	}
}

func TestSummary(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	mustSeed(t, engine)
	if _, err := engine.Append(ctx, appendInput("scen-1", weekResult(10000, 250))); err != nil {
		t.Fatal(err)
	}
	if _, err := engine.Append(ctx, appendInput("scen-2", weekResult(10250, -50))); err != nil {
		t.Fatal(err)
	}

	summary, err := engine.Summary(ctx, "class-1", "user-1")
	if err != nil {
		t.Fatalf("summary failed: %v", err)
	}
	if summary.EntryCount != 3 || summary.WeekCount != 2 {
		t.Errorf("counts: entries=%d weeks=%d", summary.EntryCount, summary.WeekCount)
	}
	if summary.CashBalance != 10200 {
		t.Errorf("cash balance = %v", summary.CashBalance)
	}
	if summary.NetProfit != 200 {
		t.Errorf("net profit = %v", summary.NetProfit)
	}
	if summary.TotalSales != 200 {
		t.Errorf("total sales = %v", summary.TotalSales)
	}
}

func TestHistoryExcludesScenario(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	mustSeed(t, engine)
	if _, err := engine.Append(ctx, appendInput("scen-1", weekResult(10000, 250))); err != nil {
		t.Fatal(err)
	}

	all, err := engine.History(ctx, "class-1", "user-1", "")
	if err != nil || len(all) != 2 {
		t.Fatalf("history = %d entries, err %v", len(all), err)
	}
	filtered, err := engine.History(ctx, "class-1", "user-1", "scen-1")
	if err != nil || len(filtered) != 1 || !filtered[0].IsSeed() {
		t.Errorf("filtered history = %d entries, err %v", len(filtered), err)
	}
}

func TestOverride(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	mustSeed(t, engine)
	entry, err := engine.Append(ctx, appendInput("scen-1", weekResult(10000, 250)))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := engine.Append(ctx, appendInput("scen-2", weekResult(10250, 100))); err != nil {
		t.Fatal(err)
	}

	// Shrink the week's profit; cashAfter moves, the later entry no longer
	// chains.
	cashAfter := 10100.0
	updated, broken, err := engine.Override(ctx, entry.ID, "admin-1", &models.LedgerPatch{
		CashAfter: &cashAfter,
	})
	if err != nil {
		t.Fatalf("override failed: %v", err)
	}
	if !updated.Overridden || updated.OverriddenBy != "admin-1" || updated.OverriddenAt == nil {
		t.Errorf("override metadata missing: %+v", updated)
	}
	if updated.NetProfit != 100 {
		t.Errorf("netProfit should re-derive from the cash delta, got %v", updated.NetProfit)
	}
	if len(broken) != 1 {
		t.Errorf("expected 1 broken dependent, got %v", broken)
	}
}

func TestOverrideRejectsInconsistentPatch(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	mustSeed(t, engine)
	// No realized unit price on record, so a patched revenue is taken at
	// face value.
	r := weekResult(10000, 250)
	r.Education.RealizedUnitPrice = 0
	entry, err := engine.Append(ctx, appendInput("scen-1", r))
	if err != nil {
		t.Fatal(err)
	}

	// Zero sales with revenue left at 500 breaks revenue consistency.
	zero := 0.0
	_, _, err = engine.Override(ctx, entry.ID, "admin-1", &models.LedgerPatch{Sales: &zero})
	if models.KindOf(err) != models.ErrorKindInvariant {
		t.Errorf("inconsistent patch should be invariant error, got %v", err)
	}
}
