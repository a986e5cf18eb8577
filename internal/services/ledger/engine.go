// Package ledger implements the append-only cash-and-inventory ledger
// engine: normalization, the eight bookkeeping invariants, seeding,
// summaries, and the admin override path.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jcalloway/shopsim/internal/common"
	"github.com/jcalloway/shopsim/internal/interfaces"
	"github.com/jcalloway/shopsim/internal/models"
)

// Engine implements interfaces.LedgerEngine on top of a LedgerStore.
// Continuity checks and inserts for one (store, user) are serialized by the
// engine mutex within a process; across replicas the storage layer's
// conditional uniqueness keys keep duplicate scenario entries out.
type Engine struct {
	store  interfaces.LedgerStore
	logger *common.Logger

	mu sync.Mutex
}

// NewEngine creates a ledger engine.
func NewEngine(store interfaces.LedgerStore, logger *common.Logger) *Engine {
	return &Engine{store: store, logger: logger}
}

// Append normalizes the input, checks the invariants, and inserts the entry.
func (e *Engine) Append(ctx context.Context, in *interfaces.AppendInput) (*models.LedgerEntry, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}

	// Work on a copy so the caller's result is not mutated.
	result := *in.Result
	Normalize(&result)

	if err := ValidateResult(&result, in.Capacity); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Cross-entry cash continuity: the new entry must chain onto the latest
	// entry for this (store, user).
	latest, err := e.store.Latest(ctx, in.StoreID, in.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load latest entry: %w", err)
	}
	if latest != nil && !CentsEqual(latest.CashAfter, result.CashBefore) {
		return nil, models.Errf(models.ErrorKindInvariant,
			"cash continuity broken: latest cashAfter %.2f != new cashBefore %.2f for store %s user %s",
			latest.CashAfter, result.CashBefore, in.StoreID, in.UserID)
	}

	entry := &models.LedgerEntry{
		ID:                 uuid.New().String(),
		StoreID:            in.StoreID,
		ClassroomID:        in.ClassroomID,
		ScenarioID:         in.ScenarioID,
		SubmissionID:       in.SubmissionID,
		UserID:             in.UserID,
		Sales:              result.Sales,
		Revenue:            result.Revenue,
		Costs:              result.Costs,
		Waste:              result.Waste,
		CashBefore:         result.CashBefore,
		CashAfter:          result.CashAfter,
		Inventory:          result.InventoryState,
		NetProfit:          result.NetProfit,
		RandomEvent:        result.RandomEvent,
		Summary:            result.Summary,
		Education:          result.Education,
		AIMeta:             in.AIMeta,
		CalculationContext: in.CalculationContext,
		CreatedAt:          time.Now(),
	}

	if err := e.store.Insert(ctx, entry); err != nil {
		return nil, err
	}

	e.logger.Info().
		Str("entry_id", entry.ID).
		Str("scenario_id", entry.ScenarioID).
		Str("user_id", entry.UserID).
		Float64("cash_after", entry.CashAfter).
		Float64("net_profit", entry.NetProfit).
		Msg("Ledger entry appended")

	return entry, nil
}

// Seed writes the initial entry for a newly created store. Idempotent.
func (e *Engine) Seed(ctx context.Context, store *models.Store, storeType *models.StoreType, classroom *models.Classroom) (*models.LedgerEntry, error) {
	if store == nil || storeType == nil || classroom == nil {
		return nil, models.Errf(models.ErrorKindValidation, "seed requires store, store type, and classroom")
	}

	history, err := e.store.History(ctx, store.ClassroomID, store.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history for seeding: %w", err)
	}
	for _, entry := range history {
		if entry.IsSeed() {
			return entry, nil
		}
	}

	// The classroom is the source of truth for the starting balance; the
	// store type only fills in when the classroom leaves it unset.
	balance := classroom.StartingBalance
	if balance == 0 {
		balance = storeType.StartingBalance
	}

	units := storeType.StartingUnits
	var flow models.MaterialFlow
	for _, bucket := range models.Buckets() {
		begin := RoundCount(units.ForBucket(bucket))
		units.SetBucket(bucket, begin)
		flow.SetBucket(bucket, models.BucketFlow{BeginUnits: begin, EndUnits: begin})
	}

	result := &models.SimulationResult{
		CashBefore:     balance,
		CashAfter:      balance,
		InventoryState: units,
		Summary:        "Initial position",
		Education: models.Education{
			MaterialFlowByBucket: flow,
		},
	}

	return e.Append(ctx, &interfaces.AppendInput{
		StoreID:     store.ID,
		ClassroomID: store.ClassroomID,
		UserID:      store.UserID,
		Result:      result,
		Capacity:    storeType.Capacity,
	})
}

// Override applies an admin patch to a committed entry. Only the documented
// figure fields are patchable; the engine re-normalizes and re-validates
// cash continuity (per entry) and revenue consistency, then flags the entry
// overridden. It does not cascade: the ids of later entries whose cashBefore
// no longer chains are returned for the admin tooling to surface.
func (e *Engine) Override(ctx context.Context, entryID, adminID string, patch *models.LedgerPatch) (*models.LedgerEntry, []string, error) {
	if patch == nil {
		return nil, nil, models.Errf(models.ErrorKindValidation, "override patch is required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	entry, err := e.store.Get(ctx, entryID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load entry %s: %w", entryID, err)
	}

	applyPatch(entry, patch)

	// Re-normalize the patched figures. Inventory reconciliation is skipped:
	// inventory is patchable and the override contract re-checks only the
	// cash identity and revenue consistency.
	result := resultFromEntry(entry)
	NormalizeOverride(result)

	if err := checkCashIdentity(result); err != nil {
		return nil, nil, err
	}
	if err := checkRevenueConsistency(result); err != nil {
		return nil, nil, err
	}

	entry.Sales = result.Sales
	entry.Revenue = result.Revenue
	entry.Costs = result.Costs
	entry.Waste = result.Waste
	entry.CashBefore = result.CashBefore
	entry.CashAfter = result.CashAfter
	entry.Inventory = result.InventoryState
	entry.NetProfit = result.NetProfit
	entry.RandomEvent = result.RandomEvent
	entry.Summary = result.Summary

	now := time.Now()
	entry.Overridden = true
	entry.OverriddenBy = adminID
	entry.OverriddenAt = &now

	if err := e.store.UpdateOverride(ctx, entry); err != nil {
		return nil, nil, err
	}

	broken, err := e.brokenDependents(ctx, entry)
	if err != nil {
		return nil, nil, err
	}

	e.logger.Info().
		Str("entry_id", entry.ID).
		Str("admin_id", adminID).
		Int("broken_dependents", len(broken)).
		Msg("Ledger entry overridden")

	return entry, broken, nil
}

// brokenDependents returns the ids of later entries for the same
// (store, user) whose cashBefore no longer equals its predecessor's
// cashAfter.
func (e *Engine) brokenDependents(ctx context.Context, entry *models.LedgerEntry) ([]string, error) {
	history, err := e.store.History(ctx, entry.ClassroomID, entry.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	var broken []string
	prev := ""
	prevCashAfter := 0.0
	for _, h := range history {
		if h.StoreID != entry.StoreID {
			continue
		}
		if h.ID == entry.ID {
			h = entry
		}
		if prev != "" && !CentsEqual(prevCashAfter, h.CashBefore) {
			broken = append(broken, h.ID)
		}
		prev = h.ID
		prevCashAfter = h.CashAfter
	}
	return broken, nil
}

// History returns entries for (classroom, user) in creation order,
// optionally excluding one scenario for rerun previews.
func (e *Engine) History(ctx context.Context, classroomID, userID, excludeScenarioID string) ([]*models.LedgerEntry, error) {
	entries, err := e.store.History(ctx, classroomID, userID)
	if err != nil {
		return nil, err
	}
	if excludeScenarioID == "" {
		return entries, nil
	}
	filtered := entries[:0:0]
	for _, entry := range entries {
		if entry.ScenarioID != excludeScenarioID {
			filtered = append(filtered, entry)
		}
	}
	return filtered, nil
}

// Summary aggregates a student's ledger within one classroom.
func (e *Engine) Summary(ctx context.Context, classroomID, userID string) (*models.LedgerSummary, error) {
	entries, err := e.store.History(ctx, classroomID, userID)
	if err != nil {
		return nil, err
	}

	summary := &models.LedgerSummary{
		ClassroomID: classroomID,
		UserID:      userID,
	}
	for _, entry := range entries {
		summary.TotalSales += entry.Sales
		summary.TotalRevenue += entry.Revenue
		summary.TotalCosts += entry.Costs
		summary.TotalWaste += entry.Waste
		summary.NetProfit += entry.NetProfit
		summary.CashBalance = entry.CashAfter
		summary.Inventory = entry.Inventory
		summary.EntryCount++
		if !entry.IsSeed() {
			summary.WeekCount++
		}
	}
	summary.TotalRevenue = Round2(summary.TotalRevenue)
	summary.TotalCosts = Round2(summary.TotalCosts)
	summary.TotalWaste = Round2(summary.TotalWaste)
	summary.NetProfit = Round2(summary.NetProfit)
	return summary, nil
}

// PriorState derives the cash and inventory anchors from the latest entry
// for (store, user).
func (e *Engine) PriorState(ctx context.Context, storeID, userID string) (*models.PriorState, error) {
	latest, err := e.store.Latest(ctx, storeID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load latest entry: %w", err)
	}
	if latest == nil {
		return nil, models.Errf(models.ErrorKindValidation, "store %s has no ledger entries for user %s (not seeded)", storeID, userID)
	}
	return &models.PriorState{
		CashBefore: latest.CashAfter,
		Inventory:  latest.Inventory,
	}, nil
}

// --- validation ---

func validateInput(in *interfaces.AppendInput) error {
	if in == nil || in.Result == nil {
		return models.Errf(models.ErrorKindValidation, "append input and result are required")
	}
	if in.StoreID == "" || in.ClassroomID == "" || in.UserID == "" {
		return models.Errf(models.ErrorKindValidation, "append requires store, classroom, and user ids")
	}
	return nil
}

// ValidateResult checks the per-entry invariants on a normalized result:
// the cash identity, revenue consistency, inventory non-negativity and
// capacity, material-flow reconciliation, and bucket consistency.
func ValidateResult(r *models.SimulationResult, capacity models.BucketCapacity) error {
	if err := checkCashIdentity(r); err != nil {
		return err
	}
	if err := checkRevenueConsistency(r); err != nil {
		return err
	}

	for _, bucket := range models.Buckets() {
		units := r.InventoryState.ForBucket(bucket)
		if units < 0 {
			return models.Errf(models.ErrorKindInvariant,
				"inventory non-negativity broken: bucket %s has %.0f units", bucket, units)
		}
		capUnits := float64(capacity.ForBucket(bucket))
		if units > capUnits {
			return models.Errf(models.ErrorKindInvariant,
				"inventory capacity exceeded: bucket %s has %.0f units, capacity %.0f", bucket, units, capUnits)
		}

		flow := r.Education.MaterialFlowByBucket.ForBucket(bucket)
		expected := flow.BeginUnits + flow.ReceivedUnits - flow.UsedUnits - flow.WasteUnits
		if flow.EndUnits != expected {
			return models.Errf(models.ErrorKindInvariant,
				"material flow does not reconcile for bucket %s: end %.0f != begin %.0f + received %.0f - used %.0f - waste %.0f",
				bucket, flow.EndUnits, flow.BeginUnits, flow.ReceivedUnits, flow.UsedUnits, flow.WasteUnits)
		}
		if units != flow.EndUnits {
			return models.Errf(models.ErrorKindInvariant,
				"bucket consistency broken: inventoryState %s %.0f != materialFlow endUnits %.0f", bucket, units, flow.EndUnits)
		}
	}

	return nil
}

func checkCashIdentity(r *models.SimulationResult) error {
	if !CentsEqual(r.CashAfter, r.CashBefore+r.NetProfit) {
		return models.Errf(models.ErrorKindInvariant,
			"cash continuity broken: cashAfter %.2f != cashBefore %.2f + netProfit %.2f",
			r.CashAfter, r.CashBefore, r.NetProfit)
	}
	return nil
}

func checkRevenueConsistency(r *models.SimulationResult) error {
	if r.Sales == 0 {
		if r.Revenue != 0 {
			return models.Errf(models.ErrorKindInvariant,
				"revenue consistency broken: zero sales with revenue %.2f", r.Revenue)
		}
		return nil
	}
	if r.Education.RealizedUnitPrice == 0 {
		return nil
	}
	if !CentsEqual(r.Revenue, r.Sales*r.Education.RealizedUnitPrice) {
		return models.Errf(models.ErrorKindInvariant,
			"revenue consistency broken: revenue %.2f != sales %.0f x unit price %.2f",
			r.Revenue, r.Sales, r.Education.RealizedUnitPrice)
	}
	return nil
}

// --- override helpers ---

func applyPatch(entry *models.LedgerEntry, patch *models.LedgerPatch) {
	if patch.Sales != nil {
		entry.Sales = *patch.Sales
	}
	if patch.Revenue != nil {
		entry.Revenue = *patch.Revenue
	}
	if patch.Costs != nil {
		entry.Costs = *patch.Costs
	}
	if patch.Waste != nil {
		entry.Waste = *patch.Waste
	}
	if patch.CashBefore != nil {
		entry.CashBefore = *patch.CashBefore
	}
	if patch.CashAfter != nil {
		entry.CashAfter = *patch.CashAfter
	}
	if patch.Inventory != nil {
		entry.Inventory = *patch.Inventory
	}
	if patch.NetProfit != nil {
		entry.NetProfit = *patch.NetProfit
	}
	if patch.RandomEvent != nil {
		entry.RandomEvent = patch.RandomEvent
	}
	if patch.Summary != nil {
		entry.Summary = *patch.Summary
	}
}

// resultFromEntry views an entry's figures as a SimulationResult for
// re-normalization.
func resultFromEntry(entry *models.LedgerEntry) *models.SimulationResult {
	return &models.SimulationResult{
		Sales:          entry.Sales,
		Revenue:        entry.Revenue,
		Costs:          entry.Costs,
		Waste:          entry.Waste,
		CashBefore:     entry.CashBefore,
		CashAfter:      entry.CashAfter,
		InventoryState: entry.Inventory,
		NetProfit:      entry.NetProfit,
		RandomEvent:    entry.RandomEvent,
		Summary:        entry.Summary,
		Education:      entry.Education,
	}
}

// Ensure Engine implements LedgerEngine.
var _ interfaces.LedgerEngine = (*Engine)(nil)
