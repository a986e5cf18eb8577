package ledger

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/jcalloway/shopsim/internal/models"
)

// Round2 rounds a cents-denominated value half-away-from-zero to 2 decimal
// places.
func Round2(x float64) float64 {
	f, _ := decimal.NewFromFloat(x).Round(2).Float64()
	return f
}

// RoundCount rounds a unit count to the nearest integer, half away from
// zero.
func RoundCount(x float64) float64 {
	return math.Round(x)
}

// CentsEqual reports whether two money values agree in units of cents.
func CentsEqual(a, b float64) bool {
	return Round2(a) == Round2(b)
}

// Normalize applies the single numeric normalization pass to a simulation
// result, in place. It is idempotent: Normalize(Normalize(r)) == Normalize(r).
//
// Order matters: money and count rounding first, then inventory
// reconciliation from the material flow, then the cash identity, then
// revenue recomputation.
func Normalize(r *models.SimulationResult) {
	// Cents-denominated fields.
	r.Revenue = Round2(r.Revenue)
	r.Costs = Round2(r.Costs)
	r.Waste = Round2(r.Waste)
	r.CashBefore = Round2(r.CashBefore)
	r.CashAfter = Round2(r.CashAfter)
	r.NetProfit = Round2(r.NetProfit)
	r.Education.RealizedUnitPrice = Round2(r.Education.RealizedUnitPrice)

	// Count fields.
	r.Sales = RoundCount(r.Sales)
	r.InventoryState.RefrigeratedUnits = RoundCount(r.InventoryState.RefrigeratedUnits)
	r.InventoryState.AmbientUnits = RoundCount(r.InventoryState.AmbientUnits)
	r.InventoryState.NotForResaleUnits = RoundCount(r.InventoryState.NotForResaleUnits)
	r.Education.StockoutUnits = RoundCount(r.Education.StockoutUnits)
	r.Education.LostSalesUnits = RoundCount(r.Education.LostSalesUnits)
	r.Education.BackorderUnits = RoundCount(r.Education.BackorderUnits)

	for _, bucket := range models.Buckets() {
		flow := r.Education.MaterialFlowByBucket.ForBucket(bucket)
		flow.BeginUnits = RoundCount(flow.BeginUnits)
		flow.ReceivedUnits = RoundCount(flow.ReceivedUnits)
		flow.UsedUnits = RoundCount(flow.UsedUnits)
		flow.WasteUnits = RoundCount(flow.WasteUnits)
		flow.EndUnits = RoundCount(flow.EndUnits)
		flow.EndUnitsValue = Round2(flow.EndUnitsValue)
		r.Education.MaterialFlowByBucket.SetBucket(bucket, flow)
	}

	// The material flow is authoritative for ending inventory: when the two
	// disagree, inventoryState is replaced by the endUnits values.
	for _, bucket := range models.Buckets() {
		end := r.Education.MaterialFlowByBucket.ForBucket(bucket).EndUnits
		if r.InventoryState.ForBucket(bucket) != end {
			r.InventoryState.SetBucket(bucket, end)
		}
	}

	// Cash identity: netProfit is derived from the cash delta, then
	// cashAfter is re-anchored on cashBefore + netProfit.
	r.NetProfit = Round2(r.CashAfter - r.CashBefore)
	r.CashAfter = Round2(r.CashBefore + r.NetProfit)

	// Revenue consistency when a realized unit price is present.
	if r.Education.RealizedUnitPrice != 0 {
		r.Revenue = Round2(r.Sales * r.Education.RealizedUnitPrice)
	}
}

// NormalizeOverride re-normalizes the patchable figures after an admin
// override. Unlike Normalize it does not reconcile inventory from the
// material flow: inventory is itself patchable, and the override contract
// re-validates only the cash identity and revenue consistency.
func NormalizeOverride(r *models.SimulationResult) {
	r.Revenue = Round2(r.Revenue)
	r.Costs = Round2(r.Costs)
	r.Waste = Round2(r.Waste)
	r.CashBefore = Round2(r.CashBefore)
	r.CashAfter = Round2(r.CashAfter)

	r.Sales = RoundCount(r.Sales)
	r.InventoryState.RefrigeratedUnits = RoundCount(r.InventoryState.RefrigeratedUnits)
	r.InventoryState.AmbientUnits = RoundCount(r.InventoryState.AmbientUnits)
	r.InventoryState.NotForResaleUnits = RoundCount(r.InventoryState.NotForResaleUnits)

	r.NetProfit = Round2(r.CashAfter - r.CashBefore)
	r.CashAfter = Round2(r.CashBefore + r.NetProfit)

	if r.Education.RealizedUnitPrice != 0 {
		r.Revenue = Round2(r.Sales * r.Education.RealizedUnitPrice)
	}
}
