package models

import "time"

// Inventory bucket names. Every inventory figure in the system is tracked
// against exactly one of these three buckets.
const (
	BucketRefrigerated = "refrigerated"
	BucketAmbient      = "ambient"
	BucketNotForResale = "notForResale"
)

// Buckets lists the bucket names in canonical order.
func Buckets() []string {
	return []string{BucketRefrigerated, BucketAmbient, BucketNotForResale}
}

// InventoryLevels holds per-bucket unit counts. Values are whole numbers
// after normalization; the type is float64 so oracle JSON decodes directly.
type InventoryLevels struct {
	RefrigeratedUnits float64 `json:"refrigeratedUnits"`
	AmbientUnits      float64 `json:"ambientUnits"`
	NotForResaleUnits float64 `json:"notForResaleUnits"`
}

// ForBucket returns the level for the named bucket.
func (i InventoryLevels) ForBucket(bucket string) float64 {
	switch bucket {
	case BucketRefrigerated:
		return i.RefrigeratedUnits
	case BucketAmbient:
		return i.AmbientUnits
	case BucketNotForResale:
		return i.NotForResaleUnits
	}
	return 0
}

// SetBucket sets the level for the named bucket.
func (i *InventoryLevels) SetBucket(bucket string, units float64) {
	switch bucket {
	case BucketRefrigerated:
		i.RefrigeratedUnits = units
	case BucketAmbient:
		i.AmbientUnits = units
	case BucketNotForResale:
		i.NotForResaleUnits = units
	}
}

// BucketFlow is the per-bucket begin/receive/use/waste/end breakdown the
// oracle must produce for each inventory bucket.
type BucketFlow struct {
	BeginUnits    float64 `json:"beginUnits"`
	ReceivedUnits float64 `json:"receivedUnits"`
	UsedUnits     float64 `json:"usedUnits"`
	WasteUnits    float64 `json:"wasteUnits"`
	EndUnits      float64 `json:"endUnits"`
	EndUnitsValue float64 `json:"endUnitsValue"`
}

// MaterialFlow groups bucket flows with the oracle's explanation.
type MaterialFlow struct {
	Refrigerated BucketFlow `json:"refrigerated"`
	Ambient      BucketFlow `json:"ambient"`
	NotForResale BucketFlow `json:"notForResale"`
	Explanation  string     `json:"explanation"`
}

// ForBucket returns the flow for the named bucket.
func (m MaterialFlow) ForBucket(bucket string) BucketFlow {
	switch bucket {
	case BucketRefrigerated:
		return m.Refrigerated
	case BucketAmbient:
		return m.Ambient
	case BucketNotForResale:
		return m.NotForResale
	}
	return BucketFlow{}
}

// SetBucket replaces the flow for the named bucket.
func (m *MaterialFlow) SetBucket(bucket string, flow BucketFlow) {
	switch bucket {
	case BucketRefrigerated:
		m.Refrigerated = flow
	case BucketAmbient:
		m.Ambient = flow
	case BucketNotForResale:
		m.NotForResale = flow
	}
}

// CostBreakdown itemizes the week's costs for the teaching payload.
type CostBreakdown struct {
	IngredientCost      float64 `json:"ingredientCost"`
	LaborCost           float64 `json:"laborCost"`
	LogisticsCost       float64 `json:"logisticsCost"`
	TariffCost          float64 `json:"tariffCost"`
	HoldingCost         float64 `json:"holdingCost"`
	OverflowStorageCost float64 `json:"overflowStorageCost"`
	ExpediteCost        float64 `json:"expediteCost"`
	WasteDisposalCost   float64 `json:"wasteDisposalCost"`
	OtherCost           float64 `json:"otherCost"`
	Explanation         string  `json:"explanation"`
}

// Education is the opaque teaching payload the oracle produces alongside the
// bookkeeping figures.
type Education struct {
	DemandForecast       float64       `json:"demandForecast"`
	DemandActual         float64       `json:"demandActual"`
	ServiceLevel         float64       `json:"serviceLevel"`
	FillRate             float64       `json:"fillRate"`
	StockoutUnits        float64       `json:"stockoutUnits"`
	LostSalesUnits       float64       `json:"lostSalesUnits"`
	BackorderUnits       float64       `json:"backorderUnits"`
	RealizedUnitPrice    float64       `json:"realizedUnitPrice"`
	MaterialFlowByBucket MaterialFlow  `json:"materialFlowByBucket"`
	CostBreakdown        CostBreakdown `json:"costBreakdown"`
	TeachingNotes        string        `json:"teachingNotes"`
}

// SimulationResult is the structured object the oracle returns for one
// student-week. Field names and nesting match the response JSON schema.
type SimulationResult struct {
	Sales          float64         `json:"sales"`
	Revenue        float64         `json:"revenue"`
	Costs          float64         `json:"costs"`
	Waste          float64         `json:"waste"`
	CashBefore     float64         `json:"cashBefore"`
	CashAfter      float64         `json:"cashAfter"`
	InventoryState InventoryLevels `json:"inventoryState"`
	NetProfit      float64         `json:"netProfit"`
	RandomEvent    *string         `json:"randomEvent"`
	Summary        string          `json:"summary"`
	Education      Education       `json:"education"`
}

// AIMetadata records which oracle produced a ledger entry.
type AIMetadata struct {
	Model       string    `json:"model"`
	RunID       string    `json:"run_id"`
	GeneratedAt time.Time `json:"generated_at"`
}

// LedgerEntry is the append-only record of one simulated student-week.
// ScenarioID == "" marks the initial seed entry that anchors a store's
// starting cash and inventory.
type LedgerEntry struct {
	ID           string          `json:"id"`
	StoreID      string          `json:"store_id"`
	ClassroomID  string          `json:"classroom_id"`
	ScenarioID   string          `json:"scenario_id,omitempty"`
	SubmissionID string          `json:"submission_id,omitempty"`
	UserID       string          `json:"user_id"`
	Sales        float64         `json:"sales"`
	Revenue      float64         `json:"revenue"`
	Costs        float64         `json:"costs"`
	Waste        float64         `json:"waste"`
	CashBefore   float64         `json:"cash_before"`
	CashAfter    float64         `json:"cash_after"`
	Inventory    InventoryLevels `json:"inventory_state"`
	NetProfit    float64         `json:"net_profit"`
	RandomEvent  *string         `json:"random_event,omitempty"`
	Summary      string          `json:"summary"`
	Education    Education       `json:"education"`
	AIMeta       AIMetadata      `json:"ai_metadata"`

	// CalculationContext preserves the inputs that produced this entry.
	CalculationContext *CalculationContext `json:"calculation_context,omitempty"`

	Overridden   bool       `json:"overridden"`
	OverriddenBy string     `json:"overridden_by,omitempty"`
	OverriddenAt *time.Time `json:"overridden_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// IsSeed reports whether this is a store's initial entry.
func (e *LedgerEntry) IsSeed() bool {
	return e.ScenarioID == ""
}

// LedgerSummary aggregates a student's ledger within one classroom.
type LedgerSummary struct {
	ClassroomID  string          `json:"classroom_id"`
	UserID       string          `json:"user_id"`
	TotalSales   float64         `json:"total_sales"`
	TotalRevenue float64         `json:"total_revenue"`
	TotalCosts   float64         `json:"total_costs"`
	TotalWaste   float64         `json:"total_waste"`
	NetProfit    float64         `json:"net_profit"`
	CashBalance  float64         `json:"cash_balance"`
	Inventory    InventoryLevels `json:"inventory_state"`
	EntryCount   int             `json:"entry_count"`
	WeekCount    int             `json:"week_count"` // entries excluding the seed
}

// PriorState is the cash and inventory anchor derived from the latest ledger
// entry for a (store, user).
type PriorState struct {
	CashBefore float64         `json:"cash_before"`
	Inventory  InventoryLevels `json:"inventory_state"`
}

// LedgerPatch holds the admin-patchable fields for an override. Nil pointers
// leave the corresponding field untouched.
type LedgerPatch struct {
	Sales       *float64         `json:"sales,omitempty"`
	Revenue     *float64         `json:"revenue,omitempty"`
	Costs       *float64         `json:"costs,omitempty"`
	Waste       *float64         `json:"waste,omitempty"`
	CashBefore  *float64         `json:"cash_before,omitempty"`
	CashAfter   *float64         `json:"cash_after,omitempty"`
	Inventory   *InventoryLevels `json:"inventory_state,omitempty"`
	NetProfit   *float64         `json:"net_profit,omitempty"`
	RandomEvent *string          `json:"random_event,omitempty"`
	Summary     *string          `json:"summary,omitempty"`
}
