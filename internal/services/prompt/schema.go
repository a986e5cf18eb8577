package prompt

import "github.com/jcalloway/shopsim/internal/models"

// SchemaName identifies the structured output contract on the oracle wire.
const SchemaName = "simulation_week_result"

func number() map[string]any {
	return map[string]any{"type": "number"}
}

func str() map[string]any {
	return map[string]any{"type": "string"}
}

func object(required []string, props map[string]any) map[string]any {
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"required":             required,
		"properties":           props,
	}
}

func bucketFlowSchema() map[string]any {
	return object(
		[]string{"beginUnits", "receivedUnits", "usedUnits", "wasteUnits", "endUnits", "endUnitsValue"},
		map[string]any{
			"beginUnits":    number(),
			"receivedUnits": number(),
			"usedUnits":     number(),
			"wasteUnits":    number(),
			"endUnits":      number(),
			"endUnitsValue": number(),
		},
	)
}

// ResponseSchema returns the strict JSON schema describing the exact object
// the oracle must produce for one simulated student-week.
func ResponseSchema() map[string]any {
	inventory := object(
		[]string{"refrigeratedUnits", "ambientUnits", "notForResaleUnits"},
		map[string]any{
			"refrigeratedUnits": number(),
			"ambientUnits":      number(),
			"notForResaleUnits": number(),
		},
	)

	materialFlow := object(
		[]string{"refrigerated", "ambient", "notForResale", "explanation"},
		map[string]any{
			"refrigerated": bucketFlowSchema(),
			"ambient":      bucketFlowSchema(),
			"notForResale": bucketFlowSchema(),
			"explanation":  str(),
		},
	)

	costBreakdown := object(
		[]string{
			"ingredientCost", "laborCost", "logisticsCost", "tariffCost", "holdingCost",
			"overflowStorageCost", "expediteCost", "wasteDisposalCost", "otherCost", "explanation",
		},
		map[string]any{
			"ingredientCost":      number(),
			"laborCost":           number(),
			"logisticsCost":       number(),
			"tariffCost":          number(),
			"holdingCost":         number(),
			"overflowStorageCost": number(),
			"expediteCost":        number(),
			"wasteDisposalCost":   number(),
			"otherCost":           number(),
			"explanation":         str(),
		},
	)

	education := object(
		[]string{
			"demandForecast", "demandActual", "serviceLevel", "fillRate", "stockoutUnits",
			"lostSalesUnits", "backorderUnits", "realizedUnitPrice", "materialFlowByBucket",
			"costBreakdown", "teachingNotes",
		},
		map[string]any{
			"demandForecast":       number(),
			"demandActual":         number(),
			"serviceLevel":         number(),
			"fillRate":             number(),
			"stockoutUnits":        number(),
			"lostSalesUnits":       number(),
			"backorderUnits":       number(),
			"realizedUnitPrice":    number(),
			"materialFlowByBucket": materialFlow,
			"costBreakdown":        costBreakdown,
			"teachingNotes":        str(),
		},
	)

	return object(
		[]string{
			"sales", "revenue", "costs", "waste", "cashBefore", "cashAfter",
			"inventoryState", "netProfit", "randomEvent", "summary", "education",
		},
		map[string]any{
			"sales":          number(),
			"revenue":        number(),
			"costs":          number(),
			"waste":          number(),
			"cashBefore":     number(),
			"cashAfter":      number(),
			"inventoryState": inventory,
			"netProfit":      number(),
			"randomEvent":    map[string]any{"type": []string{"string", "null"}},
			"summary":        str(),
			"education":      education,
		},
	)
}

// ResponseFormat returns the response_format payload requesting strict
// schema-constrained output.
func ResponseFormat() *models.ResponseFormat {
	return &models.ResponseFormat{
		Type: "json_schema",
		JSONSchema: &models.JSONSchemaSpec{
			Name:   SchemaName,
			Strict: true,
			Schema: ResponseSchema(),
		},
	}
}
