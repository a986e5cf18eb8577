package prompt

import (
	"encoding/json"
	"math"
	"time"

	jsonrepair "github.com/RealAlexandreAI/json-repair"

	"github.com/jcalloway/shopsim/internal/models"
	"github.com/jcalloway/shopsim/internal/services/ledger"
)

// cashAnchorTolerance is the maximum cents drift allowed between the
// oracle's cashBefore and the ledger anchor before correction kicks in.
const cashAnchorTolerance = 0.01

// requiredTopLevel are the keys every oracle reply must carry at the root.
var requiredTopLevel = []string{
	"sales", "revenue", "costs", "waste", "cashBefore", "cashAfter",
	"inventoryState", "netProfit", "summary", "education",
}

// educationKeys are the education payload fields, used to re-nest replies
// that flattened the education object into the root.
var educationKeys = []string{
	"demandForecast", "demandActual", "serviceLevel", "fillRate",
	"stockoutUnits", "lostSalesUnits", "backorderUnits", "realizedUnitPrice",
	"materialFlowByBucket", "costBreakdown", "teachingNotes",
}

// ParseResult unwraps, repairs, and normalizes oracle reply content,
// corrects the cashBefore anchor against the job's expected value, then
// checks the result against the per-entry ledger invariants. A correction is
// reported as a non-fatal cash_anchor_mismatch JobError alongside the result.
func (b *Builder) ParseResult(content []byte, job *models.Job) (*models.SimulationResult, *models.JobError, error) {
	if job.Snapshot == nil || job.Snapshot.StoreType == nil {
		return nil, nil, models.Errf(models.ErrorKindValidation, "job '%s' carries no store type capacity", job.ID)
	}

	root, err := decodeObject(content)
	if err != nil {
		return nil, nil, err
	}

	// Some replies flatten the education payload into the root object.
	// teachingNotes at the root with no education object is the tell.
	if _, hasEdu := root["education"]; !hasEdu {
		if _, hasNotes := root["teachingNotes"]; hasNotes {
			education := make(map[string]any, len(educationKeys))
			for _, key := range educationKeys {
				if v, ok := root[key]; ok {
					education[key] = v
					delete(root, key)
				}
			}
			root["education"] = education
		}
	}

	for _, key := range requiredTopLevel {
		if _, ok := root[key]; !ok {
			return nil, nil, models.Errf(models.ErrorKindOracleContent, "oracle reply is missing required field %q", key)
		}
	}

	normalized, err := json.Marshal(root)
	if err != nil {
		return nil, nil, models.WrapErr(models.ErrorKindInternal, err, "failed to re-encode oracle reply")
	}

	result := &models.SimulationResult{}
	if err := json.Unmarshal(normalized, result); err != nil {
		return nil, nil, models.WrapErr(models.ErrorKindOracleContent, err, "oracle reply does not match the result schema")
	}

	ledger.Normalize(result)

	var warning *models.JobError
	if delta := result.CashBefore - job.ExpectedCashBefore; math.Abs(delta) > cashAnchorTolerance {
		warning = &models.JobError{
			Kind:       models.ErrorKindCashAnchorMismatch,
			Message:    models.Errf(models.ErrorKindCashAnchorMismatch, "oracle cashBefore %.2f disagrees with ledger anchor %.2f; corrected", result.CashBefore, job.ExpectedCashBefore).Error(),
			OccurredAt: time.Now(),
			Attempt:    job.Attempts,
		}
		result.CashBefore = ledger.Round2(job.ExpectedCashBefore)
		result.CashAfter = ledger.Round2(result.CashBefore + result.NetProfit)

		b.logger.Warn().
			Str("job_id", job.ID).
			Float64("expected_cash_before", job.ExpectedCashBefore).
			Float64("delta", delta).
			Msg("Corrected oracle cash anchor")
	}

	// Dry runs never reach the ledger append, so the invariants are
	// enforced here.
	if err := ledger.ValidateResult(result, job.Snapshot.StoreType.Capacity); err != nil {
		return nil, warning, err
	}

	return result, warning, nil
}

// decodeObject parses reply content into a JSON object, falling back to
// repair for the malformed JSON chat models occasionally emit (markdown
// fences, trailing commas, single quotes).
func decodeObject(content []byte) (map[string]any, error) {
	var root map[string]any
	if err := json.Unmarshal(content, &root); err == nil {
		return root, nil
	}

	repaired, err := jsonrepair.RepairJSON(string(content))
	if err != nil {
		return nil, models.WrapErr(models.ErrorKindOracleContent, err, "oracle reply is not valid JSON")
	}
	if err := json.Unmarshal([]byte(repaired), &root); err != nil {
		return nil, models.WrapErr(models.ErrorKindOracleContent, err, "oracle reply is not a JSON object")
	}
	if root == nil {
		return nil, models.Errf(models.ErrorKindOracleContent, "oracle reply is empty")
	}
	return root, nil
}
