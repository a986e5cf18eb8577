package simdb

import (
	"context"
	"fmt"
	"sort"

	"github.com/timshannon/badgerhold/v4"

	"github.com/jcalloway/shopsim/internal/models"
)

// ledgerClaim is the uniqueness marker for ledger entries. Scenario entries
// claim (scenario, user); seed entries claim (classroom, user). Insert on
// the claim key is the uniqueness check.
type ledgerClaim struct {
	EntryID string
}

func ledgerClaimKey(e *models.LedgerEntry) string {
	if e.IsSeed() {
		return "seed" + keySep + e.ClassroomID + keySep + e.UserID
	}
	return "week" + keySep + e.ScenarioID + keySep + e.UserID
}

// InsertLedgerEntry appends an entry, enforcing the conditional uniqueness
// constraints. A duplicate (scenario, user) or duplicate seed surfaces as
// an invariant-kind error.
func (s *Store) InsertLedgerEntry(_ context.Context, e *models.LedgerEntry) error {
	if e.ID == "" || e.ClassroomID == "" || e.UserID == "" || e.StoreID == "" {
		return fmt.Errorf("ledger entry id, classroom id, user id, and store id are required")
	}

	claimKey := ledgerClaimKey(e)
	if err := s.db.Insert(claimKey, &ledgerClaim{EntryID: e.ID}); err != nil {
		if err == badgerhold.ErrKeyExists {
			if e.IsSeed() {
				return models.Errf(models.ErrorKindInvariant, "seed entry already exists for user '%s' in classroom '%s'", e.UserID, e.ClassroomID)
			}
			return models.Errf(models.ErrorKindInvariant, "ledger entry already exists for user '%s' in scenario '%s'", e.UserID, e.ScenarioID)
		}
		return fmt.Errorf("failed to claim ledger key '%s': %w", claimKey, err)
	}

	if err := s.db.Insert(e.ID, e); err != nil {
		// Roll the claim back so a transient write failure is retryable.
		_ = s.db.Delete(claimKey, ledgerClaim{})
		return fmt.Errorf("failed to insert ledger entry '%s': %w", e.ID, err)
	}
	s.logger.Debug().
		Str("entry_id", e.ID).
		Str("user_id", e.UserID).
		Bool("seed", e.IsSeed()).
		Msg("Ledger entry inserted")
	return nil
}

func (s *Store) GetLedgerEntry(_ context.Context, id string) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	if err := s.db.Get(id, &e); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("ledger entry '%s' not found", id)
		}
		return nil, fmt.Errorf("failed to get ledger entry '%s': %w", id, err)
	}
	return &e, nil
}

// UpdateLedgerOverride persists a patched entry. The entry must already
// exist; identity fields never change, so the claim stays valid.
func (s *Store) UpdateLedgerOverride(_ context.Context, e *models.LedgerEntry) error {
	if err := s.db.Update(e.ID, e); err != nil {
		if err == badgerhold.ErrNotFound {
			return fmt.Errorf("ledger entry '%s' not found", e.ID)
		}
		return fmt.Errorf("failed to update ledger entry '%s': %w", e.ID, err)
	}
	s.logger.Info().Str("entry_id", e.ID).Str("overridden_by", e.OverriddenBy).Msg("Ledger entry overridden")
	return nil
}

// LedgerHistory returns entries for (classroom, user) oldest first.
func (s *Store) LedgerHistory(_ context.Context, classroomID, userID string) ([]*models.LedgerEntry, error) {
	var entries []models.LedgerEntry
	query := badgerhold.Where("ClassroomID").Eq(classroomID).And("UserID").Eq(userID)
	if err := s.db.Find(&entries, query); err != nil {
		return nil, fmt.Errorf("failed to load ledger history for user '%s': %w", userID, err)
	}
	sortLedgerEntries(entries)
	result := make([]*models.LedgerEntry, len(entries))
	for i := range entries {
		result[i] = &entries[i]
	}
	return result, nil
}

// LatestLedgerEntry returns the newest entry for (store, user), or nil when
// the store has no entries yet.
func (s *Store) LatestLedgerEntry(_ context.Context, storeID, userID string) (*models.LedgerEntry, error) {
	var entries []models.LedgerEntry
	query := badgerhold.Where("StoreID").Eq(storeID).And("UserID").Eq(userID)
	if err := s.db.Find(&entries, query); err != nil {
		return nil, fmt.Errorf("failed to load latest ledger entry for store '%s': %w", storeID, err)
	}
	if len(entries) == 0 {
		return nil, nil
	}
	sortLedgerEntries(entries)
	return &entries[len(entries)-1], nil
}

// GetLedgerEntryByScenarioUser returns the entry for (scenario, user), or
// nil when the pair has not been simulated.
func (s *Store) GetLedgerEntryByScenarioUser(ctx context.Context, scenarioID, userID string) (*models.LedgerEntry, error) {
	var claim ledgerClaim
	claimKey := "week" + keySep + scenarioID + keySep + userID
	if err := s.db.Get(claimKey, &claim); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up ledger entry for scenario '%s' user '%s': %w", scenarioID, userID, err)
	}
	return s.GetLedgerEntry(ctx, claim.EntryID)
}

// sortLedgerEntries orders oldest first, with the seed entry pinned ahead
// of same-timestamp scenario entries.
func sortLedgerEntries(entries []models.LedgerEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].IsSeed() && !entries[j].IsSeed()
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
}
