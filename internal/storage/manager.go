// Package storage wires the embedded simdb store to the storage contracts.
package storage

import (
	"context"
	"time"

	"github.com/jcalloway/shopsim/internal/common"
	"github.com/jcalloway/shopsim/internal/interfaces"
	"github.com/jcalloway/shopsim/internal/models"
	"github.com/jcalloway/shopsim/internal/storage/simdb"
)

// Manager exposes the collection views over one shared simdb.Store.
type Manager struct {
	store  *simdb.Store
	logger *common.Logger
}

// NewManager opens the embedded store at the configured path.
func NewManager(config *common.Config, logger *common.Logger) (*Manager, error) {
	store, err := simdb.NewStore(logger, config.Storage.Path)
	if err != nil {
		return nil, err
	}
	return &Manager{store: store, logger: logger}, nil
}

// NewManagerWithStore wraps an existing store (tests).
func NewManagerWithStore(store *simdb.Store, logger *common.Logger) *Manager {
	return &Manager{store: store, logger: logger}
}

func (m *Manager) Classrooms() interfaces.ClassroomStore     { return m.store }
func (m *Manager) StoreConfigs() interfaces.StoreConfigStore { return storeConfigs{m.store} }
func (m *Manager) Scenarios() interfaces.ScenarioStore       { return scenarios{m.store} }
func (m *Manager) Submissions() interfaces.SubmissionStore   { return submissions{m.store} }
func (m *Manager) Jobs() interfaces.JobStore                 { return jobs{m.store} }
func (m *Manager) Batches() interfaces.BatchStore            { return batches{m.store} }
func (m *Manager) Ledger() interfaces.LedgerStore            { return ledgerEntries{m.store} }
func (m *Manager) Queue() interfaces.MessageQueue            { return m.store }

// Close shuts down the underlying store.
func (m *Manager) Close() error {
	return m.store.Close()
}

// The views below rename simdb's collection-prefixed methods onto the
// per-collection contracts. Several contracts share method names (Save,
// Get) with different signatures, so one struct cannot implement them all.

type storeConfigs struct{ db *simdb.Store }

func (v storeConfigs) Save(ctx context.Context, s *models.Store) error { return v.db.SaveStore(ctx, s) }
func (v storeConfigs) Get(ctx context.Context, id string) (*models.Store, error) {
	return v.db.GetStore(ctx, id)
}
func (v storeConfigs) GetByUser(ctx context.Context, classroomID, userID string) (*models.Store, error) {
	return v.db.GetStoreByUser(ctx, classroomID, userID)
}
func (v storeConfigs) ListByClassroom(ctx context.Context, classroomID string) ([]*models.Store, error) {
	return v.db.ListStoresByClassroom(ctx, classroomID)
}

type scenarios struct{ db *simdb.Store }

func (v scenarios) Save(ctx context.Context, s *models.Scenario) error {
	return v.db.SaveScenario(ctx, s)
}
func (v scenarios) Get(ctx context.Context, id string) (*models.Scenario, error) {
	return v.db.GetScenario(ctx, id)
}
func (v scenarios) SaveOutcome(ctx context.Context, o *models.ScenarioOutcome) error {
	return v.db.SaveScenarioOutcome(ctx, o)
}
func (v scenarios) GetOutcome(ctx context.Context, scenarioID string) (*models.ScenarioOutcome, error) {
	return v.db.GetScenarioOutcome(ctx, scenarioID)
}

type submissions struct{ db *simdb.Store }

func (v submissions) Save(ctx context.Context, s *models.Submission) error {
	return v.db.SaveSubmission(ctx, s)
}
func (v submissions) Get(ctx context.Context, id string) (*models.Submission, error) {
	return v.db.GetSubmission(ctx, id)
}
func (v submissions) GetByScenarioUser(ctx context.Context, scenarioID, userID string) (*models.Submission, error) {
	return v.db.GetSubmissionByScenarioUser(ctx, scenarioID, userID)
}
func (v submissions) ListByScenario(ctx context.Context, scenarioID string) ([]*models.Submission, error) {
	return v.db.ListSubmissionsByScenario(ctx, scenarioID)
}

type jobs struct{ db *simdb.Store }

func (v jobs) Create(ctx context.Context, job *models.Job) error { return v.db.CreateJob(ctx, job) }
func (v jobs) Get(ctx context.Context, id string) (*models.Job, error) {
	return v.db.GetJob(ctx, id)
}
func (v jobs) Update(ctx context.Context, job *models.Job) error { return v.db.UpdateJob(ctx, job) }
func (v jobs) Claim(ctx context.Context, id string) (*models.Job, error) {
	return v.db.ClaimJob(ctx, id)
}
func (v jobs) ClaimPendingForScenario(ctx context.Context, scenarioID, batchID, inputFileID string) ([]*models.Job, error) {
	return v.db.ClaimPendingJobsForScenario(ctx, scenarioID, batchID, inputFileID)
}
func (v jobs) ListPendingByScenario(ctx context.Context, scenarioID string) ([]*models.Job, error) {
	return v.db.ListPendingJobsByScenario(ctx, scenarioID)
}
func (v jobs) ListRunningByBatch(ctx context.Context, batchID string) ([]*models.Job, error) {
	return v.db.ListRunningJobsByBatch(ctx, batchID)
}
func (v jobs) HasActive(ctx context.Context, scenarioID, userID string) (bool, error) {
	return v.db.HasActiveJob(ctx, scenarioID, userID)
}
func (v jobs) ResetRunning(ctx context.Context) (int, error) {
	return v.db.ResetRunningJobs(ctx)
}
func (v jobs) PurgeFinished(ctx context.Context, olderThan time.Time) (int, error) {
	return v.db.PurgeFinishedJobs(ctx, olderThan)
}

type batches struct{ db *simdb.Store }

func (v batches) Create(ctx context.Context, b *models.Batch) error { return v.db.CreateBatch(ctx, b) }
func (v batches) Get(ctx context.Context, id string) (*models.Batch, error) {
	return v.db.GetBatch(ctx, id)
}
func (v batches) GetByOracleID(ctx context.Context, oracleBatchID string) (*models.Batch, error) {
	return v.db.GetBatchByOracleID(ctx, oracleBatchID)
}
func (v batches) Update(ctx context.Context, b *models.Batch) error { return v.db.UpdateBatch(ctx, b) }

type ledgerEntries struct{ db *simdb.Store }

func (v ledgerEntries) Insert(ctx context.Context, e *models.LedgerEntry) error {
	return v.db.InsertLedgerEntry(ctx, e)
}
func (v ledgerEntries) Get(ctx context.Context, id string) (*models.LedgerEntry, error) {
	return v.db.GetLedgerEntry(ctx, id)
}
func (v ledgerEntries) UpdateOverride(ctx context.Context, e *models.LedgerEntry) error {
	return v.db.UpdateLedgerOverride(ctx, e)
}
func (v ledgerEntries) History(ctx context.Context, classroomID, userID string) ([]*models.LedgerEntry, error) {
	return v.db.LedgerHistory(ctx, classroomID, userID)
}
func (v ledgerEntries) Latest(ctx context.Context, storeID, userID string) (*models.LedgerEntry, error) {
	return v.db.LatestLedgerEntry(ctx, storeID, userID)
}
func (v ledgerEntries) GetByScenarioUser(ctx context.Context, scenarioID, userID string) (*models.LedgerEntry, error) {
	return v.db.GetLedgerEntryByScenarioUser(ctx, scenarioID, userID)
}

var _ interfaces.StorageManager = (*Manager)(nil)
