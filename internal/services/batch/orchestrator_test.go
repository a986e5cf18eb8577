package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/jcalloway/shopsim/internal/common"
	"github.com/jcalloway/shopsim/internal/interfaces"
	"github.com/jcalloway/shopsim/internal/models"
	"github.com/jcalloway/shopsim/internal/services/ledger"
	"github.com/jcalloway/shopsim/internal/services/notify"
	"github.com/jcalloway/shopsim/internal/services/prompt"
	"github.com/jcalloway/shopsim/internal/storage"
	"github.com/jcalloway/shopsim/internal/storage/simdb"
)

// mockOracle serves the batch endpoints from canned state.
type mockOracle struct {
	uploaded    []byte
	batchStatus string
	outputFile  string
	output      string
	getErr      error
}

func (m *mockOracle) Complete(context.Context, *models.OracleRequest) (*models.ChatCompletion, error) {
	return nil, models.Errf(models.ErrorKindInternal, "direct completion not expected in batch mode")
}

func (m *mockOracle) UploadFile(_ context.Context, filename string, r io.Reader) (*models.OracleFile, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	m.uploaded = data
	return &models.OracleFile{ID: "file-in-1", Filename: filename, Bytes: int64(len(data))}, nil
}

func (m *mockOracle) CreateBatch(_ context.Context, inputFileID, endpoint string) (*models.OracleBatch, error) {
	return &models.OracleBatch{ID: "ob-1", Status: "validating", Endpoint: endpoint, InputFileID: inputFileID}, nil
}

func (m *mockOracle) GetBatch(context.Context, string) (*models.OracleBatch, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	return &models.OracleBatch{ID: "ob-1", Status: m.batchStatus, OutputFileID: m.outputFile}, nil
}

func (m *mockOracle) DownloadFile(context.Context, string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(m.output)), nil
}

func (m *mockOracle) Endpoint() string { return "/v1/chat/completions" }
func (m *mockOracle) Model() string    { return "m" }

type fixture struct {
	storage      interfaces.StorageManager
	engine       *ledger.Engine
	orchestrator *Orchestrator
	oracle       *mockOracle
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := simdb.NewStore(common.NewSilentLogger(), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	logger := common.NewSilentLogger()
	mgr := storage.NewManagerWithStore(store, logger)
	engine := ledger.NewEngine(mgr.Ledger(), logger)
	cfg := common.NewDefaultConfig().Simulation
	builder := prompt.NewBuilder("m", cfg, logger)
	gateway := notify.NewGateway(mgr.Queue(), logger)
	oracle := &mockOracle{}

	return &fixture{
		storage:      mgr,
		engine:       engine,
		orchestrator: NewOrchestrator(mgr, oracle, builder, engine, gateway, cfg, logger),
		oracle:       oracle,
	}
}

// seedStudent seeds one student's ledger and creates a pending job for the
// shared scenario.
func (f *fixture) seedStudent(t *testing.T, userID string) *models.Job {
	t.Helper()
	ctx := context.Background()

	classroom := &models.Classroom{ID: "class-1", StartingBalance: 10000}
	storeType := &models.StoreType{
		ID:            "type-1",
		Capacity:      models.BucketCapacity{Refrigerated: 200, Ambient: 500, NotForResale: 100},
		StartingUnits: models.InventoryLevels{RefrigeratedUnits: 30, AmbientUnits: 80, NotForResaleUnits: 10},
	}
	store := &models.Store{ID: "store-" + userID, ClassroomID: "class-1", UserID: userID, StoreTypeID: "type-1"}
	scenario := &models.Scenario{ID: "scen-1", ClassroomID: "class-1", Status: models.ScenarioStatusClosed}
	submission := &models.Submission{
		ID: "sub-" + userID, ScenarioID: "scen-1", ClassroomID: "class-1", UserID: userID,
		Generation: models.SubmissionGeneration{Method: models.SubmissionManual},
	}

	if _, err := f.engine.Seed(ctx, store, storeType, classroom); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	job := &models.Job{
		ID: "job-" + userID, ClassroomID: "class-1", ScenarioID: "scen-1", UserID: userID,
		SubmissionID: submission.ID, StoreID: store.ID,
		ExpectedCashBefore: 10000,
		ExpectedInventory:  storeType.StartingUnits,
		Snapshot: &models.CalculationContext{
			Classroom: classroom, Store: store, StoreType: storeType,
			Scenario: scenario, Outcome: &models.ScenarioOutcome{ScenarioID: "scen-1"},
			Submission: submission,
			CashBefore: 10000, Inventory: storeType.StartingUnits,
			CapturedAt: time.Now(),
		},
		State:       models.JobStatePending,
		MaxAttempts: 3,
	}
	if err := f.storage.Jobs().Create(ctx, job); err != nil {
		t.Fatal(err)
	}
	return job
}

func (f *fixture) createBatch(t *testing.T, state models.BatchState) *models.Batch {
	t.Helper()
	b := &models.Batch{ID: "batch-1", ScenarioID: "scen-1", ClassroomID: "class-1", State: state}
	if state != models.BatchStateCreated {
		b.OracleBatchID = "ob-1"
		b.InputFileID = "file-in-1"
	}
	if err := f.storage.Batches().Create(context.Background(), b); err != nil {
		t.Fatal(err)
	}
	return b
}

// deliver publishes a batch payload and runs it through handleMessage.
func (f *fixture) deliver(t *testing.T, payload models.BatchPayload) {
	t.Helper()
	ctx := context.Background()
	if err := f.storage.Queue().Publish(ctx, models.TopicSimulationBatch, payload, time.Now()); err != nil {
		t.Fatal(err)
	}
	msg, err := f.storage.Queue().Dequeue(ctx, models.TopicSimulationBatch)
	if err != nil || msg == nil {
		t.Fatalf("dequeue: msg=%v err=%v", msg, err)
	}
	f.orchestrator.handleMessage(ctx, msg)
}

// oracleReply mirrors the structured week result the oracle produces:
// netProfit 200 on the given anchor, inventory unchanged.
func oracleReply(cashBefore float64) string {
	return fmt.Sprintf(`{
		"sales": 120, "revenue": 600, "costs": 400, "waste": 0,
		"cashBefore": %f, "cashAfter": %f, "netProfit": 200,
		"inventoryState": {"refrigeratedUnits": 30, "ambientUnits": 80, "notForResaleUnits": 10},
		"randomEvent": null,
		"summary": "Good week.",
		"education": {
			"demandForecast": 110, "demandActual": 120, "serviceLevel": 0.95, "fillRate": 0.92,
			"stockoutUnits": 0, "lostSalesUnits": 0, "backorderUnits": 0, "realizedUnitPrice": 5,
			"materialFlowByBucket": {
				"refrigerated": {"beginUnits": 30, "receivedUnits": 0, "usedUnits": 0, "wasteUnits": 0, "endUnits": 30, "endUnitsValue": 90},
				"ambient": {"beginUnits": 80, "receivedUnits": 0, "usedUnits": 0, "wasteUnits": 0, "endUnits": 80, "endUnitsValue": 160},
				"notForResale": {"beginUnits": 10, "receivedUnits": 0, "usedUnits": 0, "wasteUnits": 0, "endUnits": 10, "endUnitsValue": 20},
				"explanation": "No movement."
			},
			"costBreakdown": {
				"ingredientCost": 300, "laborCost": 80, "logisticsCost": 20, "tariffCost": 0,
				"holdingCost": 0, "overflowStorageCost": 0, "expediteCost": 0, "wasteDisposalCost": 0,
				"otherCost": 0, "explanation": "Mostly ingredients."
			},
			"teachingNotes": "Demand beat the forecast."
		}
	}`, cashBefore, cashBefore+200)
}

// outputLine builds one batch output line carrying a successful completion.
func outputLine(t *testing.T, jobID, content string) string {
	t.Helper()
	escaped, err := json.Marshal(content)
	if err != nil {
		t.Fatal(err)
	}
	body := fmt.Sprintf(`{"id":"run-1","model":"m","choices":[{"index":0,"message":{"role":"assistant","content":%s},"finish_reason":"stop"}]}`, escaped)
	line := models.BatchOutputLine{
		CustomID: jobID,
		Response: &models.BatchItemResponse{StatusCode: 200, Body: json.RawMessage(body)},
	}
	data, err := json.Marshal(&line)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestSubmitEnclosesJobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.seedStudent(t, "user-1")
	batch := f.createBatch(t, models.BatchStateCreated)

	f.deliver(t, models.BatchPayload{Action: models.BatchActionSubmit, ScenarioID: "scen-1", BatchID: batch.ID})

	after, _ := f.storage.Batches().Get(ctx, batch.ID)
	if after.State != models.BatchStateSubmitted || after.OracleBatchID != "ob-1" || after.JobCount != 1 {
		t.Errorf("batch = %+v", after)
	}
	enclosed, _ := f.storage.Jobs().Get(ctx, job.ID)
	if enclosed.State != models.JobStateRunning || enclosed.Batch.BatchID != batch.ID {
		t.Errorf("job = %+v", enclosed)
	}
	if enclosed.OracleRequest == nil {
		t.Error("oracle request should be persisted before upload")
	}
	// The uploaded file carries one request line per job.
	if lines := strings.Count(strings.TrimSpace(string(f.oracle.uploaded)), "\n") + 1; lines != 1 {
		t.Errorf("uploaded %d lines, want 1", lines)
	}
	var reqLine models.BatchRequestLine
	if err := json.Unmarshal([]byte(strings.SplitN(string(f.oracle.uploaded), "\n", 2)[0]), &reqLine); err != nil {
		t.Fatal(err)
	}
	if reqLine.CustomID != job.ID || reqLine.Method != "POST" {
		t.Errorf("request line = %+v", reqLine)
	}
	// A poll is scheduled for later.
	if pending, _ := f.storage.Queue().CountPending(ctx, models.TopicSimulationBatch); pending != 1 {
		t.Errorf("pending batch messages = %d, want the scheduled poll", pending)
	}
}

func TestSubmitWithoutJobsFailsBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	batch := f.createBatch(t, models.BatchStateCreated)

	f.deliver(t, models.BatchPayload{Action: models.BatchActionSubmit, ScenarioID: "scen-1", BatchID: batch.ID})

	after, _ := f.storage.Batches().Get(ctx, batch.ID)
	if after.State != models.BatchStateFailed {
		t.Errorf("batch state = %s, want failed", after.State)
	}
}

func TestSubmitRedeliveryIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedStudent(t, "user-1")
	batch := f.createBatch(t, models.BatchStateCreated)

	f.deliver(t, models.BatchPayload{Action: models.BatchActionSubmit, ScenarioID: "scen-1", BatchID: batch.ID})
	f.deliver(t, models.BatchPayload{Action: models.BatchActionSubmit, ScenarioID: "scen-1", BatchID: batch.ID})

	after, _ := f.storage.Batches().Get(ctx, batch.ID)
	if after.State != models.BatchStateSubmitted {
		t.Errorf("batch state = %s", after.State)
	}
}

func TestPollCompletedFansOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.seedStudent(t, "user-1")
	batch := f.createBatch(t, models.BatchStateSubmitted)
	if _, err := f.storage.Jobs().ClaimPendingForScenario(ctx, "scen-1", batch.ID, batch.InputFileID); err != nil {
		t.Fatal(err)
	}

	f.oracle.batchStatus = "completed"
	f.oracle.outputFile = "file-out-1"
	f.oracle.output = outputLine(t, job.ID, oracleReply(10000)) + "\n"

	f.deliver(t, models.BatchPayload{Action: models.BatchActionPoll, ScenarioID: "scen-1", BatchID: batch.ID, OracleBatchID: "ob-1"})

	after, _ := f.storage.Batches().Get(ctx, batch.ID)
	if after.State != models.BatchStateCompleted || after.OutputFileID != "file-out-1" {
		t.Errorf("batch = %+v", after)
	}
	done, _ := f.storage.Jobs().Get(ctx, job.ID)
	if done.State != models.JobStateCompleted || done.LedgerEntryID == "" {
		t.Errorf("job = %+v", done)
	}
	entry, _ := f.storage.Ledger().GetByScenarioUser(ctx, "scen-1", "user-1")
	if entry == nil || entry.CashAfter != 10200 {
		t.Errorf("entry = %+v", entry)
	}
	if msg, _ := f.storage.Queue().Dequeue(ctx, models.TopicNotifications); msg == nil {
		t.Error("completion should notify")
	}
}

func TestPollInProgressReschedules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedStudent(t, "user-1")
	batch := f.createBatch(t, models.BatchStateSubmitted)
	if _, err := f.storage.Jobs().ClaimPendingForScenario(ctx, "scen-1", batch.ID, batch.InputFileID); err != nil {
		t.Fatal(err)
	}
	f.oracle.batchStatus = "in_progress"

	f.deliver(t, models.BatchPayload{Action: models.BatchActionPoll, ScenarioID: "scen-1", BatchID: batch.ID, OracleBatchID: "ob-1"})

	after, _ := f.storage.Batches().Get(ctx, batch.ID)
	if after.State != models.BatchStateInProgress || after.PollAttempts != 1 {
		t.Errorf("batch = %+v", after)
	}
	// The poll message is released with a future due time, not redelivered now.
	if msg, _ := f.storage.Queue().Dequeue(ctx, models.TopicSimulationBatch); msg != nil {
		t.Error("poll should be delayed")
	}
	if pending, _ := f.storage.Queue().CountPending(ctx, models.TopicSimulationBatch); pending != 1 {
		t.Errorf("pending = %d", pending)
	}
}

func TestPollExpiredFailsJobsTransiently(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.seedStudent(t, "user-1")
	batch := f.createBatch(t, models.BatchStateSubmitted)
	if _, err := f.storage.Jobs().ClaimPendingForScenario(ctx, "scen-1", batch.ID, batch.InputFileID); err != nil {
		t.Fatal(err)
	}
	f.oracle.batchStatus = "expired"

	f.deliver(t, models.BatchPayload{Action: models.BatchActionPoll, ScenarioID: "scen-1", BatchID: batch.ID, OracleBatchID: "ob-1"})

	after, _ := f.storage.Batches().Get(ctx, batch.ID)
	if after.State != models.BatchStateExpired {
		t.Errorf("batch state = %s", after.State)
	}
	failed, _ := f.storage.Jobs().Get(ctx, job.ID)
	if failed.State != models.JobStateFailed {
		t.Errorf("job state = %s", failed.State)
	}
	// Expiry stays requeueable.
	if failed.Error == nil || failed.Error.Kind != models.ErrorKindOracleTransient {
		t.Errorf("job error = %+v", failed.Error)
	}
}

func TestTerminalPollSparesRequeuedJobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	enclosed := f.seedStudent(t, "user-1")
	requeued := f.seedStudent(t, "user-2")
	batch := f.createBatch(t, models.BatchStateSubmitted)
	if _, err := f.storage.Jobs().ClaimPendingForScenario(ctx, "scen-1", batch.ID, batch.InputFileID); err != nil {
		t.Fatal(err)
	}

	// An admin requeued the second job onto the direct topic; it is pending
	// again with no batch reference.
	requeued, _ = f.storage.Jobs().Get(ctx, requeued.ID)
	requeued.State = models.JobStatePending
	requeued.Batch = models.JobBatchRef{}
	if err := f.storage.Jobs().Update(ctx, requeued); err != nil {
		t.Fatal(err)
	}

	f.oracle.batchStatus = "expired"
	f.deliver(t, models.BatchPayload{Action: models.BatchActionPoll, ScenarioID: "scen-1", BatchID: batch.ID, OracleBatchID: "ob-1"})

	failed, _ := f.storage.Jobs().Get(ctx, enclosed.ID)
	if failed.State != models.JobStateFailed {
		t.Errorf("enclosed job state = %s", failed.State)
	}
	spared, _ := f.storage.Jobs().Get(ctx, requeued.ID)
	if spared.State != models.JobStatePending {
		t.Errorf("requeued job should stay pending, got %s", spared.State)
	}
}

func TestFanOutReplaySkipsResolvedJobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	resolved := f.seedStudent(t, "user-1")
	fresh := f.seedStudent(t, "user-2")
	batch := f.createBatch(t, models.BatchStateSubmitted)
	if _, err := f.storage.Jobs().ClaimPendingForScenario(ctx, "scen-1", batch.ID, batch.InputFileID); err != nil {
		t.Fatal(err)
	}

	// An earlier fan-out pass already settled the first job.
	resolved, _ = f.storage.Jobs().Get(ctx, resolved.ID)
	resolved.State = models.JobStateCompleted
	resolved.LedgerEntryID = "entry-prior"
	if err := f.storage.Jobs().Update(ctx, resolved); err != nil {
		t.Fatal(err)
	}

	f.oracle.batchStatus = "completed"
	f.oracle.outputFile = "file-out-1"
	f.oracle.output = outputLine(t, resolved.ID, oracleReply(10000)) + "\n" +
		outputLine(t, fresh.ID, oracleReply(10000)) + "\n"

	f.deliver(t, models.BatchPayload{Action: models.BatchActionPoll, ScenarioID: "scen-1", BatchID: batch.ID, OracleBatchID: "ob-1"})

	replayed, _ := f.storage.Jobs().Get(ctx, resolved.ID)
	if replayed.LedgerEntryID != "entry-prior" {
		t.Errorf("resolved job should be untouched, got %+v", replayed)
	}
	if entry, _ := f.storage.Ledger().GetByScenarioUser(ctx, "scen-1", "user-1"); entry != nil {
		t.Error("no entry should be appended for the resolved job")
	}
	applied, _ := f.storage.Jobs().Get(ctx, fresh.ID)
	if applied.State != models.JobStateCompleted || applied.LedgerEntryID == "" {
		t.Errorf("fresh job = %+v", applied)
	}
}

func TestFanOutFailsJobsMissingFromOutput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	present := f.seedStudent(t, "user-1")
	missing := f.seedStudent(t, "user-2")
	batch := f.createBatch(t, models.BatchStateSubmitted)
	if _, err := f.storage.Jobs().ClaimPendingForScenario(ctx, "scen-1", batch.ID, batch.InputFileID); err != nil {
		t.Fatal(err)
	}

	f.oracle.batchStatus = "completed"
	f.oracle.outputFile = "file-out-1"
	f.oracle.output = outputLine(t, present.ID, oracleReply(10000)) + "\n"

	f.deliver(t, models.BatchPayload{Action: models.BatchActionPoll, ScenarioID: "scen-1", BatchID: batch.ID, OracleBatchID: "ob-1"})

	ok, _ := f.storage.Jobs().Get(ctx, present.ID)
	if ok.State != models.JobStateCompleted {
		t.Errorf("present job = %s", ok.State)
	}
	gone, _ := f.storage.Jobs().Get(ctx, missing.ID)
	if gone.State != models.JobStateFailed {
		t.Errorf("missing job = %s", gone.State)
	}
	if gone.Error == nil || gone.Error.Kind != models.ErrorKindOraclePermanent {
		t.Errorf("missing job error = %+v", gone.Error)
	}
	after, _ := f.storage.Batches().Get(ctx, batch.ID)
	if after.State != models.BatchStateCompleted {
		t.Errorf("batch state = %s", after.State)
	}
}

func TestFanOutRateLimitedItemIsTransient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.seedStudent(t, "user-1")
	batch := f.createBatch(t, models.BatchStateSubmitted)
	if _, err := f.storage.Jobs().ClaimPendingForScenario(ctx, "scen-1", batch.ID, batch.InputFileID); err != nil {
		t.Fatal(err)
	}

	line := models.BatchOutputLine{
		CustomID: job.ID,
		Response: &models.BatchItemResponse{StatusCode: 429, Body: json.RawMessage(`{}`)},
	}
	data, _ := json.Marshal(&line)
	f.oracle.batchStatus = "completed"
	f.oracle.outputFile = "file-out-1"
	f.oracle.output = string(data) + "\n"

	f.deliver(t, models.BatchPayload{Action: models.BatchActionPoll, ScenarioID: "scen-1", BatchID: batch.ID, OracleBatchID: "ob-1"})

	failed, _ := f.storage.Jobs().Get(ctx, job.ID)
	if failed.State != models.JobStateFailed {
		t.Errorf("job state = %s", failed.State)
	}
	if failed.Error == nil || failed.Error.Kind != models.ErrorKindOracleTransient {
		t.Errorf("job error = %+v", failed.Error)
	}
}
