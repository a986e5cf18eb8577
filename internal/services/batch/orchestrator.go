// Package batch runs the batch-mode execution path: submitting a scenario's
// jobs to the oracle's asynchronous bulk endpoint, polling until the batch
// settles, and fanning results out into the ledger.
package batch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jcalloway/shopsim/internal/common"
	"github.com/jcalloway/shopsim/internal/interfaces"
	"github.com/jcalloway/shopsim/internal/models"
	"github.com/jcalloway/shopsim/internal/services/worker"
)

// idlePoll is how long a processor sleeps when the topic is empty.
const idlePoll = 1 * time.Second

// firstPollDelay is the wait before the first status poll of a new batch.
const firstPollDelay = 60 * time.Second

// Orchestrator consumes the simulation-batch topic.
type Orchestrator struct {
	storage interfaces.StorageManager
	oracle  interfaces.OracleClient
	builder interfaces.RequestBuilder
	ledger  interfaces.LedgerEngine
	notify  interfaces.NotificationSink
	config  common.SimulationConfig
	logger  *common.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewOrchestrator creates the batch-mode orchestrator.
func NewOrchestrator(
	storage interfaces.StorageManager,
	oracle interfaces.OracleClient,
	builder interfaces.RequestBuilder,
	ledger interfaces.LedgerEngine,
	notify interfaces.NotificationSink,
	config common.SimulationConfig,
	logger *common.Logger,
) *Orchestrator {
	return &Orchestrator{
		storage: storage,
		oracle:  oracle,
		builder: builder,
		ledger:  ledger,
		notify:  notify,
		config:  config,
		logger:  logger,
	}
}

// safeGo launches a goroutine with panic recovery and logging.
func (o *Orchestrator) safeGo(name string, fn func()) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error().
					Str("goroutine", name).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).
					Msg("Recovered from panic in batch orchestrator goroutine")
			}
		}()
		fn()
	}()
}

// Start launches the processor pool.
func (o *Orchestrator) Start() {
	if o.cancel != nil {
		o.Stop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel

	for i := 0; i < o.config.BatchWorkerConcurrency; i++ {
		name := fmt.Sprintf("batch-processor-%d", i)
		o.safeGo(name, func() { o.processLoop(ctx) })
	}
	o.logger.Info().
		Int("concurrency", o.config.BatchWorkerConcurrency).
		Msg("Batch orchestrator started")
}

// Stop cancels the pool and waits for in-flight work to settle.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
	o.wg.Wait()
	o.logger.Info().Msg("Batch orchestrator stopped")
}

func (o *Orchestrator) processLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := o.storage.Queue().Dequeue(ctx, models.TopicSimulationBatch)
		if err != nil {
			o.logger.Warn().Err(err).Msg("Batch orchestrator: dequeue error")
		}
		if msg == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(idlePoll):
			}
			continue
		}
		o.handleMessage(ctx, msg)
	}
}

func (o *Orchestrator) handleMessage(ctx context.Context, msg *models.QueueMessage) {
	var payload models.BatchPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		o.logger.Error().Err(err).Str("message_id", msg.ID).Msg("Batch orchestrator: bad payload")
		_ = o.storage.Queue().Complete(ctx, msg.ID, models.MessageStatusDead)
		return
	}

	switch payload.Action {
	case models.BatchActionSubmit:
		o.handleSubmit(ctx, msg, &payload)
	case models.BatchActionPoll:
		o.handlePoll(ctx, msg, &payload)
	default:
		o.logger.Error().Str("action", payload.Action).Msg("Batch orchestrator: unknown action")
		_ = o.storage.Queue().Complete(ctx, msg.ID, models.MessageStatusDead)
	}
}

// handleSubmit builds the batch input file, uploads it, creates the oracle
// batch, and encloses the scenario's pending jobs.
func (o *Orchestrator) handleSubmit(ctx context.Context, msg *models.QueueMessage, payload *models.BatchPayload) {
	batch, err := o.storage.Batches().Get(ctx, payload.BatchID)
	if err != nil {
		o.logger.Error().Err(err).Str("batch_id", payload.BatchID).Msg("Submit: batch record missing")
		_ = o.storage.Queue().Complete(ctx, msg.ID, models.MessageStatusDead)
		return
	}
	if batch.State != models.BatchStateCreated {
		// Redelivery after the submit landed. Ensure polling is scheduled.
		o.logger.Debug().Str("batch_id", batch.ID).Str("state", string(batch.State)).Msg("Submit: already handled")
		if !batch.State.Terminal() {
			o.schedulePoll(ctx, batch, firstPollDelay)
		}
		_ = o.storage.Queue().Complete(ctx, msg.ID, models.MessageStatusDone)
		return
	}

	if err := o.submit(ctx, batch); err != nil {
		if models.KindOf(err).Transient() && msg.Attempts < o.config.BatchMaxAttemptsSubmit {
			delay := worker.Backoff(o.config, msg.Attempts)
			o.logger.Warn().Err(err).Str("batch_id", batch.ID).Dur("retry_in", delay).Msg("Submit failed, retrying")
			_ = o.storage.Queue().Release(ctx, msg.ID, time.Now().Add(delay))
			return
		}
		o.failBatch(ctx, batch, err)
		_ = o.storage.Queue().Complete(ctx, msg.ID, models.MessageStatusDone)
		return
	}

	o.schedulePoll(ctx, batch, firstPollDelay)
	_ = o.storage.Queue().Complete(ctx, msg.ID, models.MessageStatusDone)
}

// submit prepares and sends one batch to the oracle.
func (o *Orchestrator) submit(ctx context.Context, batch *models.Batch) error {
	jobs, err := o.storage.Jobs().ListPendingByScenario(ctx, batch.ScenarioID)
	if err != nil {
		return models.WrapErr(models.ErrorKindInternal, err, "failed to list pending jobs")
	}
	if len(jobs) == 0 {
		return models.Errf(models.ErrorKindValidation, "no pending jobs for scenario '%s'", batch.ScenarioID)
	}

	// Build and persist every request before any oracle traffic, so the
	// input file and the job records cannot disagree.
	lines := make([]models.BatchRequestLine, 0, len(jobs))
	for _, job := range jobs {
		_, req, err := o.builder.Build(ctx, job.Snapshot)
		if err != nil {
			return err
		}
		job.OracleRequest = req
		if err := o.storage.Jobs().Update(ctx, job); err != nil {
			return models.WrapErr(models.ErrorKindInternal, err, "failed to persist oracle request")
		}
		lines = append(lines, models.BatchRequestLine{
			CustomID: job.ID,
			Method:   "POST",
			URL:      o.oracle.Endpoint(),
			Body:     req,
		})
	}

	inputPath, err := writeInputFile(lines)
	if err != nil {
		return models.WrapErr(models.ErrorKindInternal, err, "failed to write batch input file")
	}
	defer os.Remove(inputPath)

	f, err := os.Open(inputPath)
	if err != nil {
		return models.WrapErr(models.ErrorKindInternal, err, "failed to reopen batch input file")
	}
	defer f.Close()

	file, err := o.oracle.UploadFile(ctx, fmt.Sprintf("scenario-%s.jsonl", batch.ScenarioID), f)
	if err != nil {
		return err
	}
	oracleBatch, err := o.oracle.CreateBatch(ctx, file.ID, o.oracle.Endpoint())
	if err != nil {
		return err
	}

	batch.OracleBatchID = oracleBatch.ID
	batch.InputFileID = file.ID
	batch.State = models.BatchStateSubmitted
	batch.JobCount = len(jobs)
	batch.SubmittedAt = time.Now()
	if err := o.storage.Batches().Update(ctx, batch); err != nil {
		return models.WrapErr(models.ErrorKindInternal, err, "failed to record batch submission")
	}

	if _, err := o.storage.Jobs().ClaimPendingForScenario(ctx, batch.ScenarioID, batch.ID, file.ID); err != nil {
		return models.WrapErr(models.ErrorKindInternal, err, "failed to enclose jobs in batch")
	}

	o.logger.Info().
		Str("batch_id", batch.ID).
		Str("oracle_batch_id", oracleBatch.ID).
		Int("jobs", len(jobs)).
		Msg("Batch submitted")
	return nil
}

// writeInputFile writes the request lines to an exclusively-owned temp file
// and returns its path. The caller deletes it after upload.
func writeInputFile(lines []models.BatchRequestLine) (string, error) {
	f, err := os.CreateTemp("", "shopsim-batch-*.jsonl")
	if err != nil {
		return "", err
	}
	enc := json.NewEncoder(f)
	for i := range lines {
		if err := enc.Encode(&lines[i]); err != nil {
			f.Close()
			os.Remove(f.Name())
			return "", err
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// handlePoll checks the oracle's view of a batch and advances the local
// state machine.
func (o *Orchestrator) handlePoll(ctx context.Context, msg *models.QueueMessage, payload *models.BatchPayload) {
	batch, err := o.storage.Batches().Get(ctx, payload.BatchID)
	if err != nil {
		o.logger.Error().Err(err).Str("batch_id", payload.BatchID).Msg("Poll: batch record missing")
		_ = o.storage.Queue().Complete(ctx, msg.ID, models.MessageStatusDead)
		return
	}
	if batch.State.Terminal() {
		_ = o.storage.Queue().Complete(ctx, msg.ID, models.MessageStatusDone)
		return
	}

	oracleBatch, err := o.oracle.GetBatch(ctx, batch.OracleBatchID)
	if err != nil {
		batch.PollAttempts++
		_ = o.storage.Batches().Update(ctx, batch)
		if models.KindOf(err).Transient() && batch.PollAttempts < o.config.BatchMaxAttemptsPoll {
			o.logger.Warn().Err(err).Str("batch_id", batch.ID).Int("poll_attempts", batch.PollAttempts).Msg("Poll failed, retrying")
			_ = o.storage.Queue().Release(ctx, msg.ID, time.Now().Add(o.pollDelay(batch.State)))
			return
		}
		o.failBatch(ctx, batch, models.WrapErr(models.ErrorKindOracleTransient, err, "batch polling exhausted"))
		_ = o.storage.Queue().Complete(ctx, msg.ID, models.MessageStatusDone)
		return
	}

	batch.PollAttempts++
	state := models.BatchStateFromOracle(oracleBatch.Status)
	o.logger.Debug().
		Str("batch_id", batch.ID).
		Str("oracle_status", oracleBatch.Status).
		Int("completed", oracleBatch.RequestCounts.Completed).
		Int("total", oracleBatch.RequestCounts.Total).
		Msg("Batch polled")

	switch state {
	case models.BatchStateCompleted:
		batch.OutputFileID = oracleBatch.OutputFileID
		if err := o.fanOut(ctx, batch); err != nil {
			if models.KindOf(err).Transient() && batch.PollAttempts < o.config.BatchMaxAttemptsPoll {
				_ = o.storage.Batches().Update(ctx, batch)
				o.logger.Warn().Err(err).Str("batch_id", batch.ID).Msg("Fan-out failed, retrying")
				_ = o.storage.Queue().Release(ctx, msg.ID, time.Now().Add(o.pollDelay(batch.State)))
				return
			}
			o.failBatch(ctx, batch, err)
			_ = o.storage.Queue().Complete(ctx, msg.ID, models.MessageStatusDone)
			return
		}
		batch.State = models.BatchStateCompleted
		batch.FinalizedAt = time.Now()
		_ = o.storage.Batches().Update(ctx, batch)
		o.logger.Info().Str("batch_id", batch.ID).Msg("Batch completed")
		_ = o.storage.Queue().Complete(ctx, msg.ID, models.MessageStatusDone)

	case models.BatchStateFailed, models.BatchStateExpired, models.BatchStateCancelled:
		batch.State = state
		o.failBatchJobs(ctx, batch, batchTerminalError(state))
		batch.Error = string(state)
		batch.FinalizedAt = time.Now()
		_ = o.storage.Batches().Update(ctx, batch)
		o.logger.Error().Str("batch_id", batch.ID).Str("state", string(state)).Msg("Batch ended without results")
		_ = o.storage.Queue().Complete(ctx, msg.ID, models.MessageStatusDone)

	default:
		if batch.PollAttempts >= o.config.BatchMaxAttemptsPoll {
			o.failBatch(ctx, batch, models.Errf(models.ErrorKindOracleTransient, "batch '%s' did not settle within %d polls", batch.ID, batch.PollAttempts))
			_ = o.storage.Queue().Complete(ctx, msg.ID, models.MessageStatusDone)
			return
		}
		batch.State = state
		_ = o.storage.Batches().Update(ctx, batch)
		_ = o.storage.Queue().Release(ctx, msg.ID, time.Now().Add(o.pollDelay(state)))
	}
}

// schedulePoll enqueues the next status check for a batch.
func (o *Orchestrator) schedulePoll(ctx context.Context, batch *models.Batch, delay time.Duration) {
	payload := models.BatchPayload{
		Action:        models.BatchActionPoll,
		ScenarioID:    batch.ScenarioID,
		BatchID:       batch.ID,
		OracleBatchID: batch.OracleBatchID,
	}
	if o.config.RetryBackoffJitterSeconds > 0 {
		delay += time.Duration(rand.Int63n(int64(o.config.RetryBackoffJitterSeconds) * int64(time.Second)))
	}
	if err := o.storage.Queue().Publish(ctx, models.TopicSimulationBatch, payload, time.Now().Add(delay)); err != nil {
		o.logger.Error().Err(err).Str("batch_id", batch.ID).Msg("Failed to schedule batch poll")
	}
}

// batchTerminalError maps a terminal oracle batch state onto the job error
// taxonomy. Expiry is transient from the job's point of view: a requeue
// into a fresh batch can still succeed.
func batchTerminalError(state models.BatchState) error {
	switch state {
	case models.BatchStateExpired:
		return models.Errf(models.ErrorKindOracleTransient, "oracle batch expired before completion")
	case models.BatchStateCancelled:
		return models.Errf(models.ErrorKindCancelled, "oracle batch was cancelled")
	}
	return models.Errf(models.ErrorKindOraclePermanent, "oracle batch failed")
}

// fanOut downloads the output file and applies each line to its job.
// Idempotent: lines for jobs no longer running are skipped, so a replay
// after a partial fan-out only applies the remainder.
func (o *Orchestrator) fanOut(ctx context.Context, batch *models.Batch) error {
	if batch.OutputFileID == "" {
		return models.Errf(models.ErrorKindOracleContent, "completed batch '%s' has no output file", batch.ID)
	}
	body, err := o.oracle.DownloadFile(ctx, batch.OutputFileID)
	if err != nil {
		return err
	}
	defer body.Close()

	var lines []*models.BatchOutputLine
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var out models.BatchOutputLine
		if err := json.Unmarshal(line, &out); err != nil {
			o.logger.Error().Err(err).Str("batch_id", batch.ID).Msg("Fan-out: malformed output line")
			continue
		}
		lines = append(lines, &out)
	}
	if err := scanner.Err(); err != nil {
		return models.WrapErr(models.ErrorKindOracleTransient, err, "failed to read batch output")
	}

	// Lines resolve independent jobs, so they apply concurrently, bounded by
	// the processor pool size.
	var applied atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(o.config.BatchWorkerConcurrency * 2)
	for _, out := range lines {
		out := out
		g.Go(func() error {
			if o.applyLine(ctx, batch, out) {
				applied.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	// Jobs the output never mentioned cannot complete.
	leftovers, err := o.storage.Jobs().ListRunningByBatch(ctx, batch.ID)
	if err != nil {
		return models.WrapErr(models.ErrorKindInternal, err, "failed to list leftover jobs")
	}
	for _, job := range leftovers {
		o.failJob(ctx, job, models.Errf(models.ErrorKindOraclePermanent, "job missing from batch output"))
	}

	o.logger.Info().
		Str("batch_id", batch.ID).
		Int64("applied", applied.Load()).
		Int("missing", len(leftovers)).
		Msg("Batch results fanned out")
	return nil
}

// applyLine resolves one output line against its job. Returns true when the
// line changed job state.
func (o *Orchestrator) applyLine(ctx context.Context, batch *models.Batch, out *models.BatchOutputLine) bool {
	job, err := o.storage.Jobs().Get(ctx, out.CustomID)
	if err != nil {
		o.logger.Warn().Err(err).Str("custom_id", out.CustomID).Msg("Fan-out: unknown job")
		return false
	}
	if job.State != models.JobStateRunning {
		// Already resolved by an earlier fan-out pass.
		return false
	}

	if out.Error != nil {
		o.failJob(ctx, job, models.Errf(models.ErrorKindOraclePermanent, "batch item error %s: %s", out.Error.Code, out.Error.Message))
		return true
	}
	if out.Response == nil {
		o.failJob(ctx, job, models.Errf(models.ErrorKindOracleContent, "batch item has neither response nor error"))
		return true
	}
	if out.Response.StatusCode != 200 {
		kind := models.ErrorKindOraclePermanent
		if out.Response.StatusCode == 429 || out.Response.StatusCode >= 500 {
			kind = models.ErrorKindOracleTransient
		}
		o.failJob(ctx, job, models.Errf(kind, "batch item returned status %d", out.Response.StatusCode))
		return true
	}

	var completion models.ChatCompletion
	if err := json.Unmarshal(out.Response.Body, &completion); err != nil {
		o.failJob(ctx, job, models.WrapErr(models.ErrorKindOracleContent, err, "batch item body is not a chat completion"))
		return true
	}
	if len(completion.Choices) == 0 {
		o.failJob(ctx, job, models.Errf(models.ErrorKindOracleContent, "batch item returned no choices"))
		return true
	}

	result, warning, err := o.builder.ParseResult([]byte(completion.Choices[0].Message.Content), job)
	if err != nil {
		o.failJob(ctx, job, err)
		return true
	}
	job.Warning = warning

	if !job.DryRun {
		entry, err := o.appendResult(ctx, job, result, completion.ID)
		if err != nil {
			o.failJob(ctx, job, err)
			return true
		}
		job.LedgerEntryID = entry.ID
		if err := o.notify.Emit(ctx, &models.NotificationPayload{
			EventKind:  models.EventScenarioClosedForUser,
			EntryID:    entry.ID,
			ScenarioID: job.ScenarioID,
			UserID:     job.UserID,
			NetProfit:  entry.NetProfit,
		}); err != nil {
			o.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Notification emit failed")
		}
	}

	job.State = models.JobStateCompleted
	job.CompletedAt = time.Now()
	job.Error = nil
	if err := o.storage.Jobs().Update(ctx, job); err != nil {
		o.logger.Error().Err(err).Str("job_id", job.ID).Msg("Fan-out: failed to mark job completed")
	}
	return true
}

// appendResult writes the ledger entry, adopting an existing entry when an
// earlier pass already landed it.
func (o *Orchestrator) appendResult(ctx context.Context, job *models.Job, result *models.SimulationResult, runID string) (*models.LedgerEntry, error) {
	entry, err := o.ledger.Append(ctx, &interfaces.AppendInput{
		StoreID:            job.StoreID,
		ClassroomID:        job.ClassroomID,
		ScenarioID:         job.ScenarioID,
		SubmissionID:       job.SubmissionID,
		UserID:             job.UserID,
		Result:             result,
		Capacity:           job.Snapshot.StoreType.Capacity,
		AIMeta:             models.RunMetadata(o.oracle.Model(), runID),
		CalculationContext: job.Snapshot,
	})
	if err == nil {
		return entry, nil
	}
	if models.KindOf(err) == models.ErrorKindInvariant {
		if existing, lookupErr := o.storage.Ledger().GetByScenarioUser(ctx, job.ScenarioID, job.UserID); lookupErr == nil && existing != nil {
			return existing, nil
		}
	}
	return nil, err
}

func (o *Orchestrator) failJob(ctx context.Context, job *models.Job, cause error) {
	job.State = models.JobStateFailed
	job.Error = models.NewJobError(cause, job.Attempts)
	job.CompletedAt = time.Now()
	if err := o.storage.Jobs().Update(ctx, job); err != nil {
		o.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to mark job failed")
	}
	o.logger.Error().Str("job_id", job.ID).Str("user_id", job.UserID).Err(cause).Msg("Batch job failed")
}

// failBatch marks the batch and all its unresolved jobs failed.
func (o *Orchestrator) failBatch(ctx context.Context, batch *models.Batch, cause error) {
	o.failBatchJobs(ctx, batch, cause)
	batch.State = models.BatchStateFailed
	batch.Error = cause.Error()
	batch.FinalizedAt = time.Now()
	if err := o.storage.Batches().Update(ctx, batch); err != nil {
		o.logger.Error().Err(err).Str("batch_id", batch.ID).Msg("Failed to mark batch failed")
	}
	o.logger.Error().Str("batch_id", batch.ID).Err(cause).Msg("Batch failed")
}

func (o *Orchestrator) failBatchJobs(ctx context.Context, batch *models.Batch, cause error) {
	jobs, err := o.storage.Jobs().ListRunningByBatch(ctx, batch.ID)
	if err != nil {
		o.logger.Error().Err(err).Str("batch_id", batch.ID).Msg("Failed to list batch jobs")
		return
	}
	for _, job := range jobs {
		o.failJob(ctx, job, cause)
	}
	// Only a batch that dies before enclosure leaves its jobs pending. Once
	// submitted, pending jobs of the scenario belong to admin requeues or a
	// successor batch and must not be touched.
	if batch.State != models.BatchStateCreated {
		return
	}
	pending, err := o.storage.Jobs().ListPendingByScenario(ctx, batch.ScenarioID)
	if err != nil {
		return
	}
	for _, job := range pending {
		o.failJob(ctx, job, cause)
	}
}

// pollDelay returns the next poll interval for the batch state, jittered.
func (o *Orchestrator) pollDelay(state models.BatchState) time.Duration {
	seconds := o.config.BatchPollSeconds
	if state == models.BatchStateFinalizing {
		seconds = o.config.BatchPollFinalizingSecs
	}
	if seconds > o.config.BatchPollMaxSeconds {
		seconds = o.config.BatchPollMaxSeconds
	}
	delay := time.Duration(seconds) * time.Second
	if o.config.RetryBackoffJitterSeconds > 0 {
		delay += time.Duration(rand.Int63n(int64(o.config.RetryBackoffJitterSeconds) * int64(time.Second)))
	}
	return delay
}
