// Package worker runs the direct-mode execution path: a processor pool that
// drains the simulation-direct topic, consults the oracle one job at a time,
// and appends results to the ledger.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/jcalloway/shopsim/internal/common"
	"github.com/jcalloway/shopsim/internal/interfaces"
	"github.com/jcalloway/shopsim/internal/models"
)

// idlePoll is how long a processor sleeps when the topic is empty.
const idlePoll = 1 * time.Second

// DirectWorker consumes the simulation-direct topic with a fixed-size
// processor pool.
type DirectWorker struct {
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

// NewDirectWorker creates the direct-mode worker pool.
func NewDirectWorker(
	storage interfaces.StorageManager,
	oracle interfaces.OracleClient,
	builder interfaces.RequestBuilder,
	ledger interfaces.LedgerEngine,
	notify interfaces.NotificationSink,
	config common.SimulationConfig,
	logger *common.Logger,
) *DirectWorker {
	return &DirectWorker{
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
func (w *DirectWorker) safeGo(name string, fn func()) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				w.logger.Error().
					Str("goroutine", name).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).
					Msg("Recovered from panic in direct worker goroutine")
			}
		}()
		fn()
	}()
}

// Start launches the processor pool. Safe to call again after Stop.
func (w *DirectWorker) Start() {
	if w.cancel != nil {
		w.Stop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	for i := 0; i < w.config.DirectWorkerConcurrency; i++ {
		name := fmt.Sprintf("direct-processor-%d", i)
		w.safeGo(name, func() { w.processLoop(ctx) })
	}
	w.logger.Info().
		Int("concurrency", w.config.DirectWorkerConcurrency).
		Msg("Direct worker started")
}

// Stop cancels the pool and waits for in-flight jobs to settle.
func (w *DirectWorker) Stop() {
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	w.wg.Wait()
	w.logger.Info().Msg("Direct worker stopped")
}

// processLoop continuously dequeues and executes direct simulation messages.
func (w *DirectWorker) processLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := w.storage.Queue().Dequeue(ctx, models.TopicSimulationDirect)
		if err != nil {
			w.logger.Warn().Err(err).Msg("Direct worker: dequeue error")
		}
		if msg == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(idlePoll):
			}
			continue
		}
		w.handleMessage(ctx, msg)
	}
}

// handleMessage claims the referenced job and runs one simulation attempt.
func (w *DirectWorker) handleMessage(ctx context.Context, msg *models.QueueMessage) {
	var payload models.DirectPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		w.logger.Error().Err(err).Str("message_id", msg.ID).Msg("Direct worker: bad payload")
		_ = w.storage.Queue().Complete(ctx, msg.ID, models.MessageStatusDead)
		return
	}

	job, err := w.storage.Jobs().Claim(ctx, payload.JobID)
	if err != nil {
		// Already claimed, completed, cancelled, or gone. The message has
		// served its purpose either way.
		w.logger.Debug().Err(err).Str("job_id", payload.JobID).Msg("Direct worker: claim declined")
		_ = w.storage.Queue().Complete(ctx, msg.ID, models.MessageStatusDone)
		return
	}

	if err := w.Execute(ctx, job); err != nil {
		if models.KindOf(err).Transient() && job.Attempts < job.MaxAttempts {
			w.retry(ctx, msg, job, err)
			return
		}
		w.fail(ctx, msg, job, err)
		return
	}
	_ = w.storage.Queue().Complete(ctx, msg.ID, models.MessageStatusDone)
}

// Execute runs one simulation attempt for a claimed job: build the request,
// consult the oracle, validate the reply, and append to the ledger. On
// success the job is marked completed. The error return carries the
// models.ErrorKind that decides retry versus terminal failure.
func (w *DirectWorker) Execute(ctx context.Context, job *models.Job) error {
	if job.Snapshot == nil {
		return models.Errf(models.ErrorKindValidation, "job '%s' has no calculation context snapshot", job.ID)
	}

	_, req, err := w.builder.Build(ctx, job.Snapshot)
	if err != nil {
		return err
	}
	// Persist the exact request for audit before any oracle traffic.
	job.OracleRequest = req
	if err := w.storage.Jobs().Update(ctx, job); err != nil {
		return models.WrapErr(models.ErrorKindInternal, err, "failed to persist oracle request")
	}

	completion, err := w.oracle.Complete(ctx, req)
	if err != nil {
		return err
	}
	if len(completion.Choices) == 0 {
		return models.Errf(models.ErrorKindOracleContent, "oracle returned no choices")
	}

	result, warning, err := w.builder.ParseResult([]byte(completion.Choices[0].Message.Content), job)
	if err != nil {
		return err
	}
	job.Warning = warning

	if !job.DryRun {
		entry, err := w.appendResult(ctx, job, result, completion.ID)
		if err != nil {
			return err
		}
		job.LedgerEntryID = entry.ID

		if err := w.notify.Emit(ctx, &models.NotificationPayload{
			EventKind:  models.EventScenarioClosedForUser,
			EntryID:    entry.ID,
			ScenarioID: job.ScenarioID,
			UserID:     job.UserID,
			NetProfit:  entry.NetProfit,
		}); err != nil {
			w.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Notification emit failed")
		}
	}

	job.State = models.JobStateCompleted
	job.CompletedAt = time.Now()
	job.Error = nil
	if err := w.storage.Jobs().Update(ctx, job); err != nil {
		return models.WrapErr(models.ErrorKindInternal, err, "failed to mark job completed")
	}
	w.logger.Info().
		Str("job_id", job.ID).
		Str("user_id", job.UserID).
		Bool("dry_run", job.DryRun).
		Str("ledger_entry_id", job.LedgerEntryID).
		Msg("Simulation job completed")
	return nil
}

// appendResult writes the ledger entry. A duplicate (scenario, user) means a
// previous attempt already landed; the job adopts that entry instead of
// failing, making redelivery a no-op.
func (w *DirectWorker) appendResult(ctx context.Context, job *models.Job, result *models.SimulationResult, runID string) (*models.LedgerEntry, error) {
	entry, err := w.ledger.Append(ctx, &interfaces.AppendInput{
		StoreID:            job.StoreID,
		ClassroomID:        job.ClassroomID,
		ScenarioID:         job.ScenarioID,
		SubmissionID:       job.SubmissionID,
		UserID:             job.UserID,
		Result:             result,
		Capacity:           job.Snapshot.StoreType.Capacity,
		AIMeta:             models.RunMetadata(w.oracle.Model(), runID),
		CalculationContext: job.Snapshot,
	})
	if err == nil {
		return entry, nil
	}
	if models.KindOf(err) == models.ErrorKindInvariant {
		if existing, lookupErr := w.storage.Ledger().GetByScenarioUser(ctx, job.ScenarioID, job.UserID); lookupErr == nil && existing != nil {
			w.logger.Info().
				Str("job_id", job.ID).
				Str("entry_id", existing.ID).
				Msg("Ledger entry already exists, adopting")
			return existing, nil
		}
	}
	return nil, err
}

// retry returns the job to pending and redelivers the message after backoff.
func (w *DirectWorker) retry(ctx context.Context, msg *models.QueueMessage, job *models.Job, cause error) {
	job.State = models.JobStatePending
	job.Error = models.NewJobError(cause, job.Attempts)
	if err := w.storage.Jobs().Update(ctx, job); err != nil {
		w.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to return job to pending")
	}

	delay := Backoff(w.config, job.Attempts)
	if err := w.storage.Queue().Release(ctx, msg.ID, time.Now().Add(delay)); err != nil {
		w.logger.Error().Err(err).Str("message_id", msg.ID).Msg("Failed to release message")
	}
	w.logger.Warn().
		Str("job_id", job.ID).
		Int("attempt", job.Attempts).
		Dur("retry_in", delay).
		Err(cause).
		Msg("Transient simulation failure, retrying")
}

// fail marks the job terminally failed.
func (w *DirectWorker) fail(ctx context.Context, msg *models.QueueMessage, job *models.Job, cause error) {
	job.State = models.JobStateFailed
	job.Error = models.NewJobError(cause, job.Attempts)
	job.CompletedAt = time.Now()
	if err := w.storage.Jobs().Update(ctx, job); err != nil {
		w.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to mark job failed")
	}
	_ = w.storage.Queue().Complete(ctx, msg.ID, models.MessageStatusDone)
	w.logger.Error().
		Str("job_id", job.ID).
		Str("user_id", job.UserID).
		Int("attempts", job.Attempts).
		Err(cause).
		Msg("Simulation job failed")
}
