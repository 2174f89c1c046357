package xerosync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/mmdatafocus/buildflow_backend/config"
	"github.com/mmdatafocus/buildflow_backend/models"
	"github.com/mmdatafocus/buildflow_backend/utils"
)

var errRunCanceled = errors.New("sync run canceled")

const (
	progressEvery = 10
	cancelEvery   = 25
	syncLockTTL   = 30 * time.Minute
)

// ProcessSyncRun executes one queued run end to end. Safe against pub/sub
// redelivery: a run that already left the queued state is a no-op.
func ProcessSyncRun(ctx context.Context, runId uint) error {
	db := config.GetDB()

	var run models.XeroSyncRun
	if err := db.WithContext(ctx).Where("id = ?", runId).Take(&run).Error; err != nil {
		return fmt.Errorf("load sync run %d: %w", runId, err)
	}
	if run.Status != models.SyncRunStatusQueued {
		config.GetLogger().WithField("sync_run_id", runId).
			WithField("status", run.Status).
			Info("sync run already picked up; skipping redelivery")
		return nil
	}

	// One run at a time per (business, entity, direction).
	scope := run.EntityType + ":" + run.Direction
	lock, err := utils.SyncRunLock(ctx, run.BusinessId, scope, syncLockTTL)
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			// Keep ErrNotObtained in the chain: the run is still queued, and
			// the push handler nacks so pub/sub redelivers after the holder
			// releases the scope.
			return fmt.Errorf("sync already running for business_id=%s scope=%s: %w", run.BusinessId, scope, err)
		}
		return err
	}
	defer lock.Release(context.Background())

	var conn models.XeroConnection
	if err := db.WithContext(ctx).
		Where("id = ? AND business_id = ?", run.ConnectionId, run.BusinessId).
		Take(&conn).Error; err != nil {
		return failRun(ctx, &run, fmt.Errorf("load connection: %w", err))
	}
	if conn.Status != models.IntegrationStatusConnected {
		return failRun(ctx, &run, fmt.Errorf("connection is %s", conn.Status))
	}

	settings := DecodeConnectionSettings(conn.SettingsJSON)
	if !moduleEnabled(settings.Modules, run.EntityType) {
		return failRun(ctx, &run, fmt.Errorf("module %s is disabled for this connection", run.EntityType))
	}

	startedAt := time.Now().UTC()
	run.Status = models.SyncRunStatusRunning
	run.StartedAt = &startedAt
	if err := db.WithContext(ctx).Model(&models.XeroSyncRun{}).
		Where("id = ?", run.ID).
		Updates(map[string]interface{}{
			"status":     models.SyncRunStatusRunning,
			"started_at": &startedAt,
		}).Error; err != nil {
		return err
	}

	counters := RunCounters{}
	batch := newBatchSink(multiSink{logSink{}, dbSink{}, redisSink{}}, progressEvery)
	job := &syncJob{
		run:           &run,
		conn:          &conn,
		settings:      settings,
		client:        newXeroClient(conn.TenantId, newConnectionTokenProvider(&conn)),
		counters:      &counters,
		progress:      withCancelCheck(batch, &run),
		actor:         runActor(run.TriggeredBy),
		correlationId: correlationIdOrNew(ctx),
	}

	// Xero reports no collection totals, so the run starts with an unknown
	// total and the sinks show counters as they accumulate.
	job.progress.Start(ctx, &run, -1)
	runErr := dispatch(ctx, job)

	return finishRun(ctx, job, runErr)
}

// runActor labels audit rows with what drove the write, mirroring the
// username recorded on manual conflict resolution.
func runActor(triggeredBy string) string {
	if triggeredBy == "" {
		triggeredBy = models.SyncTriggeredSystem
	}
	return "sync:" + triggeredBy
}

func moduleEnabled(modules SyncModules, entityType string) bool {
	switch entityType {
	case models.SyncEntityContact:
		return modules.Contacts
	case models.SyncEntityInvoice:
		return modules.Invoices
	case models.SyncEntityPayment:
		return modules.Payments
	default:
		return false
	}
}

func dispatch(ctx context.Context, j *syncJob) error {
	switch {
	case j.run.EntityType == models.SyncEntityContact && j.run.Direction == models.SyncDirectionPull:
		return j.pullContacts(ctx)
	case j.run.EntityType == models.SyncEntityContact && j.run.Direction == models.SyncDirectionPush:
		return j.pushContacts(ctx)
	case j.run.EntityType == models.SyncEntityInvoice && j.run.Direction == models.SyncDirectionPull:
		return j.pullInvoices(ctx)
	case j.run.EntityType == models.SyncEntityInvoice && j.run.Direction == models.SyncDirectionPush:
		return j.pushInvoices(ctx)
	case j.run.EntityType == models.SyncEntityPayment && j.run.Direction == models.SyncDirectionPull:
		return j.pullPayments(ctx)
	case j.run.EntityType == models.SyncEntityPayment && j.run.Direction == models.SyncDirectionPush:
		return j.pushPayments(ctx)
	default:
		return fmt.Errorf("unknown entity/direction %s/%s", j.run.EntityType, j.run.Direction)
	}
}

// cancelCheckSink piggybacks on progress callbacks to poll cancel_requested
// every few records. A requested cancel flips the shared run struct, which the
// record loops observe through checkAbort.
type cancelCheckSink struct {
	inner ProgressSink
	run   *models.XeroSyncRun
	seen  int
}

func withCancelCheck(inner ProgressSink, run *models.XeroSyncRun) *cancelCheckSink {
	return &cancelCheckSink{inner: inner, run: run}
}

func (c *cancelCheckSink) Start(ctx context.Context, run *models.XeroSyncRun, total int) {
	c.inner.Start(ctx, run, total)
}

func (c *cancelCheckSink) Complete(ctx context.Context, run *models.XeroSyncRun, counters RunCounters, message string) {
	c.inner.Complete(ctx, run, counters, message)
}

func (c *cancelCheckSink) Fail(ctx context.Context, run *models.XeroSyncRun, counters RunCounters, err error) {
	c.inner.Fail(ctx, run, counters, err)
}

func (c *cancelCheckSink) Progress(ctx context.Context, run *models.XeroSyncRun, counters RunCounters) {
	c.inner.Progress(ctx, run, counters)
	c.seen++
	if c.seen%cancelEvery != 0 {
		return
	}
	var fresh models.XeroSyncRun
	err := config.GetDB().WithContext(ctx).
		Select("cancel_requested").
		Where("id = ?", run.ID).
		Take(&fresh).Error
	if err == nil && fresh.CancelRequested {
		run.CancelRequested = true
	}
}

// finalStatus folds the counters and the terminal error into the run status.
func finalStatus(counters RunCounters, runErr error) string {
	if runErr != nil {
		if errors.Is(runErr, errRunCanceled) || errors.Is(runErr, context.Canceled) {
			return models.SyncRunStatusCanceled
		}
		return models.SyncRunStatusFailed
	}
	if counters.Errors > 0 || counters.Conflicts > 0 {
		return models.SyncRunStatusPartial
	}
	return models.SyncRunStatusSuccess
}

func statusMessage(status string, c RunCounters) string {
	return fmt.Sprintf("%s: %d fetched, %d created, %d updated, %d skipped, %d conflicts, %d errors",
		status, c.Fetched, c.Created, c.Updated, c.Skipped, c.Conflicts, c.Errors)
}

func finishRun(ctx context.Context, j *syncJob, runErr error) error {
	db := config.GetDB()
	run := j.run

	if runErr == nil && run.CancelRequested {
		runErr = errRunCanceled
	}

	status := finalStatus(*j.counters, runErr)
	finishedAt := time.Now().UTC()
	durationMs := int64(0)
	if run.StartedAt != nil {
		durationMs = finishedAt.Sub(*run.StartedAt).Milliseconds()
	}
	errorMessage := ""
	if runErr != nil {
		errorMessage = runErr.Error()
	}

	updates := map[string]interface{}{
		"status":        status,
		"counters_json": j.counters.Encode(),
		"error_message": errorMessage,
		"finished_at":   &finishedAt,
		"duration_ms":   durationMs,
	}
	if err := db.WithContext(ctx).Model(&models.XeroSyncRun{}).
		Where("id = ?", run.ID).
		Updates(updates).Error; err != nil {
		config.LogError(config.GetLogger(), "xerosync", "finishRun", "failed to finalize sync run", run.ID, err)
	}

	connUpdates := map[string]interface{}{"last_sync_at": &finishedAt}
	if status == models.SyncRunStatusSuccess && !run.DryRun {
		connUpdates["last_success_sync_at"] = &finishedAt
	}
	if errors.Is(runErr, ErrAuthFailed) {
		// Tokens are dead; force the operator to reconnect.
		connUpdates["status"] = models.IntegrationStatusError
	}
	if err := db.WithContext(ctx).Model(&models.XeroConnection{}).
		Where("id = ?", run.ConnectionId).
		Updates(connUpdates).Error; err != nil {
		config.LogError(config.GetLogger(), "xerosync", "finishRun", "failed to update connection after sync run", run.ConnectionId, err)
	}

	// The terminal sink event carries the final status, so the redis snapshot
	// a poller reads after the run never says "running".
	run.Status = status
	run.ErrorMessage = errorMessage
	run.FinishedAt = &finishedAt
	run.DurationMs = durationMs
	if status == models.SyncRunStatusFailed {
		j.progress.Fail(ctx, run, *j.counters, runErr)
	} else {
		j.progress.Complete(ctx, run, *j.counters, statusMessage(status, *j.counters))
	}
	if err := config.SetRedisObject(lastRunKey(run.BusinessId), runSummaryFromModel(*run), 24*time.Hour); err != nil {
		config.LogError(config.GetLogger(), "xerosync", "finishRun", "failed to cache last run summary", run.ID, err)
	}

	j.log().WithField("status", status).
		WithField("duration_ms", durationMs).
		Info("sync run finished")

	if status == models.SyncRunStatusFailed {
		return runErr
	}
	return nil
}

func failRun(ctx context.Context, run *models.XeroSyncRun, cause error) error {
	finishedAt := time.Now().UTC()
	err := config.GetDB().WithContext(ctx).Model(&models.XeroSyncRun{}).
		Where("id = ?", run.ID).
		Updates(map[string]interface{}{
			"status":        models.SyncRunStatusFailed,
			"error_message": cause.Error(),
			"finished_at":   &finishedAt,
		}).Error
	if err != nil {
		config.LogError(config.GetLogger(), "xerosync", "failRun", "failed to mark sync run failed", run.ID, err)
	}
	return cause
}

func correlationIdOrNew(ctx context.Context) string {
	if id, ok := utils.GetCorrelationIdFromContext(ctx); ok && id != "" {
		return id
	}
	return uuid.New().String()
}

// checkAbort is called once per record inside the pull/push loops.
func (j *syncJob) checkAbort(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if j.run.CancelRequested {
		return errRunCanceled
	}
	return nil
}
