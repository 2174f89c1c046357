package xerosync

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mmdatafocus/buildflow_backend/config"
	"github.com/mmdatafocus/buildflow_backend/models"
	"github.com/sirupsen/logrus"
)

// ProgressSink receives run lifecycle events. Start fires once before the
// first record (total is -1 when the remote does not report a count),
// Progress fires per record snapshot, and exactly one of Complete or Fail
// fires when the run finishes. Sinks must tolerate Progress being called
// often; batching is the sink's problem, not the caller's.
type ProgressSink interface {
	Start(ctx context.Context, run *models.XeroSyncRun, total int)
	Progress(ctx context.Context, run *models.XeroSyncRun, counters RunCounters)
	Complete(ctx context.Context, run *models.XeroSyncRun, counters RunCounters, message string)
	Fail(ctx context.Context, run *models.XeroSyncRun, counters RunCounters, err error)
}

func progressKey(businessId string) string {
	return "xerosync:progress:" + businessId
}

func lastRunKey(businessId string) string {
	return "xerosync:lastrun:" + businessId
}

// logSink writes lifecycle events to the structured log.
type logSink struct{}

func (logSink) fields(run *models.XeroSyncRun, counters RunCounters) logrus.Fields {
	return logrus.Fields{
		"sync_run_id": run.ID,
		"business_id": run.BusinessId,
		"entity_type": run.EntityType,
		"fetched":     counters.Fetched,
		"created":     counters.Created,
		"updated":     counters.Updated,
		"skipped":     counters.Skipped,
		"conflicts":   counters.Conflicts,
		"errors":      counters.Errors,
	}
}

func (s logSink) Start(ctx context.Context, run *models.XeroSyncRun, total int) {
	entry := config.GetLogger().WithFields(logrus.Fields{
		"sync_run_id": run.ID,
		"business_id": run.BusinessId,
		"entity_type": run.EntityType,
		"direction":   run.Direction,
	})
	if total >= 0 {
		entry = entry.WithField("total", total)
	}
	entry.Info("sync started")
}

func (s logSink) Progress(ctx context.Context, run *models.XeroSyncRun, counters RunCounters) {
	config.GetLogger().WithFields(s.fields(run, counters)).Info("sync progress")
}

func (s logSink) Complete(ctx context.Context, run *models.XeroSyncRun, counters RunCounters, message string) {
	config.GetLogger().WithFields(s.fields(run, counters)).
		WithField("message", message).Info("sync complete")
}

func (s logSink) Fail(ctx context.Context, run *models.XeroSyncRun, counters RunCounters, err error) {
	config.GetLogger().WithFields(s.fields(run, counters)).Error("sync failed: " + err.Error())
}

// dbSink persists counters onto the run row so the status endpoint shows live
// numbers. Terminal fields (status, finished_at) are the worker's to write;
// this sink only keeps counters_json fresh.
type dbSink struct{}

func (dbSink) persist(ctx context.Context, run *models.XeroSyncRun, counters RunCounters) {
	err := config.GetDB().WithContext(ctx).Model(&models.XeroSyncRun{}).
		Where("id = ?", run.ID).
		Update("counters_json", counters.Encode()).Error
	if err != nil {
		config.LogError(config.GetLogger(), "xerosync", "dbSink", "failed to persist sync progress", run.ID, err)
	}
}

func (s dbSink) Start(ctx context.Context, run *models.XeroSyncRun, total int) {
	s.persist(ctx, run, RunCounters{})
}

func (s dbSink) Progress(ctx context.Context, run *models.XeroSyncRun, counters RunCounters) {
	s.persist(ctx, run, counters)
}

func (s dbSink) Complete(ctx context.Context, run *models.XeroSyncRun, counters RunCounters, message string) {
	s.persist(ctx, run, counters)
}

func (s dbSink) Fail(ctx context.Context, run *models.XeroSyncRun, counters RunCounters, err error) {
	s.persist(ctx, run, counters)
}

// redisSink publishes the snapshot to a redis key the UI polls. The caller
// sets run.Status to its terminal value before Complete/Fail, so the last
// snapshot a poller sees is never "running".
type redisSink struct{}

func (redisSink) publish(ctx context.Context, run *models.XeroSyncRun, counters RunCounters, message string) {
	payload, _ := json.Marshal(map[string]interface{}{
		"sync_run_id": run.ID,
		"entity_type": run.EntityType,
		"direction":   run.Direction,
		"status":      run.Status,
		"counters":    counters,
		"message":     message,
	})
	key := progressKey(run.BusinessId)
	if err := config.SetRedisValue(key, string(payload), 10*time.Minute); err != nil {
		config.LogError(config.GetLogger(), "xerosync", "redisSink", "failed to publish sync progress", key, err)
	}
}

func (s redisSink) Start(ctx context.Context, run *models.XeroSyncRun, total int) {
	s.publish(ctx, run, RunCounters{}, "")
}

func (s redisSink) Progress(ctx context.Context, run *models.XeroSyncRun, counters RunCounters) {
	s.publish(ctx, run, counters, "")
}

func (s redisSink) Complete(ctx context.Context, run *models.XeroSyncRun, counters RunCounters, message string) {
	s.publish(ctx, run, counters, message)
}

func (s redisSink) Fail(ctx context.Context, run *models.XeroSyncRun, counters RunCounters, err error) {
	s.publish(ctx, run, counters, err.Error())
}

// batchSink forwards every Nth Progress snapshot so the underlying sink is
// not hammered once per record. Lifecycle events pass through unbatched.
type batchSink struct {
	inner ProgressSink
	every int
	seen  int
}

func newBatchSink(inner ProgressSink, every int) *batchSink {
	if every < 1 {
		every = 1
	}
	return &batchSink{inner: inner, every: every}
}

func (b *batchSink) Start(ctx context.Context, run *models.XeroSyncRun, total int) {
	b.inner.Start(ctx, run, total)
}

func (b *batchSink) Progress(ctx context.Context, run *models.XeroSyncRun, counters RunCounters) {
	b.seen++
	if b.seen%b.every == 0 {
		b.inner.Progress(ctx, run, counters)
	}
}

func (b *batchSink) Complete(ctx context.Context, run *models.XeroSyncRun, counters RunCounters, message string) {
	b.inner.Complete(ctx, run, counters, message)
}

func (b *batchSink) Fail(ctx context.Context, run *models.XeroSyncRun, counters RunCounters, err error) {
	b.inner.Fail(ctx, run, counters, err)
}

// multiSink fans every event out to several sinks.
type multiSink []ProgressSink

func (m multiSink) Start(ctx context.Context, run *models.XeroSyncRun, total int) {
	for _, sink := range m {
		sink.Start(ctx, run, total)
	}
}

func (m multiSink) Progress(ctx context.Context, run *models.XeroSyncRun, counters RunCounters) {
	for _, sink := range m {
		sink.Progress(ctx, run, counters)
	}
}

func (m multiSink) Complete(ctx context.Context, run *models.XeroSyncRun, counters RunCounters, message string) {
	for _, sink := range m {
		sink.Complete(ctx, run, counters, message)
	}
}

func (m multiSink) Fail(ctx context.Context, run *models.XeroSyncRun, counters RunCounters, err error) {
	for _, sink := range m {
		sink.Fail(ctx, run, counters, err)
	}
}
