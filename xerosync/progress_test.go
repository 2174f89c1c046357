package xerosync

import (
	"context"
	"errors"
	"testing"

	"github.com/mmdatafocus/buildflow_backend/models"
)

type captureSink struct {
	starts    int
	calls     []RunCounters
	completes []string
	failures  []error
}

func (c *captureSink) Start(ctx context.Context, run *models.XeroSyncRun, total int) {
	c.starts++
}

func (c *captureSink) Progress(ctx context.Context, run *models.XeroSyncRun, counters RunCounters) {
	c.calls = append(c.calls, counters)
}

func (c *captureSink) Complete(ctx context.Context, run *models.XeroSyncRun, counters RunCounters, message string) {
	c.calls = append(c.calls, counters)
	c.completes = append(c.completes, message)
}

func (c *captureSink) Fail(ctx context.Context, run *models.XeroSyncRun, counters RunCounters, err error) {
	c.calls = append(c.calls, counters)
	c.failures = append(c.failures, err)
}

func TestBatchSinkForwardsEveryNth(t *testing.T) {
	inner := &captureSink{}
	sink := newBatchSink(inner, 10)
	run := &models.XeroSyncRun{ID: 1}

	for i := 1; i <= 35; i++ {
		sink.Progress(context.Background(), run, RunCounters{Fetched: i})
	}
	if len(inner.calls) != 3 {
		t.Fatalf("forwarded %d snapshots, want 3", len(inner.calls))
	}
	if inner.calls[0].Fetched != 10 || inner.calls[2].Fetched != 30 {
		t.Fatalf("wrong snapshots forwarded: %+v", inner.calls)
	}
}

func TestBatchSinkPassesLifecycleEventsThrough(t *testing.T) {
	inner := &captureSink{}
	sink := newBatchSink(inner, 10)
	run := &models.XeroSyncRun{ID: 1}

	sink.Start(context.Background(), run, -1)
	if inner.starts != 1 {
		t.Fatalf("start not forwarded")
	}

	// One Progress below the batch interval, then the terminal event: the
	// final counters must arrive even though the interval never elapsed.
	sink.Progress(context.Background(), run, RunCounters{Fetched: 1})
	sink.Complete(context.Background(), run, RunCounters{Fetched: 1, Created: 1}, "done")
	if len(inner.calls) != 1 || inner.calls[0].Created != 1 {
		t.Fatalf("terminal snapshot lost: %+v", inner.calls)
	}
	if len(inner.completes) != 1 || inner.completes[0] != "done" {
		t.Fatalf("complete not forwarded: %v", inner.completes)
	}

	sink.Fail(context.Background(), run, RunCounters{Errors: 1}, errors.New("boom"))
	if len(inner.failures) != 1 {
		t.Fatalf("fail not forwarded")
	}
}

func TestBatchSinkGuardsZeroInterval(t *testing.T) {
	inner := &captureSink{}
	sink := newBatchSink(inner, 0)
	run := &models.XeroSyncRun{ID: 1}

	sink.Progress(context.Background(), run, RunCounters{Fetched: 1})
	if len(inner.calls) != 1 {
		t.Fatalf("interval 0 should behave as 1; got %d calls", len(inner.calls))
	}
}

func TestMultiSinkFansOut(t *testing.T) {
	a := &captureSink{}
	b := &captureSink{}
	sink := multiSink{a, b}
	run := &models.XeroSyncRun{ID: 2}

	sink.Start(context.Background(), run, 5)
	sink.Progress(context.Background(), run, RunCounters{Created: 7})
	sink.Complete(context.Background(), run, RunCounters{Created: 7}, "ok")
	sink.Fail(context.Background(), run, RunCounters{Errors: 1}, errors.New("boom"))

	for _, inner := range []*captureSink{a, b} {
		if inner.starts != 1 || len(inner.completes) != 1 || len(inner.failures) != 1 {
			t.Fatalf("fan-out incomplete: %+v", inner)
		}
		if inner.calls[0].Created != 7 {
			t.Fatalf("wrong counters delivered")
		}
	}
}

func TestCancelCheckSinkForwards(t *testing.T) {
	inner := &captureSink{}
	run := &models.XeroSyncRun{ID: 3}
	sink := withCancelCheck(inner, run)

	sink.Start(context.Background(), run, -1)
	if inner.starts != 1 {
		t.Fatalf("start not forwarded")
	}

	// Stay below the poll interval so no DB access happens.
	for i := 0; i < cancelEvery-1; i++ {
		sink.Progress(context.Background(), run, RunCounters{Fetched: i})
	}
	if len(inner.calls) != cancelEvery-1 {
		t.Fatalf("inner sink missed calls: %d", len(inner.calls))
	}

	sink.Complete(context.Background(), run, RunCounters{}, "done")
	if len(inner.completes) != 1 {
		t.Fatalf("complete not forwarded")
	}
}
