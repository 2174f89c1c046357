package xerosync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/bsm/redislock"
	"github.com/mmdatafocus/buildflow_backend/models"
	"gorm.io/gorm"
)

func TestContactTargets(t *testing.T) {
	cases := []struct {
		name    string
		contact XeroContact
		want    []string
	}{
		{"customer only", XeroContact{IsCustomer: true}, []string{models.SyncEntityCustomer}},
		{"supplier only", XeroContact{IsSupplier: true}, []string{models.SyncEntitySupplier}},
		{"both roles", XeroContact{IsCustomer: true, IsSupplier: true}, []string{models.SyncEntityCustomer, models.SyncEntitySupplier}},
		{"no flags defaults to customer", XeroContact{}, []string{models.SyncEntityCustomer}},
	}
	for _, tc := range cases {
		got := contactTargets(tc.contact)
		if len(got) != len(tc.want) {
			t.Fatalf("%s: targets = %v, want %v", tc.name, got, tc.want)
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("%s: targets = %v, want %v", tc.name, got, tc.want)
			}
		}
	}
}

func TestShouldSkipRemote(t *testing.T) {
	hash := "abc123"
	active := &models.SyncState{
		Status:         models.SyncStateActive,
		SyncOrigin:     models.SyncOriginRemote,
		LastRemoteHash: hash,
	}

	if shouldSkipRemote(nil, hash) {
		t.Fatalf("unknown record must not be skipped")
	}
	if !shouldSkipRemote(active, hash) {
		t.Fatalf("unchanged remote record must be skipped")
	}
	if shouldSkipRemote(active, "different") {
		t.Fatalf("changed hash must not be skipped")
	}

	conflicted := *active
	conflicted.Status = models.SyncStateConflict
	if shouldSkipRemote(&conflicted, hash) {
		t.Fatalf("conflicted state must be reprocessed")
	}

	localOrigin := *active
	localOrigin.SyncOrigin = models.SyncOriginLocal
	if shouldSkipRemote(&localOrigin, hash) {
		t.Fatalf("locally-originated state must be reprocessed on pull")
	}

	errored := *active
	errored.Status = models.SyncStateError
	if shouldSkipRemote(&errored, hash) {
		t.Fatalf("errored state must be reprocessed so it can recover")
	}
}

func TestShouldSkipLocal(t *testing.T) {
	hash := "h1"
	state := &models.SyncState{
		Status:        models.SyncStateActive,
		SyncOrigin:    models.SyncOriginLocal,
		LastLocalHash: hash,
	}
	if shouldSkipLocal(nil, hash) {
		t.Fatalf("unsynced record must be pushed")
	}
	if !shouldSkipLocal(state, hash) {
		t.Fatalf("unchanged local record must be skipped")
	}
	if shouldSkipLocal(state, "h2") {
		t.Fatalf("modified local record must be pushed")
	}
}

func TestSyncableInvoiceStatus(t *testing.T) {
	for _, status := range []string{"AUTHORISED", "PAID", "VOIDED"} {
		if !syncableInvoiceStatus(status) {
			t.Fatalf("%s should sync", status)
		}
	}
	for _, status := range []string{"DRAFT", "SUBMITTED", "DELETED", ""} {
		if syncableInvoiceStatus(status) {
			t.Fatalf("%s should not sync", status)
		}
	}
}

func TestLocalInvoiceStatus(t *testing.T) {
	cases := []struct {
		inv  XeroInvoice
		want models.InvoiceStatus
	}{
		{XeroInvoice{Status: "VOIDED"}, models.InvoiceStatusVoid},
		{XeroInvoice{Status: "PAID"}, models.InvoiceStatusPaid},
		{XeroInvoice{Status: "AUTHORISED", Total: "100", AmountPaid: "0"}, models.InvoiceStatusDraft},
		{XeroInvoice{Status: "AUTHORISED", Total: "100", AmountPaid: "40"}, models.InvoiceStatusPartial},
		{XeroInvoice{Status: "AUTHORISED", Total: "100", AmountPaid: "100"}, models.InvoiceStatusPaid},
	}
	for _, tc := range cases {
		if got := localInvoiceStatus(tc.inv); got != tc.want {
			t.Fatalf("localInvoiceStatus(%s/%s paid %s) = %s, want %s",
				tc.inv.Status, tc.inv.Total, tc.inv.AmountPaid, got, tc.want)
		}
	}
}

func TestFinalStatus(t *testing.T) {
	if got := finalStatus(RunCounters{Created: 5}, nil); got != models.SyncRunStatusSuccess {
		t.Fatalf("clean run = %s, want success", got)
	}
	if got := finalStatus(RunCounters{Created: 5, Errors: 1}, nil); got != models.SyncRunStatusPartial {
		t.Fatalf("run with record errors = %s, want partial", got)
	}
	if got := finalStatus(RunCounters{Conflicts: 2}, nil); got != models.SyncRunStatusPartial {
		t.Fatalf("run with conflicts = %s, want partial", got)
	}
	if got := finalStatus(RunCounters{}, errors.New("boom")); got != models.SyncRunStatusFailed {
		t.Fatalf("errored run = %s, want failed", got)
	}
	if got := finalStatus(RunCounters{}, errRunCanceled); got != models.SyncRunStatusCanceled {
		t.Fatalf("canceled run = %s, want canceled", got)
	}
}

func TestModuleEnabled(t *testing.T) {
	modules := SyncModules{Contacts: true, Payments: true}
	if !moduleEnabled(modules, models.SyncEntityContact) {
		t.Fatalf("contacts should be enabled")
	}
	if moduleEnabled(modules, models.SyncEntityInvoice) {
		t.Fatalf("invoices should be disabled")
	}
	if moduleEnabled(modules, "bogus") {
		t.Fatalf("unknown module should be disabled")
	}
}

func TestDecodeConnectionSettingsDefaults(t *testing.T) {
	settings := DecodeConnectionSettings(nil)
	if !settings.Modules.Contacts || !settings.Modules.Invoices || !settings.Modules.Payments {
		t.Fatalf("empty settings should enable all modules: %+v", settings)
	}
	if settings.AmountVariancePercent != 5 {
		t.Fatalf("default variance = %v, want 5", settings.AmountVariancePercent)
	}

	settings = DecodeConnectionSettings([]byte(`{"modules":{"contacts":true},"amount_variance_percent":2.5}`))
	if settings.Modules.Invoices {
		t.Fatalf("explicit settings should win")
	}
	if settings.AmountVariancePercent != 2.5 {
		t.Fatalf("variance = %v, want 2.5", settings.AmountVariancePercent)
	}

	settings = DecodeConnectionSettings([]byte(`not json`))
	if !settings.Modules.Invoices || settings.AmountVariancePercent != 5 {
		t.Fatalf("garbage settings should fall back to defaults: %+v", settings)
	}
}

func TestRunCountersProcessed(t *testing.T) {
	c := RunCounters{Created: 2, Updated: 3, Skipped: 4, Conflicts: 1, Errors: 1}
	if c.Processed() != 11 {
		t.Fatalf("Processed() = %d, want 11", c.Processed())
	}
}

func TestRunActor(t *testing.T) {
	if got := runActor(models.SyncTriggeredManual); got != "sync:manual" {
		t.Fatalf("runActor(manual) = %q", got)
	}
	if got := runActor(""); got != "sync:system" {
		t.Fatalf("runActor(empty) = %q, want sync:system", got)
	}
}

func TestStatusMessage(t *testing.T) {
	got := statusMessage(models.SyncRunStatusPartial, RunCounters{Fetched: 9, Created: 2, Updated: 3, Skipped: 1, Conflicts: 2, Errors: 1})
	want := "partial: 9 fetched, 2 created, 3 updated, 1 skipped, 2 conflicts, 1 errors"
	if got != want {
		t.Fatalf("statusMessage = %q, want %q", got, want)
	}
}

func TestPubsubAckStatusNacksLockContention(t *testing.T) {
	contended := fmt.Errorf("sync already running for business_id=b scope=contact:pull: %w", redislock.ErrNotObtained)
	if got := pubsubAckStatus(contended); got != http.StatusServiceUnavailable {
		t.Fatalf("contended lock ack status = %d, want 503 so the run is redelivered", got)
	}
	if got := pubsubAckStatus(errors.New("boom")); got != http.StatusNoContent {
		t.Fatalf("run failure ack status = %d, want 204", got)
	}
}

func TestRecordTxRollsCountersBackOnFailure(t *testing.T) {
	j := &syncJob{
		run:      &models.XeroSyncRun{},
		counters: &RunCounters{Fetched: 3, Skipped: 1},
		txRunner: func(ctx context.Context, fn func(tx *gorm.DB) error) error {
			return fn(nil)
		},
	}

	err := j.inRecordTx(context.Background(), func(tx *gorm.DB) error {
		j.counters.Created++
		return errors.New("write failed after the counter bump")
	})
	if err == nil {
		t.Fatalf("expected the record error to surface")
	}
	if j.counters.Created != 0 {
		t.Fatalf("created = %d after rollback, want 0", j.counters.Created)
	}
	if j.counters.Fetched != 3 || j.counters.Skipped != 1 {
		t.Fatalf("pre-record counters clobbered: %+v", j.counters)
	}

	err = j.inRecordTx(context.Background(), func(tx *gorm.DB) error {
		j.counters.Updated++
		return nil
	})
	if err != nil {
		t.Fatalf("inRecordTx: %v", err)
	}
	if j.counters.Updated != 1 {
		t.Fatalf("successful record lost its counter: %+v", j.counters)
	}
}

func TestRecordTxKeepsCountersOnDryRunRollback(t *testing.T) {
	j := &syncJob{
		run:      &models.XeroSyncRun{DryRun: true},
		counters: &RunCounters{},
		txRunner: func(ctx context.Context, fn func(tx *gorm.DB) error) error {
			return fn(nil)
		},
	}

	err := j.inRecordTx(context.Background(), func(tx *gorm.DB) error {
		j.counters.Created++
		return nil
	})
	if err != nil {
		t.Fatalf("dry run record: %v", err)
	}
	if j.counters.Created != 1 {
		t.Fatalf("dry-run rollback must keep counters; created = %d", j.counters.Created)
	}
}
