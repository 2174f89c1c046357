package xerosync

import (
	"testing"
	"time"

	"github.com/mmdatafocus/buildflow_backend/models"
	"github.com/shopspring/decimal"
)

func TestDetectConflictsCoreFieldOnly(t *testing.T) {
	local := Canonical{
		"name":       "Acme Ltd",
		"email":      "old@acme.test",
		"tax_number": "GB111",
		"notes":      "net 30 negotiated",
	}
	remote := Canonical{
		"name":       "Acme Ltd",
		"email":      "new@acme.test",
		"tax_number": "GB999",
	}

	fields := DetectConflicts(local, remote)
	if len(fields) != 1 {
		t.Fatalf("expected 1 conflict, got %d: %+v", len(fields), fields)
	}
	if fields[0].Field != "email" {
		t.Fatalf("conflicted field = %s, want email", fields[0].Field)
	}
	// tax_number is remote-owned and notes is local-owned; neither conflicts.
}

func TestDetectConflictsIgnoresOneSidedKeys(t *testing.T) {
	local := Canonical{"name": "Acme", "credit_limit": "5000"}
	remote := Canonical{"name": "Acme", "is_customer": "true"}

	if fields := DetectConflicts(local, remote); len(fields) != 0 {
		t.Fatalf("one-sided keys conflicted: %+v", fields)
	}
}

func TestDetectConflictsDeterministicOrder(t *testing.T) {
	local := Canonical{"name": "A", "email": "a@x", "city": "Hull"}
	remote := Canonical{"name": "B", "email": "b@x", "city": "York"}

	first := DetectConflicts(local, remote)
	second := DetectConflicts(local, remote)
	if len(first) != 3 || len(second) != 3 {
		t.Fatalf("expected 3 conflicts, got %d/%d", len(first), len(second))
	}
	for i := range first {
		if first[i].Field != second[i].Field {
			t.Fatalf("conflict order not deterministic: %v vs %v", first, second)
		}
	}
	if first[0].Field != "city" || first[1].Field != "email" || first[2].Field != "name" {
		t.Fatalf("conflicts not sorted by field: %+v", first)
	}
}

func TestBothSidesModified(t *testing.T) {
	synced := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	before := synced.Add(-time.Hour)
	after := synced.Add(time.Hour)

	state := &models.SyncState{LastSyncedAt: &synced}

	if bothSidesModified(nil, after, after) {
		t.Fatalf("nil state cannot be a conflict candidate")
	}
	if bothSidesModified(&models.SyncState{}, after, after) {
		t.Fatalf("never-synced state cannot be a conflict candidate")
	}
	if bothSidesModified(state, before, after) {
		t.Fatalf("only remote changed; not both-modified")
	}
	if bothSidesModified(state, after, before) {
		t.Fatalf("only local changed; not both-modified")
	}
	if !bothSidesModified(state, after, after) {
		t.Fatalf("both changed after sync point; expected true")
	}
}

func TestMergeContactFromRemotePreservesLocalOwned(t *testing.T) {
	customer := models.Customer{
		Name:             "Old Name",
		Email:            "old@x.test",
		Notes:            "keyholder: site office",
		CreditLimit:      decimal.NewFromInt(10000),
		PaymentTermsDays: 45,
	}
	remote := Canonical{
		"name":       "New Name",
		"email":      "new@x.test",
		"tax_number": "GB123",
	}

	MergeContactFromRemote(&customer, remote)

	if customer.Name != "New Name" || customer.Email != "new@x.test" {
		t.Fatalf("core fields not taken from remote: %+v", customer)
	}
	if customer.TaxNumber != "GB123" {
		t.Fatalf("remote-owned tax_number not applied")
	}
	if customer.Notes != "keyholder: site office" {
		t.Fatalf("local-owned notes overwritten")
	}
	if !customer.CreditLimit.Equal(decimal.NewFromInt(10000)) || customer.PaymentTermsDays != 45 {
		t.Fatalf("local-owned credit terms overwritten: %+v", customer)
	}
}

func TestWithinVariance(t *testing.T) {
	cases := []struct {
		a, b    string
		percent float64
		want    bool
	}{
		{"100", "104", 5, true},
		{"100", "106", 5, false},
		{"100", "100", 5, true},
		{"0", "0", 5, true},
		{"0", "1", 5, false},
		{"104", "100", 5, true}, // symmetric
		{"x", "100", 5, false},  // unparseable never passes
	}
	for _, tc := range cases {
		if got := withinVariance(tc.a, tc.b, tc.percent); got != tc.want {
			t.Fatalf("withinVariance(%s,%s,%v)=%v want %v", tc.a, tc.b, tc.percent, got, tc.want)
		}
	}
}

func TestInvoiceConflictsToleratesAmountDrift(t *testing.T) {
	local := Canonical{"total": "100", "reference": "PO-17"}
	remote := Canonical{"total": "103", "reference": "PO-17"}

	if fields := invoiceConflicts(local, remote, 5); len(fields) != 0 {
		t.Fatalf("3%% drift flagged at 5%% tolerance: %+v", fields)
	}

	remote["total"] = "120"
	fields := invoiceConflicts(local, remote, 5)
	if len(fields) != 1 || fields[0].Field != "total" {
		t.Fatalf("20%% drift not flagged: %+v", fields)
	}

	remote["total"] = "100"
	remote["reference"] = "PO-99"
	fields = invoiceConflicts(local, remote, 5)
	if len(fields) != 1 || fields[0].Field != "reference" {
		t.Fatalf("non-amount field must not get variance tolerance: %+v", fields)
	}
}

func TestResolvedFieldUpdatesContacts(t *testing.T) {
	table, updates, err := resolvedFieldUpdates(models.SyncEntityCustomer, map[string]string{"city": "Leeds", "email": "x@y.test"})
	if err != nil {
		t.Fatalf("resolvedFieldUpdates: %v", err)
	}
	if table != "customers" || updates["city"] != "Leeds" || updates["email"] != "x@y.test" {
		t.Fatalf("wrong writes: %s %+v", table, updates)
	}

	table, _, err = resolvedFieldUpdates(models.SyncEntitySupplier, map[string]string{"name": "Acme"})
	if err != nil || table != "suppliers" {
		t.Fatalf("supplier resolution: table=%s err=%v", table, err)
	}

	if _, _, err := resolvedFieldUpdates(models.SyncEntityCustomer, map[string]string{"tax_number": "GB1"}); err == nil {
		t.Fatalf("remote-owned field must not be resolvable")
	}
}

func TestResolvedFieldUpdatesInvoices(t *testing.T) {
	table, updates, err := resolvedFieldUpdates(models.SyncEntityInvoice, map[string]string{
		"reference": "PO-17",
		"currency":  "GBP",
		"total":     "150.5",
	})
	if err != nil {
		t.Fatalf("invoice fields must be resolvable: %v", err)
	}
	if table != "invoices" {
		t.Fatalf("table = %s, want invoices", table)
	}
	if updates["reference"] != "PO-17" || updates["currency_code"] != "GBP" || updates["total"] != "150.5" {
		t.Fatalf("wrong column writes: %+v", updates)
	}

	if _, _, err := resolvedFieldUpdates(models.SyncEntityInvoice, map[string]string{"line_items": "x"}); err == nil {
		t.Fatalf("line_items has no column; only use_remote can resolve it")
	}

	if _, _, err := resolvedFieldUpdates(models.SyncEntityPayment, map[string]string{"amount": "1"}); err == nil {
		t.Fatalf("payments never hold resolvable conflicts")
	}
}

func TestResolutionStateChanges(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	base := resolutionStateChanges(models.SyncEntityCustomer, ResolutionUseRemote, &now)
	if base["status"] != models.SyncStateActive || base["last_synced_at"] != &now {
		t.Fatalf("resolution must reactivate the state at the resolution moment: %+v", base)
	}
	if _, ok := base["last_remote_hash"]; ok {
		t.Fatalf("contact use_remote applies fields directly; hash must survive")
	}

	local := resolutionStateChanges(models.SyncEntityInvoice, ResolutionUseLocal, &now)
	if local["last_local_hash"] != "" {
		t.Fatalf("use_local must clear the local hash so the next push carries the row: %+v", local)
	}

	remote := resolutionStateChanges(models.SyncEntityInvoice, ResolutionUseRemote, &now)
	if remote["last_remote_hash"] != "" {
		t.Fatalf("invoice use_remote must clear the remote hash so the next pull re-applies: %+v", remote)
	}
	if remote["sync_origin"] != models.SyncOriginLocal {
		t.Fatalf("cleared remote hash needs a non-remote origin to defeat the skip gate: %+v", remote)
	}

	manual := resolutionStateChanges(models.SyncEntityInvoice, ResolutionManual, &now)
	if _, ok := manual["last_remote_hash"]; ok {
		t.Fatalf("manual keeps the stored hashes; the applied values push out next run")
	}
}
