package xerosync

import (
	"testing"
	"time"

	"github.com/mmdatafocus/buildflow_backend/models"
	"github.com/shopspring/decimal"
)

func TestHashCanonicalKeyOrderIndependent(t *testing.T) {
	a := Canonical{"name": "Acme Ltd", "email": "office@acme.test", "city": "Leeds"}
	b := Canonical{"city": "Leeds", "name": "Acme Ltd", "email": "office@acme.test"}

	if HashCanonical(a) != HashCanonical(b) {
		t.Fatalf("hash depends on key insertion order")
	}
}

func TestHashCanonicalValueSensitive(t *testing.T) {
	a := Canonical{"name": "Acme Ltd", "email": ""}
	b := Canonical{"name": "Acme Ltd", "email": "x@acme.test"}

	if HashCanonical(a) == HashCanonical(b) {
		t.Fatalf("different values produced identical hashes")
	}
}

func TestHashCanonicalKeyValueBoundary(t *testing.T) {
	// "ab"+"c" vs "a"+"bc" must not collide.
	a := Canonical{"ab": "c"}
	b := Canonical{"a": "bc"}

	if HashCanonical(a) == HashCanonical(b) {
		t.Fatalf("key/value boundary not encoded in hash")
	}
}

func TestParseXeroTime(t *testing.T) {
	cases := []struct {
		in   string
		want time.Time
		ok   bool
	}{
		{"/Date(1518685950940+0000)/", time.UnixMilli(1518685950940).UTC(), true},
		{"/Date(1518685950940)/", time.UnixMilli(1518685950940).UTC(), true},
		{"2023-06-15T10:30:00Z", time.Date(2023, 6, 15, 10, 30, 0, 0, time.UTC), true},
		{"2023-06-15", time.Date(2023, 6, 15, 0, 0, 0, 0, time.UTC), true},
		{"", time.Time{}, false},
		{"not a date", time.Time{}, false},
	}
	for _, tc := range cases {
		got, ok := ParseXeroTime(tc.in)
		if ok != tc.ok {
			t.Fatalf("ParseXeroTime(%q) ok=%v want %v", tc.in, ok, tc.ok)
		}
		if ok && !got.Equal(tc.want) {
			t.Fatalf("ParseXeroTime(%q)=%v want %v", tc.in, got, tc.want)
		}
	}
}

func TestContactCanonicalFromRemotePrefersStreetAddress(t *testing.T) {
	contact := XeroContact{
		ContactID:    "abc",
		Name:         "Jubilee Scaffolding",
		EmailAddress: "accounts@jubilee.test",
		IsCustomer:   true,
		Addresses: []XeroAddress{
			{AddressType: "POBOX", AddressLine1: "PO Box 9"},
			{AddressType: "STREET", AddressLine1: "1 Dockside Way", City: "Hull", PostalCode: "HU1 1AA"},
		},
		Phones: []XeroPhone{
			{PhoneType: "DEFAULT", PhoneNumber: "01482 123456"},
			{PhoneType: "MOBILE", PhoneNumber: "07700 900123"},
		},
	}

	c := ContactCanonicalFromRemote(contact)
	if c["address_line1"] != "1 Dockside Way" {
		t.Fatalf("expected STREET address, got %q", c["address_line1"])
	}
	if c["city"] != "Hull" {
		t.Fatalf("city = %q", c["city"])
	}
	if c["is_customer"] != "true" || c["is_supplier"] != "false" {
		t.Fatalf("role flags wrong: %q/%q", c["is_customer"], c["is_supplier"])
	}
	if c["phone"] == "" || c["mobile"] == "" {
		t.Fatalf("phones not extracted: %q / %q", c["phone"], c["mobile"])
	}
}

func TestContactCanonicalMissingFieldsAreEmpty(t *testing.T) {
	c := ContactCanonicalFromRemote(XeroContact{ContactID: "x", Name: "Bare"})
	for _, key := range []string{"email", "phone", "mobile", "tax_number", "address_line1", "city", "country"} {
		v, present := c[key]
		if !present {
			t.Fatalf("key %s absent; absence must hash as empty string", key)
		}
		if v != "" {
			t.Fatalf("key %s = %q, want empty", key, v)
		}
	}
}

func TestContactCanonicalLocalAndRemoteShareCoreKeys(t *testing.T) {
	customer := models.Customer{
		Name:         "Acme Ltd",
		Email:        "office@acme.test",
		CreditLimit:  decimal.NewFromInt(5000),
		AddressLine1: "5 High St",
	}
	local := ContactCanonicalFromCustomer(customer)
	remote := ContactCanonicalFromRemote(XeroContact{Name: "Acme Ltd"})

	for key := range remote {
		if key == "is_customer" || key == "is_supplier" {
			continue
		}
		if _, ok := local[key]; !ok {
			t.Fatalf("core key %s present remotely but missing locally", key)
		}
	}
	// Local-owned fields must not leak into the remote canonical.
	for _, key := range []string{"notes", "credit_limit", "payment_terms_days"} {
		if _, ok := remote[key]; ok {
			t.Fatalf("local-owned key %s present in remote canonical", key)
		}
	}
}

func TestInvoiceCanonicalAmountsNormalized(t *testing.T) {
	inv := XeroInvoice{
		InvoiceID: "inv-1",
		Total:     "150.5000",
		SubTotal:  "125.42",
		TotalTax:  "25.08",
		Status:    "AUTHORISED",
	}
	c := InvoiceCanonicalFromRemote(inv)
	if c["total"] != "150.5" {
		t.Fatalf("total = %q, want normalized 150.5", c["total"])
	}
	if c["sub_total"] != "125.42" {
		t.Fatalf("sub_total = %q", c["sub_total"])
	}
}

func TestPaymentCanonicalLocalRemoteAgree(t *testing.T) {
	date := time.Date(2026, 2, 3, 0, 0, 0, 0, time.UTC)
	local := PaymentCanonicalFromLocal(models.Payment{
		PaymentDate: date,
		Amount:      decimal.NewFromFloat(99.5),
		Reference:   "BACS",
		Status:      models.PaymentStatusCompleted,
	}, "xero-inv-1")
	remote := PaymentCanonicalFromRemote(XeroPayment{
		Invoice:   XeroInvoiceRef{InvoiceID: "xero-inv-1"},
		Date:      "2026-02-03",
		Amount:    "99.50",
		Reference: "BACS",
		Status:    "AUTHORISED",
	})

	if HashCanonical(local) != HashCanonical(remote) {
		t.Fatalf("equivalent payments hash differently:\nlocal=%v\nremote=%v", local, remote)
	}
}
