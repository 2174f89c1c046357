package models

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(v string) decimal.Decimal {
	dec, _ := decimal.NewFromString(v)
	return dec
}

func TestComputePaymentStateExcludesVoided(t *testing.T) {
	payments := []Payment{
		{Amount: d("40"), Status: PaymentStatusCompleted},
		{Amount: d("60"), Status: PaymentStatusVoided},
	}
	paid, due, status := ComputePaymentState(d("100"), InvoiceStatusDraft, payments)
	if !paid.Equal(d("40")) {
		t.Fatalf("paid = %s, want 40", paid)
	}
	if !due.Equal(d("60")) {
		t.Fatalf("due = %s, want 60", due)
	}
	if status != InvoiceStatusPartial {
		t.Fatalf("status = %s, want PARTIAL", status)
	}
}

func TestComputePaymentStateTransitions(t *testing.T) {
	cases := []struct {
		name     string
		payments []Payment
		want     InvoiceStatus
	}{
		{"no payments", nil, InvoiceStatusDraft},
		{"partial", []Payment{{Amount: d("10"), Status: PaymentStatusCompleted}}, InvoiceStatusPartial},
		{"exact", []Payment{{Amount: d("100"), Status: PaymentStatusCompleted}}, InvoiceStatusPaid},
		{"overpaid", []Payment{{Amount: d("120"), Status: PaymentStatusCompleted}}, InvoiceStatusPaid},
	}
	for _, tc := range cases {
		_, _, status := ComputePaymentState(d("100"), InvoiceStatusDraft, tc.payments)
		if status != tc.want {
			t.Fatalf("%s: status = %s, want %s", tc.name, status, tc.want)
		}
	}
}

func TestComputePaymentStateOverpaymentClampsDue(t *testing.T) {
	paid, due, _ := ComputePaymentState(d("100"), InvoiceStatusDraft,
		[]Payment{{Amount: d("120"), Status: PaymentStatusCompleted}})
	if !paid.Equal(d("120")) {
		t.Fatalf("paid = %s, want 120", paid)
	}
	if !due.IsZero() {
		t.Fatalf("due = %s, want 0", due)
	}
}

func TestComputePaymentStateVoidInvoiceKeepsStatus(t *testing.T) {
	_, _, status := ComputePaymentState(d("100"), InvoiceStatusVoid,
		[]Payment{{Amount: d("100"), Status: PaymentStatusCompleted}})
	if status != InvoiceStatusVoid {
		t.Fatalf("void invoice changed status to %s", status)
	}
}

func TestComputePaymentStateIdempotent(t *testing.T) {
	payments := []Payment{
		{Amount: d("33.34"), Status: PaymentStatusCompleted},
		{Amount: d("33.33"), Status: PaymentStatusCompleted},
	}
	p1, d1, s1 := ComputePaymentState(d("100"), InvoiceStatusDraft, payments)
	p2, d2, s2 := ComputePaymentState(d("100"), s1, payments)
	if !p1.Equal(p2) || !d1.Equal(d2) || s1 != s2 {
		t.Fatalf("recompute changed result: (%s %s %s) vs (%s %s %s)", p1, d1, s1, p2, d2, s2)
	}
}
