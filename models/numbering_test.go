package models

import "testing"

func TestNextSequenceNumberEmpty(t *testing.T) {
	if got := NextSequenceNumber(nil, NumberPrefixCustomer); got != "C-0001" {
		t.Fatalf("got %s, want C-0001", got)
	}
}

func TestNextSequenceNumberFindsMax(t *testing.T) {
	existing := []string{"C-0001", "C-0042", "C-0007"}
	if got := NextSequenceNumber(existing, NumberPrefixCustomer); got != "C-0043" {
		t.Fatalf("got %s, want C-0043", got)
	}
}

func TestNextSequenceNumberIgnoresForeignFormats(t *testing.T) {
	existing := []string{"C-0003", "S-0099", "C-abc", "LEGACY-12", "C-"}
	if got := NextSequenceNumber(existing, NumberPrefixCustomer); got != "C-0004" {
		t.Fatalf("got %s, want C-0004", got)
	}
}

func TestNextSequenceNumberWideNumbers(t *testing.T) {
	existing := []string{"INV-12345"}
	if got := NextSequenceNumber(existing, NumberPrefixInvoice); got != "INV-12346" {
		t.Fatalf("got %s, want INV-12346", got)
	}
}
