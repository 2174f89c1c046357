package xerosync

import (
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
)

func TestIsDuplicateKeyError(t *testing.T) {
	dup := &mysql.MySQLError{Number: 1062, Message: "Duplicate entry 'b-customer-x1' for key 'idx_sync_state_remote'"}
	if !isDuplicateKeyError(dup) {
		t.Fatalf("1062 must classify as duplicate key")
	}
	if !isDuplicateKeyError(fmt.Errorf("create sync state: %w", dup)) {
		t.Fatalf("wrapped 1062 must still classify")
	}

	deadlock := &mysql.MySQLError{Number: 1213, Message: "Deadlock found"}
	if isDuplicateKeyError(deadlock) {
		t.Fatalf("1213 is not a duplicate key")
	}
	if isDuplicateKeyError(errors.New("connection refused")) {
		t.Fatalf("plain errors are not duplicate keys")
	}
	if isDuplicateKeyError(nil) {
		t.Fatalf("nil is not a duplicate key")
	}
}

func TestClassifyUpsertError(t *testing.T) {
	dup := fmt.Errorf("create customer: %w", &mysql.MySQLError{Number: 1062})
	if got := classifyUpsertError(dup); got != "duplicate_key" {
		t.Fatalf("classifyUpsertError(1062) = %q", got)
	}
	if got := classifyUpsertError(errors.New("boom")); got != "upsert_failed" {
		t.Fatalf("classifyUpsertError(other) = %q", got)
	}
}
