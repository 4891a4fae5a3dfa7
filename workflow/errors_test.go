package workflow

import (
	"errors"
	"testing"

	mysqlDriver "github.com/go-sql-driver/mysql"
)

func TestClassifyDBErrContention(t *testing.T) {
	lockWait := &mysqlDriver.MySQLError{Number: 1205, Message: "Lock wait timeout exceeded"}
	deadlock := &mysqlDriver.MySQLError{Number: 1213, Message: "Deadlock found"}

	if got := classifyDBErr(lockWait); !errors.Is(got, ErrConcurrentModification) {
		t.Fatalf("1205 should classify as contention, got %v", got)
	}
	if got := classifyDBErr(deadlock); !errors.Is(got, ErrConcurrentModification) {
		t.Fatalf("1213 should classify as contention, got %v", got)
	}
	if got := classifyDBErr(nil); got != nil {
		t.Fatalf("nil should stay nil, got %v", got)
	}

	other := errors.New("connection refused")
	if got := classifyDBErr(other); !errors.Is(got, other) {
		t.Fatalf("unrelated errors must pass through, got %v", got)
	}
}

func TestIsDuplicateKeyErr(t *testing.T) {
	dup := &mysqlDriver.MySQLError{Number: 1062, Message: "Duplicate entry"}
	if !isDuplicateKeyErr(dup) {
		t.Fatal("1062 should be a duplicate key error")
	}
	if isDuplicateKeyErr(&mysqlDriver.MySQLError{Number: 1205}) {
		t.Fatal("1205 is not a duplicate key error")
	}
	if isDuplicateKeyErr(errors.New("other")) {
		t.Fatal("non-mysql errors are not duplicate key errors")
	}
}

func TestErrorTaxonomyCategories(t *testing.T) {
	for _, err := range []error{ErrZeroDelta, ErrInvalidAmount, ErrAccountArchived, ErrAccountNotFound} {
		if !IsValidationErr(err) {
			t.Fatalf("%v should be a validation error", err)
		}
		if IsConflictErr(err) || IsContentionErr(err) {
			t.Fatalf("%v should not overlap other categories", err)
		}
	}
	for _, err := range []error{ErrInsufficientStock, ErrInvalidTransition, ErrPaymentExceedsOutstanding, ErrAlreadyPaidInFull, ErrDuplicateOperation} {
		if !IsConflictErr(err) {
			t.Fatalf("%v should be a conflict error", err)
		}
	}
	for _, err := range []error{ErrConcurrentModification, ErrOperationInProgress} {
		if !IsContentionErr(err) {
			t.Fatalf("%v should be a contention error", err)
		}
	}
}
