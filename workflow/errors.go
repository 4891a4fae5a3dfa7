package workflow

import (
	"errors"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

// Validation errors: rejected before any lock is taken.
var (
	ErrMissingIdempotencyKey = errors.New("idempotency key is required")
	ErrZeroDelta             = errors.New("delta must be non-zero")
	ErrInvalidReason         = errors.New("invalid ledger reason")
	ErrInvalidMovementType   = errors.New("invalid movement type")
	ErrInvalidAmount         = errors.New("amount must be positive")
	ErrAccountArchived       = errors.New("account is archived")
	ErrUnsupportedOrderType  = errors.New("operation not supported for this order type")
)

// Conflict errors: business-rule failures; no partial state is committed.
var (
	ErrAccountNotFound           = errors.New("account not found")
	ErrProductNotFound           = errors.New("product not found")
	ErrOrderNotFound             = errors.New("order not found")
	ErrInsufficientStock         = errors.New("insufficient stock")
	ErrInvalidTransition         = errors.New("invalid order state transition")
	ErrAlreadyPaidInFull         = errors.New("already paid in full")
	ErrPaymentExceedsOutstanding = errors.New("payment exceeds outstanding balance")
	ErrDuplicateOperation        = errors.New("duplicate operation")
)

// Contention errors: transient; callers retry with backoff. Idempotency keys
// make the retry safe.
var (
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrOperationInProgress    = errors.New("operation in progress")
)

// Integrity errors: invariant violations. Surfaced for manual reconciliation,
// never silently corrected.
var (
	ErrLedgerDrift    = errors.New("ledger drift detected")
	ErrInventoryDrift = errors.New("inventory drift detected")
)

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// isContentionErr classifies MySQL lock wait timeout (1205) and deadlock (1213)
// as transient contention.
func isContentionErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1205 || mysqlErr.Number == 1213
	}
	return false
}

// classifyDBErr maps driver-level errors onto the engine taxonomy so callers
// only ever see sentinel errors.
func classifyDBErr(err error) error {
	if err == nil {
		return nil
	}
	if isContentionErr(err) {
		return ErrConcurrentModification
	}
	return err
}

func notFoundOr(err error, notFound error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return notFound
	}
	return classifyDBErr(err)
}

// IsConflictErr reports whether err is a business-rule conflict; used by the
// HTTP layer to pick a response code.
func IsConflictErr(err error) bool {
	return errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrAlreadyPaidInFull) ||
		errors.Is(err, ErrPaymentExceedsOutstanding) ||
		errors.Is(err, ErrDuplicateOperation)
}

func IsContentionErr(err error) bool {
	return errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrOperationInProgress)
}

func IsValidationErr(err error) bool {
	return errors.Is(err, ErrMissingIdempotencyKey) ||
		errors.Is(err, ErrZeroDelta) ||
		errors.Is(err, ErrInvalidReason) ||
		errors.Is(err, ErrInvalidMovementType) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrAccountArchived) ||
		errors.Is(err, ErrUnsupportedOrderType) ||
		errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrProductNotFound) ||
		errors.Is(err, ErrOrderNotFound)
}
