package config

import (
	"os"
	"strconv"
	"strings"
)

// ReconcileAfterPosting runs ledger/inventory drift checks at the end of every
// posting transaction. Expensive; intended for staging and incident debugging.
//
// Set via env:
// - RECONCILE_AFTER_POSTING=true
func ReconcileAfterPosting() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("RECONCILE_AFTER_POSTING")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// IdempotencyTTLHours controls how long completed idempotency records are kept.
// Must cover realistic client retry windows (default 48h).
//
// Set via env:
// - IDEMPOTENCY_TTL_HOURS=72
func IdempotencyTTLHours() int {
	v := strings.TrimSpace(os.Getenv("IDEMPOTENCY_TTL_HOURS"))
	if v == "" {
		return 48
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 48
	}
	return n
}
