package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Payment records a captured settlement against an order. Applying a payment
// produces exactly one LedgerEntry (reason PM) in the same transaction.
// Payments are created once and never mutated; cancellation posts a
// compensating ledger entry and flips Status to Reversed.
type Payment struct {
	ID             int             `gorm:"primary_key" json:"id"`
	BusinessId     string          `gorm:"size:64;index;not null" json:"business_id"`
	OrderId        int             `gorm:"index;not null" json:"order_id"`
	AccountId      int             `gorm:"index;not null" json:"account_id"`
	Amount         decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"amount"`
	Method         PaymentMethod   `gorm:"type:enum('Cash','Card','Transfer','Other');not null" json:"method"`
	Status         PaymentStatus   `gorm:"type:enum('Applied','Reversed');not null;default:'Applied'" json:"status"`
	LedgerEntryId  int             `gorm:"index" json:"ledger_entry_id"`
	IdempotencyKey string          `gorm:"size:255;index" json:"idempotency_key"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}
