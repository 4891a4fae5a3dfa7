package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Account is one client/tenant relationship. Money is tracked as
// balance = lifetime_credits - lifetime_debits, maintained only through
// workflow.AdjustBalance. Accounts are never physically deleted; archive instead.
type Account struct {
	ID              int             `gorm:"primary_key" json:"id"`
	BusinessId      string          `gorm:"size:64;index;not null;index:idx_acct_biz_client,priority:1" json:"business_id"`
	ClientName      string          `gorm:"size:255;not null;index:idx_acct_biz_client,priority:2" json:"client_name"`
	Balance         decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"balance"`
	LifetimeCredits decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"lifetime_credits"`
	LifetimeDebits  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"lifetime_debits"`
	IsArchived      bool            `gorm:"not null;default:false;index" json:"is_archived"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (a *Account) BeforeDelete(tx *gorm.DB) error {
	return errors.New("accounts cannot be deleted; archive instead")
}

// LedgerEntry is the append-only money ledger. The sum of amounts per account
// must always equal the account balance; balance_after sequences are monotonic
// in commit order per account.
type LedgerEntry struct {
	ID             int             `gorm:"primary_key" json:"id"`
	BusinessId     string          `gorm:"size:64;index;not null;index:idx_le_biz_acct,priority:1" json:"business_id"`
	AccountId      int             `gorm:"index;not null;index:idx_le_biz_acct,priority:2" json:"account_id"`
	Amount         decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"amount"`
	BalanceAfter   decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"balance_after"`
	Reason         LedgerReason    `gorm:"type:enum('DP','PM','SL','RT','AD','CR');not null" json:"reason"`
	ReferenceType  ReferenceType   `gorm:"type:enum('OD','PM','DL','AJ');index:idx_le_ref,priority:1" json:"reference_type"`
	ReferenceId    int             `gorm:"index:idx_le_ref,priority:2" json:"reference_id"`
	Description    string          `gorm:"size:255" json:"description"`
	IdempotencyKey string          `gorm:"size:255;index" json:"idempotency_key"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

// Ledger immutability guardrails: ledger_entries are append-only.

func (e *LedgerEntry) BeforeUpdate(tx *gorm.DB) error {
	return errors.New("immutable ledger: ledger_entries cannot be updated")
}

func (e *LedgerEntry) BeforeDelete(tx *gorm.DB) error {
	return errors.New("immutable ledger: ledger_entries cannot be deleted")
}
