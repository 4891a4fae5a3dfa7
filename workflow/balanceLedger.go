package workflow

import (
	"context"
	"fmt"

	"bitbucket.org/mmdatafocus/distro_backend/config"
	"bitbucket.org/mmdatafocus/distro_backend/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// BalanceAdjustment describes one signed adjustment to an account balance.
// Sign convention: credits (payments, collections) are positive, debits
// (dispatch charges) are negative; balance = lifetime_credits - lifetime_debits.
type BalanceAdjustment struct {
	AccountId      int
	Delta          decimal.Decimal
	Reason         models.LedgerReason
	ReferenceType  models.ReferenceType
	ReferenceId    int
	Description    string
	IdempotencyKey string
}

type BalanceResult struct {
	AccountId  int             `json:"account_id"`
	NewBalance decimal.Decimal `json:"new_balance"`
	EntryId    int             `json:"entry_id"`
}

// applyBalanceAdjustment is the in-transaction primitive: locks the account
// row for the read-modify-write, updates balance and lifetime counters, and
// appends the ledger entry — all in the caller's transaction.
func applyBalanceAdjustment(tx *gorm.DB, logger *logrus.Logger, businessId string, adj BalanceAdjustment) (*BalanceResult, error) {
	if adj.Delta.IsZero() {
		return nil, ErrZeroDelta
	}
	if !adj.Reason.Valid() {
		return nil, ErrInvalidReason
	}

	var account models.Account
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ? AND id = ?", businessId, adj.AccountId).
		First(&account).Error; err != nil {
		return nil, notFoundOr(err, ErrAccountNotFound)
	}
	if account.IsArchived {
		return nil, ErrAccountArchived
	}

	newBalance := account.Balance.Add(adj.Delta)
	newCredits := account.LifetimeCredits
	newDebits := account.LifetimeDebits
	if adj.Delta.IsPositive() {
		newCredits = newCredits.Add(adj.Delta)
	} else {
		newDebits = newDebits.Add(adj.Delta.Neg())
	}

	if err := tx.Model(&models.Account{}).
		Where("business_id = ? AND id = ?", businessId, adj.AccountId).
		Updates(map[string]interface{}{
			"balance":          newBalance,
			"lifetime_credits": newCredits,
			"lifetime_debits":  newDebits,
		}).Error; err != nil {
		return nil, classifyDBErr(err)
	}

	entry := models.LedgerEntry{
		BusinessId:     businessId,
		AccountId:      adj.AccountId,
		Amount:         adj.Delta,
		BalanceAfter:   newBalance,
		Reason:         adj.Reason,
		ReferenceType:  adj.ReferenceType,
		ReferenceId:    adj.ReferenceId,
		Description:    adj.Description,
		IdempotencyKey: adj.IdempotencyKey,
	}
	if err := tx.Create(&entry).Error; err != nil {
		return nil, classifyDBErr(err)
	}

	if err := models.SaveAudit(tx, businessId, "adjust_balance", adj.ReferenceId, adj.ReferenceType,
		map[string]interface{}{"balance": account.Balance},
		map[string]interface{}{"balance": newBalance, "entry_id": entry.ID},
		fmt.Sprintf("Balance adjusted by %s (%s).", adj.Delta, adj.Reason)); err != nil {
		return nil, classifyDBErr(err)
	}

	return &BalanceResult{AccountId: adj.AccountId, NewBalance: newBalance, EntryId: entry.ID}, nil
}

// AdjustBalance is the externally callable atomic operation: one idempotent
// transaction holding the per-business posting lock, one ledger entry, none on
// failure.
func AdjustBalance(ctx context.Context, db *gorm.DB, logger *logrus.Logger, businessId string, adj BalanceAdjustment) (*BalanceResult, bool, error) {
	var result BalanceResult
	replayed, err := WithIdempotency(ctx, db, logger, businessId, "adjust_balance", adj.IdempotencyKey, adj, &result, func(tx *gorm.DB) error {
		if err := AcquirePostingLock(tx, businessId); err != nil {
			return err
		}
		defer ReleasePostingLock(tx, businessId)

		r, err := applyBalanceAdjustment(tx, logger, businessId, adj)
		if err != nil {
			return err
		}
		result = *r

		if config.ReconcileAfterPosting() {
			return CheckAccountDrift(tx, businessId, adj.AccountId)
		}
		return nil
	})
	if err != nil {
		config.LogError(logger, "balanceLedger.go", "AdjustBalance", "posting", adj, err)
		return nil, false, err
	}
	return &result, replayed, nil
}

// outstandingForOrder recomputes what is still owed on an order from the
// ledger, never from a cached column alone.
func outstandingForOrder(tx *gorm.DB, businessId string, order *models.Order) (decimal.Decimal, error) {
	type row struct {
		Total decimal.Decimal
	}
	var r row
	if err := tx.Model(&models.LedgerEntry{}).
		Select("COALESCE(SUM(amount), 0) AS total").
		Where("business_id = ? AND reference_type = ? AND reference_id = ? AND reason = ?",
			businessId, models.ReferenceTypeOrder, order.ID, models.LedgerReasonPayment).
		Scan(&r).Error; err != nil {
		return decimal.Zero, classifyDBErr(err)
	}
	return order.TotalAmount.Sub(r.Total), nil
}
