package workflow

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/distro_backend/config"
	"bitbucket.org/mmdatafocus/distro_backend/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// DriftViolation is one detected mismatch between a cached aggregate and the
// history that should produce it. Reconciliation reports, it never repairs;
// drift means a bug or manual interference and both need a human.
type DriftViolation struct {
	Kind        string          `json:"kind"`
	EntityId    int             `json:"entity_id"`
	Field       string          `json:"field"`
	Cached      decimal.Decimal `json:"cached"`
	Recomputed  decimal.Decimal `json:"recomputed"`
	Description string          `json:"description"`
}

type ReconciliationReport struct {
	BusinessId       string           `json:"business_id"`
	AccountsChecked  int              `json:"accounts_checked"`
	ProductsChecked  int              `json:"products_checked"`
	Violations       []DriftViolation `json:"violations"`
	StartedAt        time.Time        `json:"started_at"`
	FinishedAt       time.Time        `json:"finished_at"`
}

func (r *ReconciliationReport) Clean() bool {
	return len(r.Violations) == 0
}

func sumColumn(tx *gorm.DB, model interface{}, column, where string, args ...interface{}) (decimal.Decimal, error) {
	type row struct {
		Total decimal.Decimal
	}
	var r row
	if err := tx.Model(model).
		Select("COALESCE(SUM("+column+"), 0) AS total").
		Where(where, args...).
		Scan(&r).Error; err != nil {
		return decimal.Zero, classifyDBErr(err)
	}
	return r.Total, nil
}

func accountDrift(tx *gorm.DB, businessId string, account *models.Account) ([]DriftViolation, error) {
	recomputed, err := sumColumn(tx, &models.LedgerEntry{}, "amount",
		"business_id = ? AND account_id = ?", businessId, account.ID)
	if err != nil {
		return nil, err
	}
	var violations []DriftViolation
	if !account.Balance.Equal(recomputed) {
		violations = append(violations, DriftViolation{
			Kind:        "account",
			EntityId:    account.ID,
			Field:       "balance",
			Cached:      account.Balance,
			Recomputed:  recomputed,
			Description: fmt.Sprintf("account %d balance %s does not match ledger sum %s", account.ID, account.Balance, recomputed),
		})
	}
	if !account.Balance.Equal(account.LifetimeCredits.Sub(account.LifetimeDebits)) {
		violations = append(violations, DriftViolation{
			Kind:        "account",
			EntityId:    account.ID,
			Field:       "lifetime_counters",
			Cached:      account.Balance,
			Recomputed:  account.LifetimeCredits.Sub(account.LifetimeDebits),
			Description: fmt.Sprintf("account %d balance %s does not match lifetime credits - debits", account.ID, account.Balance),
		})
	}
	return violations, nil
}

func productDrift(tx *gorm.DB, businessId string, product *models.Product) ([]DriftViolation, error) {
	buckets := []struct {
		field  string
		column string
		cached decimal.Decimal
	}{
		{"on_hand_qty", "delta", product.OnHandQty},
		{"fronted_qty", "fronted_delta", product.FrontedQty},
		{"reserved_qty", "reserved_delta", product.ReservedQty},
	}
	var violations []DriftViolation
	for _, b := range buckets {
		recomputed, err := sumColumn(tx, &models.InventoryMovement{}, b.column,
			"business_id = ? AND product_id = ?", businessId, product.ID)
		if err != nil {
			return nil, err
		}
		if !b.cached.Equal(recomputed) {
			violations = append(violations, DriftViolation{
				Kind:        "product",
				EntityId:    product.ID,
				Field:       b.field,
				Cached:      b.cached,
				Recomputed:  recomputed,
				Description: fmt.Sprintf("product %d %s %s does not match movement sum %s", product.ID, b.field, b.cached, recomputed),
			})
		}
	}
	return violations, nil
}

// CheckAccountDrift recomputes one account inside the caller's transaction
// and fails it on mismatch. Used by the optional post-posting verification.
func CheckAccountDrift(tx *gorm.DB, businessId string, accountId int) error {
	var account models.Account
	if err := tx.Where("business_id = ? AND id = ?", businessId, accountId).
		First(&account).Error; err != nil {
		return notFoundOr(err, ErrAccountNotFound)
	}
	violations, err := accountDrift(tx, businessId, &account)
	if err != nil {
		return err
	}
	if len(violations) > 0 {
		return fmt.Errorf("%w: %s", ErrLedgerDrift, violations[0].Description)
	}
	return nil
}

// CheckProductDrift recomputes one product's buckets inside the caller's
// transaction and fails it on mismatch.
func CheckProductDrift(tx *gorm.DB, businessId string, productId int) error {
	var product models.Product
	if err := tx.Where("business_id = ? AND id = ?", businessId, productId).
		First(&product).Error; err != nil {
		return notFoundOr(err, ErrProductNotFound)
	}
	violations, err := productDrift(tx, businessId, &product)
	if err != nil {
		return err
	}
	if len(violations) > 0 {
		return fmt.Errorf("%w: %s", ErrInventoryDrift, violations[0].Description)
	}
	return nil
}

// RunReconciliation sweeps every account and product of a business, comparing
// cached aggregates against their recomputed history. It holds the posting
// lock so the snapshot is consistent with in-flight postings.
func RunReconciliation(ctx context.Context, db *gorm.DB, logger *logrus.Logger, businessId string) (*ReconciliationReport, error) {
	report := &ReconciliationReport{
		BusinessId: businessId,
		StartedAt:  time.Now().UTC(),
	}

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := AcquirePostingLock(tx, businessId); err != nil {
			return err
		}
		defer ReleasePostingLock(tx, businessId)

		var accounts []models.Account
		if err := tx.Where("business_id = ?", businessId).Find(&accounts).Error; err != nil {
			return classifyDBErr(err)
		}
		for i := range accounts {
			violations, err := accountDrift(tx, businessId, &accounts[i])
			if err != nil {
				return err
			}
			report.Violations = append(report.Violations, violations...)
		}
		report.AccountsChecked = len(accounts)

		var products []models.Product
		if err := tx.Where("business_id = ?", businessId).Find(&products).Error; err != nil {
			return classifyDBErr(err)
		}
		for i := range products {
			violations, err := productDrift(tx, businessId, &products[i])
			if err != nil {
				return err
			}
			report.Violations = append(report.Violations, violations...)
		}
		report.ProductsChecked = len(products)
		return nil
	})
	if err != nil {
		config.LogError(logger, "reconciliation.go", "RunReconciliation", "sweep", businessId, err)
		return nil, err
	}

	report.FinishedAt = time.Now().UTC()
	for _, v := range report.Violations {
		logger.WithFields(logrus.Fields{
			"business_id": businessId,
			"kind":        v.Kind,
			"entity_id":   v.EntityId,
			"field":       v.Field,
		}).Warn(v.Description)
	}
	return report, nil
}
