package workflow

import (
	"bitbucket.org/mmdatafocus/distro_backend/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// reverseMovementType pairs each movement type with its compensating type.
// Reversals are appended as new movements, never as edits to history.
var reverseMovementType = map[models.MovementType]models.MovementType{
	models.MovementTypeDispatch: models.MovementTypeReturn,
	models.MovementTypeReturn:   models.MovementTypeDispatch,
	models.MovementTypeReserve:  models.MovementTypeRelease,
	models.MovementTypeRelease:  models.MovementTypeReserve,
	models.MovementTypeSale:     models.MovementTypeRestock,
	models.MovementTypeRestock:  models.MovementTypeSale,
	models.MovementTypeDamage:   models.MovementTypeRestock,
}

// reverseOrderMovements appends one compensating movement per original
// movement posted against the order, with every bucket delta negated. After
// this runs the order's net stock effect is zero.
func reverseOrderMovements(tx *gorm.DB, logger *logrus.Logger, businessId string, order *models.Order, opKey string) ([]int, error) {
	var movements []models.InventoryMovement
	if err := tx.Where("business_id = ? AND reference_type IN ? AND reference_id = ?",
		businessId, []models.ReferenceType{models.ReferenceTypeOrder, models.ReferenceTypeDelivery}, order.ID).
		Order("id ASC").
		Find(&movements).Error; err != nil {
		return nil, classifyDBErr(err)
	}

	movementIds := make([]int, 0, len(movements))
	for _, m := range movements {
		rt, ok := reverseMovementType[m.MovementType]
		if !ok {
			return nil, ErrInvalidMovementType
		}
		r, err := applyStockDeltas(tx, logger, businessId, m.ProductId,
			m.Delta.Neg(), m.FrontedDelta.Neg(), m.ReservedDelta.Neg(),
			rt, m.ReferenceType, m.ReferenceId,
			"REV: "+m.Description, opKey)
		if err != nil {
			return nil, err
		}
		movementIds = append(movementIds, r.MovementId)
	}
	return movementIds, nil
}

// reverseOrderLedger posts one compensating entry for the net of everything
// already booked against the order, and flags the order's applied payments as
// reversed. Returns the new account balance either way.
func reverseOrderLedger(tx *gorm.DB, logger *logrus.Logger, businessId string, order *models.Order, opKey string) ([]int, decimal.Decimal, error) {
	type row struct {
		Total decimal.Decimal
	}
	var r row
	if err := tx.Model(&models.LedgerEntry{}).
		Select("COALESCE(SUM(amount), 0) AS total").
		Where("business_id = ? AND reference_type = ? AND reference_id = ?",
			businessId, models.ReferenceTypeOrder, order.ID).
		Scan(&r).Error; err != nil {
		return nil, decimal.Zero, classifyDBErr(err)
	}

	entryIds := make([]int, 0, 1)
	var newBalance decimal.Decimal

	if !r.Total.IsZero() {
		balRes, err := applyBalanceAdjustment(tx, logger, businessId, BalanceAdjustment{
			AccountId:      order.AccountId,
			Delta:          r.Total.Neg(),
			Reason:         models.LedgerReasonCancellationReversal,
			ReferenceType:  models.ReferenceTypeOrder,
			ReferenceId:    order.ID,
			Description:    "REV: cancellation of order " + order.OrderNumber,
			IdempotencyKey: opKey,
		})
		if err != nil {
			return nil, decimal.Zero, err
		}
		entryIds = append(entryIds, balRes.EntryId)
		newBalance = balRes.NewBalance
	} else {
		var account models.Account
		if err := tx.Where("business_id = ? AND id = ?", businessId, order.AccountId).
			First(&account).Error; err != nil {
			return nil, decimal.Zero, notFoundOr(err, ErrAccountNotFound)
		}
		newBalance = account.Balance
	}

	// Payment rows keep their amounts; only the reversal flag changes.
	if err := tx.Model(&models.Payment{}).
		Where("business_id = ? AND order_id = ? AND status = ?",
			businessId, order.ID, models.PaymentStatusApplied).
		Updates(map[string]interface{}{"status": models.PaymentStatusReversed}).Error; err != nil {
		return nil, decimal.Zero, classifyDBErr(err)
	}

	return entryIds, newBalance, nil
}
