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

// StockAdjustment describes one signed adjustment to product stock. Delta is
// always the on_hand change; coupled movement types (dispatch to consignment,
// reserve, release) mirror -delta onto the paired bucket so units never leave
// the product total unrecorded.
type StockAdjustment struct {
	ProductId      int
	Delta          decimal.Decimal
	MovementType   models.MovementType
	ReferenceType  models.ReferenceType
	ReferenceId    int
	Description    string
	IdempotencyKey string
}

type StockResult struct {
	ProductId     int             `json:"product_id"`
	NewOnHandQty  decimal.Decimal `json:"new_on_hand_qty"`
	NewFrontedQty decimal.Decimal `json:"new_fronted_qty"`
	NewReservedQty decimal.Decimal `json:"new_reserved_qty"`
	MovementId    int             `json:"movement_id"`
}

// bucketDeltas maps a movement type and on_hand delta onto the three buckets.
func bucketDeltas(mt models.MovementType, delta decimal.Decimal) (onHand, fronted, reserved decimal.Decimal, err error) {
	zero := decimal.Zero
	switch mt {
	case models.MovementTypeSale, models.MovementTypeDamage,
		models.MovementTypeRestock:
		return delta, zero, zero, nil
	case models.MovementTypeDispatch, models.MovementTypeReturn:
		// Consignment coupling: dispatch moves units on_hand -> fronted, a
		// return is the same pairing with the opposite sign. Total unchanged
		// either way; plain stock-in uses Restock instead.
		return delta, delta.Neg(), zero, nil
	case models.MovementTypeReserve:
		return delta, zero, delta.Neg(), nil
	case models.MovementTypeRelease:
		return delta, zero, delta.Neg(), nil
	default:
		return zero, zero, zero, ErrInvalidMovementType
	}
}

// applyStockDeltas is the in-transaction primitive: locks the product row,
// applies the three bucket deltas, rejects any bucket going negative, and
// records one movement row. No partial effect on failure.
func applyStockDeltas(tx *gorm.DB, logger *logrus.Logger, businessId string, productId int,
	onHandDelta, frontedDelta, reservedDelta decimal.Decimal,
	mt models.MovementType, refType models.ReferenceType, refId int, description string, opKey string) (*StockResult, error) {

	if onHandDelta.IsZero() && frontedDelta.IsZero() && reservedDelta.IsZero() {
		return nil, ErrZeroDelta
	}

	var product models.Product
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ? AND id = ?", businessId, productId).
		First(&product).Error; err != nil {
		return nil, notFoundOr(err, ErrProductNotFound)
	}

	newOnHand := product.OnHandQty.Add(onHandDelta)
	newFronted := product.FrontedQty.Add(frontedDelta)
	newReserved := product.ReservedQty.Add(reservedDelta)
	if newOnHand.IsNegative() || newFronted.IsNegative() || newReserved.IsNegative() {
		return nil, ErrInsufficientStock
	}

	if err := tx.Model(&models.Product{}).
		Where("business_id = ? AND id = ?", businessId, productId).
		Updates(map[string]interface{}{
			"on_hand_qty":  newOnHand,
			"fronted_qty":  newFronted,
			"reserved_qty": newReserved,
		}).Error; err != nil {
		return nil, classifyDBErr(err)
	}

	movement := models.InventoryMovement{
		BusinessId:     businessId,
		ProductId:      productId,
		Delta:          onHandDelta,
		FrontedDelta:   frontedDelta,
		ReservedDelta:  reservedDelta,
		QtyAfter:       newOnHand,
		FrontedAfter:   newFronted,
		ReservedAfter:  newReserved,
		MovementType:   mt,
		ReferenceType:  refType,
		ReferenceId:    refId,
		Description:    description,
		IdempotencyKey: opKey,
	}
	if err := tx.Create(&movement).Error; err != nil {
		return nil, classifyDBErr(err)
	}

	if err := models.SaveAudit(tx, businessId, "adjust_stock", refId, refType,
		map[string]interface{}{"on_hand": product.OnHandQty, "fronted": product.FrontedQty, "reserved": product.ReservedQty},
		map[string]interface{}{"on_hand": newOnHand, "fronted": newFronted, "reserved": newReserved, "movement_id": movement.ID},
		fmt.Sprintf("Stock adjusted (%s): %s.", mt, onHandDelta)); err != nil {
		return nil, classifyDBErr(err)
	}

	return &StockResult{
		ProductId:      productId,
		NewOnHandQty:   newOnHand,
		NewFrontedQty:  newFronted,
		NewReservedQty: newReserved,
		MovementId:     movement.ID,
	}, nil
}

// applyStockAdjustment routes a StockAdjustment through bucketDeltas.
func applyStockAdjustment(tx *gorm.DB, logger *logrus.Logger, businessId string, adj StockAdjustment) (*StockResult, error) {
	if adj.Delta.IsZero() {
		return nil, ErrZeroDelta
	}
	onHand, fronted, reserved, err := bucketDeltas(adj.MovementType, adj.Delta)
	if err != nil {
		return nil, err
	}
	return applyStockDeltas(tx, logger, businessId, adj.ProductId, onHand, fronted, reserved,
		adj.MovementType, adj.ReferenceType, adj.ReferenceId, adj.Description, adj.IdempotencyKey)
}

// AdjustStock is the externally callable atomic operation: one idempotent
// transaction, exclusive product row lock, movement recorded atomically with
// the quantity change.
func AdjustStock(ctx context.Context, db *gorm.DB, logger *logrus.Logger, businessId string, adj StockAdjustment) (*StockResult, bool, error) {
	var result StockResult
	replayed, err := WithIdempotency(ctx, db, logger, businessId, "adjust_stock", adj.IdempotencyKey, adj, &result, func(tx *gorm.DB) error {
		if err := AcquirePostingLock(tx, businessId); err != nil {
			return err
		}
		defer ReleasePostingLock(tx, businessId)

		r, err := applyStockAdjustment(tx, logger, businessId, adj)
		if err != nil {
			return err
		}
		result = *r

		if config.ReconcileAfterPosting() {
			return CheckProductDrift(tx, businessId, adj.ProductId)
		}
		return nil
	})
	if err != nil {
		config.LogError(logger, "inventoryTracker.go", "AdjustStock", "posting", adj, err)
		return nil, false, err
	}
	return &result, replayed, nil
}
