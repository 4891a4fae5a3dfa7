package workflow

import (
	"context"
	"fmt"

	"bitbucket.org/mmdatafocus/distro_backend/config"
	"bitbucket.org/mmdatafocus/distro_backend/models"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var validate = validator.New()

// OrderSpec is the input for CreateOrder.
type OrderSpec struct {
	AccountId   int              `json:"account_id" validate:"required,gt=0"`
	OrderType   models.OrderType `json:"order_type" validate:"required"`
	OrderNumber string           `json:"order_number"`
	Items       []OrderSpecItem  `json:"items" validate:"required,min=1,dive"`
}

type OrderSpecItem struct {
	ProductId int             `json:"product_id" validate:"required,gt=0"`
	Qty       decimal.Decimal `json:"qty"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type SaleItem struct {
	ProductId int             `json:"product_id" validate:"required,gt=0"`
	Qty       decimal.Decimal `json:"qty"`
}

// OrderResult is returned by every lifecycle operation; retried calls with the
// same idempotency key get the identical snapshot back.
type OrderResult struct {
	OrderId     int                `json:"order_id"`
	OrderNumber string             `json:"order_number"`
	Status      models.OrderStatus `json:"status"`
	TotalAmount decimal.Decimal    `json:"total_amount"`
	Outstanding decimal.Decimal    `json:"outstanding"`
	NewBalance  decimal.Decimal    `json:"new_balance"`
	EntryIds    []int              `json:"entry_ids"`
	MovementIds []int              `json:"movement_ids"`
}

func validateOrderSpec(spec *OrderSpec) error {
	if err := validate.Struct(spec); err != nil {
		return err
	}
	if !spec.OrderType.Valid() {
		return models.ErrInvalidEnumValue
	}
	for _, item := range spec.Items {
		if !item.Qty.IsPositive() {
			return fmt.Errorf("product %d: qty must be positive", item.ProductId)
		}
		if item.UnitPrice.IsNegative() {
			return fmt.Errorf("product %d: unit price cannot be negative", item.ProductId)
		}
	}
	return nil
}

// lockOrder loads the order with its items under an exclusive row lock. The
// lock is the serialization point for racing transitions (cancel vs payment):
// whichever transaction acquires it first completes, the loser re-reads the
// updated status and is re-evaluated against the state machine.
func lockOrder(tx *gorm.DB, businessId string, orderId int) (*models.Order, error) {
	var order models.Order
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ? AND id = ?", businessId, orderId).
		First(&order).Error; err != nil {
		return nil, notFoundOr(err, ErrOrderNotFound)
	}
	if err := tx.Where("business_id = ? AND order_id = ?", businessId, orderId).
		Find(&order.Details).Error; err != nil {
		return nil, classifyDBErr(err)
	}
	return &order, nil
}

// CreateOrder validates availability, applies the per-variant stock effect,
// and creates the order in Confirmed — one idempotent atomic operation.
// Fronted orders move units on_hand -> fronted; every other variant reserves
// them. No ledger entry is posted at creation: money moves when goods are
// delivered, sold, or paid for.
func CreateOrder(ctx context.Context, db *gorm.DB, logger *logrus.Logger, businessId string, spec OrderSpec, opKey string) (*OrderResult, bool, error) {
	if err := validateOrderSpec(&spec); err != nil {
		return nil, false, err
	}

	var result OrderResult
	replayed, err := WithIdempotency(ctx, db, logger, businessId, "create_order", opKey, spec, &result, func(tx *gorm.DB) error {
		if err := AcquirePostingLock(tx, businessId); err != nil {
			return err
		}
		defer ReleasePostingLock(tx, businessId)

		var account models.Account
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("business_id = ? AND id = ?", businessId, spec.AccountId).
			First(&account).Error; err != nil {
			return notFoundOr(err, ErrAccountNotFound)
		}
		if account.IsArchived {
			return ErrAccountArchived
		}

		total := decimal.Zero
		items := make([]models.OrderItem, 0, len(spec.Items))
		for _, it := range spec.Items {
			amount := it.Qty.Mul(it.UnitPrice)
			total = total.Add(amount)
			items = append(items, models.OrderItem{
				BusinessId: businessId,
				ProductId:  it.ProductId,
				Qty:        it.Qty,
				UnitPrice:  it.UnitPrice,
				Amount:     amount,
			})
		}

		order := models.Order{
			BusinessId:     businessId,
			AccountId:      spec.AccountId,
			OrderType:      spec.OrderType,
			OrderNumber:    spec.OrderNumber,
			CurrentStatus:  models.OrderStatusDraft,
			TotalAmount:    total,
			IdempotencyKey: opKey,
		}
		if err := tx.Create(&order).Error; err != nil {
			return classifyDBErr(err)
		}
		for i := range items {
			items[i].OrderId = order.ID
		}
		if err := tx.Create(&items).Error; err != nil {
			return classifyDBErr(err)
		}
		order.Details = items

		movementType := models.MovementTypeReserve
		if spec.OrderType == models.OrderTypeFronted {
			movementType = models.MovementTypeDispatch
		}
		movementIds := make([]int, 0, len(items))
		for _, it := range items {
			r, err := applyStockAdjustment(tx, logger, businessId, StockAdjustment{
				ProductId:      it.ProductId,
				Delta:          it.Qty.Neg(),
				MovementType:   movementType,
				ReferenceType:  models.ReferenceTypeOrder,
				ReferenceId:    order.ID,
				Description:    "Order " + order.OrderNumber + " confirmed",
				IdempotencyKey: opKey,
			})
			if err != nil {
				return err
			}
			movementIds = append(movementIds, r.MovementId)
		}

		if err := setOrderStatus(tx, logger, &order, models.OrderStatusConfirmed); err != nil {
			return err
		}

		result = OrderResult{
			OrderId:     order.ID,
			OrderNumber: order.OrderNumber,
			Status:      order.CurrentStatus,
			TotalAmount: total,
			Outstanding: total,
			NewBalance:  account.Balance,
			MovementIds: movementIds,
		}
		return nil
	})
	if err != nil {
		config.LogError(logger, "orderLifecycle.go", "CreateOrder", "posting", spec, err)
		return nil, false, err
	}
	return &result, replayed, nil
}

// CancelOrder is only legal from Confirmed or Partially Paid. It appends
// compensating movements for the original stock effect and one compensating
// ledger entry for everything already posted against the order — history is
// never mutated — then sets Cancelled.
func CancelOrder(ctx context.Context, db *gorm.DB, logger *logrus.Logger, businessId string, orderId int, opKey string) (*OrderResult, bool, error) {
	var result OrderResult
	replayed, err := WithIdempotency(ctx, db, logger, businessId, "cancel_order", opKey, map[string]interface{}{"order_id": orderId}, &result, func(tx *gorm.DB) error {
		if err := AcquirePostingLock(tx, businessId); err != nil {
			return err
		}
		defer ReleasePostingLock(tx, businessId)

		order, err := lockOrder(tx, businessId, orderId)
		if err != nil {
			return err
		}
		if !CanTransition(order.OrderType, order.CurrentStatus, models.OrderStatusCancelled) {
			return ErrInvalidTransition
		}

		movementIds, err := reverseOrderMovements(tx, logger, businessId, order, opKey)
		if err != nil {
			return err
		}

		entryIds, newBalance, err := reverseOrderLedger(tx, logger, businessId, order, opKey)
		if err != nil {
			return err
		}

		if err := setOrderStatus(tx, logger, order, models.OrderStatusCancelled); err != nil {
			return err
		}

		result = OrderResult{
			OrderId:     order.ID,
			OrderNumber: order.OrderNumber,
			Status:      order.CurrentStatus,
			TotalAmount: order.TotalAmount,
			Outstanding: decimal.Zero,
			NewBalance:  newBalance,
			EntryIds:    entryIds,
			MovementIds: movementIds,
		}
		return nil
	})
	if err != nil {
		config.LogError(logger, "orderLifecycle.go", "CancelOrder", "posting", orderId, err)
		return nil, false, err
	}
	return &result, replayed, nil
}

// RecordPayment creates a Payment and credits the account ledger. Fronted
// orders advance to Partially Paid or Paid In Full; wholesale orders keep
// their status, with prepayments sitting as account credit until delivery
// completes the order. Outstanding is always total_amount minus the sum of
// payment ledger entries.
func RecordPayment(ctx context.Context, db *gorm.DB, logger *logrus.Logger, businessId string, orderId int, amount decimal.Decimal, method models.PaymentMethod, opKey string) (*OrderResult, bool, error) {
	if !amount.IsPositive() {
		return nil, false, ErrInvalidAmount
	}
	if !method.Valid() {
		return nil, false, models.ErrInvalidEnumValue
	}

	var result OrderResult
	replayed, err := WithIdempotency(ctx, db, logger, businessId, "record_payment", opKey, map[string]interface{}{"order_id": orderId, "amount": amount, "method": method}, &result, func(tx *gorm.DB) error {
		if err := AcquirePostingLock(tx, businessId); err != nil {
			return err
		}
		defer ReleasePostingLock(tx, businessId)

		order, err := lockOrder(tx, businessId, orderId)
		if err != nil {
			return err
		}
		if order.OrderType == models.OrderTypePos || order.OrderType == models.OrderTypeMenu {
			return ErrUnsupportedOrderType
		}
		switch order.CurrentStatus {
		case models.OrderStatusConfirmed, models.OrderStatusPartiallyPaid:
		case models.OrderStatusPaidInFull, models.OrderStatusCompleted:
			return ErrAlreadyPaidInFull
		default:
			return ErrInvalidTransition
		}

		outstanding, err := outstandingForOrder(tx, businessId, order)
		if err != nil {
			return err
		}
		if amount.GreaterThan(outstanding) {
			return ErrPaymentExceedsOutstanding
		}

		balRes, err := applyBalanceAdjustment(tx, logger, businessId, BalanceAdjustment{
			AccountId:      order.AccountId,
			Delta:          amount,
			Reason:         models.LedgerReasonPayment,
			ReferenceType:  models.ReferenceTypeOrder,
			ReferenceId:    order.ID,
			Description:    "Payment on order " + order.OrderNumber,
			IdempotencyKey: opKey,
		})
		if err != nil {
			return err
		}

		payment := models.Payment{
			BusinessId:     businessId,
			OrderId:        order.ID,
			AccountId:      order.AccountId,
			Amount:         amount,
			Method:         method,
			Status:         models.PaymentStatusApplied,
			LedgerEntryId:  balRes.EntryId,
			IdempotencyKey: opKey,
		}
		if err := tx.Create(&payment).Error; err != nil {
			return classifyDBErr(err)
		}

		outstanding = outstanding.Sub(amount)
		// Only fronted orders advance on payment. A wholesale order stays
		// Confirmed even when fully prepaid: completing it here would strand
		// the reservation and skip the dispatch charge, both of which belong
		// to delivery.
		if order.OrderType == models.OrderTypeFronted {
			if outstanding.IsZero() {
				if err := setOrderStatus(tx, logger, order, models.OrderStatusPaidInFull); err != nil {
					return err
				}
			} else if order.CurrentStatus == models.OrderStatusConfirmed {
				if err := setOrderStatus(tx, logger, order, models.OrderStatusPartiallyPaid); err != nil {
					return err
				}
			}
		}

		if config.ReconcileAfterPosting() {
			if err := CheckAccountDrift(tx, businessId, order.AccountId); err != nil {
				return err
			}
		}

		result = OrderResult{
			OrderId:     order.ID,
			OrderNumber: order.OrderNumber,
			Status:      order.CurrentStatus,
			TotalAmount: order.TotalAmount,
			Outstanding: outstanding,
			NewBalance:  balRes.NewBalance,
			EntryIds:    []int{balRes.EntryId},
		}
		return nil
	})
	if err != nil {
		config.LogError(logger, "orderLifecycle.go", "RecordPayment", "posting", orderId, err)
		return nil, false, err
	}
	return &result, replayed, nil
}

// RecordSale settles a POS/menu order in one atomic step: the reserved units
// leave stock, one sale ledger entry records the settlement, and the order is
// Completed. Used when sale and settlement are simultaneous (cash/card at the
// point of sale).
func RecordSale(ctx context.Context, db *gorm.DB, logger *logrus.Logger, businessId string, orderId int, items []SaleItem, opKey string) (*OrderResult, bool, error) {
	var result OrderResult
	replayed, err := WithIdempotency(ctx, db, logger, businessId, "record_sale", opKey, map[string]interface{}{"order_id": orderId, "items": items}, &result, func(tx *gorm.DB) error {
		if err := AcquirePostingLock(tx, businessId); err != nil {
			return err
		}
		defer ReleasePostingLock(tx, businessId)

		order, err := lockOrder(tx, businessId, orderId)
		if err != nil {
			return err
		}
		if order.OrderType != models.OrderTypePos && order.OrderType != models.OrderTypeMenu {
			return ErrUnsupportedOrderType
		}
		if order.CurrentStatus != models.OrderStatusConfirmed {
			return ErrInvalidTransition
		}
		if err := saleItemsMatchOrder(order, items); err != nil {
			return err
		}

		// Consume the reservation made at creation; units leave stock with a
		// recorded movement.
		movementIds := make([]int, 0, len(order.Details))
		for _, it := range order.Details {
			r, err := applyStockDeltas(tx, logger, businessId, it.ProductId,
				decimal.Zero, decimal.Zero, it.Qty.Neg(),
				models.MovementTypeSale, models.ReferenceTypeOrder, order.ID,
				"Sale on order "+order.OrderNumber, opKey)
			if err != nil {
				return err
			}
			movementIds = append(movementIds, r.MovementId)
		}

		balRes, err := applyBalanceAdjustment(tx, logger, businessId, BalanceAdjustment{
			AccountId:      order.AccountId,
			Delta:          order.TotalAmount,
			Reason:         models.LedgerReasonSale,
			ReferenceType:  models.ReferenceTypeOrder,
			ReferenceId:    order.ID,
			Description:    "Settlement on order " + order.OrderNumber,
			IdempotencyKey: opKey,
		})
		if err != nil {
			return err
		}

		if err := setOrderStatus(tx, logger, order, models.OrderStatusCompleted); err != nil {
			return err
		}

		result = OrderResult{
			OrderId:     order.ID,
			OrderNumber: order.OrderNumber,
			Status:      order.CurrentStatus,
			TotalAmount: order.TotalAmount,
			Outstanding: decimal.Zero,
			NewBalance:  balRes.NewBalance,
			EntryIds:    []int{balRes.EntryId},
			MovementIds: movementIds,
		}
		return nil
	})
	if err != nil {
		config.LogError(logger, "orderLifecycle.go", "RecordSale", "posting", orderId, err)
		return nil, false, err
	}
	return &result, replayed, nil
}

// saleItemsMatchOrder verifies the lines rung up at the terminal match the
// confirmed order exactly. Empty items means "sell the order as confirmed".
func saleItemsMatchOrder(order *models.Order, items []SaleItem) error {
	if len(items) == 0 {
		return nil
	}
	if len(items) != len(order.Details) {
		return fmt.Errorf("sale items do not match order %s", order.OrderNumber)
	}
	byProduct := make(map[int]decimal.Decimal, len(order.Details))
	for _, d := range order.Details {
		byProduct[d.ProductId] = d.Qty
	}
	for _, it := range items {
		qty, ok := byProduct[it.ProductId]
		if !ok || !qty.Equal(it.Qty) {
			return fmt.Errorf("sale items do not match order %s", order.OrderNumber)
		}
	}
	return nil
}

// CompleteDeliveryWithCollection couples the delivery-status update with a
// payment-collection ledger entry; both succeed or both fail. Wholesale
// deliveries consume the reservation, post the dispatch charge, and complete
// the order; fronted deliveries record the collection against the consignment.
func CompleteDeliveryWithCollection(ctx context.Context, db *gorm.DB, logger *logrus.Logger, businessId string, orderId int, collected decimal.Decimal, opKey string) (*OrderResult, bool, error) {
	if collected.IsNegative() {
		return nil, false, ErrInvalidAmount
	}

	var result OrderResult
	replayed, err := WithIdempotency(ctx, db, logger, businessId, "complete_delivery", opKey, map[string]interface{}{"order_id": orderId, "collected": collected}, &result, func(tx *gorm.DB) error {
		if err := AcquirePostingLock(tx, businessId); err != nil {
			return err
		}
		defer ReleasePostingLock(tx, businessId)

		order, err := lockOrder(tx, businessId, orderId)
		if err != nil {
			return err
		}
		if order.OrderType == models.OrderTypePos || order.OrderType == models.OrderTypeMenu {
			return ErrUnsupportedOrderType
		}
		switch order.CurrentStatus {
		case models.OrderStatusConfirmed:
		case models.OrderStatusPartiallyPaid:
			if order.OrderType != models.OrderTypeFronted {
				return ErrInvalidTransition
			}
		default:
			return ErrInvalidTransition
		}

		entryIds := make([]int, 0, 2)
		movementIds := make([]int, 0, len(order.Details))
		newBalance := decimal.Zero

		if order.OrderType == models.OrderTypeWholesale {
			// Reserved units ship out.
			for _, it := range order.Details {
				r, err := applyStockDeltas(tx, logger, businessId, it.ProductId,
					decimal.Zero, decimal.Zero, it.Qty.Neg(),
					models.MovementTypeDispatch, models.ReferenceTypeDelivery, order.ID,
					"Delivery on order "+order.OrderNumber, opKey)
				if err != nil {
					return err
				}
				movementIds = append(movementIds, r.MovementId)
			}

			// Dispatch charge: the client now owes the order total.
			charge, err := applyBalanceAdjustment(tx, logger, businessId, BalanceAdjustment{
				AccountId:      order.AccountId,
				Delta:          order.TotalAmount.Neg(),
				Reason:         models.LedgerReasonDispatch,
				ReferenceType:  models.ReferenceTypeOrder,
				ReferenceId:    order.ID,
				Description:    "Dispatch charge on order " + order.OrderNumber,
				IdempotencyKey: opKey,
			})
			if err != nil {
				return err
			}
			entryIds = append(entryIds, charge.EntryId)
			newBalance = charge.NewBalance
		}

		outstanding, err := outstandingForOrder(tx, businessId, order)
		if err != nil {
			return err
		}
		if collected.GreaterThan(outstanding) {
			return ErrPaymentExceedsOutstanding
		}

		if collected.IsPositive() {
			balRes, err := applyBalanceAdjustment(tx, logger, businessId, BalanceAdjustment{
				AccountId:      order.AccountId,
				Delta:          collected,
				Reason:         models.LedgerReasonPayment,
				ReferenceType:  models.ReferenceTypeOrder,
				ReferenceId:    order.ID,
				Description:    "Collected on delivery of order " + order.OrderNumber,
				IdempotencyKey: opKey,
			})
			if err != nil {
				return err
			}
			payment := models.Payment{
				BusinessId:     businessId,
				OrderId:        order.ID,
				AccountId:      order.AccountId,
				Amount:         collected,
				Method:         models.PaymentMethodCash,
				Status:         models.PaymentStatusApplied,
				LedgerEntryId:  balRes.EntryId,
				IdempotencyKey: opKey,
			}
			if err := tx.Create(&payment).Error; err != nil {
				return classifyDBErr(err)
			}
			entryIds = append(entryIds, balRes.EntryId)
			newBalance = balRes.NewBalance
			outstanding = outstanding.Sub(collected)
		}

		if order.OrderType == models.OrderTypeWholesale {
			if err := setOrderStatus(tx, logger, order, models.OrderStatusCompleted); err != nil {
				return err
			}
		} else if order.OrderType == models.OrderTypeFronted && collected.IsPositive() {
			target := models.OrderStatusPartiallyPaid
			if outstanding.IsZero() {
				target = models.OrderStatusPaidInFull
			}
			if order.CurrentStatus != target {
				if err := setOrderStatus(tx, logger, order, target); err != nil {
					return err
				}
			}
		}

		result = OrderResult{
			OrderId:     order.ID,
			OrderNumber: order.OrderNumber,
			Status:      order.CurrentStatus,
			TotalAmount: order.TotalAmount,
			Outstanding: outstanding,
			NewBalance:  newBalance,
			EntryIds:    entryIds,
			MovementIds: movementIds,
		}
		return nil
	})
	if err != nil {
		config.LogError(logger, "orderLifecycle.go", "CompleteDeliveryWithCollection", "posting", orderId, err)
		return nil, false, err
	}
	return &result, replayed, nil
}
