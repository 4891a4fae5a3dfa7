package workflow

import (
	"bitbucket.org/mmdatafocus/distro_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// orderTransitions is the generic lifecycle shared by all order variants:
//
//	Draft -> Confirmed -> (Completed | Cancelled)
//
// Fronted orders additionally reach the payment sub-states:
//
//	Confirmed -> Partially Paid -> Paid In Full
//
// Transitions are monotonic; no state is re-entered once left.
var orderTransitions = map[models.OrderStatus][]models.OrderStatus{
	models.OrderStatusDraft: {
		models.OrderStatusConfirmed,
	},
	models.OrderStatusConfirmed: {
		models.OrderStatusCompleted,
		models.OrderStatusCancelled,
		models.OrderStatusPartiallyPaid,
		models.OrderStatusPaidInFull,
	},
	models.OrderStatusPartiallyPaid: {
		models.OrderStatusPaidInFull,
		models.OrderStatusCancelled,
	},
}

// CanTransition reports whether the order variant may move from -> to.
// The payment sub-states exist only for fronted/consignment orders.
func CanTransition(orderType models.OrderType, from, to models.OrderStatus) bool {
	if isPaymentSubState(to) && orderType != models.OrderTypeFronted {
		return false
	}
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func isPaymentSubState(s models.OrderStatus) bool {
	return s == models.OrderStatusPartiallyPaid || s == models.OrderStatusPaidInFull
}

// setOrderStatus validates and applies a transition, enqueues the outbox
// record for the dispatcher, and writes the audit entry — all inside the
// caller's transaction. The order row must already be locked.
func setOrderStatus(tx *gorm.DB, logger *logrus.Logger, order *models.Order, to models.OrderStatus) error {
	from := order.CurrentStatus
	if !CanTransition(order.OrderType, from, to) {
		return ErrInvalidTransition
	}
	if err := tx.Model(&models.Order{}).
		Where("business_id = ? AND id = ?", order.BusinessId, order.ID).
		Updates(map[string]interface{}{"current_status": to}).Error; err != nil {
		return classifyDBErr(err)
	}
	order.CurrentStatus = to

	if err := EnqueueTransition(tx, order, from, to); err != nil {
		return classifyDBErr(err)
	}
	return classifyDBErr(models.SaveAudit(tx, order.BusinessId, "order_transition", order.ID, models.ReferenceTypeOrder,
		map[string]interface{}{"status": from},
		map[string]interface{}{"status": to},
		"Order "+order.OrderNumber+" moved from "+string(from)+" to "+string(to)+"."))
}
