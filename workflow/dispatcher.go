package workflow

import (
	"encoding/json"
	"fmt"
	"sync"

	"bitbucket.org/mmdatafocus/distro_backend/models"
	"bitbucket.org/mmdatafocus/distro_backend/utils"
	"gorm.io/gorm"
)

// TransitionEvent is the payload handed to a variant handler and published to
// Pub/Sub after commit.
type TransitionEvent struct {
	BusinessId  string             `json:"business_id"`
	OrderId     int                `json:"order_id"`
	OrderNumber string             `json:"order_number"`
	OrderType   models.OrderType   `json:"order_type"`
	AccountId   int                `json:"account_id"`
	FromStatus  models.OrderStatus `json:"from_status"`
	ToStatus    models.OrderStatus `json:"to_status"`
	TotalAmount string             `json:"total_amount"`
}

// TransitionHandler is the single authorized side-effect hook for one order
// variant. Handlers run in the dispatcher goroutine after the posting
// transaction committed; they must be idempotent because a crashed dispatcher
// re-claims and re-delivers.
type TransitionHandler func(event TransitionEvent) error

// Dispatcher routes committed transitions to exactly one handler per order
// variant. Registering a second handler for the same variant is an error; the
// legacy scheme of several independent hooks firing per table change is what
// this replaces.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[models.OrderType]TransitionHandler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[models.OrderType]TransitionHandler)}
}

func (d *Dispatcher) Register(orderType models.OrderType, h TransitionHandler) error {
	if !orderType.Valid() {
		return models.ErrInvalidEnumValue
	}
	if h == nil {
		return fmt.Errorf("nil handler for order type %s", orderType)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.handlers[orderType]; exists {
		return fmt.Errorf("handler already registered for order type %s", orderType)
	}
	d.handlers[orderType] = h
	return nil
}

// Route invokes the registered handler for the event's variant. A variant
// with no handler is not an error; the event is still published.
func (d *Dispatcher) Route(event TransitionEvent) error {
	d.mu.RLock()
	h, ok := d.handlers[event.OrderType]
	d.mu.RUnlock()
	if !ok {
		return nil
	}
	return h(event)
}

// EnqueueTransition writes the outbox record for a status change inside the
// caller's transaction, so the event exists if and only if the transition
// committed.
func EnqueueTransition(tx *gorm.DB, order *models.Order, from, to models.OrderStatus) error {
	event := TransitionEvent{
		BusinessId:  order.BusinessId,
		OrderId:     order.ID,
		OrderNumber: order.OrderNumber,
		OrderType:   order.OrderType,
		AccountId:   order.AccountId,
		FromStatus:  from,
		ToStatus:    to,
		TotalAmount: order.TotalAmount.String(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	record := models.OutboxRecord{
		BusinessId:    order.BusinessId,
		OrderId:       order.ID,
		OrderType:     order.OrderType,
		FromStatus:    from,
		ToStatus:      to,
		Payload:       payload,
		PublishStatus: models.OutboxPublishStatusPending,
	}
	if cid, ok := utils.GetCorrelationIdFromContext(tx.Statement.Context); ok {
		record.CorrelationId = cid
	}
	return tx.Create(&record).Error
}
