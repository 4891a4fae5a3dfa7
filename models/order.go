package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order is the variant-typed sales document (wholesale, POS, disposable menu,
// fronted/consignment). Status moves only forward:
//
//	Draft -> Confirmed -> (Completed | Cancelled)
//	Confirmed -> Partially Paid -> Paid In Full   (fronted only)
//
// Status is mutated only by the lifecycle coordinator; every transition writes
// one outbox record inside the same transaction.
type Order struct {
	ID             int             `gorm:"primary_key" json:"id"`
	BusinessId     string          `gorm:"size:64;index;not null;index:idx_order_biz_acct,priority:1" json:"business_id"`
	AccountId      int             `gorm:"index;not null;index:idx_order_biz_acct,priority:2" json:"account_id"`
	OrderType      OrderType       `gorm:"type:enum('WS','POS','MENU','FR');not null" json:"order_type"`
	OrderNumber    string          `gorm:"size:100" json:"order_number"`
	CurrentStatus  OrderStatus     `gorm:"type:enum('Draft','Confirmed','Partially Paid','Paid In Full','Completed','Cancelled');not null;default:'Draft';index" json:"current_status"`
	TotalAmount    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_amount"`
	IdempotencyKey string          `gorm:"size:255;index" json:"idempotency_key"`
	Details        []OrderItem     `gorm:"foreignKey:OrderId" json:"details"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type OrderItem struct {
	ID         int             `gorm:"primary_key" json:"id"`
	BusinessId string          `gorm:"size:64;index;not null" json:"business_id"`
	OrderId    int             `gorm:"index;not null" json:"order_id"`
	ProductId  int             `gorm:"index;not null" json:"product_id"`
	Qty        decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"qty"`
	UnitPrice  decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"unit_price"`
	Amount     decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"amount"`
	CreatedAt  time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

// IsTerminal reports whether no further transition may leave the status.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled || s == OrderStatusPaidInFull
}
