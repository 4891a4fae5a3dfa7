package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Product stock is split into three buckets that are each kept >= 0:
// - on_hand_qty:  physically in the warehouse, free to sell
// - fronted_qty:  handed to a consignment partner, still owned by the business
// - reserved_qty: committed to a confirmed wholesale order, awaiting delivery
//
// Buckets change only through workflow.applyStockDeltas, which records an
// InventoryMovement in the same transaction.
type Product struct {
	ID          int             `gorm:"primary_key" json:"id"`
	BusinessId  string          `gorm:"size:64;index;not null;index:idx_prod_biz_sku,priority:1" json:"business_id"`
	Name        string          `gorm:"size:255;not null" json:"name"`
	Sku         string          `gorm:"size:100;index:idx_prod_biz_sku,priority:2" json:"sku"`
	UnitPrice   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_price"`
	OnHandQty   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"on_hand_qty"`
	FrontedQty  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"fronted_qty"`
	ReservedQty decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"reserved_qty"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// InventoryMovement is the append-only stock ledger, one row per applied
// adjustment. Coupled bucket moves (e.g. on_hand -> fronted on consignment
// dispatch) are one row with both deltas set.
type InventoryMovement struct {
	ID             int             `gorm:"primary_key" json:"id"`
	BusinessId     string          `gorm:"size:64;index;not null;index:idx_im_biz_prod,priority:1" json:"business_id"`
	ProductId      int             `gorm:"index;not null;index:idx_im_biz_prod,priority:2" json:"product_id"`
	Delta          decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"delta"`
	FrontedDelta   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"fronted_delta"`
	ReservedDelta  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"reserved_delta"`
	QtyAfter       decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"qty_after"`
	FrontedAfter   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"fronted_after"`
	ReservedAfter  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"reserved_after"`
	MovementType   MovementType    `gorm:"type:enum('DP','SL','RT','DM','RS','RV','RL');not null" json:"movement_type"`
	ReferenceType  ReferenceType   `gorm:"type:enum('OD','PM','DL','AJ');index:idx_im_ref,priority:1" json:"reference_type"`
	ReferenceId    int             `gorm:"index:idx_im_ref,priority:2" json:"reference_id"`
	Description    string          `gorm:"size:255" json:"description"`
	IdempotencyKey string          `gorm:"size:255;index" json:"idempotency_key"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

// Inventory immutability guardrails: inventory_movements are append-only.

func (m *InventoryMovement) BeforeUpdate(tx *gorm.DB) error {
	return errors.New("immutable inventory ledger: inventory_movements cannot be updated")
}

func (m *InventoryMovement) BeforeDelete(tx *gorm.DB) error {
	return errors.New("immutable inventory ledger: inventory_movements cannot be deleted")
}
