package models

import "errors"

type OrderType string

const (
	OrderTypeWholesale OrderType = "WS"
	OrderTypePos       OrderType = "POS"
	OrderTypeMenu      OrderType = "MENU"
	OrderTypeFronted   OrderType = "FR"
)

func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeWholesale, OrderTypePos, OrderTypeMenu, OrderTypeFronted:
		return true
	}
	return false
}

type OrderStatus string

const (
	OrderStatusDraft         OrderStatus = "Draft"
	OrderStatusConfirmed     OrderStatus = "Confirmed"
	OrderStatusPartiallyPaid OrderStatus = "Partially Paid"
	OrderStatusPaidInFull    OrderStatus = "Paid In Full"
	OrderStatusCompleted     OrderStatus = "Completed"
	OrderStatusCancelled     OrderStatus = "Cancelled"
)

// LedgerReason classifies every signed balance adjustment.
type LedgerReason string

const (
	LedgerReasonDispatch             LedgerReason = "DP"
	LedgerReasonPayment              LedgerReason = "PM"
	LedgerReasonSale                 LedgerReason = "SL"
	LedgerReasonReturn               LedgerReason = "RT"
	LedgerReasonAdjustment           LedgerReason = "AD"
	LedgerReasonCancellationReversal LedgerReason = "CR"
)

func (r LedgerReason) Valid() bool {
	switch r {
	case LedgerReasonDispatch, LedgerReasonPayment, LedgerReasonSale,
		LedgerReasonReturn, LedgerReasonAdjustment, LedgerReasonCancellationReversal:
		return true
	}
	return false
}

type MovementType string

const (
	MovementTypeDispatch MovementType = "DP"
	MovementTypeSale     MovementType = "SL"
	MovementTypeReturn   MovementType = "RT"
	MovementTypeDamage   MovementType = "DM"
	MovementTypeRestock  MovementType = "RS"
	MovementTypeReserve  MovementType = "RV"
	MovementTypeRelease  MovementType = "RL"
)

func (m MovementType) Valid() bool {
	switch m {
	case MovementTypeDispatch, MovementTypeSale, MovementTypeReturn,
		MovementTypeDamage, MovementTypeRestock, MovementTypeReserve, MovementTypeRelease:
		return true
	}
	return false
}

// ReferenceType identifies the document a ledger entry or movement belongs to.
type ReferenceType string

const (
	ReferenceTypeOrder      ReferenceType = "OD"
	ReferenceTypePayment    ReferenceType = "PM"
	ReferenceTypeDelivery   ReferenceType = "DL"
	ReferenceTypeAdjustment ReferenceType = "AJ"
)

type PaymentMethod string

const (
	PaymentMethodCash     PaymentMethod = "Cash"
	PaymentMethodCard     PaymentMethod = "Card"
	PaymentMethodTransfer PaymentMethod = "Transfer"
	PaymentMethodOther    PaymentMethod = "Other"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodCash, PaymentMethodCard, PaymentMethodTransfer, PaymentMethodOther:
		return true
	}
	return false
}

type PaymentStatus string

const (
	PaymentStatusApplied  PaymentStatus = "Applied"
	PaymentStatusReversed PaymentStatus = "Reversed"
)

var ErrInvalidEnumValue = errors.New("invalid enum value")
