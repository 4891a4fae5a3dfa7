package models

import "testing"

func TestEnumValidity(t *testing.T) {
	for _, ot := range []OrderType{OrderTypeWholesale, OrderTypePos, OrderTypeMenu, OrderTypeFronted} {
		if !ot.Valid() {
			t.Fatalf("%s should be valid", ot)
		}
	}
	if OrderType("XX").Valid() {
		t.Fatal("unknown order type should be invalid")
	}

	for _, r := range []LedgerReason{LedgerReasonDispatch, LedgerReasonPayment, LedgerReasonSale, LedgerReasonReturn, LedgerReasonAdjustment, LedgerReasonCancellationReversal} {
		if !r.Valid() {
			t.Fatalf("%s should be valid", r)
		}
	}
	if LedgerReason("ZZ").Valid() {
		t.Fatal("unknown ledger reason should be invalid")
	}

	for _, m := range []MovementType{MovementTypeDispatch, MovementTypeSale, MovementTypeReturn, MovementTypeDamage, MovementTypeRestock, MovementTypeReserve, MovementTypeRelease} {
		if !m.Valid() {
			t.Fatalf("%s should be valid", m)
		}
	}
	if MovementType("ZZ").Valid() {
		t.Fatal("unknown movement type should be invalid")
	}

	if !PaymentMethodCash.Valid() || PaymentMethod("IOU").Valid() {
		t.Fatal("payment method validity broken")
	}
}

func TestOrderStatusIsTerminal(t *testing.T) {
	for _, s := range []OrderStatus{OrderStatusCompleted, OrderStatusCancelled, OrderStatusPaidInFull} {
		if !s.IsTerminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	for _, s := range []OrderStatus{OrderStatusDraft, OrderStatusConfirmed, OrderStatusPartiallyPaid} {
		if s.IsTerminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
}
