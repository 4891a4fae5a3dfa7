package workflow

import (
	"testing"

	"bitbucket.org/mmdatafocus/distro_backend/models"
)

func TestCanTransitionGenericLifecycle(t *testing.T) {
	cases := []struct {
		orderType models.OrderType
		from      models.OrderStatus
		to        models.OrderStatus
		want      bool
	}{
		{models.OrderTypeWholesale, models.OrderStatusDraft, models.OrderStatusConfirmed, true},
		{models.OrderTypeWholesale, models.OrderStatusConfirmed, models.OrderStatusCompleted, true},
		{models.OrderTypeWholesale, models.OrderStatusConfirmed, models.OrderStatusCancelled, true},
		{models.OrderTypePos, models.OrderStatusDraft, models.OrderStatusConfirmed, true},
		{models.OrderTypeMenu, models.OrderStatusConfirmed, models.OrderStatusCompleted, true},

		// No skipping and no going backwards.
		{models.OrderTypeWholesale, models.OrderStatusDraft, models.OrderStatusCompleted, false},
		{models.OrderTypeWholesale, models.OrderStatusCompleted, models.OrderStatusConfirmed, false},
		{models.OrderTypeWholesale, models.OrderStatusConfirmed, models.OrderStatusDraft, false},
		{models.OrderTypeWholesale, models.OrderStatusCancelled, models.OrderStatusConfirmed, false},
		{models.OrderTypeWholesale, models.OrderStatusCompleted, models.OrderStatusCancelled, false},
	}
	for _, tc := range cases {
		got := CanTransition(tc.orderType, tc.from, tc.to)
		if got != tc.want {
			t.Fatalf("CanTransition(%s, %s -> %s) = %v, want %v", tc.orderType, tc.from, tc.to, got, tc.want)
		}
	}
}

func TestCanTransitionPaymentSubStatesFrontedOnly(t *testing.T) {
	// Fronted orders walk the payment sub-states.
	if !CanTransition(models.OrderTypeFronted, models.OrderStatusConfirmed, models.OrderStatusPartiallyPaid) {
		t.Fatal("fronted Confirmed -> Partially Paid should be allowed")
	}
	if !CanTransition(models.OrderTypeFronted, models.OrderStatusPartiallyPaid, models.OrderStatusPaidInFull) {
		t.Fatal("fronted Partially Paid -> Paid In Full should be allowed")
	}
	if !CanTransition(models.OrderTypeFronted, models.OrderStatusConfirmed, models.OrderStatusPaidInFull) {
		t.Fatal("fronted Confirmed -> Paid In Full should be allowed")
	}
	if !CanTransition(models.OrderTypeFronted, models.OrderStatusPartiallyPaid, models.OrderStatusCancelled) {
		t.Fatal("fronted Partially Paid -> Cancelled should be allowed")
	}

	// Every other variant never enters the payment sub-states.
	for _, ot := range []models.OrderType{models.OrderTypeWholesale, models.OrderTypePos, models.OrderTypeMenu} {
		if CanTransition(ot, models.OrderStatusConfirmed, models.OrderStatusPartiallyPaid) {
			t.Fatalf("%s Confirmed -> Partially Paid should be rejected", ot)
		}
		if CanTransition(ot, models.OrderStatusConfirmed, models.OrderStatusPaidInFull) {
			t.Fatalf("%s Confirmed -> Paid In Full should be rejected", ot)
		}
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	terminals := []models.OrderStatus{
		models.OrderStatusCompleted,
		models.OrderStatusCancelled,
		models.OrderStatusPaidInFull,
	}
	all := []models.OrderStatus{
		models.OrderStatusDraft,
		models.OrderStatusConfirmed,
		models.OrderStatusPartiallyPaid,
		models.OrderStatusPaidInFull,
		models.OrderStatusCompleted,
		models.OrderStatusCancelled,
	}
	for _, from := range terminals {
		if !from.IsTerminal() {
			t.Fatalf("%s should report IsTerminal", from)
		}
		for _, to := range all {
			if CanTransition(models.OrderTypeFronted, from, to) {
				t.Fatalf("terminal state %s should not transition to %s", from, to)
			}
		}
	}
}
