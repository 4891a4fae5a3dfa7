package workflow

import (
	"errors"
	"testing"

	"bitbucket.org/mmdatafocus/distro_backend/models"
)

func TestDispatcherSingleHandlerPerVariant(t *testing.T) {
	d := NewDispatcher()
	noop := func(TransitionEvent) error { return nil }

	if err := d.Register(models.OrderTypeWholesale, noop); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := d.Register(models.OrderTypeWholesale, noop); err == nil {
		t.Fatal("second Register for the same variant should fail")
	}
	if err := d.Register(models.OrderTypeFronted, noop); err != nil {
		t.Fatalf("Register for a different variant: %v", err)
	}
}

func TestDispatcherRejectsBadRegistrations(t *testing.T) {
	d := NewDispatcher()
	if err := d.Register(models.OrderType("BOGUS"), func(TransitionEvent) error { return nil }); err == nil {
		t.Fatal("invalid order type should be rejected")
	}
	if err := d.Register(models.OrderTypePos, nil); err == nil {
		t.Fatal("nil handler should be rejected")
	}
}

func TestDispatcherRoutesToRegisteredHandler(t *testing.T) {
	d := NewDispatcher()
	var got TransitionEvent
	if err := d.Register(models.OrderTypePos, func(e TransitionEvent) error {
		got = e
		return nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	event := TransitionEvent{
		BusinessId: "biz-1",
		OrderId:    42,
		OrderType:  models.OrderTypePos,
		FromStatus: models.OrderStatusConfirmed,
		ToStatus:   models.OrderStatusCompleted,
	}
	if err := d.Route(event); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if got.OrderId != 42 || got.ToStatus != models.OrderStatusCompleted {
		t.Fatalf("handler got wrong event: %+v", got)
	}

	// No handler registered for this variant: not an error.
	if err := d.Route(TransitionEvent{OrderType: models.OrderTypeMenu}); err != nil {
		t.Fatalf("Route without handler: %v", err)
	}
}

func TestDispatcherHandlerErrorPropagates(t *testing.T) {
	d := NewDispatcher()
	boom := errors.New("handler failed")
	if err := d.Register(models.OrderTypeFronted, func(TransitionEvent) error { return boom }); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := d.Route(TransitionEvent{OrderType: models.OrderTypeFronted}); !errors.Is(err, boom) {
		t.Fatalf("expected handler error, got %v", err)
	}
}
