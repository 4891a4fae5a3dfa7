package workflow

import (
	"testing"

	"bitbucket.org/mmdatafocus/distro_backend/models"
)

func TestValidateOrderSpec(t *testing.T) {
	valid := OrderSpec{
		AccountId: 1,
		OrderType: models.OrderTypeWholesale,
		Items: []OrderSpecItem{
			{ProductId: 1, Qty: dec("10"), UnitPrice: dec("2.50")},
		},
	}
	if err := validateOrderSpec(&valid); err != nil {
		t.Fatalf("valid spec rejected: %v", err)
	}

	noItems := valid
	noItems.Items = nil
	if err := validateOrderSpec(&noItems); err == nil {
		t.Fatal("spec without items should be rejected")
	}

	badType := valid
	badType.OrderType = "XX"
	if err := validateOrderSpec(&badType); err == nil {
		t.Fatal("unknown order type should be rejected")
	}

	zeroQty := valid
	zeroQty.Items = []OrderSpecItem{{ProductId: 1, Qty: dec("0"), UnitPrice: dec("1")}}
	if err := validateOrderSpec(&zeroQty); err == nil {
		t.Fatal("zero qty should be rejected")
	}

	negPrice := valid
	negPrice.Items = []OrderSpecItem{{ProductId: 1, Qty: dec("1"), UnitPrice: dec("-1")}}
	if err := validateOrderSpec(&negPrice); err == nil {
		t.Fatal("negative unit price should be rejected")
	}
}

func TestSaleItemsMatchOrder(t *testing.T) {
	order := &models.Order{
		OrderNumber: "POS-100",
		Details: []models.OrderItem{
			{ProductId: 1, Qty: dec("2")},
			{ProductId: 2, Qty: dec("1")},
		},
	}

	// Empty items means "sell as confirmed".
	if err := saleItemsMatchOrder(order, nil); err != nil {
		t.Fatalf("empty items: %v", err)
	}

	match := []SaleItem{
		{ProductId: 2, Qty: dec("1")},
		{ProductId: 1, Qty: dec("2")},
	}
	if err := saleItemsMatchOrder(order, match); err != nil {
		t.Fatalf("matching items rejected: %v", err)
	}

	wrongQty := []SaleItem{
		{ProductId: 1, Qty: dec("3")},
		{ProductId: 2, Qty: dec("1")},
	}
	if err := saleItemsMatchOrder(order, wrongQty); err == nil {
		t.Fatal("mismatched qty should be rejected")
	}

	wrongProduct := []SaleItem{
		{ProductId: 1, Qty: dec("2")},
		{ProductId: 9, Qty: dec("1")},
	}
	if err := saleItemsMatchOrder(order, wrongProduct); err == nil {
		t.Fatal("unknown product should be rejected")
	}

	missingLine := []SaleItem{
		{ProductId: 1, Qty: dec("2")},
	}
	if err := saleItemsMatchOrder(order, missingLine); err == nil {
		t.Fatal("missing line should be rejected")
	}
}
