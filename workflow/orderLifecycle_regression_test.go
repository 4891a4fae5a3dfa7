package workflow_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/distro_backend/config"
	"bitbucket.org/mmdatafocus/distro_backend/models"
	"bitbucket.org/mmdatafocus/distro_backend/utils"
	"bitbucket.org/mmdatafocus/distro_backend/workflow"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func testCtx(businessId string) context.Context {
	ctx := utils.SetBusinessIdInContext(context.Background(), businessId)
	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUserNameInContext(ctx, "Test")
	ctx = utils.SetChannelInContext(ctx, "admin")
	return ctx
}

func mustDec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", s, err)
	}
	return d
}

func seedAccount(t *testing.T, ctx context.Context, businessId, name string) *models.Account {
	t.Helper()
	account := models.Account{BusinessId: businessId, ClientName: name}
	if err := config.GetDB().WithContext(ctx).Create(&account).Error; err != nil {
		t.Fatalf("create account: %v", err)
	}
	return &account
}

// seedProduct creates the product and books the opening stock through the
// engine so the movement history fully accounts for on_hand.
func seedProduct(t *testing.T, ctx context.Context, businessId, name string, onHand string) *models.Product {
	t.Helper()
	product := models.Product{BusinessId: businessId, Name: name, Sku: name}
	if err := config.GetDB().WithContext(ctx).Create(&product).Error; err != nil {
		t.Fatalf("create product: %v", err)
	}
	if onHand != "0" {
		_, _, err := workflow.AdjustStock(ctx, config.GetDB(), config.GetLogger(), businessId, workflow.StockAdjustment{
			ProductId:      product.ID,
			Delta:          mustDec(t, onHand),
			MovementType:   models.MovementTypeRestock,
			ReferenceType:  models.ReferenceTypeAdjustment,
			Description:    "opening stock",
			IdempotencyKey: uuid.NewString(),
		})
		if err != nil {
			t.Fatalf("seed stock: %v", err)
		}
	}
	return &product
}

func fetchProduct(t *testing.T, ctx context.Context, businessId string, id int) *models.Product {
	t.Helper()
	var p models.Product
	if err := config.GetDB().WithContext(ctx).Where("business_id = ? AND id = ?", businessId, id).First(&p).Error; err != nil {
		t.Fatalf("fetch product %d: %v", id, err)
	}
	return &p
}

func fetchAccount(t *testing.T, ctx context.Context, businessId string, id int) *models.Account {
	t.Helper()
	var a models.Account
	if err := config.GetDB().WithContext(ctx).Where("business_id = ? AND id = ?", businessId, id).First(&a).Error; err != nil {
		t.Fatalf("fetch account %d: %v", id, err)
	}
	return &a
}

func assertClean(t *testing.T, ctx context.Context, businessId string) {
	t.Helper()
	report, err := workflow.RunReconciliation(ctx, config.GetDB(), config.GetLogger(), businessId)
	if err != nil {
		t.Fatalf("RunReconciliation: %v", err)
	}
	if !report.Clean() {
		t.Fatalf("reconciliation found drift: %+v", report.Violations)
	}
}

func TestFrontedConsignmentLifecycle(t *testing.T) {
	setupIntegration(t)

	businessId := uuid.NewString()
	ctx := testCtx(businessId)
	db := config.GetDB()
	logger := config.GetLogger()

	account := seedAccount(t, ctx, businessId, "Corner Store")
	product := seedProduct(t, ctx, businessId, "widget", "500")

	// Fronting 100 units at 5.00 moves stock on_hand -> fronted and posts no
	// money: nothing is owed until cash comes back.
	createKey := uuid.NewString()
	result, replayed, err := workflow.CreateOrder(ctx, db, logger, businessId, workflow.OrderSpec{
		AccountId:   account.ID,
		OrderType:   models.OrderTypeFronted,
		OrderNumber: "FR-001",
		Items: []workflow.OrderSpecItem{
			{ProductId: product.ID, Qty: mustDec(t, "100"), UnitPrice: mustDec(t, "5")},
		},
	}, createKey)
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if replayed {
		t.Fatal("first create must not be a replay")
	}
	if result.Status != models.OrderStatusConfirmed {
		t.Fatalf("expected Confirmed, got %s", result.Status)
	}
	if !result.TotalAmount.Equal(mustDec(t, "500")) {
		t.Fatalf("expected total 500, got %s", result.TotalAmount)
	}

	p := fetchProduct(t, ctx, businessId, product.ID)
	if !p.OnHandQty.Equal(mustDec(t, "400")) || !p.FrontedQty.Equal(mustDec(t, "100")) {
		t.Fatalf("expected on_hand 400 / fronted 100, got %s / %s", p.OnHandQty, p.FrontedQty)
	}
	a := fetchAccount(t, ctx, businessId, account.ID)
	if !a.Balance.IsZero() {
		t.Fatalf("fronting must not move money, balance %s", a.Balance)
	}

	// Partial collection: order enters Partially Paid, balance goes up.
	payKey1 := uuid.NewString()
	payRes, _, err := workflow.RecordPayment(ctx, db, logger, businessId, result.OrderId, mustDec(t, "200"), models.PaymentMethodCash, payKey1)
	if err != nil {
		t.Fatalf("RecordPayment 200: %v", err)
	}
	if payRes.Status != models.OrderStatusPartiallyPaid {
		t.Fatalf("expected Partially Paid, got %s", payRes.Status)
	}
	if !payRes.Outstanding.Equal(mustDec(t, "300")) {
		t.Fatalf("expected outstanding 300, got %s", payRes.Outstanding)
	}
	if !payRes.NewBalance.Equal(mustDec(t, "200")) {
		t.Fatalf("expected balance 200, got %s", payRes.NewBalance)
	}

	// Same key again: identical snapshot, no second ledger entry.
	replayRes, replayed, err := workflow.RecordPayment(ctx, db, logger, businessId, result.OrderId, mustDec(t, "200"), models.PaymentMethodCash, payKey1)
	if err != nil {
		t.Fatalf("RecordPayment replay: %v", err)
	}
	if !replayed {
		t.Fatal("duplicate key must replay")
	}
	if !replayRes.NewBalance.Equal(payRes.NewBalance) || !replayRes.Outstanding.Equal(payRes.Outstanding) {
		t.Fatalf("replay snapshot mismatch: %+v vs %+v", replayRes, payRes)
	}
	if b := fetchAccount(t, ctx, businessId, account.ID).Balance; !b.Equal(mustDec(t, "200")) {
		t.Fatalf("replay must not post again, balance %s", b)
	}

	// Overpayment is rejected before anything commits.
	if _, _, err := workflow.RecordPayment(ctx, db, logger, businessId, result.OrderId, mustDec(t, "301"), models.PaymentMethodCash, uuid.NewString()); !errors.Is(err, workflow.ErrPaymentExceedsOutstanding) {
		t.Fatalf("expected ErrPaymentExceedsOutstanding, got %v", err)
	}

	// Settle the rest: Paid In Full, terminal.
	finalRes, _, err := workflow.RecordPayment(ctx, db, logger, businessId, result.OrderId, mustDec(t, "300"), models.PaymentMethodTransfer, uuid.NewString())
	if err != nil {
		t.Fatalf("RecordPayment 300: %v", err)
	}
	if finalRes.Status != models.OrderStatusPaidInFull {
		t.Fatalf("expected Paid In Full, got %s", finalRes.Status)
	}
	if !finalRes.Outstanding.IsZero() {
		t.Fatalf("expected outstanding 0, got %s", finalRes.Outstanding)
	}

	if _, _, err := workflow.RecordPayment(ctx, db, logger, businessId, result.OrderId, mustDec(t, "1"), models.PaymentMethodCash, uuid.NewString()); !errors.Is(err, workflow.ErrAlreadyPaidInFull) {
		t.Fatalf("expected ErrAlreadyPaidInFull, got %v", err)
	}

	// Outbox captured every transition.
	var transitions []models.OutboxRecord
	if err := db.WithContext(ctx).Where("business_id = ? AND order_id = ?", businessId, result.OrderId).
		Order("id ASC").Find(&transitions).Error; err != nil {
		t.Fatalf("fetch outbox: %v", err)
	}
	wantStatuses := []models.OrderStatus{
		models.OrderStatusConfirmed,
		models.OrderStatusPartiallyPaid,
		models.OrderStatusPaidInFull,
	}
	if len(transitions) != len(wantStatuses) {
		t.Fatalf("expected %d outbox records, got %d", len(wantStatuses), len(transitions))
	}
	for i, want := range wantStatuses {
		if transitions[i].ToStatus != want {
			t.Fatalf("outbox record %d: expected -> %s, got -> %s", i, want, transitions[i].ToStatus)
		}
	}

	assertClean(t, ctx, businessId)
}

func TestWholesaleCancelReleasesReservationAndCompensatesLedger(t *testing.T) {
	setupIntegration(t)

	businessId := uuid.NewString()
	ctx := testCtx(businessId)
	db := config.GetDB()
	logger := config.GetLogger()

	account := seedAccount(t, ctx, businessId, "Metro Wholesale")
	product := seedProduct(t, ctx, businessId, "crate", "50")

	res, _, err := workflow.CreateOrder(ctx, db, logger, businessId, workflow.OrderSpec{
		AccountId:   account.ID,
		OrderType:   models.OrderTypeWholesale,
		OrderNumber: "WS-001",
		Items: []workflow.OrderSpecItem{
			{ProductId: product.ID, Qty: mustDec(t, "20"), UnitPrice: mustDec(t, "10")},
		},
	}, uuid.NewString())
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	p := fetchProduct(t, ctx, businessId, product.ID)
	if !p.OnHandQty.Equal(mustDec(t, "30")) || !p.ReservedQty.Equal(mustDec(t, "20")) {
		t.Fatalf("expected on_hand 30 / reserved 20, got %s / %s", p.OnHandQty, p.ReservedQty)
	}

	// Record a deposit, then cancel: the reversal must release the
	// reservation and zero out the order's net ledger effect.
	if _, _, err := workflow.RecordPayment(ctx, db, logger, businessId, res.OrderId, mustDec(t, "50"), models.PaymentMethodCash, uuid.NewString()); err != nil {
		t.Fatalf("RecordPayment deposit: %v", err)
	}

	var movementsBefore int64
	if err := db.WithContext(ctx).Model(&models.InventoryMovement{}).
		Where("business_id = ? AND product_id = ?", businessId, product.ID).
		Count(&movementsBefore).Error; err != nil {
		t.Fatalf("count movements: %v", err)
	}

	cancelRes, _, err := workflow.CancelOrder(ctx, db, logger, businessId, res.OrderId, uuid.NewString())
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if cancelRes.Status != models.OrderStatusCancelled {
		t.Fatalf("expected Cancelled, got %s", cancelRes.Status)
	}
	if !cancelRes.NewBalance.IsZero() {
		t.Fatalf("net ledger effect after cancel must be zero, balance %s", cancelRes.NewBalance)
	}

	p = fetchProduct(t, ctx, businessId, product.ID)
	if !p.OnHandQty.Equal(mustDec(t, "50")) || !p.ReservedQty.IsZero() {
		t.Fatalf("expected reservation released, got on_hand %s / reserved %s", p.OnHandQty, p.ReservedQty)
	}

	// History is appended, never rewritten.
	var movementsAfter int64
	if err := db.WithContext(ctx).Model(&models.InventoryMovement{}).
		Where("business_id = ? AND product_id = ?", businessId, product.ID).
		Count(&movementsAfter).Error; err != nil {
		t.Fatalf("count movements: %v", err)
	}
	if movementsAfter <= movementsBefore {
		t.Fatalf("cancel must append compensating movements: before %d after %d", movementsBefore, movementsAfter)
	}

	// The deposit's payment row is flagged, not deleted.
	var payment models.Payment
	if err := db.WithContext(ctx).Where("business_id = ? AND order_id = ?", businessId, res.OrderId).
		First(&payment).Error; err != nil {
		t.Fatalf("fetch payment: %v", err)
	}
	if payment.Status != models.PaymentStatusReversed {
		t.Fatalf("expected payment Reversed, got %s", payment.Status)
	}
	if !payment.Amount.Equal(mustDec(t, "50")) {
		t.Fatalf("payment amount must not change, got %s", payment.Amount)
	}

	// Terminal: nothing else may touch the order.
	if _, _, err := workflow.CancelOrder(ctx, db, logger, businessId, res.OrderId, uuid.NewString()); !errors.Is(err, workflow.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on double cancel, got %v", err)
	}

	assertClean(t, ctx, businessId)
}

func TestInsufficientStockRejectsOrderAtomically(t *testing.T) {
	setupIntegration(t)

	businessId := uuid.NewString()
	ctx := testCtx(businessId)
	db := config.GetDB()
	logger := config.GetLogger()

	account := seedAccount(t, ctx, businessId, "Overreach Ltd")
	product := seedProduct(t, ctx, businessId, "bottle", "10")

	_, _, err := workflow.CreateOrder(ctx, db, logger, businessId, workflow.OrderSpec{
		AccountId:   account.ID,
		OrderType:   models.OrderTypeWholesale,
		OrderNumber: "WS-OVER",
		Items: []workflow.OrderSpecItem{
			{ProductId: product.ID, Qty: mustDec(t, "11"), UnitPrice: mustDec(t, "1")},
		},
	}, uuid.NewString())
	if !errors.Is(err, workflow.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	// The whole transaction rolled back: no order, no movement, buckets intact.
	var orders int64
	if err := db.WithContext(ctx).Model(&models.Order{}).
		Where("business_id = ?", businessId).Count(&orders).Error; err != nil {
		t.Fatalf("count orders: %v", err)
	}
	if orders != 0 {
		t.Fatalf("failed create must not persist an order, got %d", orders)
	}
	p := fetchProduct(t, ctx, businessId, product.ID)
	if !p.OnHandQty.Equal(mustDec(t, "10")) || !p.ReservedQty.IsZero() {
		t.Fatalf("buckets must be untouched, got on_hand %s reserved %s", p.OnHandQty, p.ReservedQty)
	}

	assertClean(t, ctx, businessId)
}

func TestPosSaleSettlesAtomically(t *testing.T) {
	setupIntegration(t)

	businessId := uuid.NewString()
	ctx := testCtx(businessId)
	db := config.GetDB()
	logger := config.GetLogger()

	account := seedAccount(t, ctx, businessId, "Walk-in")
	product := seedProduct(t, ctx, businessId, "snack", "30")

	res, _, err := workflow.CreateOrder(ctx, db, logger, businessId, workflow.OrderSpec{
		AccountId:   account.ID,
		OrderType:   models.OrderTypePos,
		OrderNumber: "POS-001",
		Items: []workflow.OrderSpecItem{
			{ProductId: product.ID, Qty: mustDec(t, "3"), UnitPrice: mustDec(t, "4")},
		},
	}, uuid.NewString())
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	saleRes, _, err := workflow.RecordSale(ctx, db, logger, businessId, res.OrderId, nil, uuid.NewString())
	if err != nil {
		t.Fatalf("RecordSale: %v", err)
	}
	if saleRes.Status != models.OrderStatusCompleted {
		t.Fatalf("expected Completed, got %s", saleRes.Status)
	}
	if !saleRes.NewBalance.Equal(mustDec(t, "12")) {
		t.Fatalf("expected balance 12 after settlement, got %s", saleRes.NewBalance)
	}

	p := fetchProduct(t, ctx, businessId, product.ID)
	if !p.OnHandQty.Equal(mustDec(t, "27")) || !p.ReservedQty.IsZero() {
		t.Fatalf("expected on_hand 27 / reserved 0, got %s / %s", p.OnHandQty, p.ReservedQty)
	}

	// Completed is terminal: a second sale and a cancel are both rejected.
	if _, _, err := workflow.RecordSale(ctx, db, logger, businessId, res.OrderId, nil, uuid.NewString()); !errors.Is(err, workflow.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on re-sale, got %v", err)
	}
	if _, _, err := workflow.CancelOrder(ctx, db, logger, businessId, res.OrderId, uuid.NewString()); !errors.Is(err, workflow.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on cancel after completion, got %v", err)
	}

	assertClean(t, ctx, businessId)
}

func TestWholesaleDeliveryWithCollection(t *testing.T) {
	setupIntegration(t)

	businessId := uuid.NewString()
	ctx := testCtx(businessId)
	db := config.GetDB()
	logger := config.GetLogger()

	account := seedAccount(t, ctx, businessId, "Route 9 Distribution")
	product := seedProduct(t, ctx, businessId, "keg", "40")

	res, _, err := workflow.CreateOrder(ctx, db, logger, businessId, workflow.OrderSpec{
		AccountId:   account.ID,
		OrderType:   models.OrderTypeWholesale,
		OrderNumber: "WS-DEL",
		Items: []workflow.OrderSpecItem{
			{ProductId: product.ID, Qty: mustDec(t, "10"), UnitPrice: mustDec(t, "25")},
		},
	}, uuid.NewString())
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	// Courier delivers and collects 150 of the 250 owed; both the status
	// update and the ledger entries commit together.
	delRes, _, err := workflow.CompleteDeliveryWithCollection(ctx, db, logger, businessId, res.OrderId, mustDec(t, "150"), uuid.NewString())
	if err != nil {
		t.Fatalf("CompleteDeliveryWithCollection: %v", err)
	}
	if delRes.Status != models.OrderStatusCompleted {
		t.Fatalf("expected Completed, got %s", delRes.Status)
	}
	if !delRes.Outstanding.Equal(mustDec(t, "100")) {
		t.Fatalf("expected outstanding 100, got %s", delRes.Outstanding)
	}
	// Dispatch charge -250 plus collection +150.
	if !delRes.NewBalance.Equal(mustDec(t, "-100")) {
		t.Fatalf("expected balance -100, got %s", delRes.NewBalance)
	}
	if len(delRes.EntryIds) != 2 {
		t.Fatalf("expected 2 ledger entries, got %d", len(delRes.EntryIds))
	}

	p := fetchProduct(t, ctx, businessId, product.ID)
	if !p.OnHandQty.Equal(mustDec(t, "30")) || !p.ReservedQty.IsZero() {
		t.Fatalf("expected on_hand 30 / reserved 0, got %s / %s", p.OnHandQty, p.ReservedQty)
	}

	assertClean(t, ctx, businessId)
}

func TestWholesalePrepaymentCompletesAtDelivery(t *testing.T) {
	setupIntegration(t)

	businessId := uuid.NewString()
	ctx := testCtx(businessId)
	db := config.GetDB()
	logger := config.GetLogger()

	account := seedAccount(t, ctx, businessId, "Prepay Trading")
	product := seedProduct(t, ctx, businessId, "pallet", "40")

	res, _, err := workflow.CreateOrder(ctx, db, logger, businessId, workflow.OrderSpec{
		AccountId:   account.ID,
		OrderType:   models.OrderTypeWholesale,
		OrderNumber: "WS-PRE",
		Items: []workflow.OrderSpecItem{
			{ProductId: product.ID, Qty: mustDec(t, "20"), UnitPrice: mustDec(t, "10")},
		},
	}, uuid.NewString())
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	// Paying the full 200 up front must not complete the order: the goods are
	// still reserved and the dispatch charge has not posted.
	payRes, _, err := workflow.RecordPayment(ctx, db, logger, businessId, res.OrderId, mustDec(t, "200"), models.PaymentMethodTransfer, uuid.NewString())
	if err != nil {
		t.Fatalf("RecordPayment prepay: %v", err)
	}
	if payRes.Status != models.OrderStatusConfirmed {
		t.Fatalf("prepaid wholesale order must stay Confirmed, got %s", payRes.Status)
	}
	if !payRes.Outstanding.IsZero() {
		t.Fatalf("expected outstanding 0, got %s", payRes.Outstanding)
	}
	p := fetchProduct(t, ctx, businessId, product.ID)
	if !p.ReservedQty.Equal(mustDec(t, "20")) {
		t.Fatalf("reservation must survive prepayment, reserved %s", p.ReservedQty)
	}

	// Nothing left to pay against.
	if _, _, err := workflow.RecordPayment(ctx, db, logger, businessId, res.OrderId, mustDec(t, "1"), models.PaymentMethodCash, uuid.NewString()); !errors.Is(err, workflow.ErrPaymentExceedsOutstanding) {
		t.Fatalf("expected ErrPaymentExceedsOutstanding, got %v", err)
	}

	// Delivery consumes the reservation, posts the dispatch charge, and
	// completes the order; the prepayment nets the balance to zero.
	delRes, _, err := workflow.CompleteDeliveryWithCollection(ctx, db, logger, businessId, res.OrderId, mustDec(t, "0"), uuid.NewString())
	if err != nil {
		t.Fatalf("CompleteDeliveryWithCollection: %v", err)
	}
	if delRes.Status != models.OrderStatusCompleted {
		t.Fatalf("expected Completed, got %s", delRes.Status)
	}
	if !delRes.NewBalance.IsZero() {
		t.Fatalf("expected balance 0 after delivery, got %s", delRes.NewBalance)
	}

	p = fetchProduct(t, ctx, businessId, product.ID)
	if !p.OnHandQty.Equal(mustDec(t, "20")) || !p.ReservedQty.IsZero() {
		t.Fatalf("expected on_hand 20 / reserved 0, got %s / %s", p.OnHandQty, p.ReservedQty)
	}

	assertClean(t, ctx, businessId)
}

func TestConcurrentPaymentsSettleFrontedOnce(t *testing.T) {
	setupIntegration(t)

	businessId := uuid.NewString()
	ctx := testCtx(businessId)
	db := config.GetDB()
	logger := config.GetLogger()

	account := seedAccount(t, ctx, businessId, "Split Pay Mart")
	product := seedProduct(t, ctx, businessId, "case", "200")

	res, _, err := workflow.CreateOrder(ctx, db, logger, businessId, workflow.OrderSpec{
		AccountId:   account.ID,
		OrderType:   models.OrderTypeFronted,
		OrderNumber: "FR-SPLIT",
		Items: []workflow.OrderSpecItem{
			{ProductId: product.ID, Qty: mustDec(t, "100"), UnitPrice: mustDec(t, "5")},
		},
	}, uuid.NewString())
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	// Five concurrent collections with distinct keys sum exactly to the 500
	// outstanding. All must land, and Paid In Full must be reached once.
	const workers = 5
	amount := mustDec(t, "100")
	errCh := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func() {
			errCh <- workflow.WithContentionRetry(ctx, 8, 50*time.Millisecond, func() error {
				_, _, err := workflow.RecordPayment(ctx, db, logger, businessId, res.OrderId, amount, models.PaymentMethodCash, uuid.NewString())
				return err
			})
		}()
	}
	for i := 0; i < workers; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("worker %d: %v", i, err)
		}
	}

	var order models.Order
	if err := db.WithContext(ctx).Where("business_id = ? AND id = ?", businessId, res.OrderId).
		First(&order).Error; err != nil {
		t.Fatalf("fetch order: %v", err)
	}
	if order.CurrentStatus != models.OrderStatusPaidInFull {
		t.Fatalf("expected Paid In Full, got %s", order.CurrentStatus)
	}
	if b := fetchAccount(t, ctx, businessId, account.ID).Balance; !b.Equal(mustDec(t, "500")) {
		t.Fatalf("expected balance 500, got %s", b)
	}

	var payments int64
	if err := db.WithContext(ctx).Model(&models.Payment{}).
		Where("business_id = ? AND order_id = ?", businessId, res.OrderId).
		Count(&payments).Error; err != nil {
		t.Fatalf("count payments: %v", err)
	}
	if payments != workers {
		t.Fatalf("expected %d payments, got %d", workers, payments)
	}

	// Exactly one transition into the terminal state.
	var settled int64
	if err := db.WithContext(ctx).Model(&models.OutboxRecord{}).
		Where("business_id = ? AND order_id = ? AND to_status = ?", businessId, res.OrderId, models.OrderStatusPaidInFull).
		Count(&settled).Error; err != nil {
		t.Fatalf("count outbox: %v", err)
	}
	if settled != 1 {
		t.Fatalf("Paid In Full must be reached exactly once, got %d transitions", settled)
	}

	assertClean(t, ctx, businessId)
}

func TestConcurrentSalesOnLastUnit(t *testing.T) {
	setupIntegration(t)

	businessId := uuid.NewString()
	ctx := testCtx(businessId)
	db := config.GetDB()
	logger := config.GetLogger()

	product := seedProduct(t, ctx, businessId, "last-one", "1")
	delta := mustDec(t, "-1")

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			results <- workflow.WithContentionRetry(ctx, 5, 50*time.Millisecond, func() error {
				_, _, err := workflow.AdjustStock(ctx, db, logger, businessId, workflow.StockAdjustment{
					ProductId:      product.ID,
					Delta:          delta,
					MovementType:   models.MovementTypeSale,
					ReferenceType:  models.ReferenceTypeAdjustment,
					Description:    "last unit",
					IdempotencyKey: uuid.NewString(),
				})
				return err
			})
		}()
	}

	var wins, insufficient int
	for i := 0; i < 2; i++ {
		err := <-results
		switch {
		case err == nil:
			wins++
		case errors.Is(err, workflow.ErrInsufficientStock):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || insufficient != 1 {
		t.Fatalf("expected one winner and one rejection, got %d wins / %d rejections", wins, insufficient)
	}

	p := fetchProduct(t, ctx, businessId, product.ID)
	if !p.OnHandQty.IsZero() {
		t.Fatalf("expected on_hand 0, got %s", p.OnHandQty)
	}
	var sales int64
	if err := db.WithContext(ctx).Model(&models.InventoryMovement{}).
		Where("business_id = ? AND product_id = ? AND movement_type = ?", businessId, product.ID, models.MovementTypeSale).
		Count(&sales).Error; err != nil {
		t.Fatalf("count sale movements: %v", err)
	}
	if sales != 1 {
		t.Fatalf("expected exactly one sale movement, got %d", sales)
	}

	assertClean(t, ctx, businessId)
}

func TestReconciliationDetectsManualDrift(t *testing.T) {
	setupIntegration(t)

	businessId := uuid.NewString()
	ctx := testCtx(businessId)
	db := config.GetDB()
	logger := config.GetLogger()

	account := seedAccount(t, ctx, businessId, "Drift Co")
	if _, _, err := workflow.AdjustBalance(ctx, db, logger, businessId, workflow.BalanceAdjustment{
		AccountId:      account.ID,
		Delta:          mustDec(t, "100"),
		Reason:         models.LedgerReasonAdjustment,
		ReferenceType:  models.ReferenceTypeAdjustment,
		Description:    "opening balance",
		IdempotencyKey: uuid.NewString(),
	}); err != nil {
		t.Fatalf("AdjustBalance: %v", err)
	}
	assertClean(t, ctx, businessId)

	// Simulate manual interference behind the engine's back.
	if err := db.WithContext(ctx).Exec(
		"UPDATE accounts SET balance = balance + 1 WHERE business_id = ? AND id = ?",
		businessId, account.ID).Error; err != nil {
		t.Fatalf("corrupt balance: %v", err)
	}

	report, err := workflow.RunReconciliation(ctx, db, logger, businessId)
	if err != nil {
		t.Fatalf("RunReconciliation: %v", err)
	}
	if report.Clean() {
		t.Fatal("reconciliation must flag the corrupted balance")
	}
	found := false
	for _, v := range report.Violations {
		if v.Kind == "account" && v.EntityId == account.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a violation for account %d, got %+v", account.ID, report.Violations)
	}

	// Report only: the cached value is left for a human to inspect.
	a := fetchAccount(t, ctx, businessId, account.ID)
	if !a.Balance.Equal(mustDec(t, "101")) {
		t.Fatalf("reconciliation must not repair, balance %s", a.Balance)
	}
}

func TestConcurrentSameKeyPostsOnce(t *testing.T) {
	setupIntegration(t)

	businessId := uuid.NewString()
	ctx := testCtx(businessId)
	db := config.GetDB()
	logger := config.GetLogger()

	account := seedAccount(t, ctx, businessId, "Race Co")
	key := uuid.NewString()
	adj := workflow.BalanceAdjustment{
		AccountId:      account.ID,
		Delta:          mustDec(t, "10"),
		Reason:         models.LedgerReasonAdjustment,
		ReferenceType:  models.ReferenceTypeAdjustment,
		Description:    "concurrent adjustment",
		IdempotencyKey: key,
	}

	const workers = 8
	errCh := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func() {
			err := workflow.WithContentionRetry(ctx, 5, 50*time.Millisecond, func() error {
				_, _, err := workflow.AdjustBalance(ctx, db, logger, businessId, adj)
				return err
			})
			errCh <- err
		}()
	}
	for i := 0; i < workers; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("worker %d: %v", i, err)
		}
	}

	var entries int64
	if err := db.WithContext(ctx).Model(&models.LedgerEntry{}).
		Where("business_id = ? AND account_id = ?", businessId, account.ID).
		Count(&entries).Error; err != nil {
		t.Fatalf("count entries: %v", err)
	}
	if entries != 1 {
		t.Fatalf("same key must post exactly once, got %d entries", entries)
	}
	a := fetchAccount(t, ctx, businessId, account.ID)
	if !a.Balance.Equal(mustDec(t, "10")) {
		t.Fatalf("expected balance 10, got %s", a.Balance)
	}

	assertClean(t, ctx, businessId)
}

func TestLedgerEntriesAreImmutable(t *testing.T) {
	setupIntegration(t)

	businessId := uuid.NewString()
	ctx := testCtx(businessId)
	db := config.GetDB()
	logger := config.GetLogger()

	account := seedAccount(t, ctx, businessId, "Immutable Inc")
	res, _, err := workflow.AdjustBalance(ctx, db, logger, businessId, workflow.BalanceAdjustment{
		AccountId:      account.ID,
		Delta:          mustDec(t, "42"),
		Reason:         models.LedgerReasonAdjustment,
		ReferenceType:  models.ReferenceTypeAdjustment,
		Description:    "credit",
		IdempotencyKey: uuid.NewString(),
	})
	if err != nil {
		t.Fatalf("AdjustBalance: %v", err)
	}

	var entry models.LedgerEntry
	if err := db.WithContext(ctx).Where("business_id = ? AND id = ?", businessId, res.EntryId).
		First(&entry).Error; err != nil {
		t.Fatalf("fetch entry: %v", err)
	}
	entry.Amount = mustDec(t, "9999")
	if err := db.WithContext(ctx).Save(&entry).Error; err == nil {
		t.Fatal("ledger entry update must be rejected")
	}
	if err := db.WithContext(ctx).Delete(&entry).Error; err == nil {
		t.Fatal("ledger entry delete must be rejected")
	}

	var movement models.InventoryMovement
	seedProduct(t, ctx, businessId, "immutable-widget", "5")
	if err := db.WithContext(ctx).Where("business_id = ?", businessId).
		First(&movement).Error; err != nil {
		t.Fatalf("fetch movement: %v", err)
	}
	if err := db.WithContext(ctx).Delete(&movement).Error; err == nil {
		t.Fatal("inventory movement delete must be rejected")
	}
}
