package orders

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"vending-svc/config"
	"vending-svc/gateway"
	"vending-svc/machines"
	"vending-svc/models"
	"vending-svc/store"
)

type fakeGateway struct {
	orders int
	fail   bool
}

func (f *fakeGateway) CreateOrder(ctx context.Context, req gateway.OrderRequest) (*gateway.Order, error) {
	if f.fail {
		return nil, errors.New("gateway unavailable")
	}
	f.orders++
	return &gateway.Order{
		ID:       "order_RZP1",
		Amount:   req.AmountPaise,
		Currency: req.Currency,
		Status:   "created",
	}, nil
}

type recordingSender struct {
	mu   sync.Mutex
	sent []models.DispenseCommand
}

func (r *recordingSender) Send(channelID string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, payload.(models.DispenseCommand))
	return nil
}

func (r *recordingSender) commands() []models.DispenseCommand {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.DispenseCommand, len(r.sent))
	copy(out, r.sent)
	return out
}

func newTestService(t *testing.T) (*Service, *fakeGateway, *recordingSender, store.Store) {
	cfg := &config.Config{
		OrderAmountINR:     20,
		OrderAmountPaise:   2000,
		OrderCurrency:      "INR",
		RazorpayKeyID:      "rzp_test_key",
		MachineSharedToken: "dev-machine-token",
		HeartbeatTimeout:   30 * time.Second,
		KafkaTopic:         "vending_order_events",
	}

	st := store.NewMemoryStore()
	sender := &recordingSender{}
	logger := zaptest.NewLogger(t)
	coordinator := machines.NewCoordinator(cfg, st, sender, logger)
	gw := &fakeGateway{}

	svc := NewService(cfg, st, coordinator, gw, nil, logger)
	return svc, gw, sender, st
}

func connectMachine(t *testing.T, svc *Service, machineID string) {
	t.Helper()
	if err := svc.machines.HandleConnect(context.Background(), machineID, "chan-"+machineID); err != nil {
		t.Fatalf("failed to connect machine: %v", err)
	}
}

func seedOrder(t *testing.T, st store.Store, orderID string, order models.Order) {
	t.Helper()
	if err := st.Set(context.Background(), store.OrderPath(orderID), order); err != nil {
		t.Fatalf("failed to seed order: %v", err)
	}
}

func readOrder(t *testing.T, st store.Store, orderID string) models.Order {
	t.Helper()
	var order models.Order
	found, err := st.Get(context.Background(), store.OrderPath(orderID), &order)
	if err != nil || !found {
		t.Fatalf("order %s not found: %v", orderID, err)
	}
	return order
}

func TestGenerateOrderID_Format(t *testing.T) {
	pattern := regexp.MustCompile(`^ORD_[0-9A-Z]{10}$`)

	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		id := generateOrderID()
		if !pattern.MatchString(id) {
			t.Fatalf("unexpected order id format: %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate order id generated: %q", id)
		}
		seen[id] = true
	}
}

func TestCreateOrder_Success(t *testing.T) {
	svc, gw, _, st := newTestService(t)
	connectMachine(t, svc, "M01")

	resp, err := svc.CreateOrder(context.Background(), "M01")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.MachineID != "M01" {
		t.Errorf("expected machineId M01, got %q", resp.MachineID)
	}
	if resp.Amount != 20 || resp.Currency != "INR" {
		t.Errorf("unexpected amount/currency: %d %s", resp.Amount, resp.Currency)
	}
	if resp.RazorpayOrderID != "order_RZP1" {
		t.Errorf("expected provider order id, got %q", resp.RazorpayOrderID)
	}
	if resp.RazorpayKeyID != "rzp_test_key" {
		t.Errorf("expected public key id in response, got %q", resp.RazorpayKeyID)
	}
	if gw.orders != 1 {
		t.Errorf("expected exactly one provider order, got %d", gw.orders)
	}

	order := readOrder(t, st, resp.OrderID)
	if order.Status != models.OrderStatusCreated {
		t.Errorf("expected CREATED, got %s", order.Status)
	}
	if order.Source != "RAZORPAY_CHECKOUT" {
		t.Errorf("expected checkout source, got %q", order.Source)
	}
}

func TestCreateOrder_InvalidMachineID(t *testing.T) {
	svc, gw, _, _ := newTestService(t)

	_, err := svc.CreateOrder(context.Background(), "bad id!")
	var appErr *models.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected AppError, got %v", err)
	}
	if appErr.Code != "INVALID_MACHINE_ID" || appErr.Status != 400 {
		t.Errorf("unexpected error: %+v", appErr)
	}
	if gw.orders != 0 {
		t.Error("expected no provider calls for invalid input")
	}
}

func TestCreateOrder_MachineOffline(t *testing.T) {
	svc, gw, _, _ := newTestService(t)

	_, err := svc.CreateOrder(context.Background(), "M01")
	var appErr *models.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected AppError, got %v", err)
	}
	if appErr.Code != "MACHINE_OFFLINE" || appErr.Status != 409 {
		t.Errorf("unexpected error: %+v", appErr)
	}
	if gw.orders != 0 {
		t.Error("expected no provider calls while the machine is offline")
	}
}

func TestCreateOrder_MachineBusy(t *testing.T) {
	svc, _, _, st := newTestService(t)
	connectMachine(t, svc, "M01")

	err := st.Update(context.Background(), store.MachinePath("M01"), map[string]any{
		"status": models.MachineStatusDispensing,
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = svc.CreateOrder(context.Background(), "M01")
	var appErr *models.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected AppError, got %v", err)
	}
	if appErr.Code != "MACHINE_BUSY" || appErr.Status != 409 {
		t.Errorf("unexpected error: %+v", appErr)
	}
}

func TestCreateOrder_GatewayFailurePersistsNothing(t *testing.T) {
	svc, gw, _, st := newTestService(t)
	connectMachine(t, svc, "M01")
	gw.fail = true

	if _, err := svc.CreateOrder(context.Background(), "M01"); err == nil {
		t.Fatal("expected gateway error")
	}

	docs, err := st.List(context.Background(), store.OrdersPrefix)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 0 {
		t.Errorf("expected no persisted orders, found %d", len(docs))
	}
}

func TestMarkPaid_FlagsDispatchPending(t *testing.T) {
	svc, _, _, st := newTestService(t)
	seedOrder(t, st, "ORD_A", models.Order{
		MachineID: "M01",
		Status:    models.OrderStatusCreated,
		CreatedAt: 100,
	})

	if err := svc.MarkPaid(context.Background(), "ORD_A", "pay_1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	order := readOrder(t, st, "ORD_A")
	if order.Status != models.OrderStatusPaid {
		t.Errorf("expected PAID, got %s", order.Status)
	}
	if !order.DispatchPending {
		t.Error("expected dispatchPending set")
	}
	if order.RazorpayPaymentID != "pay_1" || order.ProviderPaymentID != "pay_1" {
		t.Errorf("payment id not recorded: %+v", order)
	}
	if order.PaidAt == 0 {
		t.Error("expected paidAt stamp")
	}
}

func TestMarkPaid_TerminalOrderUntouched(t *testing.T) {
	svc, _, _, st := newTestService(t)
	ctx := context.Background()

	seedOrder(t, st, "ORD_F", models.Order{
		MachineID:   "M01",
		Status:      models.OrderStatusFailed,
		FailureCode: "DISPENSE_FAILED",
		CreatedAt:   100,
	})

	if err := svc.MarkPaid(ctx, "ORD_F", "pay_late"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	order := readOrder(t, st, "ORD_F")
	if order.Status != models.OrderStatusFailed {
		t.Errorf("terminal order mutated to %s", order.Status)
	}
	if order.DispatchPending {
		t.Error("terminal order must not be flagged for dispatch")
	}
	if order.RazorpayPaymentID == "pay_late" {
		t.Error("terminal order must not record a new payment id")
	}
}

func TestTerminalStatesAreImmutable(t *testing.T) {
	svc, _, _, st := newTestService(t)
	ctx := context.Background()

	seedOrder(t, st, "ORD_DONE", models.Order{
		MachineID: "M01",
		Status:    models.OrderStatusCompleted,
		CreatedAt: 100,
	})
	if err := svc.MarkFailed(ctx, "ORD_DONE", "DISPENSE_FAILED"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := readOrder(t, st, "ORD_DONE").Status; got != models.OrderStatusCompleted {
		t.Errorf("COMPLETED order mutated to %s", got)
	}

	seedOrder(t, st, "ORD_FAIL", models.Order{
		MachineID:   "M01",
		Status:      models.OrderStatusFailed,
		FailureCode: "DISPENSE_FAILED",
		CreatedAt:   100,
	})
	if err := svc.MarkCompleted(ctx, "ORD_FAIL"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	order := readOrder(t, st, "ORD_FAIL")
	if order.Status != models.OrderStatusFailed {
		t.Errorf("FAILED order mutated to %s", order.Status)
	}
	if order.FailureCode != "DISPENSE_FAILED" {
		t.Errorf("failure code lost: %q", order.FailureCode)
	}
}

func TestMarkCompleted_Idempotent(t *testing.T) {
	svc, _, _, st := newTestService(t)
	ctx := context.Background()

	seedOrder(t, st, "ORD_A", models.Order{
		MachineID: "M01",
		Status:    models.OrderStatusDispensing,
		CreatedAt: 100,
	})

	if err := svc.MarkCompleted(ctx, "ORD_A"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := svc.MarkCompleted(ctx, "ORD_A"); err != nil {
		t.Fatalf("repeat completion should be a no-op: %v", err)
	}
	if got := readOrder(t, st, "ORD_A").Status; got != models.OrderStatusCompleted {
		t.Errorf("expected COMPLETED, got %s", got)
	}
}

func TestCreateWebhookPaidOrder_BornPaid(t *testing.T) {
	svc, _, _, st := newTestService(t)

	orderID, order, err := svc.CreateWebhookPaidOrder(context.Background(), "M01", "pay_1", "qr_1", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if order.Status != models.OrderStatusPaid {
		t.Errorf("expected PAID, got %s", order.Status)
	}
	if !order.DispatchPending {
		t.Error("expected dispatchPending set")
	}
	if order.Source != "UPI_QR_WEBHOOK" {
		t.Errorf("unexpected source %q", order.Source)
	}

	persisted := readOrder(t, st, orderID)
	if persisted.ProviderPaymentID != "pay_1" || persisted.ProviderQRCodeID != "qr_1" {
		t.Errorf("provider ids not persisted: %+v", persisted)
	}
}

func TestTryDispatchNextPending_SendsOldestFirst(t *testing.T) {
	svc, _, sender, st := newTestService(t)
	connectMachine(t, svc, "M01")
	ctx := context.Background()

	seedOrder(t, st, "ORD_NEW", models.Order{
		MachineID:       "M01",
		Status:          models.OrderStatusPaid,
		DispatchPending: true,
		CreatedAt:       200,
	})
	seedOrder(t, st, "ORD_OLD", models.Order{
		MachineID:       "M01",
		Status:          models.OrderStatusPaid,
		DispatchPending: true,
		CreatedAt:       100,
	})

	result := svc.TryDispatchNextPending(ctx, "M01")
	if !result.Dispatched || result.Reason != "SENT" {
		t.Fatalf("expected SENT, got %+v", result)
	}
	if result.OrderID != "ORD_OLD" {
		t.Errorf("expected oldest order first, got %s", result.OrderID)
	}

	commands := sender.commands()
	if len(commands) != 1 || commands[0].OrderID != "ORD_OLD" {
		t.Fatalf("unexpected commands: %+v", commands)
	}
	if commands[0].Type != "DISPENSE" {
		t.Errorf("unexpected command type %q", commands[0].Type)
	}

	order := readOrder(t, st, "ORD_OLD")
	if order.Status != models.OrderStatusDispensing {
		t.Errorf("expected DISPENSING, got %s", order.Status)
	}
	if order.DispatchPending {
		t.Error("expected dispatchPending cleared")
	}
}

func TestTryDispatchNextPending_MachineBusy(t *testing.T) {
	svc, _, sender, st := newTestService(t)
	connectMachine(t, svc, "M01")
	ctx := context.Background()

	seedOrder(t, st, "ORD_A", models.Order{
		MachineID:       "M01",
		Status:          models.OrderStatusPaid,
		DispatchPending: true,
		CreatedAt:       100,
	})
	err := st.Update(ctx, store.MachinePath("M01"), map[string]any{
		"status": models.MachineStatusDispensing,
	})
	if err != nil {
		t.Fatal(err)
	}

	result := svc.TryDispatchNextPending(ctx, "M01")
	if result.Dispatched || result.Reason != "MACHINE_BUSY" {
		t.Fatalf("expected MACHINE_BUSY, got %+v", result)
	}
	if len(sender.commands()) != 0 {
		t.Error("expected nothing sent while busy")
	}
	if got := readOrder(t, st, "ORD_A").Status; got != models.OrderStatusPaid {
		t.Errorf("expected order untouched, got %s", got)
	}
}

func TestTryDispatchNextPending_MachineOffline(t *testing.T) {
	svc, _, sender, st := newTestService(t)
	ctx := context.Background()

	seedOrder(t, st, "ORD_A", models.Order{
		MachineID:       "M01",
		Status:          models.OrderStatusPaid,
		DispatchPending: true,
		CreatedAt:       100,
	})

	result := svc.TryDispatchNextPending(ctx, "M01")
	if result.Dispatched || result.Reason != "MACHINE_OFFLINE" {
		t.Fatalf("expected MACHINE_OFFLINE, got %+v", result)
	}
	if len(sender.commands()) != 0 {
		t.Error("expected nothing sent while offline")
	}

	// The order stays pending so a later trigger can pick it up.
	order := readOrder(t, st, "ORD_A")
	if order.Status != models.OrderStatusPaid || !order.DispatchPending {
		t.Errorf("expected order to stay pending, got %+v", order)
	}
}

func TestTryDispatchNextPending_NoPending(t *testing.T) {
	svc, _, sender, st := newTestService(t)
	connectMachine(t, svc, "M01")
	ctx := context.Background()

	// Orders for other machines or in other states are not candidates.
	seedOrder(t, st, "ORD_OTHER", models.Order{
		MachineID:       "M02",
		Status:          models.OrderStatusPaid,
		DispatchPending: true,
		CreatedAt:       100,
	})
	seedOrder(t, st, "ORD_CREATED", models.Order{
		MachineID: "M01",
		Status:    models.OrderStatusCreated,
		CreatedAt: 100,
	})

	result := svc.TryDispatchNextPending(ctx, "M01")
	if result.Dispatched || result.Reason != "NO_PENDING" {
		t.Fatalf("expected NO_PENDING, got %+v", result)
	}
	if len(sender.commands()) != 0 {
		t.Error("expected nothing sent")
	}
}

func TestTryDispatchNextPending_ConcurrentTriggersSendOnce(t *testing.T) {
	svc, _, sender, st := newTestService(t)
	connectMachine(t, svc, "M01")
	ctx := context.Background()

	seedOrder(t, st, "ORD_A", models.Order{
		MachineID:       "M01",
		Status:          models.OrderStatusPaid,
		DispatchPending: true,
		CreatedAt:       100,
	})

	var wg sync.WaitGroup
	var mu sync.Mutex
	sent := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if svc.TryDispatchNextPending(ctx, "M01").Dispatched {
				mu.Lock()
				sent++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if sent != 1 {
		t.Errorf("expected exactly one successful dispatch, got %d", sent)
	}
	if got := len(sender.commands()); got != 1 {
		t.Errorf("expected exactly one command over the wire, got %d", got)
	}
}
