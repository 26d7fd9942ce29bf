// Package orders owns the order lifecycle state machine and the dispatch
// driver that feeds paid orders to machines one at a time.
package orders

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"vending-svc/config"
	"vending-svc/gateway"
	"vending-svc/kafka"
	"vending-svc/machines"
	"vending-svc/middleware"
	"vending-svc/models"
	"vending-svc/store"
)

// GatewayClient is the slice of the payment gateway this package needs.
type GatewayClient interface {
	CreateOrder(ctx context.Context, req gateway.OrderRequest) (*gateway.Order, error)
}

// DispatchResult reports the outcome of one dispatch-driver pass.
type DispatchResult struct {
	Dispatched bool
	Reason     string // SENT, MACHINE_BUSY, MACHINE_OFFLINE, NO_PENDING
	OrderID    string
}

type Service struct {
	cfg      *config.Config
	store    store.Store
	machines *machines.Coordinator
	gateway  GatewayClient
	producer sarama.SyncProducer
	logger   *zap.Logger
	nowMs    func() int64

	// dispatchLocks serializes the busy-check → send → status-write sequence
	// per machine, closing the window where two triggers could both pass the
	// not-busy check and double-dispatch.
	locksMu       sync.Mutex
	dispatchLocks map[string]*sync.Mutex
}

func NewService(cfg *config.Config, st store.Store, coordinator *machines.Coordinator, gw GatewayClient, producer sarama.SyncProducer, logger *zap.Logger) *Service {
	return &Service{
		cfg:           cfg,
		store:         st,
		machines:      coordinator,
		gateway:       gw,
		producer:      producer,
		logger:        logger,
		nowMs:         func() int64 { return time.Now().UnixMilli() },
		dispatchLocks: make(map[string]*sync.Mutex),
	}
}

// CreateOrder starts the synchronous checkout flow: the machine must be
// online and not mid-dispense before a provider order is created.
func (s *Service) CreateOrder(ctx context.Context, machineID string) (*models.CreateOrderResponse, error) {
	if !models.IsValidMachineID(machineID) {
		return nil, models.NewAppError(http.StatusBadRequest, "INVALID_MACHINE_ID", "machineId must be an alphanumeric id like M01")
	}

	if !s.machines.IsOnline(ctx, machineID) {
		return nil, models.NewAppError(http.StatusConflict, "MACHINE_OFFLINE", "Machine is offline")
	}

	machine, found, err := s.machines.Machine(ctx, machineID)
	if err != nil {
		return nil, err
	}
	if found && machine.Status == models.MachineStatusDispensing {
		return nil, models.NewAppError(http.StatusConflict, "MACHINE_BUSY", "Machine is currently dispensing another order")
	}

	orderID := generateOrderID()
	gatewayOrder, err := s.gateway.CreateOrder(ctx, gateway.OrderRequest{
		AmountPaise: s.cfg.OrderAmountPaise,
		Currency:    s.cfg.OrderCurrency,
		Receipt:     orderID,
		Notes: map[string]string{
			"machineId":  machineID,
			"appOrderId": orderID,
		},
	})
	if err != nil {
		return nil, err
	}

	ts := s.nowMs()
	order := models.Order{
		MachineID:       machineID,
		Amount:          s.cfg.OrderAmountINR,
		Currency:        s.cfg.OrderCurrency,
		RazorpayOrderID: gatewayOrder.ID,
		Source:          "RAZORPAY_CHECKOUT",
		Provider:        "razorpay",
		Status:          models.OrderStatusCreated,
		CreatedAt:       ts,
		UpdatedAt:       ts,
	}

	if err := s.store.Set(ctx, store.OrderPath(orderID), order); err != nil {
		return nil, err
	}

	middleware.RecordOrderStatus(string(models.OrderStatusCreated))
	s.publishEvent(ctx, orderID, &order, "order_created")

	return &models.CreateOrderResponse{
		OrderID:         orderID,
		MachineID:       machineID,
		Amount:          order.Amount,
		Currency:        order.Currency,
		RazorpayOrderID: gatewayOrder.ID,
		RazorpayKeyID:   s.cfg.RazorpayKeyID,
	}, nil
}

// Order fetches an order or fails with a not-found error.
func (s *Service) Order(ctx context.Context, orderID string) (*models.Order, error) {
	var order models.Order
	found, err := s.store.Get(ctx, store.OrderPath(orderID), &order)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, models.NewAppError(http.StatusNotFound, "ORDER_NOT_FOUND", "Order not found")
	}
	return &order, nil
}

// MarkPaid transitions an order to PAID and flags it for dispatch. It is safe
// to re-affirm on an order that is already PAID. Terminal orders are left
// untouched; a payment confirmation cannot revive a finished order.
func (s *Service) MarkPaid(ctx context.Context, orderID, razorpayPaymentID string) error {
	order, err := s.Order(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status == models.OrderStatusCompleted || order.Status == models.OrderStatusFailed {
		return nil
	}

	err = s.updateStatus(ctx, orderID, models.OrderStatusPaid, map[string]any{
		"razorpayPaymentId": razorpayPaymentID,
		"providerPaymentId": razorpayPaymentID,
		"paidAt":            s.nowMs(),
		"dispatchPending":   true,
		"failureCode":       "",
	})
	if err != nil {
		return err
	}

	if order, oerr := s.Order(ctx, orderID); oerr == nil {
		s.publishEvent(ctx, orderID, order, "order_paid")
	}
	return nil
}

// MarkDispensing records that the dispense command went out.
func (s *Service) MarkDispensing(ctx context.Context, orderID string) error {
	return s.updateStatus(ctx, orderID, models.OrderStatusDispensing, map[string]any{
		"dispatchPending": false,
	})
}

// MarkCompleted finishes an order. Terminal states are immutable: repeating a
// terminal transition is a no-op.
func (s *Service) MarkCompleted(ctx context.Context, orderID string) error {
	order, err := s.Order(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status == models.OrderStatusCompleted || order.Status == models.OrderStatusFailed {
		return nil
	}

	err = s.updateStatus(ctx, orderID, models.OrderStatusCompleted, map[string]any{
		"failureCode":     "",
		"dispatchPending": false,
	})
	if err != nil {
		return err
	}

	order.Status = models.OrderStatusCompleted
	s.publishEvent(ctx, orderID, order, "dispense_completed")
	return nil
}

// MarkFailed fails an order with a failure code, with the same terminal-state
// idempotency as MarkCompleted. The only recovery for a failed dispense is a
// new order.
func (s *Service) MarkFailed(ctx context.Context, orderID, failureCode string) error {
	order, err := s.Order(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status == models.OrderStatusFailed || order.Status == models.OrderStatusCompleted {
		return nil
	}

	err = s.updateStatus(ctx, orderID, models.OrderStatusFailed, map[string]any{
		"failureCode":     failureCode,
		"dispatchPending": false,
	})
	if err != nil {
		return err
	}

	order.Status = models.OrderStatusFailed
	s.publishEvent(ctx, orderID, order, "dispense_failed")
	return nil
}

// CreateWebhookPaidOrder creates an order that is born PAID, used by the
// webhook admission path where no CREATED phase exists.
func (s *Service) CreateWebhookPaidOrder(ctx context.Context, machineID, providerPaymentID, providerQRCodeID, razorpayOrderID string) (string, *models.Order, error) {
	if !models.IsValidMachineID(machineID) {
		return "", nil, models.NewAppError(http.StatusBadRequest, "INVALID_MACHINE_ID", "machineId must be an alphanumeric id like M01")
	}
	if providerPaymentID == "" {
		return "", nil, models.NewAppError(http.StatusBadRequest, "INVALID_PAYMENT_ID", "provider payment id is required")
	}
	if providerQRCodeID == "" {
		return "", nil, models.NewAppError(http.StatusBadRequest, "INVALID_QR_CODE_ID", "provider qr code id is required")
	}

	ts := s.nowMs()
	orderID := generateOrderID()
	order := models.Order{
		MachineID:         machineID,
		Amount:            s.cfg.OrderAmountINR,
		Currency:          s.cfg.OrderCurrency,
		RazorpayOrderID:   razorpayOrderID,
		RazorpayPaymentID: providerPaymentID,
		Source:            "UPI_QR_WEBHOOK",
		Provider:          "razorpay",
		ProviderPaymentID: providerPaymentID,
		ProviderQRCodeID:  providerQRCodeID,
		PaidAt:            ts,
		DispatchPending:   true,
		Status:            models.OrderStatusPaid,
		CreatedAt:         ts,
		UpdatedAt:         ts,
	}

	if err := s.store.Set(ctx, store.OrderPath(orderID), order); err != nil {
		return "", nil, err
	}

	middleware.RecordOrderStatus(string(models.OrderStatusPaid))
	s.publishEvent(ctx, orderID, &order, "order_paid")
	return orderID, &order, nil
}

// TryDispatchNextPending is the dispatch driver: it picks the oldest paid,
// still-pending order for the machine and attempts to send it. Safe to call
// redundantly; it runs after every connect, heartbeat, done report and
// webhook admission, which is how offline windows self-heal.
func (s *Service) TryDispatchNextPending(ctx context.Context, machineID string) DispatchResult {
	lock := s.dispatchLock(machineID)
	lock.Lock()
	defer lock.Unlock()

	machine, found, err := s.machines.Machine(ctx, machineID)
	if err != nil {
		s.logger.Error("Failed to read machine state", zap.String("machine_id", machineID), zap.Error(err))
		return DispatchResult{Reason: "MACHINE_BUSY"}
	}
	if found && machine.Status == models.MachineStatusDispensing {
		middleware.RecordDispatchAttempt("machine_busy")
		return DispatchResult{Reason: "MACHINE_BUSY"}
	}

	orderID, order, err := s.findPendingPaidOrder(ctx, machineID)
	if err != nil {
		s.logger.Error("Failed to scan pending orders", zap.String("machine_id", machineID), zap.Error(err))
		return DispatchResult{Reason: "NO_PENDING"}
	}
	if order == nil {
		return DispatchResult{Reason: "NO_PENDING"}
	}

	sent, err := s.machines.Dispatch(ctx, machineID, models.DispenseCommand{
		Type:    "DISPENSE",
		OrderID: orderID,
	})
	if err != nil {
		s.logger.Error("Dispatch status write failed",
			zap.String("machine_id", machineID), zap.String("order_id", orderID), zap.Error(err))
	}
	if !sent {
		// Machine offline or stale: the order stays PAID and pending for the
		// next trigger.
		middleware.RecordDispatchAttempt("machine_offline")
		return DispatchResult{Reason: "MACHINE_OFFLINE", OrderID: orderID}
	}

	if err := s.MarkDispensing(ctx, orderID); err != nil {
		s.logger.Error("Failed to mark order dispensing",
			zap.String("order_id", orderID), zap.Error(err))
	}

	middleware.RecordDispatchAttempt("sent")
	s.logger.Info("Dispense dispatched",
		zap.String("machine_id", machineID), zap.String("order_id", orderID))
	return DispatchResult{Dispatched: true, Reason: "SENT", OrderID: orderID}
}

// findPendingPaidOrder returns the FIFO-earliest PAID order with
// dispatchPending set for the machine.
func (s *Service) findPendingPaidOrder(ctx context.Context, machineID string) (string, *models.Order, error) {
	docs, err := s.store.List(ctx, store.OrdersPrefix)
	if err != nil {
		return "", nil, err
	}

	var bestID string
	var best *models.Order
	for path, data := range docs {
		var order models.Order
		if err := json.Unmarshal(data, &order); err != nil {
			s.logger.Error("Malformed order record", zap.String("path", path), zap.Error(err))
			continue
		}
		if order.MachineID != machineID || order.Status != models.OrderStatusPaid || !order.DispatchPending {
			continue
		}
		if best == nil || order.CreatedAt < best.CreatedAt {
			o := order
			best = &o
			bestID = strings.TrimPrefix(path, store.OrdersPrefix)
		}
	}
	return bestID, best, nil
}

func (s *Service) updateStatus(ctx context.Context, orderID string, status models.OrderStatus, patch map[string]any) error {
	fields := map[string]any{
		"status":    status,
		"updatedAt": s.nowMs(),
	}
	for k, v := range patch {
		fields[k] = v
	}

	if err := s.store.Update(ctx, store.OrderPath(orderID), fields); err != nil {
		return err
	}
	middleware.RecordOrderStatus(string(status))
	return nil
}

func (s *Service) publishEvent(ctx context.Context, orderID string, order *models.Order, eventType string) {
	if s.producer == nil {
		return
	}

	event := models.OrderEvent{
		OrderID:     orderID,
		MachineID:   order.MachineID,
		Status:      order.Status,
		AmountPaise: order.Amount * 100,
		EventType:   eventType,
	}

	if err := kafka.PublishOrderEvent(ctx, s.producer, s.cfg.KafkaTopic, event, s.logger); err != nil {
		// Eventing is best-effort; never fail the request over it.
		s.logger.Error("Failed to publish order event",
			zap.String("order_id", orderID), zap.String("event_type", eventType), zap.Error(err))
	}
}

func (s *Service) dispatchLock(machineID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	lock, ok := s.dispatchLocks[machineID]
	if !ok {
		lock = &sync.Mutex{}
		s.dispatchLocks[machineID] = lock
	}
	return lock
}
