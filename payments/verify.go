// Package payments turns payment confirmations, synchronous checkout
// verifications and asynchronous provider webhooks, into order transitions
// and dispatch attempts.
package payments

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"vending-svc/config"
	"vending-svc/machines"
	"vending-svc/models"
	"vending-svc/orders"
	"vending-svc/signature"
	"vending-svc/store"
)

type Service struct {
	cfg      *config.Config
	store    store.Store
	orders   *orders.Service
	machines *machines.Coordinator
	logger   *zap.Logger
}

func NewService(cfg *config.Config, st store.Store, orderSvc *orders.Service, coordinator *machines.Coordinator, logger *zap.Logger) *Service {
	return &Service{
		cfg:      cfg,
		store:    st,
		orders:   orderSvc,
		machines: coordinator,
		logger:   logger,
	}
}

// VerifyAndDispatch handles the synchronous checkout confirmation: validate
// the signature, mark the order paid and hand it to the dispatch driver.
// Resubmitting the same confirmation after the order finished echoes the
// recorded state without re-dispatching.
func (s *Service) VerifyAndDispatch(ctx context.Context, req models.VerifyPaymentRequest) (*models.VerifyPaymentResponse, error) {
	order, err := s.orders.Order(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}

	if order.RazorpayOrderID != req.RazorpayOrderID {
		return nil, models.NewAppError(http.StatusBadRequest, "ORDER_MISMATCH", "razorpay_order_id does not match this order")
	}

	if !signature.VerifyPayment(req.RazorpayOrderID, req.RazorpayPaymentID, req.RazorpaySignature, s.cfg.RazorpayKeySecret) {
		return nil, models.NewAppError(http.StatusBadRequest, "INVALID_SIGNATURE", "Payment signature verification failed")
	}

	if order.RazorpayPaymentID != "" &&
		order.RazorpayPaymentID != req.RazorpayPaymentID &&
		order.Status != models.OrderStatusCreated {
		return nil, models.NewAppError(http.StatusConflict, "PAYMENT_ID_CONFLICT", "Order already tied to a different payment id")
	}

	// Terminal and in-flight orders echo their recorded state. A FAILED order
	// stays failed; the only recovery is a new order.
	if order.Status == models.OrderStatusFailed {
		return &models.VerifyPaymentResponse{
			OrderID:  req.OrderID,
			Status:   order.Status,
			Dispatch: "NOT_SENT",
		}, nil
	}
	if order.Status == models.OrderStatusCompleted || order.Status == models.OrderStatusDispensing {
		return &models.VerifyPaymentResponse{
			OrderID:  req.OrderID,
			Status:   order.Status,
			Dispatch: "SENT",
		}, nil
	}

	if order.Status != models.OrderStatusPaid {
		if err := s.orders.MarkPaid(ctx, req.OrderID, req.RazorpayPaymentID); err != nil {
			return nil, err
		}
	}

	s.orders.TryDispatchNextPending(ctx, order.MachineID)

	refreshed, err := s.orders.Order(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}

	dispatch := "PENDING"
	if refreshed.Status == models.OrderStatusDispensing {
		dispatch = "SENT"
	}

	return &models.VerifyPaymentResponse{
		OrderID:  req.OrderID,
		Status:   refreshed.Status,
		Dispatch: dispatch,
	}, nil
}
