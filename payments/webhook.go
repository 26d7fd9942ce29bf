package payments

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"vending-svc/middleware"
	"vending-svc/models"
	"vending-svc/signature"
	"vending-svc/store"
)

// supportedEvents are the payment-capture-class provider events; everything
// else is acknowledged and ignored.
var supportedEvents = map[string]bool{
	"payment.captured": true,
	"qr_code.credited": true,
}

// WebhookResult is the acknowledgement envelope returned to the provider.
// Deliveries that caused no new side effect carry ignored or idempotent so
// the sender backs off instead of retrying.
type WebhookResult struct {
	OK          bool   `json:"ok"`
	Ignored     bool   `json:"ignored,omitempty"`
	Idempotent  bool   `json:"idempotent,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Event       string `json:"event,omitempty"`
	PaymentID   string `json:"paymentId,omitempty"`
	QRCodeID    string `json:"qrCodeId,omitempty"`
	MachineID   string `json:"machineId,omitempty"`
	OrderID     string `json:"orderId,omitempty"`
	AmountPaise int64  `json:"amountPaise,omitempty"`
	Status      string `json:"status,omitempty"`
	Dispatch    string `json:"dispatch,omitempty"`
}

type webhookPayload struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity *struct {
				ID      string            `json:"id"`
				Amount  int64             `json:"amount"`
				OrderID string            `json:"order_id"`
				Notes   map[string]string `json:"notes"`
			} `json:"entity"`
		} `json:"payment"`
		QRCode struct {
			Entity *struct {
				ID string `json:"id"`
			} `json:"entity"`
		} `json:"qr_code"`
	} `json:"payload"`
}

// ProcessWebhook runs the admission pipeline for one provider delivery. Every
// step is a hard gate; the atomic payment-event reservation makes the whole
// path idempotent under at-least-once delivery.
func (s *Service) ProcessWebhook(ctx context.Context, rawBody []byte, signatureHeader string) (*WebhookResult, error) {
	if !s.cfg.UPIScannerMode {
		return &WebhookResult{OK: true, Ignored: true, Reason: "UPI_SCANNER_MODE_DISABLED"}, nil
	}

	if !signature.VerifyWebhook(rawBody, signatureHeader, s.cfg.RazorpayWebhookSecret) {
		middleware.RecordWebhookEvent("unauthorized")
		return nil, models.NewAppError(http.StatusUnauthorized, "INVALID_WEBHOOK_SIGNATURE", "Razorpay webhook signature verification failed")
	}

	var payload webhookPayload
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		middleware.RecordWebhookEvent("malformed")
		return nil, models.NewAppError(http.StatusBadRequest, "INVALID_WEBHOOK_PAYLOAD", "webhook payload is not valid JSON")
	}

	if !supportedEvents[payload.Event] {
		middleware.RecordWebhookEvent("ignored")
		return &WebhookResult{OK: true, Ignored: true, Reason: "UNSUPPORTED_EVENT", Event: payload.Event}, nil
	}

	paymentID, qrCodeID, amountPaise, razorpayOrderID := extractEntities(&payload)
	if paymentID == "" {
		middleware.RecordWebhookEvent("ignored")
		return &WebhookResult{OK: true, Ignored: true, Reason: "MISSING_PAYMENT_ID", Event: payload.Event}, nil
	}

	ts := nowMs()
	seed := models.PaymentEvent{
		Status:            "PROCESSING",
		Reason:            "RECEIVED",
		ProviderPaymentID: paymentID,
		ProviderQRCodeID:  qrCodeID,
		Dispatch:          "NOT_SENT",
		AmountPaise:       amountPaise,
		Event:             payload.Event,
		CreatedAt:         ts,
		UpdatedAt:         ts,
	}

	created, existingRaw, err := s.store.CreateIfAbsent(ctx, store.PaymentEventPath(paymentID), seed)
	if err != nil {
		return nil, err
	}
	if !created {
		// Duplicate delivery: replay the recorded outcome verbatim, no new
		// side effects.
		var existing models.PaymentEvent
		if err := json.Unmarshal(existingRaw, &existing); err != nil {
			return nil, err
		}
		middleware.RecordWebhookEvent("idempotent")
		dispatch := existing.Dispatch
		if dispatch == "" {
			dispatch = "ALREADY_PROCESSED"
		}
		return &WebhookResult{
			OK:         true,
			Idempotent: true,
			PaymentID:  paymentID,
			OrderID:    existing.OrderID,
			Dispatch:   dispatch,
		}, nil
	}

	if qrCodeID == "" {
		return s.rejectEvent(ctx, paymentID, "MISSING_QR_CODE_ID", "", amountPaise)
	}

	if amountPaise != s.cfg.OrderAmountPaise {
		result, err := s.rejectEvent(ctx, paymentID, "INVALID_AMOUNT", qrCodeID, amountPaise)
		if result != nil {
			result.AmountPaise = amountPaise
		}
		return result, err
	}

	machineID, err := s.machines.MachineIDByQRCode(ctx, qrCodeID)
	if err != nil {
		return nil, err
	}
	if machineID == "" {
		result, rerr := s.rejectEvent(ctx, paymentID, "UNKNOWN_QR_CODE", qrCodeID, amountPaise)
		if result != nil {
			result.QRCodeID = qrCodeID
		}
		return result, rerr
	}

	orderID, _, err := s.orders.CreateWebhookPaidOrder(ctx, machineID, paymentID, qrCodeID, razorpayOrderID)
	if err != nil {
		return nil, err
	}

	dispatchResult := s.orders.TryDispatchNextPending(ctx, machineID)
	dispatch := "QUEUED"
	status := models.OrderStatusPaid
	if dispatchResult.Dispatched {
		dispatch = "SENT"
		status = models.OrderStatusDispensing
	}

	err = s.persistEventOutcome(ctx, paymentID, models.PaymentEvent{
		Status:           "PROCESSED",
		Reason:           dispatchResult.Reason,
		ProviderQRCodeID: qrCodeID,
		MachineID:        machineID,
		OrderID:          orderID,
		Dispatch:         dispatch,
		AmountPaise:      amountPaise,
	})
	if err != nil {
		s.logger.Error("Failed to persist payment event outcome",
			zap.String("payment_id", paymentID), zap.Error(err))
	}

	middleware.RecordWebhookEvent("processed")
	s.logger.Info("Webhook payment admitted",
		zap.String("payment_id", paymentID),
		zap.String("machine_id", machineID),
		zap.String("order_id", orderID),
		zap.String("dispatch", dispatch),
	)

	return &WebhookResult{
		OK:        true,
		PaymentID: paymentID,
		MachineID: machineID,
		OrderID:   orderID,
		Status:    string(status),
		Dispatch:  dispatch,
	}, nil
}

// rejectEvent records a permanently invalid event and acknowledges it as
// ignored so the provider does not retry into a storm.
func (s *Service) rejectEvent(ctx context.Context, paymentID, reason, qrCodeID string, amountPaise int64) (*WebhookResult, error) {
	err := s.persistEventOutcome(ctx, paymentID, models.PaymentEvent{
		Status:           "REJECTED",
		Reason:           reason,
		ProviderQRCodeID: qrCodeID,
		Dispatch:         "NOT_SENT",
		AmountPaise:      amountPaise,
	})
	if err != nil {
		s.logger.Error("Failed to persist rejected payment event",
			zap.String("payment_id", paymentID), zap.Error(err))
	}

	middleware.RecordWebhookEvent("rejected")
	s.logger.Warn("Webhook payment rejected",
		zap.String("payment_id", paymentID), zap.String("reason", reason))

	return &WebhookResult{OK: true, Ignored: true, Reason: reason, PaymentID: paymentID}, nil
}

func (s *Service) persistEventOutcome(ctx context.Context, paymentID string, outcome models.PaymentEvent) error {
	ts := nowMs()
	return s.store.Update(ctx, store.PaymentEventPath(paymentID), map[string]any{
		"status":           outcome.Status,
		"reason":           outcome.Reason,
		"providerQrCodeId": outcome.ProviderQRCodeID,
		"machineId":        outcome.MachineID,
		"orderId":          outcome.OrderID,
		"dispatch":         outcome.Dispatch,
		"amountPaise":      outcome.AmountPaise,
		"processedAt":      ts,
		"updatedAt":        ts,
	})
}

func extractEntities(payload *webhookPayload) (paymentID, qrCodeID string, amountPaise int64, razorpayOrderID string) {
	if payment := payload.Payload.Payment.Entity; payment != nil {
		paymentID = payment.ID
		amountPaise = payment.Amount
		razorpayOrderID = payment.OrderID
		qrCodeID = payment.Notes["qr_code_id"]
	}
	if qr := payload.Payload.QRCode.Entity; qr != nil && qr.ID != "" {
		qrCodeID = qr.ID
	}
	return paymentID, qrCodeID, amountPaise, razorpayOrderID
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
