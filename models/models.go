package models

type OrderStatus string

const (
	OrderStatusCreated    OrderStatus = "CREATED"
	OrderStatusPaid       OrderStatus = "PAID"
	OrderStatusDispensing OrderStatus = "DISPENSING"
	OrderStatusCompleted  OrderStatus = "COMPLETED"
	OrderStatusFailed     OrderStatus = "FAILED"
)

type MachineStatus string

const (
	MachineStatusOnline     MachineStatus = "ONLINE"
	MachineStatusOffline    MachineStatus = "OFFLINE"
	MachineStatusDispensing MachineStatus = "DISPENSING"
	MachineStatusIdle       MachineStatus = "IDLE"
)

// PaymentProfile binds a machine to the provider QR code provisioned for it.
type PaymentProfile struct {
	QRCodeID string `json:"qrCodeId"`
	QRImage  string `json:"qrImage,omitempty"`
}

type Machine struct {
	Status          MachineStatus   `json:"status"`
	LastSeenAt      int64           `json:"lastSeenAt"`
	SocketConnected bool            `json:"socketConnected"`
	PaymentProfile  *PaymentProfile `json:"paymentProfile,omitempty"`
}

type Order struct {
	MachineID         string      `json:"machineId"`
	Amount            int64       `json:"amount"`
	Currency          string      `json:"currency"`
	RazorpayOrderID   string      `json:"razorpayOrderId,omitempty"`
	RazorpayPaymentID string      `json:"razorpayPaymentId,omitempty"`
	Source            string      `json:"source"`
	Provider          string      `json:"provider"`
	ProviderPaymentID string      `json:"providerPaymentId,omitempty"`
	ProviderQRCodeID  string      `json:"providerQrCodeId,omitempty"`
	PaidAt            int64       `json:"paidAt,omitempty"`
	DispatchPending   bool        `json:"dispatchPending"`
	Status            OrderStatus `json:"status"`
	CreatedAt         int64       `json:"createdAt"`
	UpdatedAt         int64       `json:"updatedAt"`
	FailureCode       string      `json:"failureCode,omitempty"`
}

// PaymentEvent is the idempotency anchor for webhook delivery. Exactly one
// record exists per provider payment id; it is reserved atomically before any
// side effect runs.
type PaymentEvent struct {
	Status            string `json:"status"` // PROCESSING, PROCESSED, REJECTED
	Reason            string `json:"reason"`
	ProviderPaymentID string `json:"providerPaymentId"`
	ProviderQRCodeID  string `json:"providerQrCodeId,omitempty"`
	MachineID         string `json:"machineId,omitempty"`
	OrderID           string `json:"orderId,omitempty"`
	Dispatch          string `json:"dispatch"` // NOT_SENT, SENT, QUEUED
	AmountPaise       int64  `json:"amountPaise"`
	Event             string `json:"event,omitempty"`
	CreatedAt         int64  `json:"createdAt"`
	UpdatedAt         int64  `json:"updatedAt"`
	ProcessedAt       int64  `json:"processedAt,omitempty"`
}

type CreateOrderRequest struct {
	MachineID string `json:"machineId" binding:"required"`
}

type CreateOrderResponse struct {
	OrderID         string `json:"orderId"`
	MachineID       string `json:"machineId"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
	RazorpayOrderID string `json:"razorpayOrderId"`
	RazorpayKeyID   string `json:"razorpayKeyId"`
}

type VerifyPaymentRequest struct {
	OrderID           string `json:"orderId" binding:"required"`
	RazorpayOrderID   string `json:"razorpay_order_id" binding:"required"`
	RazorpayPaymentID string `json:"razorpay_payment_id" binding:"required"`
	RazorpaySignature string `json:"razorpay_signature" binding:"required"`
}

type VerifyPaymentResponse struct {
	OrderID  string      `json:"orderId"`
	Status   OrderStatus `json:"status"`
	Dispatch string      `json:"dispatch"` // SENT or PENDING
}

type ProvisionQRRequest struct {
	MachineID string `json:"machineId" binding:"required"`
}

type ProvisionQRResponse struct {
	MachineID string `json:"machineId"`
	QRCodeID  string `json:"qrCodeId"`
	QRImage   string `json:"qrImage,omitempty"`
}

// DispenseCommand is the coordinator→machine payload pushed over the
// realtime channel. No protocol-level ack is required; the machine reports
// the outcome with a done message.
type DispenseCommand struct {
	Type    string `json:"type"` // always "DISPENSE"
	OrderID string `json:"orderId"`
}

// OrderEvent is published to Kafka on every order lifecycle transition.
type OrderEvent struct {
	OrderID     string      `json:"order_id"`
	MachineID   string      `json:"machine_id"`
	Status      OrderStatus `json:"status"`
	AmountPaise int64       `json:"amount_paise"`
	EventType   string      `json:"event_type"` // order_created, order_paid, dispense_completed, dispense_failed
}
