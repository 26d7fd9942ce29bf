package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"vending-svc/config"
	"vending-svc/gateway"
	"vending-svc/machines"
	"vending-svc/models"
	"vending-svc/orders"
	"vending-svc/payments"
)

type Handler struct {
	cfg      *config.Config
	orders   *orders.Service
	payments *payments.Service
	machines *machines.Coordinator
	gateway  QRProvisioner
	logger   *zap.Logger
}

// QRProvisioner is the slice of the gateway client the QR provisioning
// endpoint needs.
type QRProvisioner interface {
	CreateQRCode(ctx context.Context, machineID string, amountPaise int64) (*gateway.QRCode, error)
}

func NewHandler(cfg *config.Config, orderSvc *orders.Service, paymentSvc *payments.Service, coordinator *machines.Coordinator, gw QRProvisioner, logger *zap.Logger) *Handler {
	return &Handler{
		cfg:      cfg,
		orders:   orderSvc,
		payments: paymentSvc,
		machines: coordinator,
		gateway:  gw,
		logger:   logger,
	}
}

// ProvisionQR creates a fixed-amount UPI QR code for a machine and records
// the qr→machine binding the webhook path resolves against.
func (h *Handler) ProvisionQR(c *gin.Context) {
	ctx, span := otel.Tracer("vending-svc").Start(c.Request.Context(), "ProvisionQR")
	defer span.End()

	var req models.ProvisionQRRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("INVALID_REQUEST", "machineId is required"))
		return
	}

	if !models.IsValidMachineID(req.MachineID) {
		c.JSON(http.StatusBadRequest, errorBody("INVALID_MACHINE_ID", "machineId must be an alphanumeric id like M01"))
		return
	}

	span.SetAttributes(attribute.String("machine.id", req.MachineID))

	qr, err := h.gateway.CreateQRCode(ctx, req.MachineID, h.cfg.OrderAmountPaise)
	if err != nil {
		span.RecordError(err)
		h.respondError(c, err, "Failed to provision QR code")
		return
	}

	err = h.machines.SetPaymentProfile(ctx, req.MachineID, models.PaymentProfile{
		QRCodeID: qr.ID,
		QRImage:  qr.ImageURL,
	})
	if err != nil {
		span.RecordError(err)
		h.respondError(c, err, "Failed to persist QR binding")
		return
	}

	h.logger.Info("QR code provisioned",
		zap.String("machine_id", req.MachineID), zap.String("qr_code_id", qr.ID))
	c.JSON(http.StatusCreated, models.ProvisionQRResponse{
		MachineID: req.MachineID,
		QRCodeID:  qr.ID,
		QRImage:   qr.ImageURL,
	})
}

func (h *Handler) CreateOrder(c *gin.Context) {
	ctx, span := otel.Tracer("vending-svc").Start(c.Request.Context(), "CreateOrder")
	defer span.End()

	var req models.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("INVALID_REQUEST", "machineId is required"))
		return
	}

	span.SetAttributes(attribute.String("machine.id", req.MachineID))

	result, err := h.orders.CreateOrder(ctx, req.MachineID)
	if err != nil {
		span.RecordError(err)
		h.respondError(c, err, "Failed to create order")
		return
	}

	span.SetAttributes(attribute.String("order.id", result.OrderID))
	h.logger.Info("Order created",
		zap.String("order_id", result.OrderID), zap.String("machine_id", req.MachineID))
	c.JSON(http.StatusCreated, result)
}

func (h *Handler) VerifyPayment(c *gin.Context) {
	ctx, span := otel.Tracer("vending-svc").Start(c.Request.Context(), "VerifyPayment")
	defer span.End()

	var req models.VerifyPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("INVALID_REQUEST", err.Error()))
		return
	}

	span.SetAttributes(attribute.String("order.id", req.OrderID))

	result, err := h.payments.VerifyAndDispatch(ctx, req)
	if err != nil {
		span.RecordError(err)
		h.respondError(c, err, "Payment verification failed")
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *Handler) Webhook(c *gin.Context) {
	ctx, span := otel.Tracer("vending-svc").Start(c.Request.Context(), "Webhook")
	defer span.End()

	rawBody, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody("INVALID_REQUEST", "unable to read request body"))
		return
	}

	result, err := h.payments.ProcessWebhook(ctx, rawBody, c.GetHeader("X-Razorpay-Signature"))
	if err != nil {
		span.RecordError(err)
		h.respondError(c, err, "Webhook processing failed")
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *Handler) MachineStatus(c *gin.Context) {
	ctx, span := otel.Tracer("vending-svc").Start(c.Request.Context(), "MachineStatus")
	defer span.End()

	machineID := c.Query("machineId")
	if !models.IsValidMachineID(machineID) {
		c.JSON(http.StatusBadRequest, errorBody("INVALID_MACHINE_ID", "machineId must be an alphanumeric id like M01"))
		return
	}

	span.SetAttributes(attribute.String("machine.id", machineID))

	machine, found, err := h.machines.Machine(ctx, machineID)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to read machine", zap.String("machine_id", machineID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorBody("INTERNAL_ERROR", "Internal server error"))
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, errorBody("MACHINE_NOT_FOUND", "Machine has never connected"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"machineId": machineID,
		"machine":   machine,
		"online":    h.machines.IsOnline(ctx, machineID),
	})
}

// BuyPage serves the static checkout page after validating the machine id in
// the query string.
func (h *Handler) BuyPage(c *gin.Context) {
	machineID := c.Query("machineId")
	if !models.IsValidMachineID(machineID) {
		c.JSON(http.StatusBadRequest, errorBody("INVALID_MACHINE_ID", "machineId query param is required, for example /buy?machineId=M01"))
		return
	}

	c.File(filepath.Join(h.cfg.WebDir, "buy.html"))
}

func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ok":           true,
		"storeBackend": h.cfg.StoreBackend,
		"ts":           time.Now().UnixMilli(),
	})
}

func (h *Handler) respondError(c *gin.Context, err error, logMsg string) {
	var appErr *models.AppError
	if errors.As(err, &appErr) {
		c.JSON(appErr.Status, gin.H{"error": appErr})
		return
	}

	h.logger.Error(logMsg, zap.Error(err))
	c.JSON(http.StatusInternalServerError, errorBody("INTERNAL_ERROR", "Internal server error"))
}

func errorBody(code, message string) gin.H {
	return gin.H{"error": gin.H{"code": code, "message": message}}
}
