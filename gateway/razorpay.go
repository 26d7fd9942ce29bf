// Package gateway wraps the official Razorpay SDK. Only the two calls this
// service makes are exposed: order creation for the checkout flow and UPI QR
// provisioning for machines.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	razorpay "github.com/razorpay/razorpay-go"
	"go.uber.org/zap"

	"vending-svc/config"
	"vending-svc/models"
)

type Order struct {
	ID       string
	Amount   int64
	Currency string
	Status   string
}

type OrderRequest struct {
	AmountPaise int64
	Currency    string
	Receipt     string
	Notes       map[string]string
}

type QRCode struct {
	ID       string
	ImageURL string
}

type Client struct {
	api    *razorpay.Client
	logger *zap.Logger
}

func NewClient(cfg *config.Config, logger *zap.Logger) *Client {
	api := razorpay.NewClient(cfg.RazorpayKeyID, cfg.RazorpayKeySecret)
	api.SetTimeout(15)

	// RAZORPAY_BASE_URL redirects the SDK at a stub in tests; the resources
	// share one request object, setting both keeps that an implementation
	// detail of the SDK.
	if cfg.RazorpayBaseURL != "" {
		api.Order.Request.BaseURL = cfg.RazorpayBaseURL
		api.QrCode.Request.BaseURL = cfg.RazorpayBaseURL
	}

	return &Client{api: api, logger: logger}
}

// CreateOrder provisions a provider order for the checkout flow.
func (c *Client) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	data := map[string]interface{}{
		"amount":   req.AmountPaise,
		"currency": req.Currency,
		"receipt":  req.Receipt,
		"notes":    req.Notes,
	}

	body, err := c.api.Order.Create(data, nil)
	if err != nil {
		c.logger.Error("Razorpay order create failed", zap.Error(err))
		return nil, models.NewAppError(http.StatusBadGateway, "RAZORPAY_ORDER_CREATE_FAILED",
			providerMessage(err, "Unable to create Razorpay order"))
	}

	return &Order{
		ID:       stringField(body, "id"),
		Amount:   int64Field(body, "amount"),
		Currency: stringField(body, "currency"),
		Status:   stringField(body, "status"),
	}, nil
}

// CreateQRCode provisions a reusable fixed-amount UPI QR code bound to a
// machine.
func (c *Client) CreateQRCode(ctx context.Context, machineID string, amountPaise int64) (*QRCode, error) {
	data := map[string]interface{}{
		"type":           "upi_qr",
		"usage":          "multiple_use",
		"fixed_amount":   true,
		"payment_amount": amountPaise,
		"description":    "Vending machine " + machineID,
		"notes": map[string]interface{}{
			"machineId": machineID,
		},
	}

	body, err := c.api.QrCode.Create(data, nil)
	if err != nil {
		c.logger.Error("Razorpay QR create failed",
			zap.String("machine_id", machineID), zap.Error(err))
		return nil, models.NewAppError(http.StatusBadGateway, "RAZORPAY_QR_CREATE_FAILED",
			providerMessage(err, "Unable to create Razorpay QR code"))
	}

	return &QRCode{
		ID:       stringField(body, "id"),
		ImageURL: stringField(body, "image_url"),
	}, nil
}

// providerMessage surfaces the provider's human-readable description when the
// SDK error carries the raw error payload, falling back otherwise.
func providerMessage(err error, fallback string) string {
	var prov struct {
		Error struct {
			Description string `json:"description"`
		} `json:"error"`
	}
	if jerr := json.Unmarshal([]byte(err.Error()), &prov); jerr == nil && prov.Error.Description != "" {
		return prov.Error.Description
	}
	return fallback
}

func stringField(body map[string]interface{}, key string) string {
	value, _ := body[key].(string)
	return value
}

func int64Field(body map[string]interface{}, key string) int64 {
	value, _ := body[key].(float64)
	return int64(value)
}
