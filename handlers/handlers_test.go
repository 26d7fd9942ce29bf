package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"

	"vending-svc/config"
	"vending-svc/gateway"
	"vending-svc/machines"
	"vending-svc/models"
	"vending-svc/orders"
	"vending-svc/payments"
	"vending-svc/store"
)

// fakeProvider answers both the order-creation and QR-provisioning calls the
// handlers reach the payment provider for.
type fakeProvider struct {
	failQR bool
}

func (f *fakeProvider) CreateOrder(ctx context.Context, req gateway.OrderRequest) (*gateway.Order, error) {
	return &gateway.Order{ID: "order_RZP1", Amount: req.AmountPaise, Currency: req.Currency, Status: "created"}, nil
}

func (f *fakeProvider) CreateQRCode(ctx context.Context, machineID string, amountPaise int64) (*gateway.QRCode, error) {
	if f.failQR {
		return nil, models.NewAppError(http.StatusBadGateway, "RAZORPAY_QR_CREATE_FAILED", "Unable to create Razorpay QR code")
	}
	return &gateway.QRCode{ID: "qr_" + machineID, ImageURL: "https://rzp.io/qr/" + machineID + ".png"}, nil
}

type noopSender struct{}

func (noopSender) Send(channelID string, payload any) error { return nil }

type testEnv struct {
	router      *gin.Engine
	coordinator *machines.Coordinator
	store       store.Store
	provider    *fakeProvider
}

func newTestEnv(t *testing.T) *testEnv {
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		UPIScannerMode:        true,
		OrderAmountINR:        20,
		OrderAmountPaise:      2000,
		OrderCurrency:         "INR",
		RazorpayKeyID:         "rzp_test_key",
		RazorpayKeySecret:     "test-key-secret",
		RazorpayWebhookSecret: "test-webhook-secret",
		MachineSharedToken:    "dev-machine-token",
		HeartbeatTimeout:      30 * time.Second,
		StoreBackend:          "redis",
		WebDir:                "../web",
	}

	st := store.NewMemoryStore()
	logger := zaptest.NewLogger(t)
	coordinator := machines.NewCoordinator(cfg, st, noopSender{}, logger)
	provider := &fakeProvider{}
	orderSvc := orders.NewService(cfg, st, coordinator, provider, nil, logger)
	paymentSvc := payments.NewService(cfg, st, orderSvc, coordinator, logger)

	h := NewHandler(cfg, orderSvc, paymentSvc, coordinator, provider, logger)

	router := gin.New()
	router.GET("/health", h.HealthCheck)
	router.GET("/machine/status", h.MachineStatus)
	router.POST("/orders/create", h.CreateOrder)
	router.POST("/payments/verify", h.VerifyPayment)
	router.POST("/payments/webhook", h.Webhook)
	router.POST("/machines/qr", h.ProvisionQR)

	return &testEnv{router: router, coordinator: coordinator, store: st, provider: provider}
}

func (e *testEnv) postJSON(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	return body
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody(t, w)
	errObj, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error envelope, got %s", w.Body.String())
	}
	code, _ := errObj["code"].(string)
	return code
}

func TestHealthCheck(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["ok"] != true {
		t.Errorf("expected ok true, got %v", body["ok"])
	}
	if body["storeBackend"] != "redis" {
		t.Errorf("expected store backend in body, got %v", body["storeBackend"])
	}
}

func TestCreateOrderEndpoint(t *testing.T) {
	env := newTestEnv(t)
	if err := env.coordinator.HandleConnect(context.Background(), "M01", "chan-1"); err != nil {
		t.Fatal(err)
	}

	w := env.postJSON(t, "/orders/create", models.CreateOrderRequest{MachineID: "M01"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	body := decodeBody(t, w)
	if body["machineId"] != "M01" || body["razorpayOrderId"] != "order_RZP1" {
		t.Errorf("unexpected response: %v", body)
	}
	if body["razorpayKeyId"] != "rzp_test_key" {
		t.Errorf("expected public key id, got %v", body["razorpayKeyId"])
	}
}

func TestCreateOrderEndpoint_MissingBody(t *testing.T) {
	env := newTestEnv(t)

	w := env.postJSON(t, "/orders/create", map[string]string{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if code := errorCode(t, w); code != "INVALID_REQUEST" {
		t.Errorf("unexpected code %q", code)
	}
}

func TestCreateOrderEndpoint_OfflineMachine(t *testing.T) {
	env := newTestEnv(t)

	w := env.postJSON(t, "/orders/create", models.CreateOrderRequest{MachineID: "M01"})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
	if code := errorCode(t, w); code != "MACHINE_OFFLINE" {
		t.Errorf("unexpected code %q", code)
	}
}

func TestVerifyPaymentEndpoint_InvalidSignature(t *testing.T) {
	env := newTestEnv(t)
	err := env.store.Set(context.Background(), store.OrderPath("ORD_A"), models.Order{
		MachineID:       "M01",
		RazorpayOrderID: "order_RZP1",
		Status:          models.OrderStatusCreated,
	})
	if err != nil {
		t.Fatal(err)
	}

	w := env.postJSON(t, "/payments/verify", models.VerifyPaymentRequest{
		OrderID:           "ORD_A",
		RazorpayOrderID:   "order_RZP1",
		RazorpayPaymentID: "pay_1",
		RazorpaySignature: "deadbeef",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if code := errorCode(t, w); code != "INVALID_SIGNATURE" {
		t.Errorf("unexpected code %q", code)
	}
}

func TestWebhookEndpoint_RejectsBadSignature(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/payments/webhook", bytes.NewReader([]byte(`{"event":"qr_code.credited"}`)))
	req.Header.Set("X-Razorpay-Signature", "not-a-signature")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if code := errorCode(t, w); code != "INVALID_WEBHOOK_SIGNATURE" {
		t.Errorf("unexpected code %q", code)
	}
}

func TestMachineStatusEndpoint(t *testing.T) {
	env := newTestEnv(t)
	if err := env.coordinator.HandleConnect(context.Background(), "M01", "chan-1"); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/machine/status?machineId=M01", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["online"] != true {
		t.Errorf("expected online true, got %v", body["online"])
	}
	machine, ok := body["machine"].(map[string]any)
	if !ok || machine["status"] != "ONLINE" {
		t.Errorf("unexpected machine body: %v", body["machine"])
	}
}

func TestMachineStatusEndpoint_NeverConnected(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/machine/status?machineId=M99", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if code := errorCode(t, w); code != "MACHINE_NOT_FOUND" {
		t.Errorf("unexpected code %q", code)
	}
}

func TestMachineStatusEndpoint_InvalidID(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/machine/status?machineId=bad+id", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestProvisionQREndpoint(t *testing.T) {
	env := newTestEnv(t)

	w := env.postJSON(t, "/machines/qr", models.ProvisionQRRequest{MachineID: "M01"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	body := decodeBody(t, w)
	if body["qrCodeId"] != "qr_M01" {
		t.Errorf("unexpected response: %v", body)
	}

	// The webhook resolution mapping is persisted alongside the profile.
	machineID, err := env.coordinator.MachineIDByQRCode(context.Background(), "qr_M01")
	if err != nil {
		t.Fatal(err)
	}
	if machineID != "M01" {
		t.Errorf("expected qr binding to M01, got %q", machineID)
	}
}

func TestProvisionQREndpoint_ProviderFailure(t *testing.T) {
	env := newTestEnv(t)
	env.provider.failQR = true

	w := env.postJSON(t, "/machines/qr", models.ProvisionQRRequest{MachineID: "M01"})
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
	if code := errorCode(t, w); code != "RAZORPAY_QR_CREATE_FAILED" {
		t.Errorf("unexpected code %q", code)
	}
}
