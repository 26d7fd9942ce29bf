package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vending-svc/config"
	"vending-svc/gateway"
	"vending-svc/handlers"
	"vending-svc/kafka"
	"vending-svc/machines"
	"vending-svc/middleware"
	"vending-svc/orders"
	"vending-svc/payments"
	"vending-svc/store"
	"vending-svc/ws"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	// Initialize persisted store
	st, err := initStore(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize store", zap.Error(err))
	}
	defer st.Close()

	// Initialize Kafka producer
	producer, err := kafka.InitProducer(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize Kafka producer", zap.Error(err))
	}
	defer producer.Close()

	// Initialize OpenTelemetry
	shutdown, err := middleware.InitTracing("vending-svc")
	if err != nil {
		logger.Fatal("Failed to initialize tracing", zap.Error(err))
	}
	defer shutdown()

	// Wire services: the websocket hub carries machine channels, the
	// coordinator owns presence, the order service drives dispatch.
	hub := ws.NewHub(logger)
	coordinator := machines.NewCoordinator(cfg, st, hub, logger)
	gatewayClient := gateway.NewClient(cfg, logger)
	orderSvc := orders.NewService(cfg, st, coordinator, gatewayClient, producer, logger)
	paymentSvc := payments.NewService(cfg, st, orderSvc, coordinator, logger)
	wsHandler := ws.NewHandler(hub, coordinator, orderSvc, logger)
	handler := handlers.NewHandler(cfg, orderSvc, paymentSvc, coordinator, gatewayClient, logger)

	// Heartbeat staleness sweep
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	go coordinator.RunSweeper(sweepCtx)

	// Setup REST API with Gin
	router := gin.New()
	router.Use(gin.Recovery())
	// OpenTelemetry middleware must be first to extract trace context
	router.Use(otelgin.Middleware("vending-svc"))
	router.Use(middleware.LoggerMiddleware(logger))
	router.Use(middleware.MetricsMiddleware())

	router.GET("/health", handler.HealthCheck)
	router.GET("/metrics", middleware.PrometheusHandler())

	router.GET("/buy", handler.BuyPage)
	router.POST("/orders/create", handler.CreateOrder)
	router.POST("/payments/verify", handler.VerifyPayment)
	router.POST("/payments/webhook", handler.Webhook)
	router.GET("/machine/status", handler.MachineStatus)
	router.POST("/machines/qr", handler.ProvisionQR)

	router.GET("/ws/machine", wsHandler.Serve)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("Vending service started", zap.String("port", cfg.Port))

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	stopSweeper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

func initStore(cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	if cfg.StoreBackend == "postgres" {
		return store.InitPostgresStore(cfg, logger)
	}
	return store.InitRedisStore(cfg, logger)
}
