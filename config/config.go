package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port          string
	PublicBaseURL string
	WebDir        string

	// UPIScannerMode enables the asynchronous QR payment flow and with it the
	// webhook admission path.
	UPIScannerMode bool

	OrderAmountINR   int64
	OrderAmountPaise int64
	OrderCurrency    string

	RazorpayKeyID         string
	RazorpayKeySecret     string
	RazorpayWebhookSecret string
	RazorpayBaseURL       string

	MachineSharedToken string
	MachineTokens      map[string]string

	HeartbeatTimeout       time.Duration
	HeartbeatCheckInterval time.Duration

	StoreBackend string // "redis" or "postgres"

	RedisHost     string
	RedisPort     string
	RedisPassword string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	KafkaBroker string
	KafkaTopic  string
}

func Load() (*Config, error) {
	amountINR, err := getEnvInt64("ORDER_AMOUNT_INR", 20)
	if err != nil {
		return nil, err
	}

	scannerMode, err := getEnvBool("UPI_SCANNER_MODE", true)
	if err != nil {
		return nil, err
	}

	tokens, err := getEnvJSONMap("MACHINE_TOKENS_JSON")
	if err != nil {
		return nil, err
	}

	heartbeatTimeoutMs, err := getEnvInt64("MACHINE_HEARTBEAT_TIMEOUT_MS", 30000)
	if err != nil {
		return nil, err
	}

	heartbeatCheckMs, err := getEnvInt64("MACHINE_HEARTBEAT_CHECK_MS", 5000)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:           getEnv("PORT", "3000"),
		WebDir:         getEnv("WEB_DIR", "web"),
		UPIScannerMode: scannerMode,

		OrderAmountINR:   amountINR,
		OrderAmountPaise: amountINR * 100,
		OrderCurrency:    getEnv("ORDER_CURRENCY", "INR"),

		RazorpayKeyID:         os.Getenv("RAZORPAY_KEY_ID"),
		RazorpayKeySecret:     os.Getenv("RAZORPAY_KEY_SECRET"),
		RazorpayWebhookSecret: os.Getenv("RAZORPAY_WEBHOOK_SECRET"),
		// Empty means the SDK's own endpoint; set only to point at a stub.
		RazorpayBaseURL: os.Getenv("RAZORPAY_BASE_URL"),

		MachineSharedToken: getEnv("MACHINE_SHARED_TOKEN", "dev-machine-token"),
		MachineTokens:      tokens,

		HeartbeatTimeout:       time.Duration(heartbeatTimeoutMs) * time.Millisecond,
		HeartbeatCheckInterval: time.Duration(heartbeatCheckMs) * time.Millisecond,

		StoreBackend: getEnv("STORE_BACKEND", "redis"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "vendingdb"),

		KafkaBroker: getEnv("KAFKA_BROKER", "localhost:9092"),
		KafkaTopic:  getEnv("KAFKA_TOPIC", "vending_order_events"),
	}

	cfg.PublicBaseURL = getEnv("PUBLIC_BASE_URL", "http://localhost:"+cfg.Port)

	if cfg.RazorpayKeyID == "" {
		return nil, fmt.Errorf("missing required env var: RAZORPAY_KEY_ID")
	}
	if cfg.RazorpayKeySecret == "" {
		return nil, fmt.Errorf("missing required env var: RAZORPAY_KEY_SECRET")
	}
	if cfg.UPIScannerMode && cfg.RazorpayWebhookSecret == "" {
		return nil, fmt.Errorf("missing required env var: RAZORPAY_WEBHOOK_SECRET")
	}

	if cfg.StoreBackend != "redis" && cfg.StoreBackend != "postgres" {
		return nil, fmt.Errorf("invalid STORE_BACKEND %q: must be redis or postgres", cfg.StoreBackend)
	}

	return cfg, nil
}

// MachineToken returns the expected token for a machine, falling back to the
// shared default when no per-machine token is configured.
func (c *Config) MachineToken(machineID string) string {
	if token, ok := c.MachineTokens[machineID]; ok {
		return token
	}
	return c.MachineSharedToken
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) (int64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}

	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number in %s: %w", key, err)
	}
	return parsed, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}

	switch value {
	case "true", "1", "yes":
		return true, nil
	case "false", "0", "no":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean in %s: %q", key, value)
}

func getEnvJSONMap(key string) (map[string]string, error) {
	value := os.Getenv(key)
	if value == "" {
		return map[string]string{}, nil
	}

	var parsed map[string]string
	if err := json.Unmarshal([]byte(value), &parsed); err != nil {
		return nil, fmt.Errorf("invalid JSON in %s: %w", key, err)
	}
	return parsed, nil
}
