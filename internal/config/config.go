package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
)

// Config is the immutable process configuration, built once at startup from
// the environment. Defaults follow the deployment docs; anything secret has
// no fallback.
type Config struct {
	// Node RPC
	RPCHost     string
	RPCPort     int
	RPCUser     string
	RPCPassword string
	RPCTimeout  time.Duration

	// ZMQ feeds
	ZMQRawTx     string
	ZMQHashBlock string

	// Store
	MongoURL      string
	MongoDatabase string

	// REST surface
	APIHost            string
	APIPort            int
	RequireAPIKey      bool
	APIKey             string
	APIRateLimitPerMin int
	AllowedOrigins     string

	// Network
	Network string // mainnet | testnet

	// Confirmation tracking
	ArchiveThreshold      int64
	ConfirmationBatchSize int
	RPCConcurrency        int

	// Historical backfill
	MaxHistoryPerAddress int
	WOCURL               string
	WOCAPIKey            string
	WOCRateLimit         time.Duration

	// Intake
	MaxTxSizeBytes int

	// Webhooks
	EnableWebhooks     bool
	WebhookBatchSize   int
	WebhookInterval    time.Duration
	WebhookTimeout     time.Duration
	WebhookMaxRetries  int
	WebhookCleanupDays int
}

// FromEnv reads the full configuration from the environment. It returns an
// error for invalid combinations (fatal at startup).
func FromEnv() (*Config, error) {
	cfg := &Config{
		RPCHost:     getEnvOrDefault("SVNODE_RPC_HOST", "localhost"),
		RPCPort:     getEnvInt("SVNODE_RPC_PORT", 8332),
		RPCUser:     os.Getenv("SVNODE_RPC_USER"),
		RPCPassword: os.Getenv("SVNODE_RPC_PASSWORD"),
		RPCTimeout:  5 * time.Second,

		ZMQRawTx:     getEnvOrDefault("SVNODE_ZMQ_RAWTX", "tcp://127.0.0.1:28332"),
		ZMQHashBlock: getEnvOrDefault("SVNODE_ZMQ_HASHBLOCK", "tcp://127.0.0.1:28333"),

		MongoURL:      getEnvOrDefault("MONGODB_URL", "mongodb://localhost:27017"),
		MongoDatabase: getEnvOrDefault("MONGODB_DB", "bsv_monitor"),

		APIHost:            getEnvOrDefault("API_HOST", "0.0.0.0"),
		APIPort:            getEnvInt("API_PORT", 3000),
		RequireAPIKey:      getEnvBool("REQUIRE_API_KEY", false),
		APIKey:             os.Getenv("API_KEY"),
		APIRateLimitPerMin: getEnvInt("API_RATE_LIMIT_PER_MIN", 0),
		AllowedOrigins:     getEnvOrDefault("ALLOWED_ORIGINS", "*"),

		Network: getEnvOrDefault("BSV_NETWORK", "mainnet"),

		ArchiveThreshold:      int64(getEnvInt("AUTO_ARCHIVE_AFTER", 144)),
		ConfirmationBatchSize: getEnvInt("CONFIRMATION_BATCH_SIZE", 100),
		RPCConcurrency:        getEnvInt("RPC_CONCURRENCY", 4),

		MaxHistoryPerAddress: getEnvInt("MAX_HISTORY_PER_ADDRESS", 500),
		WOCURL:               getEnvOrDefault("WOC_URL", "https://api.whatsonchain.com/v1/bsv/main"),
		WOCAPIKey:            os.Getenv("WOC_API_KEY"),
		WOCRateLimit:         time.Duration(getEnvInt("WOC_RATE_LIMIT_MS", 1000)) * time.Millisecond,

		MaxTxSizeBytes: getEnvInt("MAX_TX_SIZE_BYTES", 4*1024*1024),

		EnableWebhooks:     getEnvBool("ENABLE_WEBHOOKS", true),
		WebhookBatchSize:   getEnvInt("WEBHOOK_BATCH_SIZE", 10),
		WebhookInterval:    time.Duration(getEnvInt("WEBHOOK_PROCESSING_INTERVAL", 5000)) * time.Millisecond,
		WebhookTimeout:     time.Duration(getEnvInt("WEBHOOK_TIMEOUT", 10000)) * time.Millisecond,
		WebhookMaxRetries:  getEnvInt("WEBHOOK_MAX_RETRIES", 5),
		WebhookCleanupDays: getEnvInt("WEBHOOK_CLEANUP_DAYS", 7),
	}

	if cfg.RequireAPIKey && cfg.APIKey == "" {
		return nil, fmt.Errorf("REQUIRE_API_KEY is true but API_KEY is not set")
	}
	if cfg.Network != "mainnet" && cfg.Network != "testnet" {
		return nil, fmt.Errorf("BSV_NETWORK must be mainnet or testnet, got %q", cfg.Network)
	}
	if cfg.ArchiveThreshold < 1 {
		return nil, fmt.Errorf("AUTO_ARCHIVE_AFTER must be >= 1")
	}
	return cfg, nil
}

// ChainParams maps the configured network to its address version bytes.
// Only the pay-to-pubkey-hash prefix matters here; BSV shares it with BTC.
func (c *Config) ChainParams() *chaincfg.Params {
	if c.Network == "testnet" {
		return &chaincfg.TestNet3Params
	}
	return &chaincfg.MainNetParams
}

// RPCURL builds the node's JSON-RPC endpoint.
func (c *Config) RPCURL() string {
	return fmt.Sprintf("http://%s:%d", c.RPCHost, c.RPCPort)
}

func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return fallback
}
