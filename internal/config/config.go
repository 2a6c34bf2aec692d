package config

import (
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

type Config struct {
	Host    string
	Port    string
	GinMode string

	// Registry database
	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxIdleTime int // in minutes
	DBConnMaxLifetime int // in minutes

	// Upstream session
	CredentialsFile string
	UpstreamWSURL   string
	UpstreamRoom    string
	UpstreamOrigin  string
	AuthRefreshURL  string
	EventQueueSize  int

	// Enrichment
	SocialAPIKey    string
	SocialAPIURL    string
	UnitPriceURL    string
	DevTokensCount  int // K: tokens used for the ATH average
	EnrichWorkers   int

	// Endpoint replicas (loaded from the endpoints file).
	Endpoints *EndpointsConfig `yaml:"endpoints"`

	// Audit log retention
	AuditRetentionDays int

	// Audit worker pool
	AuditWorkerPoolSize int
	AuditBufferSize     int
	AuditTimeoutSeconds int

	// Stats snapshots
	StatsIntervalSeconds int

	// Optional NATS firehose
	NatsURL     string
	NatsSubject string

	// Server
	ServerShutdownTimeoutSeconds int

	// Logging
	LogLevel  string
	LogFormat string
}

// EndpointsConfig describes the primary and replica base URLs for the
// enrichment endpoints. Replica order is the fallback launch order.
type EndpointsConfig struct {
	DevHistory EndpointGroup `yaml:"dev_history"`
	PairChart  EndpointGroup `yaml:"pair_chart"`
}

type EndpointGroup struct {
	Primary  string   `yaml:"primary"`
	Replicas []string `yaml:"replicas"`
}

var (
	AppConfig *Config

	DefaultStatsInterval = 300 * time.Second
)

// defaultEndpoints mirrors the replica sets the upstream venue actually runs.
func defaultEndpoints() *EndpointsConfig {
	return &EndpointsConfig{
		DevHistory: EndpointGroup{
			Primary: "https://api3.axiom.trade/dev-tokens-v2",
			Replicas: []string{
				"https://api7.axiom.trade/dev-tokens-v2",
				"https://api9.axiom.trade/dev-tokens-v2",
				"https://api6.axiom.trade/dev-tokens-v2",
				"https://api8.axiom.trade/dev-tokens-v2",
				"https://api10.axiom.trade/dev-tokens-v2",
			},
		},
		PairChart: EndpointGroup{
			Primary: "https://api.axiom.trade/pair-chart",
			Replicas: []string{
				"https://api3.axiom.trade/pair-chart",
				"https://api7.axiom.trade/pair-chart",
				"https://api9.axiom.trade/pair-chart",
			},
		},
	}
}

func LoadConfig() {
	// Load .env file if it exists
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	AppConfig = &Config{
		Host:    getEnvOrDefault("HOST", "0.0.0.0"),
		Port:    getEnvOrDefault("PORT", "8765"),
		GinMode: getEnvOrDefault("GIN_MODE", "release"),

		// Database
		DatabaseURL:       getEnvOrDefault("DATABASE_URL", "postgres://localhost/tokenstream?sslmode=disable"),
		DBMaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 15),
		DBMaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxIdleTime: getEnvAsInt("DB_CONN_MAX_IDLE_TIME_MINUTES", 1),
		DBConnMaxLifetime: getEnvAsInt("DB_CONN_MAX_LIFETIME_MINUTES", 30),

		// Upstream
		CredentialsFile: getEnvOrDefault("CREDENTIALS_FILE", "auth_data.json"),
		UpstreamWSURL:   getEnvOrDefault("UPSTREAM_WS_URL", "wss://cluster9.axiom.trade/"),
		UpstreamRoom:    getEnvOrDefault("UPSTREAM_ROOM", "new_pairs"),
		UpstreamOrigin:  getEnvOrDefault("UPSTREAM_ORIGIN", "https://axiom.trade"),
		AuthRefreshURL:  getEnvOrDefault("AUTH_REFRESH_URL", "https://api10.axiom.trade/refresh-access-token"),
		EventQueueSize:  getEnvAsInt("EVENT_QUEUE_SIZE", 1000),

		// Enrichment
		SocialAPIKey:    getEnvOrDefault("SOCIAL_API_KEY", ""),
		SocialAPIURL:    getEnvOrDefault("SOCIAL_API_URL", "https://api.twitterapi.io"),
		UnitPriceURL:    getEnvOrDefault("UNIT_PRICE_URL", "https://api.coingecko.com/api/v3/simple/price?ids=solana&vs_currencies=usd"),
		DevTokensCount:  getEnvAsInt("DEV_TOKENS_COUNT", 10),
		EnrichWorkers:   getEnvAsInt("ENRICH_WORKERS", 50),

		// Audit retention
		AuditRetentionDays: getEnvAsInt("AUDIT_RETENTION_DAYS", 30),

		// Audit worker pool
		AuditWorkerPoolSize: getEnvAsInt("AUDIT_WORKER_POOL_SIZE", 10),
		AuditBufferSize:     getEnvAsInt("AUDIT_BUFFER_SIZE", 5000),
		AuditTimeoutSeconds: getEnvAsInt("AUDIT_TIMEOUT_SECONDS", 30),

		// Stats
		StatsIntervalSeconds: getEnvAsInt("STATS_INTERVAL_SECONDS", int(DefaultStatsInterval.Seconds())),

		// NATS
		NatsURL:     getEnvOrDefault("NATS_URL", ""),
		NatsSubject: getEnvOrDefault("NATS_SUBJECT", "tokens.enriched"),

		// Server
		ServerShutdownTimeoutSeconds: getEnvAsInt("SERVER_SHUTDOWN_TIMEOUT_SECONDS", 30),

		// Logging
		LogLevel:  getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "text"),
	}

	// Endpoint replicas come from a YAML file so operators can rotate
	// replicas without a rebuild. Falls back to the built-in sets.
	endpointsFilePath := getEnvOrDefault("ENDPOINTS_FILE", "endpoints.yaml")
	endpointsFile, err := os.Open(endpointsFilePath)
	if err != nil {
		log.Printf("No endpoints file at %s, using built-in endpoint sets", endpointsFilePath)
		AppConfig.Endpoints = defaultEndpoints()
	} else {
		defer endpointsFile.Close()
		if err := LoadEndpointsFile(endpointsFile, AppConfig); err != nil {
			log.Fatalf("Failed to load endpoints file: %v", err)
		}
	}

	if AppConfig.Endpoints.DevHistory.Primary == "" || AppConfig.Endpoints.PairChart.Primary == "" {
		log.Fatal("Endpoint configuration is missing primary URLs")
	}

	if AppConfig.SocialAPIKey == "" {
		log.Println("Warning: Social API key is missing. Please set SOCIAL_API_KEY environment variable.")
	}

	if AppConfig.NatsURL != "" {
		log.Println("NATS firehose enabled, subject:", AppConfig.NatsSubject)
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as int, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func LoadEndpointsFile(reader io.Reader, config *Config) error {
	decoder := yaml.NewDecoder(reader)

	var wrapper struct {
		Endpoints *EndpointsConfig `yaml:"endpoints"`
	}
	if err := decoder.Decode(&wrapper); err != nil {
		return err
	}

	if wrapper.Endpoints == nil {
		config.Endpoints = defaultEndpoints()
		return nil
	}

	config.Endpoints = wrapper.Endpoints
	return nil
}
