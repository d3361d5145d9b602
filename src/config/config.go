package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/username/cryptotaxreports/src/models"
)

const defaultTokenSecret = "change-me-download-token-secret-at-least-32-bytes"

type AppConfig struct {
	Port               string
	DatabasePath       string
	LogLevel           string
	ArtifactDir        string
	MaxUploadSizeBytes int64
	PublicBaseURL      string
	AllowedOrigins     []string
	RequestsPerSecond  float64
	RequestBurst       int

	DownloadTokenSecret []byte
	DownloadTokenExpiry time.Duration

	GenerationTimeout  time.Duration
	WatchdogInterval   time.Duration
	StreamPollInterval time.Duration

	ReportTimezone  string
	ReportCurrency  string
	CostBasisMethod models.CostBasisMethod
	ShortfallPolicy models.ShortfallPolicy

	PriceAPIBaseURL string
	PriceAPIKey     string
	PriceJSONPath   string
	PriceCacheTTL   time.Duration
	PriceAssetIDs   map[string]string

	EtherscanAPIURL   string
	PolygonscanAPIURL string
	BscscanAPIURL     string
	ExplorerAPIKey    string
	EsploraAPIURL     string

	ExchangeAPIBaseURL      string
	ExchangeTradesPath      string
	ExchangeRecordsJSONPath string
	ExchangeCursorJSONPath  string

	OAuthTokenURL     string
	OAuthClientID     string
	OAuthClientSecret string
	OAuthAPIBaseURL   string

	UpstreamRPS      float64
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration

	// Notifications
	EmailServiceProvider string // "mailgun" or "mock"
	MailgunDomain        string
	MailgunPrivateAPIKey string
	SenderEmail          string
	SenderName           string
}

var Cfg *AppConfig

func LoadConfig() {
	errEnv := godotenv.Load()
	if errEnv != nil {
		log.Println("Info: No .env file found or error loading .env file. Relying on OS environment variables and defaults. Error (if any):", errEnv)
	} else {
		log.Println(".env file loaded successfully.")
	}

	log.Println("Loading application configuration...")

	tokenSecret := getEnv("DOWNLOAD_TOKEN_SECRET", defaultTokenSecret)
	if tokenSecret == defaultTokenSecret {
		log.Println("WARNING: Using default insecure DOWNLOAD_TOKEN_SECRET. Set DOWNLOAD_TOKEN_SECRET for production.")
	}
	if len(tokenSecret) < 32 {
		log.Fatalf("FATAL: DOWNLOAD_TOKEN_SECRET must be at least 32 bytes long. Current length: %d", len(tokenSecret))
	}

	method, err := models.ParseCostBasisMethod(getEnv("COST_BASIS_METHOD", "fifo"))
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}
	policy, err := models.ParseShortfallPolicy(getEnv("SHORTFALL_POLICY", "zero-cost"))
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}
	tz := getEnv("REPORT_TIMEZONE", "Europe/Madrid")
	if _, err := time.LoadLocation(tz); err != nil {
		log.Fatalf("FATAL: REPORT_TIMEZONE %q is not a valid IANA zone: %v", tz, err)
	}

	maxUploadSizeBytesStr := getEnv("MAX_UPLOAD_SIZE_BYTES", "10485760")
	maxUploadSizeBytes, err := strconv.ParseInt(maxUploadSizeBytesStr, 10, 64)
	if err != nil {
		log.Printf("WARNING: Invalid MAX_UPLOAD_SIZE_BYTES format '%s'. Using default 10MB. Error: %v", maxUploadSizeBytesStr, err)
		maxUploadSizeBytes = 10 * 1024 * 1024
	}

	rpsStr := getEnv("UPSTREAM_RPS", "5")
	rps, err := strconv.ParseFloat(rpsStr, 64)
	if err != nil || rps <= 0 {
		log.Printf("WARNING: Invalid UPSTREAM_RPS '%s'. Using default 5.", rpsStr)
		rps = 5
	}

	reqRateStr := getEnv("REQUESTS_PER_SECOND", "10")
	reqRate, err := strconv.ParseFloat(reqRateStr, 64)
	if err != nil || reqRate <= 0 {
		log.Printf("WARNING: Invalid REQUESTS_PER_SECOND '%s'. Using default 10.", reqRateStr)
		reqRate = 10
	}

	Cfg = &AppConfig{
		Port:               getEnv("PORT", "8080"),
		DatabasePath:       getEnv("DATABASE_PATH", "./reports.db"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		ArtifactDir:        getEnv("ARTIFACT_DIR", "./artifacts"),
		MaxUploadSizeBytes: maxUploadSizeBytes,
		PublicBaseURL:      strings.TrimRight(getEnv("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
		AllowedOrigins:     splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:3000")),
		RequestsPerSecond:  reqRate,
		RequestBurst:       getEnvAsInt("REQUEST_BURST", 30),

		DownloadTokenSecret: []byte(tokenSecret),
		DownloadTokenExpiry: getEnvAsDuration("DOWNLOAD_TOKEN_EXPIRY", 15*time.Minute),

		GenerationTimeout:  getEnvAsDuration("GENERATION_TIMEOUT", 5*time.Minute),
		WatchdogInterval:   getEnvAsDuration("WATCHDOG_INTERVAL", 30*time.Second),
		StreamPollInterval: getEnvAsDuration("STREAM_POLL_INTERVAL", time.Second),

		ReportTimezone:  tz,
		ReportCurrency:  strings.ToUpper(getEnv("REPORT_CURRENCY", "EUR")),
		CostBasisMethod: method,
		ShortfallPolicy: policy,

		PriceAPIBaseURL: getEnv("PRICE_API_BASE_URL", "https://api.coingecko.com/api/v3"),
		PriceAPIKey:     getEnv("PRICE_API_KEY", ""),
		PriceJSONPath:   getEnv("PRICE_JSON_PATH", "$.market_data.current_price.eur"),
		PriceCacheTTL:   getEnvAsDuration("PRICE_CACHE_TTL", 24*time.Hour),
		PriceAssetIDs:   parseAssetIDs(getEnv("PRICE_ASSET_IDS", "BTC=bitcoin,ETH=ethereum,MATIC=matic-network,POL=matic-network,BNB=binancecoin,SOL=solana,ADA=cardano,USDT=tether,USDC=usd-coin")),

		EtherscanAPIURL:   getEnv("ETHERSCAN_API_URL", "https://api.etherscan.io/api"),
		PolygonscanAPIURL: getEnv("POLYGONSCAN_API_URL", "https://api.polygonscan.com/api"),
		BscscanAPIURL:     getEnv("BSCSCAN_API_URL", "https://api.bscscan.com/api"),
		ExplorerAPIKey:    getEnv("EXPLORER_API_KEY", ""),
		EsploraAPIURL:     getEnv("ESPLORA_API_URL", "https://blockstream.info/api"),

		ExchangeAPIBaseURL:      getEnv("EXCHANGE_API_BASE_URL", ""),
		ExchangeTradesPath:      getEnv("EXCHANGE_TRADES_PATH", "/api/v1/trades"),
		ExchangeRecordsJSONPath: getEnv("EXCHANGE_RECORDS_JSONPATH", "$.data"),
		ExchangeCursorJSONPath:  getEnv("EXCHANGE_CURSOR_JSONPATH", "$.next_cursor"),

		OAuthTokenURL:     getEnv("OAUTH_TOKEN_URL", ""),
		OAuthClientID:     getEnv("OAUTH_CLIENT_ID", ""),
		OAuthClientSecret: getEnv("OAUTH_CLIENT_SECRET", ""),
		OAuthAPIBaseURL:   getEnv("OAUTH_API_BASE_URL", ""),

		UpstreamRPS:      rps,
		RetryMaxAttempts: getEnvAsInt("RETRY_MAX_ATTEMPTS", 4),
		RetryBaseDelay:   getEnvAsDuration("RETRY_BASE_DELAY", 500*time.Millisecond),

		EmailServiceProvider: strings.ToLower(getEnv("EMAIL_SERVICE_PROVIDER", "mock")),
		MailgunDomain:        getEnv("MAILGUN_DOMAIN", ""),
		MailgunPrivateAPIKey: getEnv("MAILGUN_PRIVATE_API_KEY", ""),
		SenderEmail:          getEnv("SENDER_EMAIL", "noreply@example.com"),
		SenderName:           getEnv("SENDER_NAME", "Crypto Tax Reports"),
	}

	if Cfg.EmailServiceProvider == "mailgun" {
		if Cfg.MailgunDomain == "" {
			log.Fatalf("FATAL: MAILGUN_DOMAIN is required when EMAIL_SERVICE_PROVIDER is 'mailgun', but it's not set in environment or .env file.")
		}
		if Cfg.MailgunPrivateAPIKey == "" {
			log.Fatalf("FATAL: MAILGUN_PRIVATE_API_KEY is required when EMAIL_SERVICE_PROVIDER is 'mailgun', but it's not set in environment or .env file.")
		}
	}
	if Cfg.RetryMaxAttempts < 1 {
		log.Printf("WARNING: RETRY_MAX_ATTEMPTS must be >= 1, got %d. Using 1.", Cfg.RetryMaxAttempts)
		Cfg.RetryMaxAttempts = 1
	}

	log.Printf("Configuration loaded: Port=%s, LogLevel=%s, DBPath=%s, Method=%s, Shortfall=%s, Timezone=%s, EmailProvider=%s",
		Cfg.Port, Cfg.LogLevel, Cfg.DatabasePath, Cfg.CostBasisMethod, Cfg.ShortfallPolicy, Cfg.ReportTimezone, Cfg.EmailServiceProvider)
}

// Location returns the report time zone, falling back to UTC.
func (c *AppConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.ReportTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// parseAssetIDs reads "BTC=bitcoin,ETH=ethereum" into a symbol → provider id map.
func parseAssetIDs(s string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || k == "" || v == "" {
			continue
		}
		out[strings.ToUpper(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return out
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	log.Printf("Environment variable %s not set, using default: %s", key, fallback)
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	log.Printf("Invalid integer value for %s ('%s'), using default: %d", key, valueStr, fallback)
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	log.Printf("Invalid duration value for %s ('%s'), using default: %s", key, valueStr, fallback.String())
	return fallback
}
