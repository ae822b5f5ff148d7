package config

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"
)

// Config holds all application configuration values for the audio cache proxy.
// Values are sourced from environment variables so the same binary runs unchanged
// in a container, a serverless runtime, or on a developer machine.
type Config struct {
	ListenAddr     string // Address the HTTP surface binds to
	APISecret      string // Shared secret required on every API request
	BaseURL        string // Base URL for the application (used in logs and links)
	PublicDomain   string // Public domain serving cached artifacts (CDN or bucket website)
	StoreEndpoint  string // S3-compatible object store endpoint (host:port)
	StoreAccessKey string // Object store access key
	StoreSecretKey string // Object store secret key
	StoreBucket    string // Bucket holding artifacts and system state
	StoreUseSSL    bool   // Whether to talk TLS to the object store

	ExtractorProxy   string        // Optional outbound proxy URL for the extraction tool
	ExtractTimeout   time.Duration // Per-strategy extraction tool timeout
	MaxAttempts      int           // Cap on extraction strategies tried per video
	ScratchDir       string        // Working directory for extraction output
	LedgerPath       string        // SQLite ledger file for extraction failures
	RelayPort        int           // Fixed loopback port for the streaming relay
	PrefetchInterval time.Duration // How often the prefetch scheduler scans channel feeds
	PrefetchDepth    int           // Most-recent feed entries inspected per channel
	WorkerThreads    int           // Worker pool size for background tasks
	CheckCacheTTL    time.Duration // TTL for server-side existence-check results
	ObfuscateUrls    bool          // Obfuscate URLs in logs
	LogLevel         string        // DEBUG, INFO, WARN or ERROR
}

var (
	configCache *Config      // Cached configuration instance (singleton)
	configMutex sync.RWMutex // Mutex for safe concurrent access to configCache
)

// LoadConfig loads the configuration from the environment or returns the cached
// instance. Uses double-checked locking to avoid redundant reloads, then runs a
// validation pass that fills in safe defaults for anything missing or invalid.
func LoadConfig() *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	// Double-check under write lock
	if configCache != nil {
		return configCache
	}

	config := loadFromEnv()
	validateAndSetDefaults(config)
	configCache = config

	return config
}

// ClearConfigCache resets the configCache to nil.
// Forces a reload on the next LoadConfig() call.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}

// loadFromEnv reads every recognized option from the environment.
func loadFromEnv() *Config {
	return &Config{
		ListenAddr:       envString("LISTEN_ADDR", ""),
		APISecret:        envString("API_SECRET", ""),
		BaseURL:          envString("BASE_URL", ""),
		PublicDomain:     envString("PUBLIC_DOMAIN", ""),
		StoreEndpoint:    envString("STORE_ENDPOINT", ""),
		StoreAccessKey:   envString("STORE_ACCESS_KEY", ""),
		StoreSecretKey:   envString("STORE_SECRET_KEY", ""),
		StoreBucket:      envString("STORE_BUCKET", ""),
		StoreUseSSL:      envBool("STORE_USE_SSL", true),
		ExtractorProxy:   envString("EXTRACTOR_PROXY", ""),
		ExtractTimeout:   envDuration("EXTRACT_TIMEOUT", 0),
		MaxAttempts:      envInt("MAX_ATTEMPTS", 0),
		ScratchDir:       envString("SCRATCH_DIR", ""),
		LedgerPath:       envString("LEDGER_PATH", ""),
		RelayPort:        envInt("RELAY_PORT", 0),
		PrefetchInterval: envDuration("PREFETCH_INTERVAL", 0),
		PrefetchDepth:    envInt("PREFETCH_DEPTH", 0),
		WorkerThreads:    envInt("WORKER_THREADS", 0),
		CheckCacheTTL:    envDuration("CHECK_CACHE_TTL", 0),
		ObfuscateUrls:    envBool("OBFUSCATE_URLS", false),
		LogLevel:         envString("LOG_LEVEL", ""),
	}
}

// validateAndSetDefaults ensures all config values are valid,
// filling in defaults for missing/invalid ones.
func validateAndSetDefaults(config *Config) {
	if config.ListenAddr == "" {
		config.ListenAddr = ":8080"
	}
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:8080"
	}
	if config.PublicDomain == "" && config.StoreEndpoint != "" {
		config.PublicDomain = fmt.Sprintf("%s/%s", config.StoreEndpoint, config.StoreBucket)
	}
	if config.ExtractTimeout <= 0 {
		config.ExtractTimeout = 90 * time.Second
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 6
	}
	if config.ScratchDir == "" {
		config.ScratchDir = os.TempDir()
	}
	if config.LedgerPath == "" {
		config.LedgerPath = "/settings/extraction-ledger.db"
	}
	if config.RelayPort <= 0 {
		config.RelayPort = 17771
	}
	if config.PrefetchInterval <= 0 {
		config.PrefetchInterval = 6 * time.Hour
	}
	if config.PrefetchDepth <= 0 {
		config.PrefetchDepth = 5
	}
	if config.WorkerThreads <= 0 {
		config.WorkerThreads = 4
	}
	if config.CheckCacheTTL <= 0 {
		config.CheckCacheTTL = 5 * time.Minute
	}
	if config.LogLevel == "" {
		config.LogLevel = "INFO"
	}
}

// envString returns the named environment variable or a fallback when unset.
func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envInt parses the named environment variable as an integer,
// returning the fallback on absence or parse failure.
func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// envBool parses the named environment variable as a boolean,
// returning the fallback on absence or parse failure.
func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// envDuration parses the named environment variable as a duration string
// (e.g. "90s", "6h"), returning the fallback on absence or parse failure.
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
