package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const EnvConfigFile = "SIGNALHUB_CONFIG_FILE"

const (
	defaultHTTPAddr        = ":8080"
	defaultDBDriver        = "sqlite"
	defaultDBDSN           = "signalhub.db"
	defaultRegistryBackend = "gorm"
	defaultRedisAddr       = "localhost:6379"
	defaultBlobBackend     = "dir"
	defaultBlobDir         = "signalhub-blobs"
	defaultEventMethod     = "ConnectionEvent"

	defaultStaleAge              = 5 * time.Minute
	defaultMaxConcurrentRequests = 10
	defaultRequestTimeout        = 300 * time.Second
	defaultSemaphoreTimeout      = 5 * time.Second
	defaultMaxDirectDataSize     = 10 * 1024
	defaultTempFolder            = "signalr-temp"
)

type Config struct {
	HTTPAddr string

	RegistryBackend string
	DBDriver        string
	DBDSN           string
	RedisAddr       string

	BlobBackend  string
	BlobDir      string
	BlobBaseURL  string
	BlobHTTPAddr string

	BroadcastConnectionEvents bool
	ConnectionEventMethod     string
	WebhookURLs               []string

	AutoPurgeOffline bool
	StaleAge         time.Duration
	TrackUserAgent   bool

	MaxConcurrentRequests int
	RequestTimeout        time.Duration
	SemaphoreTimeout      time.Duration

	MaxDirectDataSize   int
	TempFolder          string
	AutoDeleteTempFiles bool
}

func defaults() Config {
	return Config{
		HTTPAddr:                  defaultHTTPAddr,
		RegistryBackend:           defaultRegistryBackend,
		DBDriver:                  defaultDBDriver,
		DBDSN:                     defaultDBDSN,
		RedisAddr:                 defaultRedisAddr,
		BlobBackend:               defaultBlobBackend,
		BlobDir:                   defaultBlobDir,
		BroadcastConnectionEvents: true,
		ConnectionEventMethod:     defaultEventMethod,
		AutoPurgeOffline:          true,
		StaleAge:                  defaultStaleAge,
		TrackUserAgent:            true,
		MaxConcurrentRequests:     defaultMaxConcurrentRequests,
		RequestTimeout:            defaultRequestTimeout,
		SemaphoreTimeout:          defaultSemaphoreTimeout,
		MaxDirectDataSize:         defaultMaxDirectDataSize,
		TempFolder:                defaultTempFolder,
		AutoDeleteTempFiles:       true,
	}
}

type fileConfig struct {
	HTTPAddr string `yaml:"http_addr"`

	RegistryBackend string `yaml:"registry_backend"`
	DBDriver        string `yaml:"db_driver"`
	DBDSN           string `yaml:"db_dsn"`
	RedisAddr       string `yaml:"redis_addr"`

	BlobBackend  string `yaml:"blob_backend"`
	BlobDir      string `yaml:"blob_dir"`
	BlobBaseURL  string `yaml:"blob_base_url"`
	BlobHTTPAddr string `yaml:"blob_http_addr"`

	BroadcastConnectionEvents *bool    `yaml:"broadcast_connection_events"`
	ConnectionEventMethod     string   `yaml:"connection_event_method"`
	WebhookURLs               []string `yaml:"webhook_urls"`

	AutoPurgeOffline *bool  `yaml:"auto_purge_offline"`
	StaleAge         string `yaml:"stale_age"`
	TrackUserAgent   *bool  `yaml:"track_user_agent"`

	MaxConcurrentRequests *int   `yaml:"max_concurrent_requests"`
	RequestTimeout        string `yaml:"request_timeout"`
	SemaphoreTimeout      string `yaml:"semaphore_timeout"`

	MaxDirectDataSize   *int   `yaml:"max_direct_data_size"`
	TempFolder          string `yaml:"temp_folder"`
	AutoDeleteTempFiles *bool  `yaml:"auto_delete_temp_files"`
}

// Load builds the configuration from defaults, the optional YAML file,
// and SIGNALHUB_* environment variables, in that order.
func Load() (Config, error) {
	cfg := defaults()

	path := strings.TrimSpace(os.Getenv(EnvConfigFile))
	if path != "" {
		if err := cfg.applyFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	setString(&c.HTTPAddr, fc.HTTPAddr)
	setString(&c.RegistryBackend, fc.RegistryBackend)
	setString(&c.DBDriver, fc.DBDriver)
	setString(&c.DBDSN, fc.DBDSN)
	setString(&c.RedisAddr, fc.RedisAddr)
	setString(&c.BlobBackend, fc.BlobBackend)
	setString(&c.BlobDir, fc.BlobDir)
	setString(&c.BlobBaseURL, fc.BlobBaseURL)
	setString(&c.BlobHTTPAddr, fc.BlobHTTPAddr)
	setString(&c.ConnectionEventMethod, fc.ConnectionEventMethod)
	setString(&c.TempFolder, fc.TempFolder)
	if len(fc.WebhookURLs) > 0 {
		c.WebhookURLs = fc.WebhookURLs
	}

	setBool(&c.BroadcastConnectionEvents, fc.BroadcastConnectionEvents)
	setBool(&c.AutoPurgeOffline, fc.AutoPurgeOffline)
	setBool(&c.TrackUserAgent, fc.TrackUserAgent)
	setBool(&c.AutoDeleteTempFiles, fc.AutoDeleteTempFiles)

	setInt(&c.MaxConcurrentRequests, fc.MaxConcurrentRequests)
	setInt(&c.MaxDirectDataSize, fc.MaxDirectDataSize)

	if err := setDuration(&c.StaleAge, fc.StaleAge, "stale_age"); err != nil {
		return err
	}
	if err := setDuration(&c.RequestTimeout, fc.RequestTimeout, "request_timeout"); err != nil {
		return err
	}
	if err := setDuration(&c.SemaphoreTimeout, fc.SemaphoreTimeout, "semaphore_timeout"); err != nil {
		return err
	}
	return nil
}

func (c *Config) applyEnv() {
	setString(&c.HTTPAddr, os.Getenv("SIGNALHUB_HTTP_ADDR"))
	setString(&c.RegistryBackend, os.Getenv("SIGNALHUB_REGISTRY_BACKEND"))
	setString(&c.DBDriver, os.Getenv("SIGNALHUB_DB_DRIVER"))
	setString(&c.DBDSN, os.Getenv("SIGNALHUB_DB_DSN"))
	setString(&c.RedisAddr, os.Getenv("SIGNALHUB_REDIS_ADDR"))
	setString(&c.BlobBackend, os.Getenv("SIGNALHUB_BLOB_BACKEND"))
	setString(&c.BlobDir, os.Getenv("SIGNALHUB_BLOB_DIR"))
	setString(&c.BlobBaseURL, os.Getenv("SIGNALHUB_BLOB_BASE_URL"))
	setString(&c.BlobHTTPAddr, os.Getenv("SIGNALHUB_BLOB_HTTP_ADDR"))
	setString(&c.ConnectionEventMethod, os.Getenv("SIGNALHUB_CONNECTION_EVENT_METHOD"))
	setString(&c.TempFolder, os.Getenv("SIGNALHUB_TEMP_FOLDER"))

	if raw := strings.TrimSpace(os.Getenv("SIGNALHUB_WEBHOOK_URLS")); raw != "" {
		var urls []string
		for _, candidate := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(candidate); trimmed != "" {
				urls = append(urls, trimmed)
			}
		}
		c.WebhookURLs = urls
	}

	c.BroadcastConnectionEvents = parseBoolEnv("SIGNALHUB_BROADCAST_CONNECTION_EVENTS", c.BroadcastConnectionEvents)
	c.AutoPurgeOffline = parseBoolEnv("SIGNALHUB_AUTO_PURGE_OFFLINE", c.AutoPurgeOffline)
	c.TrackUserAgent = parseBoolEnv("SIGNALHUB_TRACK_USER_AGENT", c.TrackUserAgent)
	c.AutoDeleteTempFiles = parseBoolEnv("SIGNALHUB_AUTO_DELETE_TEMP_FILES", c.AutoDeleteTempFiles)

	c.MaxConcurrentRequests = parseIntEnv("SIGNALHUB_MAX_CONCURRENT_REQUESTS", c.MaxConcurrentRequests)
	c.MaxDirectDataSize = parseIntEnv("SIGNALHUB_MAX_DIRECT_DATA_SIZE", c.MaxDirectDataSize)

	c.StaleAge = parseDurationEnv("SIGNALHUB_STALE_AGE", c.StaleAge)
	c.RequestTimeout = parseDurationEnv("SIGNALHUB_REQUEST_TIMEOUT", c.RequestTimeout)
	c.SemaphoreTimeout = parseDurationEnv("SIGNALHUB_SEMAPHORE_TIMEOUT", c.SemaphoreTimeout)
}

func (c Config) Validate() error {
	switch strings.ToLower(c.RegistryBackend) {
	case "gorm", "memory", "redis":
	default:
		return fmt.Errorf("unsupported registry backend %q", c.RegistryBackend)
	}
	switch strings.ToLower(c.BlobBackend) {
	case "dir", "http":
	default:
		return fmt.Errorf("unsupported blob backend %q", c.BlobBackend)
	}
	if strings.ToLower(c.BlobBackend) == "http" && strings.TrimSpace(c.BlobBaseURL) == "" {
		return fmt.Errorf("blob_base_url is required for the http blob backend")
	}
	if c.StaleAge <= 0 {
		return fmt.Errorf("stale_age must be positive")
	}
	if c.MaxConcurrentRequests <= 0 {
		return fmt.Errorf("max_concurrent_requests must be positive")
	}
	if c.RequestTimeout <= 0 || c.SemaphoreTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.MaxDirectDataSize <= 0 {
		return fmt.Errorf("max_direct_data_size must be positive")
	}
	if strings.TrimSpace(c.TempFolder) == "" {
		return fmt.Errorf("temp_folder is required")
	}
	return nil
}

func setString(dst *string, value string) {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		*dst = trimmed
	}
}

func setBool(dst *bool, value *bool) {
	if value != nil {
		*dst = *value
	}
}

func setInt(dst *int, value *int) {
	if value != nil {
		*dst = *value
	}
}

func setDuration(dst *time.Duration, raw, key string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = parsed
	return nil
}

func parseBoolEnv(key string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseIntEnv(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseDurationEnv(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
