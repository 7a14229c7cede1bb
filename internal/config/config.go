// -------------------------------------------------------------------------------
// Configuration - Yggdrasil Settings
//
// Project: Yggdrasil
//
// Configuration types and loader for the preservation service. Supports
// environment variable expansion in YAML values using ${VAR} syntax. Validates
// required fields and cross references (collections → pillars) before
// returning to catch misconfiguration early.
// -------------------------------------------------------------------------------

package config

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// -------------------------------------------------------------------------
// CONFIGURATION TYPES
// -------------------------------------------------------------------------

// Config holds the complete service configuration.
type Config struct {
	Server      ServerConfig       `yaml:"server"`
	Auth        AuthConfig         `yaml:"auth"`
	Logging     LoggingConfig      `yaml:"logging"`
	Store       StoreConfig        `yaml:"store"`
	Packaging   PackagingConfig    `yaml:"packaging"`
	Storage     StorageConfig      `yaml:"storage"`
	Pillars     []PillarConfig     `yaml:"pillars"`
	Collections []CollectionConfig `yaml:"collections"`
	Notifier    NotifierConfig     `yaml:"notifier"`
	Fetcher     FetcherConfig      `yaml:"fetcher"`
	Delivery    DeliveryConfig     `yaml:"delivery"`
	Transform   TransformConfig    `yaml:"transform"`
	Import      ImportConfig       `yaml:"import"`
	RateLimit   RateLimitConfig    `yaml:"rate_limit"`
	Telemetry   TelemetryConfig    `yaml:"telemetry"`
}

// ServerConfig holds HTTP ingress settings.
type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	QueueSize       int           `yaml:"queue_size"`        // Pending messages before 503 (default: 256)
	MaxRequestBytes int64         `yaml:"max_request_bytes"` // Max JSON body size (default: 16MB)
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`  // Graceful HTTP shutdown (default: 30s)
}

// AuthConfig holds the shared ingress token. Empty disables authentication.
type AuthConfig struct {
	Token string `yaml:"token"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error (default: info)
	Format string `yaml:"format"` // text or json (default: text)
}

// StoreConfig selects and configures the durable request-state store.
type StoreConfig struct {
	Driver         string               `yaml:"driver"` // "badger" or "postgres" (default: badger)
	Path           string               `yaml:"path"`   // Badger directory (default: data/state)
	Database       DatabaseConfig       `yaml:"database"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxConns        int32         `yaml:"max_conns"`         // Max pool connections (default: 10)
	MinConns        int32         `yaml:"min_conns"`         // Min idle connections (default: 1)
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"` // Max connection age (default: 5m)
}

// CircuitBreakerConfig holds settings for the durable store circuit breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"` // Consecutive failures before opening (default: 3)
	OpenTimeout      time.Duration `yaml:"open_timeout"`      // Delay before probing recovery (default: 15s)
}

// PackagingConfig controls batching of requests into containers.
type PackagingConfig struct {
	Dir              string        `yaml:"dir"`                 // Open containers (default: data/containers)
	MaxContainerSize int64         `yaml:"max_container_bytes"` // Flush once exceeded (default: 1GB)
	MaxContainerAge  time.Duration `yaml:"max_container_age"`   // Flush once exceeded (default: 1h)
	SweepInterval    time.Duration `yaml:"sweep_interval"`      // Age check period (default: 1m)
	Gzip             bool          `yaml:"gzip"`                // Write .warc.gz containers
	GzipLevel        int           `yaml:"gzip_level"`          // 1-9 (default: 6)
}

// StorageConfig holds settings shared by all pillars.
type StorageConfig struct {
	StagingDir    string        `yaml:"staging_dir"`    // Upload staging (default: data/staging)
	FetchDir      string        `yaml:"fetch_dir"`      // Retrieved containers (default: data/fetch)
	PillarTimeout time.Duration `yaml:"pillar_timeout"` // Per-pillar operation timeout (default: 5m)
}

// PillarConfig describes one independent storage contributor.
type PillarConfig struct {
	Name            string `yaml:"name"`              // Identifier for quorum, metrics and tracing
	Type            string `yaml:"type"`              // "s3" or "minio" (default: s3)
	Endpoint        string `yaml:"endpoint"`          // S3-compatible endpoint URL
	Region          string `yaml:"region"`            // Region or equivalent
	Bucket          string `yaml:"bucket"`            // Target bucket name
	AccessKeyID     string `yaml:"access_key_id"`     // Access key ID
	SecretAccessKey string `yaml:"secret_access_key"` // Secret access key
	ForcePathStyle  bool   `yaml:"force_path_style"`  // Use path-style URLs
}

// CollectionConfig maps a collection to its pillars.
type CollectionConfig struct {
	ID                string   `yaml:"id"`
	Description       string   `yaml:"description"`
	Pillars           []string `yaml:"pillars"`
	ToleratedFailures int      `yaml:"tolerated_failures"` // Pillar failures an upload survives
}

// NotifierConfig points at the remote lifecycle notification endpoint. An
// empty URL logs notifications instead of sending them.
type NotifierConfig struct {
	URL     string        `yaml:"url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"` // default: 10s
}

// FetcherConfig controls downloads of referenced content.
type FetcherConfig struct {
	Dir      string        `yaml:"dir"`       // Downloaded content (default: data/content)
	Timeout  time.Duration `yaml:"timeout"`   // default: 10m
	MaxBytes int64         `yaml:"max_bytes"` // 0 = unlimited
}

// DeliveryConfig controls uploads of extracted records to callers.
type DeliveryConfig struct {
	Timeout time.Duration `yaml:"timeout"` // default: 10m
}

// TransformConfig controls the XSLT metadata transformer.
type TransformConfig struct {
	XSLTProc    string            `yaml:"xsltproc"`    // Binary path (default: xsltproc)
	XMLLint     string            `yaml:"xmllint"`     // Binary path (default: xmllint)
	WorkDir     string            `yaml:"work_dir"`    // Transformed metadata (default: data/metadata)
	Timeout     time.Duration     `yaml:"timeout"`     // default: 1m
	Stylesheets map[string]string `yaml:"stylesheets"` // model -> .xsl path
	Schemas     map[string]string `yaml:"schemas"`     // model -> .xsd path, optional
	ContentType string            `yaml:"content_type"`
}

// ImportConfig controls the import (retrieval) flow.
type ImportConfig struct {
	Dir string `yaml:"dir"` // Extracted payloads (default: data/import)
}

// RateLimitConfig holds per-IP rate limiting settings. Disabled by default.
type RateLimitConfig struct {
	Enabled        bool    `yaml:"enabled"`
	RequestsPerSec float64 `yaml:"requests_per_sec"` // Token refill rate (default: 100)
	Burst          int     `yaml:"burst"`            // Max burst size (default: 200)

	// TrustForwardedFor keys clients by the first X-Forwarded-For address.
	// Only enable behind a proxy that overwrites the header.
	TrustForwardedFor bool `yaml:"trust_forwarded_for"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`
	SampleRate float64 `yaml:"sample_rate"`
	Insecure   bool    `yaml:"insecure"` // Use insecure connection (no TLS)

	ServiceName string            `yaml:"service_name"` // default: yggdrasil
	Headers     map[string]string `yaml:"headers"`      // sent with every export, e.g. collector auth
}

// -------------------------------------------------------------------------
// CONFIGURATION LOADER
// -------------------------------------------------------------------------

// LoadConfig reads and parses the configuration file with environment variable
// expansion. Returns an error if the file cannot be read, parsed, or validated.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse expands environment variables in data, decodes it and validates the
// result.
func Parse(data []byte) (*Config, error) {
	// --- Expand environment variables ---
	expanded := os.Expand(string(data), func(key string) string {
		return os.Getenv(key)
	})

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.SetDefaultsAndValidate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// -------------------------------------------------------------------------
// VALIDATION
// -------------------------------------------------------------------------

// SetDefaultsAndValidate applies default values for optional fields and checks
// that all required configuration values are present.
func (c *Config) SetDefaultsAndValidate() error {
	var errors []string

	// --- Server ---
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.QueueSize == 0 {
		c.Server.QueueSize = 256
	}
	if c.Server.QueueSize < 0 {
		errors = append(errors, "server.queue_size must be positive")
	}
	if c.Server.MaxRequestBytes == 0 {
		c.Server.MaxRequestBytes = 16 * 1024 * 1024
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}

	// --- Logging ---
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errors = append(errors, fmt.Sprintf("logging.level '%s' must be debug, info, warn or error", c.Logging.Level))
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		errors = append(errors, "logging.format must be 'text' or 'json'")
	}

	// --- Durable store ---
	if c.Store.Driver == "" {
		c.Store.Driver = "badger"
	}
	switch c.Store.Driver {
	case "badger":
		if c.Store.Path == "" {
			c.Store.Path = "data/state"
		}
	case "postgres":
		errors = append(errors, c.Store.Database.setDefaultsAndValidate()...)
	default:
		errors = append(errors, "store.driver must be 'badger' or 'postgres'")
	}
	if c.Store.CircuitBreaker.FailureThreshold == 0 {
		c.Store.CircuitBreaker.FailureThreshold = 3
	}
	if c.Store.CircuitBreaker.OpenTimeout == 0 {
		c.Store.CircuitBreaker.OpenTimeout = 15 * time.Second
	}

	// --- Packaging ---
	if c.Packaging.Dir == "" {
		c.Packaging.Dir = "data/containers"
	}
	if c.Packaging.MaxContainerSize == 0 {
		c.Packaging.MaxContainerSize = 1024 * 1024 * 1024 // 1 GB
	}
	if c.Packaging.MaxContainerSize < 0 {
		errors = append(errors, "packaging.max_container_bytes must be positive")
	}
	if c.Packaging.MaxContainerAge == 0 {
		c.Packaging.MaxContainerAge = time.Hour
	}
	if c.Packaging.MaxContainerAge < 0 {
		errors = append(errors, "packaging.max_container_age must be positive")
	}
	if c.Packaging.SweepInterval == 0 {
		c.Packaging.SweepInterval = time.Minute
	}
	if c.Packaging.SweepInterval < 0 {
		errors = append(errors, "packaging.sweep_interval must be positive")
	}
	if c.Packaging.GzipLevel == 0 {
		c.Packaging.GzipLevel = 6
	}
	if c.Packaging.GzipLevel < 1 || c.Packaging.GzipLevel > 9 {
		errors = append(errors, "packaging.gzip_level must be between 1 and 9")
	}

	// --- Storage ---
	if c.Storage.StagingDir == "" {
		c.Storage.StagingDir = "data/staging"
	}
	if c.Storage.FetchDir == "" {
		c.Storage.FetchDir = "data/fetch"
	}
	if c.Storage.PillarTimeout == 0 {
		c.Storage.PillarTimeout = 5 * time.Minute
	}

	// --- Pillars ---
	if len(c.Pillars) == 0 {
		errors = append(errors, "at least one pillar is required")
	}
	pillarNames := make(map[string]bool)
	for i := range c.Pillars {
		p := &c.Pillars[i]
		prefix := fmt.Sprintf("pillars[%d]", i)

		if p.Name == "" {
			p.Name = fmt.Sprintf("pillar-%d", i)
		}
		if pillarNames[p.Name] {
			errors = append(errors, fmt.Sprintf("%s: duplicate pillar name '%s'", prefix, p.Name))
		}
		pillarNames[p.Name] = true

		if p.Type == "" {
			p.Type = "s3"
		}
		if p.Type != "s3" && p.Type != "minio" {
			errors = append(errors, fmt.Sprintf("%s: type must be 's3' or 'minio'", prefix))
		}
		if p.Endpoint == "" {
			errors = append(errors, fmt.Sprintf("%s: endpoint is required", prefix))
		}
		if p.Bucket == "" {
			errors = append(errors, fmt.Sprintf("%s: bucket is required", prefix))
		}
		if p.AccessKeyID == "" {
			errors = append(errors, fmt.Sprintf("%s: access_key_id is required", prefix))
		}
		if p.SecretAccessKey == "" {
			errors = append(errors, fmt.Sprintf("%s: secret_access_key is required", prefix))
		}
		if p.Region == "" {
			p.Region = "us-east-1"
		}
	}

	// --- Collections ---
	if len(c.Collections) == 0 {
		errors = append(errors, "at least one collection is required")
	}
	collectionIDs := make(map[string]bool)
	for i := range c.Collections {
		col := &c.Collections[i]
		prefix := fmt.Sprintf("collections[%d]", i)

		if col.ID == "" {
			errors = append(errors, fmt.Sprintf("%s: id is required", prefix))
		}
		if collectionIDs[col.ID] {
			errors = append(errors, fmt.Sprintf("%s: duplicate collection id '%s'", prefix, col.ID))
		}
		collectionIDs[col.ID] = true

		if len(col.Pillars) == 0 {
			errors = append(errors, fmt.Sprintf("%s: at least one pillar is required", prefix))
		}
		for _, name := range col.Pillars {
			if !pillarNames[name] {
				errors = append(errors, fmt.Sprintf("%s: unknown pillar '%s'", prefix, name))
			}
		}
		if col.ToleratedFailures < 0 {
			errors = append(errors, fmt.Sprintf("%s: tolerated_failures must not be negative", prefix))
		}
		if len(col.Pillars) > 0 && col.ToleratedFailures >= len(col.Pillars) {
			errors = append(errors, fmt.Sprintf(
				"%s: tolerated_failures (%d) must be less than the number of pillars (%d)",
				prefix, col.ToleratedFailures, len(col.Pillars)))
		}
	}

	// --- Remote collaborators ---
	if c.Notifier.URL != "" {
		if _, err := url.ParseRequestURI(c.Notifier.URL); err != nil {
			errors = append(errors, fmt.Sprintf("notifier.url is invalid: %v", err))
		}
	}
	if c.Notifier.Timeout == 0 {
		c.Notifier.Timeout = 10 * time.Second
	}
	if c.Fetcher.Dir == "" {
		c.Fetcher.Dir = "data/content"
	}
	if c.Fetcher.Timeout == 0 {
		c.Fetcher.Timeout = 10 * time.Minute
	}
	if c.Delivery.Timeout == 0 {
		c.Delivery.Timeout = 10 * time.Minute
	}

	// --- Transform ---
	if c.Transform.XSLTProc == "" {
		c.Transform.XSLTProc = "xsltproc"
	}
	if c.Transform.XMLLint == "" {
		c.Transform.XMLLint = "xmllint"
	}
	if c.Transform.WorkDir == "" {
		c.Transform.WorkDir = "data/metadata"
	}
	if c.Transform.Timeout == 0 {
		c.Transform.Timeout = time.Minute
	}
	if c.Transform.ContentType == "" {
		c.Transform.ContentType = "text/xml"
	}

	// --- Import ---
	if c.Import.Dir == "" {
		c.Import.Dir = "data/import"
	}

	// --- Rate limit defaults ---
	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerSec == 0 {
			c.RateLimit.RequestsPerSec = 100
		}
		if c.RateLimit.Burst == 0 {
			c.RateLimit.Burst = 200
		}
		if c.RateLimit.RequestsPerSec <= 0 {
			errors = append(errors, "rate_limit.requests_per_sec must be positive")
		}
		if c.RateLimit.Burst <= 0 {
			errors = append(errors, "rate_limit.burst must be positive")
		}
	}

	// --- Telemetry defaults ---
	if c.Telemetry.Metrics.Path == "" {
		c.Telemetry.Metrics.Path = "/metrics"
	}
	if c.Telemetry.Tracing.ServiceName == "" {
		c.Telemetry.Tracing.ServiceName = "yggdrasil"
	}
	if c.Telemetry.Tracing.SampleRate == 0 && c.Telemetry.Tracing.Enabled {
		c.Telemetry.Tracing.SampleRate = 1.0
	}
	if c.Telemetry.Tracing.Enabled && c.Telemetry.Tracing.Endpoint == "" {
		errors = append(errors, "telemetry.tracing.endpoint is required when tracing is enabled")
	}

	if len(errors) > 0 {
		return fmt.Errorf("%s", strings.Join(errors, "; "))
	}
	return nil
}

func (d *DatabaseConfig) setDefaultsAndValidate() []string {
	var errors []string
	if d.Host == "" {
		errors = append(errors, "store.database.host is required")
	}
	if d.Database == "" {
		errors = append(errors, "store.database.database is required")
	}
	if d.User == "" {
		errors = append(errors, "store.database.user is required")
	}
	if d.Port == 0 {
		d.Port = 5432
	}
	if d.SSLMode == "" {
		d.SSLMode = "disable"
	}
	if d.MaxConns == 0 {
		d.MaxConns = 10
	}
	if d.MinConns == 0 {
		d.MinConns = 1
	}
	if d.MaxConnLifetime == 0 {
		d.MaxConnLifetime = 5 * time.Minute
	}
	return errors
}

// ConnectionString returns a PostgreSQL connection URI with properly escaped
// credentials, safe for passwords containing special characters.
func (d *DatabaseConfig) ConnectionString() string {
	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:     d.Database,
		RawQuery: fmt.Sprintf("sslmode=%s", url.QueryEscape(d.SSLMode)),
	}
	return u.String()
}

// -------------------------------------------------------------------------
// LOOKUPS
// -------------------------------------------------------------------------

// Collection returns the configuration for id.
func (c *Config) Collection(id string) (CollectionConfig, bool) {
	for _, col := range c.Collections {
		if col.ID == id {
			return col, true
		}
	}
	return CollectionConfig{}, false
}

// CollectionIDs returns all configured collection ids sorted.
func (c *Config) CollectionIDs() []string {
	ids := make([]string, 0, len(c.Collections))
	for _, col := range c.Collections {
		ids = append(ids, col.ID)
	}
	sort.Strings(ids)
	return ids
}
