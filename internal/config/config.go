// Package config provides configuration management for anivault using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort      = 8080
	defaultServerTimeout   = 30 * time.Second
	defaultRequestTimeout  = 90 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxIdleTime = 30 * time.Minute

	defaultMALThrottle = 400 * time.Millisecond
	defaultMALTimeout  = 10 * time.Second

	defaultPhashThreshold   = 5
	defaultTitleSimilarity  = 0.85
	defaultEpisodeTolerance = 2
	defaultPhashBits        = 256

	defaultScrapeCacheTTL = 20 * time.Minute
	defaultScrapeTimeout  = 30 * time.Second
	defaultScrapeRetries  = 3

	defaultImageTimeout    = 15 * time.Second
	defaultResolverTimeout = 20 * time.Second

	defaultWebhookTimeout = 5 * time.Second

	defaultWorkerPollInterval  = 10 * time.Second
	defaultWorkerClaimBatch    = 5
	defaultWorkerMaxConcurrent = 2
	defaultWorkerStaleAfter    = 2 * time.Hour
	defaultWorkerMinFreeBytes  = 2 << 30 // 2GB
	defaultWorkerPort          = 7860
)

// Config holds all configuration for the application.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	MAL      MALConfig      `mapstructure:"mal"`
	Matching MatchingConfig `mapstructure:"matching"`
	Scrape   ScrapeConfig   `mapstructure:"scrape"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Proxy    ProxyConfig    `mapstructure:"proxy"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Storage  StorageConfig  `mapstructure:"storage"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	BaseURL         string        `mapstructure:"base_url"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// MALConfig holds Jikan (MyAnimeList) client configuration.
type MALConfig struct {
	BaseURL string `mapstructure:"base_url"`
	// Throttle is the minimum gap between consecutive Jikan requests.
	// All callers across the process share the same throttle slot.
	Throttle time.Duration `mapstructure:"throttle"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// MatchingConfig holds the thresholds used by the mapping resolver.
type MatchingConfig struct {
	// PhashThreshold is the Hamming distance below which two perceptual
	// hashes are treated as the same poster.
	PhashThreshold int `mapstructure:"phash_threshold"`
	// TitleSimilarity is the minimum normalized Levenshtein similarity
	// for a title match.
	TitleSimilarity float64 `mapstructure:"title_similarity"`
	// EpisodeTolerance is the allowed absolute difference between provider
	// and MAL episode counts (simulcast/late-upload skew).
	EpisodeTolerance int `mapstructure:"episode_tolerance"`
	// PhashBits is the size of the block hash in bits.
	PhashBits int `mapstructure:"phash_bits"`
}

// ScrapeConfig holds provider scraping configuration.
type ScrapeConfig struct {
	CacheTTL        time.Duration `mapstructure:"cache_ttl"`
	Timeout         time.Duration `mapstructure:"timeout"`
	RetryAttempts   int           `mapstructure:"retry_attempts"`
	ImageTimeout    time.Duration `mapstructure:"image_timeout"`
	ResolverTimeout time.Duration `mapstructure:"resolver_timeout"`
}

// ArchiveConfig holds the settings shared between the API and the
// archival worker: the webhook target and the obfuscation salt.
type ArchiveConfig struct {
	// WorkerBaseURL is the base URL of the archival worker process.
	WorkerBaseURL string `mapstructure:"worker_base_url"`
	// Salt authenticates the webhook and derives obfuscated file keys.
	Salt           string        `mapstructure:"salt"`
	WebhookTimeout time.Duration `mapstructure:"webhook_timeout"`
}

// ProxyConfig holds stream proxy configuration.
type ProxyConfig struct {
	// BaseURL is the externally reachable base of the stream proxy,
	// used when constructing stream URLs handed to clients.
	BaseURL         string        `mapstructure:"base_url"`
	UpstreamTimeout time.Duration `mapstructure:"upstream_timeout"`
}

// WorkerConfig holds archival worker configuration.
type WorkerConfig struct {
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	ClaimBatch    int           `mapstructure:"claim_batch"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	TempDir       string        `mapstructure:"temp_dir"`
	// StaleAfter is how long a job may sit in downloading/uploading before
	// startup recovery resets it to pending.
	StaleAfter time.Duration `mapstructure:"stale_after"`
	// MinFreeBytes aborts a job early when the temp volume has less
	// free space than this.
	MinFreeBytes int64  `mapstructure:"min_free_bytes"`
	FFmpegPath   string `mapstructure:"ffmpeg_path"`
	// APIBaseURL is the base URL of the API process, used to invalidate
	// its scrape cache after an archive lands.
	APIBaseURL string `mapstructure:"api_base_url"`
}

// StorageAccount is one durable-storage account. Accounts are symmetric;
// every archived file is pushed to all of them for redundancy.
type StorageAccount struct {
	Username string `mapstructure:"username"`
	Token    string `mapstructure:"token"`
}

// StorageConfig holds durable object-store configuration.
type StorageConfig struct {
	// Endpoint is the base URL of the dataset-repo storage API.
	Endpoint string `mapstructure:"endpoint"`
	// Namespace prefixes every repository name.
	Namespace string           `mapstructure:"namespace"`
	Accounts  []StorageAccount `mapstructure:"accounts"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with ANIVAULT_ and use underscores
// for nesting. Example: ANIVAULT_SERVER_PORT=8080.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/anivault")
		v.AddConfigPath("$HOME/.anivault")
	}

	v.SetEnvPrefix("ANIVAULT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults
// are in place.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.base_url", "")
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	// Write timeout must absorb a cold-start enrichment (scrape + resolve
	// across all providers), which can take tens of seconds.
	v.SetDefault("server.write_timeout", defaultRequestTimeout+defaultServerTimeout)
	v.SetDefault("server.request_timeout", defaultRequestTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "anivault.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// MAL defaults
	v.SetDefault("mal.base_url", "https://api.jikan.moe/v4")
	v.SetDefault("mal.throttle", defaultMALThrottle)
	v.SetDefault("mal.timeout", defaultMALTimeout)

	// Matching defaults
	v.SetDefault("matching.phash_threshold", defaultPhashThreshold)
	v.SetDefault("matching.title_similarity", defaultTitleSimilarity)
	v.SetDefault("matching.episode_tolerance", defaultEpisodeTolerance)
	v.SetDefault("matching.phash_bits", defaultPhashBits)

	// Scrape defaults
	v.SetDefault("scrape.cache_ttl", defaultScrapeCacheTTL)
	v.SetDefault("scrape.timeout", defaultScrapeTimeout)
	v.SetDefault("scrape.retry_attempts", defaultScrapeRetries)
	v.SetDefault("scrape.image_timeout", defaultImageTimeout)
	v.SetDefault("scrape.resolver_timeout", defaultResolverTimeout)

	// Archive defaults
	v.SetDefault("archive.worker_base_url", "")
	v.SetDefault("archive.salt", "")
	v.SetDefault("archive.webhook_timeout", defaultWebhookTimeout)

	// Proxy defaults
	v.SetDefault("proxy.base_url", "")
	v.SetDefault("proxy.upstream_timeout", defaultServerTimeout)

	// Worker defaults
	v.SetDefault("worker.host", "0.0.0.0")
	v.SetDefault("worker.port", defaultWorkerPort)
	v.SetDefault("worker.poll_interval", defaultWorkerPollInterval)
	v.SetDefault("worker.claim_batch", defaultWorkerClaimBatch)
	v.SetDefault("worker.max_concurrent", defaultWorkerMaxConcurrent)
	v.SetDefault("worker.temp_dir", "")
	v.SetDefault("worker.stale_after", defaultWorkerStaleAfter)
	v.SetDefault("worker.min_free_bytes", defaultWorkerMinFreeBytes)
	v.SetDefault("worker.ffmpeg_path", "ffmpeg")
	v.SetDefault("worker.api_base_url", "")

	// Storage defaults
	v.SetDefault("storage.endpoint", "https://huggingface.co")
	v.SetDefault("storage.namespace", "anivault")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.MAL.Throttle < 0 {
		return fmt.Errorf("mal.throttle must not be negative")
	}
	if c.Matching.PhashThreshold < 1 {
		return fmt.Errorf("matching.phash_threshold must be at least 1")
	}
	if c.Matching.TitleSimilarity <= 0 || c.Matching.TitleSimilarity > 1 {
		return fmt.Errorf("matching.title_similarity must be in (0, 1]")
	}
	if c.Matching.PhashBits != defaultPhashBits {
		return fmt.Errorf("matching.phash_bits must be %d", defaultPhashBits)
	}
	if c.Scrape.CacheTTL <= 0 {
		return fmt.Errorf("scrape.cache_ttl must be positive")
	}
	if c.Worker.ClaimBatch < 2 {
		return fmt.Errorf("worker.claim_batch must be at least 2")
	}
	if c.Worker.MaxConcurrent < 1 {
		return fmt.Errorf("worker.max_concurrent must be at least 1")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Address returns the worker address in host:port format.
func (c *WorkerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ValidAccounts returns the accounts that have both a username and a token.
func (c *StorageConfig) ValidAccounts() []StorageAccount {
	out := make([]StorageAccount, 0, len(c.Accounts))
	for _, a := range c.Accounts {
		if a.Username != "" && a.Token != "" {
			out = append(out, a)
		}
	}
	return out
}
