package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all relaycore configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Queue    QueueConfig    `yaml:"queue"`
	DKIM     DKIMConfig     `yaml:"dkim"`
	TLS      TLSConfig      `yaml:"tls"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Verify   VerifyConfig   `yaml:"verify"`
	Limits   LimitsConfig   `yaml:"limits"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds SMTP Receiver settings (spec §4.5/§6).
type ServerConfig struct {
	ListenAddress      string        `yaml:"listen_address"`
	Hostname           string        `yaml:"hostname"`
	Banner             string        `yaml:"banner"`
	ReadTimeout        time.Duration `yaml:"read_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	MaxRecipients      int           `yaml:"max_recipients"`
	MaxMessageBytes    int64         `yaml:"max_message_bytes"`
	MaxConnectionsTotal int          `yaml:"max_connections_total"`
	MaxConnectionsPerIP int          `yaml:"max_connections_per_ip"`
	PregreetDelayMS    int           `yaml:"pregreet_delay_ms"` // postscreen-style wait before the banner; early talkers are rejected
	DNSBLZones         []string      `yaml:"dnsbl_zones"`
	StartTLSMode       string        `yaml:"starttls_mode"` // "required" | "opportunistic" | "off"
}

// DatabaseConfig holds PostgreSQL settings.
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RedisConfig holds Redis settings, used for the queue's fast-path
// notification channel and per-domain rate limiting.
type RedisConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// QueueConfig holds the Forwarder's internal queue and retry policy
// settings (spec §4.6).
type QueueConfig struct {
	Workers           int           `yaml:"workers"`
	StoragePath       string        `yaml:"storage_path"`
	MaxQueueDepth     int           `yaml:"max_queue_depth"` // queue rejects new mail with 452 past this depth
	RetryBaseDelay    time.Duration `yaml:"retry_base_delay"`
	RetryBackoffBase  float64       `yaml:"retry_backoff_factor"`
	RetryJitterFrac   float64       `yaml:"retry_jitter_fraction"`
	MaxRetryAttempts  int           `yaml:"max_retry_attempts"`
	RetryDeadline     time.Duration `yaml:"retry_deadline"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	RecoveryWindow    time.Duration `yaml:"recovery_window"` // startup scan: forwarding messages untouched this long are stuck
}

// DKIMConfig holds DKIM Engine settings (spec §4.3).
type DKIMConfig struct {
	KeysPath        string        `yaml:"keys_path"`
	DefaultSelector string        `yaml:"default_selector"`
	KeySizeBits     int           `yaml:"dkim_key_size"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	EncryptionKeyHex string       `yaml:"-"` // loaded from RELAYCORE_DKIM_ENCRYPTION_KEY only, never from file
}

// TLSConfig holds listener TLS settings.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	MinVersion string `yaml:"min_version"`
}

// DeliveryConfig holds the Delivery Router's outbound settings (spec §4.7).
type DeliveryConfig struct {
	Mode               string        `yaml:"delivery_mode"` // "direct" | "relay" | "hybrid"
	RelayHost          string        `yaml:"relay_host"`
	RelayPort          int           `yaml:"relay_port"`
	RelayUser          string        `yaml:"relay_user"`
	RelayPass          string        `yaml:"relay_pass"`
	PerDomainConcurrency int         `yaml:"per_domain_concurrency"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	ConnReuseWindow    time.Duration `yaml:"conn_reuse_window"`
	BounceTokenSecret  string        `yaml:"-"` // loaded from RELAYCORE_BOUNCE_TOKEN_SECRET only
}

// VerifyConfig holds the Verification Service's settings (spec §4.4).
type VerifyConfig struct {
	RefreshInterval time.Duration `yaml:"verification_refresh_interval"`
	CheckTimeout    time.Duration `yaml:"check_timeout"`
	Resolvers       []string      `yaml:"resolvers"`
}

// LimitsConfig holds SMTP Receiver rate limiting settings.
type LimitsConfig struct {
	ConnectionsPerIP     int           `yaml:"connections_per_ip"`
	MessagesPerHour      int           `yaml:"messages_per_hour"`
	MessagesPerDay       int           `yaml:"messages_per_day"`
	RecipientsPerMessage int           `yaml:"recipients_per_message"`
	RateLimitWindow      time.Duration `yaml:"rate_limit_window"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load loads configuration from file, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		} else {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		}
	}

	cfg.loadFromEnv()

	return cfg, nil
}

// DefaultConfig returns default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddress:       "0.0.0.0:25",
			Hostname:            "mail.example.com",
			Banner:              "relaycore ESMTP ready",
			ReadTimeout:         60 * time.Second,
			WriteTimeout:        60 * time.Second,
			MaxRecipients:       100,
			MaxMessageBytes:     26214400, // 25MB
			MaxConnectionsTotal: 1000,
			MaxConnectionsPerIP: 10,
			PregreetDelayMS:     0,
			DNSBLZones:          []string{"zen.spamhaus.org"},
			StartTLSMode:        "opportunistic",
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "relaycore",
			Password:        "",
			Database:        "relaycore",
			SSLMode:         "prefer",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Host:         "localhost",
			Port:         6379,
			Password:     "",
			DB:           0,
			PoolSize:     10,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Queue: QueueConfig{
			Workers:          10,
			StoragePath:      "/var/spool/relaycore",
			MaxQueueDepth:    10000,
			RetryBaseDelay:   30 * time.Second,
			RetryBackoffBase: 2.0,
			RetryJitterFrac:  0.25,
			MaxRetryAttempts: 5,
			RetryDeadline:    48 * time.Hour,
			CleanupInterval:  1 * time.Hour,
			RecoveryWindow:   10 * time.Minute,
		},
		DKIM: DKIMConfig{
			KeysPath:        "/etc/relaycore/dkim",
			DefaultSelector: "mail",
			KeySizeBits:     2048,
			CacheTTL:        1 * time.Hour,
		},
		TLS: TLSConfig{
			Enabled:    true,
			CertFile:   "/etc/relaycore/tls/cert.pem",
			KeyFile:    "/etc/relaycore/tls/key.pem",
			MinVersion: "1.2",
		},
		Delivery: DeliveryConfig{
			Mode:                 "direct",
			RelayPort:            587,
			PerDomainConcurrency: 4,
			ConnectTimeout:       30 * time.Second,
			ConnReuseWindow:      60 * time.Second,
		},
		Verify: VerifyConfig{
			RefreshInterval: 1 * time.Hour,
			CheckTimeout:    10 * time.Second,
			Resolvers:       []string{"1.1.1.1:53", "8.8.8.8:53"},
		},
		Limits: LimitsConfig{
			ConnectionsPerIP:     10,
			MessagesPerHour:      1000,
			MessagesPerDay:       10000,
			RecipientsPerMessage: 100,
			RateLimitWindow:      1 * time.Hour,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    9090,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// loadFromEnv overrides config with environment variables. Secrets
// (encryption keys, bounce token secret) are only ever accepted this
// way, never through the YAML file.
func (c *Config) loadFromEnv() {
	if v := os.Getenv("RELAYCORE_LISTEN_ADDRESS"); v != "" {
		c.Server.ListenAddress = v
	}
	if v := os.Getenv("RELAYCORE_HOSTNAME"); v != "" {
		c.Server.Hostname = v
	}
	if v := os.Getenv("RELAYCORE_MAX_MESSAGE_BYTES"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Server.MaxMessageBytes = size
		}
	}
	if v := os.Getenv("RELAYCORE_STARTTLS_MODE"); v != "" {
		c.Server.StartTLSMode = v
	}

	if v := os.Getenv("DB_HOST"); v != "" {
		c.Database.Host = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Database.Port = port
		}
	}
	if v := os.Getenv("DB_USER"); v != "" {
		c.Database.User = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		c.Database.Database = v
	}
	if v := os.Getenv("DB_SSL_MODE"); v != "" {
		c.Database.SSLMode = v
	}

	if v := os.Getenv("REDIS_HOST"); v != "" {
		c.Redis.Host = v
	}
	if v := os.Getenv("REDIS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Redis.Port = port
		}
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}

	if v := os.Getenv("RELAYCORE_DKIM_KEYS_PATH"); v != "" {
		c.DKIM.KeysPath = v
	}
	if v := os.Getenv("RELAYCORE_DKIM_DEFAULT_SELECTOR"); v != "" {
		c.DKIM.DefaultSelector = v
	}
	if v := os.Getenv("RELAYCORE_DKIM_ENCRYPTION_KEY"); v != "" {
		c.DKIM.EncryptionKeyHex = v
	}

	if v := os.Getenv("TLS_ENABLED"); v != "" {
		c.TLS.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("TLS_CERT_FILE"); v != "" {
		c.TLS.CertFile = v
	}
	if v := os.Getenv("TLS_KEY_FILE"); v != "" {
		c.TLS.KeyFile = v
	}

	if v := os.Getenv("RELAYCORE_DELIVERY_MODE"); v != "" {
		c.Delivery.Mode = v
	}
	if v := os.Getenv("RELAYCORE_RELAY_HOST"); v != "" {
		c.Delivery.RelayHost = v
	}
	if v := os.Getenv("RELAYCORE_RELAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Delivery.RelayPort = port
		}
	}
	if v := os.Getenv("RELAYCORE_RELAY_USER"); v != "" {
		c.Delivery.RelayUser = v
	}
	if v := os.Getenv("RELAYCORE_RELAY_PASS"); v != "" {
		c.Delivery.RelayPass = v
	}
	if v := os.Getenv("RELAYCORE_BOUNCE_TOKEN_SECRET"); v != "" {
		c.Delivery.BounceTokenSecret = v
	}

	if v := os.Getenv("METRICS_ENABLED"); v != "" {
		c.Metrics.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Metrics.Port = port
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
}

// DSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	return "postgres://" + c.User + ":" + c.Password + "@" +
		c.Host + ":" + strconv.Itoa(c.Port) + "/" + c.Database +
		"?sslmode=" + c.SSLMode
}

// Addr returns the Redis address.
func (c *RedisConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}
