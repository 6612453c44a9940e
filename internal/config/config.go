// Package config defines the recorder configuration and its validation.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"
)

// Config is the root configuration. Fields come from a TOML file and are
// then overridden by BOOKREC_* environment variables.
type Config struct {
	Mode     string `toml:"mode"`
	LogLevel string `toml:"log_level"`
	DataDir  string `toml:"data_dir"`

	Stream     StreamConfig     `toml:"stream"`
	Bybit      BybitConfig      `toml:"bybit"`
	Polymarket PolymarketConfig `toml:"polymarket"`
	Writer     WriterConfig     `toml:"writer"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Archive    ArchiveConfig    `toml:"archive"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Kafka      KafkaConfig      `toml:"kafka"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
}

// StreamConfig holds websocket session timings shared by every venue.
type StreamConfig struct {
	DialTimeout    duration `toml:"dial_timeout"`
	ReadTimeout    duration `toml:"read_timeout"`
	WriteTimeout   duration `toml:"write_timeout"`
	ReconnectDelay duration `toml:"reconnect_delay"`
	PingInterval   duration `toml:"ping_interval"`
	StatusInterval duration `toml:"status_interval"`
	LogInterval    duration `toml:"log_interval"`
}

// BybitConfig covers spot and linear (delivery) recording.
type BybitConfig struct {
	SpotURL           string   `toml:"spot_url"`
	LinearURL         string   `toml:"linear_url"`
	RESTURL           string   `toml:"rest_url"`
	SpotSymbols       []string `toml:"spot_symbols"`
	FutureSymbols     []string `toml:"future_symbols"`
	SpotDepth         int      `toml:"spot_depth"`
	LinearDepth       int      `toml:"linear_depth"`
	Delivery          bool     `toml:"delivery"`
	DeliveryQuote     string   `toml:"delivery_quote"`
	DeliveryExclude   []string `toml:"delivery_exclude"`
	DeliveryRefresh   duration `toml:"delivery_refresh"`
	HTTPTimeout       duration `toml:"http_timeout"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
}

// PolymarketConfig covers the calendar-keyed market slots.
type PolymarketConfig struct {
	WSURL             string   `toml:"ws_url"`
	GammaHost         string   `toml:"gamma_host"`
	Timezone          string   `toml:"timezone"`
	Assets            []string `toml:"assets"`
	Templates         []string `toml:"templates"`
	Lead              duration `toml:"lead"`
	MaxReadyWait      duration `toml:"max_ready_wait"`
	Tick              duration `toml:"tick"`
	HTTPTimeout       duration `toml:"http_timeout"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
}

// WriterConfig controls the output files.
type WriterConfig struct {
	BatchSize          int        `toml:"batch_size"`
	Decimate           []duration `toml:"decimate"`
	PolymarketDecimate bool       `toml:"polymarket_decimate"`
	PublishQueue       int        `toml:"publish_queue"`
}

// RedisConfig holds the live book cache connection.
type RedisConfig struct {
	Enabled    bool     `toml:"enabled"`
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	TTL        duration `toml:"ttl"`
}

// S3Config holds S3-compatible object storage credentials.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig controls uploading of closed files.
type ArchiveConfig struct {
	Enabled            bool     `toml:"enabled"`
	Prefix             string   `toml:"prefix"`
	QueueSize          int      `toml:"queue_size"`
	MultipartThreshold int64    `toml:"multipart_threshold"`
	PartSize           int64    `toml:"part_size"`
	DeleteAfterUpload  bool     `toml:"delete_after_upload"`
	Timeout            duration `toml:"timeout"`
}

// PostgresConfig holds the lifecycle journal connection. DSN wins when set.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	MaxConns      int    `toml:"max_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// KafkaConfig selects where decimated snapshots are produced.
type KafkaConfig struct {
	Enabled bool     `toml:"enabled"`
	Brokers []string `toml:"brokers"`
	Topic   string   `toml:"topic"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled  bool   `toml:"enabled"`
	Addr     string `toml:"addr"`
	LiveFeed bool   `toml:"live_feed"` // serve decimated snapshots on /ws
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration lets TOML carry durations as strings ("10s", "15m").
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Durations unwraps the decimation widths.
func (w WriterConfig) Durations() []time.Duration {
	out := make([]time.Duration, 0, len(w.Decimate))
	for _, d := range w.Decimate {
		out = append(out, d.Duration)
	}
	return out
}

// DefaultTemplates are the recurring Polymarket events recorded when none
// are configured.
var DefaultTemplates = []string{
	"https://polymarket.com/event/{name}-up-or-down-on-{month}-{day}",
	"https://polymarket.com/event/{symbol}-updown-4h-{epoch_4h}",
	"https://polymarket.com/event/{name}-up-or-down-{month}-{day}-{hour12}{ampm}-et",
	"https://polymarket.com/event/{symbol}-updown-15m-{epoch_15m}",
	"https://polymarket.com/event/{symbol}-updown-5m-{epoch_5m}",
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Mode:     "all",
		LogLevel: "info",
		DataDir:  "./data",
		Stream: StreamConfig{
			DialTimeout:    duration{10 * time.Second},
			ReadTimeout:    duration{30 * time.Second},
			WriteTimeout:   duration{10 * time.Second},
			ReconnectDelay: duration{2 * time.Second},
			PingInterval:   duration{10 * time.Second},
			StatusInterval: duration{time.Second},
			LogInterval:    duration{30 * time.Second},
		},
		Bybit: BybitConfig{
			SpotURL:           "wss://stream.bybit.com/v5/public/spot",
			LinearURL:         "wss://stream.bybit.com/v5/public/linear",
			RESTURL:           "https://api.bybit.com",
			SpotSymbols:       []string{"BTCUSDT", "ETHUSDT"},
			SpotDepth:         50,
			LinearDepth:       200,
			Delivery:          true,
			DeliveryQuote:     "USDT",
			DeliveryExclude:   []string{"MNTUSDT"},
			DeliveryRefresh:   duration{15 * time.Minute},
			HTTPTimeout:       duration{10 * time.Second},
			RequestsPerSecond: 5,
		},
		Polymarket: PolymarketConfig{
			WSURL:             "wss://ws-subscriptions-clob.polymarket.com/ws/market",
			GammaHost:         "https://gamma-api.polymarket.com",
			Timezone:          "America/New_York",
			Assets:            []string{"bitcoin:btc:1", "ethereum:eth:1"},
			Templates:         DefaultTemplates,
			Lead:              duration{60 * time.Second},
			MaxReadyWait:      duration{90 * time.Second},
			Tick:              duration{time.Second},
			HTTPTimeout:       duration{10 * time.Second},
			RequestsPerSecond: 5,
		},
		Writer: WriterConfig{
			BatchSize:    2000,
			Decimate:     []duration{{time.Second}, {time.Minute}},
			PublishQueue: 4096,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   10,
			MaxRetries: 3,
			TTL:        duration{5 * time.Minute},
		},
		S3: S3Config{
			Region: "us-east-1",
			UseSSL: true,
		},
		Archive: ArchiveConfig{
			Prefix:             "bookrec",
			QueueSize:          1024,
			MultipartThreshold: 64 << 20,
			PartSize:           16 << 20,
			Timeout:            duration{5 * time.Minute},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "bookrec",
			User:          "bookrec",
			SSLMode:       "disable",
			MaxConns:      4,
			RunMigrations: true,
		},
		Kafka: KafkaConfig{
			Topic: "bookrec.snapshots",
		},
		Server: ServerConfig{
			Enabled:  true,
			Addr:     ":8080",
			LiveFeed: true,
		},
	}
}

var validModes = map[string]bool{
	"bybit_spot":   true,
	"bybit_future": true,
	"polymarket":   true,
	"all":          true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Runs reports whether mode m is part of the configured mode.
func (c *Config) Runs(m string) bool {
	mode := strings.ToLower(c.Mode)
	return mode == m || mode == "all"
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if !validModes[strings.ToLower(c.Mode)] {
		add("unknown mode %q (valid: bybit_spot, bybit_future, polymarket, all)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}
	if strings.TrimSpace(c.DataDir) == "" {
		add("data_dir must not be empty")
	}

	s := c.Stream
	for name, d := range map[string]time.Duration{
		"dial_timeout":    s.DialTimeout.Duration,
		"read_timeout":    s.ReadTimeout.Duration,
		"reconnect_delay": s.ReconnectDelay.Duration,
		"ping_interval":   s.PingInterval.Duration,
		"status_interval": s.StatusInterval.Duration,
	} {
		if d <= 0 {
			add("stream: %s must be positive", name)
		}
	}

	if c.Runs("bybit_spot") {
		if len(c.Bybit.SpotSymbols) == 0 {
			add("bybit: spot_symbols must not be empty for mode %s", c.Mode)
		}
		if c.Bybit.SpotDepth <= 0 {
			add("bybit: spot_depth must be positive")
		}
	}
	if c.Runs("bybit_future") {
		if len(c.Bybit.FutureSymbols) == 0 && !c.Bybit.Delivery {
			add("bybit: future_symbols must not be empty when delivery discovery is off")
		}
		if c.Bybit.LinearDepth <= 0 {
			add("bybit: linear_depth must be positive")
		}
		if c.Bybit.Delivery && c.Bybit.DeliveryRefresh.Duration <= 0 {
			add("bybit: delivery_refresh must be positive")
		}
	}
	if c.Runs("polymarket") {
		p := c.Polymarket
		if len(p.Assets) == 0 {
			add("polymarket: assets must not be empty")
		}
		if len(p.Templates) == 0 {
			add("polymarket: templates must not be empty")
		}
		if _, err := time.LoadLocation(p.Timezone); err != nil {
			add("polymarket: timezone %q: %v", p.Timezone, err)
		}
		if p.Tick.Duration <= 0 {
			add("polymarket: tick must be positive")
		}
		if p.Lead.Duration < 0 || p.MaxReadyWait.Duration <= 0 {
			add("polymarket: lead must be >= 0 and max_ready_wait positive")
		}
	}

	if c.Writer.BatchSize < 1 {
		add("writer: batch_size must be >= 1")
	}
	for _, d := range c.Writer.Decimate {
		if d.Duration <= 0 {
			add("writer: decimate widths must be positive, got %s", d.Duration)
		}
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		add("redis: addr must not be empty")
	}
	if c.Archive.Enabled {
		if c.S3.Bucket == "" {
			add("s3: bucket must not be empty when archive is enabled")
		}
		if c.S3.Region == "" {
			add("s3: region must not be empty when archive is enabled")
		}
	}
	if c.Postgres.Enabled && strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" || c.Postgres.Database == "" {
			add("postgres: host and database must be set (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			add("postgres: port must be 1-65535, got %d", c.Postgres.Port)
		}
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		add("kafka: brokers and topic must be set when enabled")
	}
	if c.Server.Enabled && c.Server.Addr == "" {
		add("server: addr must not be empty")
	}
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		add("notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %w", errors.Join(errs...))
	}
	return nil
}
