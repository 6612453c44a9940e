package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load decodes the TOML file at path over Defaults, loads .env if present and
// applies BOOKREC_* overrides. An empty path skips the file. The result is not
// validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			return nil, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
		}
	}

	_ = godotenv.Load()
	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Mode, "BOOKREC_MODE")
	setStr(&cfg.LogLevel, "BOOKREC_LOG_LEVEL")
	setStr(&cfg.DataDir, "BOOKREC_DATA_DIR")

	setDuration(&cfg.Stream.DialTimeout, "BOOKREC_STREAM_DIAL_TIMEOUT")
	setDuration(&cfg.Stream.ReadTimeout, "BOOKREC_STREAM_READ_TIMEOUT")
	setDuration(&cfg.Stream.ReconnectDelay, "BOOKREC_STREAM_RECONNECT_DELAY")
	setDuration(&cfg.Stream.PingInterval, "BOOKREC_STREAM_PING_INTERVAL")

	setStringSlice(&cfg.Bybit.SpotSymbols, "BOOKREC_BYBIT_SPOT_SYMBOLS")
	setStringSlice(&cfg.Bybit.FutureSymbols, "BOOKREC_BYBIT_FUTURE_SYMBOLS")
	setBool(&cfg.Bybit.Delivery, "BOOKREC_BYBIT_DELIVERY")
	setStr(&cfg.Bybit.RESTURL, "BOOKREC_BYBIT_REST_URL")

	setStr(&cfg.Polymarket.GammaHost, "BOOKREC_POLYMARKET_GAMMA_HOST")
	setStr(&cfg.Polymarket.WSURL, "BOOKREC_POLYMARKET_WS_URL")
	setStringSlice(&cfg.Polymarket.Assets, "BOOKREC_POLYMARKET_ASSETS")
	setDuration(&cfg.Polymarket.Lead, "BOOKREC_POLYMARKET_LEAD")
	setDuration(&cfg.Polymarket.MaxReadyWait, "BOOKREC_POLYMARKET_MAX_READY_WAIT")

	setInt(&cfg.Writer.BatchSize, "BOOKREC_WRITER_BATCH_SIZE")

	setBool(&cfg.Redis.Enabled, "BOOKREC_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "BOOKREC_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "BOOKREC_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "BOOKREC_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "BOOKREC_REDIS_TLS_ENABLED")

	setStr(&cfg.S3.Endpoint, "BOOKREC_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "BOOKREC_S3_REGION")
	setStr(&cfg.S3.Bucket, "BOOKREC_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "BOOKREC_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "BOOKREC_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "BOOKREC_S3_FORCE_PATH_STYLE")
	setBool(&cfg.Archive.Enabled, "BOOKREC_ARCHIVE_ENABLED")
	setBool(&cfg.Archive.DeleteAfterUpload, "BOOKREC_ARCHIVE_DELETE_AFTER_UPLOAD")

	setBool(&cfg.Postgres.Enabled, "BOOKREC_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "BOOKREC_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "BOOKREC_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "BOOKREC_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "BOOKREC_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "BOOKREC_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "BOOKREC_POSTGRES_PASSWORD")

	setBool(&cfg.Kafka.Enabled, "BOOKREC_KAFKA_ENABLED")
	setStringSlice(&cfg.Kafka.Brokers, "BOOKREC_KAFKA_BROKERS")
	setStr(&cfg.Kafka.Topic, "BOOKREC_KAFKA_TOPIC")

	setBool(&cfg.Server.Enabled, "BOOKREC_SERVER_ENABLED")
	setStr(&cfg.Server.Addr, "BOOKREC_SERVER_ADDR")
	setBool(&cfg.Server.LiveFeed, "BOOKREC_SERVER_LIVE_FEED")

	setStr(&cfg.Notify.TelegramToken, "BOOKREC_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "BOOKREC_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "BOOKREC_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "BOOKREC_NOTIFY_EVENTS")
}

// Each setter leaves dst alone when the variable is unset, empty or does not
// parse.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var cleaned []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	if len(cleaned) > 0 {
		*dst = cleaned
	}
}
