package config

import (
	"net/url"
	"slices"
)

const redacted = "***"

// Redacted returns a copy of cfg that is safe to log.
func Redacted(cfg *Config) Config {
	out := *cfg

	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Postgres.Password)
	out.Postgres.DSN = redactURL(cfg.Postgres.DSN)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Slices are shared by the shallow copy.
	out.Bybit.SpotSymbols = slices.Clone(cfg.Bybit.SpotSymbols)
	out.Bybit.FutureSymbols = slices.Clone(cfg.Bybit.FutureSymbols)
	out.Bybit.DeliveryExclude = slices.Clone(cfg.Bybit.DeliveryExclude)
	out.Polymarket.Assets = slices.Clone(cfg.Polymarket.Assets)
	out.Polymarket.Templates = slices.Clone(cfg.Polymarket.Templates)
	out.Writer.Decimate = slices.Clone(cfg.Writer.Decimate)
	out.Kafka.Brokers = slices.Clone(cfg.Kafka.Brokers)
	out.Notify.Events = slices.Clone(cfg.Notify.Events)
	return out
}

func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}

// redactURL masks the password in a connection URL, or the whole string
// when it does not parse as one.
func redactURL(s string) string {
	if s == "" {
		return ""
	}
	u, err := url.Parse(s)
	if err != nil || u.User == nil {
		return redacted
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), redacted)
	}
	return u.String()
}
