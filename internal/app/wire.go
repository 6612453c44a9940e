package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/bookrecorder/internal/blob/s3"
	"github.com/alanyoungcy/bookrecorder/internal/cache/redis"
	"github.com/alanyoungcy/bookrecorder/internal/config"
	"github.com/alanyoungcy/bookrecorder/internal/domain"
	"github.com/alanyoungcy/bookrecorder/internal/messaging/kafka"
	"github.com/alanyoungcy/bookrecorder/internal/notify"
	"github.com/alanyoungcy/bookrecorder/internal/publish"
	"github.com/alanyoungcy/bookrecorder/internal/recorder"
	"github.com/alanyoungcy/bookrecorder/internal/server"
	"github.com/alanyoungcy/bookrecorder/internal/server/handler"
	"github.com/alanyoungcy/bookrecorder/internal/server/ws"
	"github.com/alanyoungcy/bookrecorder/internal/store/postgres"
)

// Dependencies bundles the shared services every recording mode uses. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Board collects session status for /api/status. Always set.
	Board *server.Board
	// Events fans lifecycle events out to the journal and the notifier.
	Events domain.EventSink

	// Optional services; nil when disabled.
	Journal  *postgres.EventStore
	Notifier *notify.Notifier
	Fanout   *publish.Fanout
	Archiver *s3blob.Archiver
	Hub      *ws.Hub

	// Probes back /api/health, keyed by backend name.
	Probes map[string]handler.Probe
}

// Publisher returns the snapshot publisher for recorders, or an untyped nil
// when nothing consumes live snapshots.
func (d *Dependencies) Publisher() recorder.Publisher {
	if d.Fanout == nil {
		return nil
	}
	return d.Fanout
}

// Wire constructs the optional backends named by cfg and returns them
// together with a cleanup function that releases them in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{
		Board:  server.NewBoard(),
		Probes: make(map[string]handler.Probe),
	}
	var sinks events

	// --- PostgreSQL lifecycle journal ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.MaxConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}
		deps.Journal = postgres.NewEventStore(pgClient, 1024, logger)
		deps.Probes["postgres"] = pgClient.Ping
		sinks = append(sinks, deps.Journal)
	}

	// --- Snapshot publishers ---
	var pubs []domain.SnapshotPublisher
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() {
			if err := redisClient.Close(); err != nil {
				logger.Error("redis close failed", slog.String("error", err.Error()))
			}
		})
		deps.Probes["redis"] = redisClient.Ping
		pubs = append(pubs, redis.NewBookPublisher(redisClient, cfg.Redis.TTL.Duration))
	}
	if cfg.Kafka.Enabled {
		kp, err := kafka.NewPublisher(kafka.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: kafka: %w", err)
		}
		closers = append(closers, func() {
			if err := kp.Close(); err != nil {
				logger.Error("kafka close failed", slog.String("error", err.Error()))
			}
		})
		pubs = append(pubs, kp)
	}
	if cfg.Server.Enabled && cfg.Server.LiveFeed {
		deps.Hub = ws.NewHub(logger)
		pubs = append(pubs, deps.Hub)
	}
	if len(pubs) > 0 {
		deps.Fanout = publish.NewFanout(cfg.Writer.PublishQueue, 0, logger, pubs...)
	}

	// --- S3 archive ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Probes["s3"] = s3Client.Health
		deps.Archiver = s3blob.NewArchiver(s3blob.ArchiverConfig{
			Dir:                cfg.DataDir,
			Prefix:             cfg.Archive.Prefix,
			QueueSize:          cfg.Archive.QueueSize,
			MultipartThreshold: cfg.Archive.MultipartThreshold,
			PartSize:           cfg.Archive.PartSize,
			DeleteAfterUpload:  cfg.Archive.DeleteAfterUpload,
			Timeout:            cfg.Archive.Timeout.Duration,
		}, s3blob.NewWriter(s3Client), s3blob.NewReader(s3Client), logger)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	if len(senders) > 0 {
		deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)
		sinks = append(sinks, deps.Notifier)
	}

	deps.Events = sinks
	return deps, cleanup, nil
}
