// Package app assembles the event bus, notification router and realtime hub
// from configuration. The api, worker and hubctl binaries all build from it.
package app

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"

	"github.com/jwalitptl/eventhub/internal/channel"
	"github.com/jwalitptl/eventhub/internal/config"
	"github.com/jwalitptl/eventhub/internal/middleware"
	"github.com/jwalitptl/eventhub/internal/model"
	"github.com/jwalitptl/eventhub/internal/repository"
	"github.com/jwalitptl/eventhub/internal/repository/postgres"
	"github.com/jwalitptl/eventhub/internal/service/event"
	"github.com/jwalitptl/eventhub/internal/service/notification"
	"github.com/jwalitptl/eventhub/internal/service/realtime"
	"github.com/jwalitptl/eventhub/pkg/logger"
	"github.com/jwalitptl/eventhub/pkg/messaging"
	"github.com/jwalitptl/eventhub/pkg/messaging/redis"
	"github.com/jwalitptl/eventhub/pkg/metrics"
)

const metricsNamespace = "eventhub"

type Repositories struct {
	Events        repository.EventRepository
	Subscriptions repository.SubscriptionRepository
	Notifications repository.NotificationRepository
	Deliveries    repository.DeliveryRepository
	Preferences   repository.PreferenceRepository
	Rules         repository.RuleRepository
	Contacts      repository.ContactRepository
	Connections   repository.ConnectionRepository
}

type App struct {
	Config  *config.Config
	Logger  *logger.Logger
	Metrics *metrics.Metrics
	DB      *sqlx.DB
	Redis   *goredis.Client
	Broker  messaging.Broker
	Repos   Repositories

	Events        *event.Service
	Notifications *notification.Service
	Realtime      *realtime.Service
	Auth          *middleware.AuthMiddleware

	// Scope resolves which apps an authenticated app may read.
	Scope *model.AppScope
}

// New connects storage and wires the services together. Nothing is started;
// callers pick which background loops their process runs.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger, reg prometheus.Registerer) (*App, error) {
	a := &App{
		Config:  cfg,
		Logger:  log,
		Metrics: metrics.New(metricsNamespace, reg),
	}

	db, err := postgres.NewDB(cfg.Database)
	if err != nil {
		return nil, err
	}
	a.DB = db
	if cfg.Database.Migrate {
		if err := postgres.Migrate(ctx, db); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	if cfg.Redis.Enabled {
		client, err := redis.NewClient(ctx, redis.Config{
			URL:      cfg.Redis.URL,
			Password: cfg.Redis.Password,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Redis = client
		a.Broker = redis.NewRedisBroker(client, log.ZL)
	} else {
		a.Broker = messaging.NewMemoryBroker()
	}

	base := postgres.NewBaseRepository(db)
	a.Repos = Repositories{
		Events:        postgres.NewEventRepository(base),
		Subscriptions: postgres.NewSubscriptionRepository(base),
		Notifications: postgres.NewNotificationRepository(base),
		Deliveries:    postgres.NewDeliveryRepository(base),
		Preferences:   postgres.NewPreferenceRepository(base),
		Rules:         postgres.NewRuleRepository(base),
		Contacts:      postgres.NewContactRepository(base),
		Connections:   postgres.NewConnectionRepository(base),
	}

	if err := a.wire(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire() error {
	cfg := a.Config

	var buffer realtime.Buffer
	if cfg.Realtime.BufferBackend == "redis" {
		buffer = realtime.NewRedisBuffer(a.Redis, cfg.Realtime.BufferSize, cfg.Notifications.TTL)
	} else {
		buffer = realtime.NewMemoryBuffer(cfg.Realtime.BufferSize)
	}
	a.Realtime = realtime.NewService(a.Repos.Connections, buffer, a.Broker, realtime.Options{
		InstanceID:        cfg.Server.InstanceID,
		HeartbeatInterval: cfg.Realtime.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Realtime.HeartbeatTimeout,
	}, a.Logger, a.Metrics)

	notifications, err := notification.NewService(notification.Repositories{
		Notifications: a.Repos.Notifications,
		Deliveries:    a.Repos.Deliveries,
		Preferences:   a.Repos.Preferences,
		Rules:         a.Repos.Rules,
	}, a.senders(), notification.Options{
		RetryBaseDelay:     cfg.Notifications.RetryBaseDelay,
		MaxAttempts:        cfg.Notifications.MaxAttempts,
		TTL:                cfg.Notifications.TTL,
		PreferenceCacheTTL: cfg.Notifications.PreferenceCacheTTL,
		SchedulerBatch:     cfg.Notifications.SchedulerBatch,
		SchedulerIdle:      cfg.Notifications.SchedulerIdle,
		RetryLease:         cfg.Notifications.RetryLease,
	}, a.Logger, a.Metrics)
	if err != nil {
		return fmt.Errorf("failed to create notification service: %w", err)
	}
	a.Notifications = notifications
	a.Notifications.SetBroker(a.Broker, cfg.Server.InstanceID)

	a.Events = event.NewService(a.Repos.Events, a.Repos.Subscriptions, event.Options{
		Workers:         cfg.Events.DispatchWorkers,
		QueueSize:       cfg.Events.QueueSize,
		HandlerTimeout:  cfg.Events.HandlerTimeout,
		MaxHistoryLimit: cfg.Events.MaxHistoryLimit,
		Retention:       cfg.Events.Retention,
		CrossAppAllow:   cfg.CrossApp.Allow,
	}, a.Logger, a.Metrics)

	a.Events.AddSystemHandler("notification_router", a.Notifications.HandleEvent)
	// Subscriptions created over HTTP have no in-process callback; their
	// matches go to the subscriber's realtime connections.
	a.Events.SetFallbackHandler(func(ctx context.Context, evt *model.Event, sub *model.EventSubscription) error {
		_, err := a.Realtime.BroadcastEvent(ctx, sub.UserID, sub.AppID, evt)
		return err
	})
	a.Notifications.SetPublisher(a.Events)
	a.Realtime.OnAck(a.Notifications.MarkDelivered)
	a.Scope = model.NewAppScope(cfg.CrossApp.Allow)

	a.Auth = middleware.NewAuthMiddleware(middleware.AuthConfig{
		APIKeys:     cfg.Auth.APIKeys,
		JWTSecret:   cfg.JWT.Secret,
		JWTIssuer:   cfg.JWT.Issuer,
		KeyCacheTTL: cfg.Auth.KeyCacheTTL,
	})
	return nil
}

// senders builds one sender per configured channel. In-app is always on;
// the others need their endpoint configured.
func (a *App) senders() []notification.Sender {
	ch := a.Config.Channels
	senders := []notification.Sender{channel.NewInAppSender(a.Realtime)}

	if ch.SMTP.Host != "" {
		senders = append(senders, channel.NewEmailSender(channel.EmailConfig{
			Host:     ch.SMTP.Host,
			Port:     ch.SMTP.Port,
			Username: ch.SMTP.Username,
			Password: ch.SMTP.Password,
			From:     ch.SMTP.From,
		}, a.Repos.Contacts))
	}
	if ch.Push.URL != "" {
		senders = append(senders, channel.NewPushSender(channel.GatewayConfig{
			URL: ch.Push.URL, Token: ch.Push.Token, Timeout: ch.Push.Timeout,
		}, a.Repos.Contacts))
	}
	if ch.SMS.URL != "" {
		senders = append(senders, channel.NewSMSSender(channel.GatewayConfig{
			URL: ch.SMS.URL, Token: ch.SMS.Token, Timeout: ch.SMS.Timeout,
		}, a.Repos.Contacts))
	}
	if ch.Webhook.SigningSecret != "" {
		senders = append(senders, channel.NewWebhookSender(ch.Webhook.SigningSecret, ch.Webhook.Timeout, a.Repos.Contacts))
	} else {
		a.Logger.Warn("webhook channel disabled: no signing secret configured")
	}
	return senders
}

// Start launches the dispatch workers, the retry scheduler and the realtime
// listener. They all stop when ctx is cancelled.
func (a *App) Start(ctx context.Context) error {
	a.Events.Start(ctx)
	a.Notifications.Start(ctx)
	return a.Realtime.Start(ctx)
}

// Shutdown drains in-flight work. Cancel the context passed to Start and stop
// the HTTP server before calling it.
func (a *App) Shutdown() {
	if a.Realtime != nil {
		a.Realtime.CloseAll()
	}
	if a.Events != nil {
		a.Events.Close()
	}
	if a.Notifications != nil {
		a.Notifications.Close()
	}
	if a.Realtime != nil {
		a.Realtime.Wait()
	}
	a.Close()
}

// Close releases storage connections.
func (a *App) Close() {
	if a.Broker != nil {
		if err := a.Broker.Close(); err != nil {
			a.Logger.Error(err, "failed to close broker")
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Error(err, "failed to close redis")
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Logger.Error(err, "failed to close database")
		}
	}
}

// PingRedis reports redis health; nil when redis is disabled.
func (a *App) PingRedis(ctx context.Context) error {
	if a.Redis == nil {
		return nil
	}
	return a.Redis.Ping(ctx).Err()
}
