package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"techdispatch/dispatch-service/internal/auth"
	"techdispatch/dispatch-service/internal/config"
	"techdispatch/dispatch-service/internal/httpapi"
	"techdispatch/dispatch-service/internal/hub"
	"techdispatch/dispatch-service/internal/lifecycle"
	"techdispatch/dispatch-service/internal/notify"
	"techdispatch/dispatch-service/internal/store"
	"techdispatch/dispatch-service/internal/store/memory"
	"techdispatch/dispatch-service/internal/store/postgres"
	"techdispatch/dispatch-service/internal/store/sqlite"
	"techdispatch/dispatch-service/internal/telemetry"
	"techdispatch/dispatch-service/internal/tracking"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

const serviceName = "dispatch-service"

const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

func main() {
	cfg := config.Load()
	log := setupLogger(cfg.Env, cfg.LogLevel)

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("dispatch-service stopped")
	}
	log.Info("dispatch-service stopped")
}

func run(cfg config.Config, log *logrus.Entry) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry := telemetry.Setup(serviceName, log)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	if cfg.JWTSecret == "change-me" {
		if cfg.Env == envProd {
			return errors.New("JWT_SECRET must be set in prod")
		}
		log.Warn("JWT_SECRET is not set, using the development default")
	}

	st, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	authService := auth.NewService(st, auth.NewTokenIssuer(cfg.JWTSecret, cfg.TokenTTL), auth.Options{
		AdminSignup: cfg.AdminSignup,
	}, log.WithField("component", "auth"))
	if cfg.BootstrapAdminEmail != "" {
		created, err := authService.EnsureAdmin(ctx, cfg.BootstrapAdminName, cfg.BootstrapAdminEmail, cfg.BootstrapAdminPassword)
		if err != nil {
			return fmt.Errorf("bootstrap admin: %w", err)
		}
		if created {
			log.WithField("email", cfg.BootstrapAdminEmail).Info("bootstrap admin created")
		}
	}

	realtime := hub.New(log.WithField("component", "hub"))
	notifications := notify.NewService(st, st, realtime, log.WithField("component", "notifications"))
	provider := notify.NewProvider(notify.ProviderConfig{
		Kind:           cfg.NotifierProvider,
		WebhookURL:     cfg.NotifierWebhookURL,
		WebhookToken:   cfg.NotifierWebhookToken,
		TelegramToken:  cfg.TelegramBotToken,
		TelegramAPIURL: cfg.TelegramAPIURL,
		Timeout:        cfg.NotifierTimeout,
	}, log.WithField("component", "notifier"))
	notifier := notify.NewNotifier(provider, cfg.NotifierTimeout, log.WithField("component", "notifier"))

	engine := lifecycle.NewEngine(st, st, notifications, notifier, lifecycle.Options{
		StrictOwnership: cfg.StrictOwnership,
		StrictAccept:    cfg.StrictAccept,
		PublicURL:       cfg.PublicURL,
	}, log.WithField("component", "lifecycle"))
	tracker := tracking.NewTracker(st, st, realtime, cfg.StrictOwnership, log.WithField("component", "tracking"))

	handler := httpapi.NewHandler(httpapi.Services{
		Auth:          authService,
		Tasks:         engine,
		Notifications: notifications,
		Locations:     tracker,
		Realtime:      realtime.Handler("/realtime", authService),
	}, log.WithField("component", "http"))
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:   cfg.RateLimitPerMinute,
		IPBurst:       cfg.RateLimitBurst,
		UserPerMinute: cfg.UserRateLimitPerMinute,
		UserBurst:     cfg.UserRateLimitBurst,
	})

	chain := httpapi.CORSMiddleware(cfg.CORSOrigins,
		httpapi.LoggingMiddleware(log.WithField("component", "access"),
			limiter.Middleware(
				httpapi.AuthMiddleware(authService, handler.Routes()))))

	// No WriteTimeout: SockJS streaming sessions stay open indefinitely.
	server := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     otelhttp.NewHandler(chain, serviceName),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", server.Addr).WithField("db_driver", cfg.DBDriver).Info("dispatch-service listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg config.Config, log *logrus.Entry) (store.Store, func(), error) {
	switch strings.ToLower(cfg.DBDriver) {
	case "postgres", "pgx":
		if cfg.DatabaseURL == "" {
			return nil, nil, errors.New("DB_DSN is required for the postgres driver")
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("db connect: %w", err)
		}
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("db migrate: %w", err)
		}
		return postgres.NewStore(pool), pool.Close, nil
	case "sqlite":
		st, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite open: %w", err)
		}
		return st, func() {
			if err := st.Close(); err != nil {
				log.WithError(err).Warn("sqlite close error")
			}
		}, nil
	case "memory":
		log.Warn("using in-memory store, data is lost on restart")
		return memory.NewStore(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown DB_DRIVER %q", cfg.DBDriver)
	}
}

// setupLogger picks format and level from the environment; an explicit level overrides the default.
func setupLogger(env, level string) *logrus.Entry {
	log := logrus.New()
	log.SetOutput(os.Stdout)

	switch env {
	case envProd:
		log.SetFormatter(&logrus.JSONFormatter{})
		log.SetLevel(logrus.InfoLevel)
	case envDev:
		log.SetFormatter(&logrus.TextFormatter{DisableColors: true, FullTimestamp: true})
		log.SetLevel(logrus.InfoLevel)
	default:
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		log.SetLevel(logrus.DebugLevel)
	}

	if level != "" {
		if parsed, err := logrus.ParseLevel(level); err == nil {
			log.SetLevel(parsed)
		} else {
			log.WithField("level", level).Warn("unknown log level, keeping default")
		}
	}
	return logrus.NewEntry(log).WithField("service", serviceName)
}
