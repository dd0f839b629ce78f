package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"skillvault-service/internal/app"
	"skillvault-service/internal/auth"
	"skillvault-service/internal/config"
	"skillvault-service/internal/infra/memory"
	"skillvault-service/internal/infra/postgres"
	infraredis "skillvault-service/internal/infra/redis"
	"skillvault-service/internal/logging"
	"skillvault-service/internal/metrics"
	transport "skillvault-service/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwtSecret (or JWT_SECRET) is required")
	}
	log := logging.New("skillvault", cfg.Log.Level, cfg.Log.Format)

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
	}

	var pool *pgxpool.Pool
	if cfg.Postgres.URL != "" {
		if err := runMigrations(ctx, cfg, log); err != nil {
			return err
		}
		pool, err = pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()
	}

	var loader memory.CatalogLoader = memory.NewStaticCatalogLoader(sampleAssessments())
	if pool != nil {
		loader = postgres.NewCatalogLoader(pool)
	}

	catalogTTL := config.TTLDuration(cfg.Catalog.TTL, 10*time.Minute)
	var catalog app.CatalogRepository
	if redisClient != nil {
		catalog = infraredis.NewCatalogRepository(redisClient, loader, catalogTTL)
	} else {
		catalog = memory.NewCatalogRepository(loader, catalogTTL)
	}

	var store app.Store
	switch cfg.Storage.Backend {
	case "postgres":
		db := postgres.Open(cfg.Postgres.URL)
		defer db.Close()
		store = postgres.NewStore(db)
	case "redis":
		store = infraredis.NewStore(redisClient)
	default:
		store = memory.NewStore()
	}

	var limiter transport.RateLimiter
	if redisClient != nil {
		limiter = infraredis.NewRateLimiter(redisClient, cfg.Verification.PerMinute, cfg.Verification.Burst)
	} else {
		limiter = memory.NewRateLimiter(cfg.Verification.PerMinute, cfg.Verification.Burst)
	}

	trusted, err := cfg.TrustedProxyNets()
	if err != nil {
		return err
	}

	m := metrics.New()
	services := app.NewServices(store, catalog, app.Settings{
		Proctor: app.ProctorPolicy{
			TabSwitchLimit: cfg.Proctor.TabSwitchLimit,
			LateGrace:      config.TTLDuration(cfg.Proctor.LateGrace, time.Minute),
		},
		Certificates: app.CertificatePolicy{
			CodePrefix:        cfg.Certificates.CodePrefix,
			Validity:          config.TTLDuration(cfg.Certificates.Validity, 2*365*24*time.Hour),
			VerifyURLTemplate: cfg.Certificates.VerifyURLTemplate,
		},
		StreakLocation: cfg.StreakLocation(),
	}, log, m)

	handler := transport.NewRouter(transport.Deps{
		Services:       services,
		Auth:           auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, config.TTLDuration(cfg.Auth.TokenTTL, 24*time.Hour)),
		Limiter:        limiter,
		Metrics:        m,
		Log:            log,
		TrustedProxies: trusted,
	})

	server := &http.Server{
		Addr:        ":" + finalPort,
		Handler:     handler,
		ReadTimeout: 15 * time.Second,
		// websocket connections outlive any write timeout, so none is set
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.WithFields(logrus.Fields{
			"port":    finalPort,
			"backend": cfg.Storage.Backend,
		}).Info("starting skillvault service")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("failed to start server")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Info("shutting down server...")
	case <-ctx.Done():
		log.Info("context canceled, shutting down server...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
