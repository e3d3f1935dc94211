package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mosas2000/ProphetBase-sub004/internal/alert"
	"github.com/Mosas2000/ProphetBase-sub004/internal/audit"
	"github.com/Mosas2000/ProphetBase-sub004/internal/config"
	"github.com/Mosas2000/ProphetBase-sub004/internal/credential"
	"github.com/Mosas2000/ProphetBase-sub004/internal/devicetrust"
	"github.com/Mosas2000/ProphetBase-sub004/internal/handlers"
	"github.com/Mosas2000/ProphetBase-sub004/internal/quota"
	"github.com/Mosas2000/ProphetBase-sub004/internal/storage"
	"github.com/Mosas2000/ProphetBase-sub004/internal/withdrawal"
	"github.com/Mosas2000/ProphetBase-sub004/libs/auth"
	"github.com/Mosas2000/ProphetBase-sub004/libs/events"
	"github.com/Mosas2000/ProphetBase-sub004/libs/health"
	"github.com/Mosas2000/ProphetBase-sub004/libs/httpmiddleware"
	"github.com/Mosas2000/ProphetBase-sub004/libs/logging"
	"github.com/Mosas2000/ProphetBase-sub004/libs/metrics"
	"github.com/Mosas2000/ProphetBase-sub004/libs/trace"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"log/slog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)
	shutdownTracer, err := trace.InitTracer(cfg.App.ServiceName, cfg.App.Env)
	if err != nil {
		logger.Error("tracer init failed", "error", err)
	} else {
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(registry)

	ready := health.NewManager(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	keyStore, auditStore, pool, err := buildStores(cfg)
	if err != nil {
		logger.Error("store init failed", "error", err)
		os.Exit(1)
	}
	if pool != nil {
		defer pool.Close()
	}

	publisher := buildPublisher(cfg, logger, registry)
	defer func() {
		_ = publisher.Close()
	}()

	ledger, err := audit.NewLedger(ctx, auditStore, cfg.Audit.NodeID, []byte(cfg.ExportSigningKey), logger)
	if err != nil {
		logger.Error("audit ledger init failed", "error", err)
		os.Exit(1)
	}
	ledger.StartArchiver(ctx, cfg.Audit.ArchiveInterval, cfg.Audit.Retention)

	credentials := credential.NewService(keyStore, cfg.App.Env, logger)

	enforcer := quota.NewEnforcer(logger)
	enforcer.SetRule(quota.Rule{
		ID:          quota.LoginRuleID,
		Window:      cfg.Quota.LoginWindow,
		MaxRequests: cfg.Quota.LoginLimit,
	})
	enforcer.StartSweeper(ctx, cfg.Quota.SweepInterval)

	devices := devicetrust.NewEngine(logger)
	alerts := alert.NewDispatcher(publisher, cfg.Kafka.AlertTopic, logger)

	workflow := withdrawal.NewWorkflow(withdrawal.Config{
		ApprovalThreshold: cfg.Withdrawal.ApprovalThreshold,
		MultiSigThreshold: cfg.Withdrawal.MultiSigThreshold,
		CoolingPeriod:     cfg.Withdrawal.CoolingPeriod,
		PendingTTL:        cfg.Withdrawal.PendingTTL,
	}, ledgerRecorder{ledger: ledger}, logger)
	workflow.StartExpirySweeper(ctx, cfg.Withdrawal.SweepInterval)

	handlerMetrics := handlers.NewMetrics(registry)
	securityHandler := handlers.NewSecurityHandler(credentials, enforcer, devices, ledger, alerts, workflow, handlerMetrics)

	loginLimiter, limiterClose := buildLoginLimiter(cfg, logger)
	defer func() {
		_ = limiterClose()
	}()
	securityHandler.LoginLimiter = loginLimiter

	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(httpmiddleware.Throttle(cfg.Throttle.RPS, cfg.Throttle.Burst))
	router.Use(trace.Middleware(cfg.App.ServiceName))

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(ready))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))

	protected := router.Group("/")
	protected.Use(auth.Middleware([]byte(cfg.JWTSecret)))
	securityHandler.RegisterRoutes(protected)

	addr := fmt.Sprintf("%s:%d", cfg.App.HTTP.Host, cfg.App.HTTP.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info("security service starting", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
		}
	}()

	waitForShutdown(server, logger)
}

// ledgerRecorder adapts the audit ledger to the workflow's Recorder.
type ledgerRecorder struct {
	ledger *audit.Ledger
}

func (r ledgerRecorder) Record(ctx context.Context, userID, action, resource string, metadata map[string]string) {
	_, _ = r.ledger.Log(ctx, userID, action, resource, metadata, nil)
}

func buildStores(cfg *config.Config) (credential.Store, audit.Store, *pgxpool.Pool, error) {
	if !cfg.DB.Enabled() {
		return credential.NewMemoryStore(), audit.NewMemoryStore(), nil, nil
	}

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.DB.User,
		cfg.DB.Password,
		cfg.DB.Host,
		cfg.DB.Port,
		cfg.DB.Name,
		cfg.DB.SSLMode,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, nil, err
	}

	return storage.NewKeyStore(pool), storage.NewAuditStore(pool), pool, nil
}

func buildPublisher(cfg *config.Config, logger *slog.Logger, registry *prometheus.Registry) events.Publisher {
	if !cfg.Kafka.Enabled() {
		logger.Warn("kafka not configured, alert delivery is in-app only")
		return events.NopPublisher{}
	}

	producer, err := events.NewSyncProducer(cfg.Kafka.Brokers, logger, events.NewProducerMetrics(registry))
	if err != nil {
		logger.Error("kafka producer init failed, alert delivery is in-app only", "error", err)
		return events.NopPublisher{}
	}
	return producer
}

func buildLoginLimiter(cfg *config.Config, logger *slog.Logger) (handlers.LoginLimiter, func() error) {
	if cfg.Quota.Redis.Addr == "" {
		return nil, func() error { return nil }
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Quota.Redis.Addr,
		Password: cfg.Quota.Redis.Password,
		DB:       cfg.Quota.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		logger.Warn("redis login limiter unavailable, using local window only", "error", err)
		return nil, func() error { return nil }
	}

	limiter := quota.NewRedisLimiter(client, cfg.Quota.LoginLimit, cfg.Quota.LoginWindow, cfg.Quota.Redis.Prefix)
	return limiter, client.Close
}

func waitForShutdown(server *http.Server, logger *slog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutdown started")
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
		return
	}
	logger.Info("shutdown complete")
}
