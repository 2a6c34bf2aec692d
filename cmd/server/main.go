package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/solwatch/tokenstream/internal/config"
	"github.com/solwatch/tokenstream/internal/dispatch"
	"github.com/solwatch/tokenstream/internal/enrich"
	"github.com/solwatch/tokenstream/internal/logger"
	"github.com/solwatch/tokenstream/internal/metrics"
	"github.com/solwatch/tokenstream/internal/registry"
	"github.com/solwatch/tokenstream/internal/upstream"
)

func main() {
	config.LoadConfig()
	cfg := config.AppConfig

	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))

	// Set Gin mode
	log.Info("Setting Gin mode", slog.String("mode", cfg.GinMode))
	gin.SetMode(cfg.GinMode)

	// Initialize database.
	db, err := registry.InitDatabase(cfg.DatabaseURL, registry.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxIdleTime: time.Duration(cfg.DBConnMaxIdleTime) * time.Minute,
		ConnMaxLifetime: time.Duration(cfg.DBConnMaxLifetime) * time.Minute,
	})
	if err != nil {
		log.Error("Failed to initialize database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	store := registry.NewStore(db, log)
	audit := registry.NewAuditWriter(store, registry.AuditConfig{
		WorkerPoolSize: cfg.AuditWorkerPoolSize,
		BufferSize:     cfg.AuditBufferSize,
		WriteTimeout:   time.Duration(cfg.AuditTimeoutSeconds) * time.Second,
	}, log)

	// Upstream credentials must be present before we even try to stream.
	creds, err := upstream.LoadCredentials(cfg.CredentialsFile, cfg.AuthRefreshURL, cfg.UpstreamOrigin, log)
	if err != nil {
		log.Error("Failed to load upstream credentials", slog.Any("error", err))
		os.Exit(1)
	}

	m := metrics.New()

	session := upstream.NewSession(cfg.UpstreamWSURL, cfg.UpstreamOrigin, cfg.UpstreamRoom, cfg.EventQueueSize, creds, m, log)

	// Optional NATS firehose.
	var publisher *dispatch.Publisher
	if cfg.NatsURL != "" {
		nc, err := nats.Connect(cfg.NatsURL, nats.Name("tokenstream"))
		if err != nil {
			log.Error("Failed to connect to NATS", slog.Any("error", err))
			os.Exit(1)
		}
		publisher = dispatch.NewPublisher(nc, cfg.NatsSubject, log)
	}

	hub := dispatch.NewHub(audit, publisher, m, log)

	// Enrichment pipeline.
	unitPrice := enrich.NewUnitPriceSource(cfg.UnitPriceURL, log)
	metadata := enrich.NewMetadataResolver(log)
	social := enrich.NewSocialClient(cfg.SocialAPIKey, cfg.SocialAPIURL, log)
	ath := enrich.NewATHClient(cfg.Endpoints.PairChart.Primary, cfg.Endpoints.PairChart.Replicas, creds, m, log)
	deployer := enrich.NewDeployerClient(cfg.Endpoints.DevHistory.Primary, cfg.Endpoints.DevHistory.Replicas,
		cfg.DevTokensCount, ath, unitPrice, creds, m, log)

	engine := enrich.NewEngine(cfg.EnrichWorkers, session.Events(), hub.Broadcast,
		deployer, social, metadata, m, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine.Start(ctx)
	go session.Run(ctx)

	reporter := dispatch.NewReporter(hub, store,
		time.Duration(cfg.StatsIntervalSeconds)*time.Second,
		time.Duration(cfg.AuditRetentionDays)*24*time.Hour, log)
	if err := reporter.Start(); err != nil {
		log.Error("Failed to start stats reporter", slog.Any("error", err))
		os.Exit(1)
	}

	// Initialize Gin router
	router := gin.New()
	router.Use(gin.Recovery())

	handler := dispatch.NewHandler(hub, store, audit, log)
	handler.Register(router)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/health", func(c *gin.Context) {
		stats := hub.Snapshot()
		c.JSON(http.StatusOK, gin.H{
			"status":             "ok",
			"upstream_state":     session.State().String(),
			"uptime_seconds":     int(m.Uptime().Seconds()),
			"active_subscribers": stats.ActiveSubscribers,
			"tokens_received":    stats.TokensReceived,
			"tokens_sent":        stats.TokensSent,
		})
	})

	addr := cfg.Host + ":" + cfg.Port
	log.Info("tokenstream listening", slog.String("addr", addr), slog.String("room", cfg.UpstreamRoom))

	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Failed to start server", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	// Stop pulling from upstream and drain the enrichment workers first
	// so in-flight tokens still reach subscribers.
	cancel()
	engine.Stop()
	reporter.Stop()
	hub.CloseAll()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ServerShutdownTimeoutSeconds)*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", slog.Any("error", err))
	}

	// Audit writes last so disconnect records from CloseAll still land.
	audit.Shutdown()

	if publisher != nil {
		publisher.Close()
	}

	log.Info("Server exited")
}
