// Package main runs the relay broker: the WebSocket endpoint for hosts and
// viewers, the internal agent API bridge and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sessioncast/relay/config"
	"github.com/sessioncast/relay/internal/auth"
	"github.com/sessioncast/relay/internal/forward"
	"github.com/sessioncast/relay/internal/metrics"
	"github.com/sessioncast/relay/internal/middleware"
	"github.com/sessioncast/relay/internal/ownership"
	"github.com/sessioncast/relay/internal/planlimit"
	"github.com/sessioncast/relay/internal/platform"
	"github.com/sessioncast/relay/internal/realtime"
	"github.com/sessioncast/relay/pkg/redis"
	"github.com/sessioncast/relay/pkg/response"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()

	var ownerCache ownership.Cache
	if cfg.Redis.Enabled() {
		rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			logger.Warn("redis unavailable, using in-memory owner cache", zap.Error(err))
		} else {
			defer rdb.Close()
			ownerCache = ownership.NewRedisCache(rdb.Client)
		}
	}
	if ownerCache == nil {
		ownerCache = ownership.NewMemoryCache()
	}

	m := metrics.New()
	platformClient := platform.NewClient(cfg.Platform.URL, cfg.Platform.Timeout)
	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	resolver := ownership.NewResolver(platformClient, ownerCache, jwtService, ownership.Config{
		AliasDomain: cfg.Relay.AliasDomain,
		TTL:         cfg.Relay.OwnerCacheTTL,
	}, logger.Named("ownership"))
	gate := planlimit.NewGate(platformClient, logger.Named("planlimit"))

	registry := realtime.NewRegistry(gate, realtime.Config{
		PlanUpgradeURL:  cfg.Relay.PlanUpgradeURL,
		LimitUpgradeURL: cfg.Relay.LimitUpgradeURL,
	}, m, logger.Named("registry"))
	forwarder := forward.NewForwarder(registry, cfg.Relay.ForwardTimeout, m, logger.Named("forward"))
	wsHandler := realtime.NewHandler(registry, resolver, forwarder, realtime.HandlerConfig{
		MaxMessageBytes: cfg.Relay.MaxMessageBytes,
		SendQueue:       cfg.Relay.SendQueue,
	}, m, logger.Named("ws"))
	forwardHandler := forward.NewHandler(forwarder, registry)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger, "/health", "/metrics"))

	// Health
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(m.Handler()))

	// WebSocket (hosts and viewers; viewer JWT in ?token=)
	router.GET("/ws", wsHandler.ServeWs)

	// Internal agent API bridge (platform -> relay -> agent)
	internal := router.Group("/internal")
	internal.Use(middleware.InternalAuth(cfg.Server.InternalAPIKey))
	{
		internal.POST("/forward", forwardHandler.Forward)
		internal.GET("/agents/:agentId/status", forwardHandler.AgentStatus)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("relay listening", zap.String("port", cfg.Server.Port), zap.String("alias_domain", cfg.Relay.AliasDomain))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
