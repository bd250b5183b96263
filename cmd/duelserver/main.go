package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/Maelsh/dueli-opus-sub002/internal/chunkkey"
	"github.com/Maelsh/dueli-opus-sub002/internal/competition"
	"github.com/Maelsh/dueli-opus-sub002/internal/config"
	"github.com/Maelsh/dueli-opus-sub002/internal/ice"
	"github.com/Maelsh/dueli-opus-sub002/internal/metrics"
	"github.com/Maelsh/dueli-opus-sub002/internal/signaling"
	pkglog "github.com/Maelsh/dueli-opus-sub002/pkg/log"
)

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	pkglog.Init(pkglog.Config{Level: cfg.Log.Level, ServiceName: "duelserver"})
	logger := pkglog.L()

	if cfg.Auth.SessionSecret == "" {
		logger.Fatal().Msg("auth.session_secret is required")
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable")
		}
		cancel()
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("redis connected")
	}

	var competitions competition.Store
	var keys chunkkey.Store
	if redisClient != nil {
		competitions = competition.NewRedisStore(redisClient)
		keys = chunkkey.NewRedisStore(redisClient, cfg.Media.ChunkKeyTTL)
	} else {
		competitions = competition.NewMemoryStore()
		keys = chunkkey.NewMemoryStore(cfg.Media.ChunkKeyTTL)
	}

	socketCfg := signaling.DefaultSocketConfig()
	if cfg.Signals.PingInterval > 0 {
		socketCfg.PingInterval = cfg.Signals.PingInterval
	}
	if cfg.Signals.PongWait > 0 {
		socketCfg.PongWait = cfg.Signals.PongWait
	}
	hub := signaling.NewHub(socketCfg, redisClient)
	verifier := signaling.NewVerifier(competitions, cfg.Auth.SessionSecret)
	authority := chunkkey.NewAuthority(competitions, keys)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go hub.Run(ctx)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.HTTP.AllowOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Media-Server-Origin"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	router.GET("/metrics", metrics.Handler())
	// Bandwidth probe target: accept and discard the payload.
	router.POST("/api/probe/upload", func(c *gin.Context) {
		n, err := io.Copy(io.Discard, c.Request.Body)
		if err != nil {
			c.Status(http.StatusBadRequest)
			return
		}
		c.JSON(http.StatusOK, gin.H{"received": n})
	})

	api := router.Group("/api")
	signaling.NewHandler(hub, verifier).RegisterRoutes(router, api)
	ice.NewHandler(ice.Config{
		STUNURLs:      cfg.ICE.STUNURLs,
		TURNURL:       cfg.ICE.TURNURL,
		TURNSecret:    cfg.ICE.TURNSecret,
		CredentialTTL: cfg.ICE.CredentialTTL,
	}, cfg.Auth.SessionSecret).RegisterRoutes(api)
	chunkkey.NewHandler(authority, cfg.Auth.SessionSecret, cfg.Media.Origins).RegisterRoutes(api)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", server.Addr).Msg("duel server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("forced shutdown")
	}
	if redisClient != nil {
		redisClient.Close()
	}
}
