package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/rohanbatrain/sbd-signaling/config"
	"github.com/rohanbatrain/sbd-signaling/internal/handlers"
	"github.com/rohanbatrain/sbd-signaling/internal/middleware"
	"github.com/rohanbatrain/sbd-signaling/internal/relay"
	"github.com/rohanbatrain/sbd-signaling/internal/replay"
	"github.com/rohanbatrain/sbd-signaling/internal/store"
	"github.com/rohanbatrain/sbd-signaling/internal/transfer"
)

func main() {
	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	level := slog.LevelDebug
	if cfg.Server.Environment == "production" {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	st, err := buildStore(cfg)
	if err != nil {
		slog.Error("failed to initialize coordination store", "backend", cfg.Store.Backend, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	rp := replay.NewManager(st, cfg.Signaling)
	rel := relay.New(st, rp, cfg.Signaling)
	transfers := transfer.NewManager(st, rel, cfg.Transfer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rel.RunSweeper(ctx)
	go transfers.RunReaper(ctx)

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	router.Use(handlers.OriginFilter(cfg.Server.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		if err := st.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/auth/login", handlers.Login(cfg.Server.JWTSecret))

	auth := middleware.JWTAuth(cfg.Server.JWTSecret)

	// the socket authenticates inside the handler (query-param token) so it
	// can answer with a policy-violation close code instead of a plain 401
	ws := router.Group("/signal")
	{
		ws.GET("/config", auth, handlers.SignalConfig(cfg))
		ws.GET("/:roomId", handlers.HandleSignaling(rel, transfers, cfg))
	}

	api := router.Group("/", auth)
	{
		api.GET("/stats", handlers.Stats(rel))
		api.GET("/rooms/:roomId", handlers.GetRoom(rel))
		api.POST("/rooms/:roomId/transfers", handlers.OfferTransfer(transfers))
		api.GET("/transfers", handlers.ListTransfers(transfers))
		api.POST("/transfers/:transferId/accept", handlers.AcceptTransfer(transfers))
		api.POST("/transfers/:transferId/reject", handlers.RejectTransfer(transfers))
		api.POST("/transfers/:transferId/pause", handlers.PauseTransfer(transfers))
		api.POST("/transfers/:transferId/resume", handlers.ResumeTransfer(transfers))
		api.GET("/transfers/:transferId/progress", handlers.GetTransferProgress(transfers))
		api.DELETE("/transfers/:transferId", handlers.CancelTransfer(transfers))
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	go func() {
		slog.Info("signaling server listening", "port", cfg.Server.Port, "store", cfg.Store.Backend, "environment", cfg.Server.Environment)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down")

	cancel()

	shutdownCtx, release := context.WithTimeout(context.Background(), 10*time.Second)
	defer release()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("forced shutdown", "error", err)
	}
	rel.Close()
}

func buildStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case "memory":
		// single-node deployments and local development
		return store.NewMemory(), nil
	case "redis", "":
		return store.NewRedis(cfg.Redis)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
