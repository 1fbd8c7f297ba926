package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/shadowtwin/api/handlers"
	"github.com/feichai0017/shadowtwin/api/routes"
	"github.com/feichai0017/shadowtwin/config"
	"github.com/feichai0017/shadowtwin/internal/app"
	"github.com/feichai0017/shadowtwin/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	// init logger
	log, err := logger.NewFromConfig(&cfg.Log)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, log, app.RoleServer)
	if err != nil {
		log.Fatal("Failed to initialize services", logger.Error(err))
	}
	defer a.Close()

	// 接收 worker 转发的任务事件
	if err := a.StartRelay(ctx); err != nil {
		log.Fatal("Failed to start event relay", logger.Error(err))
	}

	// init handlers
	gin.SetMode(cfg.Server.GinMode)
	h := handlers.NewHandlers(a.Orchestrator, a.Bus, a.Adapters, a.Redis, a.Registry, log)
	r := gin.New()
	r.Use(gin.Recovery())
	routes.SetupRoutes(r, h, cfg.Server.AllowedOrigins, log)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: r,
	}

	// start server
	go func() {
		log.Info("Server starting", logger.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server error", logger.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down server...")

	// graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", logger.Error(err))
		os.Exit(1)
	}
}
