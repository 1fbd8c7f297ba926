package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/feichai0017/shadowtwin/config"
	"github.com/feichai0017/shadowtwin/internal/app"
	"github.com/feichai0017/shadowtwin/pkg/logger"
	"github.com/feichai0017/shadowtwin/pkg/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	// 初始化日志
	log, err := logger.NewFromConfig(&cfg.Log)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 创建编排服务
	a, err := app.Build(ctx, cfg, log, app.RoleWorker)
	if err != nil {
		log.Error("Failed to initialize services", logger.Error(err))
		os.Exit(1)
	}
	defer a.Close()

	// 创建 worker 配置
	workerCfg := &worker.Config{
		RedisAddr:     cfg.Redis.Addr,
		RedisDB:       cfg.Redis.DB,
		RedisPassword: cfg.Redis.Password,
		Concurrency:   cfg.Queue.Concurrency,
		Queues:        cfg.Queue.Queues,
	}

	stallWorker, err := worker.NewStallWorker(workerCfg, a.Orchestrator, log.Named("worker"))
	if err != nil {
		log.Error("Failed to create stall worker", logger.Error(err))
		os.Exit(1)
	}

	// 启动 worker
	if err := stallWorker.Start(ctx); err != nil {
		log.Error("Failed to start worker", logger.Error(err))
		os.Exit(1)
	}
	log.Info("Worker started", logger.Int("concurrency", cfg.Queue.Concurrency))

	// 等待中断信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	// 优雅关闭
	log.Info("Shutting down worker...")
	stallWorker.Stop()
	log.Info("Worker stopped")
}
