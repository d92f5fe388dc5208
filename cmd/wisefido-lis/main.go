package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"wisefido-lis/common/logger"
	"wisefido-lis/internal/config"
	"wisefido-lis/internal/service"
)

func main() {
	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// 2. 初始化日志
	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "wisefido-lis")
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer log.Sync()

	log.Info("Starting wisefido-lis service",
		zap.String("store", cfg.Store),
		zap.String("order_stream", cfg.Dispatch.IntakeStream),
		zap.String("events_stream", cfg.Notify.EventsStream),
		zap.String("metrics_addr", cfg.MetricsAddr),
	)

	// 3. 创建服务
	lisService, err := service.NewLISService(cfg, log)
	if err != nil {
		log.Fatal("Failed to create LIS service", zap.Error(err))
	}

	// 4. 启动服务
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := lisService.Start(ctx); err != nil {
		log.Fatal("Failed to start LIS service", zap.Error(err))
	}

	// 5. 等待信号（优雅关闭）
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info("Received signal, shutting down", zap.String("signal", sig.String()))

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := lisService.Stop(shutdownCtx); err != nil {
		log.Error("Error during shutdown", zap.Error(err))
	}

	log.Info("LIS service stopped")
}
