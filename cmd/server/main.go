package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/koopa0/system-design/signaling-relay/internal"
	"github.com/koopa0/system-design/signaling-relay/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "signaling-relay: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 解析命令行參數
	var (
		configPath = flag.String("config", "", "YAML 配置檔路徑（可選）")
		envFile    = flag.String("env-file", ".env", ".env 檔路徑")
		port       = flag.Int("port", 0, "服務器端口（覆蓋配置）")
		logLevel   = flag.String("log-level", "", "日誌級別 (debug, info, warn, error)")
		logFormat  = flag.String("log-format", "", "日誌格式 (text, json)")
	)
	flag.Parse()

	cfg, err := internal.LoadConfig(internal.LoadOptions{
		ConfigPath: *configPath,
		EnvFile:    *envFile,
	})
	if err != nil {
		return err
	}

	// 命令行參數優先級最高
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	// 設置日誌
	output, closeLog, err := logger.Open(cfg.Log.Output)
	if err != nil {
		return err
	}
	defer closeLog()
	log := logger.New(cfg.Log.Level, cfg.Log.Format, output, cfg.Log.Level == "debug")

	// 進程層級的指標（goroutine、GC、FD）一併暴露
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := internal.NewServer(ctx, cfg, log, reg)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("信令中繼服務器啟動",
			"port", cfg.Server.Port,
			"echo_sender", cfg.Relay.EchoSender,
			"strict_join", cfg.Session.StrictJoin,
			"log_level", cfg.Log.Level)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// 等待中斷信號或啟動失敗
	select {
	case <-ctx.Done():
		log.Info("收到關閉信號，開始優雅關閉...")
	case err := <-errCh:
		log.Error("服務器啟動失敗", "error", err)
		_ = srv.Shutdown(context.Background())
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// 停止接受新連接（已升級的 WebSocket 不受 Shutdown 管理）
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("服務器關閉失敗", "error", err)
	}

	// 關閉所有會話並等待清理
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("釋放資源失敗", "error", err)
	}

	log.Info("服務器已關閉")
	return nil
}
