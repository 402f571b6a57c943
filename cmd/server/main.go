// Package main provides the entry point for the risk core server:
// pre-trade checks, stop management, position sizing, and risk metrics
// behind an HTTP/WebSocket API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/quantdesk/risk-core/internal/account"
	"github.com/quantdesk/risk-core/internal/alerts"
	"github.com/quantdesk/risk-core/internal/api"
	"github.com/quantdesk/risk-core/internal/config"
	"github.com/quantdesk/risk-core/internal/execution"
	"github.com/quantdesk/risk-core/internal/metrics"
	"github.com/quantdesk/risk-core/internal/risk"
	"github.com/quantdesk/risk-core/internal/sizing"
	"github.com/quantdesk/risk-core/internal/stops"
	"github.com/quantdesk/risk-core/internal/supervisor"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	logLevel := flag.String("log-level", "", "Log level override (debug, info, warn, error)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	level := cfg.Logging.Level
	if *logLevel != "" {
		level = *logLevel
	}
	logger := setupLogger(level, cfg.Logging.Development)
	defer logger.Sync()

	logger.Info("Starting risk core",
		zap.String("addr", cfg.Server.Addr()),
		zap.String("sizingMethod", cfg.Sizing.Method),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Account and execution: paper fills against an in-process account.
	acct := account.NewPaperAccount(logger, decimal.NewFromFloat(cfg.Account.InitialCash))
	executor := execution.NewPaperExecutor(logger, acct)

	// Alert fan-out: console always, webhook when configured, WebSocket
	// subscribers via the API hub (wired below).
	sinkList := []alerts.Sink{alerts.NewConsoleSink(logger)}
	if cfg.Alerts.WebhookURL != "" {
		sinkList = append(sinkList, alerts.NewWebhookSink(logger, cfg.Alerts.WebhookURL))
	}

	// Risk components.
	engine := risk.NewEngine(logger, cfg.Risk.RiskConfig(), acct, acct)
	stopManager := stops.NewManager(logger, executor, nil)
	sizer := sizing.NewManager(logger, cfg.Sizing.SizingConfig(), acct)
	monitor := metrics.NewMonitor(logger, cfg.Metrics.MetricsConfig())

	superConfig := supervisor.Config{
		SnapshotInterval: cfg.Supervisor.SnapshotInterval,
		StopInterval:     cfg.Supervisor.StopInterval,
		MaxDrawdownKill:  cfg.Metrics.MaxDrawdownAlert,
	}

	server := api.NewServer(
		logger,
		api.ServerConfig{
			Addr:         cfg.Server.Addr(),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
		engine,
		stopManager,
		sizer,
		monitor,
		acct,
		acct,
		nil,
	)

	sinkList = append(sinkList, api.NewHubSink(server.Hub()))
	sink := alerts.NewMultiSink(sinkList...)
	engine.SetAlertSink(sink)
	stopManager.SetAlertSink(sink)

	super := supervisor.NewSupervisor(logger, superConfig, engine, stopManager, monitor, acct, acct, acct, executor, sink)
	server.SetSupervisor(super)
	super.Start(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("Server error", zap.Error(err))
			sigChan <- syscall.SIGTERM
		}
	}()

	logger.Info("Server started successfully",
		zap.String("http", fmt.Sprintf("http://%s/api/v1", cfg.Server.Addr())),
		zap.String("ws", fmt.Sprintf("ws://%s/ws", cfg.Server.Addr())),
	)

	<-sigChan
	logger.Info("Shutdown signal received")

	cancel()
	super.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Error during server shutdown", zap.Error(err))
	}

	logger.Info("Server stopped")
}

func setupLogger(level string, development bool) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: development,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}

	return logger
}
