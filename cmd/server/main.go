package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/raj577/DeltaDeck/internal/assist"
	"github.com/raj577/DeltaDeck/internal/broker"
	"github.com/raj577/DeltaDeck/internal/config"
	"github.com/raj577/DeltaDeck/internal/feed"
	"github.com/raj577/DeltaDeck/internal/models"
	"github.com/raj577/DeltaDeck/internal/server"
	"github.com/raj577/DeltaDeck/internal/spreads"
	"github.com/raj577/DeltaDeck/internal/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// .env is optional; secrets may come from the real environment.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	logger := newLogger(cfg.Environment.LogLevel)
	logger.Infof("Starting market-data bridge in %s mode", cfg.Environment.Mode)

	// Session token cache
	sessionPath := cfg.Storage.SessionPath
	if sessionPath == "" {
		sessionPath = "data/session.json"
	}
	cache, err := storage.NewSessionCache(sessionPath)
	if err != nil {
		logger.Fatalf("Failed to open session cache: %v", err)
	}

	// Venue REST client and session manager
	api := broker.NewSmartAPI(cfg.Broker.APIKey).WithTimeout(cfg.GetHTTPTimeout())
	if cfg.Broker.APIEndpoint != "" {
		api = broker.NewSmartAPIWithBaseURL(cfg.Broker.APIKey, cfg.Broker.APIEndpoint).WithTimeout(cfg.GetHTTPTimeout())
	}
	creds := broker.Credentials{
		APIKey:     cfg.Broker.APIKey,
		ClientCode: cfg.Broker.ClientCode,
		Password:   cfg.Broker.Password,
		TOTPSecret: cfg.Broker.TOTPSecret,
	}
	sessions := broker.NewSessionManager(api, creds, cache, logger)

	client := broker.NewClient(api, sessions, logger)
	var venue broker.Broker = broker.NewCircuitBreakerBroker(client, logger)

	// Upstream feed and fan-out hub
	streamURL := cfg.Stream.URL
	if streamURL == "" {
		streamURL = "wss://smartapisocket.angelone.in/smart-stream"
	}
	var hub *feed.Hub
	conn := feed.NewConnection(feed.ConnectionConfig{
		URL:               streamURL,
		APIKey:            cfg.Broker.APIKey,
		ClientCode:        cfg.Broker.ClientCode,
		ReconnectBackoff:  cfg.GetReconnectBackoff(),
		HeartbeatInterval: cfg.GetHeartbeatInterval(),
	}, sessions, func(tick models.Tick) { hub.Broadcast(tick) }, logger)
	hub = feed.NewHub(conn.Run, logger)

	// Matching engine and assist proxy
	analyzer := spreads.NewAnalyzer(logger)
	assistClient := assist.NewClient(cfg.Assist.APIKey).WithModel(cfg.Assist.Model)

	srv := server.NewServer(server.Config{
		Port:        cfg.Server.Port,
		CORSOrigins: cfg.Server.CORSOrigins,
	}, venue, hub, analyzer, assistClient, logger)

	// Establish a session up front so the first request does not pay the
	// login cost. Failure here is not fatal; EnsureSession retries per call.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if !venue.EnsureSession(ctx) {
		logger.Warn("No venue session at startup, will retry on demand")
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Infof("Received %s, shutting down", sig)
	case err := <-errCh:
		logger.Errorf("Server error: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server shutdown failed")
	}
	hub.Shutdown()

	if err := venue.Logout(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Venue logout failed")
	}

	logger.Info("Bridge stopped")
}

func newLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	return logger
}
