package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tickworks/flowtrader/api"
	"github.com/tickworks/flowtrader/internal/config"
	"github.com/tickworks/flowtrader/internal/metrics"
	"github.com/tickworks/flowtrader/pkg/execution"
	"github.com/tickworks/flowtrader/pkg/feed"
	"github.com/tickworks/flowtrader/pkg/models"
	"github.com/tickworks/flowtrader/pkg/oracle"
	"github.com/tickworks/flowtrader/pkg/trader"
	"github.com/tickworks/flowtrader/pkg/venue"
)

var (
	cfgFile string
	paper   bool
	logger  *logrus.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "flowtrader",
		Short: "Order flow trading system",
		Long:  `A trading system that reads order book flow, detects iceberg, spoofing and absorption patterns, and executes signals against a strategy oracle`,
		Run:   runTrader,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&paper, "paper", false, "use the in-process paper venue instead of the live venue")

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runTrader(cmd *cobra.Command, args []string) {
	// Local development credentials
	godotenv.Load()

	logger = logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(cfgFile)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		logger.WithError(err).Error("Invalid log level, using INFO")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	tickSize, err := decimal.NewFromString(cfg.Instrument.TickSize)
	if err != nil || tickSize.IsZero() {
		logger.WithField("tick_size", cfg.Instrument.TickSize).Fatal("Invalid instrument tick size")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	orc := oracle.NewHTTPOracle(
		cfg.Oracle.URL,
		cfg.Oracle.Token,
		time.Duration(cfg.Oracle.Timeout)*time.Second,
		cfg.Oracle.RateLimit,
		logger,
	)

	var (
		execVenue     execution.Venue
		notifications <-chan models.VenueNotification
		venueClient   *venue.Client
	)
	if paper {
		paperVenue := execution.NewPaperVenue()
		execVenue = paperVenue
		notifications = paperVenue.Notifications()
		logger.Info("Using paper venue")
	} else {
		auth, err := buildAuthenticator(cfg)
		if err != nil {
			logger.WithError(err).Fatal("Failed to build venue authenticator")
		}
		venueClient = venue.NewClient(
			cfg.Venue.BaseURL,
			cfg.Venue.StreamURL,
			cfg.Instrument.Symbol,
			tickSize,
			auth,
			cfg.Venue.RateLimit,
			logger,
		)
		if err := venueClient.ConnectStream(ctx); err != nil {
			logger.WithError(err).Fatal("Failed to connect to venue user stream")
		}
		execVenue = venueClient
		notifications = venueClient.Notifications()
	}

	managerCfg := cfg.ManagerConfig()
	managerCfg.OnTransition = func(from, to execution.State) {
		if to.Terminal() {
			m.OrdersTotal.WithLabelValues(string(to)).Inc()
		}
	}
	execManager := execution.NewManager(cfg.Instrument.Symbol, execVenue, managerCfg, logger)

	flowTrader := trader.New(
		trader.DefaultConfig(cfg.Instrument.Symbol),
		cfg.DetectorConfig(),
		cfg.EmitterConfig(),
		orc,
		execManager,
		m,
		logger,
	)
	flowTrader.Start(ctx, notifications)

	feedClient := feed.NewClient(
		cfg.Feed.URL,
		cfg.Instrument.Symbol,
		tickSize,
		time.Duration(cfg.Feed.ReconnectDelay)*time.Second,
		cfg.Feed.MaxReconnects,
		flowTrader.Ingest,
		logger,
	)
	if err := feedClient.Connect(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to connect to market data feed")
	}

	apiServer := api.NewServer(flowTrader, registry, logger, fmt.Sprintf("%d", cfg.Server.Port))
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.WithError(err).Fatal("Failed to start API server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.WithField("instrument", cfg.Instrument.Symbol).Info("Flow trader is running. Press Ctrl+C to stop.")

	<-sigChan
	logger.Info("Received shutdown signal")

	flowTrader.Stop()
	if venueClient != nil {
		venueClient.Close()
	}
	cancel()

	logger.Info("Flow trader stopped")
}

func buildAuthenticator(cfg *config.Config) (venue.Authenticator, error) {
	switch venue.AuthType(cfg.Venue.AuthType) {
	case venue.AuthTypeJWT:
		return venue.NewJWTAuthenticator(cfg.Venue.APIKeyName, cfg.Venue.PrivateKeyPEM)
	case venue.AuthTypeHMAC, "":
		return venue.NewHMACAuthenticator(cfg.Venue.APIKey, cfg.Venue.APISecret, cfg.Venue.Passphrase), nil
	default:
		return nil, fmt.Errorf("unknown venue auth type %q", cfg.Venue.AuthType)
	}
}
