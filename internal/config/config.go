package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/tickworks/flowtrader/pkg/detect"
	"github.com/tickworks/flowtrader/pkg/execution"
	"github.com/tickworks/flowtrader/pkg/models"
	"github.com/tickworks/flowtrader/pkg/secrets"
	"github.com/tickworks/flowtrader/pkg/signal"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Instrument InstrumentConfig `mapstructure:"instrument"`
	Feed       FeedConfig       `mapstructure:"feed"`
	Venue      VenueConfig      `mapstructure:"venue"`
	Oracle     OracleConfig     `mapstructure:"oracle"`
	Detect     DetectConfig     `mapstructure:"detect"`
	Signal     SignalConfig     `mapstructure:"signal"`
	Execution  ExecutionConfig  `mapstructure:"execution"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	GCP        GCPConfig        `mapstructure:"gcp"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type InstrumentConfig struct {
	Symbol   string `mapstructure:"symbol"`
	TickSize string `mapstructure:"tick_size"`
}

type FeedConfig struct {
	URL            string `mapstructure:"url"`
	ReconnectDelay int    `mapstructure:"reconnect_delay"`
	MaxReconnects  int    `mapstructure:"max_reconnects"`
}

type VenueConfig struct {
	BaseURL   string  `mapstructure:"base_url"`
	StreamURL string  `mapstructure:"stream_url"`
	RateLimit float64 `mapstructure:"rate_limit"`

	// HMAC authentication
	APIKey     string `mapstructure:"api_key"`
	APISecret  string `mapstructure:"api_secret"`
	Passphrase string `mapstructure:"passphrase"`

	// JWT authentication
	AuthType      string `mapstructure:"auth_type"` // "hmac" or "jwt"
	APIKeyName    string `mapstructure:"api_key_name"`
	PrivateKeyPEM string `mapstructure:"private_key_pem"`
}

type OracleConfig struct {
	URL       string  `mapstructure:"url"`
	Token     string  `mapstructure:"token"`
	Timeout   int     `mapstructure:"timeout"`
	RateLimit float64 `mapstructure:"rate_limit"`
}

type DetectConfig struct {
	IcebergMinOrders       int   `mapstructure:"iceberg_min_orders"`
	SpoofMinSize           int64 `mapstructure:"spoof_min_size"`
	SpoofMaxAgeMs          int   `mapstructure:"spoof_max_age_ms"`
	AbsorptionMinTradeSize int64 `mapstructure:"absorption_min_trade_size"`
	AbsorptionMinResting   int64 `mapstructure:"absorption_min_resting_size"`
	AbsorptionWindowMs     int   `mapstructure:"absorption_window_ms"`
}

type SignalConfig struct {
	MinScore        float64 `mapstructure:"min_score"`
	StopATRMultiple float64 `mapstructure:"stop_atr_multiple"`
	RiskReward      float64 `mapstructure:"risk_reward"`
	ActiveHourStart int     `mapstructure:"active_hour_start"`
	ActiveHourEnd   int     `mapstructure:"active_hour_end"`
	GlobalCooldown  int     `mapstructure:"global_cooldown"`
	PriceCooldown   int     `mapstructure:"price_cooldown"`
}

type ExecutionConfig struct {
	DefaultSize      int64  `mapstructure:"default_size"`
	SweepInterval    int    `mapstructure:"sweep_interval"`
	RepriceExpiry    int    `mapstructure:"reprice_expiry"`
	RepriceStepTicks int64  `mapstructure:"reprice_step_ticks"`
	MaxRiskTicks     int64  `mapstructure:"max_risk_ticks"`
	MaxChaseTicks    int64  `mapstructure:"max_chase_ticks"`
	MaxSlippageTicks int64  `mapstructure:"max_slippage_ticks"`
	DefaultTIF       string `mapstructure:"default_tif"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type GCPConfig struct {
	ProjectID       string              `mapstructure:"project_id"`
	CredentialsFile string              `mapstructure:"credentials_file"`
	UseSecrets      bool                `mapstructure:"use_secrets"`
	SecretNames     secrets.SecretNames `mapstructure:"secret_names"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/flowtrader")
	}

	v.SetEnvPrefix("FLOW")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	overrideFromEnv(&config)

	if config.GCP.UseSecrets && config.GCP.ProjectID != "" {
		ctx := context.Background()
		logger := logrus.New()
		if err := loadSecretsFromGCP(ctx, &config, logger); err != nil {
			return nil, fmt.Errorf("error loading secrets from GCP: %w", err)
		}
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)

	// Instrument defaults
	v.SetDefault("instrument.symbol", "ESZ6")
	v.SetDefault("instrument.tick_size", "0.25")

	// Feed defaults
	v.SetDefault("feed.url", "wss://feed.example.com/book")
	v.SetDefault("feed.reconnect_delay", 5)
	v.SetDefault("feed.max_reconnects", 10)

	// Venue defaults
	v.SetDefault("venue.base_url", "https://api.example.com")
	v.SetDefault("venue.stream_url", "wss://api.example.com/stream/user")
	v.SetDefault("venue.auth_type", "hmac")
	v.SetDefault("venue.rate_limit", 10.0)

	// Oracle defaults
	v.SetDefault("oracle.url", "http://localhost:8090/decide")
	v.SetDefault("oracle.timeout", 5)
	v.SetDefault("oracle.rate_limit", 5.0)

	// Detection defaults
	defDetect := detect.DefaultConfig()
	v.SetDefault("detect.iceberg_min_orders", defDetect.IcebergMinOrders)
	v.SetDefault("detect.spoof_min_size", defDetect.SpoofMinSize)
	v.SetDefault("detect.spoof_max_age_ms", int(defDetect.SpoofMaxAge/time.Millisecond))
	v.SetDefault("detect.absorption_min_trade_size", defDetect.AbsorptionMinTradeSize)
	v.SetDefault("detect.absorption_min_resting_size", defDetect.AbsorptionMinRestingSize)
	v.SetDefault("detect.absorption_window_ms", int(defDetect.AbsorptionRecentWindow/time.Millisecond))

	// Signal defaults
	defSignal := signal.DefaultConfig()
	v.SetDefault("signal.min_score", defSignal.MinScore)
	v.SetDefault("signal.stop_atr_multiple", defSignal.StopATRMultiple)
	v.SetDefault("signal.risk_reward", defSignal.RiskReward)
	v.SetDefault("signal.active_hour_start", defSignal.ActiveHourStart)
	v.SetDefault("signal.active_hour_end", defSignal.ActiveHourEnd)
	v.SetDefault("signal.global_cooldown", int(defSignal.GlobalCooldown/time.Second))
	v.SetDefault("signal.price_cooldown", int(defSignal.PriceCooldown/time.Second))

	// Execution defaults
	defExec := execution.DefaultConfig()
	v.SetDefault("execution.default_size", defExec.DefaultSize)
	v.SetDefault("execution.sweep_interval", int(defExec.SweepInterval/time.Second))
	v.SetDefault("execution.reprice_expiry", int(defExec.RepriceExpiry/time.Second))
	v.SetDefault("execution.reprice_step_ticks", defExec.RepriceStepTicks)
	v.SetDefault("execution.max_risk_ticks", defExec.Constraints.MaxRiskTicks)
	v.SetDefault("execution.max_chase_ticks", defExec.Constraints.MaxChaseTicks)
	v.SetDefault("execution.max_slippage_ticks", defExec.Constraints.MaxSlippageTicks)
	v.SetDefault("execution.default_tif", defExec.Constraints.DefaultTIF)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")

	// GCP defaults
	v.SetDefault("gcp.use_secrets", false)
	v.SetDefault("gcp.project_id", "")
	v.SetDefault("gcp.credentials_file", "")

	// Secret name defaults
	secretNames := secrets.DefaultSecretNames()
	v.SetDefault("gcp.secret_names.venue_api_key", secretNames.VenueAPIKey)
	v.SetDefault("gcp.secret_names.venue_api_secret", secretNames.VenueAPISecret)
	v.SetDefault("gcp.secret_names.venue_passphrase", secretNames.VenuePassphrase)
	v.SetDefault("gcp.secret_names.venue_jwt_key_name", secretNames.VenueJWTKeyName)
	v.SetDefault("gcp.secret_names.venue_jwt_key_pem", secretNames.VenueJWTKeyPEM)
	v.SetDefault("gcp.secret_names.oracle_token", secretNames.OracleToken)
}

func overrideFromEnv(config *Config) {
	// Venue credentials from environment
	if apiKey := os.Getenv("VENUE_API_KEY"); apiKey != "" {
		config.Venue.APIKey = apiKey
	}
	if apiSecret := os.Getenv("VENUE_API_SECRET"); apiSecret != "" {
		config.Venue.APISecret = apiSecret
	}
	if passphrase := os.Getenv("VENUE_PASSPHRASE"); passphrase != "" {
		config.Venue.Passphrase = passphrase
	}
	if authType := os.Getenv("VENUE_AUTH_TYPE"); authType != "" {
		config.Venue.AuthType = authType
	}
	if apiKeyName := os.Getenv("VENUE_API_KEY_NAME"); apiKeyName != "" {
		config.Venue.APIKeyName = apiKeyName
	}
	if privateKey := os.Getenv("VENUE_PRIVATE_KEY"); privateKey != "" {
		config.Venue.PrivateKeyPEM = privateKey
	}

	// Oracle token from environment
	if token := os.Getenv("ORACLE_TOKEN"); token != "" {
		config.Oracle.Token = token
	}

	// GCP configuration from environment
	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		config.GCP.ProjectID = projectID
	}
	if useSecrets := os.Getenv("GCP_USE_SECRETS"); useSecrets == "true" {
		config.GCP.UseSecrets = true
	}
}

func loadSecretsFromGCP(ctx context.Context, config *Config, logger *logrus.Logger) error {
	secretManager, err := secrets.NewGCPSecretManager(ctx, config.GCP.ProjectID, config.GCP.CredentialsFile, logger)
	if err != nil {
		return fmt.Errorf("failed to create secret manager: %w", err)
	}
	defer secretManager.Close()

	// Only load secrets that are not already set
	if config.Venue.APIKey == "" {
		config.Venue.APIKey = secretManager.GetSecretWithDefault(ctx,
			config.GCP.SecretNames.VenueAPIKey, "")
	}
	if config.Venue.APISecret == "" {
		config.Venue.APISecret = secretManager.GetSecretWithDefault(ctx,
			config.GCP.SecretNames.VenueAPISecret, "")
	}
	if config.Venue.Passphrase == "" {
		config.Venue.Passphrase = secretManager.GetSecretWithDefault(ctx,
			config.GCP.SecretNames.VenuePassphrase, "")
	}
	if config.Venue.APIKeyName == "" {
		config.Venue.APIKeyName = secretManager.GetSecretWithDefault(ctx,
			config.GCP.SecretNames.VenueJWTKeyName, "")
	}
	if config.Venue.PrivateKeyPEM == "" {
		config.Venue.PrivateKeyPEM = secretManager.GetSecretWithDefault(ctx,
			config.GCP.SecretNames.VenueJWTKeyPEM, "")
	}
	if config.Oracle.Token == "" {
		config.Oracle.Token = secretManager.GetSecretWithDefault(ctx,
			config.GCP.SecretNames.OracleToken, "")
	}

	logger.Info("Successfully loaded secrets from GCP Secret Manager")
	return nil
}

// DetectorConfig converts the file representation into detector settings.
func (c *Config) DetectorConfig() detect.Config {
	return detect.Config{
		IcebergMinOrders:         c.Detect.IcebergMinOrders,
		SpoofMinSize:             c.Detect.SpoofMinSize,
		SpoofMaxAge:              time.Duration(c.Detect.SpoofMaxAgeMs) * time.Millisecond,
		AbsorptionMinTradeSize:   c.Detect.AbsorptionMinTradeSize,
		AbsorptionMinRestingSize: c.Detect.AbsorptionMinResting,
		AbsorptionRecentWindow:   time.Duration(c.Detect.AbsorptionWindowMs) * time.Millisecond,
	}
}

// EmitterConfig converts the file representation into signal settings,
// keeping the built-in score weights.
func (c *Config) EmitterConfig() signal.Config {
	cfg := signal.DefaultConfig()
	cfg.MinScore = c.Signal.MinScore
	cfg.StopATRMultiple = c.Signal.StopATRMultiple
	cfg.RiskReward = c.Signal.RiskReward
	cfg.ActiveHourStart = c.Signal.ActiveHourStart
	cfg.ActiveHourEnd = c.Signal.ActiveHourEnd
	cfg.GlobalCooldown = time.Duration(c.Signal.GlobalCooldown) * time.Second
	cfg.PriceCooldown = time.Duration(c.Signal.PriceCooldown) * time.Second
	return cfg
}

// ManagerConfig converts the file representation into execution settings.
func (c *Config) ManagerConfig() execution.Config {
	return execution.Config{
		DefaultSize:      c.Execution.DefaultSize,
		SweepInterval:    time.Duration(c.Execution.SweepInterval) * time.Second,
		RepriceExpiry:    time.Duration(c.Execution.RepriceExpiry) * time.Second,
		RepriceStepTicks: c.Execution.RepriceStepTicks,
		IdempotencyTTL:   execution.DefaultConfig().IdempotencyTTL,
		Constraints: models.Constraints{
			MaxRiskTicks:     c.Execution.MaxRiskTicks,
			MaxChaseTicks:    c.Execution.MaxChaseTicks,
			MaxSlippageTicks: c.Execution.MaxSlippageTicks,
			DefaultTIF:       c.Execution.DefaultTIF,
		},
	}
}
