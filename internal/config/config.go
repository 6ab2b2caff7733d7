package config

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/gregtusar/rangebreak/pkg/secrets"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Broker   BrokerConfig   `mapstructure:"broker"`
	Trading  TradingConfig  `mapstructure:"trading"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	GCP      GCPConfig      `mapstructure:"gcp"`
}

type ServerConfig struct {
	Port      int    `mapstructure:"port"`
	APISecret string `mapstructure:"api_secret"` // HS256 secret for mutating endpoints
}

type BrokerConfig struct {
	BaseURL           string `mapstructure:"base_url"`
	WebSocketURL      string `mapstructure:"websocket_url"`
	StreamQuotes      bool   `mapstructure:"stream_quotes"`
	ConsumerKey       string `mapstructure:"consumer_key"`
	AccessToken       string `mapstructure:"access_token"`
	AccessTokenSecret string `mapstructure:"access_token_secret"`
	DHPrime           string `mapstructure:"dh_prime"`
	Realm             string `mapstructure:"realm"`
	SigningKeyPath    string `mapstructure:"signing_key_path"`
	EncryptionKeyPath string `mapstructure:"encryption_key_path"`
	PaperOnly         bool   `mapstructure:"paper_only"`
	PaperPrefix       string `mapstructure:"paper_prefix"`

	MaxRetries        int     `mapstructure:"max_retries"`
	BackoffBaseMillis int     `mapstructure:"backoff_base_ms"`
	ExpirySkewSecs    int     `mapstructure:"expiry_skew_secs"`
	RateLimit         float64 `mapstructure:"rate_limit"`
	KeepaliveSecs     int     `mapstructure:"keepalive_secs"`
	PollIntervalSecs  int     `mapstructure:"poll_interval_secs"`
	MaxPollAttempts   int     `mapstructure:"max_poll_attempts"`
	SettleDelaySecs   int     `mapstructure:"settle_delay_secs"`
}

type TradingConfig struct {
	Allocation          float64 `mapstructure:"allocation"`
	MaxShares           int64   `mapstructure:"max_shares"`
	DefaultStopPct      float64 `mapstructure:"default_stop_pct"`
	SessionOpen         string  `mapstructure:"session_open"`
	RangeMinutes        int     `mapstructure:"range_minutes"`
	PartialExitDays     int     `mapstructure:"partial_exit_days"`
	PartialExitFraction float64 `mapstructure:"partial_exit_fraction"`
	LoopSecs            int     `mapstructure:"loop_secs"`
	Timezone            string  `mapstructure:"timezone"`
}

type NotifyConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
}

type DatabaseConfig struct {
	DSN       string `mapstructure:"dsn"`
	UseMemory bool   `mapstructure:"use_memory"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type GCPConfig struct {
	ProjectID       string              `mapstructure:"project_id"`
	UseSecrets      bool                `mapstructure:"use_secrets"`
	CredentialsFile string              `mapstructure:"credentials_file"`
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
		v.AddConfigPath("/etc/rangebreak")
	}

	v.SetEnvPrefix("RANGEBREAK")
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

	// Broker defaults
	v.SetDefault("broker.base_url", "https://api.ibkr.com/v1/api")
	v.SetDefault("broker.websocket_url", "wss://api.ibkr.com/v1/api/ws")
	v.SetDefault("broker.stream_quotes", false)
	v.SetDefault("broker.realm", "limited_poa")
	v.SetDefault("broker.paper_only", true)
	v.SetDefault("broker.paper_prefix", "DU")
	v.SetDefault("broker.max_retries", 5)
	v.SetDefault("broker.backoff_base_ms", 1000)
	v.SetDefault("broker.expiry_skew_secs", 300)
	v.SetDefault("broker.rate_limit", 10)
	v.SetDefault("broker.keepalive_secs", 60)
	v.SetDefault("broker.poll_interval_secs", 2)
	v.SetDefault("broker.max_poll_attempts", 10)
	v.SetDefault("broker.settle_delay_secs", 1)

	// Trading defaults
	v.SetDefault("trading.allocation", 5000.0)
	v.SetDefault("trading.max_shares", 1000)
	v.SetDefault("trading.default_stop_pct", 0.05)
	v.SetDefault("trading.session_open", "09:30")
	v.SetDefault("trading.range_minutes", 10)
	v.SetDefault("trading.partial_exit_days", 0)
	v.SetDefault("trading.partial_exit_fraction", 0.5)
	v.SetDefault("trading.loop_secs", 15)
	v.SetDefault("trading.timezone", "America/New_York")

	// Database defaults
	v.SetDefault("database.use_memory", false)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// GCP defaults
	v.SetDefault("gcp.use_secrets", false)
	v.SetDefault("gcp.project_id", "")

	secretNames := secrets.DefaultSecretNames()
	v.SetDefault("gcp.secret_names.consumer_key", secretNames.ConsumerKey)
	v.SetDefault("gcp.secret_names.access_token", secretNames.AccessToken)
	v.SetDefault("gcp.secret_names.access_token_secret", secretNames.AccessTokenSecret)
	v.SetDefault("gcp.secret_names.webhook_url", secretNames.WebhookURL)
	v.SetDefault("gcp.secret_names.api_secret", secretNames.APISecret)
}

func overrideFromEnv(config *Config) {
	// Broker credentials from environment
	if key := os.Getenv("IBKR_CONSUMER_KEY"); key != "" {
		config.Broker.ConsumerKey = key
	}
	if token := os.Getenv("IBKR_ACCESS_TOKEN"); token != "" {
		config.Broker.AccessToken = token
	}
	if secret := os.Getenv("IBKR_ACCESS_TOKEN_SECRET"); secret != "" {
		config.Broker.AccessTokenSecret = secret
	}
	if prime := os.Getenv("IBKR_DH_PRIME"); prime != "" {
		config.Broker.DHPrime = prime
	}
	if path := os.Getenv("IBKR_SIGNING_KEY_PATH"); path != "" {
		config.Broker.SigningKeyPath = path
	}
	if path := os.Getenv("IBKR_ENCRYPTION_KEY_PATH"); path != "" {
		config.Broker.EncryptionKeyPath = path
	}

	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		config.Database.DSN = dsn
	}
	if url := os.Getenv("NOTIFY_WEBHOOK_URL"); url != "" {
		config.Notify.WebhookURL = url
	}
	if secret := os.Getenv("API_SECRET"); secret != "" {
		config.Server.APISecret = secret
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
	if config.Broker.ConsumerKey == "" {
		config.Broker.ConsumerKey = secretManager.GetSecretWithDefault(ctx,
			config.GCP.SecretNames.ConsumerKey, "")
	}
	if config.Broker.AccessToken == "" {
		config.Broker.AccessToken = secretManager.GetSecretWithDefault(ctx,
			config.GCP.SecretNames.AccessToken, "")
	}
	if config.Broker.AccessTokenSecret == "" {
		config.Broker.AccessTokenSecret = secretManager.GetSecretWithDefault(ctx,
			config.GCP.SecretNames.AccessTokenSecret, "")
	}
	if config.Notify.WebhookURL == "" {
		config.Notify.WebhookURL = secretManager.GetSecretWithDefault(ctx,
			config.GCP.SecretNames.WebhookURL, "")
	}
	if config.Server.APISecret == "" {
		config.Server.APISecret = secretManager.GetSecretWithDefault(ctx,
			config.GCP.SecretNames.APISecret, "")
	}

	logger.Info("Successfully loaded secrets from GCP Secret Manager")
	return nil
}
