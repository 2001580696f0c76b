/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the billing-service.
// These values are loaded from environment variables. Money amounts are
// integer minor units throughout.
type Config struct {
	ServerPort             string `mapstructure:"SERVER_PORT"`
	DatabaseURL            string `mapstructure:"DATABASE_URL"`
	RedisURL               string `mapstructure:"REDIS_URL"`
	RedisLeasePrefix       string `mapstructure:"REDIS_LEASE_PREFIX"`
	RabbitMQURL            string `mapstructure:"RABBITMQ_URL"`
	AuditExchange          string `mapstructure:"AUDIT_EXCHANGE"`
	EventExchange          string `mapstructure:"EVENT_EXCHANGE"`
	GatewayAPIBaseURL      string `mapstructure:"GATEWAY_API_BASE_URL"`
	GatewayAPIKey          string `mapstructure:"GATEWAY_API_KEY"`
	GatewayWebhookSecret   string `mapstructure:"GATEWAY_WEBHOOK_SECRET"`
	JWKSURL                string `mapstructure:"JWKS_URL"`
	SweepSchedule          string `mapstructure:"SWEEP_SCHEDULE"`
	BillingSchedule        string `mapstructure:"BILLING_SCHEDULE"`
	SweepBatchLimit        int    `mapstructure:"SWEEP_BATCH_LIMIT"`
	SweepMinAgeSeconds     int    `mapstructure:"SWEEP_MIN_AGE_SECONDS"`
	OrderPaymentMaxAgeHrs  int    `mapstructure:"ORDER_PAYMENT_MAX_AGE_HOURS"`
	LeaseWaitMs            int    `mapstructure:"LEASE_WAIT_MS"`
	LeaseTTLSeconds        int    `mapstructure:"LEASE_TTL_SECONDS"`
	BillingRetryLimit      int    `mapstructure:"BILLING_RETRY_LIMIT"`
	BillingSuspendAfter    int    `mapstructure:"BILLING_SUSPEND_AFTER"`
	BillingRetryBaseMins   int    `mapstructure:"BILLING_RETRY_BASE_MINUTES"`
	GatewayTimeoutSeconds  int    `mapstructure:"GATEWAY_TIMEOUT_SECONDS"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_LEASE_PREFIX", "billing:lease")
	viper.SetDefault("AUDIT_EXCHANGE", "reconciliation_audit")
	viper.SetDefault("EVENT_EXCHANGE", "billing_events")
	viper.SetDefault("SWEEP_SCHEDULE", "*/5 * * * *")
	viper.SetDefault("BILLING_SCHEDULE", "0 * * * *")
	viper.SetDefault("SWEEP_BATCH_LIMIT", 100)
	viper.SetDefault("SWEEP_MIN_AGE_SECONDS", 300)
	viper.SetDefault("ORDER_PAYMENT_MAX_AGE_HOURS", 24)
	viper.SetDefault("LEASE_WAIT_MS", 2000)
	viper.SetDefault("LEASE_TTL_SECONDS", 30)
	viper.SetDefault("BILLING_RETRY_LIMIT", 3)
	viper.SetDefault("BILLING_SUSPEND_AFTER", 4)
	viper.SetDefault("BILLING_RETRY_BASE_MINUTES", 30)
	viper.SetDefault("GATEWAY_TIMEOUT_SECONDS", 15)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "BILLING_REDIS_URL")
	_ = viper.BindEnv("REDIS_LEASE_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("AUDIT_EXCHANGE")
	_ = viper.BindEnv("EVENT_EXCHANGE")
	_ = viper.BindEnv("GATEWAY_API_BASE_URL")
	_ = viper.BindEnv("GATEWAY_API_KEY")
	_ = viper.BindEnv("GATEWAY_WEBHOOK_SECRET")
	_ = viper.BindEnv("JWKS_URL")
	_ = viper.BindEnv("SWEEP_SCHEDULE")
	_ = viper.BindEnv("BILLING_SCHEDULE")
	_ = viper.BindEnv("SWEEP_BATCH_LIMIT")
	_ = viper.BindEnv("SWEEP_MIN_AGE_SECONDS")
	_ = viper.BindEnv("ORDER_PAYMENT_MAX_AGE_HOURS")
	_ = viper.BindEnv("LEASE_WAIT_MS")
	_ = viper.BindEnv("LEASE_TTL_SECONDS")
	_ = viper.BindEnv("BILLING_RETRY_LIMIT")
	_ = viper.BindEnv("BILLING_SUSPEND_AFTER")
	_ = viper.BindEnv("BILLING_RETRY_BASE_MINUTES")
	_ = viper.BindEnv("GATEWAY_TIMEOUT_SECONDS")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisLeasePrefix = strings.TrimSpace(config.RedisLeasePrefix)
	if config.RedisLeasePrefix == "" {
		config.RedisLeasePrefix = "billing:lease"
	}
	config.GatewayWebhookSecret = strings.TrimSpace(config.GatewayWebhookSecret)

	if config.SweepBatchLimit <= 0 {
		config.SweepBatchLimit = 100
	}
	if config.SweepMinAgeSeconds <= 0 {
		config.SweepMinAgeSeconds = 300
	}
	if config.OrderPaymentMaxAgeHrs <= 0 {
		config.OrderPaymentMaxAgeHrs = 24
	}
	if config.LeaseWaitMs <= 0 {
		config.LeaseWaitMs = 2000
	}
	if config.LeaseTTLSeconds <= 0 {
		config.LeaseTTLSeconds = 30
	}
	if config.BillingRetryLimit <= 0 {
		config.BillingRetryLimit = 3
	}
	if config.BillingSuspendAfter <= config.BillingRetryLimit {
		log.Printf("level=warn component=config msg=\"suspension threshold must exceed retry limit; coercing\" retry_limit=%d suspend_after=%d",
			config.BillingRetryLimit, config.BillingSuspendAfter)
		config.BillingSuspendAfter = config.BillingRetryLimit + 1
	}
	if config.BillingRetryBaseMins <= 0 {
		config.BillingRetryBaseMins = 30
	}
	if config.GatewayTimeoutSeconds <= 0 {
		config.GatewayTimeoutSeconds = 15
	}

	return
}
