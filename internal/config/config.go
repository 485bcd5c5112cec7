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

// Config holds all the configuration variables for the donation-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort              string  `mapstructure:"SERVER_PORT"`
	DatabaseURL             string  `mapstructure:"DATABASE_URL"`
	RedisURL                string  `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix    string  `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL             string  `mapstructure:"RABBITMQ_URL"`
	CharitiesLayerURL       string  `mapstructure:"CHARITIES_LAYER_URL"`
	NeediesLayerURL         string  `mapstructure:"NEEDIES_LAYER_URL"`
	DonorsLayerURL          string  `mapstructure:"DONORS_LAYER_URL"`
	DonationsLayerURL       string  `mapstructure:"DONATIONS_LAYER_URL"`
	InternalAPIKey          string  `mapstructure:"INTERNAL_API_KEY"`
	MinDonationEGP          float64 `mapstructure:"MIN_DONATION_EGP"`
	MaxDonationEGP          float64 `mapstructure:"MAX_DONATION_EGP"`
	BatchRateLimitPerMinute int     `mapstructure:"BATCH_RATE_LIMIT_PER_MINUTE"`
	ReconcileSchedule       string  `mapstructure:"RECONCILE_SCHEDULE"`
	ReconcileMaxAttempts    int     `mapstructure:"RECONCILE_MAX_ATTEMPTS"`
	ReconcileBatchSize      int     `mapstructure:"RECONCILE_BATCH_SIZE"`
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
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "givemap:rate_limit")
	viper.SetDefault("MIN_DONATION_EGP", 0.0)
	viper.SetDefault("MAX_DONATION_EGP", 1000000.0)
	viper.SetDefault("BATCH_RATE_LIMIT_PER_MINUTE", 10)
	viper.SetDefault("RECONCILE_SCHEDULE", "@every 5m")
	viper.SetDefault("RECONCILE_MAX_ATTEMPTS", 5)
	viper.SetDefault("RECONCILE_BATCH_SIZE", 50)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "DONATION_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("CHARITIES_LAYER_URL")
	_ = viper.BindEnv("NEEDIES_LAYER_URL")
	_ = viper.BindEnv("DONORS_LAYER_URL")
	_ = viper.BindEnv("DONATIONS_LAYER_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "DONATION_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("MIN_DONATION_EGP")
	_ = viper.BindEnv("MAX_DONATION_EGP")
	_ = viper.BindEnv("BATCH_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("RECONCILE_SCHEDULE")
	_ = viper.BindEnv("RECONCILE_MAX_ATTEMPTS")
	_ = viper.BindEnv("RECONCILE_BATCH_SIZE")

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
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("DONATION_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "givemap:rate_limit"
	}

	if config.MinDonationEGP < 0 {
		log.Printf("level=warn component=config msg=\"negative minimum donation configured; coercing to zero\" min_egp=%f", config.MinDonationEGP)
		config.MinDonationEGP = 0
	}
	if config.MaxDonationEGP < 0 {
		log.Printf("level=warn component=config msg=\"negative maximum donation configured; disabling cap\" max_egp=%f", config.MaxDonationEGP)
		config.MaxDonationEGP = 0
	}
	if config.MaxDonationEGP > 0 && config.MinDonationEGP > config.MaxDonationEGP {
		log.Printf("level=warn component=config msg=\"minimum donation above maximum; coercing minimum to zero\" min_egp=%f max_egp=%f",
			config.MinDonationEGP, config.MaxDonationEGP)
		config.MinDonationEGP = 0
	}

	if config.BatchRateLimitPerMinute < 0 {
		config.BatchRateLimitPerMinute = 0
	}
	if strings.TrimSpace(config.ReconcileSchedule) == "" {
		config.ReconcileSchedule = "@every 5m"
	}
	if config.ReconcileMaxAttempts <= 0 {
		config.ReconcileMaxAttempts = 5
	}
	if config.ReconcileBatchSize <= 0 {
		config.ReconcileBatchSize = 50
	}

	return
}
