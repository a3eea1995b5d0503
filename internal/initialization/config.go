package initialization

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// DatasetConfig is one dataset under management.
type DatasetConfig struct {
	// Path is the dataset worktree.
	Path string `mapstructure:"path"`
	// Cron is a standard five-field expression; empty means manual only.
	Cron string `mapstructure:"cron"`
}

// Config holds all service configuration
type Config struct {
	// Crawl concurrency
	Workers   int
	QueueSize int

	// Datasets under management (config file only)
	Datasets []DatasetConfig
}

// LoadConfig loads configuration from files and environment variables
func LoadConfig() (*Config, error) {
	v := viper.New()

	// Set default values
	setDefaults(v)

	// Configure environment variables - do this BEFORE reading config
	v.AutomaticEnv()
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set up explicit mappings between struct fields and environment variables
	envMappings := map[string]string{
		"Workers":   "DATAMIRROR_WORKERS",
		"QueueSize": "DATAMIRROR_QUEUE_SIZE",
	}

	for configKey, envVar := range envMappings {
		if err := v.BindEnv(configKey, envVar); err != nil {
			log.Warn().Err(err).Msgf("Failed to bind environment variable %s for %s", envVar, configKey)
		}
	}

	// Configure the config file settings
	v.SetConfigName("datamirror")
	v.SetConfigType("yaml")
	// Add search paths for the config file
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("$HOME/.datamirror")

	// Try to read from config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found, will just use environment variables and defaults
		log.Debug().Msg("Config file not found, using environment variables and defaults")
	} else {
		log.Info().Msgf("Using config file: %s", v.ConfigFileUsed())
	}

	// Unmarshal config into struct
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	log.Debug().Msgf("Config loaded: Workers=%d, Datasets=%d",
		config.Workers, len(config.Datasets))

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("Workers", 4)
	v.SetDefault("QueueSize", 8)
}
