// Package config provides configuration loading for rowguard.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment
// variable overlay. configFile must point at an explicit YAML document per
// the CLI contract (§6): rowguard does not search standard locations for an
// implicit config file, since the only supported invocation is
// `--config_file`.
func InitViper(configFile string) {
	viper.SetConfigFile(configFile)
	viper.SetConfigType("yaml")

	// ROWGUARD_SECRET_TOKEN overrides secret_token, ROWGUARD_POSTGRES_CONFIG_TARGET_ADDR
	// overrides postgres_config.target_addr, and so on.
	viper.SetEnvPrefix("ROWGUARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// bindNestedEnvKeys binds the config keys operators are most likely to want
// to override without editing the YAML document (secrets, addresses).
func bindNestedEnvKeys() {
	_ = viper.BindEnv("controlplane_addr")
	_ = viper.BindEnv("secret_token")
	_ = viper.BindEnv("postgres_config.target_addr")
	_ = viper.BindEnv("postgres_config.target_port")
	_ = viper.BindEnv("postgres_config.target_username")
	_ = viper.BindEnv("postgres_config.target_password")
	_ = viper.BindEnv("postgres_config.proxy_listen_port")
	_ = viper.BindEnv("log.level")
	_ = viper.BindEnv("dev_mode")
}

// LoadConfig reads the configuration file, applies environment overrides,
// sets defaults, validates, and returns the Config. Missing required fields
// cause this to fail with a descriptive message per §6.
func LoadConfig(configFile string) (*Config, error) {
	InitViper(configFile)

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %q: %w", configFile, err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDevDefaults()
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// ConfigFileUsed returns the path to the configuration file that was loaded.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
