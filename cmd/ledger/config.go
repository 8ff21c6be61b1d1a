package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/mesh-intelligence/ledger/internal/paths"
	"github.com/mesh-intelligence/ledger/pkg/types"
)

const (
	configFileName = "config"
	configFileType = "yaml"
	envFileName    = ".env"

	// envPrefix maps LEDGER_LOG_LEVEL onto log.level and so on.
	envPrefix = "LEDGER"
)

// Config keys.
const (
	cfgKeyBackend   = "backend"
	cfgKeyDataDir   = "data_dir"
	cfgKeyDSN       = "dsn"
	cfgKeyLogLevel  = "log.level"
	cfgKeyLogFormat = "log.format"
	cfgKeyLogOutput = "log.output"
	cfgKeyMetrics   = "metrics"
)

const configHeader = `# Ledger CLI configuration
# Every key can be overridden with a LEDGER_ environment variable,
# for example LEDGER_BACKEND or LEDGER_LOG_LEVEL.
`

// defaultConfig is the configuration written by init.
func defaultConfig() types.Config {
	return types.Config{Backend: types.BackendSQLite}.WithDefaults()
}

// loadConfig reads config.yaml from configDir using Viper, with LEDGER_
// environment overrides. A missing config.yaml is not an error.
func loadConfig(configDir string) (*viper.Viper, error) {
	def := defaultConfig()

	v := viper.New()
	v.SetDefault(cfgKeyBackend, def.Backend)
	v.SetDefault(cfgKeyDataDir, "")
	v.SetDefault(cfgKeyDSN, "")
	v.SetDefault(cfgKeyLogLevel, def.Log.Level)
	v.SetDefault(cfgKeyLogFormat, def.Log.Format)
	v.SetDefault(cfgKeyLogOutput, def.Log.Output)
	v.SetDefault(cfgKeyMetrics, false)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName(configFileName)
	v.SetConfigType(configFileType)
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return v, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	return v, nil
}

// decodeConfig turns the merged settings into a types.Config.
func decodeConfig(v *viper.Viper) (types.Config, error) {
	var cfg types.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return types.Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// writeConfigIfMissing creates config.yaml in configDir with cfg if the file
// does not exist. It reports whether the file was written.
func writeConfigIfMissing(configDir string, cfg types.Config) (bool, error) {
	path := paths.ConfigFile(configDir)
	_, err := os.Stat(path)
	if err == nil {
		return false, nil
	}
	if !os.IsNotExist(err) {
		return false, fmt.Errorf("stat config file: %w", err)
	}

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return false, fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(configHeader), data...), 0o644); err != nil {
		return false, err
	}
	return true, nil
}
