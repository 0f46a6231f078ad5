package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	uber_config "go.uber.org/config"
	"go.uber.org/fx"
)

// ConfigModule provides the configuration dependencies.
var ConfigModule = fx.Options(
	fx.Provide(NewConfig),
)

// _defaultYAML keeps a detached daemon usable when no config directory is
// present at the spawn site.
const _defaultYAML = `
service:
  name: raproxy
logging:
  level: info
  development: false
  encoding: json
ports:
  base: 27400
  range: 100
  maxAttempts: 20
worker:
  command: ${RAPROXY_WORKER:rust-analyzer}
  root: ${RAPROXY_ROOT:""}
state:
  dir: ${RAPROXY_STATE_DIR:""}
client:
  requestTimeoutMs: 5000
  diagnosticsPollMs: 25
`

// Config wraps a config provider.
type Config struct {
	provider uber_config.Provider
}

// Get returns the value at path.
func (c Config) Get(path string) uber_config.Value {
	return c.provider.Get(path)
}

// Name identifies the provider.
func (c Config) Name() string {
	return "config"
}

// NewConfig loads configuration from the config directory's meta.yaml file
// list, falling back to built-in defaults when no directory is available.
func NewConfig() (uber_config.Provider, error) {
	configDir := getConfigDir()

	metaPath := filepath.Join(configDir, "meta.yaml")
	metaProvider, err := uber_config.NewYAML(
		uber_config.File(metaPath),
		uber_config.Expand(os.LookupEnv),
	)
	if err != nil {
		return defaultConfig()
	}

	var configFiles []string
	if err := metaProvider.Get("files").Populate(&configFiles); err != nil {
		return nil, fmt.Errorf("failed to read files list from meta.yaml: %w", err)
	}

	var options []uber_config.YAMLOption
	for _, file := range configFiles {
		fullPath := filepath.Join(configDir, file)
		if _, err := os.Stat(fullPath); err == nil {
			options = append(options, uber_config.File(fullPath))
		}
	}

	if len(options) == 0 {
		return defaultConfig()
	}
	options = append(options, uber_config.Expand(os.LookupEnv))

	provider, err := uber_config.NewYAML(options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return Config{provider: provider}, nil
}

func defaultConfig() (uber_config.Provider, error) {
	provider, err := uber_config.NewYAML(
		uber_config.Source(strings.NewReader(_defaultYAML)),
		uber_config.Expand(os.LookupEnv),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load default configuration: %w", err)
	}
	return Config{provider: provider}, nil
}

// getConfigDir returns the path to the configuration directory.
func getConfigDir() string {
	if configDir := os.Getenv("RAPROXY_CONFIG_DIR"); configDir != "" {
		return configDir
	}

	return "src/raproxy/config"
}
