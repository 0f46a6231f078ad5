package client

import (
	"fmt"
	"time"

	"go.uber.org/config"
)

const _configKeyClient = "client"

type timeouts struct {
	RequestTimeoutMs  int `yaml:"requestTimeoutMs"`
	DiagnosticsPollMs int `yaml:"diagnosticsPollMs"`
}

// OptionsFromConfig maps the "client" config block onto client options.
// Absent or non-positive values keep the built-in defaults.
func OptionsFromConfig(provider config.Provider) ([]Option, error) {
	var t timeouts
	if err := provider.Get(_configKeyClient).Populate(&t); err != nil {
		return nil, fmt.Errorf("getting config field %q: %w", _configKeyClient, err)
	}

	var opts []Option
	if t.RequestTimeoutMs > 0 {
		opts = append(opts, WithRequestTimeout(time.Duration(t.RequestTimeoutMs)*time.Millisecond))
	}
	if t.DiagnosticsPollMs > 0 {
		opts = append(opts, WithPollInterval(time.Duration(t.DiagnosticsPollMs)*time.Millisecond))
	}
	return opts, nil
}
