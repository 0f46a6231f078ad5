// Package portalloc assigns the daemon's listen port. The starting
// candidate is derived from the project root so independent daemons for
// different projects land on predictable, mostly disjoint ports.
package portalloc

import (
	"fmt"
	"hash/fnv"
	"net"

	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/raproxy/raproxy/src/raproxy/internal/errors"
)

const _configKeyPorts = "ports"

// Module is the Fx module for this package.
var Module = fx.Provide(New)

// Allocator probes for a free port for a project's daemon.
type Allocator interface {
	// Allocate returns a currently-bindable port for root. Exhausting the
	// probe budget is a fatal allocation failure.
	Allocate(root string) (int, error)
}

// Config holds the port range settings.
type Config struct {
	Base        int `yaml:"base"`
	Range       int `yaml:"range"`
	MaxAttempts int `yaml:"maxAttempts"`
}

type allocator struct {
	cfg    Config
	logger *zap.SugaredLogger
}

// Params define values to be used by the port allocator.
type Params struct {
	fx.In

	Config config.Provider
	Logger *zap.SugaredLogger
}

// New creates an Allocator from configuration.
func New(p Params) (Allocator, error) {
	cfg := Config{Base: 27400, Range: 100, MaxAttempts: 20}
	if err := p.Config.Get(_configKeyPorts).Populate(&cfg); err != nil {
		return nil, fmt.Errorf("getting config field %q: %w", _configKeyPorts, err)
	}
	if cfg.Range <= 0 || cfg.MaxAttempts <= 0 {
		return nil, errors.New("ports.range and ports.maxAttempts must be positive")
	}

	return &allocator{cfg: cfg, logger: p.Logger}, nil
}

// NewWithConfig creates an Allocator with explicit settings.
func NewWithConfig(cfg Config, logger *zap.SugaredLogger) Allocator {
	return &allocator{cfg: cfg, logger: logger}
}

// Allocate probes forward from the root-derived start port, binding and
// immediately releasing each candidate. The release leaves a small window
// in which another process may grab the port before the real listener
// rebinds it; that residual race is accepted.
func (a *allocator) Allocate(root string) (int, error) {
	start := a.cfg.Base + int(numericHash(root)%uint32(a.cfg.Range))

	for i := 0; i < a.cfg.MaxAttempts; i++ {
		port := a.cfg.Base + (start-a.cfg.Base+i)%a.cfg.Range
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			continue
		}
		ln.Close()
		a.logger.Debugw("allocated port", zap.String("root", root), zap.Int("port", port))
		return port, nil
	}

	return 0, &errors.PortExhaustedError{Start: start, Attempts: a.cfg.MaxAttempts}
}

// numericHash maps a project root onto the port range offset.
func numericHash(root string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(root))
	return h.Sum32()
}
