package client

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Pool caches one connected-and-initialized client per (root, port) pair
// for the lifetime of a single invocation. Routing all of a project's
// traffic through its one cached client is what keeps the worker's shared
// stdin free of interleaved frames. No eviction: the pool dies with the
// invocation.
type Pool struct {
	logger *zap.SugaredLogger
	opts   []Option

	mu      sync.Mutex
	clients map[poolKey]*Client
}

type poolKey struct {
	root string
	port int
}

// NewPool creates a Pool. The options are applied to every client it constructs.
func NewPool(logger *zap.SugaredLogger, opts ...Option) *Pool {
	return &Pool{
		logger:  logger,
		opts:    opts,
		clients: make(map[poolKey]*Client),
	}
}

// Get returns the cached client for (root, port), constructing,
// connecting, and initializing one on first use.
func (p *Pool) Get(ctx context.Context, root string, port int) (*Client, error) {
	key := poolKey{root: root, port: port}

	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[key]; ok {
		return c, nil
	}

	c, err := Dial(port, p.opts...)
	if err != nil {
		return nil, err
	}

	if err := c.Initialize(ctx, root); err != nil {
		c.Close()
		return nil, fmt.Errorf("initializing client for %q: %w", root, err)
	}

	p.logger.Debugw("client initialized", zap.String("root", root), zap.Int("port", port))
	p.clients[key] = c
	return c, nil
}

// Close closes every cached client.
func (p *Pool) Close() error {
	p.mu.Lock()
	clients := make([]*Client, 0, len(p.clients))
	for _, c := range p.clients {
		clients = append(clients, c)
	}
	p.clients = make(map[poolKey]*Client)
	p.mu.Unlock()

	var err error
	for _, c := range clients {
		err = multierr.Append(err, c.Close())
	}
	return err
}
