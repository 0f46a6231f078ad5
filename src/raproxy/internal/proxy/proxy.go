// Package proxy bridges a loopback TCP listener to the worker's stdio.
// It is a transparent byte pipe: no framing, no parsing, no buffering
// beyond the transport's own. The worker's stdout has exactly one reader,
// a pump owned by the proxy, which forwards output to the most recently
// accepted live connection; a closed connection can never hold a read on
// the shared stream. Concurrent connections are accepted but their stdin
// writes interleave unprotected; callers are expected to route all
// traffic for one project through a single cached client.
package proxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/gofrs/uuid"
	tally "github.com/uber-go/tally/v4"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/raproxy/raproxy/src/raproxy/internal/supervisor"
)

// Module is the Fx module for this package.
var Module = fx.Provide(New)

// Proxy relays bytes between inbound connections and the worker's stdio.
type Proxy interface {
	// Start binds the listener on the given port and begins accepting.
	Start(ctx context.Context, port int) error
	// Port returns the bound port, or 0 before Start.
	Port() int
	// Stop closes the listener and all active connections, detaches from
	// the worker's stdout, and waits for the relays to finish.
	Stop(ctx context.Context) error
}

// Params define values to be used by the proxy.
type Params struct {
	fx.In

	Supervisor supervisor.Supervisor
	Logger     *zap.SugaredLogger
	Stats      tally.Scope
}

type proxy struct {
	worker supervisor.Supervisor
	logger *zap.SugaredLogger
	stats  tally.Scope

	mu      sync.Mutex
	cond    *sync.Cond
	ln      net.Listener
	stdout  io.Reader
	conns   map[uuid.UUID]net.Conn
	order   []uuid.UUID
	stopped bool
	wg      sync.WaitGroup
}

// New creates a Proxy for the supervised worker.
func New(p Params) Proxy {
	px := &proxy{
		worker: p.Supervisor,
		logger: p.Logger,
		stats:  p.Stats.SubScope("proxy"),
		conns:  make(map[uuid.UUID]net.Conn),
	}
	px.cond = sync.NewCond(&px.mu)
	return px
}

// Start binds the listener, starts the stdout pump, and begins accepting
// connections. The worker must already be spawned.
func (p *proxy) Start(ctx context.Context, port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("binding proxy listener: %w", err)
	}

	p.mu.Lock()
	p.ln = ln
	p.stdout = p.worker.Stdout()
	p.mu.Unlock()

	p.logger.Infow("proxy listening", zap.String("address", ln.Addr().String()))

	p.wg.Add(2)
	go p.acceptLoop(ln)
	go p.pumpStdout()
	return nil
}

// Port returns the bound port.
func (p *proxy) Port() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ln == nil {
		return 0
	}
	return p.ln.Addr().(*net.TCPAddr).Port
}

func (p *proxy) acceptLoop(ln net.Listener) {
	defer p.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			// Listener closed.
			return
		}

		id := uuid.Must(uuid.NewV4())
		p.mu.Lock()
		if p.stopped {
			p.mu.Unlock()
			conn.Close()
			return
		}
		p.conns[id] = conn
		p.order = append(p.order, id)
		active := len(p.conns)
		p.cond.Broadcast()
		p.mu.Unlock()

		p.stats.Counter("connections").Inc(1)
		p.stats.Gauge("active").Update(float64(active))
		p.logger.Infow("client connected", zap.Stringer("uuid", id))

		p.wg.Add(1)
		go p.serve(id, conn)
	}
}

// serve relays connection bytes verbatim to the worker's stdin for the
// life of the connection. Worker output travels back through the stdout
// pump, never through per-connection readers.
func (p *proxy) serve(id uuid.UUID, conn net.Conn) {
	defer p.wg.Done()

	if stdin := p.worker.Stdin(); stdin != nil {
		n, _ := io.Copy(stdin, conn)
		p.stats.Counter("bytes_in").Inc(n)
	}

	p.dropConn(id)
	p.logger.Infow("client disconnected", zap.Stringer("uuid", id))
}

// pumpStdout is the single reader of the worker's stdout. Each chunk is
// handed to whichever connection is live when it arrives.
func (p *proxy) pumpStdout() {
	defer p.wg.Done()

	p.mu.Lock()
	stdout := p.stdout
	p.mu.Unlock()
	if stdout == nil {
		return
	}

	buf := make([]byte, 32*1024)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			p.stats.Counter("bytes_out").Inc(int64(n))
			if !p.deliver(buf[:n]) {
				return
			}
		}
		if err != nil {
			// No more output can ever arrive; active connections are done.
			p.closeConns()
			return
		}
	}
}

// deliver writes chunk to the most recent live connection, waiting for
// one to appear if none is active. A connection that fails mid-write is
// discarded and the chunk goes to the next one, so worker output is not
// lost across a caller handoff. Returns false once the proxy is stopped.
func (p *proxy) deliver(chunk []byte) bool {
	for {
		p.mu.Lock()
		for !p.stopped && len(p.order) == 0 {
			p.cond.Wait()
		}
		if p.stopped {
			p.mu.Unlock()
			return false
		}
		id := p.order[len(p.order)-1]
		conn := p.conns[id]
		p.mu.Unlock()

		if _, err := conn.Write(chunk); err == nil {
			return true
		}
		p.dropConn(id)
	}
}

// dropConn retires one connection. Safe to call twice for the same id.
func (p *proxy) dropConn(id uuid.UUID) {
	p.mu.Lock()
	conn, ok := p.conns[id]
	if ok {
		delete(p.conns, id)
		for i, other := range p.order {
			if other == id {
				p.order = append(p.order[:i], p.order[i+1:]...)
				break
			}
		}
	}
	active := len(p.conns)
	p.mu.Unlock()

	if !ok {
		return
	}
	conn.Close()
	p.stats.Gauge("active").Update(float64(active))
}

func (p *proxy) closeConns() {
	p.mu.Lock()
	conns := make([]net.Conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.conns = make(map[uuid.UUID]net.Conn)
	p.order = nil
	p.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	p.stats.Gauge("active").Update(0)
}

// Stop closes the listener and all active connections, then waits for
// the accept loop, the relays, and the stdout pump to finish.
func (p *proxy) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.stopped = true
	ln := p.ln
	p.ln = nil
	stdout := p.stdout
	p.stdout = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	// Detaching from the worker's stdout releases the pump's blocked read.
	if closer, ok := stdout.(io.Closer); ok {
		closer.Close()
	}
	p.closeConns()

	stopped := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(stopped)
	}()

	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
