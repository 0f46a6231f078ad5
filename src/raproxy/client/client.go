// Package client implements the framed JSON-RPC client used by
// short-lived callers to talk to a project's analyzer daemon through the
// proxy. One client owns one connection; requests are correlated to
// responses by id, and server-pushed diagnostics are accumulated per
// document URI.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
	"go.uber.org/zap"

	"github.com/raproxy/raproxy/src/raproxy/internal/clock"
	"github.com/raproxy/raproxy/src/raproxy/internal/errors"
	"github.com/raproxy/raproxy/src/raproxy/internal/wire"
)

const (
	// DefaultRequestTimeout bounds each in-flight request independently of
	// any diagnostics wait.
	DefaultRequestTimeout = 5 * time.Second
	// DefaultPollInterval is the diagnostics store polling cadence.
	DefaultPollInterval = 25 * time.Millisecond
)

// Option customizes a Client.
type Option func(*Client)

// WithLogger overrides the default noop logger.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithClock overrides the wall clock, for tests.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clk = clk }
}

// WithRequestTimeout overrides the per-request deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) { c.requestTimeout = d }
}

// WithPollInterval overrides the diagnostics polling cadence.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) { c.pollInterval = d }
}

// Client is a framed JSON-RPC client over one proxy connection.
type Client struct {
	addr           string
	conn           net.Conn
	logger         *zap.SugaredLogger
	clk            clock.Clock
	requestTimeout time.Duration
	pollInterval   time.Duration

	mu          sync.Mutex
	nextID      int64
	pending     map[int64]chan *response
	diagnostics map[uri.URI][]protocol.Diagnostic
	opened      map[uri.URI]int32
	initialized bool
	closed      bool

	readDone chan struct{}
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *responseError  `json:"error,omitempty"`
}

type responseError struct {
	Code    int64           `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error is an implementation of the error interface.
func (e *responseError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Dial connects to the proxy on the given loopback port and starts the
// read loop. A refused or reset connection surfaces as a TransportError.
func Dial(port int, opts ...Option) (*Client, error) {
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	c := &Client{
		addr:           addr,
		logger:         zap.NewNop().Sugar(),
		clk:            clock.New(),
		requestTimeout: DefaultRequestTimeout,
		pollInterval:   DefaultPollInterval,
		pending:        make(map[int64]chan *response),
		diagnostics:    make(map[uri.URI][]protocol.Diagnostic),
		opened:         make(map[uri.URI]int32),
		readDone:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, &errors.TransportError{Addr: addr, Err: err}
	}
	c.conn = conn

	go c.readLoop()
	return c, nil
}

// readLoop accumulates bytes from the connection and dispatches each
// complete framed message. Partial frames stay buffered between reads.
func (c *Client) readLoop() {
	defer close(c.readDone)

	var buf []byte
	chunk := make([]byte, 32*1024)
	for {
		n, err := c.conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			var msgs [][]byte
			msgs, buf = wire.Decode(buf)
			for _, msg := range msgs {
				c.dispatch(msg)
			}
		}
		if err != nil {
			return
		}
	}
}

// dispatch routes one decoded message: a response resolves its pending
// request; a diagnostics push replaces the document's entry wholesale;
// anything else is ignored.
func (c *Client) dispatch(data []byte) {
	var probe struct {
		ID     *int64          `json:"id"`
		Method string          `json:"method"`
		Result json.RawMessage `json:"result"`
		Error  json.RawMessage `json:"error"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		c.logger.Debugw("dropping unparseable message", zap.Error(err))
		return
	}

	if probe.ID != nil && probe.Method == "" {
		var resp response
		if err := json.Unmarshal(data, &resp); err != nil {
			return
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()

		if ok {
			ch <- &resp
		}
		return
	}

	if probe.Method == protocol.MethodTextDocumentPublishDiagnostics {
		var params protocol.PublishDiagnosticsParams
		if err := json.Unmarshal(probe.Params, &params); err != nil {
			c.logger.Debugw("dropping malformed diagnostics push", zap.Error(err))
			return
		}

		c.mu.Lock()
		// Each push reflects the worker's full current view for the URI.
		c.diagnostics[params.URI] = params.Diagnostics
		c.mu.Unlock()
		return
	}

	// Server-initiated requests and unknown notifications are not part of
	// this client's surface.
	c.logger.Debugw("ignoring message", zap.String("method", probe.Method))
}

// call sends a request and waits for its response, bounded by the
// per-request timeout. Expiry rejects only this request.
func (c *Client) call(ctx context.Context, method string, params, result any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return &errors.TransportError{Addr: c.addr, Err: errors.New("client closed")}
	}
	c.nextID++
	id := c.nextID
	ch := make(chan *response, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.send(request{JSONRPC: "2.0", ID: &id, Method: method, Params: params}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return err
	}

	timer := time.NewTimer(c.requestTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("unmarshalling %s result: %w", method, err)
			}
		}
		return nil
	case <-timer.C:
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return &errors.RequestTimeoutError{ID: id, Method: method, Timeout: c.requestTimeout}
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	case <-c.readDone:
		return &errors.TransportError{Addr: c.addr, Err: errors.New("connection closed")}
	}
}

// notify sends a notification; no response is expected.
func (c *Client) notify(method string, params any) error {
	return c.send(request{JSONRPC: "2.0", Method: method, Params: params})
}

func (c *Client) send(req request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshalling %s: %w", req.Method, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.conn.Write(wire.Encode(data)); err != nil {
		return &errors.TransportError{Addr: c.addr, Err: err}
	}
	return nil
}

// Initialize performs the capability negotiation handshake, declaring
// interest in published diagnostics, and acknowledges with the
// initialized notification. It must complete before any document query.
func (c *Client) Initialize(ctx context.Context, root string) error {
	params := protocol.InitializeParams{
		ProcessID: int32(os.Getpid()),
		RootURI:   uri.File(root),
		Capabilities: protocol.ClientCapabilities{
			TextDocument: &protocol.TextDocumentClientCapabilities{
				PublishDiagnostics: &protocol.PublishDiagnosticsClientCapabilities{
					RelatedInformation: true,
				},
			},
		},
	}

	var result protocol.InitializeResult
	if err := c.call(ctx, protocol.MethodInitialize, &params, &result); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	if err := c.notify(protocol.MethodInitialized, &protocol.InitializedParams{}); err != nil {
		return fmt.Errorf("initialized: %w", err)
	}

	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()
	return nil
}

// Initialized reports whether the handshake has completed.
func (c *Client) Initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

// OpenDocument announces a document's full current content. Any stored
// diagnostics for the document are invalidated; the next AwaitDiagnostics
// waits for a push that reflects this content.
func (c *Client) OpenDocument(ctx context.Context, docURI uri.URI, languageID, text string) error {
	c.mu.Lock()
	delete(c.diagnostics, docURI)
	c.mu.Unlock()

	err := c.notify(protocol.MethodTextDocumentDidOpen, &protocol.DidOpenTextDocumentParams{
		TextDocument: protocol.TextDocumentItem{
			URI:        docURI,
			LanguageID: protocol.LanguageIdentifier(languageID),
			Version:    1,
			Text:       text,
		},
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.opened[docURI] = 1
	c.mu.Unlock()
	return nil
}

// ChangeDocument replaces a document's content wholesale, tagged with a
// caller-supplied monotonically increasing version. Stored diagnostics
// for the document are invalidated like in OpenDocument.
func (c *Client) ChangeDocument(ctx context.Context, docURI uri.URI, text string, version int32) error {
	c.mu.Lock()
	delete(c.diagnostics, docURI)
	c.mu.Unlock()

	err := c.notify(protocol.MethodTextDocumentDidChange, &protocol.DidChangeTextDocumentParams{
		TextDocument: protocol.VersionedTextDocumentIdentifier{
			TextDocumentIdentifier: protocol.TextDocumentIdentifier{URI: docURI},
			Version:                version,
		},
		ContentChanges: []protocol.TextDocumentContentChangeEvent{
			{Text: text},
		},
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.opened[docURI] = version
	c.mu.Unlock()
	return nil
}

// DocumentVersion returns the last version announced for docURI, or 0 if
// the document has not been opened on this connection.
func (c *Client) DocumentVersion(docURI uri.URI) int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opened[docURI]
}

// AwaitDiagnostics polls the diagnostics store until an entry appears for
// docURI or the timeout elapses. Timeout returns an empty slice, not an
// error: no data observed in time is not the same as no problems.
func (c *Client) AwaitDiagnostics(ctx context.Context, docURI uri.URI, timeout time.Duration) ([]protocol.Diagnostic, error) {
	deadline := c.clk.Now().Add(timeout)

	for {
		c.mu.Lock()
		diags, ok := c.diagnostics[docURI]
		c.mu.Unlock()
		if ok {
			out := make([]protocol.Diagnostic, len(diags))
			copy(out, diags)
			return out, nil
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !c.clk.Now().Before(deadline) {
			return []protocol.Diagnostic{}, nil
		}
		c.clk.Sleep(c.pollInterval)
	}
}

// Shutdown asks the worker to stop, then signals exit. Best effort; the
// daemon side never initiates this, it exists for controlled teardown.
func (c *Client) Shutdown(ctx context.Context) error {
	if err := c.call(ctx, protocol.MethodShutdown, nil, nil); err != nil {
		return err
	}
	return c.notify(protocol.MethodExit, nil)
}

// Close terminates the connection. The worker process is unaffected.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.conn.Close()
	<-c.readDone
	return err
}
