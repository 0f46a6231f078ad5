package client

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/raproxy/raproxy/src/raproxy/internal/errors"
	"github.com/raproxy/raproxy/src/raproxy/internal/wire"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type inboundMessage struct {
	ID     *int64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// testServer is a scripted framed-protocol endpoint standing in for the
// proxied worker.
type testServer struct {
	t       *testing.T
	ln      net.Listener
	handler func(conn net.Conn, msg inboundMessage)

	wg        sync.WaitGroup
	initCount atomic.Int32
}

func newTestServer(t *testing.T, handler func(conn net.Conn, msg inboundMessage)) *testServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &testServer{t: t, ln: ln, handler: handler}
	s.wg.Add(1)
	go s.acceptLoop()
	t.Cleanup(func() {
		ln.Close()
		s.wg.Wait()
	})
	return s
}

func (s *testServer) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *testServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *testServer) serve(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	var buf []byte
	chunk := make([]byte, 4096)
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			var msgs [][]byte
			msgs, buf = wire.Decode(buf)
			for _, raw := range msgs {
				var msg inboundMessage
				if json.Unmarshal(raw, &msg) != nil {
					continue
				}
				if msg.Method == protocol.MethodInitialize {
					s.initCount.Add(1)
				}
				if s.handler != nil {
					s.handler(conn, msg)
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func send(conn net.Conn, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	conn.Write(wire.Encode(data))
}

// respond answers a request with the given result.
func respond(conn net.Conn, id int64, result any) {
	send(conn, map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
}

// lifecycleHandler answers initialize and ignores everything else.
func lifecycleHandler(conn net.Conn, msg inboundMessage) {
	if msg.Method == protocol.MethodInitialize && msg.ID != nil {
		respond(conn, *msg.ID, protocol.InitializeResult{})
	}
}

func dialTest(t *testing.T, s *testServer, opts ...Option) *Client {
	t.Helper()
	c, err := Dial(s.port(), append([]Option{WithLogger(zap.NewNop().Sugar())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestDialRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	_, err = Dial(port)
	var transport *errors.TransportError
	assert.ErrorAs(t, err, &transport)
}

func TestInitializeHandshake(t *testing.T) {
	var sawInitialized atomic.Bool
	s := newTestServer(t, func(conn net.Conn, msg inboundMessage) {
		switch msg.Method {
		case protocol.MethodInitialize:
			respond(conn, *msg.ID, protocol.InitializeResult{})
		case protocol.MethodInitialized:
			assert.Nil(t, msg.ID)
			sawInitialized.Store(true)
		}
	})

	c := dialTest(t, s)
	require.NoError(t, c.Initialize(context.Background(), "/home/user/project"))
	assert.True(t, c.Initialized())
	assert.Eventually(t, sawInitialized.Load, time.Second, 10*time.Millisecond)
}

func TestCorrelationIsOrderIndependent(t *testing.T) {
	// Hold the first request's response until the second has been
	// answered; both callers must still get their own result.
	pending := make(chan struct {
		conn net.Conn
		id   int64
	}, 1)
	s := newTestServer(t, func(conn net.Conn, msg inboundMessage) {
		if msg.ID == nil {
			return
		}
		switch *msg.ID {
		case 1:
			pending <- struct {
				conn net.Conn
				id   int64
			}{conn, *msg.ID}
		case 2:
			respond(conn, *msg.ID, "second")
			held := <-pending
			respond(held.conn, held.id, "first")
		}
	})

	c := dialTest(t, s)

	var wg sync.WaitGroup
	results := make([]string, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			var out string
			err := c.call(context.Background(), "test/slow", nil, &out)
			assert.NoError(t, err)
			results[slot] = out
		}(i)
		// Keep id assignment deterministic.
		time.Sleep(50 * time.Millisecond)
	}
	wg.Wait()

	assert.ElementsMatch(t, []string{"first", "second"}, results)
}

func TestRequestTimeout(t *testing.T) {
	s := newTestServer(t, func(conn net.Conn, msg inboundMessage) {
		// Answer nothing but initialize.
		lifecycleHandler(conn, msg)
	})

	c := dialTest(t, s, WithRequestTimeout(100*time.Millisecond))

	err := c.call(context.Background(), "test/void", nil, nil)
	var timeout *errors.RequestTimeoutError
	require.ErrorAs(t, err, &timeout)

	// The pending slot is freed and the connection stays usable.
	c.mu.Lock()
	assert.Empty(t, c.pending)
	c.mu.Unlock()
	require.NoError(t, c.Initialize(context.Background(), "/home/user/project"))
}

func TestResponseError(t *testing.T) {
	s := newTestServer(t, func(conn net.Conn, msg inboundMessage) {
		if msg.ID != nil {
			send(conn, map[string]any{
				"jsonrpc": "2.0",
				"id":      *msg.ID,
				"error":   map[string]any{"code": -32601, "message": "method not found"},
			})
		}
	})

	c := dialTest(t, s)
	err := c.call(context.Background(), "test/missing", nil, nil)
	assert.ErrorContains(t, err, "method not found")
}

func TestAwaitDiagnosticsReceivesLatePush(t *testing.T) {
	docURI := uri.File("/home/user/project/a.rs")
	s := newTestServer(t, func(conn net.Conn, msg inboundMessage) {
		if msg.Method == protocol.MethodTextDocumentDidOpen {
			go func() {
				time.Sleep(200 * time.Millisecond)
				send(conn, map[string]any{
					"jsonrpc": "2.0",
					"method":  protocol.MethodTextDocumentPublishDiagnostics,
					"params": protocol.PublishDiagnosticsParams{
						URI: docURI,
						Diagnostics: []protocol.Diagnostic{
							{
								Range: protocol.Range{
									Start: protocol.Position{Line: 0, Character: 0},
									End:   protocol.Position{Line: 0, Character: 4},
								},
								Severity: protocol.DiagnosticSeverityError,
								Message:  "stub error",
							},
						},
					},
				})
			}()
		}
	})

	c := dialTest(t, s)
	require.NoError(t, c.OpenDocument(context.Background(), docURI, "rust", "fn main() {}"))

	diags, err := c.AwaitDiagnostics(context.Background(), docURI, 3*time.Second)
	require.NoError(t, err)
	require.Len(t, diags, 1)
	assert.Equal(t, "stub error", diags[0].Message)
	assert.Equal(t, protocol.DiagnosticSeverityError, diags[0].Severity)
}

func TestAwaitDiagnosticsTimesOutEmpty(t *testing.T) {
	s := newTestServer(t, lifecycleHandler)
	c := dialTest(t, s)

	diags, err := c.AwaitDiagnostics(context.Background(), uri.File("/home/user/project/b.rs"), 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, diags)
	assert.NotNil(t, diags)
}

func TestDiagnosticsPushReplacesWholesale(t *testing.T) {
	docURI := uri.File("/home/user/project/a.rs")
	pushes := make(chan net.Conn, 1)
	s := newTestServer(t, func(conn net.Conn, msg inboundMessage) {
		select {
		case pushes <- conn:
		default:
		}
	})

	c := dialTest(t, s)
	require.NoError(t, c.OpenDocument(context.Background(), docURI, "rust", "x"))
	conn := <-pushes

	push := func(messages ...string) {
		diags := make([]protocol.Diagnostic, 0, len(messages))
		for _, m := range messages {
			diags = append(diags, protocol.Diagnostic{Message: m})
		}
		send(conn, map[string]any{
			"jsonrpc": "2.0",
			"method":  protocol.MethodTextDocumentPublishDiagnostics,
			"params":  protocol.PublishDiagnosticsParams{URI: docURI, Diagnostics: diags},
		})
	}

	push("one", "two")
	diags, err := c.AwaitDiagnostics(context.Background(), docURI, time.Second)
	require.NoError(t, err)
	require.Len(t, diags, 2)

	// The second push is the worker's full current view, not a merge.
	push("three")
	assert.Eventually(t, func() bool {
		got, err := c.AwaitDiagnostics(context.Background(), docURI, 10*time.Millisecond)
		return err == nil && len(got) == 1 && got[0].Message == "three"
	}, time.Second, 20*time.Millisecond)
}

func TestChangeDocumentInvalidatesStoredDiagnostics(t *testing.T) {
	docURI := uri.File("/home/user/project/a.rs")
	push := func(conn net.Conn, diags []protocol.Diagnostic) {
		send(conn, map[string]any{
			"jsonrpc": "2.0",
			"method":  protocol.MethodTextDocumentPublishDiagnostics,
			"params":  protocol.PublishDiagnosticsParams{URI: docURI, Diagnostics: diags},
		})
	}
	s := newTestServer(t, func(conn net.Conn, msg inboundMessage) {
		switch msg.Method {
		case protocol.MethodTextDocumentDidOpen:
			push(conn, []protocol.Diagnostic{{Message: "broken"}})
		case protocol.MethodTextDocumentDidChange:
			push(conn, []protocol.Diagnostic{})
		}
	})

	c := dialTest(t, s)
	require.NoError(t, c.OpenDocument(context.Background(), docURI, "rust", "broken content"))
	diags, err := c.AwaitDiagnostics(context.Background(), docURI, time.Second)
	require.NoError(t, err)
	require.Len(t, diags, 1)

	// The fixed content's push must be waited for, not the stale entry.
	require.NoError(t, c.ChangeDocument(context.Background(), docURI, "fixed content", 2))
	diags, err = c.AwaitDiagnostics(context.Background(), docURI, time.Second)
	require.NoError(t, err)
	assert.Empty(t, diags)
}

func TestChangeDocumentTracksVersion(t *testing.T) {
	docURI := uri.File("/home/user/project/a.rs")
	var lastVersion atomic.Int32
	s := newTestServer(t, func(conn net.Conn, msg inboundMessage) {
		if msg.Method == protocol.MethodTextDocumentDidChange {
			var params protocol.DidChangeTextDocumentParams
			if json.Unmarshal(msg.Params, &params) == nil {
				lastVersion.Store(params.TextDocument.Version)
			}
		}
	})

	c := dialTest(t, s)
	require.NoError(t, c.OpenDocument(context.Background(), docURI, "rust", "v1"))
	assert.EqualValues(t, 1, c.DocumentVersion(docURI))

	require.NoError(t, c.ChangeDocument(context.Background(), docURI, "v2", 2))
	assert.EqualValues(t, 2, c.DocumentVersion(docURI))
	assert.Eventually(t, func() bool { return lastVersion.Load() == 2 }, time.Second, 10*time.Millisecond)
}

func TestShutdownSendsExit(t *testing.T) {
	var sawExit atomic.Bool
	s := newTestServer(t, func(conn net.Conn, msg inboundMessage) {
		switch msg.Method {
		case protocol.MethodShutdown:
			respond(conn, *msg.ID, nil)
		case protocol.MethodExit:
			assert.Nil(t, msg.ID)
			sawExit.Store(true)
		}
	})

	c := dialTest(t, s)
	require.NoError(t, c.Shutdown(context.Background()))
	assert.Eventually(t, sawExit.Load, time.Second, 10*time.Millisecond)
}

func TestCloseRejectsLaterCalls(t *testing.T) {
	s := newTestServer(t, lifecycleHandler)
	c := dialTest(t, s)

	require.NoError(t, c.Close())
	err := c.call(context.Background(), "test/after", nil, nil)
	var transport *errors.TransportError
	assert.ErrorAs(t, err, &transport)
}

func TestPoolReusesClient(t *testing.T) {
	s := newTestServer(t, lifecycleHandler)
	pool := NewPool(zap.NewNop().Sugar())
	t.Cleanup(func() { pool.Close() })

	ctx := context.Background()
	first, err := pool.Get(ctx, "/home/user/project", s.port())
	require.NoError(t, err)
	second, err := pool.Get(ctx, "/home/user/project", s.port())
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.EqualValues(t, 1, s.initCount.Load())
}

func TestPoolDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	pool := NewPool(zap.NewNop().Sugar())
	_, err = pool.Get(context.Background(), "/home/user/project", port)
	assert.Error(t, err)
}
