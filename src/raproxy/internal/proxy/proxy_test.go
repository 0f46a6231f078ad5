package proxy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tally "github.com/uber-go/tally/v4"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// stubWorker satisfies supervisor.Supervisor with in-memory pipes in
// place of a real process.
type stubWorker struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	done    chan struct{}
}

func newStubWorker() *stubWorker {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	return &stubWorker{
		stdinR:  stdinR,
		stdinW:  stdinW,
		stdoutR: stdoutR,
		stdoutW: stdoutW,
		done:    make(chan struct{}),
	}
}

func (w *stubWorker) Spawn(ctx context.Context) error { return nil }
func (w *stubWorker) Stdin() io.Writer                { return w.stdinW }
func (w *stubWorker) Stdout() io.Reader               { return w.stdoutR }
func (w *stubWorker) Pid() int                        { return 1234 }
func (w *stubWorker) Root() string                    { return "/stub" }
func (w *stubWorker) LogPath() string                 { return "" }
func (w *stubWorker) OnExit(fn func(err error))       {}
func (w *stubWorker) Done() <-chan struct{}           { return w.done }
func (w *stubWorker) Stop(ctx context.Context) error  { return nil }

func (w *stubWorker) closePipes() {
	w.stdinR.Close()
	w.stdinW.Close()
	w.stdoutR.Close()
	w.stdoutW.Close()
}

func startTestProxy(t *testing.T) (Proxy, *stubWorker) {
	t.Helper()
	worker := newStubWorker()
	p := New(Params{
		Supervisor: worker,
		Logger:     zap.NewNop().Sugar(),
		Stats:      tally.NoopScope,
	})

	require.NoError(t, p.Start(context.Background(), 0))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, p.Stop(ctx))
		worker.closePipes()
	})
	return p, worker
}

func TestRelayToWorkerStdin(t *testing.T) {
	p, worker := startTestProxy(t)

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", p.Port()))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("request bytes\n"))
	require.NoError(t, err)

	line, err := bufio.NewReader(worker.stdinR).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "request bytes\n", line)
}

func TestRelayFromWorkerStdout(t *testing.T) {
	p, worker := startTestProxy(t)

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", p.Port()))
	require.NoError(t, err)
	defer conn.Close()

	go worker.stdoutW.Write([]byte("response bytes\n"))

	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "response bytes\n", line)
}

func TestRelayIsVerbatim(t *testing.T) {
	p, worker := startTestProxy(t)

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", p.Port()))
	require.NoError(t, err)
	defer conn.Close()

	// Binary payload with framing-lookalike bytes must pass untouched.
	payload := []byte("Content-Length: 3\r\n\r\n\x00\x01\x02")
	_, err = conn.Write(payload)
	require.NoError(t, err)

	got := make([]byte, len(payload))
	_, err = io.ReadFull(worker.stdinR, got)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestSequentialConnectionsReceiveWorkerOutput(t *testing.T) {
	p, worker := startTestProxy(t)
	addr := fmt.Sprintf("127.0.0.1:%d", p.Port())

	// First caller sends a request and disconnects.
	first, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	_, err = first.Write([]byte("first request\n"))
	require.NoError(t, err)
	line, err := bufio.NewReader(worker.stdinR).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "first request\n", line)
	require.NoError(t, first.Close())

	// Let the relay retire the dead connection.
	time.Sleep(100 * time.Millisecond)

	// A later caller must receive the worker's next output; the closed
	// connection may not consume it.
	second, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer second.Close()

	go worker.stdoutW.Write([]byte("response for second caller\n"))

	require.NoError(t, second.SetReadDeadline(time.Now().Add(5*time.Second)))
	line, err = bufio.NewReader(second).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "response for second caller\n", line)
}

func TestStopClosesConnections(t *testing.T) {
	worker := newStubWorker()
	defer worker.closePipes()

	p := New(Params{
		Supervisor: worker,
		Logger:     zap.NewNop().Sugar(),
		Stats:      tally.NoopScope,
	})
	require.NoError(t, p.Start(context.Background(), 0))

	port := p.Port()
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer conn.Close()

	// Give the accept loop a moment to register the connection.
	time.Sleep(50 * time.Millisecond)

	// The worker pipes stay open: Stop alone must quiesce every relay,
	// including the pump blocked on worker stdout.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))

	// The closed connection is observable from the client side.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	// Dialing again must fail once the listener is gone.
	_, err = net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	assert.Error(t, err)
}

func TestPortBeforeStart(t *testing.T) {
	worker := newStubWorker()
	defer worker.closePipes()
	p := New(Params{Supervisor: worker, Logger: zap.NewNop().Sugar(), Stats: tally.NoopScope})
	assert.Zero(t, p.Port())
}
