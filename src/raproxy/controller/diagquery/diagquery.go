// Package diagquery is the caller-facing surface consumed by short-lived
// hook invocations: ensure a project has a live analyzer daemon, then
// query diagnostics for a file through it.
package diagquery

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
	"go.uber.org/zap"

	"github.com/raproxy/raproxy/src/raproxy/client"
	"github.com/raproxy/raproxy/src/raproxy/entity"
	"github.com/raproxy/raproxy/src/raproxy/internal/errors"
	"github.com/raproxy/raproxy/src/raproxy/internal/fs"
	"github.com/raproxy/raproxy/src/raproxy/repository/state"
)

// Controller is the contract consumed by the hook/CLI layer.
type Controller interface {
	// EnsureWorker returns the proxy port of a live daemon for
	// projectPath, spawning one when none exists.
	EnsureWorker(ctx context.Context, projectPath string) (int, error)
	// QueryDiagnostics announces the file's current content to the daemon
	// and waits for a diagnostics push, bounded by the configured wait.
	QueryDiagnostics(ctx context.Context, port int, filePath, projectPath string) ([]protocol.Diagnostic, error)
}

// Config holds the caller-side settings.
type Config struct {
	// DaemonArgv is the command line that launches the daemon process.
	// Defaults to the current executable with the "daemon" argument.
	DaemonArgv []string
	// StartupTimeout bounds the wait for a freshly spawned daemon's record.
	StartupTimeout time.Duration
	// DiagnosticsWait bounds each query's wait for a diagnostics push.
	DiagnosticsWait time.Duration
}

type controller struct {
	cfg    Config
	states state.Repository
	pool   *client.Pool
	fs     fs.FS
	logger *zap.SugaredLogger

	// spawn launches the daemon process; a seam for tests.
	spawn func(root string) error
}

// New creates a Controller. The pool scopes client reuse to this
// invocation; callers construct one Controller per invocation and Close
// the pool when done.
func New(cfg Config, states state.Repository, pool *client.Pool, filesystem fs.FS, logger *zap.SugaredLogger) Controller {
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = 10 * time.Second
	}
	if cfg.DiagnosticsWait == 0 {
		cfg.DiagnosticsWait = 3 * time.Second
	}

	c := &controller{
		cfg:    cfg,
		states: states,
		pool:   pool,
		fs:     filesystem,
		logger: logger,
	}
	c.spawn = c.spawnDaemon
	return c
}

// EnsureWorker returns the proxy port for projectPath's daemon.
func (c *controller) EnsureWorker(ctx context.Context, projectPath string) (int, error) {
	rec, err := c.states.Lookup(ctx, projectPath)
	if err == nil && rec.Initialized {
		return rec.Port, nil
	}
	var notFound *errors.RecordNotFoundError
	if err != nil && !stderrors.As(err, &notFound) {
		return 0, err
	}

	if err == nil {
		// A record exists but the daemon has not finished starting; fall
		// through to the readiness wait without spawning a second one.
		c.logger.Debugw("daemon starting, waiting for readiness", zap.String("root", projectPath))
	} else {
		c.logger.Infow("no live daemon, spawning", zap.String("root", projectPath))
		if err := c.spawn(projectPath); err != nil {
			return 0, err
		}
	}

	rec, err = c.waitForRecord(ctx, projectPath)
	if err != nil {
		return 0, err
	}
	return rec.Port, nil
}

// spawnDaemon detaches a daemon process bound to root.
func (c *controller) spawnDaemon(root string) error {
	argv := c.cfg.DaemonArgv
	if len(argv) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("resolving daemon executable: %w", err)
		}
		argv = []string{exe, "daemon"}
	}

	path, err := exec.LookPath(argv[0])
	if err != nil {
		return &errors.WorkerNotFoundError{Command: argv[0], Err: err}
	}

	cmd := exec.Command(path, argv[1:]...)
	cmd.Env = append(os.Environ(), "RAPROXY_ROOT="+root)
	cmd.Stdout = nil
	cmd.Stderr = nil
	// New session: the daemon must outlive this invocation.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}
	return cmd.Process.Release()
}

// waitForRecord waits until an initialized record for root appears,
// watching the state directory for changes with a polling fallback.
func (c *controller) waitForRecord(ctx context.Context, root string) (*entity.WorkerRecord, error) {
	// The directory must exist before it can be watched.
	if err := c.fs.MkdirAll(c.states.Dir()); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}

	var events <-chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if err := watcher.Add(c.states.Dir()); err == nil {
			events = watcher.Events
		}
	}

	deadline := time.NewTimer(c.cfg.StartupTimeout)
	defer deadline.Stop()
	// The poll fallback covers missed events and daemons that died before
	// ever writing a record.
	poll := time.NewTicker(100 * time.Millisecond)
	defer poll.Stop()

	for {
		rec, err := c.states.Lookup(ctx, root)
		if err == nil && rec.Initialized {
			return rec, nil
		}

		select {
		case <-events:
		case <-poll.C:
		case <-deadline.C:
			return nil, fmt.Errorf("daemon for %q did not become ready within %s", root, c.cfg.StartupTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// QueryDiagnostics announces filePath's content and waits for diagnostics.
func (c *controller) QueryDiagnostics(ctx context.Context, port int, filePath, projectPath string) ([]protocol.Diagnostic, error) {
	if !filepath.IsAbs(filePath) {
		filePath = filepath.Join(projectPath, filePath)
	}

	text, err := c.fs.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", filePath, err)
	}

	cl, err := c.pool.Get(ctx, projectPath, port)
	if err != nil {
		return nil, err
	}

	docURI := uri.File(filePath)
	if version := cl.DocumentVersion(docURI); version == 0 {
		err = cl.OpenDocument(ctx, docURI, languageID(filePath), string(text))
	} else {
		err = cl.ChangeDocument(ctx, docURI, string(text), version+1)
	}
	if err != nil {
		return nil, err
	}

	return cl.AwaitDiagnostics(ctx, docURI, c.cfg.DiagnosticsWait)
}

// languageID maps a file extension onto the protocol language identifier.
func languageID(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".rs":
		return "rust"
	case ".go":
		return "go"
	case ".py":
		return "python"
	case ".ts":
		return "typescript"
	case ".js":
		return "javascript"
	default:
		return "plaintext"
	}
}
