// Package supervisor owns the external analyzer worker process: it
// launches the worker with piped stdio, captures stderr to a log file,
// and guarantees that exit callbacks run exactly once when the worker
// terminates for any reason. The supervisor never restarts a worker;
// restart happens when the next caller finds no live daemon record.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/raproxy/raproxy/src/raproxy/internal/errors"
	"github.com/raproxy/raproxy/src/raproxy/internal/fs"
	"github.com/raproxy/raproxy/src/raproxy/internal/logfilewriter"
)

const _configKeyWorker = "worker"

// Module is the Fx module for this package.
var Module = fx.Provide(New)

// Supervisor owns one analyzer worker process.
type Supervisor interface {
	// Spawn launches the worker with its working directory set to the
	// project root and stdin/stdout attached as pipes.
	Spawn(ctx context.Context) error
	// Stdin is the worker's protocol input. It has exactly one legitimate
	// writer at a time; the proxy relays all connections into it.
	Stdin() io.Writer
	// Stdout is the worker's protocol output.
	Stdout() io.Reader
	// Pid returns the worker's process id, or 0 before Spawn.
	Pid() int
	// Root returns the project root the worker is bound to.
	Root() string
	// LogPath returns the stderr capture file path.
	LogPath() string
	// OnExit registers fn to run when the worker exits. Callbacks run
	// exactly once, in registration order; registering after exit runs fn
	// immediately.
	OnExit(fn func(err error))
	// Done is closed once the worker has exited and callbacks have run.
	Done() <-chan struct{}
	// Stop kills the worker and waits for teardown to finish.
	Stop(ctx context.Context) error
}

// Config holds the worker process settings.
type Config struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Root    string   `yaml:"root"`
	// Env entries are appended to the inherited environment.
	Env []string `yaml:"env"`
}

// Params define values to be used by the supervisor.
type Params struct {
	fx.In

	Config    config.Provider
	FS        fs.FS
	Lifecycle fx.Lifecycle
	Logger    *zap.SugaredLogger
}

type supervisor struct {
	cfg     Config
	logger  *zap.SugaredLogger
	stderr  io.Writer
	logPath string

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    io.ReadCloser
	callbacks []func(error)
	exited    bool
	exitErr   error
	done      chan struct{}
}

// New creates a Supervisor from configuration. The worker's stderr is
// routed to a temp log file so it can never pollute the protocol channel.
func New(p Params) (Supervisor, error) {
	var cfg Config
	if err := p.Config.Get(_configKeyWorker).Populate(&cfg); err != nil {
		return nil, fmt.Errorf("getting config field %q: %w", _configKeyWorker, err)
	}
	if cfg.Command == "" {
		return nil, errors.New("missing field \"worker.command\" in config")
	}
	if cfg.Root == "" {
		return nil, errors.New("missing field \"worker.root\" in config")
	}

	stderr, logPath, err := logfilewriter.SetupOutputWriter(logfilewriter.Params{
		FS:        p.FS,
		Lifecycle: p.Lifecycle,
	}, "raproxy-worker")
	if err != nil {
		return nil, fmt.Errorf("setting up worker stderr capture: %w", err)
	}

	return NewWithConfig(cfg, stderr, logPath, p.Logger), nil
}

// NewWithConfig creates a Supervisor with explicit collaborators.
func NewWithConfig(cfg Config, stderr io.Writer, logPath string, logger *zap.SugaredLogger) Supervisor {
	return &supervisor{
		cfg:     cfg,
		logger:  logger,
		stderr:  stderr,
		logPath: logPath,
		done:    make(chan struct{}),
	}
}

// Spawn launches the worker process.
func (s *supervisor) Spawn(ctx context.Context) error {
	path, err := exec.LookPath(s.cfg.Command)
	if err != nil {
		return &errors.WorkerNotFoundError{Command: s.cfg.Command, Err: err}
	}

	// Deliberately not CommandContext: the spawn context is the startup
	// hook's and the worker must outlive it.
	cmd := exec.Command(path, s.cfg.Args...)
	cmd.Dir = s.cfg.Root
	cmd.Stderr = s.stderr
	if len(s.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), s.cfg.Env...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("opening worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("opening worker stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting worker %q: %w", s.cfg.Command, err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.stdin = stdin
	s.stdout = stdout
	s.mu.Unlock()

	s.logger.Infow("worker started",
		zap.String("command", path),
		zap.String("root", s.cfg.Root),
		zap.Int("pid", cmd.Process.Pid))

	go s.wait(cmd)
	return nil
}

// wait blocks on process exit, then runs exit callbacks exactly once.
func (s *supervisor) wait(cmd *exec.Cmd) {
	err := cmd.Wait()

	s.mu.Lock()
	s.exited = true
	s.exitErr = err
	callbacks := s.callbacks
	s.callbacks = nil
	s.mu.Unlock()

	s.logger.Infow("worker exited", zap.Int("pid", cmd.Process.Pid), zap.Error(err))
	for _, fn := range callbacks {
		fn(err)
	}
	close(s.done)
}

func (s *supervisor) Stdin() io.Writer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stdin
}

func (s *supervisor) Stdout() io.Reader {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stdout
}

func (s *supervisor) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

func (s *supervisor) Root() string {
	return s.cfg.Root
}

func (s *supervisor) LogPath() string {
	return s.logPath
}

func (s *supervisor) OnExit(fn func(err error)) {
	s.mu.Lock()
	if s.exited {
		err := s.exitErr
		s.mu.Unlock()
		fn(err)
		return
	}
	s.callbacks = append(s.callbacks, fn)
	s.mu.Unlock()
}

func (s *supervisor) Done() <-chan struct{} {
	return s.done
}

// Stop kills the worker's process group and waits for exit handling.
func (s *supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	// Negative pid addresses the process group set up at spawn.
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("killing worker: %w", err)
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
