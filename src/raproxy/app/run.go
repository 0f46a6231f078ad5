package app

import (
	"context"
	"time"

	"github.com/gofrs/uuid"
	"go.uber.org/fx"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/raproxy/raproxy/src/raproxy/entity"
	"github.com/raproxy/raproxy/src/raproxy/internal/clock"
	"github.com/raproxy/raproxy/src/raproxy/internal/portalloc"
	"github.com/raproxy/raproxy/src/raproxy/internal/proxy"
	"github.com/raproxy/raproxy/src/raproxy/internal/supervisor"
	"github.com/raproxy/raproxy/src/raproxy/repository/state"
)

const _teardownTimeout = 10 * time.Second

// RunParams define values used by the daemon run sequence.
type RunParams struct {
	fx.In

	Lifecycle  fx.Lifecycle
	Shutdowner fx.Shutdowner
	Allocator  portalloc.Allocator
	Supervisor supervisor.Supervisor
	Proxy      proxy.Proxy
	States     state.Repository
	Clock      clock.Clock
	Logger     *zap.SugaredLogger
}

// Register wires the daemon sequence into the application lifecycle:
// allocate a port, spawn the worker, start the proxy, persist the daemon
// record. Worker exit tears the proxy down, retires the record, and exits
// the process; the daemon never restarts its worker.
func Register(p RunParams) {
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error { return start(ctx, p) },
		// Killing the worker triggers the exit callbacks, which handle the
		// rest of the teardown.
		OnStop: p.Supervisor.Stop,
	})
}

func start(ctx context.Context, p RunParams) error {
	root := p.Supervisor.Root()

	port, err := p.Allocator.Allocate(root)
	if err != nil {
		return err
	}

	if err := p.Supervisor.Spawn(ctx); err != nil {
		return err
	}

	if err := p.Proxy.Start(ctx, port); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), _teardownTimeout)
		defer cancel()
		return multierr.Append(err, p.Supervisor.Stop(stopCtx))
	}

	rec := &entity.WorkerRecord{
		UUID:        uuid.Must(uuid.NewV4()),
		Pid:         p.Supervisor.Pid(),
		Port:        p.Proxy.Port(),
		Root:        root,
		StartedAt:   p.Clock.Now(),
		Initialized: true,
		LogPath:     p.Supervisor.LogPath(),
	}
	if err := p.States.Persist(ctx, rec); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), _teardownTimeout)
		defer cancel()
		return multierr.Combine(err, p.Proxy.Stop(stopCtx), p.Supervisor.Stop(stopCtx))
	}

	p.Supervisor.OnExit(func(exitErr error) {
		stopCtx, cancel := context.WithTimeout(context.Background(), _teardownTimeout)
		defer cancel()

		if err := p.Proxy.Stop(stopCtx); err != nil {
			p.Logger.Warnw("stopping proxy after worker exit", zap.Error(err))
		}
		if err := p.States.Remove(stopCtx, root); err != nil {
			p.Logger.Warnw("removing daemon record after worker exit", zap.Error(err))
		}
		if err := p.Shutdowner.Shutdown(); err != nil {
			p.Logger.Errorw("requesting shutdown", zap.Error(err))
		}
	})

	p.Logger.Infow("daemon ready",
		zap.String("root", root),
		zap.Int("port", rec.Port),
		zap.Int("pid", rec.Pid))
	return nil
}
