// Package app assembles the raproxy daemon application.
package app

import (
	"context"
	"time"

	tally "github.com/uber-go/tally/v4"
	"go.uber.org/fx"

	"github.com/raproxy/raproxy/src/raproxy/internal/clock"
	"github.com/raproxy/raproxy/src/raproxy/internal/core"
	"github.com/raproxy/raproxy/src/raproxy/internal/fs"
	"github.com/raproxy/raproxy/src/raproxy/internal/portalloc"
	"github.com/raproxy/raproxy/src/raproxy/internal/proxy"
	"github.com/raproxy/raproxy/src/raproxy/internal/supervisor"
	"github.com/raproxy/raproxy/src/raproxy/repository/state"
)

// Module defines the raproxy daemon application module.
var Module = fx.Options(
	core.ConfigModule,
	core.LoggerModule,
	fs.Module,
	state.Module,
	portalloc.Module,
	supervisor.Module,
	proxy.Module,
	fx.Provide(clock.New),
	fx.Provide(func(lc fx.Lifecycle) tally.Scope {
		rs, closer := tally.NewRootScope(tally.ScopeOptions{
			Tags: map[string]string{
				"service": "raproxy",
			},
		}, 1*time.Second)

		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return closer.Close()
			},
		})

		return rs
	}),
	fx.Invoke(Register),
)
