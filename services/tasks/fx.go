package tasks

import (
	"context"

	"github.com/CSCI128/packtrain-sub001/pkg/config"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
)

var Module = fx.Module("tasks.service",
	fx.Provide(
		NewStore,
		NewRegistry,
		provideScheduler,
	),
)

type schedulerParams struct {
	fx.In
	Lifecycle fx.Lifecycle
	Store     Store
	Node      *snowflake.Node
	Cfg       *config.Config
}

func provideScheduler(p schedulerParams) *Scheduler {
	s := NewScheduler(p.Store, p.Node, p.Cfg.Scheduler.Workers)

	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			s.Stop()
			return nil
		},
	})

	return s
}
