package sync

import (
	"context"
	"time"

	"github.com/CSCI128/packtrain-sub001/pkg/config"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Nightly enqueues a full course sync once a day at the configured time.
type Nightly struct {
	service *Service
	hour    int
	minute  int

	cancel context.CancelFunc
}

func NewNightly(svc *Service, cfg *config.Config) *Nightly {
	return &Nightly{
		service: svc,
		hour:    cfg.Sync.Hour,
		minute:  cfg.Sync.Minute,
	}
}

// StartNightly is invoked by FX on service start.
func StartNightly(lc fx.Lifecycle, n *Nightly) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())
			n.cancel = cancel
			go n.run(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			if n.cancel != nil {
				n.cancel()
			}
			return nil
		},
	})
}

func (n *Nightly) run(ctx context.Context) {
	zap.L().Info("started nightly course sync scheduler",
		zap.Int("hour", n.hour), zap.Int("minute", n.minute))

	for {
		now := time.Now()
		next := nextRunTime(now, n.hour, n.minute)

		zap.L().Info("next course sync scheduled",
			zap.Time("next_run", next),
			zap.Duration("sleep_for", next.Sub(now)),
		)
		select {
		case <-time.After(next.Sub(now)):
			n.runNightly(ctx)
		case <-ctx.Done():
			zap.L().Warn("nightly course sync scheduler stopped")
			return
		}
	}
}

func (n *Nightly) runNightly(ctx context.Context) {
	start := time.Now()

	if err := n.service.EnqueueAllCourseSyncs(ctx); err != nil {
		zap.L().Error("failed to enqueue nightly course syncs", zap.Error(err))
		return
	}

	zap.L().Info("finished nightly course sync enqueue",
		zap.Duration("duration", time.Since(start)),
	)
}

// nextRunTime finds the next wall-clock occurrence of hour:minute.
func nextRunTime(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if now.After(next) {
		next = next.Add(24 * time.Hour)
	}
	return next
}
