package sync

import (
	asynqmod "github.com/CSCI128/packtrain-sub001/pkg/asynq"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

var Module = fx.Module("sync.service",
	fx.Provide(
		NewService,
		NewNightly,
	),
	fx.Invoke(
		registerHandlers,
		StartNightly,
	),
)

func registerHandlers(mux *asynq.ServeMux, svc *Service) {
	mux.HandleFunc(asynqmod.CourseSyncTask, svc.HandleCourseSync)
}
