package main

import (
	"go.uber.org/fx"
	"gorm.io/gorm"

	"github.com/CSCI128/packtrain-sub001/internal/httpapi"
	"github.com/CSCI128/packtrain-sub001/internal/server"
	asynqmod "github.com/CSCI128/packtrain-sub001/pkg/asynq"
	"github.com/CSCI128/packtrain-sub001/pkg/broker"
	"github.com/CSCI128/packtrain-sub001/pkg/config"
	"github.com/CSCI128/packtrain-sub001/pkg/db"
	"github.com/CSCI128/packtrain-sub001/pkg/gen"
	"github.com/CSCI128/packtrain-sub001/pkg/health"
	"github.com/CSCI128/packtrain-sub001/pkg/logger"
	"github.com/CSCI128/packtrain-sub001/pkg/redis"
	"github.com/CSCI128/packtrain-sub001/services/course"
	"github.com/CSCI128/packtrain-sub001/services/evaluator"
	"github.com/CSCI128/packtrain-sub001/services/grading"
	"github.com/CSCI128/packtrain-sub001/services/migration"
	"github.com/CSCI128/packtrain-sub001/services/sync"
	"github.com/CSCI128/packtrain-sub001/services/tasks"
)

func main() {
	app := fx.New(
		logger.Module,
		config.Module,
		db.Module,
		redis.Module,
		broker.Module,
		asynqmod.Client,
		asynqmod.Server,
		gen.Module,
		health.Module,

		course.Module,
		tasks.Module,
		grading.Module,
		evaluator.Module,
		migration.Module,
		sync.Module,

		httpapi.Module,
		server.Module,

		fx.Invoke(
			migrate,
			db.Otel,
			db.Metric,
		),
	)

	app.Run()
}

func migrate(conn *gorm.DB) error {
	return conn.AutoMigrate(
		&course.Course{},
		&course.Assignment{},
		&course.CourseMember{},
		&migration.MasterMigration{},
		&migration.Migration{},
		&grading.RawScore{},
		&tasks.Task{},
	)
}
