package logger

import (
	"github.com/CSCI128/packtrain-sub001/pkg/config"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var Module = fx.Module("zap",
	fx.Provide(
		New,
	),
)

type ConfigParams struct {
	fx.In
	Cfg *config.Config
}

// New builds the process-wide logger and installs it as the zap global so
// services can log through zap.L().
func New(p ConfigParams) (*zap.Logger, error) {
	log := zap.Must(zap.NewDevelopment())

	if p.Cfg.AppEnv == "production" {
		conf := zap.NewProductionConfig()
		conf.EncoderConfig.TimeKey = "timestamp"
		conf.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		conf.EncoderConfig.StacktraceKey = "stacktrace"
		conf.EncoderConfig.LevelKey = "severity"
		conf.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		conf.EncoderConfig.CallerKey = "caller"
		conf.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
		conf.Encoding = "json"
		conf.OutputPaths = []string{"stdout"}
		conf.ErrorOutputPaths = []string{"stderr"}

		var err error
		log, err = conf.Build()
		if err != nil {
			return nil, err
		}
	}

	log = log.With(
		zap.String("env", p.Cfg.AppEnv),
		zap.String("service_name", p.Cfg.AppName),
	)

	zap.ReplaceGlobals(log)

	return log, nil
}
