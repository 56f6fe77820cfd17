package grading

import "go.uber.org/fx"

var Module = fx.Module("grading.service",
	fx.Provide(
		NewChannelFactory,
		NewScoreIngester,
	),
)
