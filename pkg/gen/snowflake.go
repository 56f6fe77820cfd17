package gen

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
)

var Module = fx.Module("gen", fx.Provide(NewSnowflakeNode))

// NewSnowflakeNode provides the process-wide ID generator. IDs are ordered,
// which the task store relies on for audit ordering.
func NewSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}
