package evaluator

import (
	"github.com/CSCI128/packtrain-sub001/pkg/errutil"
	"github.com/CSCI128/packtrain-sub001/pkg/health"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

var Module = fx.Module("evaluator.client",
	fx.Provide(
		NewClient,
		fx.Annotate(
			NewReadinessProbe,
			fx.ResultTags(`group:"readiness_probes"`),
		),
	),
)

type readinessProbe struct {
	client Client
}

// NewReadinessProbe surfaces the evaluator's aliveness in the service's
// readiness output.
func NewReadinessProbe(client Client) health.ReadinessProbe {
	return &readinessProbe{client: client}
}

func (p *readinessProbe) Name() string { return "evaluator" }

func (p *readinessProbe) Ready(c *gin.Context) error {
	if !p.client.IsReady(c.Request.Context()) {
		return errutil.ResourceFailure("evaluator not ready")
	}
	return nil
}
