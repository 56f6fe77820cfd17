package evaluator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/CSCI128/packtrain-sub001/pkg/config"
	"github.com/CSCI128/packtrain-sub001/services/grading"
)

// Client is the boundary to the external policy-evaluation service. It is
// an external collaborator; this package only speaks its interface.
type Client interface {
	// IsReady probes the evaluator's liveness.
	IsReady(ctx context.Context) bool
	// StartGrading announces a migration run. The evaluator signals
	// acceptance with a created-resource response; anything else is an
	// error for the caller to log, without changing migration phase.
	StartGrading(ctx context.Context, msg grading.StartMessage) error
}

type httpClient struct {
	base string
	http *http.Client
}

func NewClient(cfg *config.Config) Client {
	return &httpClient{
		base: cfg.Evaluator.Addr,
		http: &http.Client{Timeout: cfg.Evaluator.Timeout},
	}
}

func (c *httpClient) IsReady(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/-/ready", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (c *httpClient) StartGrading(ctx context.Context, msg grading.StartMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/grading/start", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("evaluator rejected grading start: %s", resp.Status)
	}
	return nil
}
