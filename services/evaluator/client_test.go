package evaluator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CSCI128/packtrain-sub001/pkg/config"
	"github.com/CSCI128/packtrain-sub001/services/grading"
)

func newTestClient(addr string) Client {
	cfg := &config.Config{}
	cfg.Evaluator.Addr = addr
	cfg.Evaluator.Timeout = 2 * time.Second
	return NewClient(cfg)
}

func TestIsReady(t *testing.T) {
	ready := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/-/ready", r.URL.Path)
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	require.True(t, client.IsReady(context.Background()))

	ready = false
	require.False(t, client.IsReady(context.Background()))
}

func TestStartGradingPostsMetadata(t *testing.T) {
	var received grading.StartMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/grading/start", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	err := client.StartGrading(context.Background(), grading.StartMessage{
		MigrationID:   "mig_1",
		PolicyURI:     "policy://p",
		RawRoutingKey: "grading:mig_1:raw",
	})
	require.NoError(t, err)
	require.Equal(t, "mig_1", received.MigrationID)
	require.Equal(t, "policy://p", received.PolicyURI)
}

func TestStartGradingNonCreatedResponseIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	err := client.StartGrading(context.Background(), grading.StartMessage{MigrationID: "mig_1"})
	require.Error(t, err)
}
