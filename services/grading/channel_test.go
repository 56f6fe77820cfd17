package grading

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/CSCI128/packtrain-sub001/pkg/broker"
	"github.com/CSCI128/packtrain-sub001/pkg/errutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func testBounds() AssignmentBounds {
	return AssignmentBounds{
		MinScore:         0,
		MaxScore:         10,
		ExternalMaxScore: 10,
		DueDate:          time.Date(2024, 1, 10, 23, 59, 0, 0, time.UTC),
	}
}

func TestBuildEstablishesChannelsAndPublishesMetadataOnce(t *testing.T) {
	b := broker.NewMemoryBroker()
	factory := NewChannelFactory(FactoryParams{Broker: b})

	set, err := factory.Builder("mig_1").
		ForAssignment(testBounds()).
		WithPolicy("policy://late-penalty/v1").
		WithOnScoreReceived(func([]byte) {}).
		Build(context.Background())
	require.NoError(t, err)
	defer set.Close()

	require.Equal(t, "grading:mig_1:raw", set.Metadata.RawRoutingKey)
	require.Equal(t, "grading:mig_1:scored", set.Metadata.ScoredRoutingKey)
	require.Equal(t, 1, b.Subscribers("grading:mig_1:scored"))

	published := b.Published("grading:mig_1:raw")
	require.Len(t, published, 1)

	var meta StartMessage
	require.NoError(t, json.Unmarshal(published[0], &meta))
	require.Equal(t, "mig_1", meta.MigrationID)
	require.Equal(t, "policy://late-penalty/v1", meta.PolicyURI)
	require.Equal(t, 10.0, meta.MaxScore)
}

func TestBuildWithoutCallbackSkipsSubscription(t *testing.T) {
	b := broker.NewMemoryBroker()
	factory := NewChannelFactory(FactoryParams{Broker: b})

	set, err := factory.Builder("mig_2").
		ForAssignment(testBounds()).
		WithPolicy("policy://p").
		Build(context.Background())
	require.NoError(t, err)
	defer set.Close()

	require.Nil(t, set.Scored)
	require.Zero(t, b.Subscribers("grading:mig_2:scored"))
}

func TestBuildClosesPartialChannelOnSubscribeFailure(t *testing.T) {
	b := broker.NewMemoryBroker()
	b.FailSubscribe["grading:mig_3:scored"] = errors.New("broker refused")
	factory := NewChannelFactory(FactoryParams{Broker: b})

	_, err := factory.Builder("mig_3").
		ForAssignment(testBounds()).
		WithPolicy("policy://p").
		WithOnScoreReceived(func([]byte) {}).
		Build(context.Background())
	require.Error(t, err)

	var base errutil.BaseError
	require.ErrorAs(t, err, &base)
	require.Equal(t, errutil.StatusBadGateway, base.Code)

	// Nothing leaked: no subscription, no published metadata.
	require.Zero(t, b.Subscribers("grading:mig_3:scored"))
	require.Empty(t, b.Published("grading:mig_3:raw"))
}

func TestBuildRequiresPolicyAndBounds(t *testing.T) {
	b := broker.NewMemoryBroker()
	factory := NewChannelFactory(FactoryParams{Broker: b})

	_, err := factory.Builder("mig_4").
		ForAssignment(testBounds()).
		Build(context.Background())
	require.True(t, errutil.IsValidation(err))

	_, err = factory.Builder("mig_4").
		WithPolicy("policy://p").
		Build(context.Background())
	require.True(t, errutil.IsValidation(err))

	require.Empty(t, b.Published("grading:mig_4:raw"))
}

func TestChannelSetCloseIsIdempotent(t *testing.T) {
	b := broker.NewMemoryBroker()
	factory := NewChannelFactory(FactoryParams{Broker: b})

	set, err := factory.Builder("mig_5").
		ForAssignment(testBounds()).
		WithPolicy("policy://p").
		WithOnScoreReceived(func([]byte) {}).
		Build(context.Background())
	require.NoError(t, err)

	set.Close()
	set.Close()
	require.Zero(t, b.Subscribers("grading:mig_5:scored"))
}
