package broker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryBrokerDeliversToSubscriber(t *testing.T) {
	b := NewMemoryBroker()

	received := make([][]byte, 0)
	sub, err := b.CreateSubscribeChannel(context.Background(), "grading:1:scored", func(payload []byte) {
		received = append(received, payload)
	})
	require.NoError(t, err)
	defer sub.Close()

	pub, err := b.CreatePublishChannel(context.Background(), "grading:1:scored")
	require.NoError(t, err)

	require.NoError(t, pub.Publish(context.Background(), []byte("one")))
	require.NoError(t, pub.Publish(context.Background(), []byte("two")))

	require.Len(t, received, 2)
	require.Equal(t, []byte("one"), received[0])
	require.Len(t, b.Published("grading:1:scored"), 2)
}

func TestMemoryBrokerCloseStopsDelivery(t *testing.T) {
	b := NewMemoryBroker()

	count := 0
	sub, err := b.CreateSubscribeChannel(context.Background(), "grading:2:scored", func([]byte) {
		count++
	})
	require.NoError(t, err)
	require.Equal(t, 1, b.Subscribers("grading:2:scored"))

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	require.Equal(t, 0, b.Subscribers("grading:2:scored"))

	b.Deliver("grading:2:scored", []byte("late"))
	require.Zero(t, count)
}

func TestMemoryBrokerForcedFailures(t *testing.T) {
	b := NewMemoryBroker()
	boom := errors.New("broker down")
	b.FailSubscribe["grading:3:scored"] = boom

	_, err := b.CreateSubscribeChannel(context.Background(), "grading:3:scored", func([]byte) {})
	require.ErrorIs(t, err, boom)
}

func TestSubscribeChannelRejectsPublish(t *testing.T) {
	b := NewMemoryBroker()
	sub, err := b.CreateSubscribeChannel(context.Background(), "grading:4:scored", func([]byte) {})
	require.NoError(t, err)
	defer sub.Close()

	require.ErrorIs(t, sub.Publish(context.Background(), []byte("x")), ErrNotPublishChannel)
}

func TestRoutingKeysDeterministic(t *testing.T) {
	require.Equal(t, "grading:42:raw", RawGradeKey("42"))
	require.Equal(t, "grading:42:scored", ScoredKey("42"))
	require.NotEqual(t, RawGradeKey("42"), RawGradeKey("43"))
}
