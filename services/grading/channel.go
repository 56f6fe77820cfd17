package grading

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/CSCI128/packtrain-sub001/pkg/broker"
	"github.com/CSCI128/packtrain-sub001/pkg/errutil"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ChannelSet is the pair of live channels for one migration's active
// processing, plus the metadata message that was published on build. It is
// owned by whoever built it and must be closed on every exit path.
type ChannelSet struct {
	Raw      broker.Channel
	Scored   broker.Channel
	Metadata StartMessage

	closeOnce sync.Once
}

func (cs *ChannelSet) Close() {
	cs.closeOnce.Do(func() {
		if cs.Raw != nil {
			if err := cs.Raw.Close(); err != nil {
				zap.L().Warn("failed to close raw grade channel",
					zap.String("routing_key", cs.Raw.RoutingKey()), zap.Error(err))
			}
		}
		if cs.Scored != nil {
			if err := cs.Scored.Close(); err != nil {
				zap.L().Warn("failed to close scored channel",
					zap.String("routing_key", cs.Scored.RoutingKey()), zap.Error(err))
			}
		}
	})
}

// PublishRaw sends one raw grade on the outbound feed.
func (cs *ChannelSet) PublishRaw(ctx context.Context, msg RawGradeMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return cs.Raw.Publish(ctx, payload)
}

// ChannelFactory builds per-migration channel sets against the broker.
type ChannelFactory struct {
	broker broker.Broker
}

type FactoryParams struct {
	fx.In
	Broker broker.Broker
}

func NewChannelFactory(p FactoryParams) *ChannelFactory {
	return &ChannelFactory{broker: p.Broker}
}

// Builder starts a channel-set build for the migration. Build is the only
// fallible step.
func (f *ChannelFactory) Builder(migrationID string) *ChannelBuilder {
	return &ChannelBuilder{
		factory:     f,
		migrationID: migrationID,
	}
}

type ChannelBuilder struct {
	factory     *ChannelFactory
	migrationID string

	bounds    *AssignmentBounds
	policyURI string
	onScore   broker.MessageHandler
}

func (b *ChannelBuilder) ForAssignment(bounds AssignmentBounds) *ChannelBuilder {
	b.bounds = &bounds
	return b
}

func (b *ChannelBuilder) WithPolicy(uri string) *ChannelBuilder {
	b.policyURI = uri
	return b
}

// WithOnScoreReceived subscribes the inbound feed. Without a callback the
// inbound channel is not established at all: no caller would drain it.
func (b *ChannelBuilder) WithOnScoreReceived(onScore broker.MessageHandler) *ChannelBuilder {
	b.onScore = onScore
	return b
}

// Build synchronously establishes the channel pair and publishes the
// metadata message exactly once as its final step. On any failure every
// partially created channel is closed before the error is surfaced; either
// both channels exist and the metadata message went out, or neither remains.
func (b *ChannelBuilder) Build(ctx context.Context) (*ChannelSet, error) {
	if b.migrationID == "" {
		return nil, errutil.BadRequest("migration id is required")
	}
	if b.bounds == nil {
		return nil, errutil.ValidationFailed("assignment bounds are required")
	}
	if b.policyURI == "" {
		return nil, errutil.ValidationFailed("grading policy is required")
	}

	rawKey := broker.RawGradeKey(b.migrationID)
	scoredKey := broker.ScoredKey(b.migrationID)

	raw, err := b.factory.broker.CreatePublishChannel(ctx, rawKey)
	if err != nil {
		return nil, errutil.ResourceFailure("failed to establish raw grade channel", errutil.WithErr(err))
	}

	var scored broker.Channel
	if b.onScore != nil {
		scored, err = b.factory.broker.CreateSubscribeChannel(ctx, scoredKey, b.onScore)
		if err != nil {
			if closeErr := raw.Close(); closeErr != nil {
				zap.L().Warn("failed to close raw channel after build failure", zap.Error(closeErr))
			}
			return nil, errutil.ResourceFailure("failed to establish scored channel", errutil.WithErr(err))
		}
	}

	set := &ChannelSet{
		Raw:    raw,
		Scored: scored,
		Metadata: StartMessage{
			MigrationID:      b.migrationID,
			PolicyURI:        b.policyURI,
			RawRoutingKey:    rawKey,
			ScoredRoutingKey: scoredKey,
			MinScore:         b.bounds.MinScore,
			MaxScore:         b.bounds.MaxScore,
			ExternalMaxScore: b.bounds.ExternalMaxScore,
			DueDate:          b.bounds.DueDate,
		},
	}

	payload, err := json.Marshal(set.Metadata)
	if err != nil {
		set.Close()
		return nil, err
	}
	if err := raw.Publish(ctx, payload); err != nil {
		set.Close()
		return nil, errutil.ResourceFailure("failed to publish grading metadata", errutil.WithErr(err))
	}

	return set, nil
}
