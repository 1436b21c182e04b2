package alert

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/mailroom/dispatcher/internal/logger"
)

// DefaultChannel is the Redis Pub/Sub channel alert events are published to.
const DefaultChannel = "dispatcher:alerts"

// RedisSink publishes alert events as JSON to a Redis Pub/Sub channel.
type RedisSink struct {
	client  redis.UniversalClient
	channel string
	logger  logger.Logger
}

// NewRedisSink creates a sink publishing to the given channel (DefaultChannel
// when empty).
func NewRedisSink(client redis.UniversalClient, channel string, log logger.Logger) *RedisSink {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisSink{
		client:  client,
		channel: channel,
		logger:  log,
	}
}

// Emit implements Sink.
func (s *RedisSink) Emit(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal alert event: %w", err)
	}

	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish alert event: %w", err)
	}

	s.logger.Debug("alert event published",
		logger.String("type", event.Type),
		logger.String("severity", string(event.Severity)),
		logger.String("channel", s.channel))
	return nil
}
