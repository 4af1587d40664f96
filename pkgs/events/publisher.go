package events

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const (
	// DefaultEventChannel is the default Redis channel prefix for events
	DefaultEventChannel = "whisper:events"

	// DefaultPublishTimeout bounds a single Redis publish
	DefaultPublishTimeout = 2 * time.Second
)

// PublisherConfig contains configuration for the Redis publisher
type PublisherConfig struct {
	RedisClient    *redis.Client
	ChannelPrefix  string
	PublishTimeout time.Duration
	CoordinatorID  string // Namespaces channels when several coordinators share Redis
}

// DefaultPublisherConfig returns a default publisher configuration
func DefaultPublisherConfig(redisClient *redis.Client) *PublisherConfig {
	return &PublisherConfig{
		RedisClient:    redisClient,
		ChannelPrefix:  DefaultEventChannel,
		PublishTimeout: DefaultPublishTimeout,
	}
}

// Publisher forwards events to Redis Pub/Sub, one channel per event family
type Publisher struct {
	config      *PublisherConfig
	redisClient *redis.Client
	channelMap  map[EventType]string

	eventsPublished uint64
	publishErrors   uint64
}

// NewPublisher creates a new Redis event publisher
func NewPublisher(config *PublisherConfig) (*Publisher, error) {
	if config == nil || config.RedisClient == nil {
		return nil, fmt.Errorf("invalid publisher configuration")
	}
	if config.ChannelPrefix == "" {
		config.ChannelPrefix = DefaultEventChannel
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = DefaultPublishTimeout
	}

	p := &Publisher{
		config:      config,
		redisClient: config.RedisClient,
		channelMap:  make(map[EventType]string),
	}
	p.initChannelMap()

	return p, nil
}

func (p *Publisher) initChannelMap() {
	prefix := p.config.ChannelPrefix
	if p.config.CoordinatorID != "" {
		prefix = fmt.Sprintf("%s:%s", prefix, p.config.CoordinatorID)
	}

	p.channelMap[EventIntentionSubmitted] = prefix + ":intention"
	p.channelMap[EventIntentionExpired] = prefix + ":intention"
	p.channelMap[EventIntentionRevealed] = prefix + ":intention"

	p.channelMap[EventCommitmentRecorded] = prefix + ":commitment"

	p.channelMap[EventVerifierRegistered] = prefix + ":consensus"
	p.channelMap[EventAttestationRecorded] = prefix + ":consensus"
	p.channelMap[EventAttestationRejected] = prefix + ":consensus"

	p.channelMap[EventMatchFinalized] = prefix + ":match"
	p.channelMap[EventMatchExecuted] = prefix + ":match"

	p.channelMap[EventDiscoveryFailed] = prefix + ":discovery"
}

// Channel returns the Redis channel for an event type
func (p *Publisher) Channel(eventType EventType) string {
	if channel, ok := p.channelMap[eventType]; ok {
		return channel
	}
	return p.config.ChannelPrefix
}

// Publish sends a single event to Redis
func (p *Publisher) Publish(ctx context.Context, event *Event) error {
	data, err := event.ToJSON()
	if err != nil {
		atomic.AddUint64(&p.publishErrors, 1)
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.PublishTimeout)
	defer cancel()

	if err := p.redisClient.Publish(ctx, p.Channel(event.Type), data).Err(); err != nil {
		atomic.AddUint64(&p.publishErrors, 1)
		return fmt.Errorf("failed to publish event: %w", err)
	}

	atomic.AddUint64(&p.eventsPublished, 1)
	return nil
}

// Subscriber returns an emitter subscriber that forwards every event to Redis
func (p *Publisher) Subscriber(id string) *Subscriber {
	return &Subscriber{
		ID: id,
		Handler: func(event *Event) {
			if err := p.Publish(context.Background(), event); err != nil {
				log.WithFields(log.Fields{
					"event_type": event.Type,
					"event_id":   event.ID,
				}).WithError(err).Warn("Failed to forward event to Redis")
			}
		},
	}
}

// GetMetrics returns publisher metrics
func (p *Publisher) GetMetrics() map[string]interface{} {
	return map[string]interface{}{
		"events_published": atomic.LoadUint64(&p.eventsPublished),
		"publish_errors":   atomic.LoadUint64(&p.publishErrors),
	}
}
