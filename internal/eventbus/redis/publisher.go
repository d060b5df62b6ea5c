// Package redis implements container.EventBus over a Redis pub/sub
// channel, so a supervisory process outside the consumer can observe
// worker lifecycle transitions without sharing memory with it.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/qijun4tian/amqp-container/internal/container"
)

// Config holds the Redis connection settings for the event bus.
type Config struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// Publisher publishes container events to a Redis channel as JSON
// envelopes. Publish never blocks its caller on Redis latency beyond its
// 5-second publish timeout; failures are logged, not returned, since EventBus.Publish
// has no error return.
type Publisher struct {
	client  *redis.Client
	channel string
	timeout time.Duration
}

// envelope is the wire shape published to the channel; Kind lets
// subscribers dispatch without reflecting on Go type names.
type envelope struct {
	Kind string      `json:"kind"`
	Data interface{} `json:"data"`
}

// NewPublisher dials Redis and verifies connectivity with Ping.
func NewPublisher(cfg Config) (*Publisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("eventbus/redis: connect: %w", err)
	}

	channel := cfg.Channel
	if channel == "" {
		channel = "container:events"
	}

	return &Publisher{client: client, channel: channel, timeout: 5 * time.Second}, nil
}

func (p *Publisher) Publish(event container.Event) {
	env := envelope{Kind: kindOf(event), Data: event}

	body, err := json.Marshal(env)
	if err != nil {
		log.Printf("eventbus/redis: marshal event: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.client.Publish(ctx, p.channel, body).Err(); err != nil {
		log.Printf("eventbus/redis: publish: %v", err)
	}
}

func kindOf(event container.Event) string {
	switch event.(type) {
	case container.AsyncConsumerStartedEvent:
		return "consumer_started"
	case container.AsyncConsumerStoppedEvent:
		return "consumer_stopped"
	case container.AsyncConsumerRestartedEvent:
		return "consumer_restarted"
	case container.ListenerContainerIdleEvent:
		return "container_idle"
	case container.ListenerContainerConsumerFailedEvent:
		return "consumer_failed"
	default:
		return "unknown"
	}
}

// Close releases the underlying Redis client.
func (p *Publisher) Close() error {
	return p.client.Close()
}
