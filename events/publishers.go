package events

import (
	"context"
	"fmt"

	"github.com/deepnoodle-ai/forge/internal/xjson"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

type natsConn interface {
	Publish(subject string, data []byte) error
	Flush() error
	Close()
}

// NATSPublisher publishes each event on forge.events.<kind>.
type NATSPublisher struct {
	conn natsConn
}

// NewNATSPublisher connects to a NATS server; an empty address uses the
// default URL.
func NewNATSPublisher(address string) (*NATSPublisher, error) {
	if address == "" {
		address = nats.DefaultURL
	}
	conn, err := nats.Connect(address, nats.Name("forge"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSPublisher{conn: conn}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, e Event) error {
	raw, err := xjson.Marshal(e)
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return p.conn.Publish(Subject(e.Kind), raw)
}

func (p *NATSPublisher) Close() error {
	if p == nil || p.conn == nil {
		return nil
	}
	err := p.conn.Flush()
	p.conn.Close()
	return err
}

type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// RedisPublisher publishes each event on the forge.events.<kind> channel.
type RedisPublisher struct {
	client redisPublisher
}

// NewRedisPublisher connects to a redis:// URL.
func NewRedisPublisher(address string) (*RedisPublisher, error) {
	if address == "" {
		address = "redis://127.0.0.1:6379"
	}
	options, err := redis.ParseURL(address)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisPublisher{client: redis.NewClient(options)}, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, e Event) error {
	raw, err := xjson.Marshal(e)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, Subject(e.Kind), raw).Err()
}

func (p *RedisPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}
