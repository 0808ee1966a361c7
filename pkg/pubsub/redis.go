package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const subscriptionBuffer = 64

// RedisBus is a Bus on Redis pub/sub.
type RedisBus struct {
	client *redis.Client
}

// NewRedisBus connects to Redis and verifies the connection.
func NewRedisBus(ctx context.Context, cfg RedisConfig) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", cfg.Address, err)
	}
	return &RedisBus{client: client}, nil
}

func (r *RedisBus) Publish(ctx context.Context, channel string, env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return r.client.Publish(ctx, channel, data).Err()
}

// Subscribe confirms the subscription before returning.
func (r *RedisBus) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	ps := r.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	out := make(chan *Envelope, subscriptionBuffer)
	go pump(ctx, ps.Channel(), out)
	return NewSubscription(out, ps.Close), nil
}

func (r *RedisBus) Close() error {
	return r.client.Close()
}

// pump forwards decodable messages until in closes or ctx is done.
// Undecodable messages are dropped, and so is anything arriving while
// out is full.
func pump(ctx context.Context, in <-chan *redis.Message, out chan<- *Envelope) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			env, err := Parse([]byte(msg.Payload))
			if err != nil {
				continue
			}
			select {
			case out <- env:
			default:
			}
		}
	}
}
