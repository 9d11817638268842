package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	relayAttempts  = 5
	relayBaseDelay = 200 * time.Millisecond
)

// RedisRelay republishes every bus event as JSON on a Redis channel so that
// out-of-process consumers (the dashboard) can follow along.
type RedisRelay struct {
	client  *redis.Client
	channel string
}

func NewRedisClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		PoolSize:     4,
	})
}

func NewRedisRelay(client *redis.Client, channel string) *RedisRelay {
	return &RedisRelay{client: client, channel: channel}
}

// Run forwards events until ctx is done.
func (r *RedisRelay) Run(ctx context.Context, bus *Bus) error {
	sub := bus.Subscribe(64)
	defer sub.Cancel()
	slog.Info("redis relay: started", "channel", r.channel)
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-sub.C():
			if !ok {
				return nil
			}
			r.forward(ctx, e)
		}
	}
}

func (r *RedisRelay) forward(ctx context.Context, e *Event) {
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("redis relay: failed to marshal event", "event_id", e.ID, "error", err)
		return
	}
	for attempt := 1; attempt <= relayAttempts; attempt++ {
		err = r.client.Publish(ctx, r.channel, data).Err()
		if err == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(relayBaseDelay * time.Duration(attempt*attempt)):
		}
	}
	slog.Error("redis relay: giving up on event", "event_id", e.ID, "type", e.Type, "error", err)
}
