package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RecentLimit is how many events are kept in the <channel>:recent list.
const RecentLimit = 100

// Redis publishes events on a pub/sub channel and keeps a capped list of the
// most recent ones for late readers.
type Redis struct {
	client  redis.UniversalClient
	channel string
}

func NewRedis(addr, password string, db int, channel string) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisWithClient(client, channel)
}

func NewRedisWithClient(client redis.UniversalClient, channel string) *Redis {
	if channel == "" {
		channel = "launchpad:events"
	}
	return &Redis{client: client, channel: channel}
}

func (r *Redis) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	key := r.channel + ":recent"
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Publish(ctx, r.channel, data)
		p.LPush(ctx, key, data)
		p.LTrim(ctx, key, 0, RecentLimit-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Recent returns up to n of the latest events, newest first.
func (r *Redis) Recent(ctx context.Context, n int64) ([]Event, error) {
	raw, err := r.client.LRange(ctx, r.channel+":recent", 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read recent events: %w", err)
	}
	out := make([]Event, 0, len(raw))
	for _, s := range raw {
		var e Event
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error { return r.client.Close() }
