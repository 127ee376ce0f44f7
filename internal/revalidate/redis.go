package revalidate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Event is the message published for each signal.
type Event struct {
	Path string    `json:"path"`
	At   time.Time `json:"at"`
}

// Redis publishes signals on a pub/sub channel and also records the latest
// signal time per path, so a consumer that missed a message can still
// compare versions.
type Redis struct {
	client  *redis.Client
	channel string
	ttl     time.Duration
}

// NewRedis connects to redisURL (redis://host:port/db) and checks the
// connection.
func NewRedis(redisURL, channel string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisWithClient(client, channel), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, channel string) *Redis {
	return &Redis{
		client:  client,
		channel: channel,
		ttl:     24 * time.Hour,
	}
}

func (r *Redis) key(path string) string {
	return r.channel + ":" + path
}

func (r *Redis) Revalidate(ctx context.Context, path string) error {
	ev := Event{Path: path, At: time.Now().UTC()}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal revalidate event: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.key(path), ev.At.UnixNano(), r.ttl)
	pipe.Publish(ctx, r.channel, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish revalidate %s: %w", path, err)
	}
	return nil
}

// LastRevalidated returns when path was last signalled, or the zero time.
func (r *Redis) LastRevalidated(ctx context.Context, path string) (time.Time, error) {
	n, err := r.client.Get(ctx, r.key(path)).Int64()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("lookup revalidate %s: %w", path, err)
	}
	return time.Unix(0, n).UTC(), nil
}

// Subscribe delivers events until ctx is done. The returned channel is
// closed when the subscription ends.
func (r *Redis) Subscribe(ctx context.Context) (<-chan Event, error) {
	sub := r.client.Subscribe(ctx, r.channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", r.channel, err)
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
