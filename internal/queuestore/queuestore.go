// Package queuestore persists the technician rotation order between restarts.
package queuestore

import (
	"context"

	"github.com/go-redis/redis/v8"
)

type QueueStore interface {
	LoadQueue(ctx context.Context) ([]string, error)
	SaveQueue(ctx context.Context, queue []string) error
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

const DefaultKey = "salon:rotation:queue"

type Redis struct {
	client *redis.Client
	key    string
}

func NewRedisClient(cfg RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

func NewRedis(client *redis.Client, key string) *Redis {
	if key == "" {
		key = DefaultKey
	}
	return &Redis{client: client, key: key}
}

func (r *Redis) LoadQueue(ctx context.Context) ([]string, error) {
	queue, err := r.client.LRange(ctx, r.key, 0, -1).Result()
	if err == redis.Nil {
		return nil, nil
	}
	return queue, err
}

// SaveQueue replaces the stored list in one MULTI/EXEC.
func (r *Redis) SaveQueue(ctx context.Context, queue []string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.key)
		if len(queue) == 0 {
			return nil
		}
		values := make([]interface{}, len(queue))
		for i, name := range queue {
			values[i] = name
		}
		pipe.RPush(ctx, r.key, values...)
		return nil
	})
	return err
}

func Ping(ctx context.Context, client *redis.Client) error {
	return client.Ping(ctx).Err()
}
