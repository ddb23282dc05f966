package redis

import (
	"context"
	"errors"
	"time"

	"qbtc-market/internal/config"

	goredis "github.com/redis/go-redis/v9"
)

// Store keeps entries in redis under a fixed key prefix.
type Store struct {
	client *goredis.Client
	prefix string
}

func New(client *goredis.Client, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

// Open dials redis from config and verifies the connection with PING.
func Open(ctx context.Context, cfg config.RedisConfig) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return New(client, cfg.Prefix), nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return value, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, s.prefix+key, value, ttl).Err()
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}
