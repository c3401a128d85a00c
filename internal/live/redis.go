package live

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Addr          string
	Password      string
	DB            int
	ChannelPrefix string // default "newsbeat:"
}

// RedisPublisher relays messages to Redis Pub/Sub so other processes can
// forward them to their own clients.
type RedisPublisher struct {
	rdb    *goredis.Client
	prefix string
}

func NewRedisPublisher(ctx context.Context, cfg RedisConfig) (*RedisPublisher, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, fmt.Errorf("live.redis.addr is required")
	}
	prefix := cfg.ChannelPrefix
	if prefix == "" {
		prefix = "newsbeat:"
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return &RedisPublisher{rdb: rdb, prefix: prefix}, nil
}

// Channel returns the Redis channel used for topic.
func (p *RedisPublisher) Channel(topic string) string {
	return p.prefix + topic
}

func (p *RedisPublisher) Publish(ctx context.Context, topic string, payload any) error {
	msg, err := encode(topic, payload)
	if err != nil {
		return err
	}
	if err := p.rdb.Publish(ctx, p.Channel(topic), msg).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (p *RedisPublisher) Close() error {
	return p.rdb.Close()
}
