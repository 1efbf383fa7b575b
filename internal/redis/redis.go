package redis

import (
	"context"
	"fmt"

	"schoolbus-tracking/internal/config"
	"schoolbus-tracking/internal/logger"

	"github.com/go-redis/redis/v8"
)

// Client представляет клиент Redis
type Client struct {
	client *redis.Client
	log    *logger.Logger
}

// Connect создает подключение к Redis
func Connect(cfg *config.RedisConfig, log *logger.Logger) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if _, err := rdb.Ping(context.Background()).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Info("Successfully connected to Redis")

	return NewFromClient(rdb, log), nil
}

// NewFromClient оборачивает уже созданный клиент go-redis
func NewFromClient(rdb *redis.Client, log *logger.Logger) *Client {
	return &Client{client: rdb, log: log}
}

// GetClient возвращает нижележащий клиент go-redis
func (c *Client) GetClient() *redis.Client {
	return c.client
}

// Close закрывает подключение к Redis
func (c *Client) Close() error {
	return c.client.Close()
}

// Health проверяет состояние Redis
func (c *Client) Health(ctx context.Context) error {
	_, err := c.client.Ping(ctx).Result()
	return err
}

// GenerateKey генерирует ключ вида prefix:id[:suffix]
func GenerateKey(prefix, id string, suffix ...string) string {
	key := fmt.Sprintf("%s:%s", prefix, id)
	for _, s := range suffix {
		key += ":" + s
	}
	return key
}

// Константы для префиксов ключей
const (
	KeyPrefixLocation  = "location"
	KeyPrefixRateLimit = "rate_limit"
)
