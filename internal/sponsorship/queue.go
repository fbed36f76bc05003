package sponsorship

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Handler 处理来自消息队列的请求 ID。返回错误时消息会被重新投递。
type Handler func(ctx context.Context, requestID string) error

// Producer 负责向队列投递请求 ID。
type Producer interface {
	Publish(ctx context.Context, requestID string) error
	Close() error
}

// Consumer 负责从队列中消费请求 ID。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

// QueueConfig 选择队列实现。
type QueueConfig struct {
	Driver    string         `yaml:"driver" env:"DRIVER"`
	Size      int            `yaml:"size" env:"SIZE"`
	RedisKey  string         `yaml:"redis_key" env:"REDIS_KEY"`
	BlockWait time.Duration  `yaml:"block_wait" env:"BLOCK_WAIT"`
	RabbitMQ  RabbitMQConfig `yaml:"rabbitmq" envPrefix:"RABBITMQ_"`
}

// NewQueue 按驱动名构造队列。redis 驱动复用传入的客户端。
func NewQueue(cfg QueueConfig, redisClient *goredis.Client) (Queue, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemoryQueue(cfg.Size), nil
	case "redis":
		if redisClient == nil {
			return nil, fmt.Errorf("redis 队列需要 Redis 客户端")
		}
		return NewRedisQueue(redisClient, cfg.RedisKey, cfg.BlockWait), nil
	case "rabbitmq":
		return NewRabbitMQQueue(cfg.RabbitMQ)
	default:
		return nil, fmt.Errorf("不支持的队列驱动: %s", cfg.Driver)
	}
}
