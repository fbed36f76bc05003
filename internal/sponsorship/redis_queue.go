package sponsorship

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// DefaultRedisQueueKey 是 Redis 队列默认使用的 list 键。
const DefaultRedisQueueKey = "treasury:sponsorship:queue"

// RedisQueue 使用 Redis list 实现请求队列，LPUSH 入队、BRPOP 出队。
type RedisQueue struct {
	client *goredis.Client
	key    string
	wait   time.Duration
}

// NewRedisQueue 基于已有客户端创建队列，客户端由调用方负责关闭。
func NewRedisQueue(client *goredis.Client, key string, blockWait time.Duration) *RedisQueue {
	if key == "" {
		key = DefaultRedisQueueKey
	}
	if blockWait <= 0 {
		blockWait = 5 * time.Second
	}
	return &RedisQueue{client: client, key: key, wait: blockWait}
}

// Publish 将请求 ID 投递到 Redis。
func (q *RedisQueue) Publish(ctx context.Context, requestID string) error {
	if err := q.client.LPush(ctx, q.key, requestID).Err(); err != nil {
		return fmt.Errorf("Redis 发布请求失败: %w", err)
	}
	return nil
}

// Consume 通过 BRPOP 从 Redis 获取请求。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				default:
				}
				values, err := q.client.BRPop(ctx, q.wait, q.key).Result()
				if err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, goredis.ErrClosed) {
						errCh <- err
						return
					}
					if errors.Is(err, goredis.Nil) {
						continue
					}
					errCh <- fmt.Errorf("Redis 取请求失败: %w", err)
					return
				}
				if len(values) != 2 {
					continue
				}
				requestID := values[1]
				if handlerErr := handler(ctx, requestID); handlerErr != nil && ctx.Err() == nil {
					// 处理失败时放回队尾，等待其他 worker 重试。
					_ = q.client.LPush(ctx, q.key, requestID).Err()
				}
			}
		}()
	}
	// 等待第一个错误或取消信号。
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Close 不关闭共享客户端。
func (q *RedisQueue) Close() error { return nil }
