package events

import (
	"context"

	"github.com/redis/go-redis/v9"

	xerrors "AMessage-Chain/internal/errors"
)

// RedisConfig 描述 Redis 列表的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	List     string
}

// RedisPublisher 通过 LPUSH 将事件写入 Redis 列表。
type RedisPublisher struct {
	client redis.UniversalClient
	list   string
	owned  bool
}

// NewRedisPublisher 创建并探测 Redis 连接。
func NewRedisPublisher(ctx context.Context, cfg RedisConfig) (*RedisPublisher, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 Redis 失败")
	}
	p := NewRedisPublisherWithClient(client, cfg.List)
	p.owned = true
	return p, nil
}

// NewRedisPublisherWithClient 复用已有客户端，Close 不会关闭它。
func NewRedisPublisherWithClient(client redis.UniversalClient, list string) *RedisPublisher {
	if list == "" {
		list = "amessage:events"
	}
	return &RedisPublisher{client: client, list: list}
}

// Publish 实现 Publisher。
func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	data, err := encode(event)
	if err != nil {
		return err
	}
	if err := p.client.LPush(ctx, p.list, data).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布事件失败")
	}
	return nil
}

// Close 关闭自有连接。
func (p *RedisPublisher) Close() error {
	if p == nil || p.client == nil || !p.owned {
		return nil
	}
	return p.client.Close()
}
