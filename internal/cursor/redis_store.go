package cursor

import (
	"context"
	stdErrors "errors"

	"github.com/redis/go-redis/v9"

	xerrors "AMessage-Chain/internal/errors"
)

// RedisConfig 描述 Redis 连接参数。
type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore 以 `<prefix><address>` 为键保存游标。
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	owned  bool
}

// NewRedisStore 连接 Redis 并确认可用。
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
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
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	store := NewRedisStoreWithClient(client, cfg.KeyPrefix)
	store.owned = true
	return store, nil
}

// NewRedisStoreWithClient 复用已有的客户端，Close 不会关闭该客户端。
func NewRedisStoreWithClient(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "amessage:cursor:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Key 返回地址对应的键。
func (r *RedisStore) Key(address string) string {
	return r.prefix + address
}

// Load 实现 Store。
func (r *RedisStore) Load(ctx context.Context, address string) (string, bool, error) {
	sig, err := r.client.Get(ctx, r.Key(address)).Result()
	if err != nil {
		if stdErrors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 Redis 游标失败")
	}
	return sig, sig != "", nil
}

// Save 实现 Store。
func (r *RedisStore) Save(ctx context.Context, address, signature string) error {
	if address == "" || signature == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "地址与签名不能为空")
	}
	if err := r.client.Set(ctx, r.Key(address), signature, 0).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 Redis 游标失败")
	}
	return nil
}

// Close 实现 Store。
func (r *RedisStore) Close() error {
	if r == nil || r.client == nil || !r.owned {
		return nil
	}
	return r.client.Close()
}
