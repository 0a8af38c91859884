// Package cursor 持久化响应方在自身交易历史中的处理位置。
package cursor

import (
	"context"
	"sync"

	xerrors "AMessage-Chain/internal/errors"
)

// Store 保存每个地址最后一笔处理完成的交易签名。
type Store interface {
	// Load 返回已保存的签名，不存在时 ok 为 false。
	Load(ctx context.Context, address string) (signature string, ok bool, err error)
	// Save 覆盖保存签名，调用方保证只向前推进。
	Save(ctx context.Context, address, signature string) error
	Close() error
}

// MemoryStore 将游标保存在内存中，进程重启后丢失。
type MemoryStore struct {
	mu      sync.RWMutex
	cursors map[string]string
}

// NewMemoryStore 创建内存游标存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cursors: make(map[string]string)}
}

// Load 实现 Store。
func (m *MemoryStore) Load(_ context.Context, address string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sig, ok := m.cursors[address]
	return sig, ok, nil
}

// Save 实现 Store。
func (m *MemoryStore) Save(_ context.Context, address, signature string) error {
	if address == "" || signature == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "地址与签名不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[address] = signature
	return nil
}

// Close 实现 Store。
func (m *MemoryStore) Close() error { return nil }
