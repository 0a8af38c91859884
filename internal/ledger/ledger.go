// Package ledger 定义账本传输层的协作契约。
//
// 上层只依赖这里的接口：提交交易、按游标拉取地址的交易历史、查询单笔交易以及订阅
// 地址相关的载荷。具体实现位于 solana、ethereum 与 memory 子包。
package ledger

import (
	"context"
	"math/big"
	"time"
)

// SignatureInfo 是交易历史中的一条记录。
type SignatureInfo struct {
	Signature string
	Slot      uint64
	BlockTime time.Time
	Failed    bool
}

// Transaction 是一笔已确认交易的视图，余额与 AccountKeys 按下标一一对应。
type Transaction struct {
	Signature    string
	Slot         uint64
	BlockTime    time.Time
	AccountKeys  []string
	PreBalances  []*big.Int
	PostBalances []*big.Int
	// Payloads 为交易携带的附言数据（memo 指令或 input data），按出现顺序排列。
	Payloads [][]byte
	Failed   bool
}

// Submission 描述一次提交：载荷必填，Amount 大于 0 时在同一笔交易内向 To 转账。
// Amount 为 0 时 To 仅作为交易涉及的地址，使其能在自身历史与订阅中看到该交易。
type Submission struct {
	Payload []byte
	To      string
	Amount  float64
}

// Submitter 负责签名并提交交易，返回交易签名。
type Submitter interface {
	Submit(ctx context.Context, sub Submission) (string, error)
}

// Reader 负责读取交易历史。
type Reader interface {
	// FetchTransactionsSince 按从新到旧的顺序返回比 cursor 更新的交易，不包含 cursor 本身。
	// cursor 为空时返回最新的 limit 笔。
	FetchTransactionsSince(ctx context.Context, address, cursor string, limit int) ([]SignatureInfo, error)
	// FetchTransaction 查询单笔交易，不存在时返回 nil, nil。
	FetchTransaction(ctx context.Context, signature string) (*Transaction, error)
}

// Subscription 是可取消的载荷订阅句柄。
type Subscription interface {
	Payloads() <-chan []byte
	Err() <-chan error
	Close()
}

// Subscriber 订阅与地址相关的新交易载荷。
type Subscriber interface {
	SubscribeToAddressPayloads(ctx context.Context, address string) (Subscription, error)
}

// Transport 是完整的账本客户端，绑定一个签名身份。
type Transport interface {
	Submitter
	Reader
	Subscriber
	Address() string
	Decimals() int
	Close()
}
