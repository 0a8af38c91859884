// Package memory 提供进程内账本，多个钱包共享同一份交易日志，用于本地开发与测试。
package memory

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	xerrors "AMessage-Chain/internal/errors"
	"AMessage-Chain/internal/ledger"
)

const (
	// Decimals 与 Solana 保持一致。
	Decimals = 9
	// DefaultFee 为每笔交易扣除的手续费（最小单位）。
	DefaultFee = 5000

	subscriptionBuffer = 64
)

// Option 定义账本的可选配置。
type Option func(*Ledger)

// WithFee 设置每笔交易的手续费。
func WithFee(fee int64) Option {
	return func(l *Ledger) {
		if fee >= 0 {
			l.fee = big.NewInt(fee)
		}
	}
}

// WithClock 注入时钟。
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// Ledger 是共享的交易日志。
type Ledger struct {
	mu       sync.Mutex
	fee      *big.Int
	now      func() time.Time
	seq      uint64
	balances map[string]*big.Int
	txs      []*ledger.Transaction
	index    map[string]int
	subs     map[string]map[*subscription]struct{}

	submitFaults map[string]error
	txFaults     map[string]error
	fetchFault   error
}

// New 创建空账本。
func New(opts ...Option) *Ledger {
	l := &Ledger{
		fee:          big.NewInt(DefaultFee),
		now:          time.Now,
		balances:     make(map[string]*big.Int),
		index:        make(map[string]int),
		subs:         make(map[string]map[*subscription]struct{}),
		submitFaults: make(map[string]error),
		txFaults:     make(map[string]error),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Airdrop 为地址充值，金额为协议单位。
func (l *Ledger) Airdrop(address string, amount float64) error {
	units, err := ledger.ToBaseUnits(amount, Decimals)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balanceLocked(address).Add(l.balanceLocked(address), units)
	return nil
}

// Balance 返回地址余额（协议单位）。
func (l *Ledger) Balance(address string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return ledger.FromBaseUnits(l.balanceLocked(address), Decimals)
}

// Transactions 返回按时间顺序排列的全部交易签名。
func (l *Ledger) Transactions() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.txs))
	for i, tx := range l.txs {
		out[i] = tx.Signature
	}
	return out
}

// FailSubmissions 让指定地址的后续提交返回 err，传入 nil 恢复正常。
func (l *Ledger) FailSubmissions(address string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil {
		delete(l.submitFaults, address)
		return
	}
	l.submitFaults[address] = err
}

// FailFetches 让交易历史查询返回 err，传入 nil 恢复正常。
func (l *Ledger) FailFetches(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fetchFault = err
}

// FailTransaction 让单笔交易查询返回 err，传入 nil 恢复正常。
func (l *Ledger) FailTransaction(signature string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil {
		delete(l.txFaults, signature)
		return
	}
	l.txFaults[signature] = err
}

// Wallet 返回绑定地址的传输实现。
func (l *Ledger) Wallet(address string) *Wallet {
	return &Wallet{ledger: l, address: address}
}

func (l *Ledger) balanceLocked(address string) *big.Int {
	b, ok := l.balances[address]
	if !ok {
		b = new(big.Int)
		l.balances[address] = b
	}
	return b
}

func (l *Ledger) submit(from string, sub ledger.Submission) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.submitFaults[from]; err != nil {
		return "", xerrors.Wrap(xerrors.CodeTransport, err, "提交交易失败")
	}

	amount := new(big.Int)
	if sub.Amount > 0 {
		units, err := ledger.ToBaseUnits(sub.Amount, Decimals)
		if err != nil {
			return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "转账金额不合法")
		}
		amount = units
		if sub.To == "" {
			return "", xerrors.New(xerrors.CodeInvalidArgument, "转账缺少收款地址")
		}
	}

	// 零金额但指定了收款方时同样记录该地址，使对方能在历史中看到这笔交易。
	keys := []string{from}
	if sub.To != "" && sub.To != from {
		keys = append(keys, sub.To)
	}
	pre := make([]*big.Int, len(keys))
	for i, k := range keys {
		pre[i] = new(big.Int).Set(l.balanceLocked(k))
	}

	cost := new(big.Int).Add(amount, l.fee)
	if l.balanceLocked(from).Cmp(cost) < 0 {
		return "", xerrors.New(xerrors.CodeTransport, fmt.Sprintf("地址 %s 余额不足", from))
	}
	l.balanceLocked(from).Sub(l.balanceLocked(from), cost)
	if len(keys) > 1 {
		l.balanceLocked(sub.To).Add(l.balanceLocked(sub.To), amount)
	} else {
		l.balanceLocked(from).Add(l.balanceLocked(from), amount)
	}

	post := make([]*big.Int, len(keys))
	for i, k := range keys {
		post[i] = new(big.Int).Set(l.balanceLocked(k))
	}

	l.seq++
	tx := &ledger.Transaction{
		Signature:    fmt.Sprintf("memsig-%08d", l.seq),
		Slot:         l.seq,
		BlockTime:    l.now(),
		AccountKeys:  keys,
		PreBalances:  pre,
		PostBalances: post,
	}
	if len(sub.Payload) > 0 {
		tx.Payloads = [][]byte{append([]byte(nil), sub.Payload...)}
	}
	l.index[tx.Signature] = len(l.txs)
	l.txs = append(l.txs, tx)
	l.notifyLocked(tx)
	return tx.Signature, nil
}

func (l *Ledger) notifyLocked(tx *ledger.Transaction) {
	seen := make(map[string]bool, len(tx.AccountKeys))
	for _, key := range tx.AccountKeys {
		if seen[key] {
			continue
		}
		seen[key] = true
		for sub := range l.subs[key] {
			for _, payload := range tx.Payloads {
				select {
				case sub.payloads <- payload:
				default:
					// 订阅方消费过慢时丢弃，与真实网络的尽力推送一致。
				}
			}
		}
	}
}

func (l *Ledger) fetchSince(address, cursor string, limit int) ([]ledger.SignatureInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fetchFault != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransport, l.fetchFault, "查询交易历史失败")
	}
	var out []ledger.SignatureInfo
	for i := len(l.txs) - 1; i >= 0; i-- {
		tx := l.txs[i]
		if tx.Signature == cursor {
			break
		}
		if !mentions(tx, address) {
			continue
		}
		out = append(out, ledger.SignatureInfo{Signature: tx.Signature, Slot: tx.Slot, BlockTime: tx.BlockTime})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (l *Ledger) fetch(signature string) (*ledger.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.txFaults[signature]; err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransport, err, "查询交易失败")
	}
	i, ok := l.index[signature]
	if !ok {
		return nil, nil
	}
	return cloneTx(l.txs[i]), nil
}

func (l *Ledger) subscribe(address string) *subscription {
	l.mu.Lock()
	defer l.mu.Unlock()
	sub := &subscription{
		ledger:   l,
		address:  address,
		payloads: make(chan []byte, subscriptionBuffer),
		errs:     make(chan error),
	}
	if l.subs[address] == nil {
		l.subs[address] = make(map[*subscription]struct{})
	}
	l.subs[address][sub] = struct{}{}
	return sub
}

// Subscribers 返回地址当前的订阅数量。
func (l *Ledger) Subscribers(address string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs[address])
}

func mentions(tx *ledger.Transaction, address string) bool {
	for _, key := range tx.AccountKeys {
		if key == address {
			return true
		}
	}
	return false
}

func cloneTx(tx *ledger.Transaction) *ledger.Transaction {
	out := *tx
	out.AccountKeys = append([]string(nil), tx.AccountKeys...)
	out.PreBalances = cloneInts(tx.PreBalances)
	out.PostBalances = cloneInts(tx.PostBalances)
	out.Payloads = make([][]byte, len(tx.Payloads))
	for i, p := range tx.Payloads {
		out.Payloads[i] = append([]byte(nil), p...)
	}
	return &out
}

func cloneInts(in []*big.Int) []*big.Int {
	out := make([]*big.Int, len(in))
	for i, v := range in {
		out[i] = new(big.Int).Set(v)
	}
	return out
}

// Wallet 是绑定单个地址的 ledger.Transport 实现。
type Wallet struct {
	ledger  *Ledger
	address string
}

var _ ledger.Transport = (*Wallet)(nil)

// Address 返回钱包地址。
func (w *Wallet) Address() string { return w.address }

// Decimals 返回金额精度。
func (w *Wallet) Decimals() int { return Decimals }

// Close 无需释放资源。
func (w *Wallet) Close() {}

// Submit 将载荷与可选转账写入账本。
func (w *Wallet) Submit(ctx context.Context, sub ledger.Submission) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", xerrors.Wrap(xerrors.CodeTransport, err, "提交交易被取消")
	}
	return w.ledger.submit(w.address, sub)
}

// FetchTransactionsSince 实现 ledger.Reader。
func (w *Wallet) FetchTransactionsSince(ctx context.Context, address, cursor string, limit int) ([]ledger.SignatureInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransport, err, "查询交易历史被取消")
	}
	return w.ledger.fetchSince(address, cursor, limit)
}

// FetchTransaction 实现 ledger.Reader。
func (w *Wallet) FetchTransaction(ctx context.Context, signature string) (*ledger.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransport, err, "查询交易被取消")
	}
	return w.ledger.fetch(signature)
}

// SubscribeToAddressPayloads 实现 ledger.Subscriber。
func (w *Wallet) SubscribeToAddressPayloads(ctx context.Context, address string) (ledger.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransport, err, "订阅被取消")
	}
	return w.ledger.subscribe(address), nil
}

type subscription struct {
	ledger   *Ledger
	address  string
	payloads chan []byte
	errs     chan error
	once     sync.Once
}

func (s *subscription) Payloads() <-chan []byte { return s.payloads }
func (s *subscription) Err() <-chan error       { return s.errs }

func (s *subscription) Close() {
	s.once.Do(func() {
		s.ledger.mu.Lock()
		defer s.ledger.mu.Unlock()
		delete(s.ledger.subs[s.address], s)
		close(s.payloads)
	})
}
