// Package solana 基于 gagliardetto/solana-go 实现账本传输层。
//
// 报文放在 Memo 程序指令中，补偿通过 System 程序转账支付，两者位于同一笔交易内。
package solana

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	sol "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/ws"

	xerrors "AMessage-Chain/internal/errors"
	"AMessage-Chain/internal/ledger"
	"AMessage-Chain/pkg/logger"
)

const (
	// Decimals 为 SOL 与 lamport 的换算精度。
	Decimals = 9

	defaultConfirmTimeout = 30 * time.Second
	defaultConfirmPoll    = 500 * time.Millisecond
	defaultFetchRetries   = 5
	subscriptionBuffer    = 16
)

// Config 描述 Solana 节点连接与签名身份。
type Config struct {
	RPCURL string
	WSURL  string
	// PrivateKey 为 base58 编码的私钥；为空时只能读取，Address 必须提供。
	PrivateKey     string
	Address        string
	Commitment     string
	ConfirmTimeout time.Duration
	ConfirmPoll    time.Duration
}

// Client 实现 ledger.Transport。
type Client struct {
	rpc        *rpc.Client
	wsURL      string
	key        *sol.PrivateKey
	address    sol.PublicKey
	commitment rpc.CommitmentType

	confirmTimeout time.Duration
	confirmPoll    time.Duration
	log            *slog.Logger
}

var _ ledger.Transport = (*Client)(nil)

// NewClient 根据配置创建客户端，只建立 HTTP RPC 连接，websocket 在订阅时按需建立。
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.RPCURL) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Solana RPC 地址不能为空")
	}

	c := &Client{
		rpc:            rpc.New(cfg.RPCURL),
		wsURL:          cfg.WSURL,
		commitment:     rpc.CommitmentConfirmed,
		confirmTimeout: defaultConfirmTimeout,
		confirmPoll:    defaultConfirmPoll,
		log:            logger.Named("solana"),
	}
	if cfg.Commitment != "" {
		c.commitment = rpc.CommitmentType(cfg.Commitment)
	}
	if cfg.ConfirmTimeout > 0 {
		c.confirmTimeout = cfg.ConfirmTimeout
	}
	if cfg.ConfirmPoll > 0 {
		c.confirmPoll = cfg.ConfirmPoll
	}
	if c.wsURL == "" {
		c.wsURL = deriveWSURL(cfg.RPCURL)
	}

	switch {
	case cfg.PrivateKey != "":
		key, err := sol.PrivateKeyFromBase58(strings.TrimSpace(cfg.PrivateKey))
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析 Solana 私钥失败")
		}
		c.key = &key
		c.address = key.PublicKey()
		if cfg.Address != "" && cfg.Address != c.address.String() {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "配置的地址与私钥不匹配")
		}
	case cfg.Address != "":
		pk, err := sol.PublicKeyFromBase58(cfg.Address)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析 Solana 地址失败")
		}
		c.address = pk
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "私钥与地址至少提供一个")
	}
	return c, nil
}

// Address 返回绑定的地址。
func (c *Client) Address() string { return c.address.String() }

// Decimals 返回金额精度。
func (c *Client) Decimals() int { return Decimals }

// Close 关闭 RPC 连接。
func (c *Client) Close() {
	if err := c.rpc.Close(); err != nil {
		c.log.Debug("关闭 RPC 连接失败", slog.Any("error", err))
	}
}

// FetchTransactionsSince 通过 getSignaturesForAddress 拉取比 cursor 更新的签名，结果从新到旧。
func (c *Client) FetchTransactionsSince(ctx context.Context, address, cursor string, limit int) ([]ledger.SignatureInfo, error) {
	account, err := sol.PublicKeyFromBase58(address)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析地址失败")
	}
	opts := &rpc.GetSignaturesForAddressOpts{Commitment: c.commitment}
	if limit > 0 {
		opts.Limit = &limit
	}
	if cursor != "" {
		until, err := sol.SignatureFromBase58(cursor)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析游标签名失败")
		}
		opts.Until = until
	}

	out, err := c.rpc.GetSignaturesForAddressWithOpts(ctx, account, opts)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransport, err, "getSignaturesForAddress 调用失败")
	}
	infos := make([]ledger.SignatureInfo, 0, len(out))
	for _, item := range out {
		if item == nil {
			continue
		}
		info := ledger.SignatureInfo{
			Signature: item.Signature.String(),
			Slot:      item.Slot,
			Failed:    item.Err != nil,
		}
		if item.BlockTime != nil {
			info.BlockTime = item.BlockTime.Time()
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// FetchTransaction 查询单笔交易并转换为通用视图，节点尚未返回时得到 nil, nil。
func (c *Client) FetchTransaction(ctx context.Context, signature string) (*ledger.Transaction, error) {
	sig, err := sol.SignatureFromBase58(signature)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析交易签名失败")
	}
	version := rpc.MaxSupportedTransactionVersion0
	res, err := c.rpc.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       sol.EncodingBase64,
		Commitment:                     c.commitment,
		MaxSupportedTransactionVersion: &version,
	})
	if err != nil {
		if stdErrors.Is(err, rpc.ErrNotFound) {
			return nil, nil
		}
		return nil, xerrors.Wrap(xerrors.CodeTransport, err, "getTransaction 调用失败")
	}
	return convertTransaction(signature, res)
}

// convertTransaction 将 RPC 结果转换为 ledger.Transaction。
// 版本化交易通过地址查找表加载的账户按 writable、readonly 顺序追加在静态账户之后。
func convertTransaction(signature string, res *rpc.GetTransactionResult) (*ledger.Transaction, error) {
	if res == nil || res.Transaction == nil {
		return nil, nil
	}
	parsed, err := res.Transaction.GetTransaction()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeDecoding, err, "解码交易失败")
	}

	keys := append(sol.PublicKeySlice{}, parsed.Message.AccountKeys...)
	tx := &ledger.Transaction{
		Signature: signature,
		Slot:      res.Slot,
	}
	if res.BlockTime != nil {
		tx.BlockTime = res.BlockTime.Time()
	}
	if res.Meta != nil {
		keys = append(keys, res.Meta.LoadedAddresses.Writable...)
		keys = append(keys, res.Meta.LoadedAddresses.ReadOnly...)
		tx.Failed = res.Meta.Err != nil
		tx.PreBalances = toBig(res.Meta.PreBalances)
		tx.PostBalances = toBig(res.Meta.PostBalances)
	}
	tx.AccountKeys = keys.ToBase58()
	tx.Payloads = memoPayloads(parsed, keys)
	return tx, nil
}

func memoPayloads(parsed *sol.Transaction, keys sol.PublicKeySlice) [][]byte {
	var payloads [][]byte
	for _, inst := range parsed.Message.Instructions {
		idx := int(inst.ProgramIDIndex)
		if idx >= len(keys) || keys[idx] != sol.MemoProgramID {
			continue
		}
		if len(inst.Data) == 0 {
			continue
		}
		payloads = append(payloads, append([]byte(nil), inst.Data...))
	}
	return payloads
}

func toBig(values []uint64) []*big.Int {
	out := make([]*big.Int, len(values))
	for i, v := range values {
		out[i] = new(big.Int).SetUint64(v)
	}
	return out
}

// Submit 构造 memo（以及可选的转账）交易，签名发送后等待确认。
// Amount 为 0 且 To 非空时附加 0 lamport 转账，使接收方出现在交易账户列表中。
func (c *Client) Submit(ctx context.Context, sub ledger.Submission) (string, error) {
	if c.key == nil {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "未配置私钥，无法提交交易")
	}
	if len(sub.Payload) == 0 {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "载荷不能为空")
	}

	instructions, err := c.buildInstructions(sub)
	if err != nil {
		return "", err
	}

	latest, err := c.rpc.GetLatestBlockhash(ctx, c.commitment)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeTransport, err, "获取最新区块哈希失败")
	}
	if latest == nil || latest.Value == nil {
		return "", xerrors.New(xerrors.CodeTransport, "节点未返回区块哈希")
	}

	tx, err := sol.NewTransaction(instructions, latest.Value.Blockhash, sol.TransactionPayer(c.address))
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeEncoding, err, "构造交易失败")
	}
	if _, err := tx.Sign(func(key sol.PublicKey) *sol.PrivateKey {
		if key == c.address {
			return c.key
		}
		return nil
	}); err != nil {
		return "", xerrors.Wrap(xerrors.CodeSubmission, err, "签名交易失败")
	}

	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{PreflightCommitment: c.commitment})
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeTransport, err, "发送交易失败")
	}
	if err := c.waitConfirmed(ctx, sig); err != nil {
		return "", err
	}
	c.log.Debug("交易已确认", slog.String("signature", sig.String()), slog.Int("payload_bytes", len(sub.Payload)))
	return sig.String(), nil
}

func (c *Client) buildInstructions(sub ledger.Submission) ([]sol.Instruction, error) {
	var instructions []sol.Instruction
	if sub.To != "" && sub.To != c.address.String() {
		to, err := sol.PublicKeyFromBase58(sub.To)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析收款地址失败")
		}
		lamports, err := ledger.ToBaseUnits(sub.Amount, Decimals)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "换算转账金额失败")
		}
		if !lamports.IsUint64() {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "转账金额超出范围")
		}
		instructions = append(instructions, system.NewTransferInstruction(lamports.Uint64(), c.address, to).Build())
	} else if sub.Amount > 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "转账需要收款地址")
	}

	memo := sol.NewInstruction(
		sol.MemoProgramID,
		sol.AccountMetaSlice{sol.NewAccountMeta(c.address, false, true)},
		sub.Payload,
	)
	return append(instructions, memo), nil
}

// waitConfirmed 轮询签名状态直到达到 confirmed 或 finalized。
func (c *Client) waitConfirmed(ctx context.Context, sig sol.Signature) error {
	ctx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(c.confirmPoll)
	defer ticker.Stop()
	for {
		out, err := c.rpc.GetSignatureStatuses(ctx, false, sig)
		if err != nil && !stdErrors.Is(err, rpc.ErrNotFound) {
			c.log.Debug("查询签名状态失败", slog.String("signature", sig.String()), slog.Any("error", err))
		}
		if err == nil && len(out.Value) > 0 && out.Value[0] != nil {
			status := out.Value[0]
			if status.Err != nil {
				return xerrors.New(xerrors.CodeSubmission, fmt.Sprintf("交易执行失败: %v", status.Err))
			}
			switch status.ConfirmationStatus {
			case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "等待交易确认超时: "+sig.String())
		case <-ticker.C:
		}
	}
}

// SubscribeToAddressPayloads 通过 logsSubscribe(mentions) 监听地址相关交易，
// 每收到一条通知就拉取交易并推送其中的 memo 载荷。
func (c *Client) SubscribeToAddressPayloads(ctx context.Context, address string) (ledger.Subscription, error) {
	account, err := sol.PublicKeyFromBase58(address)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析地址失败")
	}
	conn, err := ws.Connect(ctx, c.wsURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransport, err, "连接 websocket 失败")
	}
	logs, err := conn.LogsSubscribeMentions(account, c.commitment)
	if err != nil {
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeTransport, err, "logsSubscribe 订阅失败")
	}

	subCtx, cancel := context.WithCancel(ctx)
	s := &subscription{
		payloads: make(chan []byte, subscriptionBuffer),
		errs:     make(chan error, 1),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		defer conn.Close()
		defer logs.Unsubscribe()
		c.pump(subCtx, logs, s)
	}()
	return s, nil
}

func (c *Client) pump(ctx context.Context, logs *ws.LogSubscription, s *subscription) {
	for {
		res, err := logs.Recv(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.fail(xerrors.Wrap(xerrors.CodeTransport, err, "订阅中断"))
			}
			return
		}
		if res == nil || res.Value.Err != nil {
			continue
		}
		tx := c.fetchWithRetry(ctx, res.Value.Signature.String())
		if tx == nil {
			continue
		}
		for _, payload := range tx.Payloads {
			select {
			case s.payloads <- payload:
			case <-ctx.Done():
				return
			}
		}
	}
}

// fetchWithRetry 通知可能早于交易可查询，短暂重试几次。
func (c *Client) fetchWithRetry(ctx context.Context, signature string) *ledger.Transaction {
	for attempt := 0; attempt < defaultFetchRetries; attempt++ {
		tx, err := c.FetchTransaction(ctx, signature)
		if err == nil && tx != nil {
			return tx
		}
		if err != nil {
			c.log.Debug("订阅拉取交易失败", slog.String("signature", signature), slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.confirmPoll):
		}
	}
	return nil
}

type subscription struct {
	payloads chan []byte
	errs     chan error
	cancel   context.CancelFunc
	done     chan struct{}
}

func (s *subscription) Payloads() <-chan []byte { return s.payloads }

func (s *subscription) Err() <-chan error { return s.errs }

func (s *subscription) Close() {
	s.cancel()
	<-s.done
}

func (s *subscription) fail(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

// deriveWSURL 由 HTTP 地址推导 websocket 地址。
func deriveWSURL(rpcURL string) string {
	switch {
	case strings.HasPrefix(rpcURL, "https://"):
		return "wss://" + strings.TrimPrefix(rpcURL, "https://")
	case strings.HasPrefix(rpcURL, "http://"):
		return "ws://" + strings.TrimPrefix(rpcURL, "http://")
	default:
		return rpcURL
	}
}
