// Package ethereum implements the ledger transport for EVM compatible chains on top
// of go-ethereum.
package ethereum

import (
	"context"
	"crypto/ecdsa"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "AMessage-Chain/internal/errors"
	"AMessage-Chain/internal/ledger"
	"AMessage-Chain/pkg/logger"
)

const (
	// Decimals is the wei to ether scale.
	Decimals = 18

	defaultScanDepth      = 256
	defaultConfirmTimeout = 60 * time.Second
	defaultConfirmPoll    = time.Second
	subscriptionBuffer    = 16
)

// Config describes how to construct an EVM compatible transport.
type Config struct {
	Name   string
	RPCURL string
	WSURL  string
	// PrivateKey is a hex encoded secp256k1 key. Without it the client is read-only
	// and Address must be set.
	PrivateKey string
	Address    string
	// ScanDepth bounds how many blocks FetchTransactionsSince walks back from head.
	ScanDepth      uint64
	ConfirmTimeout time.Duration
	ConfirmPoll    time.Duration
}

// Backend is the subset of go-ethereum client methods the transport relies on.
// Both *ethclient.Client and the simulated backend client satisfy it.
type Backend interface {
	gethcore.ChainReader
	gethcore.ChainStateReader
	gethcore.TransactionReader
	gethcore.TransactionSender
	gethcore.GasEstimator
	gethcore.GasPricer1559
	gethcore.ChainIDReader
	gethcore.BlockNumberReader
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// headSubscriber mirrors the subset of methods required for head subscriptions.
type headSubscriber interface {
	SubscribeNewHead(ctx context.Context, ch chan<- *coretypes.Header) (gethcore.Subscription, error)
}

// Client implements ledger.Transport for EVM chains. Payloads travel in the
// transaction input data and compensation is the transaction value.
type Client struct {
	name      string
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	wsClient  *ethclient.Client
	backend   Backend
	heads     headSubscriber

	chainID *big.Int
	signer  coretypes.Signer
	key     *ecdsa.PrivateKey
	address common.Address

	scanDepth      uint64
	confirmTimeout time.Duration
	confirmPoll    time.Duration
	log            *slog.Logger
	mu             sync.Mutex
}

var _ ledger.Transport = (*Client)(nil)

// NewClient dials the configured RPC endpoints and returns a ready-to-use transport.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransport, err, "连接以太坊节点失败")
	}
	eth := ethclient.NewClient(rpcClient)

	var wsClient *ethclient.Client
	if wsURL := strings.TrimSpace(cfg.WSURL); wsURL != "" && wsURL != rpcURL {
		if wsRPC, wsErr := gethrpc.DialContext(ctx, wsURL); wsErr == nil {
			wsClient = ethclient.NewClient(wsRPC)
		} else {
			logger.Named("ethereum").Warn("连接 websocket 节点失败，订阅将使用 HTTP 节点", slog.Any("error", wsErr))
		}
	}

	c, err := newClient(ctx, eth, cfg)
	if err != nil {
		if wsClient != nil {
			wsClient.Close()
		}
		eth.Close()
		return nil, err
	}
	c.rpcClient = rpcClient
	c.eth = eth
	if wsClient != nil {
		c.wsClient = wsClient
		c.heads = wsClient
	}
	return c, nil
}

// NewWithBackend wraps an existing backend, e.g. the go-ethereum simulated backend.
func NewWithBackend(ctx context.Context, backend Backend, cfg Config) (*Client, error) {
	if backend == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "backend 不能为空")
	}
	return newClient(ctx, backend, cfg)
}

func newClient(ctx context.Context, backend Backend, cfg Config) (*Client, error) {
	c := &Client{
		name:           cfg.Name,
		backend:        backend,
		scanDepth:      defaultScanDepth,
		confirmTimeout: defaultConfirmTimeout,
		confirmPoll:    defaultConfirmPoll,
		log:            logger.Named("ethereum"),
	}
	if hs, ok := backend.(headSubscriber); ok {
		c.heads = hs
	}
	if cfg.ScanDepth > 0 {
		c.scanDepth = cfg.ScanDepth
	}
	if cfg.ConfirmTimeout > 0 {
		c.confirmTimeout = cfg.ConfirmTimeout
	}
	if cfg.ConfirmPoll > 0 {
		c.confirmPoll = cfg.ConfirmPoll
	}

	switch {
	case strings.TrimSpace(cfg.PrivateKey) != "":
		key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKey), "0x"))
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析以太坊私钥失败")
		}
		c.key = key
		c.address = crypto.PubkeyToAddress(key.PublicKey)
		if cfg.Address != "" && !strings.EqualFold(cfg.Address, c.address.Hex()) {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "配置的地址与私钥不匹配")
		}
	case common.IsHexAddress(cfg.Address):
		c.address = common.HexToAddress(cfg.Address)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "私钥与合法地址至少提供一个")
	}

	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransport, err, "获取链 ID 失败")
	}
	c.chainID = chainID
	c.signer = coretypes.LatestSignerForChainID(chainID)
	return c, nil
}

// Name returns the configured chain name.
func (c *Client) Name() string { return c.name }

// Address returns the checksummed signing address.
func (c *Client) Address() string { return c.address.Hex() }

// Decimals returns the amount scale.
func (c *Client) Decimals() int { return Decimals }

// ChainID returns the chain id discovered at construction.
func (c *Client) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.wsClient != nil {
		c.wsClient.Close()
		c.wsClient = nil
	}
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	c.rpcClient = nil
}

// FetchTransactionsSince walks blocks from head towards older ones, collecting
// transactions sent from or to address until the cursor, the limit or the scan
// depth is reached. Results are newest first.
func (c *Client) FetchTransactionsSince(ctx context.Context, address, cursor string, limit int) ([]ledger.SignatureInfo, error) {
	if !common.IsHexAddress(address) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "地址格式错误: "+address)
	}
	account := common.HexToAddress(address)
	cursorHash := common.HexToHash(cursor)

	head, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransport, err, "获取最新区块高度失败")
	}
	var floor uint64
	if head > c.scanDepth {
		floor = head - c.scanDepth
	}

	var infos []ledger.SignatureInfo
	for number := head; ; number-- {
		block, err := c.backend.BlockByNumber(ctx, new(big.Int).SetUint64(number))
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeTransport, err, fmt.Sprintf("获取区块 %d 失败", number))
		}
		txs := block.Transactions()
		for i := len(txs) - 1; i >= 0; i-- {
			tx := txs[i]
			if cursor != "" && tx.Hash() == cursorHash {
				return infos, nil
			}
			if !c.involves(tx, account) {
				continue
			}
			infos = append(infos, ledger.SignatureInfo{
				Signature: tx.Hash().Hex(),
				Slot:      number,
				BlockTime: time.Unix(int64(block.Time()), 0),
			})
			if limit > 0 && len(infos) >= limit {
				return infos, nil
			}
		}
		if number == floor || number == 0 {
			break
		}
	}
	return infos, nil
}

func (c *Client) involves(tx *coretypes.Transaction, account common.Address) bool {
	if to := tx.To(); to != nil && *to == account {
		return true
	}
	from, err := coretypes.Sender(c.signer, tx)
	return err == nil && from == account
}

// FetchTransaction loads a mined transaction and exposes it as a positional
// balance view: index 0 is the sender (debited value plus gas), index 1 the
// recipient (credited value).
func (c *Client) FetchTransaction(ctx context.Context, signature string) (*ledger.Transaction, error) {
	hash := common.HexToHash(signature)
	tx, pending, err := c.backend.TransactionByHash(ctx, hash)
	if err != nil {
		if stdErrors.Is(err, gethcore.NotFound) {
			return nil, nil
		}
		return nil, xerrors.Wrap(xerrors.CodeTransport, err, "查询交易失败")
	}
	if pending {
		return nil, nil
	}
	receipt, err := c.backend.TransactionReceipt(ctx, hash)
	if err != nil {
		if stdErrors.Is(err, gethcore.NotFound) {
			return nil, nil
		}
		return nil, xerrors.Wrap(xerrors.CodeTransport, err, "查询交易回执失败")
	}
	header, err := c.backend.HeaderByNumber(ctx, receipt.BlockNumber)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransport, err, "查询区块头失败")
	}
	from, err := coretypes.Sender(c.signer, tx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeDecoding, err, "恢复交易发送方失败")
	}

	out := &ledger.Transaction{
		Signature: hash.Hex(),
		Slot:      receipt.BlockNumber.Uint64(),
		BlockTime: time.Unix(int64(header.Time), 0),
		Failed:    receipt.Status != coretypes.ReceiptStatusSuccessful,
	}
	if data := tx.Data(); len(data) > 0 {
		out.Payloads = [][]byte{append([]byte(nil), data...)}
	}

	fee := new(big.Int).Mul(new(big.Int).SetUint64(receipt.GasUsed), effectiveGasPrice(receipt, tx))
	value := tx.Value()
	if out.Failed {
		value = new(big.Int)
	}
	parent := new(big.Int).Sub(receipt.BlockNumber, big.NewInt(1))

	fromPre := c.balanceAt(ctx, from, parent)
	fromPost := new(big.Int).Sub(fromPre, fee)
	out.AccountKeys = []string{from.Hex()}

	to := tx.To()
	if to == nil || *to == from {
		out.PreBalances = []*big.Int{fromPre}
		out.PostBalances = []*big.Int{fromPost}
		return out, nil
	}
	fromPost.Sub(fromPost, value)
	toPre := c.balanceAt(ctx, *to, parent)
	toPost := new(big.Int).Add(toPre, value)
	out.AccountKeys = append(out.AccountKeys, to.Hex())
	out.PreBalances = []*big.Int{fromPre, toPre}
	out.PostBalances = []*big.Int{fromPost, toPost}
	return out, nil
}

// balanceAt falls back to zero when the node has pruned the historical state;
// only the per-transaction delta matters to the extractor.
func (c *Client) balanceAt(ctx context.Context, account common.Address, block *big.Int) *big.Int {
	if block.Sign() < 0 {
		block = big.NewInt(0)
	}
	balance, err := c.backend.BalanceAt(ctx, account, block)
	if err != nil || balance == nil {
		c.log.Debug("查询历史余额失败，使用 0 作为基准", slog.String("account", account.Hex()), slog.Any("error", err))
		return new(big.Int)
	}
	return balance
}

func effectiveGasPrice(receipt *coretypes.Receipt, tx *coretypes.Transaction) *big.Int {
	if receipt.EffectiveGasPrice != nil && receipt.EffectiveGasPrice.Sign() > 0 {
		return receipt.EffectiveGasPrice
	}
	return tx.GasPrice()
}

// Submit signs an EIP-1559 transaction carrying the payload as input data and
// waits for its receipt. Without a recipient the transaction is sent to self.
func (c *Client) Submit(ctx context.Context, sub ledger.Submission) (string, error) {
	if c.key == nil {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "未配置私钥，无法提交交易")
	}
	if len(sub.Payload) == 0 {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "载荷不能为空")
	}

	to := c.address
	if sub.To != "" {
		if !common.IsHexAddress(sub.To) {
			return "", xerrors.New(xerrors.CodeInvalidArgument, "收款地址格式错误: "+sub.To)
		}
		to = common.HexToAddress(sub.To)
	} else if sub.Amount > 0 {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "转账需要收款地址")
	}
	value, err := ledger.ToBaseUnits(sub.Amount, Decimals)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "换算转账金额失败")
	}

	signed, err := c.buildSigned(ctx, to, value, sub.Payload)
	if err != nil {
		return "", err
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return "", xerrors.Wrap(xerrors.CodeTransport, err, "发送交易失败")
	}
	receipt, err := c.waitMined(ctx, signed.Hash())
	if err != nil {
		return "", err
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return "", xerrors.New(xerrors.CodeSubmission, "交易执行失败: "+signed.Hash().Hex())
	}
	return signed.Hash().Hex(), nil
}

func (c *Client) buildSigned(ctx context.Context, to common.Address, value *big.Int, data []byte) (*coretypes.Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	nonce, err := c.backend.PendingNonceAt(ctx, c.address)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransport, err, "获取 nonce 失败")
	}
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransport, err, "获取小费建议失败")
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransport, err, "获取最新区块头失败")
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	gas, err := c.backend.EstimateGas(ctx, gethcore.CallMsg{
		From:  c.address,
		To:    &to,
		Value: value,
		Data:  data,
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSubmission, err, "估算 gas 失败")
	}

	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      data,
	})
	signed, err := coretypes.SignTx(tx, c.signer, c.key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSubmission, err, "签名交易失败")
	}
	return signed, nil
}

func (c *Client) waitMined(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(c.confirmPoll)
	defer ticker.Stop()
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !stdErrors.Is(err, gethcore.NotFound) && ctx.Err() == nil {
			c.log.Debug("查询交易回执失败", slog.String("hash", hash.Hex()), slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return nil, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "等待交易上链超时: "+hash.Hex())
		case <-ticker.C:
		}
	}
}

// SubscribeToAddressPayloads follows new heads and emits the input data of
// every transaction in the new block that is sent from or to address.
func (c *Client) SubscribeToAddressPayloads(ctx context.Context, address string) (ledger.Subscription, error) {
	if !common.IsHexAddress(address) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "地址格式错误: "+address)
	}
	if c.heads == nil {
		return nil, xerrors.New(xerrors.CodeTransport, "当前客户端不支持区块订阅")
	}
	account := common.HexToAddress(address)

	headers := make(chan *coretypes.Header, subscriptionBuffer)
	sub, err := c.heads.SubscribeNewHead(ctx, headers)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransport, err, "订阅新区块失败")
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
		defer sub.Unsubscribe()
		c.follow(subCtx, account, headers, sub.Err(), s)
	}()
	return s, nil
}

func (c *Client) follow(ctx context.Context, account common.Address, headers <-chan *coretypes.Header, errs <-chan error, s *subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errs:
			if ok && err != nil {
				s.fail(xerrors.Wrap(xerrors.CodeTransport, err, "区块订阅中断"))
			}
			return
		case header := <-headers:
			if header == nil {
				continue
			}
			block, err := c.backend.BlockByNumber(ctx, header.Number)
			if err != nil {
				c.log.Debug("订阅拉取区块失败", slog.String("number", header.Number.String()), slog.Any("error", err))
				continue
			}
			for _, tx := range block.Transactions() {
				if len(tx.Data()) == 0 || !c.involves(tx, account) {
					continue
				}
				select {
				case s.payloads <- append([]byte(nil), tx.Data()...):
				case <-ctx.Done():
					return
				}
			}
		}
	}
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
