// Package provider 根据 chains.yaml 中的链定义创建账本传输实例。
package provider

import (
	"context"
	stdErrors "errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"AMessage-Chain/internal/config"
	xerrors "AMessage-Chain/internal/errors"
	"AMessage-Chain/internal/ledger"
	"AMessage-Chain/internal/ledger/ethereum"
	"AMessage-Chain/internal/ledger/memory"
	"AMessage-Chain/internal/ledger/solana"
)

// 支持的链类型。
const (
	TypeSolana = "solana"
	TypeEVM    = "evm"
	TypeMemory = "memory"
)

// ChainDefinitions 对应 chains.yaml 的结构。
type ChainDefinitions struct {
	Default string                     `yaml:"default"`
	Chains  map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition 描述单条链的接入参数。
type ChainDefinition struct {
	Type        string `yaml:"type"`
	RPCURL      string `yaml:"rpc_url"`
	WSURL       string `yaml:"ws_url"`
	Commitment  string `yaml:"commitment"`
	ScanDepth   uint64 `yaml:"scan_depth"`
	Confirm     string `yaml:"confirm_timeout"`
	Description string `yaml:"description"`
	// KeyEnv 指定私钥所在的环境变量，身份未携带私钥时使用。
	KeyEnv string `yaml:"key_env"`
}

// LoadChainDefinitions 解析链定义文件。路径为空时返回空定义。
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}

	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	for name, def := range defs.Chains {
		def.Type = strings.ToLower(strings.TrimSpace(def.Type))
		if def.Type == "" {
			def.Type = TypeSolana
		}
		defs.Chains[name] = def
	}
	return defs, nil
}

// Identity 是打开传输时使用的签名身份。
type Identity struct {
	PrivateKey string
	Address    string
}

// Registry 管理命名的链定义以及已经打开的传输实例。
type Registry struct {
	defaultChain   string
	defs           map[string]ChainDefinition
	solanaEndpoint string

	mu      sync.Mutex
	opened  []ledger.Transport
	ledgers map[string]*memory.Ledger
}

// NewRegistry 加载链定义。文件缺失且未定义任何链时，回退到 Solana devnet。
func NewRegistry(cfg config.LedgerConfig) (*Registry, error) {
	defs, err := LoadChainDefinitions(cfg.ChainConfig)
	if err != nil && !stdErrors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	if len(defs.Chains) == 0 {
		defs.Chains["solana-devnet"] = ChainDefinition{
			Type:        TypeSolana,
			RPCURL:      "https://api.devnet.solana.com",
			Commitment:  "confirmed",
			Description: "Solana devnet",
		}
	}

	defaultChain := cfg.DefaultChain
	if defaultChain == "" {
		defaultChain = defs.Default
	}
	if defaultChain == "" {
		names := make([]string, 0, len(defs.Chains))
		for name := range defs.Chains {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultChain = names[0]
	}
	if _, ok := defs.Chains[defaultChain]; !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("默认链 %s 未在配置中找到", defaultChain))
	}

	return &Registry{
		defaultChain:   defaultChain,
		defs:           defs.Chains,
		solanaEndpoint: cfg.SolanaEndpoint,
		ledgers:        make(map[string]*memory.Ledger),
	}, nil
}

// DefaultChain 返回默认链名称。
func (r *Registry) DefaultChain() string { return r.defaultChain }

// Definition 返回链定义。
func (r *Registry) Definition(name string) (ChainDefinition, bool) {
	def, ok := r.defs[r.resolve(name)]
	return def, ok
}

// Chains 返回已定义的链名称。
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open 以给定身份连接指定的链，name 为空时使用默认链。返回的传输由注册表统一关闭。
func (r *Registry) Open(ctx context.Context, name string, id Identity) (ledger.Transport, error) {
	if r == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未初始化的链注册表")
	}
	name = r.resolve(name)
	def, ok := r.defs[name]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "未定义的链: "+name)
	}
	if id.PrivateKey == "" && def.KeyEnv != "" {
		id.PrivateKey = strings.TrimSpace(os.Getenv(def.KeyEnv))
	}

	var (
		transport ledger.Transport
		err       error
	)
	switch def.Type {
	case TypeSolana:
		rpcURL := def.RPCURL
		if r.solanaEndpoint != "" {
			rpcURL = r.solanaEndpoint
		}
		transport, err = solana.NewClient(solana.Config{
			RPCURL:         rpcURL,
			WSURL:          def.WSURL,
			PrivateKey:     id.PrivateKey,
			Address:        id.Address,
			Commitment:     def.Commitment,
			ConfirmTimeout: parseDuration(def.Confirm),
		})
	case TypeEVM:
		transport, err = ethereum.NewClient(ctx, ethereum.Config{
			Name:           name,
			RPCURL:         def.RPCURL,
			WSURL:          def.WSURL,
			PrivateKey:     id.PrivateKey,
			Address:        id.Address,
			ScanDepth:      def.ScanDepth,
			ConfirmTimeout: parseDuration(def.Confirm),
		})
	case TypeMemory:
		address := id.Address
		if address == "" {
			address = id.PrivateKey
		}
		if address == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "内存账本需要提供地址")
		}
		transport = r.memoryLedger(name).Wallet(address)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("链 %s 使用了不支持的类型 %s", name, def.Type))
	}
	if err != nil {
		return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
	}

	r.mu.Lock()
	r.opened = append(r.opened, transport)
	r.mu.Unlock()
	return transport, nil
}

// MemoryLedger 返回内存链共享的账本，便于本地演示时充值。
func (r *Registry) MemoryLedger(name string) (*memory.Ledger, bool) {
	name = r.resolve(name)
	def, ok := r.defs[name]
	if !ok || def.Type != TypeMemory {
		return nil, false
	}
	return r.memoryLedger(name), true
}

func (r *Registry) memoryLedger(name string) *memory.Ledger {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.ledgers[name]
	if !ok {
		l = memory.New()
		r.ledgers[name] = l
	}
	return l
}

// Close 关闭注册表打开的全部传输。
func (r *Registry) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	opened := r.opened
	r.opened = nil
	r.mu.Unlock()
	for _, t := range opened {
		if t != nil {
			t.Close()
		}
	}
}

func (r *Registry) resolve(name string) string {
	if strings.TrimSpace(name) == "" {
		return r.defaultChain
	}
	return name
}

func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
