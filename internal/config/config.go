package config

import (
	"bytes"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	// EnvConfigPath 指定配置文件路径的环境变量。
	EnvConfigPath = "AMESSAGE_CONFIG"
	// DefaultPath 为未指定时的配置文件位置。
	DefaultPath = "configs/amessage.json"
)

// Config 描述了 aMessage 在启动阶段需要加载的全部配置。
type Config struct {
	Agent    AgentConfig    `json:"agent"`
	Ledger   LedgerConfig   `json:"ledger"`
	Cursor   CursorConfig   `json:"cursor"`
	Payments PaymentsConfig `json:"payments"`
	Actions  ActionsConfig  `json:"actions"`
	LLM      LLMConfig      `json:"llm"`
	Client   ClientConfig   `json:"client"`
	Events   EventsConfig   `json:"events"`
	Receipts ReceiptsConfig `json:"receipts"`
	Alerts   AlertsConfig   `json:"alerts"`
	Server   ServerConfig   `json:"server"`
	Logging  LoggingConfig  `json:"logging"`
	Runtime  RuntimeConfig  `json:"runtime"`
}

// AgentConfig 控制响应方的身份与轮询节奏。私钥只从环境变量读取。
type AgentConfig struct {
	Address       string   `json:"address" env:"AGENT_ADDRESS"`
	PrivateKey    string   `json:"-" env:"AGENT_PRIVATE_KEY"`
	PollInterval  Duration `json:"poll_interval"`
	BatchLimit    int      `json:"batch_limit"`
	StatsSchedule string   `json:"stats_schedule"`
}

// LedgerConfig 指向链定义文件并选择默认链。
type LedgerConfig struct {
	ChainConfig     string `json:"chain_config"`
	DefaultChain    string `json:"default_chain" env:"AMESSAGE_CHAIN"`
	MaxPayloadBytes int    `json:"max_payload_bytes"`
	// SolanaEndpoint 覆盖 solana 类型链的 RPC 地址。
	SolanaEndpoint string `json:"-" env:"SOLANA_ENDPOINT"`
}

// CursorConfig 选择游标持久化方式：memory、file、redis 或 mysql。
type CursorConfig struct {
	Driver string      `json:"driver"`
	Redis  RedisConfig `json:"redis"`
	MySQL  MySQLConfig `json:"mysql"`
}

// RedisConfig 描述 Redis 连接。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"-" env:"REDIS_PASSWORD"`
	DB       int    `json:"db"`
	Key      string `json:"key"`
}

// MySQLConfig 描述 MySQL 连接池。
type MySQLConfig struct {
	DSN             string   `json:"dsn" env:"MYSQL_DSN"`
	MaxOpenConns    int      `json:"max_open_conns"`
	MaxIdleConns    int      `json:"max_idle_conns"`
	ConnMaxLifetime Duration `json:"conn_max_lifetime"`
}

// PaymentsConfig 对应收款策略。
type PaymentsConfig struct {
	MinimumPayment float64 `json:"minimum_payment"`
}

// ActionsConfig 控制请求处理器。
type ActionsConfig struct {
	Timeout Duration   `json:"timeout"`
	Chat    ChatConfig `json:"chat"`
}

// ChatConfig 为 CHAT_QUERY 的模型参数。
type ChatConfig struct {
	Model        string  `json:"model"`
	MaxTokens    int     `json:"max_tokens"`
	Temperature  float64 `json:"temperature"`
	SystemPrompt string  `json:"system_prompt"`
	// KnowledgeFile 指向 JSON 或 YAML 资料文件，命中的条目会附加到提示词中。
	KnowledgeFile string `json:"knowledge_file"`
	KnowledgeMax  int    `json:"knowledge_max_results"`
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	Provider string             `json:"provider"`
	OpenAI   OpenAIConfig       `json:"openai"`
	Python   PythonBridgeConfig `json:"python_bridge"`
}

// OpenAIConfig 描述 Chat Completions 接口。
type OpenAIConfig struct {
	APIKey  string   `json:"-" env:"OPENAI_API_KEY"`
	BaseURL string   `json:"base_url"`
	Model   string   `json:"model"`
	Timeout Duration `json:"timeout"`
}

// PythonBridgeConfig 描述通过 Python 脚本完成推理时所需的信息。
type PythonBridgeConfig struct {
	PythonExecutable string `json:"python_executable"`
	ScriptPath       string `json:"script_path"`
	WorkingDir       string `json:"working_dir"`
}

// ClientConfig 是请求方命令行使用的参数。
type ClientConfig struct {
	Address        string   `json:"address" env:"CLIENT_ADDRESS"`
	PrivateKey     string   `json:"-" env:"CLIENT_PRIVATE_KEY"`
	DefaultAgent   string   `json:"default_agent" env:"AMESSAGE_AGENT"`
	DefaultPayment float64  `json:"default_payment"`
	MinPayment     float64  `json:"min_payment"`
	MaxPayment     float64  `json:"max_payment"`
	MaxWait        Duration `json:"max_wait"`
	Language       string   `json:"language"`
	ResponseStyle  string   `json:"response_style"`
}

// EventsConfig 选择业务事件的发布方式：none、memory、redis 或 rabbitmq。
type EventsConfig struct {
	Driver   string         `json:"driver"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RabbitMQConfig 描述 RabbitMQ 连接。
type RabbitMQConfig struct {
	URL      string `json:"url" env:"RABBITMQ_URL"`
	Exchange string `json:"exchange"`
	Queue    string `json:"queue"`
	Durable  bool   `json:"durable"`
}

// ReceiptsConfig 选择处理记录的存储：memory、file 或 mysql。
type ReceiptsConfig struct {
	Driver string      `json:"driver"`
	MySQL  MySQLConfig `json:"mysql"`
}

// AlertsConfig 配置告警通道，日志通道始终开启。
type AlertsConfig struct {
	DingTalkWebhook string `json:"-" env:"DINGTALK_WEBHOOK"`
	SlackWebhook    string `json:"-" env:"SLACK_WEBHOOK"`
	SlackChannel    string `json:"slack_channel"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address   string  `json:"address"`
	RateLimit float64 `json:"rate_limit"`
	RateBurst int     `json:"rate_burst"`
	// APITokens 为访问 /api/v1 所需的令牌，格式为 "名称:令牌"，为空时不启用认证。
	APITokens []string `json:"-" env:"AMESSAGE_API_TOKENS" envSeparator:","`
	// MetricsAddress 不为空时在独立端口暴露 /metrics，否则挂在 API 服务上。
	MetricsAddress string `json:"metrics_address"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level   string      `json:"level" env:"AMESSAGE_LOG_LEVEL"`
	Format  string      `json:"format"`
	Outputs []string    `json:"outputs"`
	Audit   AuditConfig `json:"audit"`
}

// AuditConfig 控制审计日志文件。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	Compress   bool   `json:"compress"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Duration 在 JSON 中以 "5s"、"1m30s" 这样的字符串表示，也兼容纳秒整数。
type Duration time.Duration

// UnmarshalJSON 实现 json.Unmarshaler。
func (d *Duration) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("无法解析时长 %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("无法解析时长 %s: %w", data, err)
	}
	*d = Duration(n)
	return nil
}

// MarshalJSON 实现 json.Marshaler。
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std 返回标准库时长。
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Path 返回配置文件路径，优先使用 AMESSAGE_CONFIG。
func Path() string {
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p
	}
	return DefaultPath
}

// Load 解析指定路径的 JSON 配置文件，再用环境变量覆盖密钥等字段。
// 配置文件所在目录及当前目录下的 .env 文件会先被加载，已存在的环境变量不会被覆盖。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, stdErrors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	baseDir := filepath.Dir(path)
	if err := finish(&cfg, baseDir); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault 在配置文件不存在时返回默认配置（仍会应用环境变量），其余错误照常返回。
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if !stdErrors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	cfg = &Config{}
	if err := finish(cfg, "."); err != nil {
		return nil, err
	}
	return cfg, nil
}

func finish(cfg *Config, baseDir string) error {
	loadDotEnv(baseDir)
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("解析环境变量失败: %w", err)
	}
	cfg.applyDefaults(baseDir)
	return cfg.Validate()
}

func loadDotEnv(baseDir string) {
	seen := make(map[string]struct{}, 2)
	for _, candidate := range []string{filepath.Join(baseDir, ".env"), ".env"} {
		abs, err := filepath.Abs(candidate)
		if err != nil {
			continue
		}
		if _, ok := seen[abs]; ok {
			continue
		}
		seen[abs] = struct{}{}
		if _, err := os.Stat(abs); err != nil {
			continue
		}
		_ = godotenv.Load(abs)
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Agent.PollInterval <= 0 {
		c.Agent.PollInterval = Duration(5 * time.Second)
	}
	if c.Agent.BatchLimit <= 0 {
		c.Agent.BatchLimit = 25
	}
	if c.Agent.StatsSchedule == "" {
		c.Agent.StatsSchedule = "@every 5m"
	}

	if c.Ledger.ChainConfig == "" {
		c.Ledger.ChainConfig = filepath.Join(baseDir, "chains.yaml")
	} else if !filepath.IsAbs(c.Ledger.ChainConfig) {
		c.Ledger.ChainConfig = filepath.Join(baseDir, c.Ledger.ChainConfig)
	}
	if c.Ledger.MaxPayloadBytes <= 0 {
		c.Ledger.MaxPayloadBytes = 566
	}

	if c.Cursor.Driver == "" {
		c.Cursor.Driver = "file"
	}
	if c.Cursor.Redis.Key == "" {
		c.Cursor.Redis.Key = "amessage:cursor:"
	}

	if c.Actions.Timeout <= 0 {
		c.Actions.Timeout = Duration(30 * time.Second)
	}
	if c.Actions.Chat.Model == "" {
		c.Actions.Chat.Model = "gpt-3.5-turbo"
	}
	if c.Actions.Chat.MaxTokens <= 0 {
		c.Actions.Chat.MaxTokens = 150
	}
	if c.Actions.Chat.Temperature == 0 {
		c.Actions.Chat.Temperature = 0.7
	}
	if c.Actions.Chat.KnowledgeFile != "" && !filepath.IsAbs(c.Actions.Chat.KnowledgeFile) {
		c.Actions.Chat.KnowledgeFile = filepath.Join(baseDir, c.Actions.Chat.KnowledgeFile)
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.OpenAI.Model == "" {
		c.LLM.OpenAI.Model = c.Actions.Chat.Model
	}
	if c.LLM.Python.PythonExecutable == "" {
		c.LLM.Python.PythonExecutable = "python3"
	}
	if c.LLM.Python.WorkingDir == "" {
		c.LLM.Python.WorkingDir = baseDir
	} else if !filepath.IsAbs(c.LLM.Python.WorkingDir) {
		c.LLM.Python.WorkingDir = filepath.Join(baseDir, c.LLM.Python.WorkingDir)
	}

	if c.Client.DefaultPayment <= 0 {
		c.Client.DefaultPayment = 0.001
	}
	if c.Client.MinPayment <= 0 {
		c.Client.MinPayment = 0.0001
	}
	if c.Client.MaxPayment <= 0 {
		c.Client.MaxPayment = 1.0
	}
	if c.Client.MaxWait <= 0 {
		c.Client.MaxWait = Duration(60 * time.Second)
	}
	if c.Client.Language == "" {
		c.Client.Language = "en"
	}
	if c.Client.ResponseStyle == "" {
		c.Client.ResponseStyle = "concise"
	}

	if c.Events.Driver == "" {
		c.Events.Driver = "none"
	}
	if c.Events.Redis.Key == "" {
		c.Events.Redis.Key = "amessage:events"
	}
	if c.Receipts.Driver == "" {
		c.Receipts.Driver = "file"
	}

	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.RateLimit <= 0 {
		c.Server.RateLimit = 20
	}
	if c.Server.RateBurst <= 0 {
		c.Server.RateBurst = 40
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit.log")
	}
}

// Validate 检查取值范围与驱动名称。
func (c *Config) Validate() error {
	var errs []error
	if c.Payments.MinimumPayment < 0 {
		errs = append(errs, stdErrors.New("payments.minimum_payment 不能为负数"))
	}
	if c.Client.MinPayment > c.Client.MaxPayment {
		errs = append(errs, fmt.Errorf("client.min_payment (%v) 大于 client.max_payment (%v)", c.Client.MinPayment, c.Client.MaxPayment))
	}
	if !oneOf(c.Cursor.Driver, "memory", "file", "redis", "mysql") {
		errs = append(errs, fmt.Errorf("不支持的游标存储: %s", c.Cursor.Driver))
	}
	if !oneOf(c.Receipts.Driver, "memory", "file", "mysql") {
		errs = append(errs, fmt.Errorf("不支持的记录存储: %s", c.Receipts.Driver))
	}
	if !oneOf(c.Events.Driver, "none", "memory", "redis", "rabbitmq") {
		errs = append(errs, fmt.Errorf("不支持的事件通道: %s", c.Events.Driver))
	}
	if !oneOf(c.LLM.Provider, "openai", "python_bridge") {
		errs = append(errs, fmt.Errorf("不支持的模型提供方: %s", c.LLM.Provider))
	}
	if c.Cursor.Driver == "mysql" && c.Cursor.MySQL.DSN == "" {
		errs = append(errs, stdErrors.New("cursor.mysql.dsn 未配置"))
	}
	if c.Receipts.Driver == "mysql" && c.Receipts.MySQL.DSN == "" {
		errs = append(errs, stdErrors.New("receipts.mysql.dsn 未配置"))
	}
	return stdErrors.Join(errs...)
}

func oneOf(value string, allowed ...string) bool {
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	return false
}
