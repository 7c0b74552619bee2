package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"ProofChain/internal/auth"
	xerrors "ProofChain/internal/errors"
	"ProofChain/internal/web3"
)

// EnvPrefix 是环境变量覆盖的统一前缀。
const EnvPrefix = "PROOFCHAIN_"

// Config 描述了 proofchaind 在启动阶段需要加载的全部配置。
type Config struct {
	Server    ServerConfig                   `json:"server" envPrefix:"SERVER_"`
	Auth      auth.Config                    `json:"auth" envPrefix:"AUTH_"`
	Chains    map[string]web3.ChainCandidate `json:"chains"`
	Web3      Web3Config                     `json:"web3" envPrefix:"WEB3_"`
	Proofs    ProofsConfig                   `json:"proofs" envPrefix:"PROOFS_"`
	Tier      TierConfig                     `json:"tier" envPrefix:"TIER_"`
	Sanitizer SanitizerConfig                `json:"sanitizer" envPrefix:"SANITIZER_"`
	Storage   StorageConfig                  `json:"storage" envPrefix:"STORAGE_"`
	Queue     QueueConfig                    `json:"queue" envPrefix:"QUEUE_"`
	Index     IndexConfig                    `json:"index" envPrefix:"INDEX_"`
	Broadcast BroadcastConfig                `json:"broadcast" envPrefix:"BROADCAST_"`
	Poller    PollerConfig                   `json:"poller" envPrefix:"POLLER_"`
	Verifier  VerifierConfig                 `json:"verifier" envPrefix:"VERIFIER_"`
	Logging   LoggingConfig                  `json:"logging" envPrefix:"LOG_"`
	Tracing   TracingConfig                  `json:"tracing" envPrefix:"TRACING_"`
	Metrics   MetricsConfig                  `json:"metrics" envPrefix:"METRICS_"`
	Alerting  AlertingConfig                 `json:"alerting" envPrefix:"ALERT_"`
}

// Duration 允许在 JSON 与环境变量中使用 "5s"、"6h" 这样的写法。
type Duration time.Duration

// UnmarshalText 实现 encoding.TextUnmarshaler。
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText 实现 encoding.TextMarshaler。
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std 返回标准库时长。
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address      string `json:"address" env:"ADDRESS"`
	MaxBodyBytes int64  `json:"max_body_bytes" env:"MAX_BODY_BYTES"`
}

// Web3Config 控制链配置校验与适配器。
type Web3Config struct {
	// NonProduction 允许本地端点与开发网络。
	NonProduction bool   `json:"non_production" env:"NON_PRODUCTION"`
	AllowListPath string `json:"allow_list_path" env:"ALLOW_LIST_PATH"`
	// EthereumKey 是十六进制 secp256k1 私钥，只建议通过环境变量注入。
	EthereumKey     string `json:"-" env:"ETHEREUM_KEY"`
	EthereumSink    string `json:"ethereum_sink" env:"ETHEREUM_SINK"`
	AccountCapacity int    `json:"account_capacity" env:"ACCOUNT_CAPACITY"`
}

// ProofsConfig 指定哈希算法与签名器。
type ProofsConfig struct {
	HashAlgorithm   string `json:"hash_algorithm" env:"HASH_ALGORITHM"`
	SignerAlgorithm string `json:"signer_algorithm" env:"SIGNER_ALGORITHM"`
	SignerKeyID     string `json:"signer_key_id" env:"SIGNER_KEY_ID"`
	SignerKey       string `json:"-" env:"SIGNER_KEY"`
}

// TierConfig 描述受限等级使用的对称密钥。
type TierConfig struct {
	Keys      map[string]string `json:"-" env:"KEYS"`
	ActiveKey string            `json:"active_key" env:"ACTIVE_KEY"`
}

// SanitizerConfig 限制载荷深度与大小。
type SanitizerConfig struct {
	MaxDepth int `json:"max_depth" env:"MAX_DEPTH"`
	MaxBytes int `json:"max_bytes" env:"MAX_BYTES"`
}

// StorageConfig 选择记录存储后端。
type StorageConfig struct {
	Driver string      `json:"driver" env:"DRIVER"`
	MySQL  MySQLConfig `json:"mysql" envPrefix:"MYSQL_"`
}

// MySQLConfig 描述 MySQL 连接池。
type MySQLConfig struct {
	DSN             string   `json:"dsn" env:"DSN"`
	MaxOpenConns    int      `json:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int      `json:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime Duration `json:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	ConnMaxIdleTime Duration `json:"conn_max_idle_time" env:"CONN_MAX_IDLE_TIME"`
}

// QueueConfig 选择广播任务队列。
type QueueConfig struct {
	Driver   string         `json:"driver" env:"DRIVER"`
	Size     int            `json:"size" env:"SIZE"`
	Redis    RedisConfig    `json:"redis" envPrefix:"REDIS_"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq" envPrefix:"RABBITMQ_"`
}

// RedisConfig 是 Redis 连接参数，队列与引用索引共用该结构。
type RedisConfig struct {
	Address  string `json:"address" env:"ADDRESS"`
	Password string `json:"-" env:"PASSWORD"`
	DB       int    `json:"db" env:"DB"`
	// Key 是队列名或索引键前缀。
	Key string `json:"key" env:"KEY"`
}

// RabbitMQConfig 描述 RabbitMQ 队列。
type RabbitMQConfig struct {
	URL      string `json:"url" env:"URL"`
	Queue    string `json:"queue" env:"QUEUE"`
	Prefetch int    `json:"prefetch" env:"PREFETCH"`
	Durable  bool   `json:"durable" env:"DURABLE"`
}

// IndexConfig 配置跨进程共享的链上引用索引；地址为空时只使用记录存储。
type IndexConfig struct {
	Redis RedisConfig `json:"redis" envPrefix:"REDIS_"`
}

// BroadcastConfig 控制广播并发与重试。
type BroadcastConfig struct {
	Workers         int      `json:"workers" env:"WORKERS"`
	MaxAttempts     int      `json:"max_attempts" env:"MAX_ATTEMPTS"`
	InitialInterval Duration `json:"initial_interval" env:"INITIAL_INTERVAL"`
	MaxInterval     Duration `json:"max_interval" env:"MAX_INTERVAL"`
}

// PollerConfig 控制确认轮询。
type PollerConfig struct {
	Interval         Duration `json:"interval" env:"INTERVAL"`
	Deadline         Duration `json:"deadline" env:"DEADLINE"`
	QueriesPerSecond float64  `json:"queries_per_second" env:"QPS"`
	Burst            int      `json:"burst" env:"BURST"`
}

// VerifierConfig 限制公开校验对链上节点的查询速率。
type VerifierConfig struct {
	QueriesPerSecond float64 `json:"queries_per_second" env:"QPS"`
	Burst            int     `json:"burst" env:"BURST"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level   string      `json:"level" env:"LEVEL"`
	Format  string      `json:"format" env:"FORMAT"`
	Outputs []string    `json:"outputs" env:"OUTPUTS"`
	Audit   AuditConfig `json:"audit" envPrefix:"AUDIT_"`
}

// AuditConfig 控制审计日志的落盘与滚动。
type AuditConfig struct {
	Enabled    bool   `json:"enabled" env:"ENABLED"`
	Path       string `json:"path" env:"PATH"`
	MaxSizeMB  int    `json:"max_size_mb" env:"MAX_SIZE_MB"`
	MaxBackups int    `json:"max_backups" env:"MAX_BACKUPS"`
	MaxAgeDays int    `json:"max_age_days" env:"MAX_AGE_DAYS"`
}

// TracingConfig 控制 OTLP 链路追踪。
type TracingConfig struct {
	Enabled     bool    `json:"enabled" env:"ENABLED"`
	Endpoint    string  `json:"endpoint" env:"ENDPOINT"`
	ServiceName string  `json:"service_name" env:"SERVICE_NAME"`
	SampleRatio float64 `json:"sample_ratio" env:"SAMPLE_RATIO"`
}

// MetricsConfig 控制独立的 Prometheus 监听地址，为空时指标挂在 API 的 /metrics 上。
type MetricsConfig struct {
	Address string `json:"address" env:"ADDRESS"`
}

// AlertingConfig 配置告警 Webhook。
type AlertingConfig struct {
	WebhookURL    string `json:"webhook_url" env:"WEBHOOK_URL"`
	SubjectPrefix string `json:"subject_prefix" env:"SUBJECT_PREFIX"`
}

// Load 负责解析指定路径的 JSON 配置文件，随后应用默认值与环境变量覆盖。
// path 为空时只使用默认值与环境变量。
func Load(path string) (*Config, error) {
	var cfg Config
	baseDir := "."
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "打开配置文件失败")
		}
		defer file.Close()

		content, err := io.ReadAll(file)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取配置文件失败")
		}
		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析配置失败")
		}
		baseDir = filepath.Dir(path)
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析环境变量失败")
	}

	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.MaxBodyBytes <= 0 {
		c.Server.MaxBodyBytes = 1 << 20
	}

	if c.Web3.AllowListPath != "" && !filepath.IsAbs(c.Web3.AllowListPath) {
		c.Web3.AllowListPath = filepath.Join(baseDir, c.Web3.AllowListPath)
	}

	if c.Proofs.HashAlgorithm == "" {
		c.Proofs.HashAlgorithm = "sha256/v1"
	}

	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}

	c.Queue.Driver = strings.ToLower(strings.TrimSpace(c.Queue.Driver))
	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Size <= 0 {
		c.Queue.Size = 1024
	}

	if c.Broadcast.Workers <= 0 {
		c.Broadcast.Workers = 4
	}
	if c.Broadcast.MaxAttempts <= 0 {
		c.Broadcast.MaxAttempts = 5
	}
	if c.Broadcast.InitialInterval <= 0 {
		c.Broadcast.InitialInterval = Duration(time.Second)
	}
	if c.Broadcast.MaxInterval <= 0 {
		c.Broadcast.MaxInterval = Duration(30 * time.Second)
	}

	if c.Poller.Interval <= 0 {
		c.Poller.Interval = Duration(15 * time.Second)
	}
	if c.Poller.Deadline <= 0 {
		c.Poller.Deadline = Duration(6 * time.Hour)
	}
	if c.Poller.QueriesPerSecond <= 0 {
		c.Poller.QueriesPerSecond = 5
	}
	if c.Poller.Burst <= 0 {
		c.Poller.Burst = 5
	}

	if c.Verifier.QueriesPerSecond <= 0 {
		c.Verifier.QueriesPerSecond = 20
	}
	if c.Verifier.Burst <= 0 {
		c.Verifier.Burst = 5
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(baseDir, "data", "audit.log")
	} else if c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "proofchaind"
	}
	if c.Alerting.SubjectPrefix == "" {
		c.Alerting.SubjectPrefix = "[ProofChain]"
	}

	if len(c.Chains) > 0 {
		normalized := make(map[string]web3.ChainCandidate, len(c.Chains))
		for name, candidate := range c.Chains {
			key := strings.ToLower(strings.TrimSpace(name))
			if candidate.Network == "" {
				candidate.Network = key
			}
			normalized[key] = candidate
		}
		c.Chains = normalized
	}
}

// Validate 检查互相依赖的配置项。链配置本身由 web3.Validator 在运行时校验。
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory":
	case "mysql":
		if strings.TrimSpace(c.Storage.MySQL.DSN) == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, "storage.mysql.dsn 不能为空")
		}
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的存储驱动: %q", c.Storage.Driver))
	}

	switch c.Queue.Driver {
	case "memory":
	case "redis":
		if c.Queue.Redis.Address == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, "queue.redis.address 不能为空")
		}
	case "rabbitmq":
		if c.Queue.RabbitMQ.URL == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, "queue.rabbitmq.url 不能为空")
		}
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的队列驱动: %q", c.Queue.Driver))
	}

	if c.Queue.Driver == "memory" && c.Storage.Driver != "memory" {
		return xerrors.New(xerrors.CodeInvalidArgument, "持久化存储需要搭配 redis 或 rabbitmq 队列，否则重启会丢失待广播任务")
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "启用链路追踪时必须配置 tracing.endpoint")
	}
	if c.Tier.ActiveKey != "" {
		if _, ok := c.Tier.Keys[c.Tier.ActiveKey]; !ok {
			return xerrors.New(xerrors.CodeInvalidArgument, "tier.active_key 对应的密钥未通过 PROOFCHAIN_TIER_KEYS 提供")
		}
	}
	return nil
}
