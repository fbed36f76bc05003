package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"Aegis-Treasury/internal/backoff"
	"Aegis-Treasury/internal/breaker"
	"Aegis-Treasury/internal/chain"
	"Aegis-Treasury/internal/observability/alerting"
	"Aegis-Treasury/internal/payment"
	"Aegis-Treasury/internal/policy"
	"Aegis-Treasury/internal/reserve"
	"Aegis-Treasury/internal/sponsorship"
	"Aegis-Treasury/internal/storage/mysql"
	"Aegis-Treasury/internal/storage/redis"
	"Aegis-Treasury/internal/treasury"
	"Aegis-Treasury/internal/walletlock"
	"Aegis-Treasury/pkg/logger"
)

// PathEnv 指定配置文件路径的环境变量。
const PathEnv = "TREASURY_CONFIG"

// EnvPrefix 是所有环境变量覆盖项的前缀。
const EnvPrefix = "TREASURY_"

// Config 描述了金库服务在启动阶段需要加载的全部配置。
type Config struct {
	Server      ServerConfig              `yaml:"server" envPrefix:"SERVER_"`
	Logging     logger.Config             `yaml:"logging" envPrefix:"LOG_"`
	MySQL       mysql.Config              `yaml:"mysql" envPrefix:"MYSQL_"`
	Redis       redis.Config              `yaml:"redis" envPrefix:"REDIS_"`
	Queue       sponsorship.QueueConfig   `yaml:"queue" envPrefix:"QUEUE_"`
	Processor   ProcessorConfig           `yaml:"processor" envPrefix:"PROCESSOR_"`
	Reaper      sponsorship.ReaperConfig  `yaml:"reaper" envPrefix:"REAPER_"`
	Chain       chain.Config              `yaml:"chain" envPrefix:"CHAIN_"`
	Treasury    treasury.Config           `yaml:"treasury" envPrefix:"EXECUTOR_"`
	Breaker     breaker.Config            `yaml:"breaker" envPrefix:"BREAKER_"`
	Reserve     reserve.Config            `yaml:"reserve" envPrefix:"RESERVE_"`
	WalletLock  walletlock.Config         `yaml:"wallet_lock" envPrefix:"WALLET_LOCK_"`
	Alerting    alerting.Config           `yaml:"alerting" envPrefix:"ALERTING_"`
	Facilitator payment.FacilitatorConfig `yaml:"facilitator" envPrefix:"FACILITATOR_"`
}

// ServerConfig 控制 HTTP API 与指标端口。
type ServerConfig struct {
	Address         string        `yaml:"address" env:"ADDRESS"`
	MetricsAddress  string        `yaml:"metrics_address" env:"METRICS_ADDRESS"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// ProcessorConfig 控制队列消费与失败重投。
type ProcessorConfig struct {
	Workers    int            `yaml:"workers" env:"WORKERS"`
	MaxRetries int            `yaml:"max_retries" env:"MAX_RETRIES"`
	Retry      backoff.Policy `yaml:"retry" envPrefix:"RETRY_"`
}

// Default 返回未经任何覆盖的默认配置。
func Default() Config {
	cfg := Config{}
	cfg.Treasury.Policy = policy.DefaultConfig()
	cfg.applyDefaults()
	return cfg
}

// Load 按 文件 → 环境变量 → 默认值 → 校验 的顺序加载配置。
// path 为空时读取 TREASURY_CONFIG，仍为空则只使用环境变量与默认值。
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(PathEnv)
	}

	cfg := Config{}
	cfg.Treasury.Policy = policy.DefaultConfig()
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("解析环境变量失败: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	c.Queue.Driver = strings.ToLower(strings.TrimSpace(c.Queue.Driver))

	if c.Processor.Workers <= 0 {
		c.Processor.Workers = 4
	}
	if c.Processor.MaxRetries <= 0 {
		c.Processor.MaxRetries = sponsorship.DefaultMaxRetries
	}
	if c.Processor.Retry.Base <= 0 {
		c.Processor.Retry.Base = time.Second
	}
	if c.Processor.Retry.Max <= 0 {
		c.Processor.Retry.Max = time.Minute
	}

	if c.Reaper.Interval <= 0 {
		c.Reaper.Interval = 30 * time.Second
	}
	if c.Reaper.ProcessingTimeout <= 0 {
		c.Reaper.ProcessingTimeout = 5 * time.Minute
	}

	if c.Chain.ReceiptTimeout <= 0 {
		c.Chain.ReceiptTimeout = 45 * time.Second
	}
	if c.WalletLock.TTL <= 0 {
		c.WalletLock.TTL = 60 * time.Second
	}
	if c.WalletLock.Timeout <= 0 {
		c.WalletLock.Timeout = 30 * time.Second
	}
	if c.Treasury.Policy.ExecutionMode == "" {
		c.Treasury.Policy.ExecutionMode = policy.ModeReadOnly
	}
	c.Treasury.Policy.ExecutionMode = policy.ParseMode(string(c.Treasury.Policy.ExecutionMode))

	// 链相关参数只在 chain 段配置一次。
	c.Treasury.TreasuryAddress = c.Chain.TreasuryAddress
	c.Treasury.ChainID = c.Chain.ChainID
	c.Treasury.ETHPriceUSD = c.Chain.ETHPriceUSD
	c.Treasury.ReceiptTimeout = c.Chain.ReceiptTimeout
	if c.Treasury.LockTimeout <= 0 {
		c.Treasury.LockTimeout = c.WalletLock.Timeout
	}
}

// Validate 检查相互依赖的配置项，返回所有发现的问题。
func (c *Config) Validate() error {
	var problems []error
	switch c.Queue.Driver {
	case "memory":
	case "redis":
		if c.Redis.Address == "" {
			problems = append(problems, errors.New("queue.driver=redis 需要配置 redis.address"))
		}
	case "rabbitmq":
		if c.Queue.RabbitMQ.URL == "" {
			problems = append(problems, errors.New("queue.driver=rabbitmq 需要配置 queue.rabbitmq.url"))
		}
	default:
		problems = append(problems, fmt.Errorf("不支持的队列驱动: %s", c.Queue.Driver))
	}

	if c.WalletLock.TTL <= c.Chain.ReceiptTimeout {
		problems = append(problems, fmt.Errorf("wallet_lock.ttl (%s) 必须大于 chain.receipt_timeout (%s)", c.WalletLock.TTL, c.Chain.ReceiptTimeout))
	}
	if c.Reaper.ProcessingTimeout <= c.WalletLock.TTL {
		problems = append(problems, fmt.Errorf("reaper.processing_timeout (%s) 必须大于 wallet_lock.ttl (%s)", c.Reaper.ProcessingTimeout, c.WalletLock.TTL))
	}
	if c.Chain.ChainID < 0 {
		problems = append(problems, errors.New("chain.chain_id 不能为负数"))
	}
	if c.Chain.ETHPriceUSD < 0 {
		problems = append(problems, errors.New("chain.eth_price_usd 不能为负数"))
	}
	if c.Treasury.Policy.MinConfidence < 0 || c.Treasury.Policy.MinConfidence > 1 {
		problems = append(problems, errors.New("treasury.policy.min_confidence 必须在 0 到 1 之间"))
	}
	if c.Treasury.Policy.ExecutionMode == policy.ModeLive && c.Chain.BundlerURL == "" {
		problems = append(problems, errors.New("LIVE 模式需要配置 chain.bundler_url"))
	}
	if len(problems) > 0 {
		return fmt.Errorf("配置校验失败: %w", errors.Join(problems...))
	}
	return nil
}
