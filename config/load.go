package config

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"order-replicator-go/gateway"
	"order-replicator-go/infrastructure/logger"
	"order-replicator-go/order"
	"order-replicator-go/sizing"
)

// 敏感字段的环境变量覆盖
const (
	EnvSourceAccessToken = "OR_SOURCE_ACCESS_TOKEN"
	EnvDestAccessToken   = "OR_DEST_ACCESS_TOKEN"
	EnvStoreDSN          = "OR_STORE_DSN"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env         string            `yaml:"env"`
	Source      BrokerConfig      `yaml:"source"`
	Destination BrokerConfig      `yaml:"destination"`
	Sizing      SizingConfig      `yaml:"sizing"`
	Outbound    OutboundConfig    `yaml:"outbound"`
	Ingestion   IngestionConfig   `yaml:"ingestion"`
	Replication ReplicationConfig `yaml:"replication"`
	Store       StoreConfig       `yaml:"store"`
	Audit       AuditConfig       `yaml:"audit"`
	Log         logger.Config     `yaml:"log"`
	MetricsAddr string            `yaml:"metricsAddr"`
	Alerts      AlertsConfig      `yaml:"alerts"`
}

// BrokerConfig 一个券商账户的接入点和凭证。
type BrokerConfig struct {
	ClientID    string `yaml:"clientId"`
	AccessToken string `yaml:"accessToken"`
	RESTURL     string `yaml:"restURL"`
	FeedURL     string `yaml:"feedURL"`
}

// SizingConfig 仓位参数；比例类字段用小数表示（0.01 = 1%）。
type SizingConfig struct {
	Strategy         string             `yaml:"strategy"`
	Ratio            float64            `yaml:"ratio"`
	FixedRatio       float64            `yaml:"fixedRatio"`
	RiskPctPerTrade  float64            `yaml:"riskPctPerTrade"`
	MaxPositionValue float64            `yaml:"maxPositionValue"`
	DefaultStopPct   float64            `yaml:"defaultStopPct"`
	LotSizes         map[string]int64   `yaml:"lotSizes"`
	MarginRates      map[string]float64 `yaml:"marginRates"` // 按产品类型覆盖默认保证金比例
	FundsTTL         time.Duration      `yaml:"fundsTTL"`
}

type OutboundConfig struct {
	RatePerSecond    float64         `yaml:"ratePerSecond"`
	Burst            int             `yaml:"burst"`
	CallTimeout      time.Duration   `yaml:"callTimeout"`
	MaxAttempts      int             `yaml:"maxAttempts"`
	Backoff          gateway.Backoff `yaml:"backoff"`
	FailureThreshold int             `yaml:"failureThreshold"`
	Cooldown         time.Duration   `yaml:"cooldown"`
	SuccessThreshold int             `yaml:"successThreshold"`
}

type IngestionConfig struct {
	HeartbeatTimeout time.Duration   `yaml:"heartbeatTimeout"`
	HandshakeTimeout time.Duration   `yaml:"handshakeTimeout"`
	Reconnect        gateway.Backoff `yaml:"reconnect"`
	MaxReplayPages   int             `yaml:"maxReplayPages"`
	// 订阅目标账户推送；关闭时只靠轮询
	DestinationFeed bool `yaml:"destinationFeed"`
}

type ReplicationConfig struct {
	Shards            int             `yaml:"shards"`
	QueueSize         int             `yaml:"queueSize"`
	ProcessTimeout    time.Duration   `yaml:"processTimeout"`
	ModifyHoldTimeout time.Duration   `yaml:"modifyHoldTimeout"`
	HoldRetryInterval time.Duration   `yaml:"holdRetryInterval"`
	StaleAfter        time.Duration   `yaml:"staleAfter"`
	SweepInterval     time.Duration   `yaml:"sweepInterval"`
	PollInterval      time.Duration   `yaml:"pollInterval"`
	OCOCancelAttempts int             `yaml:"ocoCancelAttempts"`
	OCOBackoff        gateway.Backoff `yaml:"ocoBackoff"`
}

// StoreConfig driver: memory | postgres
type StoreConfig struct {
	Driver        string          `yaml:"driver"`
	DSN           string          `yaml:"dsn"`
	MaxOpenConns  int             `yaml:"maxOpenConns"`
	RetryAttempts int             `yaml:"retryAttempts"`
	RetryBackoff  gateway.Backoff `yaml:"retryBackoff"`
}

// AuditConfig sinks: file | postgres | memory
type AuditConfig struct {
	Sinks         []string      `yaml:"sinks"`
	FilePath      string        `yaml:"filePath"`
	QueueSize     int           `yaml:"queueSize"`
	BatchSize     int           `yaml:"batchSize"`
	FlushInterval time.Duration `yaml:"flushInterval"`
}

type AlertsConfig struct {
	ThrottleInterval time.Duration `yaml:"throttleInterval"`
}

// Load reads YAML config from path, applies defaults and validates.
func Load(path string) (AppConfig, error) {
	cfg, err := parse(path)
	if err != nil {
		return cfg, err
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadWithEnvOverrides loads config then overrides sensitive fields from env vars if present.
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg, err := parse(path)
	if err != nil {
		return cfg, err
	}
	if v := os.Getenv(EnvSourceAccessToken); v != "" {
		cfg.Source.AccessToken = v
	}
	if v := os.Getenv(EnvDestAccessToken); v != "" {
		cfg.Destination.AccessToken = v
	}
	if v := os.Getenv(EnvStoreDSN); v != "" {
		cfg.Store.DSN = v
	}
	return cfg, Validate(cfg)
}

func parse(path string) (AppConfig, error) {
	var cfg AppConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	ApplyDefaults(&cfg)
	return cfg, nil
}

// ApplyDefaults 填充未配置的字段。
func ApplyDefaults(cfg *AppConfig) {
	if cfg.Sizing.Strategy == "" {
		cfg.Sizing.Strategy = string(sizing.StrategyCapitalProportional)
	}
	if cfg.Sizing.Ratio == 0 {
		cfg.Sizing.Ratio = 1
	}
	if cfg.Sizing.FixedRatio == 0 {
		cfg.Sizing.FixedRatio = 1
	}
	if cfg.Sizing.DefaultStopPct == 0 {
		cfg.Sizing.DefaultStopPct = 0.01
	}
	if cfg.Sizing.FundsTTL == 0 {
		cfg.Sizing.FundsTTL = 30 * time.Second
	}

	if cfg.Outbound.RatePerSecond == 0 {
		cfg.Outbound.RatePerSecond = 10
	}
	if cfg.Outbound.Burst == 0 {
		cfg.Outbound.Burst = 10
	}
	if cfg.Outbound.CallTimeout == 0 {
		cfg.Outbound.CallTimeout = 5 * time.Second
	}
	if cfg.Outbound.MaxAttempts == 0 {
		cfg.Outbound.MaxAttempts = 3
	}
	if cfg.Outbound.Backoff.Min == 0 {
		cfg.Outbound.Backoff = gateway.DefaultBackoff()
	}
	if cfg.Outbound.FailureThreshold == 0 {
		cfg.Outbound.FailureThreshold = 5
	}
	if cfg.Outbound.Cooldown == 0 {
		cfg.Outbound.Cooldown = 30 * time.Second
	}
	if cfg.Outbound.SuccessThreshold == 0 {
		cfg.Outbound.SuccessThreshold = 2
	}

	if cfg.Ingestion.HeartbeatTimeout == 0 {
		cfg.Ingestion.HeartbeatTimeout = 60 * time.Second
	}
	if cfg.Ingestion.HandshakeTimeout == 0 {
		cfg.Ingestion.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Ingestion.Reconnect.Min == 0 {
		cfg.Ingestion.Reconnect = gateway.DefaultBackoff()
	}
	if cfg.Ingestion.MaxReplayPages == 0 {
		cfg.Ingestion.MaxReplayPages = 1000
	}

	r := &cfg.Replication
	if r.Shards == 0 {
		r.Shards = 8
	}
	if r.QueueSize == 0 {
		r.QueueSize = 256
	}
	if r.ProcessTimeout == 0 {
		r.ProcessTimeout = 30 * time.Second
	}
	if r.ModifyHoldTimeout == 0 {
		r.ModifyHoldTimeout = 5 * time.Second
	}
	if r.HoldRetryInterval == 0 {
		r.HoldRetryInterval = 200 * time.Millisecond
	}
	if r.StaleAfter == 0 {
		r.StaleAfter = 2 * time.Minute
	}
	if r.SweepInterval == 0 {
		r.SweepInterval = 30 * time.Second
	}
	if r.OCOCancelAttempts == 0 {
		r.OCOCancelAttempts = 3
	}
	if r.OCOBackoff.Min == 0 {
		r.OCOBackoff = gateway.Backoff{Min: 200 * time.Millisecond, Max: 2 * time.Second, Factor: 2}
	}

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = StoreMemory
	}
	if cfg.Store.MaxOpenConns == 0 {
		cfg.Store.MaxOpenConns = 10
	}
	if cfg.Store.RetryAttempts == 0 {
		cfg.Store.RetryAttempts = 5
	}
	if cfg.Store.RetryBackoff.Min == 0 {
		cfg.Store.RetryBackoff = gateway.Backoff{Min: 100 * time.Millisecond, Max: 2 * time.Second, Factor: 2, Jitter: 0.2}
	}

	if len(cfg.Audit.Sinks) == 0 {
		cfg.Audit.Sinks = []string{AuditFile}
	}
	if cfg.Audit.FilePath == "" {
		cfg.Audit.FilePath = "data/audit.jsonl"
	}
	if cfg.Audit.QueueSize == 0 {
		cfg.Audit.QueueSize = 4096
	}
	if cfg.Audit.BatchSize == 0 {
		cfg.Audit.BatchSize = 128
	}
	if cfg.Audit.FlushInterval == 0 {
		cfg.Audit.FlushInterval = 50 * time.Millisecond
	}

	if cfg.Log.Level == "" {
		cfg.Log = logger.DefaultConfig()
	}
	if cfg.Alerts.ThrottleInterval == 0 {
		cfg.Alerts.ThrottleInterval = time.Minute
	}
}

// SizingEngineConfig 转换为 sizing.Config；未配置的产品沿用默认保证金比例。
func (s SizingConfig) SizingEngineConfig() sizing.Config {
	rates := sizing.DefaultMarginRates()
	for p, r := range s.MarginRates {
		rates[order.ProductType(p)] = decimal.NewFromFloat(r)
	}
	return sizing.Config{
		Strategy:         sizing.Strategy(s.Strategy),
		Ratio:            decimal.NewFromFloat(s.Ratio),
		FixedRatio:       decimal.NewFromFloat(s.FixedRatio),
		RiskPctPerTrade:  decimal.NewFromFloat(s.RiskPctPerTrade),
		MaxPositionValue: decimal.NewFromFloat(s.MaxPositionValue),
		DefaultStopPct:   decimal.NewFromFloat(s.DefaultStopPct),
		LotSizes:         s.LotSizes,
		MarginRates:      rates,
	}
}
