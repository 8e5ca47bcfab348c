package container

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"go.uber.org/zap"

	"order-replicator-go/config"
	"order-replicator-go/gateway"
	"order-replicator-go/infrastructure/alert"
	"order-replicator-go/infrastructure/logger"
	"order-replicator-go/infrastructure/monitor"
	"order-replicator-go/internal/audit"
	"order-replicator-go/internal/feed"
	"order-replicator-go/internal/outbound"
	"order-replicator-go/internal/replicator"
	"order-replicator-go/internal/store"
	"order-replicator-go/sizing"
)

// Container 依赖注入容器，管理所有组件的生命周期
type Container struct {
	// 配置
	cfg        *config.AppConfig
	configPath string

	// 基础设施
	logger  *logger.Logger
	monitor *monitor.Monitor
	alerts  *alert.Manager

	// 券商接入
	sourceClient *gateway.BrokerRESTClient
	destClient   *gateway.BrokerRESTClient
	outbound     *outbound.Gateway

	// 存储与审计
	store     store.Store
	gormStore *store.GormStore
	auditLog  *audit.Log
	sinks     []audit.Sink

	// 核心服务
	sizer      *sizing.Engine
	funds      *sizing.FundsCache
	replicator *replicator.Orchestrator
	sourceFeed *feed.Stream
	destFeed   *feed.Stream
	watcher    *config.Watcher

	// HTTP服务器
	metricsServer *http.Server

	// 生命周期管理
	lifecycle *LifecycleManager
	fatal     chan error
}

// New 从配置文件创建 Container，并在运行期间监听该文件
func New(configPath string) (*Container, error) {
	cfg, err := config.LoadWithEnvOverrides(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	c, err := NewWithConfig(cfg)
	if err != nil {
		return nil, err
	}
	c.configPath = configPath
	return c, nil
}

// NewWithConfig 使用已加载的配置（测试、工具命令），同样经过校验
func NewWithConfig(cfg config.AppConfig) (*Container, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Container{
		cfg:       &cfg,
		lifecycle: NewLifecycleManager(),
		fatal:     make(chan error, 1),
	}, nil
}

// Build 构建所有组件
func (c *Container) Build() error {
	if err := c.buildInfrastructure(); err != nil {
		return fmt.Errorf("build infrastructure failed: %w", err)
	}
	if err := c.buildGateways(); err != nil {
		return fmt.Errorf("build gateways failed: %w", err)
	}
	if err := c.buildStorage(); err != nil {
		return fmt.Errorf("build storage failed: %w", err)
	}
	if err := c.buildCoreServices(); err != nil {
		return fmt.Errorf("build core services failed: %w", err)
	}
	if err := c.buildFeeds(); err != nil {
		return fmt.Errorf("build feeds failed: %w", err)
	}

	c.registerLifecycleComponents()
	c.logger.Info("container built successfully", zap.String("env", c.cfg.Env))
	return nil
}

func (c *Container) buildInfrastructure() error {
	var err error
	c.logger, err = logger.New(c.cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger failed: %w", err)
	}
	c.logger = c.logger.WithFields(map[string]interface{}{"env": c.cfg.Env})

	c.monitor = monitor.New(monitor.DefaultConfig())
	c.alerts = alert.NewManager([]alert.Channel{alert.NewLogChannel("log", c.logger.Named("alert"))}, c.cfg.Alerts.ThrottleInterval)

	c.logger.Info("infrastructure built")
	return nil
}

func (c *Container) buildGateways() error {
	c.sourceClient = newBrokerClient(c.cfg.Source, config.EnvSourceAccessToken)
	c.destClient = newBrokerClient(c.cfg.Destination, config.EnvDestAccessToken)

	ob := c.cfg.Outbound
	c.outbound = outbound.New(c.destClient, outbound.Config{
		RatePerSecond: ob.RatePerSecond,
		Burst:         ob.Burst,
		CallTimeout:   ob.CallTimeout,
		Retry:         outbound.RetryPolicy{MaxAttempts: ob.MaxAttempts, Backoff: ob.Backoff},
		Breaker: outbound.BreakerConfig{
			FailureThreshold: ob.FailureThreshold,
			Cooldown:         ob.Cooldown,
			SuccessThreshold: ob.SuccessThreshold,
		},
	}, outbound.WithLogger(c.logger), outbound.WithMonitor(c.monitor))

	c.logger.Info("gateways built",
		zap.String("source_client", c.cfg.Source.ClientID),
		zap.String("destination_client", c.cfg.Destination.ClientID))
	return nil
}

// newBrokerClient token 被拒绝后从环境变量重新读取一次
func newBrokerClient(b config.BrokerConfig, tokenEnv string) *gateway.BrokerRESTClient {
	refresh := func(ctx context.Context) (string, error) {
		return os.Getenv(tokenEnv), nil
	}
	return &gateway.BrokerRESTClient{
		BaseURL:    b.RESTURL,
		Auth:       gateway.NewStaticTokenProvider(b.ClientID, b.AccessToken, refresh),
		HTTPClient: gateway.NewDefaultHTTPClient(),
	}
}

func (c *Container) buildStorage() error {
	sc := c.cfg.Store
	var inner store.Store
	switch sc.Driver {
	case config.StorePostgres:
		gs, err := store.OpenGorm(sc.DSN, sc.MaxOpenConns)
		if err != nil {
			return err
		}
		c.gormStore = gs
		inner = gs
	default:
		inner = store.NewMemoryStore()
		c.logger.Warn("using in-memory store; mappings are lost on restart")
	}
	c.store = store.NewRetrying(inner, sc.RetryAttempts, sc.RetryBackoff, c.logger)

	for _, name := range c.cfg.Audit.Sinks {
		switch name {
		case config.AuditFile:
			fs, err := audit.NewFileSink(c.cfg.Audit.FilePath)
			if err != nil {
				return err
			}
			c.sinks = append(c.sinks, fs)
		case config.AuditPostgres:
			gs, err := audit.NewGormSink(c.gormStore.DB())
			if err != nil {
				return err
			}
			c.sinks = append(c.sinks, gs)
		case config.AuditMemory:
			c.sinks = append(c.sinks, audit.NewMemorySink())
		}
	}
	ac := c.cfg.Audit
	c.auditLog = audit.New(audit.Config{
		QueueSize:     ac.QueueSize,
		BatchSize:     ac.BatchSize,
		FlushInterval: ac.FlushInterval,
		Retry:         sc.RetryBackoff,
	}, c.sinks, audit.WithLogger(c.logger), audit.WithMonitor(c.monitor))

	c.logger.Info("storage built", zap.String("driver", sc.Driver), zap.Strings("audit_sinks", c.cfg.Audit.Sinks))
	return nil
}

func (c *Container) buildCoreServices() error {
	var err error
	c.sizer, err = sizing.NewEngine(c.cfg.Sizing.SizingEngineConfig())
	if err != nil {
		return err
	}
	c.funds = sizing.NewFundsCache(c.cfg.Sizing.FundsTTL, map[string]sizing.FundsSource{
		replicator.AccountSource:      sizing.NewBrokerFunds(c.sourceClient),
		replicator.AccountDestination: sizing.NewBrokerFunds(c.destClient),
	})

	rc := c.cfg.Replication
	c.replicator, err = replicator.New(replicator.Config{
		Shards:            rc.Shards,
		QueueSize:         rc.QueueSize,
		ProcessTimeout:    rc.ProcessTimeout,
		ModifyHoldTimeout: rc.ModifyHoldTimeout,
		HoldRetryInterval: rc.HoldRetryInterval,
		StaleAfter:        rc.StaleAfter,
		SweepInterval:     rc.SweepInterval,
		PollInterval:      rc.PollInterval,
		OCOCancelAttempts: rc.OCOCancelAttempts,
		OCOBackoff:        rc.OCOBackoff,
	}, replicator.Components{
		Store:    c.store,
		Sizer:    c.sizer,
		Funds:    c.funds,
		Quotes:   c.destClient,
		Outbound: c.outbound,
		Audit:    c.auditLog,
		Logger:   c.logger,
		Monitor:  c.monitor,
		Alerts:   c.alerts,
	})
	if err != nil {
		return err
	}

	if c.configPath != "" {
		c.watcher, err = config.NewWatcher(c.configPath, 0, c.applyReload, c.logger)
		if err != nil {
			return err
		}
	}

	c.logger.Info("core services built", zap.String("sizing_strategy", c.cfg.Sizing.Strategy))
	return nil
}

// applyReload 只有仓位参数支持热更新，其余配置需要重启
func (c *Container) applyReload(next config.AppConfig) {
	if err := c.sizer.Update(next.Sizing.SizingEngineConfig()); err != nil {
		c.logger.LogError(err, map[string]interface{}{"action": "reload_sizing"})
		return
	}
	c.logger.Info("sizing parameters reloaded",
		zap.String("strategy", next.Sizing.Strategy),
		zap.Float64("ratio", next.Sizing.Ratio))
}

func (c *Container) buildFeeds() error {
	ic := c.cfg.Ingestion
	opts := []feed.Option{
		feed.WithLogger(c.logger),
		feed.WithMonitor(c.monitor),
		feed.WithAlerts(c.alerts),
		feed.WithFatalHandler(c.onFatal),
	}
	c.sourceFeed = feed.New(feed.Config{
		Name:             replicator.AccountSource,
		URL:              c.cfg.Source.FeedURL,
		HeartbeatTimeout: ic.HeartbeatTimeout,
		HandshakeTimeout: ic.HandshakeTimeout,
		Backoff:          ic.Reconnect,
		MaxReplayPages:   ic.MaxReplayPages,
	}, c.sourceClient.Auth, c.sourceClient, c.store, c.replicator.HandleSource, opts...)

	if ic.DestinationFeed {
		c.destFeed = feed.New(feed.Config{
			Name:             replicator.AccountDestination,
			URL:              c.cfg.Destination.FeedURL,
			HeartbeatTimeout: ic.HeartbeatTimeout,
			HandshakeTimeout: ic.HandshakeTimeout,
			Backoff:          ic.Reconnect,
			MaxReplayPages:   ic.MaxReplayPages,
		}, c.destClient.Auth, c.destClient, c.store, c.replicator.HandleDestination, opts...)
	}
	return nil
}

func (c *Container) onFatal(err error) {
	select {
	case c.fatal <- err:
	default:
	}
}

// registerLifecycleComponents 启动顺序：指标 → 审计 → 编排器 → 目标推送 → 源推送 → 配置监听
func (c *Container) registerLifecycleComponents() {
	if c.cfg.MetricsAddr != "" {
		c.lifecycle.Register(&httpServerComponent{
			name:    "metrics_server",
			handler: c.metricsMux(),
			addr:    c.cfg.MetricsAddr,
			logger:  c.logger,
			server:  &c.metricsServer,
		})
	}
	c.lifecycle.Register(&component{
		name:  "audit",
		start: func(context.Context) error { c.auditLog.Start(); return nil },
		stop:  c.auditLog.Close,
	})
	c.lifecycle.Register(&component{
		name:  "replicator",
		start: c.replicator.Start,
		stop:  c.replicator.Stop,
	})
	if c.destFeed != nil {
		c.lifecycle.Register(streamComponent("destination_feed", c.destFeed))
	}
	c.lifecycle.Register(streamComponent("source_feed", c.sourceFeed))
	if c.watcher != nil {
		c.lifecycle.Register(&component{
			name:  "config_watcher",
			start: c.watcher.Start,
			stop:  c.watcher.Stop,
		})
	}
}

func (c *Container) metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.monitor.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := c.HealthCheck(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func (c *Container) Start(ctx context.Context) error {
	c.logger.Info("starting container...")

	if err := c.lifecycle.StartAll(ctx); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}

	c.logger.Info("container started")
	return nil
}

// Stop 逆序停止组件；目标账户挂单保持不动，重启后由回放和清扫继续跟踪。
func (c *Container) Stop() error {
	c.logger.Info("stopping container...")

	err := c.lifecycle.StopAll()
	if err != nil {
		c.logger.LogError(err, map[string]interface{}{"action": "stop"})
	}
	if cerr := c.store.Close(); cerr != nil {
		c.logger.LogError(cerr, map[string]interface{}{"action": "close_store"})
	}

	c.logger.Info("container stopped")
	_ = c.logger.Close()
	return err
}

func (c *Container) HealthCheck() error {
	return c.lifecycle.CheckHealth()
}

// Fatal 推送连接无法恢复（认证失败）时收到错误，调用方应退出进程。
func (c *Container) Fatal() <-chan error { return c.fatal }

func (c *Container) Config() config.AppConfig { return *c.cfg }

func (c *Container) Store() store.Store { return c.store }

func (c *Container) Replicator() *replicator.Orchestrator { return c.replicator }
