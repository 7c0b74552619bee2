package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/sync/errgroup"

	"ProofChain/internal/api"
	"ProofChain/internal/auth"
	"ProofChain/internal/config"
	xerrors "ProofChain/internal/errors"
	"ProofChain/internal/observability/alerting"
	"ProofChain/internal/observability/metrics"
	"ProofChain/internal/observability/tracing"
	"ProofChain/internal/proofs"
	"ProofChain/internal/receipt"
	"ProofChain/internal/sanitize"
	"ProofChain/internal/storage/mysql"
	redisindex "ProofChain/internal/storage/redis"
	"ProofChain/internal/tier"
	"ProofChain/internal/verify"
	"ProofChain/internal/web3"
	"ProofChain/internal/web3/bitcoin"
	"ProofChain/internal/web3/ethereum"
	"ProofChain/internal/web3/provider"
	"ProofChain/pkg/logger"
)

// main 是 ProofChain 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("proofchaind 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("PROOFCHAIN_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "proofchain.json")
		if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
			configPath = ""
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.Outputs,
		Service:     cfg.Tracing.ServiceName,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化链路追踪失败")
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	validator, err := newValidator(cfg)
	if err != nil {
		return err
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	queue, err := openQueue(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.L().Warn("关闭广播队列失败", slog.Any("error", err))
		}
	}()

	index := web3.ChainedIndex{}
	if cfg.Index.Redis.Address != "" {
		shared, err := redisindex.NewReferenceIndex(ctx, redisindex.Config{
			Address:  cfg.Index.Redis.Address,
			Password: cfg.Index.Redis.Password,
			DB:       cfg.Index.Redis.DB,
			Prefix:   cfg.Index.Redis.Key,
		})
		if err != nil {
			return err
		}
		defer shared.Close()
		index = append(index, shared)
	}
	index = append(index, receipt.NewStoreIndex(store))

	registry, err := newRegistry(cfg, validator, index)
	if err != nil {
		return err
	}
	defer registry.Close()
	bindConfiguredChains(ctx, cfg, validator, registry)

	alerts := newAlerts(cfg)
	sanitizer := sanitize.New(sanitize.Config{MaxDepth: cfg.Sanitizer.MaxDepth, MaxBytes: cfg.Sanitizer.MaxBytes})

	managerOpts, err := managerOptions(cfg, sanitizer, alerts)
	if err != nil {
		return err
	}
	manager, err := receipt.NewManager(validator, store, queue, managerOpts...)
	if err != nil {
		return err
	}

	broadcaster := receipt.NewBroadcaster(validator, registry, store, queue,
		receipt.WithWorkerCount(cfg.Broadcast.Workers),
		receipt.WithRetryPolicy(receipt.RetryPolicy{
			InitialInterval: cfg.Broadcast.InitialInterval.Std(),
			MaxInterval:     cfg.Broadcast.MaxInterval.Std(),
			MaxAttempts:     uint(cfg.Broadcast.MaxAttempts),
		}),
		receipt.WithAlertDispatcher(alerts),
	)
	poller := receipt.NewPoller(store, registry, receipt.PollerConfig{
		Interval:         cfg.Poller.Interval.Std(),
		Deadline:         cfg.Poller.Deadline.Std(),
		QueriesPerSecond: cfg.Poller.QueriesPerSecond,
		Burst:            cfg.Poller.Burst,
	}, receipt.WithPollerAlerts(alerts))
	verifier := verify.New(store, registry,
		verify.WithSanitizer(sanitizer),
		verify.WithRateLimit(cfg.Verifier.QueriesPerSecond, cfg.Verifier.Burst),
	)

	authService, err := auth.NewService(cfg.Auth)
	if err != nil {
		return err
	}
	if !authService.Enabled() {
		logger.L().Warn("未启用 API key 认证，记录接口对所有调用方开放")
	}
	server := api.NewServer(cfg.Server.Address, manager, verifier,
		api.WithChains(cfg.Chains),
		api.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		api.WithAuth(authService),
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return ignoreCanceled(broadcaster.Start(groupCtx)) })
	group.Go(func() error { return ignoreCanceled(poller.Run(groupCtx)) })
	group.Go(func() error { return ignoreCanceled(server.Start(groupCtx)) })
	if cfg.Metrics.Address != "" {
		group.Go(func() error { return ignoreCanceled(metrics.StartServer(groupCtx, cfg.Metrics.Address)) })
	}

	logger.L().Info("proofchaind 已启动",
		slog.String("storage", cfg.Storage.Driver),
		slog.String("queue", cfg.Queue.Driver),
		slog.Any("networks", registry.Networks()),
	)
	return group.Wait()
}

func newValidator(cfg *config.Config) (*web3.Validator, error) {
	var opts []web3.ValidatorOption
	if cfg.Web3.NonProduction {
		opts = append(opts, web3.WithNonProduction())
	}
	if cfg.Web3.AllowListPath != "" {
		list, err := web3.LoadAllowList(cfg.Web3.AllowListPath)
		if err != nil {
			return nil, err
		}
		opts = append(opts, web3.WithAllowList(list))
	}
	return web3.NewValidator(opts...)
}

func openStore(ctx context.Context, cfg *config.Config) (receipt.Store, error) {
	switch cfg.Storage.Driver {
	case "mysql":
		return mysql.NewRecordStore(ctx, mysql.Config{
			DSN:             cfg.Storage.MySQL.DSN,
			MaxOpenConns:    cfg.Storage.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MySQL.MaxIdleConns,
			ConnMaxLifetime: cfg.Storage.MySQL.ConnMaxLifetime.Std(),
			ConnMaxIdleTime: cfg.Storage.MySQL.ConnMaxIdleTime.Std(),
		})
	default:
		return receipt.NewMemoryStore(), nil
	}
}

func openQueue(ctx context.Context, cfg *config.Config) (receipt.Queue, error) {
	switch cfg.Queue.Driver {
	case "redis":
		return receipt.NewRedisQueue(ctx, receipt.RedisQueueConfig{
			Address:  cfg.Queue.Redis.Address,
			Password: cfg.Queue.Redis.Password,
			DB:       cfg.Queue.Redis.DB,
			Queue:    cfg.Queue.Redis.Key,
		})
	case "rabbitmq":
		return receipt.NewRabbitMQQueue(receipt.RabbitMQConfig{
			URL:      cfg.Queue.RabbitMQ.URL,
			Queue:    cfg.Queue.RabbitMQ.Queue,
			Prefetch: cfg.Queue.RabbitMQ.Prefetch,
			Durable:  cfg.Queue.RabbitMQ.Durable,
		})
	default:
		return receipt.NewMemoryQueue(cfg.Queue.Size), nil
	}
}

// newRegistry 为校验器接受的每个网络注册对应家族的适配器工厂。
func newRegistry(cfg *config.Config, validator *web3.Validator, index web3.ReferenceIndex) (*provider.Registry, error) {
	registry := provider.NewRegistry()

	accountOpts := ethereum.Options{Index: index, Capacity: cfg.Web3.AccountCapacity, Nonces: ethereum.NewNonceSequencer()}
	if key := strings.TrimPrefix(strings.TrimSpace(cfg.Web3.EthereumKey), "0x"); key != "" {
		privateKey, err := crypto.HexToECDSA(key)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析以太坊私钥失败")
		}
		accountOpts.Key = privateKey
	}
	if cfg.Web3.EthereumSink != "" {
		if !common.IsHexAddress(cfg.Web3.EthereumSink) {
			return nil, xerrors.New(xerrors.CodeInitializationFailure, "ethereum_sink 不是合法地址")
		}
		accountOpts.Sink = common.HexToAddress(cfg.Web3.EthereumSink)
	}

	for _, network := range validator.Networks() {
		policy, _ := validator.Policy(network)
		var factory provider.Factory
		switch policy.Family {
		case web3.FamilyAccount:
			if accountOpts.Key == nil {
				logger.L().Warn("未配置以太坊私钥，账户型网络不可用", slog.String("network", network))
				continue
			}
			factory = ethereum.Factory(accountOpts)
		case web3.FamilyUTXO:
			factory = bitcoin.Factory(bitcoin.Options{Index: index})
		default:
			continue
		}
		if err := registry.Register(network, factory); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// bindConfiguredChains 在启动时绑定配置中的链，使轮询器在重启后能继续查询已广播的记录。
// 绑定失败只记录日志，广播时会再次尝试。
func bindConfiguredChains(ctx context.Context, cfg *config.Config, validator *web3.Validator, registry *provider.Registry) {
	for name, candidate := range cfg.Chains {
		chainCfg, err := validator.Validate(candidate)
		if err != nil {
			logger.L().Error("配置中的链未通过校验", slog.String("chain", name), slog.Any("error", err))
			continue
		}
		if _, err := registry.Bind(ctx, chainCfg); err != nil {
			logger.L().Warn("预绑定链适配器失败", slog.String("chain", name), slog.Any("error", err))
		}
	}
}

func newAlerts(cfg *config.Config) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			Sender:        &alerting.HTTPWebhook{URL: cfg.Alerting.WebhookURL},
			SubjectPrefix: cfg.Alerting.SubjectPrefix,
		})
	}
	return alerting.NewFanout(notifiers...)
}

func managerOptions(cfg *config.Config, sanitizer *sanitize.Sanitizer, alerts alerting.Dispatcher) ([]receipt.ManagerOption, error) {
	algorithm, err := proofs.ParseAlgorithm(cfg.Proofs.HashAlgorithm)
	if err != nil {
		return nil, err
	}
	signer, err := proofs.NewSigner(cfg.Proofs.SignerAlgorithm, cfg.Proofs.SignerKey, cfg.Proofs.SignerKeyID)
	if err != nil {
		return nil, err
	}
	keys, err := tier.ParseKeyRing(cfg.Tier.Keys, cfg.Tier.ActiveKey)
	if err != nil {
		return nil, err
	}
	return []receipt.ManagerOption{
		receipt.WithSanitizer(sanitizer),
		receipt.WithAlgorithm(algorithm),
		receipt.WithSigner(signer),
		receipt.WithTierPolicy(tier.NewPolicy(keys)),
		receipt.WithManagerAlerts(alerts),
	}, nil
}

func ignoreCanceled(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
