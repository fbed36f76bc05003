package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"Aegis-Treasury/internal/api"
	"Aegis-Treasury/internal/breaker"
	"Aegis-Treasury/internal/budget"
	"Aegis-Treasury/internal/chain"
	"Aegis-Treasury/internal/config"
	"Aegis-Treasury/internal/kv"
	"Aegis-Treasury/internal/observability/alerting"
	"Aegis-Treasury/internal/observability/metrics"
	"Aegis-Treasury/internal/payment"
	"Aegis-Treasury/internal/reserve"
	"Aegis-Treasury/internal/sponsorship"
	"Aegis-Treasury/internal/storage/mysql"
	"Aegis-Treasury/internal/storage/redis"
	"Aegis-Treasury/internal/treasury"
	"Aegis-Treasury/internal/walletlock"
	"Aegis-Treasury/pkg/logger"
)

// main 是金库守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("treasuryd 运行失败: %v", err)
	}
}

type stores struct {
	requests sponsorship.Store
	budgets  budget.Store
	payments payment.Store
	db       *sql.DB
}

func run(ctx context.Context) error {
	cfg, err := config.Load("")
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Named("treasuryd")

	// 共享键值存储：配置了 Redis 时使用 Redis，否则退化为单机内存实现。
	var (
		redisClient *goredis.Client
		kvStore     kv.Store
	)
	if cfg.Redis.Address != "" {
		redisClient, err = redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		kvStore = redis.NewStore(redisClient)
	} else {
		log.Warn("未配置 Redis，使用进程内键值存储")
		kvStore = kv.NewMemoryStore()
	}
	defer kvStore.Close()

	st, err := openStores(ctx, cfg.MySQL)
	if err != nil {
		return err
	}
	if st.db != nil {
		defer st.db.Close()
	}

	breakers := breaker.NewRegistry(cfg.Breaker)
	alerts := alerting.Build(cfg.Alerting)
	locker := walletlock.NewKVLocker(kvStore)
	lock := walletlock.New(locker, cfg.WalletLock)

	ledger := budget.NewLedger(st.budgets, kvStore, locker, budget.WithLockTimeout(cfg.WalletLock.Timeout))
	payments := payment.NewService(st.payments, ledger)

	eth, err := chain.NewEthereumClient(ctx, cfg.Chain)
	if err != nil {
		return err
	}
	defer eth.Close()
	bundler, err := chain.NewBundlerClient(ctx, cfg.Chain)
	if err != nil {
		return err
	}
	defer bundler.Close()

	reserves := reserve.NewManager(cfg.Reserve, reserve.Dependencies{
		Address:  cfg.Chain.TreasuryAddress,
		ChainID:  cfg.Chain.ChainID,
		Balances: eth,
		Budgets:  ledger,
		Store:    kvStore,
		Breaker:  breakers.Get(breaker.KeyReservePipeline),
		Alerts:   alerts,
	})

	queue, err := sponsorship.NewQueue(cfg.Queue, redisClient)
	if err != nil {
		return err
	}

	serviceOpts := []sponsorship.ServiceOption{
		sponsorship.WithPayments(payments),
		sponsorship.WithMaxRetries(cfg.Processor.MaxRetries),
	}
	if cfg.Facilitator.URL != "" {
		facilitator, err := payment.NewHTTPFacilitator(cfg.Facilitator)
		if err != nil {
			return err
		}
		serviceOpts = append(serviceOpts, sponsorship.WithFacilitator(facilitator, breakers.Get(breaker.KeyFacilitator)))
	}
	sponsorships := sponsorship.NewService(st.requests, queue, serviceOpts...)
	defer sponsorships.Close()

	executor, err := treasury.New(cfg.Treasury, treasury.Dependencies{
		Ledger:    ledger,
		Reserve:   reserves,
		Balances:  eth,
		GasOracle: eth,
		TxCounter: eth,
		Bundler:   bundler,
		History:   sponsorships,
		Lock:      lock,
		Breakers:  breakers,
		Store:     kvStore,
		Alerts:    alerts,
	})
	if err != nil {
		return err
	}

	processor := sponsorship.NewProcessor(executor, st.requests, queue, queue,
		sponsorship.WithWorkerCount(cfg.Processor.Workers),
		sponsorship.WithRetryBackoff(cfg.Processor.Retry),
		sponsorship.WithProcessorPayments(payments),
		sponsorship.WithReserveReader(reserves),
		sponsorship.WithAlertDispatcher(alerts),
	)
	reaper := sponsorship.NewReaper(st.requests, queue, cfg.Reaper, nil)
	server := api.NewServer(api.Config{
		Address:         cfg.Server.Address,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		ServeMetrics:    cfg.Server.MetricsAddress == "",
	}, api.Dependencies{
		Sponsorships: sponsorships,
		Eligibility:  executor,
		Credits:      payments,
	})

	log.Info("金库服务启动",
		slog.String("execution_mode", string(executor.PolicyConfig().ExecutionMode)),
		slog.String("queue_driver", cfg.Queue.Driver),
		slog.Bool("mysql", st.db != nil),
		slog.Bool("redis", redisClient != nil),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		reserves.Run(gctx, cfg.Reserve.RefreshInterval)
		return nil
	})
	g.Go(func() error {
		reaper.Run(gctx)
		return nil
	})
	g.Go(func() error { return processor.Start(gctx) })
	g.Go(func() error { return server.Start(gctx) })
	if cfg.Server.MetricsAddress != "" {
		g.Go(func() error { return metrics.StartServer(gctx, cfg.Server.MetricsAddress) })
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		log.Info("金库服务已停止")
		return nil
	}
	return err
}

// openStores 在配置了 DSN 时使用 MySQL 持久化，否则使用内存实现。
func openStores(ctx context.Context, cfg mysql.Config) (stores, error) {
	if cfg.DSN == "" {
		logger.Named("treasuryd").Warn("未配置 MySQL，请求、预算与支付记录仅保存在内存中")
		return stores{
			requests: sponsorship.NewMemoryStore(),
			budgets:  budget.NewMemoryStore(),
			payments: payment.NewMemoryStore(),
		}, nil
	}
	db, err := mysql.Open(ctx, cfg)
	if err != nil {
		return stores{}, err
	}
	if cfg.AutoMigrate {
		if err := mysql.Migrate(ctx, db); err != nil {
			_ = db.Close()
			return stores{}, err
		}
	}
	return stores{
		requests: sponsorship.NewMySQLStore(db),
		budgets:  budget.NewMySQLStore(db),
		payments: payment.NewMySQLStore(db),
		db:       db,
	}, nil
}
