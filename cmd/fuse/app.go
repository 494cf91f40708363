package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/whodaniel/fuse-sub035/broker"
	"github.com/whodaniel/fuse-sub035/channel"
	"github.com/whodaniel/fuse-sub035/config"
	"github.com/whodaniel/fuse-sub035/internal/database"
	"github.com/whodaniel/fuse-sub035/internal/metrics"
	"github.com/whodaniel/fuse-sub035/internal/migration"
	"github.com/whodaniel/fuse-sub035/internal/server"
	"github.com/whodaniel/fuse-sub035/internal/telemetry"
	"github.com/whodaniel/fuse-sub035/router"
	"github.com/whodaniel/fuse-sub035/state"
	"github.com/whodaniel/fuse-sub035/store"
	"github.com/whodaniel/fuse-sub035/tasks"
	"github.com/whodaniel/fuse-sub035/types"
)

// TaskTypeSendMessage 内置任务类型：到期时把负载中的消息交给路由器投递
const TaskTypeSendMessage = "message.send"

// =============================================================================
// 🧩 进程内组件装配
// =============================================================================

// app 持有一个进程内每个组件的唯一实例
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	registry  *prometheus.Registry
	metrics   *metrics.Collector
	telemetry *telemetry.Providers

	store     store.Store
	db        *database.PoolManager
	channels  *channel.Manager
	broker    *broker.Broker
	router    *router.Router
	state     *state.Manager
	queue     *tasks.Queue
	scheduler *tasks.Scheduler
	executor  *tasks.Executor
	ops       *server.OpsHandler
	server    *server.Manager
}

type appOptions struct {
	// 启动时对 SQL 快照库执行迁移
	migrate bool
	// 启动时从最新快照与变更日志恢复状态
	rehydrate bool
}

// newApp 按依赖顺序创建全部组件。失败时已创建的资源会被释放。
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts appOptions) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.close(context.Background())
			a = nil
		}
	}()

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.NewCollectorWith(a.registry, "fuse", logger)

	if a.telemetry, err = telemetry.Init(cfg.Telemetry, logger); err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	if a.store, err = store.New(ctx, cfg.Store, logger); err != nil {
		return nil, fmt.Errorf("open shared store: %w", err)
	}

	a.channels = channel.NewManager(cfg.Channel, logger)
	a.broker = broker.New(cfg.Broker, a.store, a.channels, logger, broker.WithMetrics(a.metrics))
	if a.router, err = router.New(cfg.Router, a.broker, logger); err != nil {
		return nil, fmt.Errorf("load routing rules: %w", err)
	}

	stateOpts := []state.Option{state.WithMetrics(a.metrics)}
	if cfg.State.SnapshotBackend == state.SnapshotBackendSQL {
		snapshots, err := a.openSnapshotDatabase(ctx, opts.migrate)
		if err != nil {
			return nil, err
		}
		stateOpts = append(stateOpts, state.WithSnapshotStore(snapshots))
	}
	a.state = state.NewManager(cfg.State, a.store, logger, stateOpts...)

	a.queue = tasks.NewQueue(cfg.Tasks, logger,
		tasks.WithStateStore(a.state),
		tasks.WithPublisher(a.broker),
		tasks.WithMetrics(a.metrics),
	)
	a.scheduler = tasks.NewScheduler(a.queue, logger)
	a.executor = tasks.NewExecutor(a.queue, logger)
	if err = a.executor.Register(TaskTypeSendMessage, a.sendMessage); err != nil {
		return nil, err
	}

	a.ops = server.NewOpsHandler(logger,
		server.WithGatherer(a.registry),
		server.WithRequestMetrics(a.metrics),
		server.WithVersion(Version),
		server.WithReadyTimeout(cfg.Server.ReadyTimeout),
	)
	a.ops.RegisterCheck(server.CheckFunc("store", a.store.Ping))
	if a.db != nil {
		a.ops.RegisterCheck(server.CheckFunc("database", a.db.Ping))
	}
	if cfg.Server.Enabled {
		a.server = server.NewManager(a.ops.Handler(), cfg.Server, logger)
	}

	if opts.rehydrate {
		report, err := a.state.Rehydrate(ctx)
		if err != nil {
			return nil, fmt.Errorf("rehydrate state: %w", err)
		}
		logger.Info("state rehydrated",
			zap.String("snapshot_id", report.SnapshotID),
			zap.Int("replayed", report.Replayed),
			zap.Int("restored", report.Restored),
			zap.Int("deleted", report.Deleted),
		)
	}

	return a, nil
}

// openSnapshotDatabase 打开快照库，按需执行迁移
func (a *app) openSnapshotDatabase(ctx context.Context, migrate bool) (*state.SQLSnapshots, error) {
	if migrate {
		m, err := migration.NewMigratorFromDatabaseConfig(a.cfg.Database, a.logger)
		if err != nil {
			return nil, fmt.Errorf("create migrator: %w", err)
		}
		upErr := m.Up(ctx)
		closeErr := m.Close()
		if err := errors.Join(upErr, closeErr); err != nil {
			return nil, fmt.Errorf("migrate snapshot database: %w", err)
		}
	}

	db, err := database.Open(a.cfg.Database, a.logger,
		database.WithMetrics(a.metrics),
		database.WithName("snapshots"),
	)
	if err != nil {
		return nil, fmt.Errorf("open snapshot database: %w", err)
	}
	a.db = db
	return state.NewSQLSnapshots(db.DB(), a.logger), nil
}

// sendMessage 处理 message.send 任务。消息 ID 取任务 ID，
// 重试时已投递过的频道由订阅方去重窗口丢弃。
func (a *app) sendMessage(ctx context.Context, t *tasks.Task) error {
	var msg types.Message
	if err := t.DecodePayload(&msg); err != nil {
		return types.Errorf(types.ErrInvalidInput, "decode message payload").WithCause(err)
	}
	msg.ID = t.ID
	msg.Timestamp = time.Time{}
	res, err := a.router.Send(ctx, &msg)
	if err != nil {
		return err
	}
	a.logger.Debug("scheduled message delivered",
		zap.String("task_id", t.ID),
		zap.Strings("channels", res.Delivered),
	)
	return nil
}

// run 启动全部后台循环并阻塞到 ctx 结束或任一循环出错
func (a *app) run(ctx context.Context) error {
	if err := a.state.Start(ctx); err != nil {
		return err
	}
	recovered, err := a.queue.Recover(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("fuse started",
		zap.String("version", Version),
		zap.String("store", string(a.cfg.Store.Type)),
		zap.Int("recovered_tasks", recovered),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.channels.Run(gctx) })
	g.Go(func() error { return a.broker.RunReplay(gctx) })
	g.Go(func() error { return a.state.RunSnapshots(gctx) })
	g.Go(func() error { return a.scheduler.Run(gctx) })
	g.Go(func() error { return a.executor.Run(gctx) })
	if a.server != nil {
		g.Go(func() error { return a.server.Run(gctx) })
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// close 按创建的逆序释放资源
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.broker != nil {
		errs = append(errs, a.broker.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.telemetry != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		errs = append(errs, a.telemetry.Shutdown(shutdownCtx))
	}
	return errors.Join(errs...)
}
