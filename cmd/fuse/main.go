// =============================================================================
// fuse 主入口
// =============================================================================
// 消息路由、任务编排与共享状态核心的进程入口
//
// 使用方法:
//
//	fuse serve                          # 启动服务
//	fuse serve --config fuse.yaml       # 指定配置文件
//	fuse migrate up                     # 迁移快照库
//	fuse migrate --config fuse.yaml status
//	fuse health --addr http://localhost:9090
//	fuse version
// =============================================================================

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/whodaniel/fuse-sub035/config"
	"github.com/whodaniel/fuse-sub035/internal/tlsutil"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run 分发子命令并返回进程退出码
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return 1
	}

	var err error
	switch args[0] {
	case "serve":
		err = runServe(ctx, args[1:])
	case "migrate":
		err = runMigrate(ctx, args[1:], stdout)
	case "health":
		err = runHealthCheck(ctx, args[1:], stdout)
	case "version":
		printVersion(stdout)
	case "help", "-h", "--help":
		printUsage(stdout)
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}

	if err != nil {
		fmt.Fprintf(stderr, "fuse %s: %v\n", args[0], err)
		return 1
	}
	return 0
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	migrate := fs.Bool("migrate", true, "Apply snapshot database migrations on start (sql snapshot backend only)")
	rehydrate := fs.Bool("rehydrate", true, "Restore state from the latest snapshot and change log on start")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	logger, err := cfg.Log.BuildLogger()
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting fuse",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	a, err := newApp(ctx, cfg, logger, appOptions{migrate: *migrate, rehydrate: *rehydrate})
	if err != nil {
		return err
	}

	runErr := a.run(ctx)
	if runErr != nil {
		logger.Error("fuse stopped with error", zap.Error(runErr))
	}
	if err := a.close(context.WithoutCancel(ctx)); err != nil {
		logger.Warn("shutdown finished with errors", zap.Error(err))
	}
	logger.Info("fuse stopped")
	return runErr
}

func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path != "" {
		loader = loader.WithConfigPath(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func runHealthCheck(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	addr := fs.String("addr", "http://localhost:9090", "Ops server address")
	ready := fs.Bool("ready", false, "Check /readyz instead of /healthz")
	if err := fs.Parse(args); err != nil {
		return err
	}

	path := "/healthz"
	if *ready {
		path = "/readyz"
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, *addr+path, nil)
	if err != nil {
		return err
	}
	resp, err := tlsutil.HTTPClient(5 * time.Second).Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: status %d", resp.StatusCode)
	}

	fmt.Fprintln(stdout, "OK")
	return nil
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "fuse %s\n", Version)
	fmt.Fprintf(w, "  Build Time: %s\n", BuildTime)
	fmt.Fprintf(w, "  Git Commit: %s\n", GitCommit)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `fuse - agent messaging and task orchestration core

Usage:
  fuse <command> [options]

Commands:
  serve     Run the broker, scheduler, executor and state manager
  migrate   Snapshot database migration commands
  health    Check a running process through its ops endpoint
  version   Show version information
  help      Show this help message

Options for 'serve':
  --config <path>     Path to configuration file (YAML)
  --migrate=false     Skip snapshot database migrations on start
  --rehydrate=false   Skip state rehydration on start

Options for 'health':
  --addr <url>        Ops server address (default http://localhost:9090)
  --ready             Check readiness instead of liveness

Environment variables override the file, e.g. FUSE_STORE_TYPE=redis,
FUSE_STORE_REDIS_ADDR=redis:6379, FUSE_TASKS_MAX_CONCURRENCY=8.

Examples:
  fuse serve --config /etc/fuse/fuse.yaml
  fuse migrate up
  fuse migrate --db-type sqlite --db-url /var/lib/fuse/state.db status
  fuse health --ready`)
}
