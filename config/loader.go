// =============================================================================
// 📦 fuse 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("fuse.yaml").
//	    WithEnvPrefix("FUSE").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// 环境变量名由 env tag 逐级拼接，例如 FUSE_STORE_REDIS_ADDR、FUSE_TASKS_MAX_CONCURRENCY
// =============================================================================
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/whodaniel/fuse-sub035/broker"
	"github.com/whodaniel/fuse-sub035/channel"
	"github.com/whodaniel/fuse-sub035/internal/database"
	"github.com/whodaniel/fuse-sub035/internal/server"
	"github.com/whodaniel/fuse-sub035/internal/telemetry"
	"github.com/whodaniel/fuse-sub035/router"
	"github.com/whodaniel/fuse-sub035/state"
	"github.com/whodaniel/fuse-sub035/store"
	"github.com/whodaniel/fuse-sub035/tasks"
)

// DefaultEnvPrefix 环境变量前缀
const DefaultEnvPrefix = "FUSE"

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 fuse 进程的完整配置，每个组件一节
type Config struct {
	// Store 共享存储（memory / redis）
	Store store.Config `yaml:"store" json:"store" env:"STORE"`

	// Channel 频道管理器
	Channel channel.Config `yaml:"channel" json:"channel" env:"CHANNEL"`

	// Broker 消息代理
	Broker broker.Config `yaml:"broker" json:"broker" env:"BROKER"`

	// Router 路由规则只能来自配置文件
	Router router.Config `yaml:"router" json:"router"`

	// Tasks 任务队列、调度器与执行器
	Tasks tasks.Config `yaml:"tasks" json:"tasks" env:"TASKS"`

	// State 状态管理器
	State state.Config `yaml:"state" json:"state" env:"STATE"`

	// Database 快照 SQL 后端使用的数据库
	Database database.Config `yaml:"database" json:"database" env:"DATABASE"`

	// Server 运维 HTTP 端点
	Server server.Config `yaml:"server" json:"server" env:"SERVER"`

	// Log 日志配置
	Log LogConfig `yaml:"log" json:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry telemetry.Config `yaml:"telemetry" json:"telemetry" env:"TELEMETRY"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" json:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" json:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" json:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" json:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" json:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	lookupEnv  func(string) (string, bool)
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  DefaultEnvPrefix,
		lookupEnv:  os.LookupEnv,
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量，最后执行 Validate 与自定义验证器
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 从环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 4. 校验
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置，未出现的键保留默认值
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		// 获取 env tag
		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		// 如果是结构体，递归处理（time.Duration 不是结构体）
		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue, ok := l.lookupEnv(envKey)
		if !ok || envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == durationType {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			slice := reflect.MakeSlice(field.Type(), 0, len(parts))
			for _, p := range parts {
				if p = strings.TrimSpace(p); p != "" {
					slice = reflect.Append(slice, reflect.ValueOf(p).Convert(field.Type().Elem()))
				}
			}
			field.Set(slice)
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate 校验全部组件配置，返回合并后的错误
func (c *Config) Validate() error {
	errs := []error{
		c.Store.Validate(),
		c.Tasks.Validate(),
		c.State.Validate(),
		c.Server.Validate(),
		c.Log.Validate(),
	}

	if c.Broker.LogMaxLen > 0 && c.Broker.DedupWindow > 0 && int64(c.Broker.DedupWindow) < c.Broker.LogMaxLen {
		errs = append(errs, fmt.Errorf("broker.dedup_window (%d) must not be smaller than broker.log_max_len (%d)",
			c.Broker.DedupWindow, c.Broker.LogMaxLen))
	}
	if c.Broker.LaneMaxLen > 0 && c.Broker.DedupWindow > 0 && int64(c.Broker.DedupWindow) < c.Broker.LaneMaxLen {
		errs = append(errs, fmt.Errorf("broker.dedup_window (%d) must not be smaller than broker.lane_max_len (%d)",
			c.Broker.DedupWindow, c.Broker.LaneMaxLen))
	}
	if c.Channel.SweepInterval < 0 {
		errs = append(errs, errors.New("channel.sweep_interval must not be negative"))
	}
	if c.State.SnapshotBackend == state.SnapshotBackendSQL {
		errs = append(errs, c.Database.Validate())
	}
	if c.Telemetry.Enabled && strings.TrimSpace(c.Telemetry.OTLPEndpoint) == "" {
		errs = append(errs, errors.New("telemetry.otlp_endpoint is required when telemetry is enabled"))
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, errors.New("telemetry.sample_rate must be between 0 and 1"))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config validation errors: %w", err)
	}
	return nil
}

// Validate 校验日志配置
func (c LogConfig) Validate() error {
	switch c.Level {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Level)
	}
	switch c.Format {
	case "json", "console", "":
	default:
		return fmt.Errorf("log.format must be json or console, got %q", c.Format)
	}
	return nil
}
