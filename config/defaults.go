// =============================================================================
// 📦 fuse 默认配置
// =============================================================================
// 各组件默认值由组件自身的 DefaultConfig 提供
// =============================================================================
package config

import (
	"github.com/whodaniel/fuse-sub035/broker"
	"github.com/whodaniel/fuse-sub035/channel"
	"github.com/whodaniel/fuse-sub035/internal/database"
	"github.com/whodaniel/fuse-sub035/internal/server"
	"github.com/whodaniel/fuse-sub035/internal/telemetry"
	"github.com/whodaniel/fuse-sub035/state"
	"github.com/whodaniel/fuse-sub035/store"
	"github.com/whodaniel/fuse-sub035/tasks"
)

// DefaultConfig 返回默认配置：内存存储、store 快照后端、运维端点 :9090
func DefaultConfig() *Config {
	return &Config{
		Store:     store.DefaultConfig(),
		Channel:   channel.DefaultConfig(),
		Broker:    broker.DefaultConfig(),
		Tasks:     tasks.DefaultConfig(),
		State:     state.DefaultConfig(),
		Database:  database.DefaultConfig(),
		Server:    server.DefaultConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: telemetry.DefaultConfig(),
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}
