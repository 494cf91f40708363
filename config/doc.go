// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package config 提供 fuse 进程的配置管理。
//
// Config 为每个组件保留一节（store、channel、broker、router、tasks、
// state、database、server、log、telemetry），默认值来自组件自身的
// DefaultConfig。Loader 按 默认值 → YAML 文件 → FUSE_ 前缀环境变量
// 的顺序叠加，随后执行 Validate。
package config
