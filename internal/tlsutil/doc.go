// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package tlsutil 提供集中式 TLS 配置，
// 供 Redis 存储连接、运维 HTTPS 端点与 health 命令使用（TLS 1.2+，仅 AEAD 密码套件）。
package tlsutil
