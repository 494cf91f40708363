// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 fuse 进程入口。

# 概述

cmd/fuse 为每个组件创建唯一实例并显式注入依赖：共享存储 →
频道管理器 → 消息代理 → 路由器 → 状态管理器（可选 SQL 快照库）→
任务队列、调度器与执行器 → 运维 HTTP 端点。所有后台循环运行在
同一个 errgroup 中，收到 SIGINT/SIGTERM 后依次退出并释放资源。

# 子命令

  - serve：加载配置（默认值 → YAML → FUSE_ 环境变量）并运行全部组件
  - migrate：对快照库执行 golang-migrate 迁移
  - health：请求运行中进程的 /healthz 或 /readyz
  - version：输出构建注入的 Version、BuildTime、GitCommit

# 内置任务类型

message.send 的负载是一条消息，任务到期时交给路由器投递。
配合 ScheduledFor 与 Recurrence 可实现延迟与周期消息。
*/
package main
