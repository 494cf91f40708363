// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖
消息代理、任务执行、共享状态、运维 HTTP 与数据库五个维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制。所有指标按 namespace 隔离，Collector 为 nil 时
所有 Record 方法均为空操作，组件可以在无指标环境下运行。

# 主要能力

  - Broker 指标：发布数（按 channel/lane）、投递数（local/store/replay）、
    去重丢弃数、发布失败数、丢弃数与发布耗时。
  - Task 指标：入队数、执行结果、执行耗时、各 lane 队列深度、忙碌 worker 数。
  - State 指标：写入结果（ok/stale）、事务结果、快照结果。
  - HTTP 指标：运维端口请求总数与耗时，状态码归类为 2xx/3xx/4xx/5xx。
  - 数据库指标：快照库连接数 Gauge 与查询耗时 Histogram。
*/
package metrics
