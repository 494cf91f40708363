// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 server 提供运维 HTTP 服务：存活/就绪探针、Prometheus 指标
与版本信息，以及服务器的生命周期管理。

# 核心类型

  - Manager：封装 net/http.Server，负责监听、非阻塞启动、
    优雅关闭与异步错误传播。Run 阻塞直到 context 结束。
  - Config：监听地址、读写/空闲超时、最大请求头、关闭超时、
    就绪检查超时与可选 TLS 证书。
  - OpsHandler：挂载 /healthz、/readyz、/version、/metrics，
    自带 panic 恢复与请求指标。
  - HealthCheck / CheckFunc：就绪检查项，例如共享存储与数据库的 Ping。

# 端点

  - GET /healthz：进程存活即返回 200。
  - GET /readyz：执行全部检查，任一失败返回 503 并附带每项结果。
  - GET /metrics：暴露指定注册表中的指标。
  - GET /version：返回构建版本。

请求指标的 path 标签只取上述固定路径，其余归为 other。
*/
package server
