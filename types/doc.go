// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供消息编排核心的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 channel、router、broker、
tasks、state 等上层模块提供统一的类型契约，以避免循环依赖。

# 核心类型

  - Message          : 路由单元（ID、Type、Sender、Recipient、Payload、Priority、Persist）
  - Priority         : 优先级通道 high / medium / low，Lanes 给出排空顺序
  - Event            : 统一出站事件 { type, source, data, timestamp }
  - Error / ErrorCode: 结构化错误体系，含 Retryable 标记

# 错误码

  - UNROUTABLE_MESSAGE / CHANNEL_NOT_FOUND / PUBLISH_FAILED
  - UNKNOWN_TASK_TYPE / TASK_TIMEOUT
  - STALE_WRITE / LOCK_TIMEOUT

# 主要能力

  - Context 传播：WithTraceID / WithActor / WithTaskID
  - 错误工具链：AsError / IsErrorCode / IsRetryable / GetErrorCode
*/
package types
