// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package broker 实现带优先级 lane、持久日志与去重窗口的发布订阅核心。

# 发布

Publish 先把消息交给本进程内的订阅者（本地快速路径，至多一次），
再写入共享存储（至少一次）：

  - broker:lane:{channel}:{lane}  按优先级分开的列表，有长度上限与 TTL
  - broker:log:{channel}          Persist 消息的持久日志，保留 RetentionTTL
  - broker:notify:{channel}       唤醒监听方的 pub/sub 频道
  - broker:seq:{channel}          单调序号，作为订阅起点

存储写入按 PublishRetry 指数退避重试，耗尽后返回 PUBLISH_FAILED；
已写入持久日志的消息留给重放任务处理。

# 订阅

每个订阅者有独立的 FIFO 收件箱与处理 goroutine。每个频道一个监听循环，
由 pub/sub 唤醒并以 PollInterval 兜底轮询；每一轮按 high → medium → low
读取全部 lane，再按该顺序投递，因此同一轮中高优先级消息总在低优先级之前。

# 去重

订阅者维护最近 DedupWindow 条消息 ID 的滚动窗口，窗口内的重复投递被丢弃。
WithDurable 订阅者会把窗口持久化到 broker:seen:{channel}:{id}，
重连时恢复窗口并重放持久日志，错过的持久消息恰好收到一次。
*/
package broker
