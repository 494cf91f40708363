// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
store 包定义消息编排核心依赖的共享存储契约，并提供 Redis 与内存两种后端。

# 契约

  - 键值：Get / Set(带 TTL) / SetNX / Del / Expire / Keys
  - 原子自增：Incr
  - 列表（队列语义）：RPush / LPop / LRange / LTrim / LLen
  - 发布订阅：Publish / Subscribe
  - 比较写：CompareAndSwap（多键全有或全无）/ CompareAndDelete（锁释放）

缺失的键与空列表返回 ErrNil。所有键与频道名都是相对名，由后端统一加上
KeyPrefix（默认 "fuse:"）。

# 后端

  - Redis：基于 go-redis，比较写通过 Lua 脚本保证原子性，Keys 使用 SCAN
  - Memory：单进程实现，用于开发与测试

使用 New 按 Config.Type 创建实例。
*/
package store
